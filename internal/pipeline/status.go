package pipeline

import (
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/bristlenose/bristlenose/pkg/types"
)

// Report reads the manifest and artefacts under outputDir and writes a
// human summary: per-stage counts, and warnings where the manifest claims
// completion but the artefact is missing. It never modifies anything.
func Report(outputDir string, w io.Writer) error {
	hidden := filepath.Join(outputDir, ".bristlenose")
	interDir := filepath.Join(hidden, "intermediate")

	m, err := LoadManifest(filepath.Join(hidden, "manifest.json"), "", "")
	if err != nil {
		return err
	}
	if len(m.Stages) == 0 {
		fmt.Fprintln(w, "No pipeline run recorded in this output directory.")
		return nil
	}

	fmt.Fprintf(w, "Project: %s\n", m.Project)
	if !m.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "Last updated: %s\n", m.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	}
	if m.PromptTokens > 0 || m.ComplTokens > 0 {
		fmt.Fprintf(w, "Tokens: %d in, %d out", m.PromptTokens, m.ComplTokens)
		if m.CostEstimate > 0 {
			fmt.Fprintf(w, " (~$%.2f)", m.CostEstimate)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintln(w)

	// Stage-by-stage, in pipeline order.
	order := []string{StageIngest, StageExtract, StageParse, StageTranscribe,
		StageSpeakerID, StageMerge, StageRedact, StageTopics, StageQuotes,
		StageScreens, StageThemes}
	artefactFor := map[string]string{
		StageIngest:    artefactSessions,
		StageMerge:     artefactSegments,
		StageSpeakerID: artefactSpeakers,
		StageRedact:    artefactAudit,
		StageTopics:    artefactBoundaries,
		StageQuotes:    artefactQuotes,
		StageScreens:   artefactClusters,
		StageThemes:    artefactThemes,
	}
	for _, name := range order {
		rec := m.Stages[name]
		if rec == nil {
			continue
		}
		line := fmt.Sprintf("%-12s %s", name, rec.Status)
		if n := len(rec.Sessions); n > 0 {
			done, failed := 0, 0
			for _, sr := range rec.Sessions {
				switch sr.Status {
				case StatusComplete:
					done++
				case StatusFailed:
					failed++
				}
			}
			line += fmt.Sprintf("  (%d/%d sessions", done, n)
			if failed > 0 {
				line += fmt.Sprintf(", %d failed", failed)
			}
			line += ")"
		}
		fmt.Fprintln(w, line)

		if art, ok := artefactFor[name]; ok && rec.Status == StatusComplete && !artefactExists(interDir, art) {
			fmt.Fprintf(w, "  warning: manifest says complete but %s is missing — the stage will re-run\n", art)
		}
	}

	// Headline counts from the artefacts themselves.
	var quoteMap map[string][]types.Quote
	if err := readArtefact(interDir, artefactQuotes, &quoteMap); err == nil {
		total := 0
		ids := make([]string, 0, len(quoteMap))
		for id, qs := range quoteMap {
			total += len(qs)
			ids = append(ids, id)
		}
		sort.Strings(ids)
		fmt.Fprintf(w, "\n%d quotes extracted across %d sessions\n", total, len(ids))
	}
	var clusters []types.ScreenCluster
	if err := readArtefact(interDir, artefactClusters, &clusters); err == nil && len(clusters) > 0 {
		fmt.Fprintf(w, "%d screen clusters\n", len(clusters))
	}
	var themeSet []types.Theme
	if err := readArtefact(interDir, artefactThemes, &themeSet); err == nil && len(themeSet) > 0 {
		fmt.Fprintf(w, "%d themes\n", len(themeSet))
	}
	return nil
}
