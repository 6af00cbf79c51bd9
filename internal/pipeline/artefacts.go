package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
)

// Artefact file names under .bristlenose/intermediate/. One file per stage
// output, pretty-printed for human debuggability.
const (
	artefactSessions   = "sessions.json"
	artefactSegments   = "segments.json"
	artefactSpeakers   = "speakers.json"
	artefactBoundaries = "topic-boundaries.json"
	artefactQuotes     = "extracted-quotes.json"
	artefactClusters   = "screen-clusters.json"
	artefactThemes     = "themes.json"
	artefactAudit      = "redaction-audit.json"
)

// writeArtefact persists a stage output as indented JSON, atomically.
func writeArtefact(dir, name string, v any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %q: %w", dir, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %q: %w", path, err)
	}
	return nil
}

// readArtefact loads a stage output back.
func readArtefact(dir, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// artefactExists reports whether a stage output file is present.
func artefactExists(dir, name string) bool {
	info, err := os.Stat(filepath.Join(dir, name))
	return err == nil && !info.IsDir()
}

// hashFiles derives a content hash over a set of files, order-independent.
// Used as the manifest input hash for file-driven stages.
func hashFiles(paths []string) (string, error) {
	sorted := append([]string(nil), paths...)
	sort.Strings(sorted)
	h := sha256.New()
	for _, p := range sorted {
		f, err := os.Open(p)
		if err != nil {
			return "", fmt.Errorf("hash %q: %w", p, err)
		}
		fmt.Fprintf(h, "%s\x00", filepath.Base(p))
		if _, err := io.Copy(h, f); err != nil {
			f.Close()
			return "", fmt.Errorf("hash %q: %w", p, err)
		}
		f.Close()
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashJSON derives the input hash for stages whose input is in-memory
// structured data rather than files.
func hashJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
