// Package merge combines multiple transcript sources for one session into a
// single coherent segment sequence.
//
// A session can legitimately produce two transcripts: Whisper output from the
// audio plus a platform subtitle file (Teams VTT, Zoom cloud transcript).
// They cover the same speech with different timing precision and different
// speaker labelling, so the merger deduplicates overlapping utterances
// rather than interleaving both copies.
package merge

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/bristlenose/bristlenose/internal/ingest"
	"github.com/bristlenose/bristlenose/pkg/types"
)

const (
	// overlapEpsilon is the minimum interval intersection, in seconds, for
	// two segments to be overlap candidates.
	overlapEpsilon = 0.5

	// similarityThreshold is the minimum Jaro-Winkler score for two
	// overlapping segments to count as the same utterance.
	similarityThreshold = 0.80
)

// Source is one transcript for a session.
type Source struct {
	// Name identifies the origin ("whisper", "subtitle", "document").
	Name string

	Segments []types.Segment
}

// hasWordTimings reports whether any segment carries per-word timing, which
// marks the transcriber as the origin.
func (s Source) hasWordTimings() bool {
	for _, seg := range s.Segments {
		if len(seg.Words) > 0 {
			return true
		}
	}
	return false
}

// hasRealLabels reports whether the source names actual people rather than
// generic "Speaker N" placeholders.
func (s Source) hasRealLabels() bool {
	for _, seg := range s.Segments {
		if seg.SpeakerLabel != "" && !ingest.IsGenericLabel(seg.SpeakerLabel) {
			return true
		}
	}
	return false
}

// Session merges all sources for one session into a single sorted sequence.
//
// Duplicate resolution is pairwise: when segments from two sources intersect
// by more than an epsilon and their text is a fuzzy match, the copy from the
// preferred source wins. Word-timing sources are preferred for timing
// fidelity; when the losing copy carries a real person name and the winner
// only a generic label, the name is carried over.
func Session(sources []Source) []types.Segment {
	sources = nonEmpty(sources)
	switch len(sources) {
	case 0:
		return nil
	case 1:
		out := append([]types.Segment(nil), sources[0].Segments...)
		sortSegments(out)
		return out
	}

	sort.SliceStable(sources, func(i, j int) bool {
		return sourceRank(sources[i]) > sourceRank(sources[j])
	})

	merged := append([]types.Segment(nil), sources[0].Segments...)
	for _, src := range sources[1:] {
		merged = absorb(merged, src.Segments)
	}
	sortSegments(merged)
	return merged
}

// DropWordTimings clears per-word timing from all segments. Called after the
// merge so downstream stages and persisted intermediates carry only segment
// granularity.
func DropWordTimings(segs []types.Segment) {
	for i := range segs {
		segs[i].Words = nil
	}
}

// sourceRank orders sources by preference: word timings beat real labels,
// real labels beat neither.
func sourceRank(s Source) int {
	rank := 0
	if s.hasWordTimings() {
		rank += 2
	}
	if s.hasRealLabels() {
		rank++
	}
	return rank
}

// absorb folds extra into base: duplicates of an existing segment are
// dropped (possibly donating their speaker name), everything else is added.
func absorb(base, extra []types.Segment) []types.Segment {
	for _, cand := range extra {
		dupIdx := -1
		for i := range base {
			if overlap(base[i], cand) > overlapEpsilon && similar(base[i].Text, cand.Text) {
				dupIdx = i
				break
			}
		}
		if dupIdx == -1 {
			base = append(base, cand)
			continue
		}
		// Document labels win when they are real names and the kept copy
		// only has a generic transcriber label.
		kept := &base[dupIdx]
		if ingest.IsGenericLabel(kept.SpeakerLabel) &&
			cand.SpeakerLabel != "" && !ingest.IsGenericLabel(cand.SpeakerLabel) {
			kept.SpeakerLabel = cand.SpeakerLabel
		}
	}
	return base
}

// overlap returns the length of the intersection of two segment intervals.
func overlap(a, b types.Segment) float64 {
	start := a.Start
	if b.Start > start {
		start = b.Start
	}
	end := a.End
	if b.End < end {
		end = b.End
	}
	return end - start
}

// similar reports whether two utterances are the same speech. Comparison is
// case-insensitive over collapsed whitespace.
func similar(a, b string) bool {
	na, nb := normalise(a), normalise(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb {
		return true
	}
	return matchr.JaroWinkler(na, nb, false) >= similarityThreshold
}

func normalise(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func nonEmpty(sources []Source) []Source {
	out := sources[:0:0]
	for _, s := range sources {
		if len(s.Segments) > 0 {
			out = append(out, s)
		}
	}
	return out
}

func sortSegments(segs []types.Segment) {
	sort.SliceStable(segs, func(i, j int) bool {
		if segs[i].Start != segs[j].Start {
			return segs[i].Start < segs[j].Start
		}
		return segs[i].End < segs[j].End
	})
}
