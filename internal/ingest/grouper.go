// Package ingest discovers and groups interview artefacts into sessions.
//
// Grouping runs in two passes over a directory: Zoom local recording folders
// are taken whole, then remaining files are grouped by platform-aware
// normalised stem. A file belongs to exactly one session; session IDs are
// assigned in input order.
package ingest

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/bristlenose/bristlenose/pkg/types"
)

// MediaExtensions are the audio and video formats Bristlenose ingests.
var MediaExtensions = map[string]bool{
	".wav": true, ".mp3": true, ".m4a": true, ".flac": true, ".ogg": true,
	".wma": true, ".aac": true, ".mp4": true, ".mov": true, ".avi": true,
	".mkv": true, ".webm": true,
}

// TranscriptExtensions are the subtitle and document formats that can supply
// an existing transcript.
var TranscriptExtensions = map[string]bool{
	".srt": true, ".vtt": true, ".docx": true,
}

// Prober reports whether the transcript file at path parses successfully.
// Wired to the parse package by the orchestrator; kept as a function value
// so grouping stays independent of the parsers.
type Prober func(path string) bool

var (
	// Zoom local recordings live in folders named
	// "YYYY-MM-DD HH.MM.SS <topic> <meeting-id>".
	zoomLocalFolderRe = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}) (\d{2}\.\d{2}\.\d{2}) (.+?) (\d{9,11})$`)

	// Teams exports append "_YYYYMMDD_HHMMSS-Meeting Recording" to the
	// meeting title; transcripts get "-meeting transcript".
	teamsRecordingRe  = regexp.MustCompile(`_(\d{8})_(\d{6})-meeting recording$`)
	teamsTranscriptRe = regexp.MustCompile(`-meeting transcript$`)

	// Zoom cloud transcripts are prefixed "Audio Transcript_" and suffixed
	// with "_<meeting-id>_<Month>_<DD>_<YYYY>" (meeting-id is 9–11 digits).
	zoomCloudPrefixRe = regexp.MustCompile(`^audio transcript_`)
	zoomCloudSuffixRe = regexp.MustCompile(`_\d{9,11}_[a-z]+_\d{1,2}_\d{4}$`)

	// Google Meet names carry "(YYYY-MM-DD at …)" and a "- Transcript" suffix.
	meetParentheticalRe = regexp.MustCompile(`\s*\(\d{4}-\d{2}-\d{2} at [^)]*\)`)
	meetTranscriptRe    = regexp.MustCompile(`\s*-\s*transcript$`)

	// Legacy generic suffixes from manual exports.
	legacySuffixRe = regexp.MustCompile(`_(transcript|subtitles|captions|sub|srt)$`)

	// Generic diarisation labels ("Speaker 1", "SPEAKER_00", "Unknown").
	genericLabelRe = regexp.MustCompile(`(?i)^(speaker[ _-]?\w*|unknown|guest \d*)$`)
)

// NormalizeStem lowercases a filename stem and strips platform decorations in
// order: Teams, Zoom cloud, Google Meet, then legacy suffixes. The result is
// idempotent: NormalizeStem(NormalizeStem(x)) == NormalizeStem(x). Files with
// equal normalised stems belong to the same session.
func NormalizeStem(stem string) string {
	s := strings.ToLower(strings.TrimSpace(stem))

	s = teamsRecordingRe.ReplaceAllString(s, "")
	s = teamsTranscriptRe.ReplaceAllString(s, "")

	s = zoomCloudPrefixRe.ReplaceAllString(s, "")
	s = zoomCloudSuffixRe.ReplaceAllString(s, "")

	s = meetParentheticalRe.ReplaceAllString(s, "")
	s = meetTranscriptRe.ReplaceAllString(s, "")

	s = legacySuffixRe.ReplaceAllString(s, "")

	return strings.TrimSpace(s)
}

// DetectPlatform inspects a filename (without directory) and reports which
// platform's naming convention it matches.
func DetectPlatform(name string) types.Platform {
	stem := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
	switch {
	case teamsRecordingRe.MatchString(stem), teamsTranscriptRe.MatchString(stem):
		return types.PlatformTeams
	case zoomCloudPrefixRe.MatchString(stem), zoomCloudSuffixRe.MatchString(stem):
		return types.PlatformZoomCloud
	case meetParentheticalRe.MatchString(stem), meetTranscriptRe.MatchString(stem):
		return types.PlatformGoogleMeet
	default:
		return types.PlatformGeneric
	}
}

// IsGenericLabel reports whether a speaker label looks machine-generated
// ("Speaker 2", "SPEAKER_00", "Unknown") rather than a real name. Real names
// are never overwritten during speaker identification.
func IsGenericLabel(label string) bool {
	return genericLabelRe.MatchString(strings.TrimSpace(label))
}

// Grouper builds the ordered session list for an input directory.
type Grouper struct {
	probe Prober
}

// NewGrouper creates a Grouper. probe decides whether a transcript file
// parses; a nil probe treats every transcript file as parseable.
func NewGrouper(probe Prober) *Grouper {
	if probe == nil {
		probe = func(string) bool { return true }
	}
	return &Grouper{probe: probe}
}

// Group scans dir and returns the ordered session list. Zoom local recording
// folders are grouped first (pass 1), then loose files by normalised stem
// (pass 2). Unparseable platform transcripts downgrade the session to
// "no existing transcript"; they never fail the stage.
func (g *Grouper) Group(dir string) ([]types.Session, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("ingest: read %q: %w", dir, err)
	}

	var sessions []types.Session
	nextID := 1
	newSession := func() *types.Session {
		sessions = append(sessions, types.Session{ID: fmt.Sprintf("s%d", nextID)})
		nextID++
		return &sessions[len(sessions)-1]
	}

	// Pass 1: Zoom local recording folders.
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		m := zoomLocalFolderRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		paths, err := collectFolderFiles(filepath.Join(dir, e.Name()))
		if err != nil || len(paths) == 0 {
			continue
		}
		s := newSession()
		s.Paths = paths
		s.Platform = types.PlatformZoomLocal
		s.Title = m[3]
		if t, err := time.ParseInLocation("2006-01-02 15.04.05", m[1]+" "+m[2], time.Local); err == nil {
			s.Start = t
		}
		g.fillTranscriptFlag(s)
	}

	// Pass 2: loose files grouped by normalised stem.
	type group struct {
		order int
		paths []string
		first string
	}
	groups := map[string]*group{}
	order := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !MediaExtensions[ext] && !TranscriptExtensions[ext] {
			continue
		}
		stem := NormalizeStem(strings.TrimSuffix(e.Name(), filepath.Ext(e.Name())))
		gr, ok := groups[stem]
		if !ok {
			gr = &group{order: order, first: e.Name()}
			order++
			groups[stem] = gr
		}
		gr.paths = append(gr.paths, filepath.Join(dir, e.Name()))
	}

	ordered := make([]*group, 0, len(groups))
	stems := make(map[*group]string, len(groups))
	for stem, gr := range groups {
		ordered = append(ordered, gr)
		stems[gr] = stem
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].order < ordered[j].order })

	for _, gr := range ordered {
		s := newSession()
		s.Paths = gr.paths
		s.Platform = g.groupPlatform(gr.paths)
		s.Title = titleFromStem(stems[gr])
		if t, ok := startFromNames(gr.paths); ok {
			s.Start = t
		}
		g.fillTranscriptFlag(s)
	}

	return sessions, nil
}

// fillTranscriptFlag probes the session's transcript files and sets
// HasExistingTranscript when at least one parses.
func (g *Grouper) fillTranscriptFlag(s *types.Session) {
	for _, p := range s.Paths {
		if TranscriptExtensions[strings.ToLower(filepath.Ext(p))] && g.probe(p) {
			s.HasExistingTranscript = true
			return
		}
	}
}

// groupPlatform picks the most specific platform detected across the group's
// filenames, falling back to generic.
func (g *Grouper) groupPlatform(paths []string) types.Platform {
	for _, p := range paths {
		if pf := DetectPlatform(filepath.Base(p)); pf != types.PlatformGeneric {
			return pf
		}
	}
	return types.PlatformGeneric
}

// collectFolderFiles gathers media and transcript files inside a Zoom local
// recording folder, in name order.
func collectFolderFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if MediaExtensions[ext] || TranscriptExtensions[ext] {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	return paths, nil
}

// titleFromStem produces a display title from a normalised stem.
func titleFromStem(stem string) string {
	t := strings.NewReplacer("_", " ", "-", " ").Replace(stem)
	t = strings.Join(strings.Fields(t), " ")
	if t == "" {
		return "untitled session"
	}
	return t
}

// startFromNames extracts a session start datetime from Teams-style
// filename timestamps, when present.
func startFromNames(paths []string) (time.Time, bool) {
	for _, p := range paths {
		stem := strings.ToLower(strings.TrimSuffix(filepath.Base(p), filepath.Ext(p)))
		if m := teamsRecordingRe.FindStringSubmatch(stem); m != nil {
			if t, err := time.ParseInLocation("20060102 150405", m[1]+" "+m[2], time.Local); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}
