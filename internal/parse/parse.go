// Package parse transforms subtitle and document transcripts (VTT, SRT,
// Teams-export DOCX) into the segment model.
//
// Timecodes in the same file may mix MM:SS and HH:MM:SS across the one-hour
// boundary; both are accepted everywhere. Unknown or malformed cues are
// skipped rather than failing the file — an unparseable file as a whole is
// what downgrades a session to "no existing transcript".
package parse

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/bristlenose/bristlenose/pkg/types"
)

// File parses the transcript file at path into ordered segments for session
// sessionID, dispatching on extension.
func File(path, sessionID string) ([]types.Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("parse: read %q: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".vtt":
		return VTT(string(data), sessionID)
	case ".srt":
		return SRT(string(data), sessionID)
	case ".docx":
		return DOCX(data, sessionID)
	default:
		return nil, fmt.Errorf("parse: unsupported transcript format %q", filepath.Ext(path))
	}
}

// Probe reports whether the transcript at path parses into at least one
// segment. Used by the session grouper to set has_existing_transcript.
func Probe(path string) bool {
	segs, err := File(path, "probe")
	return err == nil && len(segs) > 0
}

// cueTimeRe matches a subtitle cue timestamp: optional hours, then minutes,
// seconds, and an optional fractional part separated by '.' (VTT) or ',' (SRT).
var cueTimeRe = regexp.MustCompile(`^(?:(\d{1,2}):)?(\d{1,2}):(\d{2})(?:[.,](\d{1,3}))?$`)

// parseCueTime converts a cue timestamp into seconds.
func parseCueTime(s string) (float64, error) {
	m := cueTimeRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0, fmt.Errorf("bad cue time %q", s)
	}
	var h, min, sec, frac float64
	if m[1] != "" {
		h, _ = strconv.ParseFloat(m[1], 64)
	}
	min, _ = strconv.ParseFloat(m[2], 64)
	sec, _ = strconv.ParseFloat(m[3], 64)
	if m[4] != "" {
		frac, _ = strconv.ParseFloat("0."+m[4], 64)
	}
	return h*3600 + min*60 + sec + frac, nil
}

// speakerPrefixRe matches a "Name: text" speaker prefix at the start of cue text.
var speakerPrefixRe = regexp.MustCompile(`^([^:\n]{1,60}?):\s+`)

// vttVoiceRe matches the WebVTT voice tag <v Speaker Name>.
var vttVoiceRe = regexp.MustCompile(`<v\s+([^>]+)>`)

// splitSpeaker extracts a speaker label from cue text, checking the VTT voice
// tag first and then a "Name:" prefix. Returns the label (possibly empty) and
// the remaining text with markup stripped.
func splitSpeaker(text string) (label, rest string) {
	if m := vttVoiceRe.FindStringSubmatch(text); m != nil {
		label = strings.TrimSpace(m[1])
		rest = vttVoiceRe.ReplaceAllString(text, "")
		rest = strings.ReplaceAll(rest, "</v>", "")
		return label, strings.TrimSpace(rest)
	}
	if m := speakerPrefixRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]), strings.TrimSpace(text[len(m[0]):])
	}
	return "", strings.TrimSpace(text)
}

// finalize sorts segments, enforces start < end, and drops empties.
func finalize(segs []types.Segment) []types.Segment {
	out := segs[:0]
	for _, s := range segs {
		if s.Text == "" {
			continue
		}
		if s.End <= s.Start {
			s.End = s.Start + 0.001
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}
