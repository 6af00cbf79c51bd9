package parse

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/bristlenose/bristlenose/pkg/types"
)

// VTT parses WebVTT subtitle content. Cue identifiers, NOTE blocks, and
// styling blocks are skipped; voice tags and "Name:" prefixes both yield
// speaker labels.
func VTT(content, sessionID string) ([]types.Segment, error) {
	if !strings.HasPrefix(strings.TrimSpace(content), "WEBVTT") {
		return nil, fmt.Errorf("parse: missing WEBVTT header")
	}
	return parseCues(content, sessionID, "-->")
}

// SRT parses SubRip subtitle content. Sequence numbers are skipped; the
// comma millisecond separator and the VTT dot form are both accepted.
func SRT(content, sessionID string) ([]types.Segment, error) {
	segs, err := parseCues(content, sessionID, "-->")
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("parse: no SRT cues found")
	}
	return segs, nil
}

// parseCues walks cue blocks: a timing line containing arrow, followed by one
// or more text lines up to a blank line. Everything else is ignored.
func parseCues(content, sessionID, arrow string) ([]types.Segment, error) {
	var segs []types.Segment
	sc := bufio.NewScanner(strings.NewReader(content))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var cur *types.Segment
	flush := func() {
		if cur != nil {
			label, text := splitSpeaker(cur.Text)
			cur.SpeakerLabel = label
			cur.Text = text
			segs = append(segs, *cur)
			cur = nil
		}
	}

	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			flush()
			continue
		}
		if strings.Contains(line, arrow) {
			flush()
			parts := strings.SplitN(line, arrow, 2)
			start, err1 := parseCueTime(parts[0])
			// Trailing cue settings ("align:start") follow the end time.
			endField := strings.Fields(strings.TrimSpace(parts[1]))
			if len(endField) == 0 {
				continue
			}
			end, err2 := parseCueTime(endField[0])
			if err1 != nil || err2 != nil {
				continue
			}
			cur = &types.Segment{SessionID: sessionID, Start: start, End: end}
			continue
		}
		if cur == nil {
			// Header, cue identifier, NOTE, or sequence number.
			continue
		}
		if cur.Text != "" {
			cur.Text += " "
		}
		cur.Text += line
	}
	flush()

	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("parse: scan cues: %w", err)
	}
	return finalize(segs), nil
}
