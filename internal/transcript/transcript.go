// Package transcript reads and writes the on-disk per-session transcript
// format: one line per segment, a timecode and a speaker code in square
// brackets, then the text.
//
//	[00:16] [p1] So tell me about your experience…
//
// Codes, not names, appear on disk. The parser is forgiving: both MM:SS and
// HH:MM:SS timecodes, any casing, and stray whitespace are accepted. A
// markdown mirror of every transcript is written alongside the plain-text
// form for diffing and quick reading.
package transcript

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bristlenose/bristlenose/pkg/types"
)

// lineRe matches one transcript line: timecode block, code block, text.
var lineRe = regexp.MustCompile(`^\s*\[\s*(\d{1,2}:\d{2}(?::\d{2})?)\s*\]\s*\[\s*([a-zA-Z]+\d+)\s*\]\s*(.*\S)\s*$`)

// Write renders segments in transcript form. Segments lacking a speaker
// code fall back to their raw label so nothing silently disappears.
func Write(w io.Writer, segs []types.Segment) error {
	bw := bufio.NewWriter(w)
	for _, seg := range segs {
		code := seg.SpeakerCode
		if code == "" {
			code = seg.SpeakerLabel
		}
		if _, err := fmt.Fprintf(bw, "[%s] [%s] %s\n",
			types.FormatTimecode(seg.Start), code, strings.TrimSpace(seg.Text)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteMarkdown renders the markdown mirror with a per-session heading.
func WriteMarkdown(w io.Writer, sessionID, title string, segs []types.Segment) error {
	bw := bufio.NewWriter(w)
	heading := sessionID
	if title != "" {
		heading = fmt.Sprintf("%s — %s", sessionID, title)
	}
	if _, err := fmt.Fprintf(bw, "# %s\n\n", heading); err != nil {
		return err
	}
	for _, seg := range segs {
		code := seg.SpeakerCode
		if code == "" {
			code = seg.SpeakerLabel
		}
		if _, err := fmt.Fprintf(bw, "**[%s] %s:** %s\n\n",
			types.FormatTimecode(seg.Start), code, strings.TrimSpace(seg.Text)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteSession writes a session's .txt transcript and its .md mirror into
// dir, creating dir if needed.
func WriteSession(dir string, sess types.Session, segs []types.Segment) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("transcript: create %q: %w", dir, err)
	}

	txtPath := filepath.Join(dir, sess.ID+".txt")
	txt, err := os.Create(txtPath)
	if err != nil {
		return fmt.Errorf("transcript: create %q: %w", txtPath, err)
	}
	if err := Write(txt, segs); err != nil {
		txt.Close()
		return fmt.Errorf("transcript: write %q: %w", txtPath, err)
	}
	if err := txt.Close(); err != nil {
		return err
	}

	mdPath := filepath.Join(dir, sess.ID+".md")
	md, err := os.Create(mdPath)
	if err != nil {
		return fmt.Errorf("transcript: create %q: %w", mdPath, err)
	}
	if err := WriteMarkdown(md, sess.ID, sess.Title, segs); err != nil {
		md.Close()
		return fmt.Errorf("transcript: write %q: %w", mdPath, err)
	}
	return md.Close()
}

// Parse reads transcript lines back into segments. End times are inferred:
// each segment ends where the next begins, and the final segment gets its
// own start (the format does not store durations). Unparseable lines are
// treated as continuations of the previous segment's text.
func Parse(r io.Reader, sessionID string) ([]types.Segment, error) {
	var segs []types.Segment
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		m := lineRe.FindStringSubmatch(line)
		if m == nil {
			if len(segs) > 0 {
				segs[len(segs)-1].Text += " " + strings.TrimSpace(line)
			}
			continue
		}
		start, err := types.ParseTimecode(m[1])
		if err != nil {
			return nil, fmt.Errorf("transcript: bad timecode %q: %w", m[1], err)
		}
		segs = append(segs, types.Segment{
			SessionID:   sessionID,
			Start:       start,
			SpeakerCode: strings.ToLower(m[2]),
			Text:        m[3],
		})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("transcript: read: %w", err)
	}
	for i := range segs {
		if i+1 < len(segs) {
			segs[i].End = segs[i+1].Start
		} else {
			segs[i].End = segs[i].Start
		}
	}
	return segs, nil
}

// ParseFile reads the transcript at path.
func ParseFile(path, sessionID string) ([]types.Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("transcript: open %q: %w", path, err)
	}
	defer f.Close()
	return Parse(f, sessionID)
}
