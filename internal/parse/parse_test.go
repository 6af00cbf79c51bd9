package parse_test

import (
	"archive/zip"
	"bytes"
	"fmt"
	"testing"

	"github.com/bristlenose/bristlenose/internal/parse"
)

const sampleVTT = `WEBVTT

1
00:16.000 --> 00:20.500
<v Sarah Jones>So tell me about your experience.</v>

2
00:21.000 --> 00:25.000 align:start
Miguel: It took me a while to find the export button.

NOTE internal comment

3
01:00:02.000 --> 01:00:06.500
Miguel: And then it just worked.
`

func TestVTT(t *testing.T) {
	t.Parallel()
	segs, err := parse.VTT(sampleVTT, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3: %+v", len(segs), segs)
	}
	if segs[0].SpeakerLabel != "Sarah Jones" {
		t.Errorf("voice tag speaker = %q, want Sarah Jones", segs[0].SpeakerLabel)
	}
	if segs[0].Text != "So tell me about your experience." {
		t.Errorf("voice tag markup should be stripped, got %q", segs[0].Text)
	}
	if segs[1].SpeakerLabel != "Miguel" {
		t.Errorf("prefix speaker = %q, want Miguel", segs[1].SpeakerLabel)
	}
	// Mixed MM:SS and HH:MM:SS in one file.
	if segs[0].Start != 16 {
		t.Errorf("MM:SS cue start = %v, want 16", segs[0].Start)
	}
	if segs[2].Start != 3602 {
		t.Errorf("HH:MM:SS cue start = %v, want 3602", segs[2].Start)
	}
	for i, s := range segs {
		if s.Start >= s.End {
			t.Errorf("segment %d violates start < end: %+v", i, s)
		}
		if i > 0 && segs[i-1].Start > s.Start {
			t.Errorf("segments not sorted at %d", i)
		}
	}
}

func TestVTT_MissingHeader(t *testing.T) {
	t.Parallel()
	if _, err := parse.VTT("00:01.000 --> 00:02.000\nhi\n", "s1"); err == nil {
		t.Fatal("expected error for missing WEBVTT header")
	}
}

const sampleSRT = `1
00:00:16,000 --> 00:00:20,500
Sarah Jones: So tell me about your experience.

2
00:21,000 --> 00:25,000
It took me a while
to find the export button.
`

func TestSRT(t *testing.T) {
	t.Parallel()
	segs, err := parse.SRT(sampleSRT, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2: %+v", len(segs), segs)
	}
	if segs[0].Start != 16 || segs[0].End != 20.5 {
		t.Errorf("cue 1 times = [%v, %v], want [16, 20.5]", segs[0].Start, segs[0].End)
	}
	if segs[0].SpeakerLabel != "Sarah Jones" {
		t.Errorf("speaker = %q, want Sarah Jones", segs[0].SpeakerLabel)
	}
	if segs[1].SpeakerLabel != "" {
		t.Errorf("cue without prefix should have empty label, got %q", segs[1].SpeakerLabel)
	}
	if segs[1].Text != "It took me a while to find the export button." {
		t.Errorf("multi-line cue should join with spaces, got %q", segs[1].Text)
	}
}

func TestSRT_Empty(t *testing.T) {
	t.Parallel()
	if _, err := parse.SRT("not a subtitle file", "s1"); err == nil {
		t.Fatal("expected error for content with no cues")
	}
}

// buildDOCX wraps paragraph texts into a minimal WordprocessingML zip.
func buildDOCX(t *testing.T, paragraphs ...string) []byte {
	t.Helper()
	var body bytes.Buffer
	body.WriteString(`<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)
	for _, p := range paragraphs {
		fmt.Fprintf(&body, `<w:p><w:r><w:t>%s</w:t></w:r></w:p>`, p)
	}
	body.WriteString(`</w:body></w:document>`)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	f, err := zw.Create("word/document.xml")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write(body.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestDOCX(t *testing.T) {
	t.Parallel()
	data := buildDOCX(t,
		"Sarah Jones   0:16",
		"So tell me about your experience with the dashboard.",
		"Miguel Ortiz   0:31   Sure. I use it every morning.",
		"Sarah Jones   1:02:10",
		"And after the first hour?",
	)
	segs, err := parse.DOCX(data, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3: %+v", len(segs), segs)
	}
	if segs[0].SpeakerLabel != "Sarah Jones" || segs[0].Start != 16 {
		t.Errorf("segment 0 = %+v", segs[0])
	}
	if segs[0].Text != "So tell me about your experience with the dashboard." {
		t.Errorf("continuation paragraph should attach to header, got %q", segs[0].Text)
	}
	if segs[1].SpeakerLabel != "Miguel Ortiz" || segs[1].Text != "Sure. I use it every morning." {
		t.Errorf("inline utterance = %+v", segs[1])
	}
	// End closed at the next utterance's start.
	if segs[0].End != segs[1].Start {
		t.Errorf("segment 0 end = %v, want next start %v", segs[0].End, segs[1].Start)
	}
	// HH:MM:SS inline timecode.
	if segs[2].Start != 3730 {
		t.Errorf("segment 2 start = %v, want 3730", segs[2].Start)
	}
}

func TestDOCX_NotADocx(t *testing.T) {
	t.Parallel()
	if _, err := parse.DOCX([]byte("plain text"), "s1"); err == nil {
		t.Fatal("expected error for non-zip input")
	}
}

func TestDOCX_NoUtterances(t *testing.T) {
	t.Parallel()
	data := buildDOCX(t, "Meeting notes", "Nothing transcript-shaped here.")
	if _, err := parse.DOCX(data, "s1"); err == nil {
		t.Fatal("expected error for DOCX without utterances")
	}
}
