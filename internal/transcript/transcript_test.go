package transcript_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bristlenose/bristlenose/internal/transcript"
	"github.com/bristlenose/bristlenose/pkg/types"
)

func TestWriteFormat(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	err := transcript.Write(&buf, []types.Segment{
		{Start: 16, SpeakerCode: "p1", Text: "So tell me about your experience"},
		{Start: 3725, SpeakerCode: "m1", Text: "Thanks, that's all"},
	})
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if lines[0] != "[00:16] [p1] So tell me about your experience" {
		t.Errorf("line 0 = %q", lines[0])
	}
	if lines[1] != "[01:02:05] [m1] Thanks, that's all" {
		t.Errorf("hour-crossing line = %q", lines[1])
	}
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()
	in := []types.Segment{
		{SessionID: "s1", Start: 16, End: 42, SpeakerCode: "p1", Text: "the search was quick"},
		{SessionID: "s1", Start: 42, End: 3700, SpeakerCode: "m1", Text: "what happened next?"},
		{SessionID: "s1", Start: 3700, End: 3700, SpeakerCode: "p1", Text: "it crashed [laughs]"},
	}
	var buf bytes.Buffer
	if err := transcript.Write(&buf, in); err != nil {
		t.Fatal(err)
	}
	out, err := transcript.Parse(&buf, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != len(in) {
		t.Fatalf("round trip: %d segments, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i].Start != in[i].Start || out[i].SpeakerCode != in[i].SpeakerCode || out[i].Text != in[i].Text {
			t.Errorf("segment %d changed: %+v vs %+v", i, out[i], in[i])
		}
		if out[i].End != in[i].End {
			t.Errorf("segment %d end = %v, want %v (inferred from next start)", i, out[i].End, in[i].End)
		}
	}
}

func TestParse_TolerantOfWhitespaceAndCase(t *testing.T) {
	t.Parallel()
	in := "  [ 00:16 ]   [ P1 ]   spaced out but fine  \n"
	segs, err := transcript.Parse(strings.NewReader(in), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 1 {
		t.Fatalf("got %d segments", len(segs))
	}
	if segs[0].SpeakerCode != "p1" {
		t.Errorf("code = %q, want lowercased p1", segs[0].SpeakerCode)
	}
	if segs[0].Text != "spaced out but fine" {
		t.Errorf("text = %q", segs[0].Text)
	}
}

func TestParse_ContinuationLinesJoinPreviousSegment(t *testing.T) {
	t.Parallel()
	in := "[00:10] [p1] it started fine\nbut then it froze\n"
	segs, err := transcript.Parse(strings.NewReader(in), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 1 {
		t.Fatalf("got %d segments", len(segs))
	}
	if segs[0].Text != "it started fine but then it froze" {
		t.Errorf("text = %q", segs[0].Text)
	}
}

func TestWriteSession_ProducesTxtAndMarkdown(t *testing.T) {
	t.Parallel()
	dir := filepath.Join(t.TempDir(), "transcripts-raw")
	sess := types.Session{ID: "s1", Title: "Maya — onboarding"}
	segs := []types.Segment{{Start: 5, SpeakerCode: "p1", Text: "here goes"}}

	if err := transcript.WriteSession(dir, sess, segs); err != nil {
		t.Fatal(err)
	}
	txt, err := os.ReadFile(filepath.Join(dir, "s1.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(txt), "[00:05] [p1] here goes") {
		t.Errorf("txt content:\n%s", txt)
	}
	md, err := os.ReadFile(filepath.Join(dir, "s1.md"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(md), "# s1 — Maya — onboarding") {
		t.Errorf("md heading missing:\n%s", md)
	}
	if !strings.Contains(string(md), "**[00:05] p1:** here goes") {
		t.Errorf("md body:\n%s", md)
	}
}

func TestWrite_FallsBackToLabelWithoutCode(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	err := transcript.Write(&buf, []types.Segment{{Start: 0, SpeakerLabel: "Speaker 1", Text: "hi"}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "[Speaker 1]") {
		t.Errorf("label fallback missing: %q", buf.String())
	}
}
