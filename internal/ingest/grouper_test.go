package ingest_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/bristlenose/bristlenose/internal/ingest"
	"github.com/bristlenose/bristlenose/pkg/types"
)

func TestNormalizeStem(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in, want string
	}{
		{"Team Sync_20250912_140001-Meeting Recording", "team sync"},
		{"Team Sync-meeting transcript", "team sync"},
		{"Audio Transcript_Weekly Check-in_9876543210_September_12_2025", "weekly check-in"},
		{"Usability Round 2 (2025-09-12 at 14:00 GMT) - Transcript", "usability round 2"},
		{"interview-07_transcript", "interview-07"},
		{"interview-07_subtitles", "interview-07"},
		{"interview-07_captions", "interview-07"},
		{"interview-07_srt", "interview-07"},
		{"p2", "p2"},
	}
	for _, c := range cases {
		if got := ingest.NormalizeStem(c.in); got != c.want {
			t.Errorf("NormalizeStem(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestNormalizeStem_Idempotent(t *testing.T) {
	t.Parallel()
	for _, in := range []string{
		"Team Sync_20250912_140001-Meeting Recording",
		"Audio Transcript_Check-in_987654321_May_3_2025",
		"plain-interview",
	} {
		once := ingest.NormalizeStem(in)
		if twice := ingest.NormalizeStem(once); twice != once {
			t.Errorf("NormalizeStem not idempotent for %q: %q != %q", in, once, twice)
		}
	}
}

func TestDetectPlatform(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		want types.Platform
	}{
		{"Team Sync_20250912_140001-Meeting Recording.mp4", types.PlatformTeams},
		{"Audio Transcript_Sync_9876543210_September_12_2025.vtt", types.PlatformZoomCloud},
		{"Round 2 (2025-09-12 at 14:00 GMT) - Transcript.docx", types.PlatformGoogleMeet},
		{"interview-07.mp4", types.PlatformGeneric},
	}
	for _, c := range cases {
		if got := ingest.DetectPlatform(c.name); got != c.want {
			t.Errorf("DetectPlatform(%q) = %q, want %q", c.name, got, c.want)
		}
	}
}

func TestIsGenericLabel(t *testing.T) {
	t.Parallel()
	for _, label := range []string{"Speaker 1", "SPEAKER_00", "speaker-2", "Unknown", "Speaker A"} {
		if !ingest.IsGenericLabel(label) {
			t.Errorf("IsGenericLabel(%q) = false, want true", label)
		}
	}
	for _, label := range []string{"Sarah Jones", "Miguel", "Dr Chen"} {
		if ingest.IsGenericLabel(label) {
			t.Errorf("IsGenericLabel(%q) = true, want false", label)
		}
	}
}

func touch(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestGroup_StemGrouping(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "p2.mp4"))
	touch(t, filepath.Join(dir, "p2.vtt"))
	touch(t, filepath.Join(dir, "solo.mp3"))
	touch(t, filepath.Join(dir, "notes.txt")) // ignored

	g := ingest.NewGrouper(func(string) bool { return true })
	sessions, err := g.Group(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2: %+v", len(sessions), sessions)
	}
	if sessions[0].ID != "s1" || sessions[1].ID != "s2" {
		t.Errorf("session IDs = %q, %q; want s1, s2", sessions[0].ID, sessions[1].ID)
	}
	if len(sessions[0].Paths) != 2 {
		t.Errorf("p2 session should own both files, got %v", sessions[0].Paths)
	}
	if !sessions[0].HasExistingTranscript {
		t.Error("p2 session has a parseable VTT; HasExistingTranscript should be true")
	}
	if sessions[1].HasExistingTranscript {
		t.Error("solo session has no transcript file")
	}
}

func TestGroup_UnparseableTranscriptDowngrades(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "p2.mp4"))
	touch(t, filepath.Join(dir, "p2.vtt"))

	g := ingest.NewGrouper(func(string) bool { return false })
	sessions, err := g.Group(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if sessions[0].HasExistingTranscript {
		t.Error("unparseable VTT must downgrade to no existing transcript")
	}
}

func TestGroup_ZoomLocalFolder(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	folder := filepath.Join(dir, "2025-09-12 14.00.05 Usability Round 2 9876543210")
	touch(t, filepath.Join(folder, "video1234.mp4"))
	touch(t, filepath.Join(folder, "audio5678.m4a"))
	touch(t, filepath.Join(dir, "other.mp4"))

	g := ingest.NewGrouper(nil)
	sessions, err := g.Group(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(sessions) != 2 {
		t.Fatalf("got %d sessions, want 2", len(sessions))
	}
	zoom := sessions[0]
	if zoom.Platform != types.PlatformZoomLocal {
		t.Errorf("platform = %q, want zoom-local", zoom.Platform)
	}
	if zoom.Title != "Usability Round 2" {
		t.Errorf("title = %q, want %q", zoom.Title, "Usability Round 2")
	}
	if len(zoom.Paths) != 2 {
		t.Errorf("zoom folder session should own both inner files, got %v", zoom.Paths)
	}
	if zoom.Start.IsZero() {
		t.Error("zoom folder name carries a start datetime; Start should be set")
	}
}

func TestGroup_Deterministic(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.mp4"))
	touch(t, filepath.Join(dir, "a.srt"))
	touch(t, filepath.Join(dir, "b.mp4"))

	g := ingest.NewGrouper(nil)
	first, err := g.Group(dir)
	if err != nil {
		t.Fatal(err)
	}
	second, err := g.Group(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != len(second) {
		t.Fatalf("non-deterministic session count: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID || first[i].Title != second[i].Title {
			t.Errorf("session %d differs across runs: %+v vs %+v", i, first[i], second[i])
		}
	}
}
