package pipeline

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestManifestRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "manifest.json")

	m := NewManifest("acme-research", "1.0.0")
	m.MarkSession(StageQuotes, "s1", "anthropic/claude-sonnet-4-5", "hash-a", nil)
	m.MarkSession(StageQuotes, "s2", "anthropic/claude-sonnet-4-5", "hash-b", errors.New("boom"))
	m.MarkStage(StageScreens, "anthropic/claude-sonnet-4-5", "hash-c", nil)
	if err := m.Save(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadManifest(path, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Project != "acme-research" || loaded.RunID != m.RunID {
		t.Errorf("identity fields lost: %+v", loaded)
	}
	if loaded.Stages[StageQuotes].Status != StatusPartial {
		t.Errorf("stage status = %q, want partial (one session failed)", loaded.Stages[StageQuotes].Status)
	}
	if loaded.Stages[StageQuotes].Sessions["s2"].Status != StatusFailed {
		t.Error("failed session not recorded")
	}
	if loaded.Stages[StageScreens].InputHash != "hash-c" {
		t.Error("whole-stage input hash lost")
	}
}

func TestLoadManifest_MissingFileIsFresh(t *testing.T) {
	t.Parallel()
	m, err := LoadManifest(filepath.Join(t.TempDir(), "nope.json"), "proj", "1.0.0")
	if err != nil {
		t.Fatal(err)
	}
	if m.Project != "proj" || m.RunID == "" {
		t.Errorf("fresh manifest malformed: %+v", m)
	}
}

func TestLoadManifest_SchemaVersionMismatchRejected(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "manifest.json")
	doc := map[string]any{"schema_version": ManifestSchemaVersion + 1, "stages": map[string]any{}}
	data, _ := json.Marshal(doc)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := LoadManifest(path, "", "")
	if !errors.Is(err, ErrManifest) {
		t.Fatalf("want ErrManifest, got %v", err)
	}
}

func TestShouldSkipSession_Rules(t *testing.T) {
	t.Parallel()
	m := NewManifest("p", "v")
	m.MarkSession(StageQuotes, "s1", "vendorA/model1", "hash1", nil)

	cases := []struct {
		name        string
		fingerprint string
		hash        string
		reuse       bool
		want        bool
	}{
		{"all match", "vendorA/model1", "hash1", false, true},
		{"input changed", "vendorA/model1", "hash2", false, false},
		{"provider changed", "vendorB/model2", "hash1", false, false},
		{"provider changed but reuse opted in", "vendorB/model2", "hash1", true, true},
	}
	for _, tc := range cases {
		if got := m.ShouldSkipSession(StageQuotes, "s1", tc.fingerprint, tc.hash, tc.reuse); got != tc.want {
			t.Errorf("%s: skip = %v, want %v", tc.name, got, tc.want)
		}
	}

	if m.ShouldSkipSession(StageQuotes, "s9", "vendorA/model1", "hash1", false) {
		t.Error("unknown session must not be skipped")
	}
}

func TestShouldSkipStage_RequiresArtefact(t *testing.T) {
	t.Parallel()
	m := NewManifest("p", "v")
	m.MarkStage(StageScreens, "vendorA/model1", "hash1", nil)

	if !m.ShouldSkipStage(StageScreens, "vendorA/model1", "hash1", true, false) {
		t.Error("complete stage with artefact must skip")
	}
	if m.ShouldSkipStage(StageScreens, "vendorA/model1", "hash1", false, false) {
		t.Error("missing artefact must force a re-run")
	}
}

func TestMarkSession_RecoveryFlipsPartialBackToComplete(t *testing.T) {
	t.Parallel()
	m := NewManifest("p", "v")
	m.MarkSession(StageTopics, "s1", "f", "h1", nil)
	m.MarkSession(StageTopics, "s2", "f", "h2", errors.New("outage"))
	if m.Stages[StageTopics].Status != StatusPartial {
		t.Fatal("expected partial after one failure")
	}

	// The retry run succeeds for s2 only.
	m.MarkSession(StageTopics, "s2", "f", "h2", nil)
	if m.Stages[StageTopics].Status != StatusComplete {
		t.Error("stage must return to complete once every session succeeds")
	}
}
