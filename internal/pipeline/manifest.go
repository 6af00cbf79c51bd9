package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// ManifestSchemaVersion is bumped on any incompatible manifest change. A
// manifest carrying a different version is rejected outright; there is no
// silent upgrade path.
const ManifestSchemaVersion = 1

// Status of a stage or of one session within a stage.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPartial  Status = "partial"
	StatusComplete Status = "complete"
	StatusFailed   Status = "failed"
)

// SessionRecord tracks one session's outcome within a per-session stage.
type SessionRecord struct {
	Status      Status    `json:"status"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	InputHash   string    `json:"input_hash,omitempty"`
	StartedAt   time.Time `json:"started_at,omitempty"`
	FinishedAt  time.Time `json:"finished_at,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// StageRecord tracks one pipeline stage. Per-session stages additionally
// carry a record per session ID.
type StageRecord struct {
	Status      Status                    `json:"status"`
	Fingerprint string                    `json:"fingerprint,omitempty"`
	InputHash   string                    `json:"input_hash,omitempty"`
	StartedAt   time.Time                 `json:"started_at,omitempty"`
	FinishedAt  time.Time                 `json:"finished_at,omitempty"`
	Sessions    map[string]*SessionRecord `json:"sessions,omitempty"`
}

// Manifest is the resume state persisted under .bristlenose/manifest.json.
// The orchestrator is its only writer.
type Manifest struct {
	SchemaVersion   int                     `json:"schema_version"`
	PipelineVersion string                  `json:"pipeline_version"`
	Project         string                  `json:"project"`
	RunID           string                  `json:"run_id"`
	UpdatedAt       time.Time               `json:"updated_at"`
	CostEstimate    float64                 `json:"cost_estimate_usd,omitempty"`
	PromptTokens    int                     `json:"prompt_tokens"`
	ComplTokens     int                     `json:"completion_tokens"`
	Stages          map[string]*StageRecord `json:"stages"`
}

// NewManifest creates a fresh manifest for a project.
func NewManifest(project, pipelineVersion string) *Manifest {
	return &Manifest{
		SchemaVersion:   ManifestSchemaVersion,
		PipelineVersion: pipelineVersion,
		Project:         project,
		RunID:           uuid.NewString(),
		Stages:          make(map[string]*StageRecord),
	}
}

// LoadManifest reads the manifest at path. A missing file yields a fresh
// manifest; a version mismatch or unparseable file is an [ErrManifest].
func LoadManifest(path, project, pipelineVersion string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return NewManifest(project, pipelineVersion), nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %q: %v", ErrManifest, path, err)
	}

	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("%w: parse %q: %v", ErrManifest, path, err)
	}
	if m.SchemaVersion != ManifestSchemaVersion {
		return nil, fmt.Errorf("%w: %q has schema version %d, this build requires %d — delete the .bristlenose directory to start over",
			ErrManifest, path, m.SchemaVersion, ManifestSchemaVersion)
	}
	if m.Stages == nil {
		m.Stages = make(map[string]*StageRecord)
	}
	if m.RunID == "" {
		m.RunID = uuid.NewString()
	}
	return m, nil
}

// Save writes the manifest pretty-printed, atomically via temp-file rename.
func (m *Manifest) Save(path string) error {
	m.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrManifest, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("%w: create %q: %v", ErrManifest, filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("%w: write %q: %v", ErrManifest, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: replace %q: %v", ErrManifest, path, err)
	}
	return nil
}

// Stage returns the record for name, creating it on first use.
func (m *Manifest) Stage(name string) *StageRecord {
	rec := m.Stages[name]
	if rec == nil {
		rec = &StageRecord{Status: StatusPending}
		m.Stages[name] = rec
	}
	return rec
}

// Session returns the per-session record within a stage, creating both as
// needed.
func (m *Manifest) Session(stage, sessionID string) *SessionRecord {
	rec := m.Stage(stage)
	if rec.Sessions == nil {
		rec.Sessions = make(map[string]*SessionRecord)
	}
	sr := rec.Sessions[sessionID]
	if sr == nil {
		sr = &SessionRecord{Status: StatusPending}
		rec.Sessions[sessionID] = sr
	}
	return sr
}

// ShouldSkipStage reports whether a whole stage can be skipped: recorded
// complete, the artefact still exists, the input hash matches, and the
// provider fingerprint matches the requested one (or reuseProvider opts in
// to whatever ran before).
func (m *Manifest) ShouldSkipStage(name, fingerprint, inputHash string, artefactExists, reuseProvider bool) bool {
	rec := m.Stages[name]
	if rec == nil || rec.Status != StatusComplete || !artefactExists {
		return false
	}
	if rec.InputHash != inputHash {
		return false
	}
	if !reuseProvider && fingerprint != "" && rec.Fingerprint != fingerprint {
		return false
	}
	return true
}

// ShouldSkipSession applies the same rules to one session of a per-session
// stage.
func (m *Manifest) ShouldSkipSession(stage, sessionID, fingerprint, inputHash string, reuseProvider bool) bool {
	rec := m.Stages[stage]
	if rec == nil || rec.Sessions == nil {
		return false
	}
	sr := rec.Sessions[sessionID]
	if sr == nil || sr.Status != StatusComplete {
		return false
	}
	if sr.InputHash != inputHash {
		return false
	}
	if !reuseProvider && fingerprint != "" && sr.Fingerprint != fingerprint {
		return false
	}
	return true
}

// MarkSession records one session outcome and recomputes the stage status:
// complete when every session completed, partial when any failed.
func (m *Manifest) MarkSession(stage, sessionID, fingerprint, inputHash string, err error) {
	sr := m.Session(stage, sessionID)
	sr.Fingerprint = fingerprint
	sr.InputHash = inputHash
	sr.FinishedAt = time.Now().UTC()
	if err != nil {
		sr.Status = StatusFailed
		sr.Error = err.Error()
	} else {
		sr.Status = StatusComplete
		sr.Error = ""
	}

	rec := m.Stage(stage)
	status := StatusComplete
	for _, s := range rec.Sessions {
		if s.Status == StatusFailed {
			status = StatusPartial
			break
		}
	}
	rec.Status = status
	rec.Fingerprint = fingerprint
	rec.FinishedAt = time.Now().UTC()
}

// MarkStage records a whole-stage outcome.
func (m *Manifest) MarkStage(name, fingerprint, inputHash string, err error) {
	rec := m.Stage(name)
	rec.Fingerprint = fingerprint
	rec.InputHash = inputHash
	rec.FinishedAt = time.Now().UTC()
	if err != nil {
		rec.Status = StatusFailed
	} else {
		rec.Status = StatusComplete
	}
}
