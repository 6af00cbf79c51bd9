// Package people maintains the persistent people registry (people.yaml).
//
// Each participant code maps to two blocks: a computed block the pipeline
// owns and rewrites every run, and an editable block the researcher owns.
// The merge rule is strict: non-empty editable fields are never touched by
// auto-populate, and entries absent from the current run are retained —
// a session removed from the input directory does not erase its people.
package people

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/bristlenose/bristlenose/pkg/types"
)

// Computed is the pipeline-owned block, rewritten on every run.
type Computed struct {
	SessionID       string  `yaml:"session_id"`
	Role            string  `yaml:"role"`
	Words           int     `yaml:"words"`
	SpeakingSeconds float64 `yaml:"speaking_seconds"`
}

// Editable is the researcher-owned block. Auto-populate only fills fields
// that are empty.
type Editable struct {
	FullName  string `yaml:"full_name"`
	ShortName string `yaml:"short_name"`
	Role      string `yaml:"role"`
	Persona   string `yaml:"persona"`
	Notes     string `yaml:"notes"`
}

// Entry is one person, keyed by speaker code.
type Entry struct {
	Computed Computed `yaml:"computed"`
	Editable Editable `yaml:"editable"`
}

// Registry is the on-disk document.
type Registry struct {
	Participants map[string]Entry `yaml:"participants"`
}

// Load reads the registry at path. A missing file yields an empty registry;
// inline YAML comments in an existing file are lost on the next Save.
func Load(path string) (*Registry, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Registry{Participants: make(map[string]Entry)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("people: open %q: %w", path, err)
	}
	defer f.Close()
	return LoadFromReader(f)
}

// LoadFromReader decodes a registry document.
func LoadFromReader(r io.Reader) (*Registry, error) {
	reg := &Registry{}
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(reg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("people: parse registry: %w", err)
	}
	if reg.Participants == nil {
		reg.Participants = make(map[string]Entry)
	}
	return reg, nil
}

// Merge folds this run's speakers into the registry. Computed blocks are
// replaced outright; editable fields are filled only when empty, preferring
// what the model extracted over anything derived from metadata. Entries for
// codes not present in speakers are left alone.
func (reg *Registry) Merge(speakers []types.Speaker) {
	for _, sp := range speakers {
		if sp.Code == "" {
			continue
		}
		entry := reg.Participants[sp.Code]
		entry.Computed = Computed{
			SessionID:       sp.SessionID,
			Role:            string(sp.Role),
			Words:           sp.Words,
			SpeakingSeconds: sp.SpeakingSeconds,
		}
		if entry.Editable.FullName == "" {
			entry.Editable.FullName = sp.PersonName
		}
		if entry.Editable.ShortName == "" && entry.Editable.FullName != "" {
			entry.Editable.ShortName = strings.Fields(entry.Editable.FullName)[0]
		}
		if entry.Editable.Role == "" {
			entry.Editable.Role = sp.JobTitle
		}
		reg.Participants[sp.Code] = entry
	}
}

// Names returns every known person name, for the redactor. Full and short
// names both count.
func (reg *Registry) Names() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(s string) {
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, e := range reg.Participants {
		add(e.Editable.FullName)
		add(e.Editable.ShortName)
	}
	sort.Strings(out)
	return out
}

// Save writes the registry to path atomically via a temp file rename.
func (reg *Registry) Save(path string) error {
	data, err := yaml.Marshal(reg)
	if err != nil {
		return fmt.Errorf("people: marshal registry: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("people: write %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("people: replace %q: %w", path, err)
	}
	return nil
}
