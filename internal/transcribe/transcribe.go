// Package transcribe wraps a platform-appropriate whisper backend and adds a
// per-session, content-addressed cache.
//
// Transcription is a single-tenant GPU-bound task: sessions run sequentially
// because parallelising does not help on a single accelerator. Two backends
// are supported: shelling out to whisper-cli (the default) and POSTing to a
// running whisper-server instance.
package transcribe

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bristlenose/bristlenose/internal/observe"
	"github.com/bristlenose/bristlenose/pkg/types"
)

// Backend transcribes one WAV file into timed segments.
type Backend interface {
	// Transcribe converts the audio at wavPath. speakerLabel is attached to
	// every produced segment; multi-track sessions call once per track with
	// distinct labels.
	Transcribe(ctx context.Context, wavPath, sessionID, speakerLabel string) ([]types.Segment, error)

	// Model returns the model identifier, which participates in the cache key.
	Model() string
}

// Result is the transcription outcome for one session.
type Result struct {
	SessionID string
	Segments  []types.Segment

	// Duration is the end of the last segment, in seconds.
	Duration float64

	// FromCache is true when the cached transcript was reused.
	FromCache bool

	// Err is the per-session failure, if any.
	Err error
}

// Transcriber runs a Backend across sessions with caching.
type Transcriber struct {
	backend  Backend
	cacheDir string
	metrics  *observe.Metrics
}

// TranscriberOption configures a Transcriber.
type TranscriberOption func(*Transcriber)

// WithMetrics overrides the metric instruments.
func WithMetrics(m *observe.Metrics) TranscriberOption {
	return func(t *Transcriber) { t.metrics = m }
}

// NewTranscriber creates a Transcriber caching under cacheDir.
func NewTranscriber(backend Backend, cacheDir string, opts ...TranscriberOption) *Transcriber {
	t := &Transcriber{backend: backend, cacheDir: cacheDir}
	for _, o := range opts {
		o(t)
	}
	if t.metrics == nil {
		t.metrics = observe.DefaultMetrics()
	}
	return t
}

// cacheEntry is the persisted per-session transcript.
type cacheEntry struct {
	Key      string          `json:"key"`
	Model    string          `json:"model"`
	Segments []types.Segment `json:"segments"`
}

// CacheKey hashes the content of every input WAV plus the model identifier.
// A matching key means the cached segments can be reused verbatim.
func (t *Transcriber) CacheKey(wavPaths []string) (string, error) {
	h := sha256.New()
	for _, p := range wavPaths {
		f, err := os.Open(p)
		if err != nil {
			return "", fmt.Errorf("transcribe: open %q: %w", p, err)
		}
		_, err = io.Copy(h, f)
		f.Close()
		if err != nil {
			return "", fmt.Errorf("transcribe: hash %q: %w", p, err)
		}
	}
	h.Write([]byte(t.backend.Model()))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Session transcribes one session's WAV files, consulting the cache first.
// Multi-track sessions (one WAV per participant, as Zoom local recordings
// produce) get one speaker label per track.
func (t *Transcriber) Session(ctx context.Context, sessionID string, wavPaths []string) Result {
	res := Result{SessionID: sessionID}
	if len(wavPaths) == 0 {
		return res
	}

	key, err := t.CacheKey(wavPaths)
	if err != nil {
		res.Err = err
		return res
	}

	if segs, ok := t.lookup(sessionID, key); ok {
		res.Segments = segs
		res.Duration = lastEnd(segs)
		res.FromCache = true
		return res
	}

	start := time.Now()
	var all []types.Segment
	for i, wav := range wavPaths {
		label := "Speaker 1"
		if len(wavPaths) > 1 {
			label = fmt.Sprintf("Speaker %d", i+1)
		}
		segs, err := t.backend.Transcribe(ctx, wav, sessionID, label)
		if err != nil {
			res.Err = fmt.Errorf("transcribe %s: %w", filepath.Base(wav), err)
			return res
		}
		all = append(all, segs...)
	}
	sortSegments(all)
	t.metrics.TranscribeDuration.Record(ctx, time.Since(start).Seconds())

	res.Segments = all
	res.Duration = lastEnd(all)
	t.store(sessionID, key, all)
	return res
}

// lookup loads the cached transcript for sessionID when its key matches.
func (t *Transcriber) lookup(sessionID, key string) ([]types.Segment, bool) {
	data, err := os.ReadFile(t.cachePath(sessionID))
	if err != nil {
		return nil, false
	}
	var e cacheEntry
	if err := json.Unmarshal(data, &e); err != nil || e.Key != key {
		return nil, false
	}
	return e.Segments, true
}

// store persists the transcript; a write failure only costs a future cache hit.
func (t *Transcriber) store(sessionID, key string, segs []types.Segment) {
	e := cacheEntry{Key: key, Model: t.backend.Model(), Segments: segs}
	data, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return
	}
	if err := os.MkdirAll(t.cacheDir, 0o755); err != nil {
		return
	}
	if err := os.WriteFile(t.cachePath(sessionID), data, 0o644); err != nil {
		slog.Warn("transcript cache write failed", "session", sessionID, "err", err)
	}
}

func (t *Transcriber) cachePath(sessionID string) string {
	return filepath.Join(t.cacheDir, "transcript-"+sessionID+".json")
}

func lastEnd(segs []types.Segment) float64 {
	end := 0.0
	for _, s := range segs {
		if s.End > end {
			end = s.End
		}
	}
	return end
}

func sortSegments(segs []types.Segment) {
	sort.SliceStable(segs, func(i, j int) bool { return segs[i].Start < segs[j].Start })
}
