package transcribe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/bristlenose/bristlenose/internal/observe"
	"github.com/bristlenose/bristlenose/pkg/types"
)

// fakeBackend counts invocations and returns a fixed transcript.
type fakeBackend struct {
	calls int
	segs  []types.Segment
	err   error
}

func (f *fakeBackend) Transcribe(_ context.Context, _, sessionID, label string) ([]types.Segment, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]types.Segment, len(f.segs))
	for i, s := range f.segs {
		s.SessionID = sessionID
		s.SpeakerLabel = label
		out[i] = s
	}
	return out, nil
}

func (f *fakeBackend) Model() string { return "test-model" }

func writeWAV(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSession_CacheHit(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	wav := writeWAV(t, dir, "s1-1.wav", "audio-bytes")

	backend := &fakeBackend{segs: []types.Segment{
		{Start: 0, End: 4, Text: "hello"},
		{Start: 4, End: 9.5, Text: "world"},
	}}
	tr := NewTranscriber(backend, filepath.Join(dir, "cache"))

	first := tr.Session(context.Background(), "s1", []string{wav})
	if first.Err != nil {
		t.Fatal(first.Err)
	}
	if first.FromCache {
		t.Error("first run must not be a cache hit")
	}
	if first.Duration != 9.5 {
		t.Errorf("duration = %v, want 9.5", first.Duration)
	}

	second := tr.Session(context.Background(), "s1", []string{wav})
	if !second.FromCache {
		t.Error("unchanged audio + model must hit the cache")
	}
	if backend.calls != 1 {
		t.Errorf("backend called %d times, want 1", backend.calls)
	}
	if len(second.Segments) != 2 {
		t.Errorf("cached segments = %d, want 2", len(second.Segments))
	}
}

func TestSession_CacheInvalidatedByAudioChange(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	wav := writeWAV(t, dir, "s1-1.wav", "audio-v1")

	backend := &fakeBackend{segs: []types.Segment{{Start: 0, End: 1, Text: "x"}}}
	tr := NewTranscriber(backend, filepath.Join(dir, "cache"))

	tr.Session(context.Background(), "s1", []string{wav})
	writeWAV(t, dir, "s1-1.wav", "audio-v2")
	res := tr.Session(context.Background(), "s1", []string{wav})
	if res.FromCache {
		t.Error("changed audio content must miss the cache")
	}
	if backend.calls != 2 {
		t.Errorf("backend called %d times, want 2", backend.calls)
	}
}

func TestSession_RecordsDuration(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	wav := writeWAV(t, dir, "s1-1.wav", "audio-bytes")
	backend := &fakeBackend{segs: []types.Segment{{Start: 0, End: 1, Text: "x"}}}
	tr := NewTranscriber(backend, filepath.Join(dir, "cache"), WithMetrics(m))

	tr.Session(context.Background(), "s1", []string{wav})
	// The cache hit does not observe a duration.
	tr.Session(context.Background(), "s1", []string{wav})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatal(err)
	}
	var count uint64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "bristlenose.transcribe.duration" {
				continue
			}
			if hist, ok := met.Data.(metricdata.Histogram[float64]); ok {
				for _, dp := range hist.DataPoints {
					count += dp.Count
				}
			}
		}
	}
	if count != 1 {
		t.Errorf("transcribe duration observations = %d, want 1", count)
	}
}

func TestSession_MultiTrackLabels(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := writeWAV(t, dir, "s1-1.wav", "track-a")
	b := writeWAV(t, dir, "s1-2.wav", "track-b")

	backend := &fakeBackend{segs: []types.Segment{{Start: 0, End: 1, Text: "hi"}}}
	tr := NewTranscriber(backend, filepath.Join(dir, "cache"))

	res := tr.Session(context.Background(), "s1", []string{a, b})
	if res.Err != nil {
		t.Fatal(res.Err)
	}
	labels := map[string]bool{}
	for _, s := range res.Segments {
		labels[s.SpeakerLabel] = true
	}
	if !labels["Speaker 1"] || !labels["Speaker 2"] {
		t.Errorf("multi-track session should label per track, got %v", labels)
	}
}

func TestServerBackend(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/inference" {
			t.Errorf("path = %q, want /inference", r.URL.Path)
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("multipart parse: %v", err)
		}
		if got := r.FormValue("response_format"); got != "verbose_json" {
			t.Errorf("response_format = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"text": "hello there",
			"segments": []map[string]any{
				{
					"start": 0.0, "end": 2.5, "text": " hello there",
					"words": []map[string]any{
						{"word": "hello", "start": 0.0, "end": 1.1},
						{"word": "there", "start": 1.2, "end": 2.5},
					},
				},
			},
		})
	}))
	defer srv.Close()

	dir := t.TempDir()
	wav := writeWAV(t, dir, "a.wav", "pcm")
	b := NewServerBackend(srv.URL, "large-v3-turbo")
	segs, err := b.Transcribe(context.Background(), wav, "s1", "Speaker 1")
	if err != nil {
		t.Fatal(err)
	}
	if len(segs) != 1 {
		t.Fatalf("got %d segments, want 1", len(segs))
	}
	if segs[0].Text != "hello there" || len(segs[0].Words) != 2 {
		t.Errorf("segment = %+v", segs[0])
	}
	if segs[0].Words[1].Start != 1.2 {
		t.Errorf("word timing not carried: %+v", segs[0].Words[1])
	}
}

func TestServerBackend_HTTPError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	dir := t.TempDir()
	wav := writeWAV(t, dir, "a.wav", "pcm")
	b := NewServerBackend(srv.URL, "m")
	if _, err := b.Transcribe(context.Background(), wav, "s1", "Speaker 1"); err == nil {
		t.Fatal("expected error for HTTP 500")
	}
}
