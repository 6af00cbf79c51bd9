// Package media extracts mono 16 kHz WAV audio from session media files by
// driving FFmpeg as a subprocess.
//
// Extraction fans out across sessions with a fixed bound of four concurrent
// decoders — calibrated against the shared hardware media engine on Apple
// machines and a reasonable ceiling elsewhere. Sessions that already carry a
// parseable transcript are skipped without spawning a decoder.
package media

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bristlenose/bristlenose/internal/observe"
	"github.com/bristlenose/bristlenose/pkg/types"
)

// MaxDecoders bounds concurrent FFmpeg processes.
const MaxDecoders = 4

// Sixteen kilohertz mono is all the transcriber needs; decoding higher only
// wastes scratch space.
const (
	sampleRate = 16000
	channels   = 1
)

// Result records the outcome of extracting one session's audio.
type Result struct {
	SessionID string

	// WAVPaths are the scratch WAV files produced, one per media input.
	WAVPaths []string

	// Skipped is true when the session needed no extraction (existing
	// transcript, or no media files).
	Skipped bool

	// Err is the decode failure, if any. A failed session is recorded and
	// skipped downstream; it never aborts the stage.
	Err error
}

// Extractor converts session media to scratch WAV files.
type Extractor struct {
	binary     string
	scratchDir string
	metrics    *observe.Metrics
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithBinary overrides the ffmpeg binary path. Defaults to "ffmpeg" on PATH.
func WithBinary(path string) Option {
	return func(e *Extractor) { e.binary = path }
}

// WithMetrics overrides the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Extractor) { e.metrics = m }
}

// NewExtractor creates an Extractor writing WAVs under scratchDir.
func NewExtractor(scratchDir string, opts ...Option) *Extractor {
	e := &Extractor{binary: "ffmpeg", scratchDir: scratchDir}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// ExtractAll decodes audio for every session that needs it, at most
// [MaxDecoders] at a time. Results preserve session order regardless of
// completion order. Per-session failures are reported in the Result, not as
// the returned error; the error is non-nil only for setup failures or
// context cancellation.
func (e *Extractor) ExtractAll(ctx context.Context, sessions []types.Session) ([]Result, error) {
	if err := os.MkdirAll(e.scratchDir, 0o755); err != nil {
		return nil, fmt.Errorf("media: create scratch dir: %w", err)
	}

	results := make([]Result, len(sessions))
	sem := semaphore.NewWeighted(MaxDecoders)
	g, ctx := errgroup.WithContext(ctx)

	for i, s := range sessions {
		g.Go(func() error {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			results[i] = e.extractSession(ctx, s)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// extractSession decodes each media file owned by one session.
func (e *Extractor) extractSession(ctx context.Context, s types.Session) Result {
	res := Result{SessionID: s.ID}
	if s.HasExistingTranscript {
		res.Skipped = true
		return res
	}
	media := mediaFiles(s.Paths)
	if len(media) == 0 {
		res.Skipped = true
		return res
	}

	for i, src := range media {
		out := filepath.Join(e.scratchDir, fmt.Sprintf("%s-%d.wav", s.ID, i+1))
		if err := e.decode(ctx, src, out); err != nil {
			res.Err = fmt.Errorf("decode %s: %w", filepath.Base(src), err)
			return res
		}
		res.WAVPaths = append(res.WAVPaths, out)
	}
	return res
}

// decode runs one FFmpeg invocation, streaming its progress lines at debug
// level. Cancellation terminates the subprocess.
func (e *Extractor) decode(ctx context.Context, src, dst string) error {
	e.metrics.ActiveDecodes.Add(ctx, 1)
	start := time.Now()
	defer func() {
		e.metrics.ActiveDecodes.Add(ctx, -1)
		e.metrics.DecodeDuration.Record(ctx, time.Since(start).Seconds())
	}()

	args := buildArgs(src, dst)
	cmd := exec.CommandContext(ctx, e.binary, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", e.binary, err)
	}

	var lastLine string
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		lastLine = line
		slog.Debug("ffmpeg", "src", filepath.Base(src), "line", line)
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w (last output: %s)", err, lastLine)
	}
	return nil
}

// buildArgs assembles the FFmpeg argument list for one decode, including the
// hardware decode hint on platforms that have one.
func buildArgs(src, dst string) []string {
	args := []string{"-hide_banner", "-nostdin", "-y"}
	if hint := hwAccelHint(); hint != "" {
		args = append(args, "-hwaccel", hint)
	}
	args = append(args,
		"-i", src,
		"-vn",
		"-ac", fmt.Sprint(channels),
		"-ar", fmt.Sprint(sampleRate),
		"-acodec", "pcm_s16le",
		dst,
	)
	return args
}

// hwAccelHint returns the platform hardware decoder hint, or empty where none
// applies.
func hwAccelHint() string {
	if runtime.GOOS == "darwin" {
		return "videotoolbox"
	}
	return ""
}

// mediaFiles filters a session's paths down to the audio/video members.
func mediaFiles(paths []string) []string {
	var out []string
	for _, p := range paths {
		ext := strings.ToLower(filepath.Ext(p))
		switch ext {
		case ".wav", ".mp3", ".m4a", ".flac", ".ogg", ".wma", ".aac",
			".mp4", ".mov", ".avi", ".mkv", ".webm":
			out = append(out, p)
		}
	}
	return out
}
