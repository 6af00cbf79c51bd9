// Package topics infers topic and screen transitions within each session.
// The model is prompted toward fewer, meaningful boundaries with consistent
// labels; every session's list starts with a boundary at time zero so
// downstream quote attribution always has a bucket.
package topics

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bristlenose/bristlenose/internal/llm"
	"github.com/bristlenose/bristlenose/pkg/types"
)

// SessionBoundaries is one session's segmentation outcome.
type SessionBoundaries struct {
	SessionID  string
	Boundaries []types.TopicBoundary

	// Err records a per-session model failure. The boundary list is empty
	// in that case and the quote extractor falls back to a single implicit
	// boundary at zero.
	Err error
}

// Segmenter runs per-session topic segmentation.
type Segmenter struct {
	client      *llm.Client
	concurrency int64
}

// Option configures a Segmenter.
type Option func(*Segmenter)

// WithConcurrency bounds concurrent model calls. Default 3.
func WithConcurrency(n int64) Option {
	return func(s *Segmenter) {
		if n > 0 {
			s.concurrency = n
		}
	}
}

// New creates a Segmenter.
func New(client *llm.Client, opts ...Option) *Segmenter {
	s := &Segmenter{client: client, concurrency: 3}
	for _, o := range opts {
		o(s)
	}
	return s
}

const systemPrompt = `You segment a user-research interview into topic and screen transitions.

Guidelines:
- Favour fewer, meaningful transitions over many small ones.
- When the participant returns to a previously discussed area, reuse the
  exact same label you used before.
- Infer implicit transitions: a participant who starts describing a new
  screen has moved even if nobody announced it.
- Kinds: "screen_change" (new UI area), "task_change" (new task on the same
  screen), "topic_shift" (conversation moves without a UI change),
  "general_context" (background discussion not tied to the product).
- Times are seconds from session start and must not exceed the session
  duration.`

// response is the model's output shape.
type response struct {
	Boundaries []struct {
		Time       float64 `json:"time"`
		Label      string  `json:"label"`
		Kind       string  `json:"kind"`
		Confidence float64 `json:"confidence"`
	} `json:"boundaries"`
}

func schema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"required":             []any{"boundaries"},
		"additionalProperties": false,
		"properties": map[string]any{
			"boundaries": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"required":             []any{"time", "label", "kind"},
					"additionalProperties": false,
					"properties": map[string]any{
						"time":  map[string]any{"type": "number", "minimum": 0},
						"label": map[string]any{"type": "string"},
						"kind": map[string]any{
							"type": "string",
							"enum": []any{"screen_change", "task_change", "topic_shift", "general_context"},
						},
						"confidence": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
					},
				},
			},
		},
	}
}

// All segments every session under the concurrency bound. Results are in
// sessions order regardless of completion order; per-session failures are
// recorded, not propagated.
func (s *Segmenter) All(ctx context.Context, sessions []types.Session, segments map[string][]types.Segment) ([]SessionBoundaries, error) {
	results := make([]SessionBoundaries, len(sessions))
	sem := semaphore.NewWeighted(s.concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i, sess := range sessions {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			results[i] = s.Session(gctx, sess, segments[sess.ID])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Session segments one session. Failure yields an empty boundary list with
// Err set.
func (s *Segmenter) Session(ctx context.Context, sess types.Session, segs []types.Segment) SessionBoundaries {
	out := SessionBoundaries{SessionID: sess.ID}
	if len(segs) == 0 {
		out.Boundaries = []types.TopicBoundary{zeroBoundary(sess.ID)}
		return out
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Session duration: %s\n\nTranscript:\n", types.FormatTimecode(sess.Duration))
	for _, seg := range segs {
		speaker := seg.SpeakerCode
		if speaker == "" {
			speaker = seg.SpeakerLabel
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", types.FormatTimecode(seg.Start), speaker, seg.Text)
	}

	var resp response
	err := s.client.Analyse(ctx, llm.AnalyseRequest{
		Stage:        "topics",
		SystemPrompt: systemPrompt,
		UserPrompt:   b.String(),
		SchemaName:   "segment_topics",
		Schema:       schema(),
		Out:          &resp,
		Temperature:  0.2,
	})
	if err != nil {
		slog.Warn("topic segmentation failed", "session", sess.ID, "error", err)
		out.Err = err
		return out
	}

	for _, rb := range resp.Boundaries {
		kind := types.TransitionKind(rb.Kind)
		if !kind.IsValid() {
			kind = types.TransitionTopicShift
		}
		t := rb.Time
		if t < 0 {
			t = 0
		}
		if sess.Duration > 0 && t > sess.Duration {
			t = sess.Duration
		}
		out.Boundaries = append(out.Boundaries, types.TopicBoundary{
			SessionID:  sess.ID,
			Time:       t,
			Label:      strings.TrimSpace(rb.Label),
			Kind:       kind,
			Confidence: rb.Confidence,
		})
	}

	sort.SliceStable(out.Boundaries, func(i, j int) bool {
		return out.Boundaries[i].Time < out.Boundaries[j].Time
	})
	if len(out.Boundaries) == 0 || out.Boundaries[0].Time != 0 {
		out.Boundaries = append([]types.TopicBoundary{zeroBoundary(sess.ID)}, out.Boundaries...)
	}
	return out
}

// zeroBoundary is the implicit opening boundary every session carries.
func zeroBoundary(sessionID string) types.TopicBoundary {
	return types.TopicBoundary{
		SessionID: sessionID,
		Time:      0,
		Label:     "Session start",
		Kind:      types.TransitionGeneralContext,
	}
}

// Fallback returns the single implicit boundary used when segmentation
// failed for a session.
func Fallback(sessionID string) []types.TopicBoundary {
	return []types.TopicBoundary{zeroBoundary(sessionID)}
}
