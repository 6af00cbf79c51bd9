// Package quotes extracts evidence quotes from each session's transcript,
// applying the editorial policy through the model prompt: participants only,
// filler elided, clarifications bracketed, non-verbal cues preserved.
package quotes

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

// SessionQuotes is one session's extraction outcome.
type SessionQuotes struct {
	SessionID string
	Quotes    []types.Quote

	// Err records a per-session model failure; the quote list is empty and
	// the pipeline continues.
	Err error
}

// Extractor runs per-session quote extraction.
type Extractor struct {
	client      *llm.Client
	concurrency int64
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithConcurrency bounds concurrent model calls. Default 3.
func WithConcurrency(n int64) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// New creates an Extractor.
func New(client *llm.Client, opts ...Option) *Extractor {
	e := &Extractor{client: client, concurrency: 3}
	for _, o := range opts {
		o(e)
	}
	return e
}

const systemPrompt = `You extract verbatim evidence quotes from a user-research interview.

Selection:
- Only participant speech (codes starting "p") becomes a quote. Never quote
  researchers (codes starting "m") or observers (codes starting "o").
- Skip trivial fillers ("yes", "right", "uh huh") unless emotionally loaded.
- Navigational think-aloud narration is worth keeping and may be bundled
  into one quote.
- Quotes run one to five sentences; split long monologues at natural
  thought boundaries.

Editing:
- Replace filler ("um", "uh", filler "like", "you know", "sort of",
  "kind of") with an ellipsis character: …
- Wrap any clarification you add in square brackets.
- Preserve self-corrections that reveal thought.
- Mark unclear speech [inaudible]; keep meaningful non-verbal cues such as
  [laughs], [sighs], [pause].
- Otherwise quote verbatim. Never paraphrase.

Classification:
- topic: the label of the topic boundary the quote falls under.
- scope: "screen-specific" when the quote is about a concrete screen or
  task; "general-context" for background, habits, or overall impressions.
- researcher_context: the question that elicited the quote, briefly, when
  it aids comprehension.
- sentiment: frustration, confusion, doubt, surprise, satisfaction,
  delight, or confidence — or null when the quote is purely descriptive.
- intensity: 1 (mild), 2 (clear), 3 (strong) — null when sentiment is null.`

// response is the model's output shape.
type response struct {
	Quotes []struct {
		SpeakerCode       string   `json:"speaker_code"`
		Time              float64  `json:"time"`
		Text              string   `json:"text"`
		ResearcherContext string   `json:"researcher_context,omitempty"`
		Topic             string   `json:"topic"`
		Scope             string   `json:"scope"`
		Sentiment         *string  `json:"sentiment"`
		Intensity         *int     `json:"intensity"`
		Tags              []string `json:"tags,omitempty"`
	} `json:"quotes"`
}

func schema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"required":             []any{"quotes"},
		"additionalProperties": false,
		"properties": map[string]any{
			"quotes": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"required":             []any{"speaker_code", "time", "text", "topic", "scope", "sentiment", "intensity"},
					"additionalProperties": false,
					"properties": map[string]any{
						"speaker_code":       map[string]any{"type": "string"},
						"time":               map[string]any{"type": "number", "minimum": 0},
						"text":               map[string]any{"type": "string", "minLength": 1},
						"researcher_context": map[string]any{"type": "string"},
						"topic":              map[string]any{"type": "string"},
						"scope": map[string]any{
							"type": "string",
							"enum": []any{"screen-specific", "general-context"},
						},
						"sentiment": map[string]any{
							"type": []any{"string", "null"},
							"enum": []any{"frustration", "confusion", "doubt", "surprise",
								"satisfaction", "delight", "confidence", nil},
						},
						"intensity": map[string]any{
							"type": []any{"integer", "null"},
							"minimum": 1, "maximum": 3,
						},
						"tags": map[string]any{
							"type":  "array",
							"items": map[string]any{"type": "string"},
						},
					},
				},
			},
		},
	}
}

// All extracts quotes for every session under the concurrency bound.
// Results preserve sessions order; per-session failures are recorded on the
// result, never propagated. boundaries maps session ID to its stage-8
// output — a missing or empty entry falls back to the implicit boundary at
// zero.
func (e *Extractor) All(ctx context.Context, sessions []types.Session, segments map[string][]types.Segment, boundaries map[string][]types.TopicBoundary) ([]SessionQuotes, error) {
	results := make([]SessionQuotes, len(sessions))
	sem := semaphore.NewWeighted(e.concurrency)
	g, gctx := errgroup.WithContext(ctx)
	for i, sess := range sessions {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)
			results[i] = e.Session(gctx, sess, segments[sess.ID], boundaries[sess.ID])
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// Session extracts one session's quotes.
func (e *Extractor) Session(ctx context.Context, sess types.Session, segs []types.Segment, bounds []types.TopicBoundary) SessionQuotes {
	out := SessionQuotes{SessionID: sess.ID}
	if len(segs) == 0 {
		return out
	}
	if len(bounds) == 0 {
		bounds = []types.TopicBoundary{{SessionID: sess.ID, Time: 0, Label: "Session start", Kind: types.TransitionGeneralContext}}
	}

	var b strings.Builder
	b.WriteString("Topic boundaries:\n")
	for _, tb := range bounds {
		fmt.Fprintf(&b, "[%s] %s (%s)\n", types.FormatTimecode(tb.Time), tb.Label, tb.Kind)
	}
	b.WriteString("\nTranscript:\n")
	for _, seg := range segs {
		speaker := seg.SpeakerCode
		if speaker == "" {
			speaker = seg.SpeakerLabel
		}
		fmt.Fprintf(&b, "[%s] [%s] %s\n", types.FormatTimecode(seg.Start), speaker, seg.Text)
	}

	var resp response
	err := e.client.Analyse(ctx, llm.AnalyseRequest{
		Stage:        "quotes",
		SystemPrompt: systemPrompt,
		UserPrompt:   b.String(),
		SchemaName:   "extract_quotes",
		Schema:       schema(),
		Out:          &resp,
		Temperature:  0.2,
	})
	if err != nil {
		slog.Warn("quote extraction failed", "session", sess.ID, "error", err)
		out.Err = err
		return out
	}

	for _, q := range resp.Quotes {
		// The prompt forbids researcher quotes; enforce it anyway.
		if !strings.HasPrefix(q.SpeakerCode, "p") {
			continue
		}
		scope := types.QuoteScope(q.Scope)
		if !scope.IsValid() {
			scope = types.ScopeGeneralContext
		}
		quote := types.Quote{
			SessionID:         sess.ID,
			SpeakerCode:       q.SpeakerCode,
			Time:              clamp(q.Time, sess.Duration),
			Text:              strings.TrimSpace(q.Text),
			ResearcherContext: strings.TrimSpace(q.ResearcherContext),
			Topic:             strings.TrimSpace(q.Topic),
			Scope:             scope,
			Tags:              q.Tags,
		}
		if q.Sentiment != nil {
			s := types.Sentiment(*q.Sentiment)
			if s.IsValid() {
				quote.Sentiment = s
			}
		}
		if quote.Sentiment != types.SentimentNone && q.Intensity != nil {
			quote.Intensity = *q.Intensity
		}
		if quote.Text == "" {
			continue
		}
		out.Quotes = append(out.Quotes, quote)
	}

	sort.SliceStable(out.Quotes, func(i, j int) bool {
		return out.Quotes[i].Time < out.Quotes[j].Time
	})
	return out
}

// Flatten concatenates per-session quotes in the order given, which callers
// keep in session-ID order.
func Flatten(results []SessionQuotes) []types.Quote {
	var all []types.Quote
	for _, r := range results {
		all = append(all, r.Quotes...)
	}
	return all
}

func clamp(t, max float64) float64 {
	if t < 0 {
		return 0
	}
	if max > 0 && t > max {
		return max
	}
	return t
}
