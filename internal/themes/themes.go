// Package themes groups general-context quotes across sessions into
// cross-participant patterns, each with a short punchy subtitle.
package themes

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/bristlenose/bristlenose/internal/llm"
	"github.com/bristlenose/bristlenose/pkg/types"
)

// Grouper runs the cross-session thematic grouping call.
type Grouper struct {
	client *llm.Client
}

// New creates a Grouper.
func New(client *llm.Client) *Grouper {
	return &Grouper{client: client}
}

const systemPrompt = `You find cross-participant themes in user-research quotes.

Given an indexed list of general-context quotes:
- Identify recurring patterns across participants: shared habits, repeated
  pain points, common expectations.
- Assign every quote index to exactly one theme — pick the strongest fit;
  the researcher can reassign later.
- Give each theme a short label and a punchy subtitle of fewer than 15
  words that captures the insight, not just the subject.`

// response is the model's output shape.
type response struct {
	Themes []struct {
		Label    string `json:"label"`
		Subtitle string `json:"subtitle"`
		Quotes   []int  `json:"quotes"`
	} `json:"themes"`
}

func schema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"required":             []any{"themes"},
		"additionalProperties": false,
		"properties": map[string]any{
			"themes": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"required":             []any{"label", "subtitle", "quotes"},
					"additionalProperties": false,
					"properties": map[string]any{
						"label":    map[string]any{"type": "string", "minLength": 1},
						"subtitle": map[string]any{"type": "string"},
						"quotes": map[string]any{
							"type":  "array",
							"items": map[string]any{"type": "integer", "minimum": 0},
						},
					},
				},
			},
		},
	}
}

type compactQuote struct {
	I    int    `json:"i"`
	Who  string `json:"who"`
	Text string `json:"text"`
}

// Group themes all general-context quotes. Like screen clustering, a failure
// here is fatal to the run.
func (g *Grouper) Group(ctx context.Context, all []types.Quote) ([]types.Theme, error) {
	if len(all) == 0 {
		return nil, nil
	}

	compact := make([]compactQuote, len(all))
	for i, q := range all {
		compact[i] = compactQuote{I: i, Who: q.SpeakerCode, Text: q.Text}
	}
	payload, err := json.Marshal(compact)
	if err != nil {
		return nil, fmt.Errorf("themes: serialise quotes: %w", err)
	}

	var resp response
	err = g.client.Analyse(ctx, llm.AnalyseRequest{
		Stage:        "themes",
		SystemPrompt: systemPrompt,
		UserPrompt:   "Quotes:\n" + string(payload),
		SchemaName:   "group_themes",
		Schema:       schema(),
		Out:          &resp,
		Temperature:  0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("themes: grouping call: %w", err)
	}

	return assemble(all, resp), nil
}

// assemble enforces the partition over the model's index assignments.
// Subtitles over the word limit are truncated rather than rejected — a long
// subtitle is a cosmetic fault, not a reason to fail the stage.
func assemble(all []types.Quote, resp response) []types.Theme {
	assigned := make([]bool, len(all))
	var out []types.Theme

	for _, rt := range resp.Themes {
		theme := types.Theme{
			Label:    strings.TrimSpace(rt.Label),
			Subtitle: trimSubtitle(rt.Subtitle),
		}
		for _, idx := range rt.Quotes {
			if idx < 0 || idx >= len(all) || assigned[idx] {
				continue
			}
			assigned[idx] = true
			theme.Quotes = append(theme.Quotes, all[idx])
		}
		if len(theme.Quotes) > 0 {
			out = append(out, theme)
		}
	}

	var leftovers []types.Quote
	for i, done := range assigned {
		if !done {
			leftovers = append(leftovers, all[i])
		}
	}
	if len(leftovers) > 0 {
		out = append(out, types.Theme{
			Label:    "Miscellaneous",
			Subtitle: "Quotes the model did not fit to a pattern",
			Quotes:   leftovers,
		})
	}

	for i := range out {
		sortQuotes(out[i].Quotes)
	}
	return out
}

// trimSubtitle caps a subtitle at 14 words.
func trimSubtitle(s string) string {
	words := strings.Fields(s)
	if len(words) > 14 {
		words = words[:14]
	}
	return strings.Join(words, " ")
}

func sortQuotes(qs []types.Quote) {
	sort.SliceStable(qs, func(i, j int) bool {
		if qs[i].SessionID != qs[j].SessionID {
			return qs[i].SessionID < qs[j].SessionID
		}
		return qs[i].Time < qs[j].Time
	})
}
