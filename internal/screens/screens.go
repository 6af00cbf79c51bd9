// Package screens clusters screen-specific quotes across all sessions into
// named screens ordered by their place in the product flow.
//
// One model call handles the whole project. Quotes are sent in a compact
// indexed serialisation to keep input tokens down; the response assigns each
// index to exactly one cluster and the clusterer enforces that partition on
// the way out.
package screens

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/bristlenose/bristlenose/internal/llm"
	"github.com/bristlenose/bristlenose/pkg/types"
)

// Clusterer runs the cross-session screen clustering call.
type Clusterer struct {
	client *llm.Client
}

// New creates a Clusterer.
func New(client *llm.Client) *Clusterer {
	return &Clusterer{client: client}
}

const systemPrompt = `You organise user-research quotes by the screen or task they describe.

Given an indexed list of quotes, all screen-specific:
- Identify the distinct screens and tasks the quotes describe.
- Normalise labels: short, 2-4 words; drop "Page"/"Screen" suffixes unless
  needed to disambiguate two similar areas.
- Assign every quote index to exactly one cluster — pick the strongest fit.
- Give each cluster a one-line subtitle summarising what participants
  experienced there.
- Order clusters by their logical position in the product flow (entry
  points first, completion states last).`

// response is the model's output shape.
type response struct {
	Clusters []struct {
		Label    string `json:"label"`
		Subtitle string `json:"subtitle"`
		Quotes   []int  `json:"quotes"`
	} `json:"clusters"`
}

func schema() map[string]any {
	return map[string]any{
		"type":                 "object",
		"required":             []any{"clusters"},
		"additionalProperties": false,
		"properties": map[string]any{
			"clusters": map[string]any{
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

// compactQuote is the wire form sent to the model: index, code, and text
// only, serialised without indentation.
type compactQuote struct {
	I    int    `json:"i"`
	Who  string `json:"who"`
	Text string `json:"text"`
}

// Cluster groups all screen-specific quotes. A failure here is fatal to the
// run — unlike per-session stages there is no smaller unit to fall back to.
func (c *Clusterer) Cluster(ctx context.Context, all []types.Quote) ([]types.ScreenCluster, error) {
	if len(all) == 0 {
		return nil, nil
	}

	compact := make([]compactQuote, len(all))
	for i, q := range all {
		compact[i] = compactQuote{I: i, Who: q.SpeakerCode, Text: q.Text}
	}
	payload, err := json.Marshal(compact)
	if err != nil {
		return nil, fmt.Errorf("screens: serialise quotes: %w", err)
	}

	var resp response
	err = c.client.Analyse(ctx, llm.AnalyseRequest{
		Stage:        "screens",
		SystemPrompt: systemPrompt,
		UserPrompt:   "Quotes:\n" + string(payload),
		SchemaName:   "cluster_screens",
		Schema:       schema(),
		Out:          &resp,
		Temperature:  0.2,
	})
	if err != nil {
		return nil, fmt.Errorf("screens: clustering call: %w", err)
	}

	return assemble(all, resp), nil
}

// assemble materialises the model's index assignments into clusters,
// enforcing the partition: a duplicated index keeps its first assignment, an
// unassigned index lands in a trailing "Other" cluster.
func assemble(all []types.Quote, resp response) []types.ScreenCluster {
	assigned := make([]bool, len(all))
	var out []types.ScreenCluster

	for _, rc := range resp.Clusters {
		cluster := types.ScreenCluster{
			Label:    strings.TrimSpace(rc.Label),
			Subtitle: strings.TrimSpace(rc.Subtitle),
		}
		for _, idx := range rc.Quotes {
			if idx < 0 || idx >= len(all) || assigned[idx] {
				continue
			}
			assigned[idx] = true
			cluster.Quotes = append(cluster.Quotes, all[idx])
		}
		if len(cluster.Quotes) > 0 {
			out = append(out, cluster)
		}
	}

	var leftovers []types.Quote
	for i, done := range assigned {
		if !done {
			leftovers = append(leftovers, all[i])
		}
	}
	if len(leftovers) > 0 {
		out = append(out, types.ScreenCluster{
			Label:    "Other",
			Subtitle: "Quotes the model did not place on a specific screen",
			Quotes:   leftovers,
		})
	}

	for i := range out {
		out[i].Position = i + 1
		sortQuotes(out[i].Quotes)
	}
	return out
}

// sortQuotes keeps a cluster's quotes in session-then-time order for stable
// output across runs.
func sortQuotes(qs []types.Quote) {
	sort.SliceStable(qs, func(i, j int) bool {
		if qs[i].SessionID != qs[j].SessionID {
			return qs[i].SessionID < qs[j].SessionID
		}
		return qs[i].Time < qs[j].Time
	})
}
