package llm

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/bristlenose/bristlenose/pkg/provider/llm"
)

// pricing holds USD cost per million tokens. The table covers the models the
// default config ships with; unknown models report tokens without a cost.
type pricing struct {
	inputPerM  float64
	outputPerM float64
}

var priceTable = map[string]pricing{
	"claude-sonnet-4-5":  {3.00, 15.00},
	"claude-haiku-4-5":   {1.00, 5.00},
	"gpt-4o":             {2.50, 10.00},
	"gpt-4o-mini":        {0.15, 0.60},
	"gemini-2.5-pro":     {1.25, 10.00},
	"gemini-2.5-flash":   {0.30, 2.50},
}

// UsageTracker accumulates token usage across all calls in a run.
// Safe for concurrent use.
type UsageTracker struct {
	mu     sync.Mutex
	stages map[string]*stageUsage
	vendor string
	model  string
}

type stageUsage struct {
	calls            int
	promptTokens     int
	completionTokens int
}

// NewUsageTracker creates an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{stages: make(map[string]*stageUsage)}
}

// Record accumulates one call's usage under its stage name.
func (t *UsageTracker) Record(vendor, model, stage string, u llm.Usage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.vendor, t.model = vendor, model
	su := t.stages[stage]
	if su == nil {
		su = &stageUsage{}
		t.stages[stage] = su
	}
	su.calls++
	su.promptTokens += u.PromptTokens
	su.completionTokens += u.CompletionTokens
}

// Totals returns the run-wide prompt and completion token counts.
func (t *UsageTracker) Totals() (prompt, completion int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, su := range t.stages {
		prompt += su.promptTokens
		completion += su.completionTokens
	}
	return prompt, completion
}

// EstimatedCost returns the estimated USD cost and whether pricing is known
// for the model used. Local models and unrecognised deployments report false.
func (t *UsageTracker) EstimatedCost() (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := priceTable[t.model]
	if !ok {
		return 0, false
	}
	var cost float64
	for _, su := range t.stages {
		cost += float64(su.promptTokens) / 1e6 * p.inputPerM
		cost += float64(su.completionTokens) / 1e6 * p.outputPerM
	}
	return cost, true
}

// Summary renders a human-readable per-stage breakdown for the end-of-run
// report. Returns "" when no calls were made.
func (t *UsageTracker) Summary() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.stages) == 0 {
		return ""
	}

	names := make([]string, 0, len(t.stages))
	for name := range t.stages {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	fmt.Fprintf(&b, "LLM usage (%s/%s):\n", t.vendor, t.model)
	var prompt, completion int
	for _, name := range names {
		su := t.stages[name]
		prompt += su.promptTokens
		completion += su.completionTokens
		fmt.Fprintf(&b, "  %-14s %3d call(s)  %8d in  %8d out\n",
			name, su.calls, su.promptTokens, su.completionTokens)
	}
	fmt.Fprintf(&b, "  %-14s %14d in  %8d out", "total", prompt, completion)
	if p, ok := priceTable[t.model]; ok {
		cost := float64(prompt)/1e6*p.inputPerM + float64(completion)/1e6*p.outputPerM
		fmt.Fprintf(&b, "  (~$%.2f)", cost)
	}
	return b.String()
}
