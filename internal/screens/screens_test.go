package screens_test

import (
	"context"
	"testing"

	"github.com/bristlenose/bristlenose/internal/llm"
	"github.com/bristlenose/bristlenose/internal/screens"
	provider "github.com/bristlenose/bristlenose/pkg/provider/llm"
	"github.com/bristlenose/bristlenose/pkg/types"
)

type fixedProvider struct {
	body string
}

func (p *fixedProvider) Complete(context.Context, provider.CompletionRequest) (*provider.CompletionResponse, error) {
	return &provider.CompletionResponse{Content: p.body, FinishReason: provider.FinishStop}, nil
}
func (p *fixedProvider) Vendor() string { return "openai" }
func (p *fixedProvider) Model() string  { return "test" }

func screenQuote(session, code, text string, tm float64) types.Quote {
	return types.Quote{
		SessionID: session, SpeakerCode: code, Text: text, Time: tm,
		Scope: types.ScopeScreenSpecific,
	}
}

func TestCluster_PartitionAndOrdering(t *testing.T) {
	t.Parallel()
	all := []types.Quote{
		screenQuote("s1", "p1", "the checkout froze on me", 120),
		screenQuote("s2", "p2", "search found nothing useful", 30),
		screenQuote("s1", "p1", "search autocomplete helped a lot", 60),
	}
	p := &fixedProvider{body: `{"clusters":[
		{"label":"Search","subtitle":"Fast when it works, silent when it fails","quotes":[1,2]},
		{"label":"Checkout","subtitle":"The main failure point","quotes":[0]}
	]}`}
	c := screens.New(llm.NewClient(p, llm.NewUsageTracker()))

	got, err := c.Cluster(context.Background(), all)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d clusters, want 2", len(got))
	}
	if got[0].Label != "Search" || got[0].Position != 1 {
		t.Errorf("cluster 0 = %q at %d", got[0].Label, got[0].Position)
	}
	if got[1].Label != "Checkout" || got[1].Position != 2 {
		t.Errorf("cluster 1 = %q at %d", got[1].Label, got[1].Position)
	}

	total := 0
	for _, cl := range got {
		total += len(cl.Quotes)
	}
	if total != len(all) {
		t.Errorf("partition broken: %d quotes in clusters, want %d", total, len(all))
	}

	// Within a cluster, session then time order.
	search := got[0].Quotes
	if search[0].SessionID != "s1" || search[1].SessionID != "s2" {
		t.Errorf("cluster quotes not in session order: %v", search)
	}
}

func TestCluster_UnassignedQuotesGoToOther(t *testing.T) {
	t.Parallel()
	all := []types.Quote{
		screenQuote("s1", "p1", "checkout was fine", 10),
		screenQuote("s1", "p1", "not sure which screen that was", 20),
	}
	p := &fixedProvider{body: `{"clusters":[{"label":"Checkout","subtitle":"","quotes":[0]}]}`}
	c := screens.New(llm.NewClient(p, llm.NewUsageTracker()))

	got, err := c.Cluster(context.Background(), all)
	if err != nil {
		t.Fatal(err)
	}
	last := got[len(got)-1]
	if last.Label != "Other" || len(last.Quotes) != 1 {
		t.Errorf("leftover quote not in Other cluster: %+v", last)
	}
}

func TestCluster_DuplicateAssignmentKeepsFirst(t *testing.T) {
	t.Parallel()
	all := []types.Quote{screenQuote("s1", "p1", "the dashboard is dense", 5)}
	p := &fixedProvider{body: `{"clusters":[
		{"label":"Dashboard","subtitle":"","quotes":[0]},
		{"label":"Reports","subtitle":"","quotes":[0]}
	]}`}
	c := screens.New(llm.NewClient(p, llm.NewUsageTracker()))

	got, err := c.Cluster(context.Background(), all)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Label != "Dashboard" {
		t.Errorf("duplicate assignment not resolved to first cluster: %+v", got)
	}
}

func TestCluster_EmptyInputIsNoop(t *testing.T) {
	t.Parallel()
	c := screens.New(nil)
	got, err := c.Cluster(context.Background(), nil)
	if err != nil || got != nil {
		t.Errorf("empty input: got %v, %v", got, err)
	}
}
