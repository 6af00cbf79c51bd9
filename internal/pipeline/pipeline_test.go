package pipeline_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bristlenose/bristlenose/internal/config"
	"github.com/bristlenose/bristlenose/internal/llm"
	"github.com/bristlenose/bristlenose/internal/pipeline"
	provider "github.com/bristlenose/bristlenose/pkg/provider/llm"
)

// stageProvider dispatches on distinctive phrases in each stage's system
// prompt and returns a canned valid response. failQuotesFor makes quote
// extraction fail for any session whose transcript contains the substring.
type stageProvider struct {
	model         string
	failQuotesFor string

	mu    sync.Mutex
	calls map[string]int
}

func (p *stageProvider) count(stage string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls == nil {
		p.calls = make(map[string]int)
	}
	p.calls[stage]++
}

func (p *stageProvider) callCount(stage string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[stage]
}

func (p *stageProvider) Complete(_ context.Context, req provider.CompletionRequest) (*provider.CompletionResponse, error) {
	var userPrompt string
	if len(req.Messages) > 0 {
		userPrompt = req.Messages[len(req.Messages)-1].Content
	}
	var body string
	switch {
	case strings.Contains(req.SystemPrompt, "classify speakers"):
		p.count("speakerid")
		body = `{"speakers":[
			{"label":"Researcher Rita","role":"researcher"},
			{"label":"Maya Patel","role":"participant","person_name":"Maya Patel"}
		]}`
	case strings.Contains(req.SystemPrompt, "segment a user-research interview"):
		p.count("topics")
		body = `{"boundaries":[{"time":0,"label":"Introduction","kind":"general_context","confidence":0.9},{"time":6,"label":"Checkout","kind":"screen_change","confidence":0.8}]}`
	case strings.Contains(req.SystemPrompt, "extract verbatim evidence quotes"):
		p.count("quotes")
		if p.failQuotesFor != "" && strings.Contains(userPrompt, p.failQuotesFor) {
			return nil, errors.New("model unavailable")
		}
		body = `{"quotes":[
			{"speaker_code":"p1","time":7,"text":"the checkout was really confusing","topic":"Checkout","scope":"screen-specific","sentiment":"confusion","intensity":2},
			{"speaker_code":"p1","time":12,"text":"I usually shop on my phone","topic":"Introduction","scope":"general-context","sentiment":null,"intensity":null}
		]}`
	case strings.Contains(req.SystemPrompt, "organise user-research quotes"):
		p.count("screens")
		body = `{"clusters":[{"label":"Checkout","subtitle":"Where participants stumbled","quotes":[0]}]}`
	case strings.Contains(req.SystemPrompt, "find cross-participant themes"):
		p.count("themes")
		body = `{"themes":[{"label":"Mobile habits","subtitle":"Phones are the default device","quotes":[0]}]}`
	default:
		body = `{}`
	}
	return &provider.CompletionResponse{
		Content:      body,
		FinishReason: provider.FinishStop,
		Usage:        provider.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}, nil
}

func (p *stageProvider) Vendor() string { return "openai" }
func (p *stageProvider) Model() string  { return p.model }

const sampleVTT = `WEBVTT

00:01.000 --> 00:06.000
<v Researcher Rita>Could you introduce yourself and share your screen?

00:06.500 --> 00:11.000
<v Maya Patel>Sure, I'm Maya. The checkout was really confusing.

00:11.500 --> 00:15.000
<v Maya Patel>I usually shop on my phone, honestly.
`

// newRunDir builds an input directory holding one transcript-only session.
func newRunDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "maya session.vtt"), []byte(sampleVTT), 0o644); err != nil {
		t.Fatal(err)
	}
	return dir
}

func newTestPipeline(t *testing.T, inputDir string, out *bytes.Buffer, prov *stageProvider) *pipeline.Pipeline {
	t.Helper()
	if prov.model == "" {
		prov.model = "test-model"
	}
	cfg := config.Default()
	usage := llm.NewUsageTracker()
	client := llm.NewClient(prov, usage)
	return pipeline.New(cfg, inputDir, client, usage, nil,
		pipeline.WithOutput(out), pipeline.WithVersion("test"))
}

func TestRun_TranscriptOnlySession(t *testing.T) {
	t.Parallel()
	dir := newRunDir(t)
	var out bytes.Buffer
	p := newTestPipeline(t, dir, &out, &stageProvider{})

	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v\noutput:\n%s", err, out.String())
	}

	// No audio, no transcription, but the full analysis chain ran.
	txt, err := os.ReadFile(filepath.Join(p.OutputDir(), "transcripts-raw", "s1.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(txt), "[p1]") || !strings.Contains(string(txt), "[m1]") {
		t.Errorf("transcript missing speaker codes:\n%s", txt)
	}
	if !strings.Contains(string(txt), "checkout was really confusing") {
		t.Errorf("transcript content wrong:\n%s", txt)
	}

	reg, err := os.ReadFile(filepath.Join(p.OutputDir(), "people.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(reg), "p1:") || !strings.Contains(string(reg), "Maya Patel") {
		t.Errorf("people registry missing participant:\n%s", reg)
	}

	interDir := filepath.Join(p.OutputDir(), ".bristlenose", "intermediate")
	for _, name := range []string{"sessions.json", "segments.json", "topic-boundaries.json",
		"extracted-quotes.json", "screen-clusters.json", "themes.json"} {
		if _, err := os.Stat(filepath.Join(interDir, name)); err != nil {
			t.Errorf("artefact %s missing: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(p.OutputDir(), ".bristlenose", "manifest.json")); err != nil {
		t.Error("manifest not written")
	}

	// The document parse is tracked per session, keyed on the source files.
	m, err := pipeline.LoadManifest(
		filepath.Join(p.OutputDir(), ".bristlenose", "manifest.json"), "", "")
	if err != nil {
		t.Fatal(err)
	}
	parseRec := m.Stages[pipeline.StageParse]
	if parseRec == nil || parseRec.Sessions["s1"] == nil {
		t.Fatal("parse stage not recorded for s1")
	}
	if parseRec.Sessions["s1"].Status != pipeline.StatusComplete {
		t.Errorf("parse status = %q, want complete", parseRec.Sessions["s1"].Status)
	}
	if parseRec.Sessions["s1"].InputHash == "" {
		t.Error("parse record missing the source-file hash")
	}

	// No scratch WAVs for a transcript-only session.
	entries, _ := os.ReadDir(filepath.Join(p.OutputDir(), ".bristlenose", "scratch"))
	if len(entries) != 0 {
		t.Errorf("unexpected scratch files: %v", entries)
	}

	if !strings.Contains(out.String(), "LLM usage") {
		t.Errorf("final summary missing:\n%s", out.String())
	}
}

func TestRun_UnchangedSecondRunSkipsLLMStages(t *testing.T) {
	t.Parallel()
	dir := newRunDir(t)
	var out1 bytes.Buffer
	p1 := newTestPipeline(t, dir, &out1, &stageProvider{})
	if err := p1.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	var out2 bytes.Buffer
	prov2 := &stageProvider{}
	p2 := newTestPipeline(t, dir, &out2, prov2)
	if err := p2.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out2.String(), "Resuming: 1/1 sessions have quotes") {
		t.Errorf("resume summary missing:\n%s", out2.String())
	}
	// Nothing changed, so every model-backed stage reuses its recorded output.
	for _, stage := range []string{"speakerid", "topics", "quotes", "screens", "themes"} {
		if n := prov2.callCount(stage); n != 0 {
			t.Errorf("second run made %d %s calls, want 0 (inputs unchanged)", n, stage)
		}
	}

	// The rehydrated speakers keep their original codes: no second participant
	// appears in the registry after a no-op rerun.
	reg, err := os.ReadFile(filepath.Join(p2.OutputDir(), "people.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(reg), "p1:") {
		t.Errorf("registry lost p1 on rerun:\n%s", reg)
	}
	if strings.Contains(string(reg), "p2:") {
		t.Errorf("rerun must not mint new participant codes:\n%s", reg)
	}

	// The boundaries artefact keeps every session's boundaries, not just the
	// (empty) fresh subset.
	if got := readBoundaries(t, p2.OutputDir()); len(got["s1"]) == 0 {
		t.Errorf("topic boundaries lost on rerun: %v", got)
	}
}

// readBoundaries loads the topic-boundaries artefact from an output dir.
func readBoundaries(t *testing.T, outputDir string) map[string][]map[string]any {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(outputDir, ".bristlenose", "intermediate", "topic-boundaries.json"))
	if err != nil {
		t.Fatalf("boundaries artefact unreadable: %v", err)
	}
	var m map[string][]map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("boundaries artefact corrupt: %v", err)
	}
	return m
}

func TestRun_MixedMediaSessionSkipsExtraction(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	// Video plus sidecar transcript with a shared stem: one session, and the
	// transcript wins — no decode, no transcription backend needed.
	if err := os.WriteFile(filepath.Join(dir, "p2.mp4"), []byte("not really a video"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "p2.vtt"), []byte(sampleVTT), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	p := newTestPipeline(t, dir, &out, &stageProvider{})
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("run failed: %v\noutput:\n%s", err, out.String())
	}

	if _, err := os.Stat(filepath.Join(p.OutputDir(), "transcripts-raw", "s1.txt")); err != nil {
		t.Errorf("merged transcript missing: %v", err)
	}
	entries, _ := os.ReadDir(filepath.Join(p.OutputDir(), ".bristlenose", "scratch"))
	if len(entries) != 0 {
		t.Errorf("extraction ran despite existing transcript: %v", entries)
	}
}

const betaVTT = `WEBVTT

00:01.000 --> 00:05.000
<v Researcher Rita>What do you think of the beta?

00:05.500 --> 00:12.000
<v Maya Patel>The beta dashboard is cluttered, honestly.
`

func TestRun_PerSessionQuoteFailureIsPartial(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "alpha.vtt"), []byte(sampleVTT), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "beta.vtt"), []byte(betaVTT), 0o644); err != nil {
		t.Fatal(err)
	}

	var out1 bytes.Buffer
	p1 := newTestPipeline(t, dir, &out1, &stageProvider{failQuotesFor: "beta dashboard"})
	if err := p1.Run(context.Background()); err != nil {
		t.Fatalf("per-session failure must not fail the run: %v\noutput:\n%s", err, out1.String())
	}

	m, err := pipeline.LoadManifest(
		filepath.Join(p1.OutputDir(), ".bristlenose", "manifest.json"), "", "")
	if err != nil {
		t.Fatal(err)
	}
	rec := m.Stages[pipeline.StageQuotes]
	if rec == nil || rec.Status != pipeline.StatusPartial {
		t.Fatalf("quotes stage status = %v, want partial", rec)
	}
	if rec.Sessions["s2"].Status != pipeline.StatusFailed {
		t.Errorf("s2 = %q, want failed", rec.Sessions["s2"].Status)
	}
	if rec.Sessions["s1"].Status != pipeline.StatusComplete {
		t.Errorf("s1 = %q, want complete", rec.Sessions["s1"].Status)
	}

	// The retry run only re-extracts the failed session, and both sessions'
	// boundaries succeeded the first time round, so topics is not re-run.
	var out2 bytes.Buffer
	prov2 := &stageProvider{}
	p2 := newTestPipeline(t, dir, &out2, prov2)
	if err := p2.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := prov2.callCount("quotes"); n != 1 {
		t.Errorf("retry run made %d quote calls, want 1 (s2 only)", n)
	}
	if n := prov2.callCount("topics"); n != 0 {
		t.Errorf("retry run made %d topic calls, want 0 (boundaries cached)", n)
	}

	m2, err := pipeline.LoadManifest(
		filepath.Join(p2.OutputDir(), ".bristlenose", "manifest.json"), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if got := m2.Stages[pipeline.StageQuotes].Status; got != pipeline.StatusComplete {
		t.Errorf("quotes stage after retry = %q, want complete", got)
	}

	// Both sessions' boundaries survive the partial retry.
	bm := readBoundaries(t, p2.OutputDir())
	for _, id := range []string{"s1", "s2"} {
		if len(bm[id]) == 0 {
			t.Errorf("boundaries for %s lost after retry: %v", id, bm)
		}
	}
}

func TestRun_QuoteRetryKeepsCachedBoundaries(t *testing.T) {
	t.Parallel()
	dir := newRunDir(t)
	var out1 bytes.Buffer
	p1 := newTestPipeline(t, dir, &out1, &stageProvider{failQuotesFor: "really confusing"})
	if err := p1.Run(context.Background()); err != nil {
		t.Fatalf("quote failure must not fail the run: %v\noutput:\n%s", err, out1.String())
	}

	m, err := pipeline.LoadManifest(
		filepath.Join(p1.OutputDir(), ".bristlenose", "manifest.json"), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if got := m.Stages[pipeline.StageTopics].Sessions["s1"].Status; got != pipeline.StatusComplete {
		t.Fatalf("topics for s1 = %q, want complete", got)
	}
	if got := m.Stages[pipeline.StageQuotes].Sessions["s1"].Status; got != pipeline.StatusFailed {
		t.Fatalf("quotes for s1 = %q, want failed", got)
	}

	// The retry re-runs quote extraction only; segmentation is cached and its
	// boundaries feed the fresh quote call.
	var out2 bytes.Buffer
	prov2 := &stageProvider{}
	p2 := newTestPipeline(t, dir, &out2, prov2)
	if err := p2.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := prov2.callCount("topics"); n != 0 {
		t.Errorf("retry run made %d topic calls, want 0 (segmentation cached)", n)
	}
	if n := prov2.callCount("quotes"); n != 1 {
		t.Errorf("retry run made %d quote calls, want 1", n)
	}
	if got := readBoundaries(t, p2.OutputDir()); len(got["s1"]) == 0 {
		t.Errorf("cached boundaries dropped during quote retry: %v", got)
	}

	m2, err := pipeline.LoadManifest(
		filepath.Join(p2.OutputDir(), ".bristlenose", "manifest.json"), "", "")
	if err != nil {
		t.Fatal(err)
	}
	if got := m2.Stages[pipeline.StageQuotes].Status; got != pipeline.StatusComplete {
		t.Errorf("quotes stage after retry = %q, want complete", got)
	}
}

func TestRun_ProviderChangeRerunsAnalysis(t *testing.T) {
	t.Parallel()
	dir := newRunDir(t)
	var out1 bytes.Buffer
	p1 := newTestPipeline(t, dir, &out1, &stageProvider{})
	if err := p1.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A different model invalidates every fingerprinted record: each analysis
	// stage runs again despite unchanged inputs.
	var out2 bytes.Buffer
	prov2 := &stageProvider{model: "other-model"}
	p2 := newTestPipeline(t, dir, &out2, prov2)
	if err := p2.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, stage := range []string{"speakerid", "topics", "quotes", "screens", "themes"} {
		if n := prov2.callCount(stage); n != 1 {
			t.Errorf("model change: %s calls = %d, want 1", stage, n)
		}
	}
}

func TestRun_EmptyInputFails(t *testing.T) {
	t.Parallel()
	var out bytes.Buffer
	p := newTestPipeline(t, t.TempDir(), &out, &stageProvider{})
	err := p.Run(context.Background())
	if err == nil {
		t.Fatal("zero processable files must fail")
	}
	if !strings.Contains(err.Error(), "no processable") {
		t.Errorf("error = %v", err)
	}
}

func TestReport_StageCounts(t *testing.T) {
	t.Parallel()
	dir := newRunDir(t)
	var out bytes.Buffer
	p := newTestPipeline(t, dir, &out, &stageProvider{})
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	var status bytes.Buffer
	if err := pipeline.Report(p.OutputDir(), &status); err != nil {
		t.Fatal(err)
	}
	s := status.String()
	if !strings.Contains(s, "quotes") || !strings.Contains(s, "complete") {
		t.Errorf("status output:\n%s", s)
	}
	if !strings.Contains(s, "2 quotes extracted across 1 sessions") {
		t.Errorf("headline counts missing:\n%s", s)
	}
}

func TestReport_NoRunYet(t *testing.T) {
	t.Parallel()
	var status bytes.Buffer
	if err := pipeline.Report(t.TempDir(), &status); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(status.String(), "No pipeline run recorded") {
		t.Errorf("output:\n%s", status.String())
	}
}
