// Package pipeline drives the Bristlenose analysis run: stage ordering,
// bounded concurrency, the resume manifest, and intermediate artefacts.
//
// The orchestrator is the manifest's single writer. Per-session stages
// absorb individual failures into manifest records and warning lines; the
// cross-session stages and the manifest itself are fatal when they fail.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/bristlenose/bristlenose/internal/config"
	"github.com/bristlenose/bristlenose/internal/ingest"
	"github.com/bristlenose/bristlenose/internal/llm"
	"github.com/bristlenose/bristlenose/internal/media"
	"github.com/bristlenose/bristlenose/internal/merge"
	"github.com/bristlenose/bristlenose/internal/observe"
	"github.com/bristlenose/bristlenose/internal/parse"
	"github.com/bristlenose/bristlenose/internal/people"
	"github.com/bristlenose/bristlenose/internal/quotes"
	"github.com/bristlenose/bristlenose/internal/redact"
	"github.com/bristlenose/bristlenose/internal/screens"
	"github.com/bristlenose/bristlenose/internal/speakerid"
	"github.com/bristlenose/bristlenose/internal/themes"
	"github.com/bristlenose/bristlenose/internal/topics"
	"github.com/bristlenose/bristlenose/internal/transcribe"
	"github.com/bristlenose/bristlenose/internal/transcript"
	"github.com/bristlenose/bristlenose/pkg/types"
)

// Stage names as recorded in the manifest.
const (
	StageIngest     = "ingest"
	StageExtract    = "extract"
	StageParse      = "parse"
	StageTranscribe = "transcribe"
	StageSpeakerID  = "speakerid"
	StageMerge      = "merge"
	StageRedact     = "redact"
	StageTopics     = "topics"
	StageQuotes     = "quotes"
	StageScreens    = "screens"
	StageThemes     = "themes"
)

// Pipeline owns one project run.
type Pipeline struct {
	cfg     *config.Config
	client  *llm.Client
	usage   *llm.UsageTracker
	backend transcribe.Backend
	metrics *observe.Metrics
	out     io.Writer
	version string

	inputDir  string
	outputDir string
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithOutput redirects progress lines, mainly for tests.
func WithOutput(w io.Writer) Option {
	return func(p *Pipeline) { p.out = w }
}

// WithVersion stamps the pipeline version into the manifest.
func WithVersion(v string) Option {
	return func(p *Pipeline) { p.version = v }
}

// WithMetrics overrides the metric instruments.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// New assembles a pipeline. backend may be nil when every session arrives
// with an existing transcript; the transcription stage then has nothing to
// do and never touches it.
func New(cfg *config.Config, inputDir string, client *llm.Client, usage *llm.UsageTracker, backend transcribe.Backend, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		client:   client,
		usage:    usage,
		backend:  backend,
		out:      os.Stdout,
		version:  "dev",
		inputDir: inputDir,
	}
	p.outputDir = cfg.Project.OutputDir
	if p.outputDir == "" {
		p.outputDir = filepath.Join(inputDir, "bristlenose-output")
	}
	for _, o := range opts {
		o(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p
}

// OutputDir returns the resolved output directory.
func (p *Pipeline) OutputDir() string { return p.outputDir }

func (p *Pipeline) hiddenDir() string       { return filepath.Join(p.outputDir, ".bristlenose") }
func (p *Pipeline) intermediateDir() string { return filepath.Join(p.hiddenDir(), "intermediate") }
func (p *Pipeline) scratchDir() string      { return filepath.Join(p.hiddenDir(), "scratch") }
func (p *Pipeline) manifestPath() string    { return filepath.Join(p.hiddenDir(), "manifest.json") }

// run is the mutable state threaded through one invocation.
type run struct {
	manifest   *Manifest
	sessions   []types.Session
	segments   map[string][]types.Segment // merged per session
	speakers   []types.Speaker
	codes      []speakerid.SessionResult
	boundaries map[string][]types.TopicBoundary
	quoteSets  []quotes.SessionQuotes
	fingerprnt string
}

// Run executes the pipeline end to end. Per-session failures are absorbed;
// the returned error is fatal-only.
func (p *Pipeline) Run(ctx context.Context) error {
	projectName := p.cfg.Project.Name
	if projectName == "" {
		projectName = filepath.Base(p.inputDir)
	}

	manifest, err := LoadManifest(p.manifestPath(), projectName, p.version)
	if err != nil {
		return err
	}
	manifest.Project = projectName
	manifest.PipelineVersion = p.version

	r := &run{
		manifest:   manifest,
		segments:   make(map[string][]types.Segment),
		boundaries: make(map[string][]types.TopicBoundary),
	}
	if p.client != nil {
		r.fingerprnt = p.client.Fingerprint()
	}

	if err := p.ingest(ctx, r); err != nil {
		return err
	}
	p.resumeSummary(r)

	type stageFn struct {
		name string
		fn   func(context.Context, *run) error
	}
	stages := []stageFn{
		{StageExtract, p.extractAndTranscribe},
		{StageSpeakerID, p.identifySpeakers},
		{StageRedact, p.redactStage},
		{StageTopics, p.topicsAndQuotes},
		{StageScreens, p.clusterAndTheme},
	}
	for _, s := range stages {
		if err := ctx.Err(); err != nil {
			p.persist(r)
			return err
		}
		if err := s.fn(ctx, r); err != nil {
			p.persist(r)
			return err
		}
		p.persist(r)
	}

	p.finalSummary()
	return nil
}

// persist saves the manifest, logging rather than failing on error paths
// where a save failure would mask the original problem.
func (p *Pipeline) persist(r *run) {
	prompt, compl := 0, 0
	if p.usage != nil {
		prompt, compl = p.usage.Totals()
		if cost, ok := p.usage.EstimatedCost(); ok {
			r.manifest.CostEstimate = cost
		}
	}
	r.manifest.PromptTokens = prompt
	r.manifest.ComplTokens = compl
	if err := r.manifest.Save(p.manifestPath()); err != nil {
		slog.Error("failed to persist manifest", "error", err)
	}
}

// stageLine prints the per-stage check-mark progress line.
func (p *Pipeline) stageLine(name string, start time.Time, failures int) {
	elapsed := time.Since(start).Round(100 * time.Millisecond)
	if failures == 0 {
		fmt.Fprintf(p.out, "✓ %-12s %s\n", name, elapsed)
	} else {
		fmt.Fprintf(p.out, "✓ %-12s %s  (%d session(s) failed, will retry on next run)\n", name, elapsed, failures)
	}
}

// ── stage 1: ingest ──

func (p *Pipeline) ingest(ctx context.Context, r *run) error {
	start := time.Now()
	grouper := ingest.NewGrouper(parse.Probe)
	sessions, err := grouper.Group(p.inputDir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInput, err)
	}
	if len(sessions) == 0 {
		return fmt.Errorf("%w: no processable media or transcript files in %q", ErrInput, p.inputDir)
	}
	r.sessions = sessions

	if err := writeArtefact(p.intermediateDir(), artefactSessions, sessions); err != nil {
		return fmt.Errorf("%w: %v", ErrManifest, err)
	}
	r.manifest.MarkStage(StageIngest, "", "", nil)
	p.metrics.RecordStage(ctx, StageIngest, time.Since(start).Seconds())
	p.stageLine(StageIngest, start, 0)
	return nil
}

// resumeSummary emits the pre-run line when previous progress exists.
func (p *Pipeline) resumeSummary(r *run) {
	rec := r.manifest.Stages[StageQuotes]
	if rec == nil || len(rec.Sessions) == 0 {
		return
	}
	done := 0
	for _, sess := range r.sessions {
		if sr := rec.Sessions[sess.ID]; sr != nil && sr.Status == StatusComplete {
			done++
		}
	}
	if done > 0 {
		fmt.Fprintf(p.out, "Resuming: %d/%d sessions have quotes, %d remaining\n",
			done, len(r.sessions), len(r.sessions)-done)
	}
}

// ── stages 2–6: audio, parse, transcribe, merge ──

// extractAndTranscribe covers the media-to-text half of the pipeline:
// FFmpeg extraction, subtitle/document parsing, Whisper transcription, and
// the per-session source merge.
func (p *Pipeline) extractAndTranscribe(ctx context.Context, r *run) error {
	start := time.Now()

	// Input hashes are over the session's source files; they let the manifest
	// tell a re-run with changed recordings from a straight resume.
	inputHash := make(map[string]string, len(r.sessions))
	for _, sess := range r.sessions {
		h, err := hashFiles(sess.Paths)
		if err != nil {
			h = ""
		}
		inputHash[sess.ID] = h
	}

	// Sessions with an existing transcript skip decode and transcription.
	var needAudio []types.Session
	for _, s := range r.sessions {
		if !s.HasExistingTranscript {
			needAudio = append(needAudio, s)
		}
	}

	failures := 0
	wavs := make(map[string][]string)
	if len(needAudio) > 0 {
		extractor := media.NewExtractor(p.scratchDir(), media.WithMetrics(p.metrics))
		results, err := extractor.ExtractAll(ctx, needAudio)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecode, err)
		}
		for _, res := range results {
			if res.Err != nil {
				failures++
				fmt.Fprintf(p.out, "  warn: %s: audio extraction failed: %v\n", res.SessionID, res.Err)
				r.manifest.MarkSession(StageExtract, res.SessionID, "", inputHash[res.SessionID], fmt.Errorf("%w: %v", ErrDecode, res.Err))
				p.metrics.RecordSession(ctx, StageExtract, "failed")
				continue
			}
			wavs[res.SessionID] = res.WAVPaths
			r.manifest.MarkSession(StageExtract, res.SessionID, "", inputHash[res.SessionID], nil)
			p.metrics.RecordSession(ctx, StageExtract, "ok")
		}
	}

	// Parse any transcript documents each session carries.
	parsed := make(map[string][]types.Segment)
	for _, sess := range r.sessions {
		docs := 0
		var parseErr error
		for _, path := range sess.Paths {
			if !parse.Probe(path) {
				continue
			}
			docs++
			segs, err := parse.File(path, sess.ID)
			if err != nil {
				fmt.Fprintf(p.out, "  warn: %s: %v\n", sess.ID, err)
				if parseErr == nil {
					parseErr = err
				}
				continue
			}
			parsed[sess.ID] = append(parsed[sess.ID], segs...)
		}
		if docs > 0 {
			if parseErr != nil {
				failures++
			}
			r.manifest.MarkSession(StageParse, sess.ID, "", inputHash[sess.ID], parseErr)
			p.metrics.RecordSession(ctx, StageParse, sessionStatus(parseErr))
		}
	}

	// Transcribe sequentially: Whisper saturates the machine on its own.
	transcribed := make(map[string][]types.Segment)
	durations := make(map[string]float64)
	if p.backend != nil && len(wavs) > 0 {
		tr := transcribe.NewTranscriber(p.backend, filepath.Join(p.hiddenDir(), "transcripts"), transcribe.WithMetrics(p.metrics))
		for _, sess := range r.sessions {
			paths := wavs[sess.ID]
			if len(paths) == 0 {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			res := tr.Session(ctx, sess.ID, paths)
			if res.Err != nil {
				failures++
				fmt.Fprintf(p.out, "  warn: %s: transcription failed: %v\n", sess.ID, res.Err)
				r.manifest.MarkSession(StageTranscribe, sess.ID, "", inputHash[sess.ID], fmt.Errorf("%w: %v", ErrTranscribe, res.Err))
				p.metrics.RecordSession(ctx, StageTranscribe, "failed")
				continue
			}
			transcribed[sess.ID] = res.Segments
			durations[sess.ID] = res.Duration
			r.manifest.MarkSession(StageTranscribe, sess.ID, "", inputHash[sess.ID], nil)
			p.metrics.RecordSession(ctx, StageTranscribe, "ok")
		}
	}

	// Merge per session and fix durations from whatever source we have.
	for i := range r.sessions {
		sess := &r.sessions[i]
		merged := merge.Session([]merge.Source{
			{Name: "whisper", Segments: transcribed[sess.ID]},
			{Name: "document", Segments: parsed[sess.ID]},
		})
		merge.DropWordTimings(merged)
		r.segments[sess.ID] = merged
		if d := durations[sess.ID]; d > sess.Duration {
			sess.Duration = d
		}
		for _, seg := range merged {
			if seg.End > sess.Duration {
				sess.Duration = seg.End
			}
		}
	}

	if keep := p.cfg.Pipeline.KeepWAV; keep != nil && !*keep {
		for _, paths := range wavs {
			for _, wp := range paths {
				if err := os.Remove(wp); err != nil {
					slog.Debug("failed to remove scratch wav", "path", wp, "error", err)
				}
			}
		}
	}

	if err := writeArtefact(p.intermediateDir(), artefactSegments, r.segments); err != nil {
		return fmt.Errorf("%w: %v", ErrManifest, err)
	}
	r.manifest.MarkStage(StageMerge, "", "", nil)
	p.metrics.RecordStage(ctx, StageTranscribe, time.Since(start).Seconds())
	p.stageLine(StageTranscribe, start, failures)
	return nil
}

// ── stage 5b: speaker identification ──

func (p *Pipeline) identifySpeakers(ctx context.Context, r *run) error {
	start := time.Now()

	// Per-session resume: an unchanged merged transcript with a matching
	// provider fingerprint keeps its recorded speakers.
	pending, cached := p.splitResumable(r, StageSpeakerID, artefactSpeakers)

	prior := make(map[string][]types.Speaker)
	if len(cached) > 0 {
		var stored []types.Speaker
		if err := readArtefact(p.intermediateDir(), artefactSpeakers, &stored); err != nil {
			slog.Warn("failed to read cached speakers, re-identifying every session", "error", err)
			pending = r.sessions
			cached = make(map[string]bool)
		} else {
			for _, sp := range stored {
				prior[sp.SessionID] = append(prior[sp.SessionID], sp)
			}
		}
	}

	// Participant numbering continues past the highest cached code, so a
	// partial resume never reissues a p-number to a different person.
	opts := []speakerid.Option{speakerid.WithConcurrency(int64(p.llmConcurrency()))}
	if n := maxParticipantNumber(prior); n > 0 {
		opts = append(opts, speakerid.WithParticipantStart(n+1))
	}
	id := speakerid.New(p.client, opts...)
	fresh, err := id.Identify(ctx, pending, r.segments)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	freshBy := make(map[string]speakerid.SessionResult, len(fresh))
	for _, res := range fresh {
		freshBy[res.SessionID] = res
	}

	failures := 0
	for _, sess := range r.sessions {
		var res speakerid.SessionResult
		if cached[sess.ID] {
			res = rehydrateSpeakers(sess.ID, prior[sess.ID])
		} else {
			res = freshBy[sess.ID]
			if res.LLMErr != nil {
				failures++
			}
			hash, herr := hashJSON(r.segments[sess.ID])
			if herr != nil {
				hash = ""
			}
			r.manifest.MarkSession(StageSpeakerID, sess.ID, r.fingerprnt, hash, res.LLMErr)
			p.metrics.RecordSession(ctx, StageSpeakerID, sessionStatus(res.LLMErr))
		}
		speakerid.Apply(r.segments[sess.ID], res)
		r.speakers = append(r.speakers, res.Speakers...)
		r.codes = append(r.codes, res)
	}

	// People registry: computed refreshed, human edits preserved.
	regPath := filepath.Join(p.outputDir, "people.yaml")
	reg, err := people.Load(regPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInput, err)
	}
	reg.Merge(r.speakers)
	if err := reg.Save(regPath); err != nil {
		return err
	}

	if err := writeArtefact(p.intermediateDir(), artefactSpeakers, r.speakers); err != nil {
		return fmt.Errorf("%w: %v", ErrManifest, err)
	}
	if err := p.writeTranscripts(r, "transcripts-raw", r.segments); err != nil {
		return err
	}
	p.metrics.RecordStage(ctx, StageSpeakerID, time.Since(start).Seconds())
	p.stageLine(StageSpeakerID, start, failures)
	return nil
}

// ── stage 7: redaction (opt-in) ──

func (p *Pipeline) redactStage(ctx context.Context, r *run) error {
	if !p.cfg.Redaction.Enabled {
		return nil
	}
	start := time.Now()

	regPath := filepath.Join(p.outputDir, "people.yaml")
	reg, err := people.Load(regPath)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedaction, err)
	}

	redactor := redact.New(reg.Names())
	cooked := make(map[string][]types.Segment, len(r.segments))
	var audit []redact.AuditEntry
	for _, sess := range r.sessions {
		segs, entries := redactor.Segments(sess.ID, r.segments[sess.ID])
		cooked[sess.ID] = segs
		audit = append(audit, entries...)
	}

	if err := p.writeTranscripts(r, "transcripts-cooked", cooked); err != nil {
		return fmt.Errorf("%w: %v", ErrRedaction, err)
	}
	if err := writeArtefact(p.intermediateDir(), artefactAudit, audit); err != nil {
		return fmt.Errorf("%w: %v", ErrManifest, err)
	}
	r.manifest.MarkStage(StageRedact, "", "", nil)
	p.metrics.RecordStage(ctx, StageRedact, time.Since(start).Seconds())
	p.stageLine(StageRedact, start, 0)
	return nil
}

// ── stages 8–9: topics and quotes ──

// topicsAndQuotes runs topic segmentation then quote extraction. With
// chain_topics enabled the two calls are chained per session under one
// semaphore; outputs are identical either way.
func (p *Pipeline) topicsAndQuotes(ctx context.Context, r *run) error {
	start := time.Now()
	conc := int64(p.llmConcurrency())
	seg := topics.New(p.client, topics.WithConcurrency(conc))
	ex := quotes.New(p.client, quotes.WithConcurrency(conc))

	// The two stages resume independently: a session can owe quotes while
	// keeping its cached boundaries, and vice versa.
	pendingTopics, cachedTopics := p.splitResumable(r, StageTopics, artefactBoundaries)
	pendingQuotes, cachedQuotes := p.splitResumable(r, StageQuotes, artefactQuotes)

	// Carry cached boundary lists forward before anything is written, so a
	// resumed run never narrows the artefact to the fresh subset.
	if len(cachedTopics) > 0 {
		prior := make(map[string][]types.TopicBoundary)
		if err := readArtefact(p.intermediateDir(), artefactBoundaries, &prior); err != nil {
			slog.Warn("failed to read cached topic boundaries, re-segmenting every session", "error", err)
			pendingTopics = r.sessions
			cachedTopics = make(map[string]bool)
		} else {
			for id := range cachedTopics {
				r.boundaries[id] = prior[id]
			}
		}
	}

	needQuotes := make(map[string]bool, len(pendingQuotes))
	for _, sess := range pendingQuotes {
		needQuotes[sess.ID] = true
	}

	var (
		bounds    []topics.SessionBoundaries
		quoteSets []quotes.SessionQuotes
		err       error
	)
	if p.cfg.Pipeline.ChainTopics {
		bounds, quoteSets, err = p.chained(ctx, seg, ex, pendingTopics, needQuotes, r)
	} else {
		bounds, err = seg.All(ctx, pendingTopics, r.segments)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProvider, err)
	}
	for _, b := range bounds {
		r.boundaries[b.SessionID] = b.Boundaries
	}

	// Sessions still owing quotes but not covered by the chain above: ones
	// whose boundaries came from cache, or the whole set in two-fan-out mode.
	handled := make(map[string]bool, len(quoteSets))
	for _, qs := range quoteSets {
		handled[qs.SessionID] = true
	}
	var rest []types.Session
	for _, sess := range pendingQuotes {
		if !handled[sess.ID] {
			rest = append(rest, sess)
		}
	}
	if len(rest) > 0 {
		more, qerr := ex.All(ctx, rest, r.segments, r.boundaries)
		if qerr != nil {
			return fmt.Errorf("%w: %v", ErrProvider, qerr)
		}
		quoteSets = append(quoteSets, more...)
	}

	failures := p.recordTopicQuoteResults(ctx, r, bounds, quoteSets)

	// Reassemble full result set: cached sessions keep their prior output.
	r.quoteSets = p.mergeQuoteSets(r, cachedQuotes, quoteSets)

	if err := writeArtefact(p.intermediateDir(), artefactBoundaries, r.boundaries); err != nil {
		return fmt.Errorf("%w: %v", ErrManifest, err)
	}
	allQuotes := make(map[string][]types.Quote, len(r.quoteSets))
	for _, qs := range r.quoteSets {
		allQuotes[qs.SessionID] = qs.Quotes
	}
	if err := writeArtefact(p.intermediateDir(), artefactQuotes, allQuotes); err != nil {
		return fmt.Errorf("%w: %v", ErrManifest, err)
	}
	p.metrics.RecordStage(ctx, StageQuotes, time.Since(start).Seconds())
	p.stageLine(StageQuotes, start, failures)
	return nil
}

// splitResumable partitions sessions into those needing work and those whose
// stage output can be reused from a previous run. A session is cached when
// the stage's artefact exists and the manifest records it complete with a
// matching segment hash and provider fingerprint.
func (p *Pipeline) splitResumable(r *run, stage, artefact string) (pending []types.Session, cached map[string]bool) {
	cached = make(map[string]bool)
	reuse := p.cfg.Pipeline.ReuseProvider
	have := artefactExists(p.intermediateDir(), artefact)
	for _, sess := range r.sessions {
		hash, err := hashJSON(r.segments[sess.ID])
		if err != nil {
			hash = ""
		}
		if have && r.manifest.ShouldSkipSession(stage, sess.ID, r.fingerprnt, hash, reuse) {
			cached[sess.ID] = true
			continue
		}
		pending = append(pending, sess)
	}
	return pending, cached
}

// chained runs stage-8(s) → stage-9(s) per session under one bound. Quote
// extraction only runs for sessions in needQuotes; the others keep their
// cached quotes.
func (p *Pipeline) chained(ctx context.Context, seg *topics.Segmenter, ex *quotes.Extractor, pending []types.Session, needQuotes map[string]bool, r *run) ([]topics.SessionBoundaries, []quotes.SessionQuotes, error) {
	bounds := make([]topics.SessionBoundaries, len(pending))
	quoteSets := make([]quotes.SessionQuotes, len(pending))
	extracted := make([]bool, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.llmConcurrency())
	for i, sess := range pending {
		g.Go(func() error {
			b := seg.Session(gctx, sess, r.segments[sess.ID])
			bounds[i] = b
			if !needQuotes[sess.ID] {
				return nil
			}
			qb := b.Boundaries
			if b.Err != nil {
				qb = topics.Fallback(sess.ID)
			}
			quoteSets[i] = ex.Session(gctx, sess, r.segments[sess.ID], qb)
			extracted[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	var qs []quotes.SessionQuotes
	for i := range quoteSets {
		if extracted[i] {
			qs = append(qs, quoteSets[i])
		}
	}
	return bounds, qs, nil
}

// recordTopicQuoteResults writes per-session manifest records and returns
// the failure count for the progress line.
func (p *Pipeline) recordTopicQuoteResults(ctx context.Context, r *run, bounds []topics.SessionBoundaries, quoteSets []quotes.SessionQuotes) int {
	failures := 0
	for _, b := range bounds {
		hash, err := hashJSON(r.segments[b.SessionID])
		if err != nil {
			hash = ""
		}
		r.manifest.MarkSession(StageTopics, b.SessionID, r.fingerprnt, hash, b.Err)
		p.metrics.RecordSession(ctx, StageTopics, sessionStatus(b.Err))
		if b.Err != nil {
			failures++
		}
	}
	for _, qs := range quoteSets {
		hash, err := hashJSON(r.segments[qs.SessionID])
		if err != nil {
			hash = ""
		}
		r.manifest.MarkSession(StageQuotes, qs.SessionID, r.fingerprnt, hash, qs.Err)
		p.metrics.RecordSession(ctx, StageQuotes, sessionStatus(qs.Err))
		if qs.Err != nil {
			failures++
		}
	}
	return failures
}

// mergeQuoteSets combines cached and fresh per-session quotes back into
// session-ID order.
func (p *Pipeline) mergeQuoteSets(r *run, cached map[string]bool, fresh []quotes.SessionQuotes) []quotes.SessionQuotes {
	freshBy := make(map[string]quotes.SessionQuotes, len(fresh))
	for _, qs := range fresh {
		freshBy[qs.SessionID] = qs
	}

	var prior map[string][]types.Quote
	if len(cached) > 0 {
		prior = make(map[string][]types.Quote)
		if err := readArtefact(p.intermediateDir(), artefactQuotes, &prior); err != nil {
			slog.Warn("failed to read cached quotes, re-deriving nothing", "error", err)
			prior = nil
		}
	}

	out := make([]quotes.SessionQuotes, 0, len(r.sessions))
	for _, sess := range r.sessions {
		if qs, ok := freshBy[sess.ID]; ok {
			out = append(out, qs)
			continue
		}
		if cached[sess.ID] && prior != nil {
			out = append(out, quotes.SessionQuotes{SessionID: sess.ID, Quotes: prior[sess.ID]})
			continue
		}
		out = append(out, quotes.SessionQuotes{SessionID: sess.ID})
	}
	return out
}

// maxParticipantNumber finds the highest p-code number across the cached
// speaker records, zero when there are none.
func maxParticipantNumber(bySession map[string][]types.Speaker) int {
	max := 0
	for _, speakers := range bySession {
		for _, sp := range speakers {
			var n int
			if _, err := fmt.Sscanf(sp.Code, "p%d", &n); err == nil && n > max {
				max = n
			}
		}
	}
	return max
}

// rehydrateSpeakers rebuilds a session's identification result from the
// stored speaker records.
func rehydrateSpeakers(sessionID string, speakers []types.Speaker) speakerid.SessionResult {
	res := speakerid.SessionResult{
		SessionID: sessionID,
		Codes:     make(map[string]string, len(speakers)),
		Speakers:  speakers,
	}
	for _, sp := range speakers {
		res.Codes[sp.Label] = sp.Code
	}
	return res
}

// sessionStatus is the metric status attribute for a per-session outcome.
func sessionStatus(err error) string {
	if err != nil {
		return "failed"
	}
	return "ok"
}

// ── stages 10–11: screens and themes, concurrently ──

func (p *Pipeline) clusterAndTheme(ctx context.Context, r *run) error {
	start := time.Now()
	all := quotes.Flatten(r.quoteSets)
	var screenQuotes, generalQuotes []types.Quote
	for _, q := range all {
		if q.Scope == types.ScopeScreenSpecific {
			screenQuotes = append(screenQuotes, q)
		} else {
			generalQuotes = append(generalQuotes, q)
		}
	}

	// Whole-output caching: each half re-runs only when the full quote set or
	// the provider changed since the recorded completion.
	hash, err := hashJSON(all)
	if err != nil {
		hash = ""
	}
	reuse := p.cfg.Pipeline.ReuseProvider

	var (
		clusters []types.ScreenCluster
		themeSet []types.Theme
	)
	skipScreens := r.manifest.ShouldSkipStage(StageScreens, r.fingerprnt, hash,
		artefactExists(p.intermediateDir(), artefactClusters), reuse)
	if skipScreens {
		if err := readArtefact(p.intermediateDir(), artefactClusters, &clusters); err != nil {
			slog.Warn("failed to read cached screen clusters, re-clustering", "error", err)
			clusters = nil
			skipScreens = false
		}
	}
	skipThemes := r.manifest.ShouldSkipStage(StageThemes, r.fingerprnt, hash,
		artefactExists(p.intermediateDir(), artefactThemes), reuse)
	if skipThemes {
		if err := readArtefact(p.intermediateDir(), artefactThemes, &themeSet); err != nil {
			slog.Warn("failed to read cached themes, re-grouping", "error", err)
			themeSet = nil
			skipThemes = false
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if !skipScreens {
		g.Go(func() error {
			var err error
			clusters, err = screens.New(p.client).Cluster(gctx, screenQuotes)
			if err != nil {
				return fmt.Errorf("%w: screen clustering: %v", ErrProvider, err)
			}
			return nil
		})
	}
	if !skipThemes {
		g.Go(func() error {
			var err error
			themeSet, err = themes.New(p.client).Group(gctx, generalQuotes)
			if err != nil {
				return fmt.Errorf("%w: thematic grouping: %v", ErrProvider, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if !skipScreens {
			r.manifest.MarkStage(StageScreens, r.fingerprnt, "", err)
		}
		if !skipThemes {
			r.manifest.MarkStage(StageThemes, r.fingerprnt, "", err)
		}
		return err
	}

	if !skipScreens {
		if err := writeArtefact(p.intermediateDir(), artefactClusters, clusters); err != nil {
			return fmt.Errorf("%w: %v", ErrManifest, err)
		}
		r.manifest.MarkStage(StageScreens, r.fingerprnt, hash, nil)
	}
	if !skipThemes {
		if err := writeArtefact(p.intermediateDir(), artefactThemes, themeSet); err != nil {
			return fmt.Errorf("%w: %v", ErrManifest, err)
		}
		r.manifest.MarkStage(StageThemes, r.fingerprnt, hash, nil)
	}
	p.metrics.RecordStage(ctx, StageScreens, time.Since(start).Seconds())
	p.stageLine(StageScreens, start, 0)
	return nil
}

// ── output helpers ──

func (p *Pipeline) writeTranscripts(r *run, subdir string, segments map[string][]types.Segment) error {
	dir := filepath.Join(p.outputDir, subdir)
	for _, sess := range r.sessions {
		if err := transcript.WriteSession(dir, sess, segments[sess.ID]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) finalSummary() {
	if p.usage == nil {
		return
	}
	if summary := p.usage.Summary(); summary != "" {
		fmt.Fprintln(p.out, summary)
	}
}

func (p *Pipeline) llmConcurrency() int {
	if n := p.cfg.Pipeline.LLMConcurrency; n > 0 {
		return n
	}
	return 3
}
