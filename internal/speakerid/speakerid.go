// Package speakerid classifies each session's raw speaker labels into roles,
// extracts names and job titles where speakers introduce themselves, and
// assigns the project-stable codes used on every downstream surface.
//
// Classification happens in two passes: cheap heuristics over every session,
// then a bounded-concurrency LLM refinement using the opening minutes of each
// transcript. When the model call fails for a session the heuristics stand —
// identification never aborts a run.
package speakerid

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/bristlenose/bristlenose/internal/ingest"
	"github.com/bristlenose/bristlenose/internal/llm"
	"github.com/bristlenose/bristlenose/pkg/types"
)

// contextWindowSeconds is how much of the session opening the model sees.
// Introductions and role framing almost always happen in the first minutes.
const contextWindowSeconds = 300

// SessionResult carries one session's finished identification.
type SessionResult struct {
	SessionID string

	// Codes maps raw speaker label to assigned code ("Speaker 1" → "p3").
	Codes map[string]string

	// Speakers is the enrichment record per label, in first-appearance order.
	Speakers []types.Speaker

	// LLMErr is the refinement failure, if any. Heuristic classification was
	// used instead; the error is informational.
	LLMErr error
}

// Identifier runs speaker classification and code assignment.
type Identifier struct {
	client           *llm.Client
	concurrency      int64
	participantStart int
}

// Option configures an Identifier.
type Option func(*Identifier)

// WithConcurrency bounds concurrent LLM refinement calls. Default 3.
func WithConcurrency(n int64) Option {
	return func(id *Identifier) {
		if n > 0 {
			id.concurrency = n
		}
	}
}

// WithParticipantStart sets the first participant number to assign. Resumed
// runs pass one past the highest number already recorded, so codes from a
// partial earlier run are never reissued to a different person.
func WithParticipantStart(n int) Option {
	return func(id *Identifier) {
		if n > 1 {
			id.participantStart = n
		}
	}
}

// New creates an Identifier. A nil client skips LLM refinement entirely and
// classifies by heuristics alone.
func New(client *llm.Client, opts ...Option) *Identifier {
	id := &Identifier{client: client, concurrency: 3, participantStart: 1}
	for _, o := range opts {
		o(id)
	}
	return id
}

// classification is the working state for one label before code assignment.
type classification struct {
	label      string
	role       types.Role
	personName string
	jobTitle   string
}

// Identify classifies every session's speakers and assigns codes. Sessions
// must be given in session-ID order; participant numbering advances across
// them in that order and is deterministic for a fixed input set. segments
// maps session ID to that session's merged-or-raw segment list.
func (id *Identifier) Identify(ctx context.Context, sessions []types.Session, segments map[string][]types.Segment) ([]SessionResult, error) {
	results := make([]SessionResult, len(sessions))
	classed := make([][]classification, len(sessions))

	// Pass 1: heuristics, synchronous over all sessions.
	for i, sess := range sessions {
		classed[i] = heuristics(segments[sess.ID])
	}

	// Pass 2: LLM refinement, bounded fan-out, results slotted by index so
	// completion order never affects output order.
	if id.client != nil {
		sem := semaphore.NewWeighted(id.concurrency)
		g, gctx := errgroup.WithContext(ctx)
		for i, sess := range sessions {
			if len(classed[i]) == 0 {
				continue
			}
			g.Go(func() error {
				if err := sem.Acquire(gctx, 1); err != nil {
					return err
				}
				defer sem.Release(1)
				refined, err := id.refine(gctx, sess, segments[sess.ID], classed[i])
				if err != nil {
					slog.Warn("speaker identification fell back to heuristics",
						"session", sess.ID, "error", err)
					results[i].LLMErr = err
					return nil
				}
				classed[i] = refined
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	// Pass 3: code assignment, strictly in session-ID order. Participant
	// numbering is global and never reuses a number; researcher and
	// observer numbering restarts per session.
	nextParticipant := id.participantStart
	for i, sess := range sessions {
		res := SessionResult{SessionID: sess.ID, Codes: make(map[string]string)}
		m, o := 0, 0
		for _, c := range classed[i] {
			var code string
			switch c.role {
			case types.RoleResearcher:
				m++
				code = fmt.Sprintf("m%d", m)
			case types.RoleObserver:
				o++
				code = fmt.Sprintf("o%d", o)
			default:
				code = fmt.Sprintf("p%d", nextParticipant)
				nextParticipant++
			}
			res.Codes[c.label] = code
			res.Speakers = append(res.Speakers, types.Speaker{
				SessionID:  sess.ID,
				Label:      c.label,
				Role:       normaliseRole(c.role),
				Code:       code,
				PersonName: c.personName,
				JobTitle:   c.jobTitle,
			})
		}
		tallySpeech(segments[sess.ID], &res)
		res.LLMErr = results[i].LLMErr
		results[i] = res
	}
	return results, nil
}

// Apply stamps resolved codes and roles onto a session's segments.
func Apply(segs []types.Segment, res SessionResult) {
	roles := make(map[string]types.Role, len(res.Speakers))
	for _, sp := range res.Speakers {
		roles[sp.Code] = sp.Role
	}
	for i := range segs {
		code, ok := res.Codes[segs[i].SpeakerLabel]
		if !ok {
			continue
		}
		segs[i].SpeakerCode = code
		segs[i].Role = roles[code]
	}
}

// heuristics produces the initial classification for a session's labels, in
// first-appearance order. A single-speaker session is a participant session:
// self-recorded diary studies and platform transcripts with one voice are
// overwhelmingly the interviewee.
func heuristics(segs []types.Segment) []classification {
	var order []string
	seen := make(map[string]bool)
	for _, s := range segs {
		if s.SpeakerLabel == "" || seen[s.SpeakerLabel] {
			continue
		}
		seen[s.SpeakerLabel] = true
		order = append(order, s.SpeakerLabel)
	}

	out := make([]classification, 0, len(order))
	for _, label := range order {
		c := classification{label: label, role: types.RoleUnknown}
		if !ingest.IsGenericLabel(label) {
			c.personName = label
		}
		out = append(out, c)
	}
	if len(out) == 1 {
		out[0].role = types.RoleParticipant
	}
	return out
}

// refinement is the model's response shape.
type refinement struct {
	Speakers []struct {
		Label      string `json:"label"`
		Role       string `json:"role"`
		PersonName string `json:"person_name,omitempty"`
		JobTitle   string `json:"job_title,omitempty"`
	} `json:"speakers"`
}

func refinementSchema(labels []string) map[string]any {
	labelValues := make([]any, len(labels))
	for i, l := range labels {
		labelValues[i] = l
	}
	return map[string]any{
		"type":                 "object",
		"required":             []any{"speakers"},
		"additionalProperties": false,
		"properties": map[string]any{
			"speakers": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type":                 "object",
					"required":             []any{"label", "role"},
					"additionalProperties": false,
					"properties": map[string]any{
						"label": map[string]any{"type": "string", "enum": labelValues},
						"role": map[string]any{
							"type": "string",
							"enum": []any{"researcher", "participant", "observer", "unknown"},
						},
						"person_name": map[string]any{"type": "string"},
						"job_title":   map[string]any{"type": "string"},
					},
				},
			},
		},
	}
}

const refineSystemPrompt = `You classify speakers in a user-research interview transcript.

Roles:
- "researcher": asks questions, gives tasks, moderates.
- "participant": answers questions, performs tasks, thinks aloud.
- "observer": present but mostly silent (note-taker, stakeholder).
- "unknown": cannot tell from the excerpt.

Also extract, when the transcript supports it:
- person_name: only if the speaker introduces themselves or is addressed by name.
- job_title: only if stated.

Classify every label you are given. Never invent names or titles.`

// refine sends the session opening to the model and merges its answer over
// the heuristic classification. Real names found by heuristics are kept when
// the model offers none; heuristic names are never replaced by guesses for a
// different label.
func (id *Identifier) refine(ctx context.Context, sess types.Session, segs []types.Segment, base []classification) ([]classification, error) {
	labels := make([]string, len(base))
	for i, c := range base {
		labels[i] = c.label
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Speaker labels: %s\n\nTranscript opening:\n", strings.Join(labels, ", "))
	for _, s := range segs {
		if s.Start > contextWindowSeconds {
			break
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", types.FormatTimecode(s.Start), s.SpeakerLabel, s.Text)
	}

	var resp refinement
	err := id.client.Analyse(ctx, llm.AnalyseRequest{
		Stage:        "speakerid",
		SystemPrompt: refineSystemPrompt,
		UserPrompt:   b.String(),
		SchemaName:   "classify_speakers",
		Schema:       refinementSchema(labels),
		Out:          &resp,
		Temperature:  0,
	})
	if err != nil {
		return nil, err
	}

	byLabel := make(map[string]classification)
	for _, sp := range resp.Speakers {
		role := types.Role(sp.Role)
		if !role.IsValid() {
			role = types.RoleUnknown
		}
		byLabel[sp.Label] = classification{
			label:      sp.Label,
			role:       role,
			personName: strings.TrimSpace(sp.PersonName),
			jobTitle:   strings.TrimSpace(sp.JobTitle),
		}
	}

	out := make([]classification, len(base))
	for i, c := range base {
		merged := c
		if r, ok := byLabel[c.label]; ok {
			if r.role != types.RoleUnknown {
				merged.role = r.role
			}
			if merged.personName == "" {
				merged.personName = r.personName
			}
			if merged.jobTitle == "" {
				merged.jobTitle = r.jobTitle
			}
		}
		out[i] = merged
	}
	return out, nil
}

// normaliseRole maps unknown to participant for code purposes already done by
// the caller; it only guards against invalid values sneaking through.
func normaliseRole(r types.Role) types.Role {
	if !r.IsValid() || r == types.RoleUnknown {
		return types.RoleParticipant
	}
	return r
}

// tallySpeech fills word counts and speaking time on the session's speakers.
func tallySpeech(segs []types.Segment, res *SessionResult) {
	type tally struct {
		words   int
		seconds float64
	}
	byLabel := make(map[string]*tally)
	for _, s := range segs {
		t := byLabel[s.SpeakerLabel]
		if t == nil {
			t = &tally{}
			byLabel[s.SpeakerLabel] = t
		}
		t.words += len(strings.Fields(s.Text))
		if s.End > s.Start {
			t.seconds += s.End - s.Start
		}
	}
	for i := range res.Speakers {
		if t := byLabel[res.Speakers[i].Label]; t != nil {
			res.Speakers[i].Words = t.words
			res.Speakers[i].SpeakingSeconds = t.seconds
		}
	}
}
