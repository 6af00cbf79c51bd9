// Package types defines the shared data model used across all Bristlenose packages.
//
// These types form the lingua franca between pipeline stages and the
// orchestrator. They are intentionally minimal — each stage package defines its
// own working types, but cross-cutting structures live here to avoid circular imports.
//
// All timecodes are non-negative real seconds with millisecond precision.
// Use [FormatTimecode] and [ParseTimecode] for the on-disk `MM:SS` /
// `HH:MM:SS` display form.
package types

import "time"

// Platform identifies the meeting platform a session's files came from,
// detected from filename and folder conventions during grouping.
type Platform string

const (
	PlatformTeams      Platform = "teams"
	PlatformZoomCloud  Platform = "zoom-cloud"
	PlatformZoomLocal  Platform = "zoom-local"
	PlatformGoogleMeet Platform = "google-meet"
	PlatformGeneric    Platform = "generic"
)

// IsValid reports whether p is a recognised platform.
func (p Platform) IsValid() bool {
	switch p {
	case PlatformTeams, PlatformZoomCloud, PlatformZoomLocal, PlatformGoogleMeet, PlatformGeneric:
		return true
	}
	return false
}

// Role classifies a speaker within a session.
type Role string

const (
	RoleResearcher  Role = "researcher"
	RoleParticipant Role = "participant"
	RoleObserver    Role = "observer"
	RoleUnknown     Role = "unknown"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	switch r {
	case RoleResearcher, RoleParticipant, RoleObserver, RoleUnknown:
		return true
	}
	return false
}

// Session is a single recorded interview: one or more source files sharing a
// normalised stem (or living inside the same platform recording folder).
type Session struct {
	// ID is the stable session identifier of the form "s1", "s2", …
	// assigned in input order during grouping.
	ID string `json:"id"`

	// Paths are the source files owned by this session. A file belongs to
	// exactly one session.
	Paths []string `json:"paths"`

	// Platform is the detected meeting platform.
	Platform Platform `json:"platform"`

	// Title is the project-relative display title derived from the stem.
	Title string `json:"title"`

	// Start is the session start datetime when discoverable from filenames
	// or folder names; zero otherwise.
	Start time.Time `json:"start,omitzero"`

	// Duration is the session length in seconds, known after transcription
	// or subtitle parsing. Zero until then.
	Duration float64 `json:"duration_seconds"`

	// HasExistingTranscript is true when a member file is a VTT, SRT, or
	// DOCX that parses successfully. Such sessions skip audio extraction
	// and transcription entirely.
	HasExistingTranscript bool `json:"has_existing_transcript"`
}

// WordTiming is the per-word timing attached to transcriber output.
type WordTiming struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Segment is one contiguous utterance by one labelled speaker.
//
// Invariants: Start < End; segments within a session are ordered by Start.
type Segment struct {
	// SessionID is the owning session.
	SessionID string `json:"session_id"`

	// Start and End are offsets in seconds from session start.
	Start float64 `json:"start"`
	End   float64 `json:"end"`

	// Words holds per-word timing when the source provides it (transcriber
	// output). May be pruned after merging to shrink the working set.
	Words []WordTiming `json:"words,omitempty"`

	// Text is the raw transcript text of the utterance.
	Text string `json:"text"`

	// SpeakerLabel is the raw identifier from the source ("Speaker A",
	// "Sarah Jones", "SPEAKER_00").
	SpeakerLabel string `json:"speaker_label"`

	// SpeakerCode is the resolved project-stable code ("m1", "p3", "o1").
	// Empty until speaker identification has run.
	SpeakerCode string `json:"speaker_code,omitempty"`

	// Role is the resolved speaker role. Empty until speaker identification
	// has run.
	Role Role `json:"role,omitempty"`
}

// Speaker is a labelled voice within one session together with its resolved
// identity.
type Speaker struct {
	SessionID string `json:"session_id"`

	// Label is the per-session raw label from diarisation or document
	// metadata.
	Label string `json:"label"`

	// Role is the assigned role.
	Role Role `json:"role"`

	// Code is the project-stable code: m{k} for researchers and o{k} for
	// observers (session-local numbering), p{k} for participants (globally
	// increasing across sessions). Codes never reuse numbers.
	Code string `json:"code"`

	// PersonName is the extracted real name, when the speaker
	// self-introduces or is addressed by name. Optional.
	PersonName string `json:"person_name,omitempty"`

	// JobTitle is the extracted job title, when mentioned. Optional.
	JobTitle string `json:"job_title,omitempty"`

	// Words and SpeakingSeconds are computed per run for the people registry.
	Words           int     `json:"words"`
	SpeakingSeconds float64 `json:"speaking_seconds"`
}

// TransitionKind categorises a topic boundary within a session.
type TransitionKind string

const (
	TransitionScreenChange   TransitionKind = "screen_change"
	TransitionTopicShift     TransitionKind = "topic_shift"
	TransitionTaskChange     TransitionKind = "task_change"
	TransitionGeneralContext TransitionKind = "general_context"
)

// IsValid reports whether k is a recognised transition kind.
func (k TransitionKind) IsValid() bool {
	switch k {
	case TransitionScreenChange, TransitionTopicShift, TransitionTaskChange, TransitionGeneralContext:
		return true
	}
	return false
}

// TopicBoundary marks a transition inside a session.
//
// Invariant: every session's boundary list begins with a boundary at time 0.
type TopicBoundary struct {
	SessionID string `json:"session_id"`

	// Time is the boundary offset in seconds, within [0, session duration].
	Time float64 `json:"time"`

	// Label is a short 2–8 word description of what follows the boundary.
	Label string `json:"label"`

	// Kind is the transition category.
	Kind TransitionKind `json:"kind"`

	// Confidence is the model's confidence in [0, 1].
	Confidence float64 `json:"confidence"`
}

// Sentiment is the emotional signal attached to a quote. Empty means purely
// descriptive (no sentiment).
type Sentiment string

const (
	SentimentFrustration  Sentiment = "frustration"
	SentimentConfusion    Sentiment = "confusion"
	SentimentDoubt        Sentiment = "doubt"
	SentimentSurprise     Sentiment = "surprise"
	SentimentSatisfaction Sentiment = "satisfaction"
	SentimentDelight      Sentiment = "delight"
	SentimentConfidence   Sentiment = "confidence"
	SentimentNone         Sentiment = ""
)

// IsValid reports whether s is a recognised sentiment (including none).
func (s Sentiment) IsValid() bool {
	switch s {
	case SentimentFrustration, SentimentConfusion, SentimentDoubt, SentimentSurprise,
		SentimentSatisfaction, SentimentDelight, SentimentConfidence, SentimentNone:
		return true
	}
	return false
}

// QuoteScope distinguishes screen-specific quotes (clustered in stage 10)
// from general-context quotes (themed in stage 11).
type QuoteScope string

const (
	ScopeScreenSpecific QuoteScope = "screen-specific"
	ScopeGeneralContext QuoteScope = "general-context"
)

// IsValid reports whether s is a recognised quote scope.
func (s QuoteScope) IsValid() bool {
	return s == ScopeScreenSpecific || s == ScopeGeneralContext
}

// Quote is a verbatim participant utterance selected as evidence, after
// editorial cleanup. Quotes are produced only from participant segments —
// never from researchers.
type Quote struct {
	SessionID string `json:"session_id"`

	// SpeakerCode is the participant's code ("p1", "p4").
	SpeakerCode string `json:"speaker_code"`

	// Time is the quote's timecode in seconds from session start.
	Time float64 `json:"time"`

	// Text is the quoted speech after editorial cleanup: filler replaced
	// with ellipses, model clarifications in square brackets, non-verbal
	// cues like [laughs] preserved.
	Text string `json:"text"`

	// ResearcherContext optionally prefixes the researcher question or
	// prompt that elicited this quote.
	ResearcherContext string `json:"researcher_context,omitempty"`

	// Topic is the label of the topic the quote was emitted under.
	Topic string `json:"topic"`

	// Scope routes the quote to screen clustering or thematic grouping.
	Scope QuoteScope `json:"scope"`

	// Sentiment is one of seven values or empty when purely descriptive.
	Sentiment Sentiment `json:"sentiment,omitempty"`

	// Intensity is 1–3, or 0 when no sentiment applies.
	Intensity int `json:"intensity,omitempty"`

	// Tags are AI-suggested free-form tags.
	Tags []string `json:"tags,omitempty"`
}

// ScreenCluster is a cross-session normalised grouping of screen-specific
// quotes, ordered by logical position in the product flow.
type ScreenCluster struct {
	// Label is the canonical short screen name (2–4 words).
	Label string `json:"label"`

	// Subtitle is a one-line description of the cluster.
	Subtitle string `json:"subtitle"`

	// Quotes are the constituent quotes, in the order assigned by the model.
	Quotes []Quote `json:"quotes"`

	// Position is the cluster's place in the product flow (1-based).
	Position int `json:"position"`
}

// Theme is a cross-participant pattern over general-context quotes. Each
// quote belongs to exactly one theme.
type Theme struct {
	// Label is the theme name.
	Label string `json:"label"`

	// Subtitle is a punchy one-liner (under 15 words).
	Subtitle string `json:"subtitle"`

	// Quotes are the constituent quotes.
	Quotes []Quote `json:"quotes"`
}
