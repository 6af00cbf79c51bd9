package pipeline

import "errors"

// Error kinds for the orchestrator. Per-session stages absorb ErrDecode,
// ErrTranscribe, ErrProvider, and ErrRedaction into manifest records and
// warning lines; the rest are fatal.
var (
	// ErrInput marks unreadable input: no processable files, an unreadable
	// directory, an unparseable transcript during pre-flight.
	ErrInput = errors.New("input error")

	// ErrDecode marks a media-decoder subprocess failure.
	ErrDecode = errors.New("decode error")

	// ErrTranscribe marks a transcription-backend failure.
	ErrTranscribe = errors.New("transcription error")

	// ErrProvider marks an LLM call failure after retries.
	ErrProvider = errors.New("provider error")

	// ErrRedaction marks a PII analyser failure.
	ErrRedaction = errors.New("redaction error")

	// ErrManifest marks a corrupt or version-incompatible manifest.
	ErrManifest = errors.New("manifest error")
)
