// Package config provides the configuration schema, loader, and credential
// resolution for the Bristlenose pipeline.
package config

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Bristlenose. It is typically
// loaded from a YAML file using [Load] or [LoadFromReader]; every field has a
// usable default so a missing config file is not an error for the CLI.
type Config struct {
	Project   ProjectConfig   `yaml:"project"`
	LLM       LLMConfig       `yaml:"llm"`
	Whisper   WhisperConfig   `yaml:"whisper"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Redaction RedactionConfig `yaml:"redaction"`
}

// ProjectConfig holds project-level settings.
type ProjectConfig struct {
	// Name is the project display name used in the report and manifest.
	// Defaults to the input directory's base name.
	Name string `yaml:"name"`

	// OutputDir overrides the default `<input>/bristlenose-output/` location.
	OutputDir string `yaml:"output_dir"`

	// LogLevel controls verbosity. Defaults to info.
	LogLevel LogLevel `yaml:"log_level"`
}

// LLMConfig selects the language-model backend used by the analysis stages.
type LLMConfig struct {
	// Provider is one of: "anthropic", "openai", "gemini", "ollama",
	// "openai-compatible".
	Provider string `yaml:"provider"`

	// Model is the model identifier (e.g. "claude-sonnet-4-5",
	// "gpt-4o", "gemini-2.0-flash").
	Model string `yaml:"model"`

	// APIKey is the provider key. Usually left empty here and resolved via
	// the OS credential store, environment, or the credentials dotfile —
	// see [ResolveCredential].
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint. Required for
	// "openai-compatible" (e.g. "http://localhost:8080/v1").
	BaseURL string `yaml:"base_url"`

	// RequestTimeoutSeconds bounds each LLM call. Defaults to 600 —
	// generous enough for long structured responses.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`

	// MaxTokens caps output tokens per call. Zero uses per-stage defaults.
	MaxTokens int `yaml:"max_tokens"`
}

// WhisperConfig selects the transcription backend.
type WhisperConfig struct {
	// Backend is "cli" (shell out to whisper-cli) or "server" (HTTP to a
	// running whisper-server). Defaults to "cli".
	Backend string `yaml:"backend"`

	// Model is the whisper model identifier (e.g. "large-v3-turbo").
	// Part of the transcription cache key.
	Model string `yaml:"model"`

	// BinaryPath locates whisper-cli when Backend is "cli". Defaults to
	// "whisper-cli" on PATH.
	BinaryPath string `yaml:"binary_path"`

	// ServerURL locates whisper-server when Backend is "server".
	ServerURL string `yaml:"server_url"`

	// Language is the BCP-47 language hint passed to the backend.
	Language string `yaml:"language"`
}

// PipelineConfig tunes orchestration behaviour.
type PipelineConfig struct {
	// LLMConcurrency bounds concurrent per-session LLM calls in the
	// speaker-identification, topic, and quote stages. Defaults to 3.
	LLMConcurrency int `yaml:"llm_concurrency"`

	// ChainTopics runs quote extraction immediately after a session's topic
	// segmentation finishes instead of draining the whole topic stage first.
	// Outputs are identical either way; chaining lifts utilisation.
	ChainTopics bool `yaml:"chain_topics"`

	// KeepWAV retains extracted scratch WAV files after transcription.
	// Defaults to true; set false to delete them per session once transcribed.
	KeepWAV *bool `yaml:"keep_wav"`

	// ReuseProvider accepts cached stage artefacts even when the recorded
	// provider fingerprint differs from the currently configured one.
	ReuseProvider bool `yaml:"reuse_provider"`

	// ResponseCache enables the hash-keyed LLM response cache under
	// .bristlenose/cache/. Intended for local backends.
	ResponseCache bool `yaml:"response_cache"`
}

// RedactionConfig controls the opt-in PII redaction stage.
type RedactionConfig struct {
	// Enabled turns on PII redaction and the cooked transcript output.
	Enabled bool `yaml:"enabled"`
}

// Default returns a Config populated with the documented defaults.
func Default() *Config {
	keep := true
	return &Config{
		Project: ProjectConfig{
			LogLevel: LogInfo,
		},
		LLM: LLMConfig{
			Provider:              "anthropic",
			Model:                 "claude-sonnet-4-5",
			RequestTimeoutSeconds: 600,
		},
		Whisper: WhisperConfig{
			Backend:  "cli",
			Model:    "large-v3-turbo",
			Language: "en",
		},
		Pipeline: PipelineConfig{
			LLMConcurrency: 3,
			KeepWAV:        &keep,
		},
	}
}
