package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidLLMProviders lists the recognised llm.provider values.
var ValidLLMProviders = []string{"anthropic", "openai", "gemini", "ollama", "openai-compatible"}

// ValidWhisperBackends lists the recognised whisper.backend values.
var ValidWhisperBackends = []string{"cli", "server"}

// Load reads the YAML configuration file at path, merges it over [Default],
// and returns a validated [Config]. A missing file is not an error: the
// defaults are returned so the CLI can run with zero configuration.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and validates
// the result. Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Project.LogLevel != "" && !cfg.Project.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("project.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Project.LogLevel))
	}

	if cfg.LLM.Provider != "" && !slices.Contains(ValidLLMProviders, cfg.LLM.Provider) {
		errs = append(errs, fmt.Errorf("llm.provider %q is invalid; valid values: %v", cfg.LLM.Provider, ValidLLMProviders))
	}
	if cfg.LLM.Provider == "openai-compatible" && cfg.LLM.BaseURL == "" {
		errs = append(errs, errors.New("llm.base_url is required when llm.provider is openai-compatible"))
	}
	if cfg.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	if cfg.LLM.RequestTimeoutSeconds < 0 {
		errs = append(errs, fmt.Errorf("llm.request_timeout_seconds %d must not be negative", cfg.LLM.RequestTimeoutSeconds))
	}

	if cfg.Whisper.Backend != "" && !slices.Contains(ValidWhisperBackends, cfg.Whisper.Backend) {
		errs = append(errs, fmt.Errorf("whisper.backend %q is invalid; valid values: %v", cfg.Whisper.Backend, ValidWhisperBackends))
	}
	if cfg.Whisper.Backend == "server" && cfg.Whisper.ServerURL == "" {
		errs = append(errs, errors.New("whisper.server_url is required when whisper.backend is server"))
	}

	if cfg.Pipeline.LLMConcurrency < 1 {
		errs = append(errs, fmt.Errorf("pipeline.llm_concurrency %d must be at least 1", cfg.Pipeline.LLMConcurrency))
	}

	return errors.Join(errs...)
}
