package config

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
)

// CredentialSource records where an API key was found, for the diagnostic
// surface ("doctor" reporting and the startup summary).
type CredentialSource string

const (
	SourceConfig  CredentialSource = "config"
	SourceStore   CredentialSource = "os-store"
	SourceEnv     CredentialSource = "env"
	SourceDotfile CredentialSource = "dotfile"
	SourceNone    CredentialSource = "none"
)

// envVarFor maps an LLM provider name to its conventional API key variable.
var envVarFor = map[string]string{
	"anthropic":         "ANTHROPIC_API_KEY",
	"openai":            "OPENAI_API_KEY",
	"gemini":            "GEMINI_API_KEY",
	"openai-compatible": "OPENAI_API_KEY",
}

// dotfilePath is the credentials dotfile location, dotenv-formatted
// (PROVIDER_API_KEY=... lines).
func dotfilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "bristlenose", "credentials")
}

// ResolveCredential returns the API key for provider and the source it came
// from. Resolution order: explicit config value, OS credential store,
// environment variable, credentials dotfile. Local providers ("ollama") need
// no key and resolve to an empty key with [SourceNone].
func ResolveCredential(ctx context.Context, cfg LLMConfig) (key string, src CredentialSource) {
	if cfg.APIKey != "" {
		return cfg.APIKey, SourceConfig
	}
	if cfg.Provider == "ollama" {
		return "", SourceNone
	}

	if k := lookupStore(ctx, cfg.Provider); k != "" {
		return k, SourceStore
	}

	envVar := envVarFor[cfg.Provider]
	if envVar != "" {
		if k := os.Getenv(envVar); k != "" {
			return k, SourceEnv
		}
	}

	if path := dotfilePath(); path != "" {
		if vars, err := godotenv.Read(path); err == nil {
			if k := vars[envVar]; k != "" {
				return k, SourceDotfile
			}
			// Also accept a provider-named key, e.g. "anthropic=sk-…".
			if k := vars[strings.ToUpper(cfg.Provider)]; k != "" {
				return k, SourceDotfile
			}
		}
	}

	return "", SourceNone
}

// lookupStore queries the platform credential store via its CLI. Media and
// keys never leave the machine; the store lookup is a local subprocess like
// every other external tool Bristlenose drives.
func lookupStore(ctx context.Context, provider string) string {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "security", "find-generic-password",
			"-s", "bristlenose", "-a", provider, "-w")
	case "linux":
		cmd = exec.CommandContext(ctx, "secret-tool", "lookup",
			"service", "bristlenose", "provider", provider)
	default:
		return ""
	}
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// DescribeCredential renders a one-line summary of where the key for the
// configured provider was found, without revealing the key itself.
func DescribeCredential(provider string, src CredentialSource) string {
	switch src {
	case SourceNone:
		if provider == "ollama" {
			return fmt.Sprintf("%s: no credential needed", provider)
		}
		return fmt.Sprintf("%s: no credential found (tried store, env, dotfile)", provider)
	default:
		return fmt.Sprintf("%s: credential from %s", provider, src)
	}
}
