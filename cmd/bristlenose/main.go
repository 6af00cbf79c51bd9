// Command bristlenose is the local-first user-research analysis pipeline.
//
// Usage:
//
//	bristlenose run [flags] <input-dir>     analyse a directory of recordings
//	bristlenose status [flags] <dir>        report progress of a previous run
//	bristlenose version                     print the version
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/bristlenose/bristlenose/internal/config"
	"github.com/bristlenose/bristlenose/internal/llm"
	"github.com/bristlenose/bristlenose/internal/observe"
	"github.com/bristlenose/bristlenose/internal/pipeline"
	"github.com/bristlenose/bristlenose/internal/transcribe"
	providerllm "github.com/bristlenose/bristlenose/pkg/provider/llm"
	"github.com/bristlenose/bristlenose/pkg/provider/llm/anyllm"
	"github.com/bristlenose/bristlenose/pkg/provider/llm/localai"
)

// version is stamped at build time via -ldflags "-X main.version=…".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	flag.Usage = usage
	flag.Parse()

	switch flag.Arg(0) {
	case "run":
		return runAnalysis(flag.Args()[1:])
	case "status":
		return runStatus(flag.Args()[1:])
	case "clean-cache":
		return runCleanCache(flag.Args()[1:])
	case "version":
		fmt.Println("bristlenose", version)
		return 0
	case "":
		usage()
		return 2
	default:
		fmt.Fprintf(os.Stderr, "bristlenose: unknown command %q\n\n", flag.Arg(0))
		usage()
		return 2
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage:
  bristlenose run [flags] <input-dir>
  bristlenose status [flags] <dir>
  bristlenose clean-cache <dir>
  bristlenose version

Run "bristlenose run -h" or "bristlenose status -h" for command flags.
`)
}

// ── run command ──

func runAnalysis(args []string) int {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "bristlenose.yaml", "path to the YAML configuration file")
	outputDir := fs.String("output", "", "output directory (default <input>/bristlenose-output)")
	redactFlag := fs.Bool("redact", false, "enable PII redaction and cooked transcripts")
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "bristlenose run: exactly one input directory is required")
		return 2
	}
	inputDir := fs.Arg(0)
	if info, err := os.Stat(inputDir); err != nil || !info.IsDir() {
		fmt.Fprintf(os.Stderr, "bristlenose: input %q is not a directory\n", inputDir)
		return 2
	}

	// ── configuration ──
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "bristlenose: %v\n", err)
		return 1
	}
	if *outputDir != "" {
		cfg.Project.OutputDir = *outputDir
	}
	if *redactFlag {
		cfg.Redaction.Enabled = true
	}

	// ── logger ──
	slog.SetDefault(newLogger(cfg.Project.LogLevel))

	// ── signal context ──
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── telemetry ──
	_, shutdownMetrics, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "bristlenose",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Warn("metrics init failed, continuing without", "error", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownMetrics(flushCtx); err != nil {
				slog.Debug("metrics shutdown", "error", err)
			}
		}()
	}

	// ── LLM provider ──
	key, src := config.ResolveCredential(ctx, cfg.LLM)
	provider, err := buildLLMProvider(cfg.LLM, key)
	if err != nil {
		slog.Error("failed to create LLM provider", "provider", cfg.LLM.Provider, "err", err)
		return 1
	}

	resolvedOutput := cfg.Project.OutputDir
	if resolvedOutput == "" {
		resolvedOutput = filepath.Join(inputDir, "bristlenose-output")
	}

	tracker := llm.NewUsageTracker()
	clientOpts := []llm.ClientOption{}
	if cfg.LLM.MaxTokens > 0 {
		clientOpts = append(clientOpts, llm.WithDefaultMaxTokens(cfg.LLM.MaxTokens))
	}
	if cfg.LLM.RequestTimeoutSeconds > 0 {
		clientOpts = append(clientOpts, llm.WithRequestTimeout(time.Duration(cfg.LLM.RequestTimeoutSeconds)*time.Second))
	}
	if cfg.Pipeline.ResponseCache {
		cache, err := llm.NewResponseCache(filepath.Join(resolvedOutput, ".bristlenose", "cache"))
		if err != nil {
			slog.Warn("response cache unavailable", "error", err)
		} else {
			clientOpts = append(clientOpts, llm.WithCache(cache))
		}
	}
	client := llm.NewClient(provider, tracker, clientOpts...)

	// ── whisper backend ──
	backend := buildWhisperBackend(cfg.Whisper)

	// ── startup summary ──
	fmt.Printf("bristlenose %s\n", version)
	fmt.Printf("  input:      %s\n", inputDir)
	fmt.Printf("  output:     %s\n", resolvedOutput)
	fmt.Printf("  model:      %s/%s\n", cfg.LLM.Provider, cfg.LLM.Model)
	fmt.Printf("  whisper:    %s (%s)\n", cfg.Whisper.Backend, cfg.Whisper.Model)
	fmt.Printf("  credential: %s\n", config.DescribeCredential(cfg.LLM.Provider, src))
	if cfg.Redaction.Enabled {
		fmt.Println("  redaction:  enabled")
	}
	fmt.Println()

	// ── pipeline ──
	p := pipeline.New(cfg, inputDir, client, tracker, backend, pipeline.WithVersion(version))
	if err := p.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			slog.Error("run interrupted; progress saved, re-run to resume")
		} else {
			slog.Error("run failed", "err", err)
		}
		return 1
	}
	return 0
}

// buildLLMProvider constructs the configured provider. The key never appears
// in logs or errors.
func buildLLMProvider(cfg config.LLMConfig, key string) (providerllm.Provider, error) {
	switch cfg.Provider {
	case "openai-compatible":
		opts := []localai.Option{}
		if key != "" {
			opts = append(opts, localai.WithAPIKey(key))
		}
		if cfg.RequestTimeoutSeconds > 0 {
			opts = append(opts, localai.WithTimeout(time.Duration(cfg.RequestTimeoutSeconds)*time.Second))
		}
		return localai.New(cfg.BaseURL, cfg.Model, opts...)
	case "ollama":
		opts := []anyllmlib.Option{}
		if cfg.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
		}
		return anyllm.New(cfg.Provider, cfg.Model, opts...)
	default:
		opts := []anyllmlib.Option{}
		if key != "" {
			opts = append(opts, anyllmlib.WithAPIKey(key))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.BaseURL))
		}
		return anyllm.New(cfg.Provider, cfg.Model, opts...)
	}
}

// buildWhisperBackend constructs the transcription backend per config.
func buildWhisperBackend(cfg config.WhisperConfig) transcribe.Backend {
	if cfg.Backend == "server" {
		opts := []transcribe.ServerOption{}
		if cfg.Language != "" {
			opts = append(opts, transcribe.WithServerLanguage(cfg.Language))
		}
		return transcribe.NewServerBackend(cfg.ServerURL, cfg.Model, opts...)
	}
	opts := []transcribe.CLIOption{}
	if cfg.BinaryPath != "" {
		opts = append(opts, transcribe.WithCLIBinary(cfg.BinaryPath))
	}
	if cfg.Language != "" {
		opts = append(opts, transcribe.WithCLILanguage(cfg.Language))
	}
	return transcribe.NewCLIBackend(cfg.Model, opts...)
}

// ── status command ──

func runStatus(args []string) int {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "bristlenose status: exactly one directory is required")
		return 2
	}
	dir := fs.Arg(0)

	// Accept either the output directory itself or the input directory whose
	// default output location exists beside it.
	if _, err := os.Stat(filepath.Join(dir, ".bristlenose")); err != nil {
		if candidate := filepath.Join(dir, "bristlenose-output"); dirExists(filepath.Join(candidate, ".bristlenose")) {
			dir = candidate
		}
	}

	if err := pipeline.Report(dir, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "bristlenose: %v\n", err)
		return 1
	}
	return 0
}

// ── clean-cache command ──

// runCleanCache removes the hidden state directory (manifest, intermediate
// artefacts, transcript and response caches), forcing the next run to start
// from scratch. Visible outputs are left untouched.
func runCleanCache(args []string) int {
	fs := flag.NewFlagSet("clean-cache", flag.ExitOnError)
	fs.Parse(args)

	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "bristlenose clean-cache: exactly one directory is required")
		return 2
	}
	dir := fs.Arg(0)
	if !dirExists(filepath.Join(dir, ".bristlenose")) {
		if candidate := filepath.Join(dir, "bristlenose-output"); dirExists(filepath.Join(candidate, ".bristlenose")) {
			dir = candidate
		}
	}

	hidden := filepath.Join(dir, ".bristlenose")
	if !dirExists(hidden) {
		fmt.Printf("no cached state under %s\n", dir)
		return 0
	}
	if err := os.RemoveAll(hidden); err != nil {
		fmt.Fprintf(os.Stderr, "bristlenose: %v\n", err)
		return 1
	}
	fmt.Printf("removed %s\n", hidden)
	return 0
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// ── logger ──

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
