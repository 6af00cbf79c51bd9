package transcribe

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/bristlenose/bristlenose/pkg/types"
)

// CLIBackend shells out to whisper-cli (whisper.cpp) and reads its full JSON
// output, which carries token-level timestamps.
type CLIBackend struct {
	binary string
	model  string
	lang   string
}

var _ Backend = (*CLIBackend)(nil)

// CLIOption configures a CLIBackend.
type CLIOption func(*CLIBackend)

// WithCLIBinary overrides the whisper-cli path. Defaults to "whisper-cli" on PATH.
func WithCLIBinary(path string) CLIOption {
	return func(b *CLIBackend) { b.binary = path }
}

// WithCLILanguage sets the language hint. Defaults to "en".
func WithCLILanguage(lang string) CLIOption {
	return func(b *CLIBackend) { b.lang = lang }
}

// NewCLIBackend creates a whisper-cli backend for the given model identifier.
func NewCLIBackend(model string, opts ...CLIOption) *CLIBackend {
	b := &CLIBackend{binary: "whisper-cli", model: model, lang: "en"}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Model implements Backend.
func (b *CLIBackend) Model() string { return b.model }

// cliOutput mirrors the subset of whisper-cli --output-json-full we consume.
// Offsets are milliseconds from audio start.
type cliOutput struct {
	Transcription []struct {
		Offsets struct {
			From int64 `json:"from"`
			To   int64 `json:"to"`
		} `json:"offsets"`
		Text   string `json:"text"`
		Tokens []struct {
			Text    string `json:"text"`
			Offsets struct {
				From int64 `json:"from"`
				To   int64 `json:"to"`
			} `json:"offsets"`
		} `json:"tokens"`
	} `json:"transcription"`
}

// Transcribe implements Backend. The subprocess is terminated on context
// cancellation; its JSON sidecar file is written next to the WAV and removed
// after parsing.
func (b *CLIBackend) Transcribe(ctx context.Context, wavPath, sessionID, speakerLabel string) ([]types.Segment, error) {
	outPrefix := strings.TrimSuffix(wavPath, filepath.Ext(wavPath))
	args := []string{
		"-m", b.model,
		"-f", wavPath,
		"--output-json-full",
		"--output-file", outPrefix,
		"--no-prints",
	}
	if b.lang != "" {
		args = append(args, "--language", b.lang)
	}

	cmd := exec.CommandContext(ctx, b.binary, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("whisper-cli: %w (%s)", err, firstLine(out))
	}

	jsonPath := outPrefix + ".json"
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return nil, fmt.Errorf("whisper-cli: read output %q: %w", jsonPath, err)
	}
	defer os.Remove(jsonPath)

	var parsed cliOutput
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("whisper-cli: parse output: %w", err)
	}

	var segs []types.Segment
	for _, t := range parsed.Transcription {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		seg := types.Segment{
			SessionID:    sessionID,
			Start:        float64(t.Offsets.From) / 1000,
			End:          float64(t.Offsets.To) / 1000,
			Text:         text,
			SpeakerLabel: speakerLabel,
		}
		for _, tok := range t.Tokens {
			word := strings.TrimSpace(tok.Text)
			// Whisper emits special tokens like [_BEG_] alongside text.
			if word == "" || strings.HasPrefix(word, "[_") {
				continue
			}
			seg.Words = append(seg.Words, types.WordTiming{
				Text:  word,
				Start: float64(tok.Offsets.From) / 1000,
				End:   float64(tok.Offsets.To) / 1000,
			})
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

func firstLine(out []byte) string {
	s := strings.TrimSpace(string(out))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
