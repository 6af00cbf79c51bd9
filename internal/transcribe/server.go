package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bristlenose/bristlenose/pkg/types"
)

// ServerBackend POSTs WAV files to a running whisper-server instance
// (whisper.cpp's REST frontend, POST /inference) and requests verbose JSON so
// segment and word timings come back with the text.
type ServerBackend struct {
	serverURL string
	model     string
	lang      string
	client    *http.Client
}

var _ Backend = (*ServerBackend)(nil)

// ServerOption configures a ServerBackend.
type ServerOption func(*ServerBackend)

// WithHTTPClient overrides the HTTP client, mainly for tests.
func WithHTTPClient(c *http.Client) ServerOption {
	return func(b *ServerBackend) { b.client = c }
}

// WithServerLanguage sets the language hint. Defaults to "en".
func WithServerLanguage(lang string) ServerOption {
	return func(b *ServerBackend) { b.lang = lang }
}

// NewServerBackend creates a backend for the whisper-server at serverURL.
func NewServerBackend(serverURL, model string, opts ...ServerOption) *ServerBackend {
	b := &ServerBackend{
		serverURL: strings.TrimRight(serverURL, "/"),
		model:     model,
		lang:      "en",
		client:    &http.Client{Timeout: 30 * time.Minute},
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Model implements Backend.
func (b *ServerBackend) Model() string { return b.model }

// serverResponse mirrors whisper-server's verbose_json shape.
type serverResponse struct {
	Segments []struct {
		Start float64 `json:"start"`
		End   float64 `json:"end"`
		Text  string  `json:"text"`
		Words []struct {
			Word  string  `json:"word"`
			Start float64 `json:"start"`
			End   float64 `json:"end"`
		} `json:"words"`
	} `json:"segments"`
	Text string `json:"text"`
}

// Transcribe implements Backend.
func (b *ServerBackend) Transcribe(ctx context.Context, wavPath, sessionID, speakerLabel string) ([]types.Segment, error) {
	wav, err := os.ReadFile(wavPath)
	if err != nil {
		return nil, fmt.Errorf("whisper-server: read %q: %w", wavPath, err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("whisper-server: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("whisper-server: write wav data: %w", err)
	}
	fields := map[string]string{
		"response_format": "verbose_json",
		"language":        b.lang,
		"model":           b.model,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("whisper-server: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisper-server: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.serverURL+"/inference", &body)
	if err != nil {
		return nil, fmt.Errorf("whisper-server: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper-server: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whisper-server: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("whisper-server: read response: %w", err)
	}

	var parsed serverResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("whisper-server: parse JSON response: %w", err)
	}

	var segs []types.Segment
	for _, s := range parsed.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		seg := types.Segment{
			SessionID:    sessionID,
			Start:        s.Start,
			End:          s.End,
			Text:         text,
			SpeakerLabel: speakerLabel,
		}
		for _, w := range s.Words {
			seg.Words = append(seg.Words, types.WordTiming{
				Text:  strings.TrimSpace(w.Word),
				Start: w.Start,
				End:   w.End,
			})
		}
		segs = append(segs, seg)
	}
	return segs, nil
}
