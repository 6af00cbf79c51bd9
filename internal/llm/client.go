// Package llm wraps a [llm.Provider] with everything the analysis stages
// need from a model call: schema-validated structured output, per-vendor
// request shaping, retries for local backends, token accounting, and an
// optional on-disk response cache.
//
// Cloud vendors get one attempt per call — a malformed response from a
// frontier model is a prompt bug, not transient noise. Local backends
// (Ollama, OpenAI-compatible servers) retry up to three times with
// exponential backoff because small models intermittently emit invalid JSON.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/bristlenose/bristlenose/internal/observe"
	"github.com/bristlenose/bristlenose/pkg/provider/llm"
)

// Sentinel errors for callers that need to distinguish failure modes.
var (
	// ErrTruncated means the model hit its output-token cap mid-response.
	// Retrying the same request will not help; raise max_tokens or shrink
	// the input.
	ErrTruncated = errors.New("response truncated at token limit")

	// ErrSchema means the response parsed as JSON but failed schema
	// validation (or did not parse at all) after all attempts.
	ErrSchema = errors.New("response did not match expected schema")
)

// localMaxAttempts is the attempt count for local backends.
const localMaxAttempts = 3

// localVendors are backends running on the user's machine, where transient
// malformed output is expected and retrying is cheap.
var localVendors = map[string]bool{
	"ollama":            true,
	"openai-compatible": true,
}

// AnalyseRequest describes one structured-output model call.
type AnalyseRequest struct {
	// Stage names the pipeline stage for metrics and log attribution.
	Stage string

	// SystemPrompt carries the stage's instructions and editorial policy.
	SystemPrompt string

	// UserPrompt carries the serialised transcript or quote material.
	UserPrompt string

	// SchemaName is a short identifier for the expected response shape,
	// used as the tool name on forced-tool vendors.
	SchemaName string

	// Schema is the JSON Schema the response must satisfy.
	Schema map[string]any

	// Out receives the parsed response. Must be a non-nil pointer.
	Out any

	// Temperature for the call. Analysis stages run low.
	Temperature float64

	// MaxTokens caps the completion. Zero uses the client default.
	MaxTokens int
}

// Client executes structured-output calls against a single provider.
// Safe for concurrent use.
type Client struct {
	provider  llm.Provider
	metrics   *observe.Metrics
	usage     *UsageTracker
	cache     *ResponseCache
	maxTokens int
	timeout   time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithMetrics sets the metric instruments. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithCache enables the on-disk response cache.
func WithCache(cache *ResponseCache) ClientOption {
	return func(c *Client) { c.cache = cache }
}

// WithDefaultMaxTokens sets the completion cap used when a request does not
// specify one.
func WithDefaultMaxTokens(n int) ClientOption {
	return func(c *Client) { c.maxTokens = n }
}

// WithRequestTimeout bounds each individual provider call. Zero means no
// per-call bound beyond the caller's context.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// NewClient wraps provider for structured-output analysis calls.
func NewClient(provider llm.Provider, tracker *UsageTracker, opts ...ClientOption) *Client {
	c := &Client{
		provider:  provider,
		usage:     tracker,
		maxTokens: 8192,
		sleep:     sleepCtx,
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c
}

// Fingerprint identifies the backing provider as "vendor/model". It is
// recorded in the run manifest so stale stage outputs can be detected when
// the user switches models.
func (c *Client) Fingerprint() string {
	return c.provider.Vendor() + "/" + c.provider.Model()
}

// Vendor returns the backing provider's vendor name.
func (c *Client) Vendor() string { return c.provider.Vendor() }

// Analyse performs one structured-output call and unmarshals the validated
// response into req.Out.
func (c *Client) Analyse(ctx context.Context, req AnalyseRequest) error {
	if req.Out == nil {
		return fmt.Errorf("llm: Analyse requires a non-nil Out")
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = c.maxTokens
	}

	if c.cache != nil {
		if raw, ok := c.cache.Get(c.Fingerprint(), req); ok {
			slog.Debug("llm response cache hit", "stage", req.Stage)
			return json.Unmarshal(raw, req.Out)
		}
	}

	attempts := 1
	if localVendors[c.provider.Vendor()] {
		attempts = localMaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			backoff := time.Duration(1<<(attempt-2)) * time.Second
			slog.Debug("retrying llm call",
				"stage", req.Stage, "attempt", attempt, "backoff", backoff)
			if err := c.sleep(ctx, backoff); err != nil {
				return err
			}
		}

		raw, err := c.complete(ctx, req)
		if err != nil {
			lastErr = err
			// Truncation and transport failures are not fixed by re-parsing;
			// only schema/parse failures are worth a local retry.
			if errors.Is(err, ErrTruncated) || ctx.Err() != nil {
				return err
			}
			c.metrics.RecordProviderRequest(ctx, c.provider.Vendor(), req.Stage, "error")
			continue
		}

		if err := c.validate(raw, req.Schema); err != nil {
			lastErr = err
			c.metrics.RecordProviderRequest(ctx, c.provider.Vendor(), req.Stage, "invalid")
			slog.Warn("llm response failed validation",
				"stage", req.Stage, "attempt", attempt, "error", err)
			continue
		}

		if err := json.Unmarshal(raw, req.Out); err != nil {
			lastErr = fmt.Errorf("%w: decode into result type: %v", ErrSchema, err)
			continue
		}

		c.metrics.RecordProviderRequest(ctx, c.provider.Vendor(), req.Stage, "ok")
		if c.cache != nil {
			c.cache.Put(c.Fingerprint(), req, raw)
		}
		return nil
	}

	c.metrics.RecordProviderError(ctx, c.provider.Vendor(), req.Stage)
	return fmt.Errorf("llm: %s stage call failed after %d attempt(s): %w", req.Stage, attempts, lastErr)
}

// complete issues one model call and returns the raw JSON payload, shaped
// per vendor: Anthropic gets a forced tool whose parameters are the schema;
// everyone else gets the schema embedded in the system prompt and must reply
// with bare JSON.
func (c *Client) complete(ctx context.Context, req AnalyseRequest) ([]byte, error) {
	c.metrics.ActiveLLMCalls.Add(ctx, 1)
	start := time.Now()
	defer func() {
		c.metrics.ActiveLLMCalls.Add(ctx, -1)
		c.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}()

	var creq llm.CompletionRequest
	forcedTool := c.provider.Vendor() == "anthropic"
	if forcedTool {
		creq = llm.CompletionRequest{
			SystemPrompt: req.SystemPrompt +
				"\n\nRespond by calling the " + req.SchemaName + " tool with your complete analysis.",
			Messages:    []llm.Message{{Role: "user", Content: req.UserPrompt}},
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			Tools: []llm.Tool{{
				Name:        req.SchemaName,
				Description: "Record the analysis result.",
				Parameters:  req.Schema,
			}},
		}
	} else {
		schemaJSON, err := json.Marshal(req.Schema)
		if err != nil {
			return nil, fmt.Errorf("llm: marshal schema: %w", err)
		}
		creq = llm.CompletionRequest{
			SystemPrompt: req.SystemPrompt +
				"\n\nRespond with a single JSON object matching this JSON Schema, and nothing else — no prose, no markdown fences:\n" +
				string(schemaJSON),
			Messages:    []llm.Message{{Role: "user", Content: req.UserPrompt}},
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		}
	}

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.provider.Complete(callCtx, creq)
	if err != nil {
		return nil, fmt.Errorf("llm: provider call: %w", err)
	}

	if c.usage != nil {
		c.usage.Record(c.provider.Vendor(), c.provider.Model(), req.Stage, resp.Usage)
	}
	c.metrics.RecordTokens(ctx, c.provider.Vendor(), c.provider.Model(),
		int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens))

	if resp.FinishReason == llm.FinishLength {
		return nil, fmt.Errorf("%w (stage %s): raise llm.max_tokens or reduce input size", ErrTruncated, req.Stage)
	}

	if forcedTool {
		if len(resp.ToolCalls) == 0 {
			// Some models answer in prose despite the forced tool; fall
			// back to treating the content as the payload.
			if strings.TrimSpace(resp.Content) != "" {
				return []byte(stripFences(resp.Content)), nil
			}
			return nil, fmt.Errorf("%w: no tool call in response", ErrSchema)
		}
		return []byte(resp.ToolCalls[0].Arguments), nil
	}
	return []byte(stripFences(resp.Content)), nil
}

// validate checks raw against the schema. A nil schema only requires valid JSON.
func (c *Client) validate(raw []byte, schema map[string]any) error {
	if !json.Valid(raw) {
		return fmt.Errorf("%w: not valid JSON", ErrSchema)
	}
	if schema == nil {
		return nil
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("llm: marshal schema: %w", err)
	}
	result, err := gojsonschema.Validate(
		gojsonschema.NewBytesLoader(schemaJSON),
		gojsonschema.NewBytesLoader(raw),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSchema, err)
	}
	if !result.Valid() {
		descs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			descs = append(descs, e.String())
		}
		return fmt.Errorf("%w: %s", ErrSchema, strings.Join(descs, "; "))
	}
	return nil
}

// stripFences removes a surrounding markdown code fence if present. Models in
// JSON mode still occasionally wrap their output in ```json blocks.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// sleepCtx sleeps for d or until ctx is cancelled.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
