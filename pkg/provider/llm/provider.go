// Package llm defines the Provider interface for the language-model backends
// that power Bristlenose's analysis stages.
//
// A provider wraps a remote or local model API (Anthropic, OpenAI, Gemini, a
// local Ollama or OpenAI-compatible server) and exposes a uniform batch
// completion call. Only transcript text ever travels through a provider —
// media stays on the machine.
//
// Implementors must be safe for concurrent use: per-session stages call
// Complete from several goroutines under the pipeline's concurrency bound.
package llm

import "context"

// Finish reasons reported in [CompletionResponse.FinishReason].
const (
	// FinishStop is a natural end of generation.
	FinishStop = "stop"

	// FinishLength means the output-token cap was hit: the response is
	// truncated and must not be used as a structured value.
	FinishLength = "length"

	// FinishToolCalls means the model answered by invoking a tool.
	FinishToolCalls = "tool_calls"
)

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit and feed the process-wide usage tracker.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Message is a single message in the conversation sent to the model.
type Message struct {
	// Role is "system", "user", or "assistant".
	Role string

	// Content is the text content.
	Content string
}

// Tool describes a function the model may (or must) call. Bristlenose uses a
// single tool per request purely as a structured-output vehicle on providers
// with native forced-tool support.
type Tool struct {
	Name        string
	Description string

	// Parameters is the JSON Schema for the tool's arguments.
	Parameters map[string]any
}

// ToolCall is a tool invocation returned by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string
}

// CompletionRequest carries everything one model call needs.
type CompletionRequest struct {
	// SystemPrompt is the high-priority instruction. Providers without a
	// dedicated system slot prepend it as a "system"-role message.
	SystemPrompt string

	// Messages is the ordered conversation; the last message drives the
	// response.
	Messages []Message

	// Temperature controls randomness. Analysis stages run low (0–0.3).
	Temperature float64

	// MaxTokens caps completion tokens. Zero uses the provider default.
	MaxTokens int

	// Tools offered to the model. Used only for structured output.
	Tools []Tool
}

// CompletionResponse is the full model reply.
type CompletionResponse struct {
	// Content is the text reply. Empty when the model answered with a
	// tool call only.
	Content string

	// ToolCalls lists requested tool invocations.
	ToolCalls []ToolCall

	// FinishReason is one of the Finish* constants, or a provider-specific
	// value. Callers must treat [FinishLength] as a hard failure for
	// structured output.
	FinishReason string

	// Usage is the token accounting for this call.
	Usage Usage
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req and waits for the full response. It must
	// propagate context cancellation promptly.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Vendor is the provider name ("anthropic", "openai", …). Together
	// with Model it forms the provider fingerprint recorded in the
	// manifest for cache invalidation.
	Vendor() string

	// Model is the model identifier.
	Model() string
}
