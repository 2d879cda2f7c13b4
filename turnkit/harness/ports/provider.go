package harnessports

import (
	"context"
)

// Params controls sampling, limits and tool preferences for one backend call.
type Params struct {
	Temperature *float64
	MaxTokens   int
	// ToolChoice: "auto" | "none" | "required" | specific tool name (if the backend supports it)
	ToolChoice string
	Extra      map[string]any // backend specific knobs, passed through untouched
}

// CompletionRequest aggregates everything the backend needs to produce a completion.
type CompletionRequest struct {
	Preamble  string           // system-level instruction prefixed to every call of a run
	History   []Message        // ordered conversation so far, ending with the latest user message
	Documents []string         // static context snippets
	Tools     []ToolDefinition // tool declarations available to the model this turn
	Params    Params
}

// Usage captures token accounting for cost/telemetry.
type Usage struct {
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	TotalTokens       int `json:"total_tokens"`
	CachedInputTokens int `json:"cached_input_tokens,omitempty"`
}

// Add returns the field-wise sum of u and o.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:       u.InputTokens + o.InputTokens,
		OutputTokens:      u.OutputTokens + o.OutputTokens,
		TotalTokens:       u.TotalTokens + o.TotalTokens,
		CachedInputTokens: u.CachedInputTokens + o.CachedInputTokens,
	}
}

// Completion is the backend's non-streaming response.
type Completion struct {
	Message Message // always RoleAssistant
	Usage   Usage
	Raw     any // raw provider payload for debugging/telemetry
}

// ToolCallDelta is a fragment of a tool call. Fragments sharing Index belong
// to the same call; ID and Name usually arrive on the first fragment only.
type ToolCallDelta struct {
	Index          int
	ID             string
	Name           string
	ArgumentsDelta string
}

// StreamChunk is one item of the backend's streaming response.
// A stream ends with a chunk carrying Final or Err, after which the channel is closed.
type StreamChunk struct {
	Text      string
	Reasoning string
	ToolCall  *ToolCallDelta
	Usage     *Usage      // running or final usage when the backend reports it
	Final     *Completion // aggregate equivalent to Complete's result
	Err       error
}

// Backend is the abstraction for all completion providers.
type Backend interface {
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)
}
