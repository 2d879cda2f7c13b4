package harnessports

import (
	"context"
	"encoding/json"
)

// ToolDefinition describes a callable tool exposed to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`        // unique logical name
	Description string          `json:"description"` // concise doc for model selection
	Parameters  json.RawMessage `json:"parameters"`  // JSON schema for args
}

// Tool defines the runtime that executes a tool call.
// Definition may tailor the description to the prompt of the current turn.
type Tool interface {
	Name() string
	Definition(ctx context.Context, prompt string) ToolDefinition
	Call(ctx context.Context, args json.RawMessage) (any, error)
}
