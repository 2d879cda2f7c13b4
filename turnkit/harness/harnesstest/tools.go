package harnesstest

import (
	"context"
	"encoding/json"
	"sync/atomic"

	ports "github.com/ZanzyTHEbar/turnkit/turnkit/harness/ports"
)

// StubTool implements Tool for testing.
type StubTool struct {
	ToolName    string
	Description string
	Schema      string
	Fn          func(ctx context.Context, args json.RawMessage) (any, error)

	calls atomic.Int64
}

func (t *StubTool) Name() string { return t.ToolName }

func (t *StubTool) Definition(ctx context.Context, prompt string) ports.ToolDefinition {
	var params json.RawMessage
	if t.Schema != "" {
		params = json.RawMessage(t.Schema)
	}
	return ports.ToolDefinition{Name: t.ToolName, Description: t.Description, Parameters: params}
}

func (t *StubTool) Call(ctx context.Context, args json.RawMessage) (any, error) {
	t.calls.Add(1)
	if t.Fn == nil {
		return "ok", nil
	}
	return t.Fn(ctx, args)
}

// Calls returns how many times the tool ran.
func (t *StubTool) Calls() int {
	return int(t.calls.Load())
}

var _ ports.Tool = (*StubTool)(nil)
