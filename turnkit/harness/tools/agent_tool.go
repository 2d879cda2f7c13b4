package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ZanzyTHEbar/turnkit/turnkit/harness"
	ports "github.com/ZanzyTHEbar/turnkit/turnkit/harness/ports"
)

// agentArgs is the argument object of an AgentTool.
type agentArgs struct {
	Prompt string `json:"prompt" jsonschema:"description=Task for the sub-agent, self-contained"`
}

// AgentTool exposes a whole engine run as a tool, letting one agent delegate to another.
type AgentTool struct {
	name        string
	description string
	engine      *harness.Engine
	template    harness.RunConfig
	schema      json.RawMessage
}

// NewAgentTool wraps engine. Every call runs template with the prompt the backend supplied.
func NewAgentTool(name, description string, engine *harness.Engine, template harness.RunConfig) *AgentTool {
	schema, err := SchemaFor[agentArgs]()
	if err != nil {
		panic(err)
	}
	return &AgentTool{
		name:        name,
		description: description,
		engine:      engine,
		template:    template,
		schema:      schema,
	}
}

func (t *AgentTool) Name() string { return t.name }

func (t *AgentTool) Definition(ctx context.Context, prompt string) ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        t.name,
		Description: t.description,
		Parameters:  append(json.RawMessage(nil), t.schema...),
	}
}

// Call runs the nested engine. Only a final answer counts as success.
func (t *AgentTool) Call(ctx context.Context, args json.RawMessage) (any, error) {
	var in agentArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", harness.ErrInvalidArguments, err)
	}
	if in.Prompt == "" {
		return nil, fmt.Errorf("%w: prompt is required", harness.ErrInvalidArguments)
	}

	cfg := t.template
	res, err := t.engine.Run(ctx, in.Prompt, &cfg)
	if err != nil {
		return nil, fmt.Errorf("agent %s failed: %w", t.name, err)
	}
	if res.Reason != ports.ReasonFinalAnswer {
		return nil, fmt.Errorf("agent %s ended without a final answer: %s", t.name, res.Note)
	}
	return res.Text, nil
}

var _ ports.Tool = (*AgentTool)(nil)
