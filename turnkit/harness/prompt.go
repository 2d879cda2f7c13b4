package harness

import (
	"strings"

	ports "github.com/ZanzyTHEbar/turnkit/turnkit/harness/ports"
)

// PromptBuilder assembles backend requests from preamble, history, documents and tools.
type PromptBuilder struct{}

func NewPromptBuilder() *PromptBuilder { return &PromptBuilder{} }

// Build produces a CompletionRequest. History is deep-copied so a backend
// cannot alter the engine's conversation.
func (b *PromptBuilder) Build(preamble string, history []ports.Message, documents []string, tools []ports.ToolDefinition, params ports.Params) ports.CompletionRequest {
	docs := make([]string, 0, len(documents))
	for _, d := range documents {
		if d = normalizeText(d); d != "" {
			docs = append(docs, d)
		}
	}

	var defs []ports.ToolDefinition
	if len(tools) > 0 {
		defs = append(defs, tools...)
	}

	return ports.CompletionRequest{
		Preamble:  normalizeText(preamble),
		History:   ports.CloneMessages(history),
		Documents: docs,
		Tools:     defs,
		Params:    params,
	}
}

// Normalize newlines and trim whitespace to reduce prompt diffs.
func normalizeText(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}
