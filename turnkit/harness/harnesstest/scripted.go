// Package harnesstest provides scripted collaborators for exercising the turn engine.
package harnesstest

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	ports "github.com/ZanzyTHEbar/turnkit/turnkit/harness/ports"
)

// Step is one scripted backend answer.
type Step struct {
	Completion ports.Completion
	Err        error
	Delay      time.Duration // wait before answering, cut short by ctx
}

// TextStep answers with a final text.
func TextStep(text string, usage ports.Usage) Step {
	return Step{Completion: ports.Completion{Message: ports.AssistantText(text), Usage: usage}}
}

// ToolCallStep answers with tool calls and no text.
func ToolCallStep(usage ports.Usage, calls ...ports.ToolCall) Step {
	content := make([]ports.Content, len(calls))
	for i, c := range calls {
		content[i] = ports.ToolCallContent(c)
	}
	return Step{Completion: ports.Completion{
		Message: ports.Message{Role: ports.RoleAssistant, Content: content},
		Usage:   usage,
	}}
}

// ErrorStep fails the backend call.
func ErrorStep(err error) Step {
	return Step{Err: err}
}

// Call builds a tool call with JSON-encoded arguments.
func Call(id, name string, args any) ports.ToolCall {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(err)
	}
	return ports.ToolCall{ID: id, Name: name, Arguments: raw}
}

// ScriptedBackend replays steps in order. Its streaming form splits each
// answer into small fragments and ends with the same completion Complete
// would have returned.
type ScriptedBackend struct {
	mu       sync.Mutex
	steps    []Step
	next     int
	requests []ports.CompletionRequest

	// Repeat replays the last step once the script is exhausted.
	Repeat bool
	// FragmentSize is the byte size of streamed text fragments, 3 when zero.
	FragmentSize int
	// OmitFinal streams fragments only, without the aggregate chunk.
	OmitFinal bool
}

// NewScriptedBackend creates a backend replaying steps.
func NewScriptedBackend(steps ...Step) *ScriptedBackend {
	return &ScriptedBackend{steps: steps}
}

// Complete returns the next scripted answer.
func (b *ScriptedBackend) Complete(ctx context.Context, req ports.CompletionRequest) (ports.Completion, error) {
	step, err := b.take(req)
	if err != nil {
		return ports.Completion{}, err
	}
	if err := wait(ctx, step.Delay); err != nil {
		return ports.Completion{}, ports.NewBackendError(ports.BackendNetwork, "scripted", "request aborted", err)
	}
	if step.Err != nil {
		return ports.Completion{}, step.Err
	}
	c := step.Completion
	c.Message = c.Message.Clone()
	return c, nil
}

// Stream returns the next scripted answer as fragments.
func (b *ScriptedBackend) Stream(ctx context.Context, req ports.CompletionRequest) (<-chan ports.StreamChunk, error) {
	step, err := b.take(req)
	if err != nil {
		return nil, err
	}

	out := make(chan ports.StreamChunk)
	go func() {
		defer close(out)
		send := func(c ports.StreamChunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if err := wait(ctx, step.Delay); err != nil {
			send(ports.StreamChunk{Err: ports.NewBackendError(ports.BackendNetwork, "scripted", "request aborted", err)})
			return
		}
		if step.Err != nil {
			send(ports.StreamChunk{Err: step.Err})
			return
		}

		for _, chunk := range b.fragments(step.Completion) {
			if !send(chunk) {
				return
			}
		}
	}()
	return out, nil
}

// Requests returns a copy of every request received.
func (b *ScriptedBackend) Requests() []ports.CompletionRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]ports.CompletionRequest(nil), b.requests...)
}

// Calls returns the number of backend calls received.
func (b *ScriptedBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func (b *ScriptedBackend) take(req ports.CompletionRequest) (Step, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.requests = append(b.requests, req)
	if b.next >= len(b.steps) {
		if b.Repeat && len(b.steps) > 0 {
			return b.steps[len(b.steps)-1], nil
		}
		return Step{}, ports.NewBackendError(ports.BackendProvider, "scripted", "script exhausted", nil)
	}
	step := b.steps[b.next]
	b.next++
	return step, nil
}

// fragments splits a completion into reasoning, text and tool-call deltas,
// then usage and the aggregate.
func (b *ScriptedBackend) fragments(c ports.Completion) []ports.StreamChunk {
	size := b.FragmentSize
	if size <= 0 {
		size = 3
	}

	var chunks []ports.StreamChunk
	callIndex := 0
	for _, item := range c.Message.Content {
		switch item.Kind {
		case ports.ContentText:
			for _, part := range split(item.Text, size) {
				chunks = append(chunks, ports.StreamChunk{Text: part})
			}
		case ports.ContentReasoning:
			for _, part := range split(item.Text, size) {
				chunks = append(chunks, ports.StreamChunk{Reasoning: part})
			}
		case ports.ContentToolCall:
			call := item.ToolCall
			parts := split(string(call.Arguments), size)
			if len(parts) == 0 {
				parts = []string{""}
			}
			for i, part := range parts {
				delta := &ports.ToolCallDelta{Index: callIndex, ArgumentsDelta: part}
				if i == 0 {
					delta.ID = call.ID
					delta.Name = call.Name
				}
				chunks = append(chunks, ports.StreamChunk{ToolCall: delta})
			}
			callIndex++
		}
	}

	usage := c.Usage
	chunks = append(chunks, ports.StreamChunk{Usage: &usage})

	if !b.OmitFinal {
		final := c
		final.Message = c.Message.Clone()
		chunks = append(chunks, ports.StreamChunk{Final: &final})
	}
	return chunks
}

// split cuts s into byte chunks of at most size without breaking UTF-8 runes.
func split(s string, size int) []string {
	var parts []string
	for len(s) > 0 {
		n := min(size, len(s))
		for n < len(s) && !utf8Start(s[n]) {
			n++
		}
		parts = append(parts, s[:n])
		s = s[n:]
	}
	return parts
}

func utf8Start(b byte) bool {
	return b&0xC0 != 0x80
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

var _ ports.Backend = (*ScriptedBackend)(nil)
