package harness

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strings"

	ports "github.com/ZanzyTHEbar/turnkit/turnkit/harness/ports"
)

// StreamItemKind tags a StreamItem.
type StreamItemKind string

const (
	ItemText       StreamItemKind = "text"
	ItemReasoning  StreamItemKind = "reasoning"
	ItemToolCall   StreamItemKind = "tool_call"   // a fully assembled call, before dispatch
	ItemToolResult StreamItemKind = "tool_result" // an outcome, in request order
	ItemFinal      StreamItemKind = "final"       // always the last item
)

// StreamItem is one element of a streaming run.
type StreamItem struct {
	Kind       StreamItemKind
	Turn       int
	Text       string // text or reasoning fragment
	ToolCall   *ports.ToolCall
	ToolResult *ports.ToolResult
	Result     *RunResult // final item only
	Err        error      // final item only, same error Run would return
}

// RunStreaming runs the same state machine as Run over the backend's
// streaming form. Fragments are emitted as they arrive; the last item is
// ItemFinal carrying the result Run would have produced. The channel is
// closed after the final item and must be drained by the caller until ctx
// ends. Once ctx is done, fragments are dropped and the run still
// terminates; the final item then replaces undelivered fragments if the
// buffer is full, so an abandoned stream never blocks the run.
func (e *Engine) RunStreaming(ctx context.Context, prompt string, cfg *RunConfig) (<-chan StreamItem, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	runCfg := *cfg

	out := make(chan StreamItem, streamBuffer)
	go func() {
		defer close(out)
		emit := func(item StreamItem) {
			select {
			case out <- item:
			case <-ctx.Done():
			}
		}
		res, err := e.run(ctx, prompt, runCfg, e.completeStreaming, emit)
		sendFinal(ctx, out, StreamItem{Kind: ItemFinal, Turn: res.Turns, Result: res, Err: err})
	}()
	return out, nil
}

const streamBuffer = 16

// sendFinal delivers the final item. While ctx is live it blocks like any
// other item; afterwards it evicts stale fragments to make room.
func sendFinal(ctx context.Context, out chan StreamItem, final StreamItem) {
	select {
	case out <- final:
		return
	case <-ctx.Done():
	}
	for {
		select {
		case out <- final:
			return
		default:
		}
		select {
		case <-out:
		default:
		}
	}
}

// Collect drains a stream and returns its final result.
func Collect(items <-chan StreamItem) (*RunResult, error) {
	var final *StreamItem
	for item := range items {
		if item.Kind == ItemFinal {
			it := item
			final = &it
		}
	}
	if final == nil {
		return nil, errors.New("stream closed without a final item")
	}
	return final.Result, final.Err
}

// completeStreaming consumes the backend stream, re-emitting text and
// reasoning fragments and assembling the aggregate completion.
func (e *Engine) completeStreaming(ctx context.Context, turn int, req ports.CompletionRequest, emit emitFunc) (ports.Completion, error) {
	chunks, err := e.backend.Stream(ctx, req)
	if err != nil {
		return ports.Completion{}, err
	}

	agg := newStreamAggregator()
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				return agg.finalize()
			}
			if chunk.Err != nil {
				return ports.Completion{}, chunk.Err
			}
			if chunk.Reasoning != "" {
				emit(StreamItem{Kind: ItemReasoning, Turn: turn, Text: chunk.Reasoning})
			}
			if chunk.Text != "" {
				emit(StreamItem{Kind: ItemText, Turn: turn, Text: chunk.Text})
			}
			agg.add(chunk)
			if chunk.Final != nil {
				return agg.finalize()
			}
		case <-ctx.Done():
			return ports.Completion{}, context.Cause(ctx)
		}
	}
}

// streamAggregator accumulates streaming chunks into a completion.
type streamAggregator struct {
	text      strings.Builder
	reasoning strings.Builder
	calls     map[int]*partialCall
	usage     *ports.Usage
	final     *ports.Completion
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func newStreamAggregator() *streamAggregator {
	return &streamAggregator{calls: make(map[int]*partialCall)}
}

func (a *streamAggregator) add(chunk ports.StreamChunk) {
	a.text.WriteString(chunk.Text)
	a.reasoning.WriteString(chunk.Reasoning)

	if d := chunk.ToolCall; d != nil {
		pc, ok := a.calls[d.Index]
		if !ok {
			pc = &partialCall{}
			a.calls[d.Index] = pc
		}
		if d.ID != "" {
			pc.id = d.ID
		}
		if d.Name != "" {
			pc.name = d.Name
		}
		pc.args.WriteString(d.ArgumentsDelta)
	}

	// take the latest usage info
	if chunk.Usage != nil {
		u := *chunk.Usage
		a.usage = &u
	}
	if chunk.Final != nil {
		f := *chunk.Final
		a.final = &f
	}
}

// finalize prefers the backend's own aggregate and falls back to the
// assembled fragments: reasoning, then text, then tool calls by index.
func (a *streamAggregator) finalize() (ports.Completion, error) {
	if a.final != nil && len(a.final.Message.Content) > 0 {
		c := *a.final
		c.Message = c.Message.Clone()
		if c.Usage == (ports.Usage{}) && a.usage != nil {
			c.Usage = *a.usage
		}
		return c, nil
	}

	var content []ports.Content
	if a.reasoning.Len() > 0 {
		content = append(content, ports.ReasoningContent(a.reasoning.String()))
	}
	if a.text.Len() > 0 {
		content = append(content, ports.TextContent(a.text.String()))
	}

	indexes := make([]int, 0, len(a.calls))
	for idx := range a.calls {
		indexes = append(indexes, idx)
	}
	slices.Sort(indexes)
	for _, idx := range indexes {
		pc := a.calls[idx]
		var args json.RawMessage
		if pc.args.Len() > 0 {
			args = json.RawMessage(pc.args.String())
		}
		content = append(content, ports.ToolCallContent(ports.ToolCall{ID: pc.id, Name: pc.name, Arguments: args}))
	}

	if len(content) == 0 {
		return ports.Completion{}, ports.NewBackendError(ports.BackendMalformedResponse, "", "stream ended without content", nil)
	}

	c := ports.Completion{Message: ports.Message{Role: ports.RoleAssistant, Content: content}}
	if a.final != nil {
		c.Usage = a.final.Usage
		c.Message.ID = a.final.Message.ID
		c.Raw = a.final.Raw
	}
	if c.Usage == (ports.Usage{}) && a.usage != nil {
		c.Usage = *a.usage
	}
	return c, nil
}
