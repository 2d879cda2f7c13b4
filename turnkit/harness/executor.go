package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/turnkit/turnkit/harness/ports"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// ExecutorConfig bounds tool execution.
type ExecutorConfig struct {
	Concurrency int           // max concurrent tool calls per turn
	Timeout     time.Duration // per-call deadline, 0 disables
}

// DefaultExecutorConfig returns sensible defaults.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		Concurrency: 4,
		Timeout:     30 * time.Second,
	}
}

// ToolExecutor runs the tool calls of one turn concurrently and joins them
// into outcomes ordered like the requests.
type ToolExecutor struct {
	cfg        ExecutorConfig
	guardrails *Guardrails
	tracer     ports.Tracer
	metrics    ports.Metrics
	logger     zerolog.Logger
}

// NewToolExecutor creates an executor. Nil guardrails disable validation.
func NewToolExecutor(cfg ExecutorConfig, guardrails *Guardrails, tracer ports.Tracer, metrics ports.Metrics, logger zerolog.Logger) *ToolExecutor {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if tracer == nil {
		tracer = &noOpTracer{}
	}
	if metrics == nil {
		metrics = &noOpMetrics{}
	}
	return &ToolExecutor{
		cfg:        cfg,
		guardrails: guardrails,
		tracer:     tracer,
		metrics:    metrics,
		logger:     logger,
	}
}

// toolBatch is the work of one ExecutingTools state.
type toolBatch struct {
	runID string
	turn  int
	calls []ports.ToolCall
	tools *ToolSet
	hook  ports.Hook
}

// batchResult holds one outcome per call plus any abort raised by a hook.
type batchResult struct {
	results     []ports.ToolResult
	aborted     bool
	abortReason string
}

// Execute runs a batch. Before-hooks run sequentially in request order and
// before anything is dispatched; after-hooks run sequentially once all calls
// have joined. A failing call never affects its siblings.
func (e *ToolExecutor) Execute(ctx context.Context, b toolBatch) batchResult {
	out := batchResult{results: make([]ports.ToolResult, len(b.calls))}
	dispatch := make([]bool, len(b.calls))
	settled := make([]bool, len(b.calls))

	for i, call := range b.calls {
		sig := b.hook.OnBeforeToolCall(ctx, ports.ToolCallEvent{RunID: b.runID, Turn: b.turn, Call: cloneCall(call)})
		switch sig.Action {
		case ports.Skip:
			out.results[i] = failedResult(call, &ToolSkippedError{Name: call.Name, Reason: sig.Reason})
			settled[i] = true
		case ports.Abort:
			out.aborted = true
			out.abortReason = sig.Reason
		default:
			dispatch[i] = true
		}
		if out.aborted {
			break
		}
	}

	if out.aborted {
		// nothing of an aborted batch is dispatched
		for i, call := range b.calls {
			if !settled[i] {
				out.results[i] = failedResult(call, &ToolSkippedError{Name: call.Name, Reason: "aborted: " + out.abortReason})
			}
		}
	} else {
		p := pool.New().WithMaxGoroutines(e.cfg.Concurrency)
		for i, call := range b.calls {
			if !dispatch[i] {
				continue
			}
			p.Go(func() {
				out.results[i] = e.invoke(ctx, b, call)
			})
		}
		p.Wait()
	}

	for i, call := range b.calls {
		sig := b.hook.OnAfterToolCall(ctx, ports.ToolResultEvent{RunID: b.runID, Turn: b.turn, Call: cloneCall(call), Result: out.results[i]})
		if sig.Action == ports.Abort && !out.aborted {
			out.aborted = true
			out.abortReason = sig.Reason
		}
	}

	return out
}

// invoke resolves, validates and runs one call, converting every failure into a failed outcome.
func (e *ToolExecutor) invoke(ctx context.Context, b toolBatch, call ports.ToolCall) ports.ToolResult {
	tool, ok := b.tools.Lookup(call.Name)
	if !ok {
		e.logger.Warn().Str("tool", call.Name).Str("call_id", call.ID).Msg("backend requested unknown tool")
		return failedResult(call, &UnknownToolError{Name: call.Name})
	}

	def, _ := b.tools.Definition(call.Name)
	if err := e.guardrails.ValidateToolCall(call, def); err != nil {
		e.logger.Warn().Str("tool", call.Name).Str("call_id", call.ID).Err(err).Msg("tool call rejected by guardrails")
		return failedResult(call, &ToolExecutionError{Name: call.Name, CallID: call.ID, Cause: err})
	}

	ctx, finish := e.tracer.StartSpan(ctx, "tool_call", map[string]any{
		"run_id":  b.runID,
		"turn":    b.turn,
		"tool":    call.Name,
		"call_id": call.ID,
	})

	start := time.Now()
	output, err := e.call(ctx, tool, normalizeArgs(call.Arguments))
	finish(err)

	var content string
	if err == nil {
		content, err = serializeOutput(output)
	}
	e.metrics.ToolCall(call.Name, time.Since(start), err != nil)

	if err != nil {
		e.logger.Warn().Str("tool", call.Name).Str("call_id", call.ID).Err(err).Msg("tool call failed")
		return failedResult(call, &ToolExecutionError{Name: call.Name, CallID: call.ID, Cause: err})
	}

	return ports.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: e.guardrails.SanitizeOutput(content),
	}
}

// call runs the tool under the configured deadline and captures panics.
// A tool that ignores its context is abandoned once the deadline passes.
func (e *ToolExecutor) call(ctx context.Context, tool ports.Tool, args json.RawMessage) (any, error) {
	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	type callResult struct {
		output any
		err    error
	}
	done := make(chan callResult, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("%w: %v", ErrToolPanic, r)}
			}
		}()
		output, err := tool.Call(ctx, args)
		done <- callResult{output: output, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s: %v", ErrToolTimeout, e.cfg.Timeout, res.err)
		}
		return res.output, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrToolTimeout, e.cfg.Timeout)
		}
		return nil, ctx.Err()
	}
}

// serializeOutput turns a tool result into history text: strings verbatim, everything else as JSON.
func serializeOutput(output any) (string, error) {
	switch v := output.(type) {
	case string:
		return v, nil
	case json.RawMessage:
		return string(v), nil
	case []byte:
		return string(v), nil
	}
	b, err := json.Marshal(output)
	if err != nil {
		return "", fmt.Errorf("tool output marshaling failed: %w", err)
	}
	return string(b), nil
}

func failedResult(call ports.ToolCall, err error) ports.ToolResult {
	return ports.ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Content: err.Error(),
		IsError: true,
	}
}

// cancelledResults synthesizes one failed outcome per call that was never dispatched.
func cancelledResults(calls []ports.ToolCall, reason string) []ports.ToolResult {
	results := make([]ports.ToolResult, len(calls))
	msg := "cancelled before execution"
	if reason != "" {
		msg += ": " + reason
	}
	for i, call := range calls {
		results[i] = failedResult(call, &ToolSkippedError{Name: call.Name, Reason: msg})
	}
	return results
}

func cloneCall(call ports.ToolCall) ports.ToolCall {
	call.Arguments = append(json.RawMessage(nil), call.Arguments...)
	return call
}
