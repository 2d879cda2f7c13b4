package harness

import (
	"context"
	"fmt"
	"time"

	ports "github.com/ZanzyTHEbar/turnkit/turnkit/harness/ports"
	"github.com/google/uuid"
)

// emitFunc receives items as the run produces them. Run passes a no-op.
type emitFunc func(StreamItem)

// completer performs one backend call. Run and RunStreaming differ only here.
type completer func(ctx context.Context, turn int, req ports.CompletionRequest, emit emitFunc) (ports.Completion, error)

// runState is the bookkeeping of one run. It is owned by a single goroutine.
type runState struct {
	e      *Engine
	cfg    RunConfig
	hook   ports.Hook
	emit   emitFunc
	runID  string
	prompt string
	docs   []string

	history []ports.Message
	start   int // index of the run's first message in history
	usage   ports.Usage
	turn    int
	calls   int
	state   ports.TurnState
}

// run is the state machine shared by Run and RunStreaming.
func (e *Engine) run(ctx context.Context, prompt string, cfg RunConfig, complete completer, emit emitFunc) (*RunResult, error) {
	if emit == nil {
		emit = func(StreamItem) {}
	}
	hook := cfg.Hook
	if hook == nil {
		hook = ports.NoopHook{}
	}

	r := &runState{
		e:      e,
		cfg:    cfg,
		hook:   hook,
		emit:   emit,
		runID:  uuid.NewString(),
		prompt: prompt,
		docs:   e.assembler.Pack(cfg.Documents, nil),
	}

	ctx, finish := e.tracer.StartSpan(ctx, "run", map[string]any{
		"run_id":          r.runID,
		"max_turns":       cfg.MaxTurns,
		"conversation_id": cfg.ConversationID,
	})

	r.history = e.priorHistory(ctx, cfg)
	r.start = len(r.history)
	r.history = append(r.history, ports.UserText(r.prompt))

	res, err := r.loop(ctx, complete)
	finish(err)
	return res, err
}

func (r *runState) loop(ctx context.Context, complete completer) (*RunResult, error) {
	e := r.e
	for r.turn = 1; ; r.turn++ {
		if reason, ok := r.cancelled(ctx); ok {
			return r.terminate(ctx, ports.ReasonCancelled, reason, nil)
		}

		tools := r.cfg.Tools.Resolve(ctx, normalizeText(r.prompt))
		defs := tools.Definitions()
		req := e.builder.Build(r.cfg.Preamble, r.history, r.docs, defs, r.cfg.Params)

		sig := r.hook.OnBeforeBackendCall(ctx, ports.BackendCallEvent{
			RunID:   r.runID,
			Turn:    r.turn,
			History: ports.CloneMessages(r.history),
			Tools:   tools.Definitions(),
		})
		if sig.Action != ports.Continue {
			return r.terminate(ctx, ports.ReasonCancelled, hookReason(sig), nil)
		}

		r.transition(ctx, ports.StateAwaitingBackendResponse)
		completion, err := r.callBackend(ctx, complete, req)
		if err != nil {
			if reason, ok := r.cancelled(ctx); ok {
				return r.terminate(ctx, ports.ReasonCancelled, reason, nil)
			}
			return r.terminate(ctx, ports.ReasonFatalError, "", ports.AsBackendError(err))
		}
		r.usage = r.usage.Add(completion.Usage)

		msg, err := r.assistantMessage(completion)
		if err != nil {
			return r.terminate(ctx, ports.ReasonFatalError, "", err)
		}

		calls := msg.ToolCalls()
		if len(calls) == 0 {
			r.history = append(r.history, msg)
			return r.terminate(ctx, ports.ReasonFinalAnswer, "", nil)
		}

		for _, call := range calls {
			c := cloneCall(call)
			r.emit(StreamItem{Kind: ItemToolCall, Turn: r.turn, ToolCall: &c})
		}

		if reason, ok := r.cancelled(ctx); ok {
			r.appendTurn(msg, cancelledResults(calls, reason))
			return r.terminate(ctx, ports.ReasonCancelled, reason, nil)
		}

		r.transition(ctx, ports.StateExecutingTools)
		out := e.executor.Execute(ctx, toolBatch{
			runID: r.runID,
			turn:  r.turn,
			calls: calls,
			tools: tools,
			hook:  r.hook,
		})
		r.appendTurn(msg, out.results)

		if out.aborted {
			return r.terminate(ctx, ports.ReasonCancelled, hookReason(ports.AbortSignal(out.abortReason)), nil)
		}
		if reason, ok := r.cancelled(ctx); ok {
			return r.terminate(ctx, ports.ReasonCancelled, reason, nil)
		}
		if r.turn >= r.cfg.MaxTurns {
			return r.terminate(ctx, ports.ReasonMaxTurnsReached, "", nil)
		}
	}
}

// callBackend performs one rate-limited, traced backend call. The call's
// context is cancelled when the run's token fires.
func (r *runState) callBackend(ctx context.Context, complete completer, req ports.CompletionRequest) (ports.Completion, error) {
	e := r.e
	ctx, cancel := r.cfg.Cancel.bind(ctx)
	defer cancel()

	release, err := e.limiter.Acquire(ctx, "backend")
	if err != nil {
		return ports.Completion{}, fmt.Errorf("rate limiter: %w", err)
	}
	defer release()

	ctx, finish := e.tracer.StartSpan(ctx, "backend_call", map[string]any{
		"run_id":     r.runID,
		"turn":       r.turn,
		"history":    len(req.History),
		"tool_count": len(req.Tools),
	})

	start := time.Now()
	completion, err := complete(ctx, r.turn, req, r.emit)
	elapsed := time.Since(start)
	finish(err)

	r.calls++
	e.metrics.BackendCall(elapsed, err)
	e.logger.Debug().
		Str("run_id", r.runID).
		Int("turn", r.turn).
		Dur("elapsed", elapsed).
		Err(err).
		Msg("backend call finished")

	return completion, err
}

// assistantMessage validates the backend's message and fills missing call ids.
func (r *runState) assistantMessage(c ports.Completion) (ports.Message, error) {
	msg := c.Message.Clone()
	msg.Role = ports.RoleAssistant
	if len(msg.Content) == 0 {
		return ports.Message{}, ports.NewBackendError(ports.BackendMalformedResponse, "", "empty assistant message", nil)
	}

	seen := make(map[string]bool)
	n := 0
	for i := range msg.Content {
		call := msg.Content[i].ToolCall
		if msg.Content[i].Kind != ports.ContentToolCall || call == nil {
			continue
		}
		if call.ID == "" {
			call.ID = fmt.Sprintf("call_%d_%d", r.turn, n)
		}
		if seen[call.ID] {
			return ports.Message{}, ports.NewBackendError(ports.BackendMalformedResponse, "",
				fmt.Sprintf("duplicate tool call id %q", call.ID), nil)
		}
		seen[call.ID] = true
		n++
	}
	return msg, nil
}

// appendTurn appends the assistant message and one user message holding all
// outcomes in request order.
func (r *runState) appendTurn(msg ports.Message, results []ports.ToolResult) {
	r.history = append(r.history, msg)

	content := make([]ports.Content, len(results))
	for i, res := range results {
		content[i] = ports.ToolResultContent(res)
		rc := res
		r.emit(StreamItem{Kind: ItemToolResult, Turn: r.turn, ToolResult: &rc})
	}
	r.history = append(r.history, ports.Message{Role: ports.RoleUser, Content: content})
}

// cancelled is the checkpoint test: the token or the caller's context.
func (r *runState) cancelled(ctx context.Context) (string, bool) {
	if r.cfg.Cancel.Cancelled() {
		return r.cfg.Cancel.Reason(), true
	}
	if ctx.Err() != nil {
		return context.Cause(ctx).Error(), true
	}
	return "", false
}

func (r *runState) transition(ctx context.Context, to ports.TurnState) {
	r.e.logger.Debug().
		Str("run_id", r.runID).
		Int("turn", r.turn).
		Str("from", string(r.state)).
		Str("to", string(to)).
		Msg("state transition")
	r.e.tracer.Event(ctx, "transition", map[string]any{
		"run_id": r.runID,
		"turn":   r.turn,
		"from":   string(r.state),
		"to":     string(to),
	})
	r.state = to
}

// terminate moves to Terminated and builds the result. Hooks, metrics and
// persistence observe every termination path.
func (r *runState) terminate(ctx context.Context, reason ports.TerminationReason, detail string, err error) (*RunResult, error) {
	e := r.e
	r.transition(ctx, ports.StateTerminated)

	res := &RunResult{
		RunID:   r.runID,
		History: ports.CloneMessages(r.history),
		Usage:   r.usage,
		Reason:  reason,
		Turns:   r.calls,
	}

	switch reason {
	case ports.ReasonFinalAnswer:
		res.Text = r.history[len(r.history)-1].Text()
	case ports.ReasonMaxTurnsReached:
		res.Text = r.lastAssistantText()
		res.Note = fmt.Sprintf("maximum turns (%d) reached before a final answer", r.cfg.MaxTurns)
	case ports.ReasonCancelled:
		res.Text = r.lastAssistantText()
		res.Note = "run cancelled"
		if detail != "" {
			res.Note += ": " + detail
		}
	case ports.ReasonFatalError:
		res.Note = err.Error()
	}

	r.hook.OnTerminate(ctx, ports.TerminateEvent{
		RunID:  r.runID,
		Turn:   r.turn,
		Reason: reason,
		Usage:  r.usage,
		Err:    err,
	})
	e.metrics.RunFinished(reason, r.calls, r.usage)
	e.saveRun(ctx, r, res)

	event := e.logger.Info()
	if err != nil {
		event = e.logger.Warn().Err(err)
	}
	event.
		Str("run_id", r.runID).
		Str("reason", string(reason)).
		Int("turns", r.calls).
		Int("total_tokens", r.usage.TotalTokens).
		Msg("run finished")

	return res, err
}

func (r *runState) lastAssistantText() string {
	for i := len(r.history) - 1; i >= r.start; i-- {
		m := r.history[i]
		if m.Role != ports.RoleAssistant {
			continue
		}
		if text := m.Text(); text != "" {
			return text
		}
	}
	return ""
}

func hookReason(sig ports.Signal) string {
	if sig.Reason == "" {
		return "hook " + sig.Action.String()
	}
	return "hook " + sig.Action.String() + ": " + sig.Reason
}

// priorHistory returns stored conversation messages followed by the caller's history.
func (e *Engine) priorHistory(ctx context.Context, cfg RunConfig) []ports.Message {
	var history []ports.Message
	if cfg.ConversationID != "" && cfg.LoadHistory > 0 {
		loaded, err := e.store.LoadHistory(ctx, cfg.ConversationID, cfg.LoadHistory)
		if err != nil {
			// Log but don't fail
			e.logger.Warn().Err(err).Str("conversation_id", cfg.ConversationID).Msg("failed to load conversation history")
		} else {
			history = append(history, loaded...)
		}
	}
	return append(history, ports.CloneMessages(cfg.History)...)
}

// saveRun persists the messages produced by the run. Failures never change the result.
func (e *Engine) saveRun(ctx context.Context, r *runState, res *RunResult) {
	if r.cfg.ConversationID == "" {
		return
	}
	rec := ports.RunRecord{
		ConversationID: r.cfg.ConversationID,
		RunID:          r.runID,
		Messages:       res.History[r.start:],
		Reason:         res.Reason,
		Usage:          res.Usage,
		Turns:          res.Turns,
	}
	if err := e.store.SaveRun(context.WithoutCancel(ctx), rec); err != nil {
		// Log but don't fail
		e.logger.Warn().Err(err).Str("conversation_id", r.cfg.ConversationID).Msg("failed to persist run")
		e.tracer.Event(ctx, "store_error", map[string]any{"error": err.Error()})
	}
}
