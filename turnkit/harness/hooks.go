package harness

import (
	"context"

	ports "github.com/ZanzyTHEbar/turnkit/turnkit/harness/ports"
)

// HookFuncs adapts plain functions to ports.Hook. Nil fields continue.
type HookFuncs struct {
	BeforeBackendCall func(ctx context.Context, ev ports.BackendCallEvent) ports.Signal
	BeforeToolCall    func(ctx context.Context, ev ports.ToolCallEvent) ports.Signal
	AfterToolCall     func(ctx context.Context, ev ports.ToolResultEvent) ports.Signal
	Terminate         func(ctx context.Context, ev ports.TerminateEvent) ports.Signal
}

func (h HookFuncs) OnBeforeBackendCall(ctx context.Context, ev ports.BackendCallEvent) ports.Signal {
	if h.BeforeBackendCall == nil {
		return ports.ContinueSignal()
	}
	return h.BeforeBackendCall(ctx, ev)
}

func (h HookFuncs) OnBeforeToolCall(ctx context.Context, ev ports.ToolCallEvent) ports.Signal {
	if h.BeforeToolCall == nil {
		return ports.ContinueSignal()
	}
	return h.BeforeToolCall(ctx, ev)
}

func (h HookFuncs) OnAfterToolCall(ctx context.Context, ev ports.ToolResultEvent) ports.Signal {
	if h.AfterToolCall == nil {
		return ports.ContinueSignal()
	}
	return h.AfterToolCall(ctx, ev)
}

func (h HookFuncs) OnTerminate(ctx context.Context, ev ports.TerminateEvent) ports.Signal {
	if h.Terminate == nil {
		return ports.ContinueSignal()
	}
	return h.Terminate(ctx, ev)
}

// MultiHook runs hooks in order. The first non-continue signal wins and the
// remaining hooks are not consulted, except for OnTerminate which reaches all.
type MultiHook []ports.Hook

func (m MultiHook) OnBeforeBackendCall(ctx context.Context, ev ports.BackendCallEvent) ports.Signal {
	for _, h := range m {
		if sig := h.OnBeforeBackendCall(ctx, ev); sig.Action != ports.Continue {
			return sig
		}
	}
	return ports.ContinueSignal()
}

func (m MultiHook) OnBeforeToolCall(ctx context.Context, ev ports.ToolCallEvent) ports.Signal {
	for _, h := range m {
		if sig := h.OnBeforeToolCall(ctx, ev); sig.Action != ports.Continue {
			return sig
		}
	}
	return ports.ContinueSignal()
}

func (m MultiHook) OnAfterToolCall(ctx context.Context, ev ports.ToolResultEvent) ports.Signal {
	for _, h := range m {
		if sig := h.OnAfterToolCall(ctx, ev); sig.Action != ports.Continue {
			return sig
		}
	}
	return ports.ContinueSignal()
}

func (m MultiHook) OnTerminate(ctx context.Context, ev ports.TerminateEvent) ports.Signal {
	for _, h := range m {
		h.OnTerminate(ctx, ev)
	}
	return ports.ContinueSignal()
}

var (
	_ ports.Hook = HookFuncs{}
	_ ports.Hook = MultiHook(nil)
)
