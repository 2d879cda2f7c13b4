package harnessports

import "context"

// Action is the control signal returned by a hook.
type Action int

const (
	Continue Action = iota
	Skip
	Abort
)

func (a Action) String() string {
	switch a {
	case Continue:
		return "continue"
	case Skip:
		return "skip"
	case Abort:
		return "abort"
	default:
		return "unknown"
	}
}

// Signal is what a hook hands back to the engine.
type Signal struct {
	Action Action
	Reason string
}

// ContinueSignal lets the engine proceed.
func ContinueSignal() Signal { return Signal{Action: Continue} }

// SkipSignal skips the current tool call with a reason.
func SkipSignal(reason string) Signal { return Signal{Action: Skip, Reason: reason} }

// AbortSignal ends the run as cancelled.
func AbortSignal(reason string) Signal { return Signal{Action: Abort, Reason: reason} }

// BackendCallEvent is passed to OnBeforeBackendCall. History is a copy.
type BackendCallEvent struct {
	RunID   string
	Turn    int
	History []Message
	Tools   []ToolDefinition
}

// ToolCallEvent is passed to OnBeforeToolCall.
type ToolCallEvent struct {
	RunID string
	Turn  int
	Call  ToolCall
}

// ToolResultEvent is passed to OnAfterToolCall.
type ToolResultEvent struct {
	RunID  string
	Turn   int
	Call   ToolCall
	Result ToolResult
}

// TerminateEvent is passed to OnTerminate.
type TerminateEvent struct {
	RunID  string
	Turn   int
	Reason TerminationReason
	Usage  Usage
	Err    error
}

// Hook observes and steers a run. Hooks only ever see copies of the
// conversation; they influence the run through the returned Signal.
//
// OnBeforeBackendCall: Skip and Abort both end the run as cancelled.
// OnBeforeToolCall: Skip synthesizes a failed outcome, Abort also cancels the run after the join.
// OnAfterToolCall: Abort cancels the run after the join.
// OnTerminate: the signal is ignored.
type Hook interface {
	OnBeforeBackendCall(ctx context.Context, ev BackendCallEvent) Signal
	OnBeforeToolCall(ctx context.Context, ev ToolCallEvent) Signal
	OnAfterToolCall(ctx context.Context, ev ToolResultEvent) Signal
	OnTerminate(ctx context.Context, ev TerminateEvent) Signal
}

// NoopHook continues at every point. Embed it to override selected methods.
type NoopHook struct{}

func (NoopHook) OnBeforeBackendCall(context.Context, BackendCallEvent) Signal {
	return ContinueSignal()
}

func (NoopHook) OnBeforeToolCall(context.Context, ToolCallEvent) Signal {
	return ContinueSignal()
}

func (NoopHook) OnAfterToolCall(context.Context, ToolResultEvent) Signal {
	return ContinueSignal()
}

func (NoopHook) OnTerminate(context.Context, TerminateEvent) Signal {
	return ContinueSignal()
}
