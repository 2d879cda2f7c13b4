package harness

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRunConfig is returned before a run starts when its configuration is unusable.
	ErrInvalidRunConfig = errors.New("invalid run config")
	// ErrCancelled is the cause attached to contexts cancelled by a CancelToken.
	ErrCancelled = errors.New("run cancelled")
	// ErrToolPanic wraps a recovered panic from a tool.
	ErrToolPanic = errors.New("tool panicked")
	// ErrToolTimeout is reported when a tool exceeds its deadline.
	ErrToolTimeout = errors.New("tool timed out")
	// ErrInvalidArguments is reported when tool arguments fail validation.
	ErrInvalidArguments = errors.New("invalid tool arguments")
	// ErrToolNotAllowed is reported when a tool is outside the allowlist.
	ErrToolNotAllowed = errors.New("tool not allowed")
	// ErrDuplicateTool is returned when registering a name twice.
	ErrDuplicateTool = errors.New("duplicate tool name")
)

// UnknownToolError is reported when the backend requests a tool absent from the turn's tool set.
type UnknownToolError struct {
	Name string
}

func (e *UnknownToolError) Error() string {
	return fmt.Sprintf("unknown tool: %s", e.Name)
}

// ToolExecutionError wraps a failure raised while running a tool.
type ToolExecutionError struct {
	Name   string
	CallID string
	Cause  error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Name, e.Cause)
}

func (e *ToolExecutionError) Unwrap() error {
	return e.Cause
}

// ToolSkippedError is reported when a hook skipped the call or the run was
// cancelled before it was dispatched.
type ToolSkippedError struct {
	Name   string
	Reason string
}

func (e *ToolSkippedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("tool %s skipped", e.Name)
	}
	return fmt.Sprintf("tool %s skipped: %s", e.Name, e.Reason)
}
