package harnessports

// TurnState is the active state of a run.
type TurnState string

const (
	StateAwaitingBackendResponse TurnState = "awaiting_backend_response"
	StateExecutingTools          TurnState = "executing_tools"
	StateTerminated              TurnState = "terminated"
)

// TerminationReason explains why a run reached StateTerminated.
type TerminationReason string

const (
	ReasonFinalAnswer     TerminationReason = "final_answer"
	ReasonMaxTurnsReached TerminationReason = "max_turns_reached"
	ReasonCancelled       TerminationReason = "cancelled"
	ReasonFatalError      TerminationReason = "fatal_error"
)
