package harnessports

import "time"

// Metrics records run, backend and tool measurements.
type Metrics interface {
	BackendCall(d time.Duration, err error)
	ToolCall(name string, d time.Duration, failed bool)
	RunFinished(reason TerminationReason, turns int, usage Usage)
}
