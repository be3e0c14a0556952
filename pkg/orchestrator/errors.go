package orchestrator

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownAgent is returned when an operation names an agent that was never added.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrMaxPasses is returned when a run keeps producing work past the configured pass limit.
	ErrMaxPasses = errors.New("run exceeded max passes")

	// ErrValidationRejected marks a single fan-out candidate that failed its validate predicate.
	ErrValidationRejected = errors.New("fan-out candidate rejected by validate")

	// ErrServing is returned when the agent population is changed while Serve is running.
	ErrServing = errors.New("engine is serving")
)

// FanOutBoundsError reports an executor that produced a count of one type
// outside the declared fan-out range. Every output of that type is discarded.
type FanOutBoundsError struct {
	AgentID string
	Type    string
	Count   int
	Min     int
	Max     int
}

func (e *FanOutBoundsError) Error() string {
	return fmt.Sprintf("agent %s produced %d %s artifacts, expected between %d and %d",
		e.AgentID, e.Count, e.Type, e.Min, e.Max)
}

// ExecutorError wraps a failure raised by an agent executor. No outputs of the
// invocation are published.
type ExecutorError struct {
	AgentID string
	Err     error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("executor for agent %s failed: %v", e.AgentID, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// failureKind classifies an invocation failure for summaries and failure artifacts.
func failureKind(err error) string {
	var (
		bounds *FanOutBoundsError
		exec   *ExecutorError
	)
	switch {
	case errors.As(err, &bounds):
		return "fan_out_bounds"
	case errors.As(err, &exec):
		return "executor"
	case errors.Is(err, errContext):
		return "context"
	default:
		return "publish"
	}
}

var errContext = errors.New("context provider failed")
