package agent

import (
	"errors"
	"fmt"
)

var (
	// ErrUpstreamUnavailable means the model or a live search provider could not
	// be reached. Clients may retry the turn.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrStepCeilingExceeded means a turn ran past the configured step limit.
	ErrStepCeilingExceeded = errors.New("step ceiling exceeded")
	// ErrShuttingDown means the service no longer accepts turns.
	ErrShuttingDown = errors.New("service shutting down")
)

// Loop phases reported in LoopError.
const (
	PhaseModel    = "model"
	PhaseDispatch = "dispatch"
	PhaseCeiling  = "ceiling"
)

// LoopError records where a turn failed.
type LoopError struct {
	Phase string
	Step  int
	Cause error
}

func (e *LoopError) Error() string {
	return fmt.Sprintf("turn failed in %s at step %d: %v", e.Phase, e.Step, e.Cause)
}

func (e *LoopError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether err is worth retrying from the client side.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrUpstreamUnavailable)
}
