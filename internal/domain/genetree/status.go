package genetree

import (
	"errors"
	"fmt"
)

// ErrInvalidTransition is returned for a run status change the lifecycle
// does not allow.
var ErrInvalidTransition = errors.New("invalid run status transition")

// RunStatus is the lifecycle state of one processor run.
type RunStatus string

const (
	RunNotStarted  RunStatus = "NOT_STARTED"
	RunRunning     RunStatus = "RUNNING"
	RunCompleted   RunStatus = "COMPLETED"
	RunInterrupted RunStatus = "INTERRUPTED"
)

func (s RunStatus) String() string { return string(s) }

// ValidateTransition returns ErrInvalidTransition unless s may move to target.
func (s RunStatus) ValidateTransition(target RunStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, s, target)
	}
	return nil
}

func (s RunStatus) isValidTransition(target RunStatus) bool {
	switch s {
	case RunNotStarted:
		return target == RunRunning
	case RunRunning:
		return target == RunCompleted || target == RunInterrupted
	default:
		return false
	}
}
