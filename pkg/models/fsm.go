package models

import "fmt"

// validTransitions maps from-state to allowed to-states. Terminal
// states permit no transitions; the store enforces this on every
// status write.
var validTransitions = map[JobStatus]map[JobStatus]bool{
	JobStatusQueued: {
		JobStatusRunning:   true, // Queued → Running (job body starts)
		JobStatusFailed:    true, // Queued → Failed (dispatch error, timeout in queue)
		JobStatusCancelled: true, // Queued → Cancelled (user cancels before start)
	},
	JobStatusRunning: {
		JobStatusCompleted: true, // Running → Completed (upload validated)
		JobStatusFailed:    true, // Running → Failed (stage failure or timeout)
		JobStatusCancelled: true, // Running → Cancelled (flag observed at stage boundary)
		JobStatusQueued:    true, // Running → Queued (orchestrator re-dispatch after crash)
	},
	// Terminal states
	JobStatusCompleted: {},
	JobStatusFailed:    {},
	JobStatusCancelled: {},
}

// ValidateTransition checks whether a status change is legal.
func ValidateTransition(from, to JobStatus) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("unknown source state: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}

// IsTerminalState returns true once no further status writes are
// permitted.
func IsTerminalState(s JobStatus) bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// IsActiveState returns true for states counted against the
// one-active-job-per-fingerprint invariant.
func IsActiveState(s JobStatus) bool {
	return s == JobStatusQueued || s == JobStatusRunning
}
