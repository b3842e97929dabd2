package engine

import (
	"fmt"
	"strings"

	"leoline/internal/engine/handoff"
	"leoline/internal/engine/progress"
)

// TransitionError is returned for out-of-sequence hand-offs and illegal status moves.
type TransitionError = handoff.TransitionError

// ValidationError rejects malformed input before anything is written.
type ValidationError struct {
	Message           string
	MissingFields     []string
	PlaceholderFields []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.MissingFields) > 0 {
		parts = append(parts, "missing: "+strings.Join(e.MissingFields, ", "))
	}
	if len(e.PlaceholderFields) > 0 {
		parts = append(parts, "placeholder content: "+strings.Join(e.PlaceholderFields, ", "))
	}
	if len(parts) == 0 {
		return e.Message
	}
	return e.Message + " (" + strings.Join(parts, "; ") + ")"
}

// IntegrityViolation blocks a status or progress write that evidence does not support.
type IntegrityViolation struct {
	SDID            string
	Attempted       string
	DerivedProgress int
	BlockingReasons []progress.BlockingReason
}

func (e *IntegrityViolation) Error() string {
	return fmt.Sprintf("integrity violation on %s: cannot set %s; derived progress is %d with %d blocking reason(s)",
		e.SDID, e.Attempted, e.DerivedProgress, len(e.BlockingReasons))
}

// LeaseConflictError means another actor holds the SD's active lease.
type LeaseConflictError struct {
	SDID      string
	OwnerID   string
	ExpiresAt string
}

func (e *LeaseConflictError) Error() string {
	return fmt.Sprintf("lease on %s already held by %s until %s", e.SDID, e.OwnerID, e.ExpiresAt)
}

func transitionErr(sdID, reason string) error {
	return &TransitionError{SDID: sdID, Reason: reason}
}
