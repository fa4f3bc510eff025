package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for state-machine and lookup failures. Callers match
// them with errors.Is; the HTTP layer maps them to status codes.
var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyRunning = errors.New("instance already running")
	ErrNotReady       = errors.New("instance has no run script")
	ErrNoDevScript    = errors.New("no dev script found in package.json")
)

// ValidationError reports bad caller input, e.g. a missing required field.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// WorktreeError reports a failed git worktree operation and carries the
// underlying git stderr for diagnosis.
type WorktreeError struct {
	Op     string
	Stderr string
}

func (e *WorktreeError) Error() string {
	return fmt.Sprintf("git %s failed: %s", e.Op, e.Stderr)
}

// CreationError reports a failed instance setup. It wraps the underlying
// cause (usually a WorktreeError or a filesystem error).
type CreationError struct {
	TicketID string
	Err      error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("creating instance for ticket %s: %v", e.TicketID, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// TimeoutError reports a subprocess that exceeded its wall-clock budget.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s: %s", e.Timeout, e.Command)
}
