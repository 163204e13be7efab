// Package domain provides shared domain-level sentinel and typed errors.
package domain

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a request failed input validation.
var ErrValidation = errors.New("validation failed")

// ConfigError reports a malformed or unrecognized configuration key.
// It is raised before any phase runs.
type ConfigError struct {
	Layer  string // "global", "project", "task", "runtime", or "" when not layer-specific
	Key    string // dotted key path
	Reason string
}

func (e *ConfigError) Error() string {
	switch {
	case e.Layer != "" && e.Key != "":
		return fmt.Sprintf("config %s layer: %s: %s", e.Layer, e.Key, e.Reason)
	case e.Key != "":
		return fmt.Sprintf("config: %s: %s", e.Key, e.Reason)
	default:
		return "config: " + e.Reason
	}
}

// PhaseTransitionError reports a transition not permitted by the phase chain
// or the task's current state. The task is left unchanged.
type PhaseTransitionError struct {
	TaskID string
	From   string
	To     string
	Reason string
}

func (e *PhaseTransitionError) Error() string {
	return fmt.Sprintf("task %s: transition %s -> %s: %s", e.TaskID, e.From, e.To, e.Reason)
}

// AgentInvocationError reports a failed agent call or unparsable structured output.
type AgentInvocationError struct {
	Phase   string
	Attempt int
	Err     error
}

func (e *AgentInvocationError) Error() string {
	return fmt.Sprintf("agent %s (attempt %d): %v", e.Phase, e.Attempt, e.Err)
}

func (e *AgentInvocationError) Unwrap() error { return e.Err }

// LoopExhaustedError reports that an implementation step used its whole retry
// budget. The task is blocked, not failed.
type LoopExhaustedError struct {
	TaskID    string
	Step      int
	Attempts  int
	Signature string
}

func (e *LoopExhaustedError) Error() string {
	return fmt.Sprintf("task %s: step %d exhausted after %d attempts (last error %q)",
		e.TaskID, e.Step, e.Attempts, e.Signature)
}

// PersistenceError reports a failed durable write. The prior state on disk
// remains valid.
type PersistenceError struct {
	Op   string
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("persist %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
