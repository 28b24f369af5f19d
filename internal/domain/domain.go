// Package domain defines the entity types shared by the validator, the
// execution pipeline, storage and the HTTP gateway.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/scriptbox/internal/jsonvalue"
)

var (
	// ErrNotFound is wrapped by every store lookup that finds no row.
	ErrNotFound = errors.New("not found")
	// ErrTerminal is returned by a conditional update on a record that has
	// already reached Completed or Failed.
	ErrTerminal = errors.New("execution already terminal")
	// ErrConflict is returned by a conditional update when the stored status
	// no longer allows the requested one.
	ErrConflict = errors.New("execution status changed concurrently")
)

// Script is a registered piece of user-supplied script source.
type Script struct {
	ID          uuid.UUID
	Name        string
	Content     string
	Description string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ExecutionStatus is the lifecycle state of an Execution.
type ExecutionStatus string

const (
	StatusPending   ExecutionStatus = "pending"
	StatusRunning   ExecutionStatus = "running"
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s ExecutionStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed.
// Pending → Running → {Completed | Failed}; Pending may also fail directly.
func (s ExecutionStatus) CanTransition(next ExecutionStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Predecessors lists the stored statuses from which an update to s may be
// applied. Pending may be touched in place. Running is a claim and is
// applied only to a Pending record, so two workers holding the same record
// cannot both win it.
func (s ExecutionStatus) Predecessors() []ExecutionStatus {
	switch s {
	case StatusPending, StatusRunning:
		return []ExecutionStatus{StatusPending}
	}
	var out []ExecutionStatus
	for _, from := range []ExecutionStatus{StatusPending, StatusRunning} {
		if from.CanTransition(s) {
			out = append(out, from)
		}
	}
	return out
}

// Execution is one run of a Script against one input value.
// Output is set only when Completed; Error and ErrorKind only when Failed.
// CompletedAt and ElapsedMs are stamped together on the first terminal transition.
type Execution struct {
	ID          uuid.UUID
	ScriptID    uuid.UUID
	Status      ExecutionStatus
	Input       jsonvalue.Value
	Output      *jsonvalue.Value
	Error       string
	ErrorKind   string // Sandbox fault kind, e.g. "timeout".
	StartedAt   time.Time
	CompletedAt *time.Time
	ElapsedMs   *int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Complete marks the execution Completed with output.
func (e *Execution) Complete(output jsonvalue.Value) {
	e.Status = StatusCompleted
	e.Output = &output
	e.Error = ""
	e.ErrorKind = ""
}

// Fail marks the execution Failed.
func (e *Execution) Fail(kind, msg string) {
	e.Status = StatusFailed
	e.Output = nil
	e.Error = msg
	e.ErrorKind = kind
}

// Finalize stamps CompletedAt and ElapsedMs once. Later calls are no-ops.
func (e *Execution) Finalize(now time.Time, elapsed time.Duration) {
	if e.CompletedAt != nil {
		return
	}
	done := now.UTC()
	ms := elapsed.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	e.CompletedAt = &done
	e.ElapsedMs = &ms
}

// NewID generates a new random UUID.
func NewID() uuid.UUID {
	return uuid.New()
}
