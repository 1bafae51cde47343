package sched

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// State is where a task is in its lifecycle.
type State int

const (
	StatePending State = iota
	StateRunning
	StateCompleted
	StateFailed
	StateExpired
	StateCancelled // dropped by Clear or Close before it ran
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateExpired:
		return "expired"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition can happen.
func (s State) IsTerminal() bool {
	return s >= StateCompleted
}

// Operation is a unit of work. The context is cancelled when the task's
// deadline expires or the result is otherwise no longer wanted; operations
// may ignore it.
type Operation[T any] func(ctx context.Context) (T, error)

// Task represents one schedulable unit. Fields other than the exported
// descriptors are guarded by the owning queue's mutex.
type Task struct {
	ID         uuid.UUID
	Priority   int           // larger runs earlier
	Deadline   time.Duration // zero means wait forever
	EnqueuedAt time.Time

	seq   uint64 // per-queue insertion order, FIFO tie-break
	state State

	// run executes the operation and tries to settle the future with its
	// outcome. won is false when the deadline already settled it.
	run func(ctx context.Context) (won bool, err error)
	// reject settles the future with err unless something already did.
	reject func(err error) bool
}

// TaskOption customizes a submission.
type TaskOption func(*Task)

// WithPriority sets the task priority. Default 0.
func WithPriority(p int) TaskOption {
	return func(t *Task) { t.Priority = p }
}

// WithDeadline bounds how long the caller waits once the task is running.
// Non-positive values disable the deadline.
func WithDeadline(d time.Duration) TaskOption {
	return func(t *Task) {
		if d < 0 {
			d = 0
		}
		t.Deadline = d
	}
}

// newTask creates a pending task; seq and EnqueuedAt are set on admission.
func newTask(opts ...TaskOption) *Task {
	t := &Task{
		ID:    uuid.New(),
		state: StatePending,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}
