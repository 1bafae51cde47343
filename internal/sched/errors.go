package sched

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors delivered through task futures or returned by queue methods.
var (
	ErrDeadlineExceeded = errors.New("task deadline exceeded")
	ErrCleared          = errors.New("task cleared before it started")
	ErrQueueClosed      = errors.New("queue closed")
	ErrInvalidConfig    = errors.New("invalid queue configuration")
	ErrNilOperation     = errors.New("nil operation")
)

// OperationError is how a failed or panicking operation reaches its caller.
// It never affects other tasks.
type OperationError struct {
	TaskID   uuid.UUID
	Err      error
	Panicked bool
}

func (e *OperationError) Error() string {
	if e.Panicked {
		return fmt.Sprintf("task %s panicked: %v", e.TaskID, e.Err)
	}
	return fmt.Sprintf("task %s failed: %v", e.TaskID, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }

// ConfigError rejects construction parameters. It matches ErrInvalidConfig.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%v: %s %s", ErrInvalidConfig, e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrInvalidConfig }
