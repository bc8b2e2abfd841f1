package core

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrConcurrencyGuard = errors.New("too many scheduler instances running")
	ErrAuthorization    = errors.New("not authorized")
	ErrNoRunRecord      = errors.New("no run record")
	ErrTaskTimeout      = errors.New("task timed out")
)

// TaskExecutionError wraps a failure raised by a task's unit of work.
type TaskExecutionError struct {
	TaskID int
	Name   string
	Err    error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %d (%s): %v", e.TaskID, e.Name, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// GuardRejectionError reports that the process census exceeded the ceiling.
type GuardRejectionError struct {
	Pattern string
	Count   int
	Ceiling int
}

func (e *GuardRejectionError) Error() string {
	return fmt.Sprintf("%s is already running. Exiting (%d)", e.Pattern, e.Count)
}

func (e *GuardRejectionError) Unwrap() error { return ErrConcurrencyGuard }
