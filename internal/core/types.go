package core

import (
	"context"
	"io"
	"time"
)

// RunResult describes the outcome recorded for a task execution.
type RunResult string

const (
	RunResultOK     RunResult = "ok"
	RunResultFailed RunResult = "failed"
)

// Mode describes how a scheduler invocation was started.
type Mode string

const (
	ModeSweep  Mode = "sweep"
	ModeSingle Mode = "single"
)

// Task is a unit of maintenance work. Output written to w ends up in the run log.
type Task interface {
	Run(ctx context.Context, w io.Writer) error
}

// TaskFunc adapts a plain function to the Task interface.
type TaskFunc func(ctx context.Context, w io.Writer) error

// Run calls f(ctx, w).
func (f TaskFunc) Run(ctx context.Context, w io.Writer) error {
	return f(ctx, w)
}

// TaskDefinition is the registry metadata for a task.
type TaskDefinition struct {
	ID       int
	Name     string
	Interval time.Duration
	Enabled  bool
}

// IntervalSeconds returns the run interval in whole seconds.
func (d TaskDefinition) IntervalSeconds() int64 {
	return int64(d.Interval / time.Second)
}

// Due reports whether the definition should run at now given its last record.
// A nil record means the task never ran.
func (d TaskDefinition) Due(now time.Time, rec *TaskRunRecord) bool {
	if !d.Enabled {
		return false
	}
	if rec == nil || d.Interval <= 0 {
		return true
	}
	return now.Sub(rec.LastRunAt) >= d.Interval
}

// TaskRunRecord is the persisted state of the most recent execution of a task.
type TaskRunRecord struct {
	TaskID         int
	RunID          string
	LastRunAt      time.Time
	LastDurationMs int64
	LastResult     RunResult
	LastError      *string
}

// RunHistory captures a single execution attempt of a task.
type RunHistory struct {
	RunID      string
	TaskID     int
	StartedAt  time.Time
	DurationMs int64
	Result     RunResult
	Error      *string
	Forced     bool
}

// ExecutionResult is what the executor reports for one invocation of a task.
type ExecutionResult struct {
	Success  bool
	Duration time.Duration
	Err      error
}

// DurationMs returns the measured duration in milliseconds.
func (r ExecutionResult) DurationMs() int64 {
	return r.Duration.Milliseconds()
}

// ErrorDetail returns the failure text, or nil on success.
func (r ExecutionResult) ErrorDetail() *string {
	if r.Err == nil {
		return nil
	}
	return ptrString(r.Err.Error())
}

// Result maps the execution outcome to the persisted result value.
func (r ExecutionResult) Result() RunResult {
	if r.Success {
		return RunResultOK
	}
	return RunResultFailed
}

// Summary totals one scheduler invocation.
type Summary struct {
	Mode     Mode
	Now      time.Time
	Executed int
	Failed   int
	Skipped  int
	Lines    []string
}
