package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// RunLogSink resolves where the combined output of a run is written.
type RunLogSink interface {
	EnsureRunLogDir(runID string) error
	RunLogPath(runID string) string
}

// Executor runs a single task's unit of work and reports how it went.
// Failures never propagate: they come back as an unsuccessful ExecutionResult.
type Executor struct {
	logs    RunLogSink
	logger  *slog.Logger
	timeout time.Duration
}

// NewExecutor creates a new executor. logs may be nil, in which case task
// output is discarded. A zero timeout lets tasks run unbounded.
func NewExecutor(logs RunLogSink, logger *slog.Logger, timeout time.Duration) *Executor {
	return &Executor{
		logs:    logs,
		logger:  logger,
		timeout: timeout,
	}
}

// Execute invokes task exactly once and measures its wall-clock duration.
func (e *Executor) Execute(ctx context.Context, runID string, def TaskDefinition, task Task) ExecutionResult {
	w, closeLog := e.openRunLog(runID, def)
	defer closeLog()

	startedAt := time.Now()
	err := e.invoke(ctx, task, w)
	result := ExecutionResult{
		Success:  err == nil,
		Duration: time.Since(startedAt),
	}
	if err != nil {
		result.Err = &TaskExecutionError{TaskID: def.ID, Name: def.Name, Err: err}
		e.logger.Error("task failed",
			"task_id", def.ID, "name", def.Name, "run_id", runID,
			"duration_ms", result.DurationMs(), "result", RunResultFailed, "err", err)
		return result
	}
	e.logger.Info("task completed",
		"task_id", def.ID, "name", def.Name, "run_id", runID,
		"duration_ms", result.DurationMs(), "result", RunResultOK)
	return result
}

func (e *Executor) invoke(ctx context.Context, task Task, w io.Writer) error {
	if e.timeout <= 0 {
		return safeRun(ctx, task, w)
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- safeRun(runCtx, task, w)
	}()

	select {
	case err := <-done:
		return err
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %s", ErrTaskTimeout, e.timeout)
	}
}

func safeRun(ctx context.Context, task Task, w io.Writer) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return task.Run(ctx, w)
}

func (e *Executor) openRunLog(runID string, def TaskDefinition) (io.Writer, func()) {
	if e.logs == nil || runID == "" {
		return io.Discard, func() {}
	}
	if err := e.logs.EnsureRunLogDir(runID); err != nil {
		e.logger.Warn("ensure run log dir", "task_id", def.ID, "run_id", runID, "err", err)
		return io.Discard, func() {}
	}
	logFile, err := os.OpenFile(e.logs.RunLogPath(runID), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		e.logger.Warn("open run log", "task_id", def.ID, "run_id", runID, "err", err)
		return io.Discard, func() {}
	}
	sw := &syncWriter{w: logFile}
	return sw, func() {
		sw.mu.Lock()
		defer sw.mu.Unlock()
		_ = logFile.Close()
	}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func ptrString(v string) *string {
	return &v
}
