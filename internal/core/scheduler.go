package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

const (
	timestampLayout = "2006-01-02 15:04:05"
	trailerLine     = "-------------------------"
)

// RunStore abstracts the persistence of run records used by the scheduler.
type RunStore interface {
	// GetRunRecord returns ErrNoRunRecord when the task never ran.
	GetRunRecord(ctx context.Context, taskID int) (*TaskRunRecord, error)
	// RecordRun upserts the task's run record and appends run to the history.
	RecordRun(ctx context.Context, run *RunHistory) error
}

// Notifier delivers out-of-band alerts about failed tasks.
type Notifier interface {
	Send(ctx context.Context, title, body string) error
}

// Scheduler decides which registered tasks are due and runs them one after
// another in registry order.
type Scheduler struct {
	registry *Registry
	executor *Executor
	store    RunStore
	guard    Guard
	notifier Notifier
	logger   *slog.Logger
	location *time.Location

	now func() time.Time
}

// NewScheduler constructs a scheduler with the given dependencies. guard may be nil.
func NewScheduler(registry *Registry, executor *Executor, store RunStore, guard Guard, logger *slog.Logger, location *time.Location) *Scheduler {
	if location == nil {
		location = time.Local
	}
	return &Scheduler{
		registry: registry,
		executor: executor,
		store:    store,
		guard:    guard,
		logger:   logger,
		location: location,
		now:      time.Now,
	}
}

// SetNotifier installs the notifier used for task failures.
func (s *Scheduler) SetNotifier(n Notifier) {
	s.notifier = n
}

// Registry exposes the task catalog the scheduler runs.
func (s *Scheduler) Registry() *Registry {
	return s.registry
}

// RunContext is the state of a single scheduler invocation.
type RunContext struct {
	Mode  Mode
	Now   time.Time
	Lines []string

	out      io.Writer
	location *time.Location
}

func (rc *RunContext) printf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	rc.Lines = append(rc.Lines, line)
	if rc.out != nil {
		fmt.Fprintln(rc.out, line)
	}
}

func (rc *RunContext) header() {
	rc.printf("Current Time: %s", rc.Now.In(rc.location).Format(timestampLayout))
	rc.printf("")
}

func (rc *RunContext) trailer() {
	rc.printf(trailerLine)
	rc.printf("")
}

// Run performs a full sweep: every enabled task whose interval has elapsed
// since its last run is executed, in registry order. Task failures are
// recorded and never stop the sweep.
func (s *Scheduler) Run(ctx context.Context, out io.Writer) (*Summary, error) {
	if err := s.checkGuard(ctx, out); err != nil {
		return nil, err
	}
	rc := s.newRunContext(ModeSweep, out)
	summary := &Summary{Mode: ModeSweep, Now: rc.Now}
	rc.header()

	for _, e := range s.registry.entries {
		def := e.Definition
		if err := ctx.Err(); err != nil {
			s.logger.Warn("sweep interrupted", "task_id", def.ID, "err", err)
			summary.Lines = rc.Lines
			return summary, err
		}
		if !def.Enabled {
			rc.printf("[%d] %s ... skipped (disabled)", def.ID, def.Name)
			summary.Skipped++
			continue
		}
		rec, err := s.lastRun(ctx, def.ID)
		if err != nil {
			s.logger.Error("load run record", "task_id", def.ID, "err", err)
			rc.printf("[%d] %s ... skipped (state unavailable)", def.ID, def.Name)
			summary.Skipped++
			continue
		}
		if !def.Due(rc.Now, rec) {
			s.logger.Debug("task not due", "task_id", def.ID, "name", def.Name, "last_run_at", rec.LastRunAt)
			rc.printf("[%d] %s ... skipped (not due)", def.ID, def.Name)
			summary.Skipped++
			continue
		}
		s.execute(ctx, rc, summary, e, false)
	}

	s.finish(rc, summary)
	return summary, nil
}

// RunTask runs a single task. With force set the due check is bypassed,
// including the enabled flag. An unknown id returns ErrTaskNotFound.
func (s *Scheduler) RunTask(ctx context.Context, id int, force bool, out io.Writer) (*Summary, error) {
	if err := s.checkGuard(ctx, out); err != nil {
		return nil, err
	}
	e, err := s.registry.entry(id)
	if err != nil {
		return nil, err
	}
	def := e.Definition
	rc := s.newRunContext(ModeSingle, out)
	summary := &Summary{Mode: ModeSingle, Now: rc.Now}

	// A failed record read must write nothing to out.
	due := true
	if !force {
		rec, err := s.lastRun(ctx, def.ID)
		if err != nil {
			return nil, fmt.Errorf("load run record for task %d: %w", def.ID, err)
		}
		due = def.Due(rc.Now, rec)
	}
	rc.header()

	if !due {
		rc.printf("[%d] %s ... skipped (not due)", def.ID, def.Name)
		summary.Skipped++
		s.finish(rc, summary)
		return summary, nil
	}

	s.execute(ctx, rc, summary, e, force)
	s.finish(rc, summary)
	return summary, nil
}

func (s *Scheduler) execute(ctx context.Context, rc *RunContext, summary *Summary, e Entry, forced bool) {
	def := e.Definition
	runID := NewID()
	result := s.executor.Execute(ctx, runID, def, e.Task)
	summary.Executed++

	run := &RunHistory{
		RunID:      runID,
		TaskID:     def.ID,
		StartedAt:  rc.Now.UTC(),
		DurationMs: result.DurationMs(),
		Result:     result.Result(),
		Error:      result.ErrorDetail(),
		Forced:     forced,
	}
	// The record must land even if the invocation is being cancelled.
	if err := s.store.RecordRun(context.WithoutCancel(ctx), run); err != nil {
		s.logger.Error("record run", "task_id", def.ID, "run_id", runID, "err", err)
	}

	if result.Success {
		rc.printf("[%d] %s ... ok (%d ms)", def.ID, def.Name, result.DurationMs())
		return
	}
	summary.Failed++
	rc.printf("[%d] %s ... failed (%d ms): %v", def.ID, def.Name, result.DurationMs(), errors.Unwrap(result.Err))
	s.notifyFailure(ctx, def, runID, result)
}

func (s *Scheduler) checkGuard(ctx context.Context, out io.Writer) error {
	if s.guard == nil {
		return nil
	}
	err := s.guard.Check(ctx)
	if err == nil {
		return nil
	}
	s.logger.Warn("scheduler invocation rejected", "err", err)
	if out != nil {
		fmt.Fprintln(out, err.Error())
	}
	return err
}

func (s *Scheduler) lastRun(ctx context.Context, taskID int) (*TaskRunRecord, error) {
	rec, err := s.store.GetRunRecord(ctx, taskID)
	if errors.Is(err, ErrNoRunRecord) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Scheduler) notifyFailure(ctx context.Context, def TaskDefinition, runID string, result ExecutionResult) {
	if s.notifier == nil {
		return
	}
	title := fmt.Sprintf("Scheduled task failed: %s", def.Name)
	body := fmt.Sprintf("task %d run %s failed after %d ms: %v", def.ID, runID, result.DurationMs(), errors.Unwrap(result.Err))
	if err := s.notifier.Send(ctx, title, body); err != nil {
		s.logger.Warn("send failure notification", "task_id", def.ID, "err", err)
	}
}

func (s *Scheduler) newRunContext(mode Mode, out io.Writer) *RunContext {
	return &RunContext{
		Mode:     mode,
		Now:      s.now(),
		out:      out,
		location: s.location,
	}
}

func (s *Scheduler) finish(rc *RunContext, summary *Summary) {
	rc.trailer()
	summary.Lines = rc.Lines
	s.logger.Info("scheduler invocation finished",
		"mode", summary.Mode,
		"executed", summary.Executed,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"elapsed_ms", s.now().Sub(summary.Now).Milliseconds())
}
