package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"trackersched/internal/core"
)

var ErrRunNotFound = errors.New("run not found")

// GetRunRecord returns the latest run record for a task, or core.ErrNoRunRecord.
func (s *Store) GetRunRecord(ctx context.Context, taskID int) (*core.TaskRunRecord, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT task_id, run_id, last_run_at, last_duration_ms, last_result, last_error
		FROM task_state WHERE task_id = ?
	`, taskID)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrNoRunRecord
		}
		return nil, err
	}
	return rec, nil
}

// ListRunRecords returns every stored run record keyed by task id.
func (s *Store) ListRunRecords(ctx context.Context) (map[int]*core.TaskRunRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT task_id, run_id, last_run_at, last_duration_ms, last_result, last_error
		FROM task_state
	`)
	if err != nil {
		return nil, fmt.Errorf("query run records: %w", err)
	}
	defer rows.Close()
	records := make(map[int]*core.TaskRunRecord)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records[rec.TaskID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// RecordRun overwrites the task's run record and appends the run to its history.
func (s *Store) RecordRun(ctx context.Context, run *core.RunHistory) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	startedAt := run.StartedAt.UTC().Format(time.RFC3339Nano)

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin record run: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_state (task_id, run_id, last_run_at, last_duration_ms, last_result, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			run_id = excluded.run_id,
			last_run_at = excluded.last_run_at,
			last_duration_ms = excluded.last_duration_ms,
			last_result = excluded.last_result,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`, run.TaskID, run.RunID, startedAt, run.DurationMs, run.Result, nullableString(run.Error), now); err != nil {
		return fmt.Errorf("upsert task state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_runs (id, task_id, started_at, duration_ms, result, error, forced, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, run.RunID, run.TaskID, startedAt, run.DurationMs, run.Result, nullableString(run.Error), run.Forced, now); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return tx.Commit()
}

// GetRun returns a single history entry.
func (s *Store) GetRun(ctx context.Context, runID string) (*core.RunHistory, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, task_id, started_at, duration_ms, result, error, forced
		FROM task_runs WHERE id = ?
	`, runID)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRunNotFound
		}
		return nil, err
	}
	return run, nil
}

// ListRuns returns the history of a task, newest first.
func (s *Store) ListRuns(ctx context.Context, taskID, limit, offset int) ([]*core.RunHistory, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, task_id, started_at, duration_ms, result, error, forced
		FROM task_runs
		WHERE task_id = ?
		ORDER BY rowid DESC
		LIMIT ? OFFSET ?
	`, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []*core.RunHistory
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// RunLogPath returns the absolute path for the run's combined log file.
func (s *Store) RunLogPath(runID string) string {
	return filepath.Join(s.StateDir, "runs", runID, "combined.log")
}

// EnsureRunLogDir makes sure the directory for a run's log exists.
func (s *Store) EnsureRunLogDir(runID string) error {
	return os.MkdirAll(filepath.Dir(s.RunLogPath(runID)), 0o755)
}

// PruneRunHistory drops history rows and log files beyond HistoryKeep for
// every task. It returns the number of runs removed.
func (s *Store) PruneRunHistory(ctx context.Context) (int, error) {
	ids, err := s.prunableRuns(ctx)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, err := s.DB.ExecContext(ctx, `DELETE FROM task_runs WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("delete run %s: %w", id, err)
		}
		path := s.RunLogPath(id)
		_ = os.Remove(path)
		dir := filepath.Dir(path)
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) == 0 {
			_ = os.Remove(dir)
		}
	}
	return len(ids), nil
}

// prunableRuns collects ids before deleting: the pool has a single connection.
func (s *Store) prunableRuns(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id FROM (
			SELECT id, ROW_NUMBER() OVER (PARTITION BY task_id ORDER BY rowid DESC) AS n
			FROM task_runs
		) WHERE n > ?
	`, s.HistoryKeep)
	if err != nil {
		return nil, fmt.Errorf("query runs for pruning: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanRecord(scanner interface {
	Scan(dest ...any) error
}) (*core.TaskRunRecord, error) {
	var (
		taskID     int
		runID      string
		lastRunAt  string
		durationMs int64
		result     string
		errMsg     sql.NullString
	)
	if err := scanner.Scan(&taskID, &runID, &lastRunAt, &durationMs, &result, &errMsg); err != nil {
		return nil, fmt.Errorf("scan run record: %w", err)
	}
	t, err := parseTime(lastRunAt)
	if err != nil {
		return nil, err
	}
	rec := &core.TaskRunRecord{
		TaskID:         taskID,
		RunID:          runID,
		LastRunAt:      t,
		LastDurationMs: durationMs,
		LastResult:     core.RunResult(result),
	}
	if errMsg.Valid {
		rec.LastError = &errMsg.String
	}
	return rec, nil
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*core.RunHistory, error) {
	var (
		id         string
		taskID     int
		startedAt  string
		durationMs int64
		result     string
		errMsg     sql.NullString
		forced     bool
	)
	if err := scanner.Scan(&id, &taskID, &startedAt, &durationMs, &result, &errMsg, &forced); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	t, err := parseTime(startedAt)
	if err != nil {
		return nil, err
	}
	run := &core.RunHistory{
		RunID:      id,
		TaskID:     taskID,
		StartedAt:  t,
		DurationMs: durationMs,
		Result:     core.RunResult(result),
		Forced:     forced,
	}
	if errMsg.Valid {
		run.Error = &errMsg.String
	}
	return run, nil
}

func parseTime(value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored time %q: %w", value, err)
	}
	return t, nil
}

func nullableString(value *string) any {
	if value == nil {
		return nil
	}
	return *value
}
