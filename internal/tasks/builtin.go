// Package tasks holds the maintenance jobs the scheduler runs.
package tasks

import (
	"context"
	"fmt"
	"io"
	"time"

	"trackersched/internal/core"
)

// Built-in task ids. Catalog tasks must not reuse them.
const (
	PruneHistoryID      = 1
	PurgeCacheID        = 2
	FlushNotifyCountsID = 3
	OptimizeDatabaseID  = 4
)

// NotifyCountPrefix is the cache key prefix of per-user unread upload notification counts.
const NotifyCountPrefix = "user_notify_upload_"

// HistoryPruner trims run history.
type HistoryPruner interface {
	PruneRunHistory(ctx context.Context) (int, error)
}

// Cache is the part of the shared cache the maintenance jobs touch.
type Cache interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
	InvalidatePrefix(ctx context.Context, prefix string) (int64, error)
}

// Optimizer compacts the backing database.
type Optimizer interface {
	Optimize(ctx context.Context) error
}

// Deps are the collaborators the built-in jobs need.
type Deps struct {
	History  HistoryPruner
	Cache    Cache
	Database Optimizer
}

// Builtin returns the built-in jobs in execution order.
func Builtin(deps Deps) []core.Entry {
	return []core.Entry{
		{
			Definition: core.TaskDefinition{ID: PruneHistoryID, Name: "Prune run history", Interval: time.Hour, Enabled: true},
			Task:       pruneHistory(deps.History),
		},
		{
			Definition: core.TaskDefinition{ID: PurgeCacheID, Name: "Purge expired cache entries", Interval: 5 * time.Minute, Enabled: true},
			Task:       purgeCache(deps.Cache),
		},
		{
			Definition: core.TaskDefinition{ID: FlushNotifyCountsID, Name: "Flush notification counters", Interval: 15 * time.Minute, Enabled: true},
			Task:       flushNotifyCounts(deps.Cache),
		},
		{
			Definition: core.TaskDefinition{ID: OptimizeDatabaseID, Name: "Optimize schedule database", Interval: 24 * time.Hour, Enabled: true},
			Task:       optimizeDatabase(deps.Database),
		},
	}
}

func pruneHistory(p HistoryPruner) core.Task {
	return core.TaskFunc(func(ctx context.Context, w io.Writer) error {
		n, err := p.PruneRunHistory(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "pruned %d runs\n", n)
		return nil
	})
}

func purgeCache(c Cache) core.Task {
	return core.TaskFunc(func(ctx context.Context, w io.Writer) error {
		n, err := c.PurgeExpired(ctx, time.Now())
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "purged %d expired entries\n", n)
		return nil
	})
}

// flushNotifyCounts drops cached unread counts so the next page view recounts them.
func flushNotifyCounts(c Cache) core.Task {
	return core.TaskFunc(func(ctx context.Context, w io.Writer) error {
		n, err := c.InvalidatePrefix(ctx, NotifyCountPrefix)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "invalidated %d notification counters\n", n)
		return nil
	})
}

func optimizeDatabase(o Optimizer) core.Task {
	return core.TaskFunc(func(ctx context.Context, w io.Writer) error {
		if err := o.Optimize(ctx); err != nil {
			return err
		}
		fmt.Fprintln(w, "database optimized")
		return nil
	})
}
