package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TaskListCacheKey holds the rendered task listing; runs invalidate it.
const TaskListCacheKey = "schedule:tasks"

// The cache is shared by every process pointed at the same state dir. Entries
// carry an optional expiry; expired entries read as absent until purged.

// CacheGet returns the value stored under key.
func (s *Store) CacheGet(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.DB.QueryRowContext(ctx, `
		SELECT value FROM cache_entries
		WHERE key = ? AND (expires_at_ms IS NULL OR expires_at_ms > ?)
	`, key, time.Now().UnixMilli()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return value, true, nil
}

// CacheSet stores value under key. A ttl of zero never expires.
func (s *Store) CacheSet(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO cache_entries (key, value, counter, expires_at_ms, updated_at)
		VALUES (?, ?, 0, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at_ms = excluded.expires_at_ms,
			updated_at = excluded.updated_at
	`, key, value, expiry(ttl), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Invalidate deletes key.
func (s *Store) Invalidate(ctx context.Context, key string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("cache invalidate %s: %w", key, err)
	}
	return nil
}

// InvalidatePrefix deletes every key starting with prefix and returns how many went.
func (s *Store) InvalidatePrefix(ctx context.Context, prefix string) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE substr(key, 1, ?) = ?
	`, len(prefix), prefix)
	if err != nil {
		return 0, fmt.Errorf("cache invalidate prefix %s: %w", prefix, err)
	}
	return res.RowsAffected()
}

// Increment bumps the counter stored under key and returns the new value.
// An expired counter restarts at one with a fresh ttl.
func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	nowMs := time.Now().UnixMilli()
	var counter int64
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO cache_entries (key, value, counter, expires_at_ms, updated_at)
		VALUES (?, '', 1, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			counter = CASE
				WHEN cache_entries.expires_at_ms IS NOT NULL AND cache_entries.expires_at_ms <= ? THEN 1
				ELSE cache_entries.counter + 1
			END,
			expires_at_ms = CASE
				WHEN cache_entries.expires_at_ms IS NOT NULL AND cache_entries.expires_at_ms <= ? THEN excluded.expires_at_ms
				ELSE cache_entries.expires_at_ms
			END,
			updated_at = excluded.updated_at
		RETURNING counter
	`, key, expiry(ttl), time.Now().UTC().Format(time.RFC3339Nano), nowMs, nowMs).Scan(&counter)
	if err != nil {
		return 0, fmt.Errorf("cache increment %s: %w", key, err)
	}
	return counter, nil
}

// PurgeExpired removes entries whose expiry is at or before now.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE expires_at_ms IS NOT NULL AND expires_at_ms <= ?
	`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge expired cache: %w", err)
	}
	return res.RowsAffected()
}

func expiry(ttl time.Duration) any {
	if ttl <= 0 {
		return nil
	}
	return time.Now().Add(ttl).UnixMilli()
}
