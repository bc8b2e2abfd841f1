package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
)

// DefaultMaxInstances allows the two processes a cron entry spawns plus the
// observing process itself.
const DefaultMaxInstances = 3

// ProcessCensus counts running processes whose command line matches pattern.
type ProcessCensus interface {
	Count(ctx context.Context, pattern string) (int, error)
}

// PgrepCensus queries the OS process table through pgrep -cf.
type PgrepCensus struct {
	Path string
}

// Count returns the number of processes matching pattern. pgrep exits with
// status 1 when nothing matches, which is reported as zero.
func (p PgrepCensus) Count(ctx context.Context, pattern string) (int, error) {
	path := p.Path
	if path == "" {
		path = "pgrep"
	}
	out, err := exec.CommandContext(ctx, path, "-cf", pattern).Output() // #nosec G204
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
			return 0, nil
		}
		return 0, fmt.Errorf("pgrep: %w", err)
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(out)))
	if err != nil {
		return 0, fmt.Errorf("parse pgrep output %q: %w", strings.TrimSpace(string(out)), err)
	}
	return n, nil
}

// Guard decides whether a scheduler invocation may proceed.
type Guard interface {
	Check(ctx context.Context) error
}

// ProcessGuard rejects an invocation when more than ceiling processes match
// pattern. It is best effort: two invocations racing can both pass.
type ProcessGuard struct {
	census  ProcessCensus
	pattern string
	ceiling int
	logger  *slog.Logger
}

// NewProcessGuard builds a guard. A ceiling below one falls back to DefaultMaxInstances.
func NewProcessGuard(census ProcessCensus, pattern string, ceiling int, logger *slog.Logger) *ProcessGuard {
	if ceiling < 1 {
		ceiling = DefaultMaxInstances
	}
	return &ProcessGuard{
		census:  census,
		pattern: pattern,
		ceiling: ceiling,
		logger:  logger,
	}
}

// Check returns a *GuardRejectionError when the census exceeds the ceiling.
// Census failures are logged and let the invocation through.
func (g *ProcessGuard) Check(ctx context.Context) error {
	count, err := g.census.Count(ctx, g.pattern)
	if err != nil {
		g.logger.Warn("process census failed, continuing", "pattern", g.pattern, "err", err)
		return nil
	}
	if count > g.ceiling {
		return &GuardRejectionError{Pattern: g.pattern, Count: count, Ceiling: g.ceiling}
	}
	g.logger.Debug("process census", "pattern", g.pattern, "count", count, "ceiling", g.ceiling)
	return nil
}
