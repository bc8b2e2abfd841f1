package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultDaemonCron sweeps once a minute, the cadence the crontab entry uses.
const DefaultDaemonCron = "* * * * *"

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseCron ensures the expression is a valid 5-field cron definition and returns the underlying schedule.
func ParseCron(expr string) (cron.Schedule, error) {
	if strings.HasPrefix(strings.TrimSpace(expr), "@") {
		return nil, fmt.Errorf("only 5-field cron expressions are supported")
	}
	schedule, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression: %w", err)
	}
	return schedule, nil
}

// NextOccurrences returns the next n execution times from a base time.
func NextOccurrences(schedule cron.Schedule, base time.Time, n int) []time.Time {
	times := make([]time.Time, 0, n)
	next := base
	for i := 0; i < n; i++ {
		next = schedule.Next(next)
		times = append(times, next)
	}
	return times
}

// Daemon replaces the external crontab: it triggers a full sweep on a cron
// schedule inside a long-running process. A sweep still running when the next
// tick fires causes that tick to be skipped.
type Daemon struct {
	scheduler *Scheduler
	schedule  cron.Schedule
	logger    *slog.Logger
	out       io.Writer

	cron *cron.Cron
	ctx  context.Context
}

// NewDaemon parses expr and prepares the cron runner. Sweep output goes to out.
func NewDaemon(scheduler *Scheduler, expr string, out io.Writer, logger *slog.Logger, location *time.Location) (*Daemon, error) {
	schedule, err := ParseCron(expr)
	if err != nil {
		return nil, err
	}
	if location == nil {
		location = time.Local
	}
	if out == nil {
		out = io.Discard
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
		cron.WithChain(cron.Recover(cronLogger{logger}), cron.SkipIfStillRunning(cronLogger{logger})),
	)
	return &Daemon{
		scheduler: scheduler,
		schedule:  schedule,
		logger:    logger,
		out:       out,
		cron:      c,
	}, nil
}

// Start begins the timer loop. ctx is passed to every sweep.
func (d *Daemon) Start(ctx context.Context) {
	d.ctx = ctx
	d.cron.Schedule(d.schedule, cron.FuncJob(d.sweep))
	d.cron.Start()
	d.logger.Info("daemon started", "next", d.Next(1))
}

// Stop stops the timer and returns a context done once the running sweep, if any, returns.
func (d *Daemon) Stop() context.Context {
	return d.cron.Stop()
}

// Next returns the next n sweep times.
func (d *Daemon) Next(n int) []time.Time {
	return NextOccurrences(d.schedule, time.Now(), n)
}

func (d *Daemon) sweep() {
	ctx := d.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := d.scheduler.Run(ctx, d.out); err != nil {
		d.logger.Error("scheduled sweep", "err", err)
	}
}

// cronLogger routes robfig/cron diagnostics into slog.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
