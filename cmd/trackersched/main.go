package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"trackersched/internal/api"
	"trackersched/internal/config"
	"trackersched/internal/core"
	"trackersched/internal/logging"
	trackerschedmcp "trackersched/internal/mcp"
	"trackersched/internal/notify"
	"trackersched/internal/store"
	"trackersched/internal/tasks"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitForbidden = 2
	exitGuard     = 3
	exitUsage     = 4
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Parse(args)
	if err != nil {
		log.Printf("failed to parse config: %v", err)
		return exitUsage
	}

	// stdout carries the schedule log (or the MCP transport); diagnostics go to stderr.
	logger, logCloser, err := logging.New(cfg.Log.Level, os.Stderr, cfg.Log.File)
	if err != nil {
		log.Printf("failed to set up logging: %v", err)
		return exitFailure
	}
	defer logCloser.Close()

	if cfg.Mode == "cli" {
		if err := authorize(cfg.ScheduleKey, cfg.Args); err != nil {
			logger.Debug("schedule invocation rejected", "err", err)
			fmt.Fprintln(os.Stdout, "forbidden")
			return exitForbidden
		}
	}

	baseCtx := context.Background()
	storeInst, err := store.Open(baseCtx, cfg.StateDir, cfg.HistoryKeep)
	if err != nil {
		logger.Error("open store", "err", err)
		return exitFailure
	}
	defer storeInst.Close()

	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}

	scheduler, err := buildScheduler(cfg, storeInst, logger, location)
	if err != nil {
		logger.Error("build scheduler", "err", err)
		return exitFailure
	}

	switch cfg.Mode {
	case "cli":
		return runCLIMode(baseCtx, cfg.Args, scheduler, os.Stdout, logger)
	case "http":
		return runHTTPMode(cfg, storeInst, scheduler, logger, location)
	case "mcp":
		return runMCPMode(cfg, storeInst, scheduler, logger, location)
	case "daemon":
		return runDaemonMode(cfg, scheduler, logger, location)
	default:
		logger.Error("invalid mode", "mode", cfg.Mode, "valid", []string{"cli", "http", "mcp", "daemon"})
		return exitUsage
	}
}

func buildScheduler(cfg *config.Config, storeInst *store.Store, logger *slog.Logger, location *time.Location) (*core.Scheduler, error) {
	registry, err := tasks.NewRegistry(tasks.Deps{
		History:  storeInst,
		Cache:    storeInst,
		Database: storeInst,
	}, cfg.Catalog)
	if err != nil {
		return nil, fmt.Errorf("load task registry: %w", err)
	}

	guard := core.NewProcessGuard(core.PgrepCensus{}, cfg.Guard.ProcessPattern, cfg.Guard.MaxInstances, logger)
	executor := core.NewExecutor(storeInst, logger, cfg.TaskTimeout)
	scheduler := core.NewScheduler(registry, executor, storeInst, guard, logger, location)

	var channels []notify.Notifier
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL, cfg.Notification.Bark.Group)
		if err != nil {
			return nil, fmt.Errorf("configure bark: %w", err)
		}
		channels = append(channels, bark)
	}
	var notifier notify.Notifier = &notify.NoOpNotifier{}
	if len(channels) > 0 {
		notifier = notify.NewLimitedNotifier(notify.NewMultiNotifier(channels...), time.Minute, 5)
	}
	scheduler.SetNotifier(notifier)
	logger.Debug("task registry loaded", "tasks", registry.Len())
	return scheduler, nil
}

// authorize checks the first positional argument against the schedule key.
func authorize(key string, args []string) error {
	if key == "" {
		return fmt.Errorf("%w: SCHEDULE_KEY is not configured", core.ErrAuthorization)
	}
	if len(args) == 0 || subtle.ConstantTimeCompare([]byte(args[0]), []byte(key)) != 1 {
		return core.ErrAuthorization
	}
	return nil
}

// runCLIMode is the crontab entry point: `trackersched <key>` sweeps,
// `trackersched <key> <task-id>` force-runs one task. args still carry the key.
func runCLIMode(ctx context.Context, args []string, scheduler *core.Scheduler, out io.Writer, logger *slog.Logger) int {
	var err error
	if len(args) > 1 {
		id, convErr := strconv.Atoi(args[1])
		if convErr != nil {
			fmt.Fprintf(out, "invalid task id %q\n", args[1])
			return exitUsage
		}
		_, err = scheduler.RunTask(ctx, id, true, out)
	} else {
		_, err = scheduler.Run(ctx, out)
	}

	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, core.ErrConcurrencyGuard):
		return exitGuard
	case errors.Is(err, core.ErrTaskNotFound):
		fmt.Fprintln(out, err.Error())
		return exitUsage
	default:
		logger.Error("schedule run", "err", err)
		return exitFailure
	}
}

func runHTTPMode(cfg *config.Config, storeInst *store.Store, scheduler *core.Scheduler, logger *slog.Logger, location *time.Location) int {
	server := api.NewServer(api.Options{
		Addr:         cfg.Server.Addr,
		AdminToken:   cfg.Server.AdminToken,
		ScheduleKey:  cfg.ScheduleKey,
		ReplayWindow: cfg.Server.ReplayWindow,
		DaemonCron:   cfg.DaemonCron,
	}, storeInst, scheduler, logger, location)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	code := exitOK
	select {
	case sig := <-sigs:
		logger.Info("received signal", "signal", sig.String())
	case err := <-serverErr:
		logger.Error("server error", "err", err)
		code = exitFailure
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "err", err)
	}
	return code
}

func runMCPMode(cfg *config.Config, storeInst *store.Store, scheduler *core.Scheduler, logger *slog.Logger, location *time.Location) int {
	mcpServer := trackerschedmcp.NewMCPServer(storeInst, scheduler, cfg.ScheduleKey, logger, location)

	// ServeStdio returns on SIGINT/SIGTERM by itself.
	if err := mcpServer.Run(); err != nil {
		logger.Error("mcp server error", "err", err)
		return exitFailure
	}
	return exitOK
}

func runDaemonMode(cfg *config.Config, scheduler *core.Scheduler, logger *slog.Logger, location *time.Location) int {
	daemon, err := core.NewDaemon(scheduler, cfg.DaemonCron, os.Stdout, logger, location)
	if err != nil {
		logger.Error("create daemon", "err", err)
		return exitUsage
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	daemon.Start(ctx)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logger.Info("received signal", "signal", sig.String())

	cancel()
	stopCtx := daemon.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn("daemon stop timed out")
	}
	return exitOK
}
