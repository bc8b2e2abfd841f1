package config

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds the administrative HTTP trigger settings.
type ServerConfig struct {
	Addr         string
	AdminToken   string
	ReplayWindow time.Duration
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string
	File  string
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Group   string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark BarkConfig
}

// GuardConfig controls the process-count guard.
type GuardConfig struct {
	ProcessPattern string
	MaxInstances   int
}

// Config holds all runtime configuration options for the scheduler.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Notification NotificationConfig
	Guard        GuardConfig

	Mode          string
	ScheduleKey   string
	StateDir      string
	Catalog       string
	DaemonCron    string
	TaskTimeout   time.Duration
	HistoryKeep   int
	UseUTC        bool
	ShutdownGrace time.Duration

	// Args holds the positional arguments left after flag parsing.
	Args []string
}

const (
	defaultMode           = "cli"
	defaultAddr           = "127.0.0.1:7071"
	defaultLogLevel       = "info"
	defaultProcessPattern = "trackersched"
	defaultMaxInstances   = 3
	defaultDaemonCron     = "* * * * *"
	defaultHistoryKeep    = 50
	defaultReplayWindow   = 5 * time.Minute
	defaultShutdownGrace  = 5 * time.Second
)

var validModes = []string{"cli", "http", "mcp", "daemon"}

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// Parse parses command line flags and environment variables into Config.
// Priority: CLI flags > Environment variables > .env file > defaults
func Parse(args []string) (*Config, error) {
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, "trackersched", ".env"))
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f) // optional; earlier files win since Load never overrides
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:         getEnvString("SCHEDULE_ADDR", defaultAddr),
			AdminToken:   getEnvString("SCHEDULE_ADMIN_TOKEN", ""),
			ReplayWindow: getEnvDuration("SCHEDULE_REPLAY_WINDOW", defaultReplayWindow),
		},
		Log: LogConfig{
			Level: getEnvString("SCHEDULE_LOG_LEVEL", defaultLogLevel),
			File:  getEnvString("SCHEDULE_LOG_FILE", ""),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("SCHEDULE_BARK_URL", ""),
				Group:   getEnvString("SCHEDULE_BARK_GROUP", ""),
				Enabled: getEnvBool("SCHEDULE_BARK_ENABLED", false),
			},
		},
		Guard: GuardConfig{
			ProcessPattern: getEnvString("SCHEDULE_PROCESS_PATTERN", defaultProcessPattern),
			MaxInstances:   getEnvInt("SCHEDULE_MAX_INSTANCES", defaultMaxInstances),
		},
		Mode:          getEnvString("SCHEDULE_MODE", defaultMode),
		ScheduleKey:   getEnvString("SCHEDULE_KEY", ""),
		StateDir:      getEnvString("SCHEDULE_STATE_DIR", ""),
		Catalog:       getEnvString("SCHEDULE_CATALOG", ""),
		DaemonCron:    getEnvString("SCHEDULE_DAEMON_CRON", defaultDaemonCron),
		TaskTimeout:   getEnvDuration("SCHEDULE_TASK_TIMEOUT", 0),
		HistoryKeep:   getEnvInt("SCHEDULE_HISTORY_KEEP", defaultHistoryKeep),
		UseUTC:        getEnvBool("SCHEDULE_USE_UTC", false),
		ShutdownGrace: getEnvDuration("SCHEDULE_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	fs := flag.NewFlagSet("trackersched", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var mode, addr, logLevel, stateDir, catalog, daemonCron string
	var maxInstances, historyKeep int
	var useUTC bool
	var taskTimeout, shutdownGrace time.Duration

	fs.StringVar(&mode, "mode", "", "Run mode: cli, http, mcp or daemon")
	fs.StringVar(&addr, "addr", "", "HTTP listen address for the admin trigger (overrides env)")
	fs.StringVar(&stateDir, "state-dir", "", "Directory holding the database and run logs")
	fs.StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&catalog, "catalog", "", "YAML file with additional shell tasks")
	fs.StringVar(&daemonCron, "daemon-cron", "", "5-field cron expression for daemon sweeps")
	fs.IntVar(&maxInstances, "max-instances", 0, "Abort when more scheduler processes than this are running")
	fs.IntVar(&historyKeep, "history-keep", 0, "Number of runs to retain per task")
	fs.BoolVar(&useUTC, "use-utc", false, "Print and evaluate times in UTC instead of local time")
	fs.DurationVar(&taskTimeout, "task-timeout", 0, "Fail a task that runs longer than this (0 disables)")
	fs.DurationVar(&shutdownGrace, "shutdown-grace", 0, "Grace period when shutting down")

	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	if mode != "" {
		cfg.Mode = mode
	}
	if addr != "" {
		cfg.Server.Addr = addr
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if stateDir != "" {
		cfg.StateDir = stateDir
	}
	if catalog != "" {
		cfg.Catalog = catalog
	}
	if daemonCron != "" {
		cfg.DaemonCron = daemonCron
	}
	if maxInstances > 0 {
		cfg.Guard.MaxInstances = maxInstances
	}
	if historyKeep > 0 {
		cfg.HistoryKeep = historyKeep
	}
	// Bool and duration flags may legitimately be set to their zero value.
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "use-utc":
			cfg.UseUTC = useUTC
		case "task-timeout":
			cfg.TaskTimeout = taskTimeout
		case "shutdown-grace":
			cfg.ShutdownGrace = shutdownGrace
		}
	})
	cfg.Args = fs.Args()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.HistoryKeep < 1 {
		cfg.HistoryKeep = defaultHistoryKeep
	}
	if cfg.Guard.MaxInstances < 1 {
		cfg.Guard.MaxInstances = defaultMaxInstances
	}
	return cfg, nil
}

func (c *Config) validate() error {
	valid := false
	for _, m := range validModes {
		if c.Mode == m {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid mode %q (valid: %s)", c.Mode, strings.Join(validModes, ", "))
	}
	if c.TaskTimeout < 0 {
		return fmt.Errorf("task timeout must be non-negative")
	}
	if c.Mode == "http" && c.Server.AdminToken == "" {
		return fmt.Errorf("http mode requires SCHEDULE_ADMIN_TOKEN")
	}
	if c.Mode == "http" && c.ScheduleKey == "" {
		return fmt.Errorf("http mode requires SCHEDULE_KEY to verify request signatures")
	}
	return nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, "trackersched")
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
