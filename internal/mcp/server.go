package mcp

import (
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"trackersched/internal/core"
	"trackersched/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the scheduler as MCP tools over stdio.
type MCPServer struct {
	store       *store.Store
	scheduler   *core.Scheduler
	scheduleKey string
	logger      *slog.Logger
	location    *time.Location
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(store *store.Store, scheduler *core.Scheduler, scheduleKey string, logger *slog.Logger, location *time.Location) *MCPServer {
	if location == nil {
		location = time.Local
	}
	return &MCPServer{
		store:       store,
		scheduler:   scheduler,
		scheduleKey: scheduleKey,
		logger:      logger,
		location:    location,
	}
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	mcpServer := server.NewMCPServer(
		"trackersched",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)

	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(mcpServer)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("schedule_list_tasks",
		mcp.WithDescription("List the registered periodic tasks with their last run state, in execution order."),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("schedule_run",
		mcp.WithDescription("Run a full sweep of due tasks, or force one task when task_id is given. Returns the schedule log."),
		mcp.WithString("auth_key",
			mcp.Required(),
			mcp.Description("Schedule key"),
		),
		mcp.WithNumber("task_id",
			mcp.Description("Task to force-run; omit for a full sweep"),
		),
	), s.handleRun)

	mcpServer.AddTool(mcp.NewTool("schedule_list_runs",
		mcp.WithDescription("List recent runs of a task, newest first."),
		mcp.WithNumber("task_id",
			mcp.Required(),
			mcp.Description("Task id"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of runs, default 20"),
			mcp.Min(1),
			mcp.Max(200),
		),
	), s.handleListRuns)

	s.logger.Info("MCP tools registered", "count", 3)
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	records, err := s.store.ListRunRecords(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load run records: %v", err)), nil
	}
	defs := s.scheduler.Registry().List()
	if len(defs) == 0 {
		return mcp.NewToolResultText("no tasks registered"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d tasks:\n\n", len(defs))
	for _, def := range defs {
		state := "never run"
		if rec, ok := records[def.ID]; ok {
			state = fmt.Sprintf("last run %s, %s in %d ms",
				rec.LastRunAt.In(s.location).Format(time.DateTime), rec.LastResult, rec.LastDurationMs)
		}
		enabled := "enabled"
		if !def.Enabled {
			enabled = "disabled"
		}
		fmt.Fprintf(&b, "[%d] %s (every %s, %s): %s\n", def.ID, def.Name, def.Interval, enabled, state)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key := mcp.ParseString(request, "auth_key", "")
	if s.scheduleKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.scheduleKey)) != 1 {
		s.logger.Warn("mcp schedule_run rejected")
		return mcp.NewToolResultError("forbidden"), nil
	}

	var (
		buf bytes.Buffer
		err error
	)
	if mcp.ParseArgument(request, "task_id", nil) == nil {
		_, err = s.scheduler.Run(ctx, &buf)
	} else {
		id, ok := taskIDArg(request)
		if !ok {
			return mcp.NewToolResultError(errTaskIDNotInteger), nil
		}
		_, err = s.scheduler.RunTask(ctx, id, true, &buf)
	}
	if invErr := s.store.Invalidate(ctx, store.TaskListCacheKey); invErr != nil {
		s.logger.Warn("invalidate task list cache", "err", invErr)
	}
	if err != nil {
		if errors.Is(err, core.ErrConcurrencyGuard) {
			return mcp.NewToolResultError(buf.String()), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("%s%v", buf.String(), err)), nil
	}
	return mcp.NewToolResultText(buf.String()), nil
}

func (s *MCPServer) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID, ok := taskIDArg(request)
	if !ok {
		return mcp.NewToolResultError(errTaskIDNotInteger), nil
	}
	if _, err := s.scheduler.Registry().Find(taskID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %d", taskID)), nil
	}
	limit := int(mcp.ParseFloat64(request, "limit", 20))

	runs, err := s.store.ListRuns(ctx, taskID, limit, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("no runs recorded for this task"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d runs:\n\n", len(runs))
	for _, run := range runs {
		fmt.Fprintf(&b, "%s  %s  %s  %d ms", run.RunID, run.StartedAt.In(s.location).Format(time.DateTime), run.Result, run.DurationMs)
		if run.Forced {
			b.WriteString("  forced")
		}
		if run.Error != nil {
			fmt.Fprintf(&b, "\n    %s", *run.Error)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

const errTaskIDNotInteger = "task_id must be an integer"

// taskIDArg reads task_id, rejecting values with a fractional part.
func taskIDArg(request mcp.CallToolRequest) (int, bool) {
	v := mcp.ParseFloat64(request, "task_id", 0)
	if v != math.Trunc(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return int(v), true
}
