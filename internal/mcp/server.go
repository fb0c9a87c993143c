package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"edgelamp/internal/core"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes scheduler operations as MCP tools.
type MCPServer struct {
	scheduler *core.Scheduler
	logger    *slog.Logger
	location  *time.Location
	mcp       *server.MCPServer
}

// NewMCPServer creates a new MCP server instance with all tools registered.
func NewMCPServer(scheduler *core.Scheduler, logger *slog.Logger, location *time.Location) *MCPServer {
	s := &MCPServer{
		scheduler: scheduler,
		logger:    logger,
		location:  location,
	}
	s.mcp = server.NewMCPServer(
		"edgelamp",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools(s.mcp)
	return s
}

// Run serves MCP over stdio until stdin closes.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.mcp)
}

// Handler returns the streamable HTTP transport for mounting on /mcp.
func (s *MCPServer) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("list_schedules",
		mcp.WithDescription("List every schedule with its cadence and next automatic run"),
	), s.handleListSchedules)

	mcpServer.AddTool(mcp.NewTool("run_schedule",
		mcp.WithDescription("Queue an immediate run of a schedule. Exclusive schedules still wait for their running task"),
		mcp.WithString("schedule_id",
			mcp.Required(),
			mcp.Description("Schedule ID"),
		),
	), s.handleRunSchedule)

	mcpServer.AddTool(mcp.NewTool("get_tasks",
		mcp.WithDescription("Query task records, newest first unless a sort is given"),
		mcp.WithNumber("state",
			mcp.Description("Only tasks in this state: 1 running, 2 complete, 3 canceled, 4 interrupted"),
			mcp.Min(1),
			mcp.Max(4),
		),
		mcp.WithString("process_name",
			mcp.Description("Only tasks of this process; % acts as a wildcard"),
		),
		mcp.WithString("sort",
			mcp.Description("Sort keys such as 'start_time:desc,process_name'"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of tasks, default 100"),
			mcp.Min(1),
		),
		mcp.WithNumber("offset",
			mcp.Description("Number of matching tasks to skip"),
			mcp.Min(0),
		),
	), s.handleGetTasks)

	mcpServer.AddTool(mcp.NewTool("get_task",
		mcp.WithDescription("Get one task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("cancel_task",
		mcp.WithDescription("Cancel a running task and wait until it has stopped"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleCancelTask)

	mcpServer.AddTool(mcp.NewTool("list_processes",
		mcp.WithDescription("List the processes schedules may launch"),
	), s.handleListProcesses)

	s.logger.Debug("MCP tools registered", "count", 6)
}

func (s *MCPServer) handleListSchedules(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	schedules, err := s.scheduler.ListSchedules(ctx)
	if err != nil {
		s.logger.Error("list schedules", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list schedules: %v", err)), nil
	}
	if len(schedules) == 0 {
		return mcp.NewToolResultText("no schedules"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d schedules:\n\n", len(schedules))
	for _, sch := range schedules {
		fmt.Fprintf(&b, "%s %s\n", sch.ID, sch.Name)
		fmt.Fprintf(&b, "  process: %s\n", sch.ProcessName)
		fmt.Fprintf(&b, "  cadence: %s\n", describeCadence(sch))
		fmt.Fprintf(&b, "  exclusive: %t, enabled: %t\n", sch.Exclusive, sch.Enabled)
		if next, ok := s.scheduler.NextRun(sch.ID); ok {
			fmt.Fprintf(&b, "  next run: %s\n", s.formatTime(&next))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleRunSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := mcp.ParseString(request, "schedule_id", "")
	if err := s.scheduler.QueueSchedule(ctx, id); err != nil {
		return mcp.NewToolResultError(describeError("run schedule", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("schedule %s queued", id)), nil
}

func (s *MCPServer) handleGetTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var where core.And
	if state := int(mcp.ParseFloat64(request, "state", 0)); state != 0 {
		if !core.TaskState(state).Valid() {
			return mcp.NewToolResultError("state must be between 1 and 4"), nil
		}
		where = append(where, core.Eq(core.FieldState, state))
	}
	if name := strings.TrimSpace(mcp.ParseString(request, "process_name", "")); name != "" {
		if strings.Contains(name, "%") {
			where = append(where, core.Cond{Field: core.FieldProcessName, Op: core.OpLike, Value: name})
		} else {
			where = append(where, core.Eq(core.FieldProcessName, name))
		}
	}
	sortKeys, err := core.ParseSort(mcp.ParseString(request, "sort", ""))
	if err != nil {
		return mcp.NewToolResultError(describeError("get tasks", err)), nil
	}
	query := core.TaskQuery{
		Sort:   sortKeys,
		Limit:  int(mcp.ParseFloat64(request, "limit", 0)),
		Offset: int(mcp.ParseFloat64(request, "offset", 0)),
	}
	if len(where) > 0 {
		query.Where = where
	}

	tasks, err := s.scheduler.GetTasks(ctx, query)
	if err != nil {
		return mcp.NewToolResultError(describeError("get tasks", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("no matching tasks"), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		s.writeTask(&b, t)
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.scheduler.GetTask(ctx, mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return mcp.NewToolResultError(describeError("get task", err)), nil
	}
	var b strings.Builder
	s.writeTask(&b, task)
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCancelTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, err := s.scheduler.CancelTask(ctx, mcp.ParseString(request, "task_id", ""))
	if err != nil {
		return mcp.NewToolResultError(describeError("cancel task", err)), nil
	}
	var b strings.Builder
	s.writeTask(&b, task)
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleListProcesses(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	procs, err := s.scheduler.Processes(ctx)
	if err != nil {
		return mcp.NewToolResultError(describeError("list processes", err)), nil
	}
	if len(procs) == 0 {
		return mcp.NewToolResultText("no processes"), nil
	}
	var b strings.Builder
	for _, p := range procs {
		fmt.Fprintf(&b, "%s: %s\n", p.Name, strings.Join(p.Script, " "))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) writeTask(b *strings.Builder, t *core.Task) {
	fmt.Fprintf(b, "[%s] task %s\n", t.State, t.ID)
	fmt.Fprintf(b, "  process: %s\n", t.ProcessName)
	fmt.Fprintf(b, "  started: %s\n", s.formatTime(&t.StartTime))
	if t.EndTime != nil {
		fmt.Fprintf(b, "  ended: %s\n", s.formatTime(t.EndTime))
	}
	if t.PID != 0 {
		fmt.Fprintf(b, "  pid: %d\n", t.PID)
	}
	if t.ExitCode != nil {
		fmt.Fprintf(b, "  exit code: %d\n", *t.ExitCode)
	}
	if t.Reason != "" {
		fmt.Fprintf(b, "  reason: %s\n", t.Reason)
	}
}

func (s *MCPServer) formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.In(s.location).Format("2006-01-02 15:04:05")
}

func describeCadence(sch *core.Schedule) string {
	switch sch.Type {
	case core.ScheduleTypeInterval:
		return "every " + sch.Repeat.String()
	case core.ScheduleTypeTimed:
		at := "?"
		if sch.Time != nil {
			at = sch.Time.String()
		}
		if sch.Repeat > 0 && sch.Repeat < 24*time.Hour {
			return fmt.Sprintf("hourly at mm:ss of %s", at)
		}
		if sch.Day > 0 {
			return fmt.Sprintf("weekly on day %d at %s", sch.Day, at)
		}
		return "daily at " + at
	}
	return strings.ToLower(sch.Type.String())
}

func describeError(op string, err error) string {
	switch {
	case errors.Is(err, core.ErrScheduleNotFound), errors.Is(err, core.ErrTaskNotFound):
		return err.Error()
	case errors.Is(err, core.ErrInvalidState):
		return fmt.Sprintf("%s: data integrity error: %v", op, err)
	}
	return fmt.Sprintf("failed to %s: %v", op, err)
}
