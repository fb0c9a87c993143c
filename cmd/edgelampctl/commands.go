package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/urfave/cli"

	"edgelamp/internal/client"
)

func listSchedules(ctx *cli.Context) error {
	c, reqCtx, cancel := apiClient(ctx)
	defer cancel()
	schedules, err := c.ListSchedules(reqCtx)
	if err != nil {
		return err
	}
	if ctx.GlobalBool("json") {
		return printJSON(ctx.App.Writer, schedules)
	}
	tw := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tPROCESS\tTYPE\tENABLED\tNEXT RUN")
	for _, s := range schedules {
		next := "-"
		if s.NextRunAt != nil {
			next = *s.NextRunAt
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n", s.ID, s.Name, s.ProcessName, s.Type, s.Enabled, next)
	}
	return tw.Flush()
}

func runSchedule(ctx *cli.Context) error {
	id, err := requireArg(ctx, "<schedule-id>")
	if err != nil {
		return err
	}
	c, reqCtx, cancel := apiClient(ctx)
	defer cancel()
	if err := c.RunSchedule(reqCtx, id); err != nil {
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "schedule %s queued\n", id)
	return nil
}

func listTasks(ctx *cli.Context) error {
	c, reqCtx, cancel := apiClient(ctx)
	defer cancel()
	tasks, err := c.ListTasks(reqCtx, client.TaskListOptions{
		State:  ctx.Int("state"),
		Name:   ctx.String("name"),
		Limit:  ctx.Int("limit"),
		Offset: ctx.Int("offset"),
		Sort:   ctx.String("sort"),
	})
	if err != nil {
		return err
	}
	if ctx.GlobalBool("json") {
		return printJSON(ctx.App.Writer, tasks)
	}
	tw := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPROCESS\tSTATE\tSTARTED\tENDED\tEXIT")
	for _, t := range tasks {
		fmt.Fprintln(tw, taskRow(t))
	}
	return tw.Flush()
}

func getTask(ctx *cli.Context) error {
	id, err := requireArg(ctx, "<task-id>")
	if err != nil {
		return err
	}
	c, reqCtx, cancel := apiClient(ctx)
	defer cancel()
	task, err := c.GetTask(reqCtx, id)
	if err != nil {
		return err
	}
	return printTask(ctx, task)
}

func cancelTask(ctx *cli.Context) error {
	id, err := requireArg(ctx, "<task-id>")
	if err != nil {
		return err
	}
	c, reqCtx, cancel := apiClient(ctx)
	defer cancel()
	task, err := c.CancelTask(reqCtx, id)
	if err != nil {
		return err
	}
	return printTask(ctx, task)
}

func listProcesses(ctx *cli.Context) error {
	c, reqCtx, cancel := apiClient(ctx)
	defer cancel()
	procs, err := c.ListProcesses(reqCtx)
	if err != nil {
		return err
	}
	if ctx.GlobalBool("json") {
		return printJSON(ctx.App.Writer, procs)
	}
	tw := tabwriter.NewWriter(ctx.App.Writer, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSCRIPT")
	for _, p := range procs {
		fmt.Fprintf(tw, "%s\t%s\n", p.Name, strings.Join(p.Script, " "))
	}
	return tw.Flush()
}

func printTask(ctx *cli.Context, t *client.Task) error {
	if ctx.GlobalBool("json") {
		return printJSON(ctx.App.Writer, t)
	}
	w := ctx.App.Writer
	fmt.Fprintf(w, "id:       %s\n", t.ID)
	fmt.Fprintf(w, "process:  %s\n", t.ProcessName)
	fmt.Fprintf(w, "state:    %s (%d)\n", t.StateName, t.State)
	fmt.Fprintf(w, "started:  %s\n", t.StartTime)
	if t.EndTime != nil {
		fmt.Fprintf(w, "ended:    %s\n", *t.EndTime)
	}
	if t.PID != 0 {
		fmt.Fprintf(w, "pid:      %d\n", t.PID)
	}
	if t.ExitCode != nil {
		fmt.Fprintf(w, "exit:     %d\n", *t.ExitCode)
	}
	if t.Reason != "" {
		fmt.Fprintf(w, "reason:   %s\n", t.Reason)
	}
	return nil
}

func taskRow(t client.Task) string {
	end, exit := "-", "-"
	if t.EndTime != nil {
		end = *t.EndTime
	}
	if t.ExitCode != nil {
		exit = fmt.Sprintf("%d", *t.ExitCode)
	}
	return strings.Join([]string{t.ID, t.ProcessName, t.StateName, t.StartTime, end, exit}, "\t")
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
