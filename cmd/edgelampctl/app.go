package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/urfave/cli"

	"edgelamp/internal/client"
)

var errUsage = errors.New("missing argument")

func newApp(out io.Writer) *cli.App {
	app := cli.NewApp()
	app.Name = "edgelampctl"
	app.HelpName = "edgelampctl"
	app.Usage = "inspect and control the edgelamp scheduler"
	app.UsageText = "edgelampctl [global options] <command> <subcommand> [arguments...]"
	app.Writer = out
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "addr, a",
			Value:  "http://127.0.0.1:8081",
			Usage:  "daemon address",
			EnvVar: "EDGELAMP_URL",
		},
		cli.StringFlag{
			Name:   "token",
			Usage:  "bearer token for the API",
			EnvVar: "EDGELAMP_AUTH_TOKEN",
		},
		cli.DurationFlag{
			Name:  "timeout",
			Value: 30 * time.Second,
			Usage: "request timeout",
		},
		cli.BoolFlag{
			Name:  "json",
			Usage: "print raw JSON instead of tables",
		},
	}
	app.Commands = []cli.Command{
		{
			Name:    "schedules",
			Aliases: []string{"s"},
			Usage:   "list and run schedules",
			Subcommands: []cli.Command{
				{
					Name:   "list",
					Usage:  "list every schedule",
					Action: listSchedules,
				},
				{
					Name:      "run",
					Usage:     "queue an immediate run of a schedule",
					ArgsUsage: "<schedule-id>",
					Action:    runSchedule,
				},
			},
		},
		{
			Name:    "tasks",
			Aliases: []string{"t"},
			Usage:   "query and cancel tasks",
			Subcommands: []cli.Command{
				{
					Name:   "list",
					Usage:  "list task records",
					Action: listTasks,
					Flags:  taskListFlags,
				},
				{
					Name:      "get",
					Usage:     "show one task",
					ArgsUsage: "<task-id>",
					Action:    getTask,
				},
				{
					Name:      "cancel",
					Usage:     "cancel a running task",
					ArgsUsage: "<task-id>",
					Action:    cancelTask,
				},
			},
		},
		{
			Name:    "processes",
			Aliases: []string{"p"},
			Usage:   "list launchable processes",
			Subcommands: []cli.Command{
				{
					Name:   "list",
					Usage:  "list process definitions",
					Action: listProcesses,
				},
			},
		},
	}
	return app
}

var taskListFlags = []cli.Flag{
	cli.IntFlag{
		Name:  "state",
		Usage: "only tasks in this state (1 running, 2 complete, 3 canceled, 4 interrupted)",
	},
	cli.StringFlag{
		Name:  "name",
		Usage: "only tasks of this process, % matches any text",
	},
	cli.IntFlag{
		Name:  "limit",
		Usage: "maximum number of tasks (server default 100)",
	},
	cli.IntFlag{
		Name:  "offset",
		Usage: "number of matching tasks to skip",
	},
	cli.StringFlag{
		Name:  "sort",
		Usage: "sort keys, e.g. start_time:desc,process_name",
	},
}

// apiClient builds a client and a request context from the global flags.
func apiClient(ctx *cli.Context) (*client.Client, context.Context, context.CancelFunc) {
	c := client.New(ctx.GlobalString("addr"), ctx.GlobalString("token"))
	reqCtx, cancel := context.WithTimeout(context.Background(), ctx.GlobalDuration("timeout"))
	return c, reqCtx, cancel
}

func requireArg(ctx *cli.Context, name string) (string, error) {
	v := ctx.Args().First()
	if v == "" {
		return "", fmt.Errorf("%w: usage: %s %s", errUsage, ctx.Command.HelpName, name)
	}
	return v, nil
}
