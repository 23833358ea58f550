package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cleanup "github.com/mpoegel/camtrap/pkg/cleanup"
	config "github.com/mpoegel/camtrap/pkg/config"
	control "github.com/mpoegel/camtrap/pkg/control"
	journal "github.com/mpoegel/camtrap/pkg/journal"
	trap "github.com/mpoegel/camtrap/pkg/trap"
	trigger "github.com/mpoegel/camtrap/pkg/trigger"
	web "github.com/mpoegel/camtrap/pkg/web"
	cli "github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "camtrap",
		Usage: "motion triggered field camera",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "camtrap.yaml",
				EnvVars: []string{"CAMTRAP_CONFIG"},
				Usage:   "path to the YAML config",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "human readable development logging",
			},
		},
		Commands: []*cli.Command{
			trap.Command(),
			trigger.Command(),
			control.Command(),
			journal.Command(),
			cleanup.Command(),
			web.Command(),
			config.Command(),
		},
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.RunContext(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "command failed:", err)
		os.Exit(1)
	}
}
