package trigger

import (
	"context"
	"fmt"
	"time"

	config "github.com/mpoegel/camtrap/pkg/config"
	cli "github.com/urfave/cli/v2"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:  "trigger",
		Usage: "ask a running trap to take a picture",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "trigger listener address, defaults to the configured one",
			},
			&cli.StringFlag{
				Name:  "message",
				Value: "capture",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Value: 30 * time.Second,
				Usage: "how long to wait for the capture to complete",
			},
		},
		Action: func(c *cli.Context) error {
			addr := c.String("addr")
			if addr == "" {
				cfg, err := config.Load(c.String("config"))
				if err != nil {
					return err
				}
				addr = cfg.Trigger.Listen
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()
			ack, err := Send(ctx, addr, c.String("message"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, ack)
			return nil
		},
	}
}
