package control

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	config "github.com/mpoegel/camtrap/pkg/config"
	cli "github.com/urfave/cli/v2"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:  "control",
		Usage: "talk to a running trap over its control socket",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "control address, defaults to the configured one",
			},
		},
		Subcommands: []*cli.Command{
			{
				Name:  "trigger",
				Usage: "take a picture now",
				Action: func(c *cli.Context) error {
					client, err := dial(c)
					if err != nil {
						return err
					}
					defer client.Close()
					out, err := client.Trigger(c.Context)
					if err != nil {
						return err
					}
					printFields(c.App.Writer, out)
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "print the trap's current state",
				Action: func(c *cli.Context) error {
					client, err := dial(c)
					if err != nil {
						return err
					}
					defer client.Close()
					st, err := client.Status(c.Context)
					if err != nil {
						return err
					}
					printFields(c.App.Writer, st)
					return nil
				},
			},
			{
				Name:  "watch",
				Usage: "stream capture outcomes as JSON lines",
				Action: func(c *cli.Context) error {
					client, err := dial(c)
					if err != nil {
						return err
					}
					defer client.Close()
					enc := json.NewEncoder(c.App.Writer)
					err = client.Watch(c.Context, func(m map[string]any) error {
						return enc.Encode(m)
					})
					if c.Context.Err() != nil {
						return nil
					}
					return err
				},
			},
		},
	}
}

func dial(c *cli.Context) (*Client, error) {
	addr := c.String("addr")
	if addr == "" {
		cfg, err := config.Load(c.String("config"))
		if err != nil {
			return nil, err
		}
		addr = cfg.Control.Listen
	}
	return Dial(addr)
}

func printFields(w io.Writer, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%-14s %v\n", k, m[k])
	}
}
