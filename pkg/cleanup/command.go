package cleanup

import (
	"fmt"
	"time"

	config "github.com/mpoegel/camtrap/pkg/config"
	logging "github.com/mpoegel/camtrap/pkg/logging"
	cli "github.com/urfave/cli/v2"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:  "cleanup",
		Usage: "delete retained images older than the retention window",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "dir",
				Aliases: []string{"d"},
				Usage:   "directory in which to delete saved pictures, defaults to the configured one",
			},
			&cli.DurationFlag{
				Name:    "older-than",
				Aliases: []string{"s"},
				Usage:   "delete pictures older than this duration from now, defaults to the configured retention",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			opt := Options{
				ImageDir:  cfg.Storage.ImageDir,
				OlderThan: cfg.Storage.Retention,
			}
			if d := c.String("dir"); d != "" {
				opt.ImageDir = d
			}
			if c.IsSet("older-than") {
				opt.OlderThan = c.Duration("older-than")
			}

			logger, err := logging.New(c.String("log-level"), c.Bool("debug"))
			if err != nil {
				return err
			}
			defer logger.Sync()

			n, err := Prune(opt, time.Now(), logger.Named("cleanup"))
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "removed %d images\n", n)
			return nil
		},
	}
}
