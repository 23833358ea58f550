package web

import (
	config "github.com/mpoegel/camtrap/pkg/config"
	control "github.com/mpoegel/camtrap/pkg/control"
	logging "github.com/mpoegel/camtrap/pkg/logging"
	cli "github.com/urfave/cli/v2"
	zap "go.uber.org/zap"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:  "web",
		Usage: "serve a status page with a live capture feed",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "listen address, defaults to the configured one",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if l := c.String("listen"); l != "" {
				cfg.Web.Listen = l
			}
			logger, err := logging.New(c.String("log-level"), c.Bool("debug"))
			if err != nil {
				return err
			}
			defer logger.Sync()

			client, err := control.Dial(cfg.Control.Listen)
			if err != nil {
				return err
			}
			defer client.Close()

			server, err := NewServer(Options{
				Web:         cfg.Web,
				ControlAddr: cfg.Control.Listen,
				ImageDir:    cfg.Storage.ImageDir,
			}, client, logger.Named("web"))
			if err != nil {
				return err
			}
			logger.Info("serving web feed", zap.String("control", cfg.Control.Listen))
			return server.Start(c.Context)
		},
	}
}
