package trap

import (
	camera "github.com/mpoegel/camtrap/pkg/camera"
	config "github.com/mpoegel/camtrap/pkg/config"
	environ "github.com/mpoegel/camtrap/pkg/environ"
	logging "github.com/mpoegel/camtrap/pkg/logging"
	cli "github.com/urfave/cli/v2"
	zap "go.uber.org/zap"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "watch for motion and capture, store and upload pictures",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "device",
				Usage: "camera device, defaults to the configured one",
			},
			&cli.BoolFlag{
				Name:  "no-sensor",
				Usage: "run without the environment sensor",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			if d := c.String("device"); d != "" {
				cfg.Camera.Device = d
			}
			if c.Bool("no-sensor") {
				cfg.Sensor.Enabled = false
			}

			level := cfg.Log.Level
			if c.IsSet("log-level") {
				level = c.String("log-level")
			}
			logger, err := logging.New(level, c.Bool("debug"))
			if err != nil {
				return err
			}
			defer logger.Sync()

			if err := cfg.LoadToken(); err != nil {
				logger.Warn("failed to read env file", zap.String("path", cfg.Upload.EnvFile), zap.Error(err))
			}

			t, err := New(cfg, OpenHardware(cfg, logger), logger)
			if err != nil {
				return err
			}
			return t.Run(c.Context)
		},
	}
}

// OpenHardware opens the camera device and, when enabled, the environment
// sensor. A missing sensor is not an error.
func OpenHardware(cfg *config.Config, logger *zap.Logger) Hardware {
	hw := Hardware{
		Device: camera.NewVideoDevice(cfg.Camera.Device, cfg.Camera.WarmupFrames),
	}
	if !cfg.Sensor.Enabled {
		return hw
	}
	sensor, err := environ.OpenBME280(cfg.Sensor.Bus, cfg.Sensor.Address)
	if err != nil {
		logger.Warn("environment sensor not found", zap.String("bus", cfg.Sensor.Bus), zap.Error(err))
		return hw
	}
	hw.Sensor = sensor
	return hw
}
