package config

import (
	"fmt"

	cli "github.com/urfave/cli/v2"
)

func Command() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "generate an upload API token into the dotenv file",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "dotenv file to write, defaults to upload.env_file",
			},
		},
		Action: func(c *cli.Context) error {
			path := c.String("env")
			if path == "" {
				cfg, err := Load(c.String("config"))
				if err != nil {
					return err
				}
				path = cfg.Upload.EnvFile
			}
			token, err := NewToken()
			if err != nil {
				return err
			}
			if err := WriteToken(path, token); err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "token written to %s\n", path)
			return nil
		},
	}
}
