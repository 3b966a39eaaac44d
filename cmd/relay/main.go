package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/jaywantadh/chunkrelay/pkg/env"
	"github.com/jaywantadh/chunkrelay/pkg/logging"
)

func main() {
	env.LoadEnv()
	logging.InitLogger(env.GetEnvBool("RELAY_LOG_DEBUG", false))

	app := &cli.App{
		Name:  "relay",
		Usage: "Relay files between two hosts through a bounded HTTP buffer",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				logging.InitLogger(true)
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			sendCommand(),
			receiveCommand(),
			passwdCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}
