package main

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "shadowvault"
	app.Version = "0.1.0"
	app.Compiled = time.Now()
	app.Usage = "confidential vault client: seals amounts and settles them through the computation network"
	app.UsageText = "shadowvault [options] command [command options] [arguments...]"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "path to the config file, defaults to ./config.yaml",
		},
		cli.BoolFlag{
			Name:  "debug, d",
			Usage: "set debug mode",
		},
	}
	app.Before = func(c *cli.Context) error {
		if c.GlobalBool("debug") {
			logrus.SetLevel(logrus.DebugLevel)
		}
		return nil
	}
	app.Commands = commands()

	if err := app.Run(os.Args); err != nil {
		logrus.Fatal(err)
	}
}
