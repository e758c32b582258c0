package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/cri-o/busconn/internal/buscli"
	"github.com/cri-o/busconn/internal/version"
)

func main() {
	app := cli.NewApp()

	app.Name = "busconn"
	app.Usage = "message bus connection server and client"
	app.Version = version.Get().Version
	app.EnableBashCompletion = true

	app.Flags, app.Metadata = buscli.GetFlagsAndMetadata()
	sort.Sort(cli.FlagsByName(app.Flags))

	app.Commands = []*cli.Command{
		buscli.ServeCommand,
		buscli.CallCommand,
		buscli.PingCommand,
		buscli.MonitorCommand,
		buscli.ConfigCommand,
		buscli.VersionCommand,
	}

	app.Before = func(c *cli.Context) error {
		conf, err := buscli.GetAndMergeConfigFromContext(c)
		if err != nil {
			return err
		}
		if err := buscli.ConfigureLogging(&conf.RootConfig, c.String("log-format")); err != nil {
			return err
		}
		logrus.Debugf("Using configuration: %+v", conf)
		return nil
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
