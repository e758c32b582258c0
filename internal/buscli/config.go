package buscli

import (
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/cri-o/busconn/internal/config"
)

var ConfigCommand = &cli.Command{
	Name: "config",
	Usage: `Outputs the effective configuration in TOML. This allows you to save your
current configuration setup and then load it later with **--config**. Global
options will modify the output.`,
	Flags: []cli.Flag{
		&cli.BoolFlag{
			Name:  "default",
			Usage: "Output the default configuration (without taking into account any configuration options).",
		},
	},
	Action: func(c *cli.Context) error {
		logrus.SetFormatter(&logrus.TextFormatter{
			DisableTimestamp: true,
		})
		logrus.SetLevel(logrus.InfoLevel)

		conf, err := GetAndMergeConfigFromContext(c)
		if err != nil {
			return err
		}

		if c.Bool("default") {
			conf = config.DefaultConfig()
		}

		// Validate the configuration during generation
		if err := conf.Validate(); err != nil {
			return err
		}

		b, err := conf.ToBytes()
		if err != nil {
			return err
		}
		_, err = c.App.Writer.Write(b)
		return err
	},
}
