package buscli

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/uptrace/opentelemetry-go-extra/otellogrus"

	"github.com/cri-o/busconn/internal/config"
	"github.com/cri-o/busconn/internal/log"
)

// ConfigureLogging applies the log format, level and filter to the standard
// logger and records entries on active spans. It can be called again to
// reload the level and filter.
func ConfigureLogging(conf *config.RootConfig, format string) error {
	switch format {
	case "", "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006-01-02 15:04:05.000000000Z07:00",
			FullTimestamp:   true,
		})
	case "json":
		logrus.SetFormatter(new(logrus.JSONFormatter))
	default:
		return fmt.Errorf("unknown log-format %q", format)
	}

	level, err := logrus.ParseLevel(conf.LogLevel)
	if err != nil {
		return err
	}
	logrus.SetLevel(level)

	filterHook, err := log.NewFilterHook(conf.LogFilter)
	if err != nil {
		return err
	}
	log.RemoveHook[*log.FilterHook](logrus.StandardLogger())
	logrus.AddHook(filterHook)

	log.RemoveHook[*otellogrus.Hook](logrus.StandardLogger())
	logrus.AddHook(log.NewSpanHook())
	return nil
}
