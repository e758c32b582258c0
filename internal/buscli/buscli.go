package buscli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/cri-o/busconn/internal/config"
	"github.com/cri-o/busconn/internal/metrics/collectors"
	"github.com/cri-o/busconn/pkg/connection"
)

// DefaultConfigPath is the configuration file read if --config is not set.
const DefaultConfigPath = "/etc/busconn/busconn.conf"

func GetConfigFromContext(c *cli.Context) (*config.Config, error) {
	conf, ok := c.App.Metadata["config"].(*config.Config)
	if !ok {
		return nil, errors.New("type assertion error when accessing busconn config")
	}
	return conf, nil
}

func GetAndMergeConfigFromContext(c *cli.Context) (*config.Config, error) {
	conf, err := GetConfigFromContext(c)
	if err != nil {
		return nil, err
	}
	if err := mergeConfig(conf, c); err != nil {
		return nil, err
	}
	return conf, nil
}

func mergeConfig(conf *config.Config, ctx *cli.Context) error {
	// Don't parse the config if the user explicitly set it to "".
	path := ctx.String("config")
	if path != "" {
		if err := conf.UpdateFromFile(ctx.Context, path); err != nil {
			if ctx.IsSet("config") || !os.IsNotExist(err) {
				return err
			}
		}
	}

	// Override options set with the CLI.
	if ctx.IsSet("log-level") {
		conf.LogLevel = ctx.String("log-level")
	}
	if ctx.IsSet("log-filter") {
		conf.LogFilter = ctx.String("log-filter")
	}
	if ctx.IsSet("watch-config") {
		conf.WatchConfig = ctx.Bool("watch-config")
	}
	if ctx.IsSet("address") {
		conf.Address = ctx.String("address")
	}
	if ctx.IsSet("max-message-size") {
		conf.MaxMessageSize = ctx.String("max-message-size")
	}
	if ctx.IsSet("max-received-size") {
		conf.MaxReceivedSize = ctx.String("max-received-size")
	}
	if ctx.IsSet("max-message-unix-fds") {
		conf.MaxMessageUnixFDs = ctx.Int64("max-message-unix-fds")
	}
	if ctx.IsSet("max-received-unix-fds") {
		conf.MaxReceivedUnixFDs = ctx.Int64("max-received-unix-fds")
	}
	if ctx.IsSet("reply-timeout") {
		conf.ReplyTimeout = ctx.String("reply-timeout")
	}
	if ctx.IsSet("exit-on-disconnect") {
		conf.ExitOnDisconnect = ctx.Bool("exit-on-disconnect")
	}
	if ctx.IsSet("route-peer-messages") {
		conf.RoutePeerMessages = ctx.Bool("route-peer-messages")
	}
	if ctx.IsSet("builtin-filters") {
		conf.BuiltinFilters = ctx.Bool("builtin-filters")
	}
	if ctx.IsSet("enable-metrics") {
		conf.EnableMetrics = ctx.Bool("enable-metrics")
	}
	if ctx.IsSet("metrics-collectors") {
		conf.MetricsCollectors = collectors.FromSlice(StringSliceTrySplit(ctx, "metrics-collectors"))
	}
	if ctx.IsSet("metrics-host") {
		conf.MetricsHost = ctx.String("metrics-host")
	}
	if ctx.IsSet("metrics-port") {
		conf.MetricsPort = ctx.Int("metrics-port")
	}
	if ctx.IsSet("metrics-socket") {
		conf.MetricsSocket = ctx.String("metrics-socket")
	}
	if ctx.IsSet("enable-tracing") {
		conf.EnableTracing = ctx.Bool("enable-tracing")
	}
	if ctx.IsSet("tracing-endpoint") {
		conf.TracingEndpoint = ctx.String("tracing-endpoint")
	}
	if ctx.IsSet("tracing-sampling-rate-per-million") {
		conf.TracingSamplingRatePerMillion = ctx.Int("tracing-sampling-rate-per-million")
	}
	if ctx.IsSet("ping-timeout") {
		conf.PingTimeout = ctx.String("ping-timeout")
	}
	return nil
}

func GetFlagsAndMetadata() ([]cli.Flag, map[string]interface{}) {
	conf := config.DefaultConfig()
	metadata := map[string]interface{}{
		"config": conf,
	}
	return getFlags(conf), metadata
}

func getFlags(defConf *config.Config) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:      "config",
			Aliases:   []string{"c"},
			Value:     DefaultConfigPath,
			Usage:     "Path to configuration file",
			EnvVars:   []string{"BUSCONN_CONFIG"},
			TakesFile: true,
		},
		&cli.StringFlag{
			Name:    "log-level",
			Aliases: []string{"l"},
			Value:   defConf.LogLevel,
			Usage:   "Log messages above specified level: trace, debug, info, warn, error, fatal or panic.",
			EnvVars: []string{"BUSCONN_LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-filter",
			Usage:   `Filter the log messages by the provided regular expression. For example 'Dispatch.\*' keeps only the dispatch messages.`,
			EnvVars: []string{"BUSCONN_LOG_FILTER"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Value:   "text",
			Usage:   "Set the format used by logs: 'text' or 'json'.",
			EnvVars: []string{"BUSCONN_LOG_FORMAT"},
		},
		&cli.BoolFlag{
			Name:    "watch-config",
			Value:   defConf.WatchConfig,
			Usage:   "Reload the log level and filter when the configuration file changes.",
			EnvVars: []string{"BUSCONN_WATCH_CONFIG"},
		},
		&cli.StringFlag{
			Name:    "address",
			Aliases: []string{"a"},
			Value:   defConf.Address,
			Usage:   "Bus address to listen on or connect to, for example 'unix:path=/run/busconn/bus.sock'.",
			EnvVars: []string{"BUSCONN_ADDRESS"},
		},
		&cli.StringFlag{
			Name:    "max-message-size",
			Value:   defConf.MaxMessageSize,
			Usage:   "Largest single message accepted from the peer, for example '32MiB'.",
			EnvVars: []string{"BUSCONN_MAX_MESSAGE_SIZE"},
		},
		&cli.StringFlag{
			Name:    "max-received-size",
			Value:   defConf.MaxReceivedSize,
			Usage:   "Bytes of received but not yet dispatched messages at which reading stops.",
			EnvVars: []string{"BUSCONN_MAX_RECEIVED_SIZE"},
		},
		&cli.Int64Flag{
			Name:    "max-message-unix-fds",
			Value:   defConf.MaxMessageUnixFDs,
			Usage:   "Largest number of unix file descriptors in a single message.",
			EnvVars: []string{"BUSCONN_MAX_MESSAGE_UNIX_FDS"},
		},
		&cli.Int64Flag{
			Name:    "max-received-unix-fds",
			Value:   defConf.MaxReceivedUnixFDs,
			Usage:   "Received but not yet dispatched unix file descriptors at which reading stops.",
			EnvVars: []string{"BUSCONN_MAX_RECEIVED_UNIX_FDS"},
		},
		&cli.StringFlag{
			Name:    "reply-timeout",
			Value:   defConf.ReplyTimeout,
			Usage:   "Default time to wait for the reply to a method call.",
			EnvVars: []string{"BUSCONN_REPLY_TIMEOUT"},
		},
		&cli.BoolFlag{
			Name:    "exit-on-disconnect",
			Value:   defConf.ExitOnDisconnect,
			Usage:   "Exit the process once the connection to the bus is lost.",
			EnvVars: []string{"BUSCONN_EXIT_ON_DISCONNECT"},
		},
		&cli.BoolFlag{
			Name:    "route-peer-messages",
			Value:   defConf.RoutePeerMessages,
			Usage:   "Pass org.freedesktop.DBus.Peer calls with a destination to the handlers instead of answering them.",
			EnvVars: []string{"BUSCONN_ROUTE_PEER_MESSAGES"},
		},
		&cli.BoolFlag{
			Name:    "builtin-filters",
			Value:   defConf.BuiltinFilters,
			Usage:   "Answer org.freedesktop.DBus.Peer calls internally.",
			EnvVars: []string{"BUSCONN_BUILTIN_FILTERS"},
		},
		&cli.BoolFlag{
			Name:    "enable-metrics",
			Usage:   "Enable metrics endpoint for the server.",
			EnvVars: []string{"BUSCONN_ENABLE_METRICS"},
		},
		&cli.StringSliceFlag{
			Name:    "metrics-collectors",
			Usage:   "Enabled metrics collectors.",
			Value:   cli.NewStringSlice(defConf.MetricsCollectors.ToSlice()...),
			EnvVars: []string{"BUSCONN_METRICS_COLLECTORS"},
		},
		&cli.StringFlag{
			Name:    "metrics-host",
			Value:   defConf.MetricsHost,
			Usage:   "Host for the metrics endpoint.",
			EnvVars: []string{"BUSCONN_METRICS_HOST"},
		},
		&cli.IntFlag{
			Name:    "metrics-port",
			Value:   defConf.MetricsPort,
			Usage:   "Port for the metrics endpoint.",
			EnvVars: []string{"BUSCONN_METRICS_PORT"},
		},
		&cli.StringFlag{
			Name:      "metrics-socket",
			Usage:     "Socket for the metrics endpoint.",
			EnvVars:   []string{"BUSCONN_METRICS_SOCKET"},
			TakesFile: true,
		},
		&cli.BoolFlag{
			Name:    "enable-tracing",
			Usage:   "Enable OpenTelemetry trace data exporting.",
			EnvVars: []string{"BUSCONN_ENABLE_TRACING"},
		},
		&cli.StringFlag{
			Name:    "tracing-endpoint",
			Value:   defConf.TracingEndpoint,
			Usage:   "Address on which the gRPC tracing collector will listen.",
			EnvVars: []string{"BUSCONN_TRACING_ENDPOINT"},
		},
		&cli.IntFlag{
			Name:    "tracing-sampling-rate-per-million",
			Value:   defConf.TracingSamplingRatePerMillion,
			Usage:   "Number of samples to collect per million OpenTelemetry spans. Set to 1000000 to always sample.",
			EnvVars: []string{"BUSCONN_TRACING_SAMPLING_RATE_PER_MILLION"},
		},
		&cli.StringFlag{
			Name:    "ping-timeout",
			Value:   defConf.PingTimeout,
			Usage:   "Time the systemd watchdog health check waits for a ping reply.",
			EnvVars: []string{"BUSCONN_PING_TIMEOUT"},
		},
	}
}

// StringSliceTrySplit parses the string slice from the CLI context.
// If the parsing returns just a single item, then we try to parse them by `,`
// to allow users to provide their flags comma separated.
func StringSliceTrySplit(ctx *cli.Context, name string) []string {
	values := ctx.StringSlice(name)
	separator := ","

	// It looks like we only parsed one item, let's see if there are more
	if len(values) == 1 && strings.Contains(values[0], separator) {
		values = strings.Split(values[0], separator)

		// Trim whitespace
		for i := range values {
			values[i] = strings.TrimSpace(values[i])
		}

		logrus.Infof(
			"Parsed comma separated CLI flag %q into dedicated values %v",
			name, values,
		)

		return values
	}

	// Copy the slice to avoid the cli flags being overwritten
	trimmedValues := []string{}
	for _, value := range values {
		trimmedValues = append(trimmedValues, strings.TrimSpace(value))
	}
	return trimmedValues
}

// ConnectionOptions translates the connection settings into options for
// connection.New.
func ConnectionOptions(conf *config.ConnectionConfig) ([]connection.Option, error) {
	timeout, err := conf.Timeout()
	if err != nil {
		return nil, err
	}
	return []connection.Option{
		connection.WithDefaultTimeout(timeout),
		connection.WithExitOnDisconnect(conf.ExitOnDisconnect),
		connection.WithRoutePeerMessages(conf.RoutePeerMessages),
		connection.WithBuiltinFilters(conf.BuiltinFilters),
	}, nil
}

// ApplyLimits sets the configured size and unix fd limits on conn.
func ApplyLimits(conn *connection.Connection, conf *config.ConnectionConfig) error {
	limits, err := conf.Limits()
	if err != nil {
		return fmt.Errorf("connection limits: %w", err)
	}
	conn.SetLimits(limits)
	return nil
}
