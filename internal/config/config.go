package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	units "github.com/docker/go-units"
	"github.com/google/renameio"
	"github.com/sirupsen/logrus"

	"github.com/cri-o/busconn/internal/log"
	"github.com/cri-o/busconn/internal/metrics/collectors"
	"github.com/cri-o/busconn/pkg/transport"
)

// Defaults if none are specified.
const (
	DefaultAddress            = "unix:path=/run/busconn/bus.sock"
	defaultReplyTimeout       = "25s"
	defaultWatchdogTimeout    = "5s"
	defaultMaxMessageSize     = "32MiB"
	defaultMaxReceivedSize    = "63MiB"
	defaultMetricsPort        = 9095
	defaultTracingEndpoint    = "0.0.0.0:4317"
	defaultMaxMessageUnixFDs  = 16
	defaultMaxReceivedUnixFDs = 64
)

// Config represents the entire set of configuration values that can be set
// for busconn. It is intended to be loaded from a TOML encoded file.
type Config struct {
	RootConfig
	ConnectionConfig
	MetricsConfig
	TracingConfig
	WatchdogConfig
}

// RootConfig represents the root of the "busconn" TOML config table.
type RootConfig struct {
	// LogLevel is the logrus level used for the process.
	LogLevel string `toml:"log_level"`

	// LogFilter is a regular expression which has to match a log message
	// to be printed.
	LogFilter string `toml:"log_filter"`

	// WatchConfig reloads the log settings whenever the configuration file
	// changes, in addition to SIGHUP.
	WatchConfig bool `toml:"watch_config"`
}

// ConnectionConfig holds the settings applied to every connection opened
// by the process.
type ConnectionConfig struct {
	// Address is the bus address to connect to or listen on.
	Address string `toml:"address"`

	// MaxMessageSize is the largest message the transport accepts, as a
	// human readable size.
	MaxMessageSize string `toml:"max_message_size"`

	// MaxReceivedSize is the limit on bytes held in received but not yet
	// dispatched messages.
	MaxReceivedSize string `toml:"max_received_size"`

	MaxMessageUnixFDs  int64 `toml:"max_message_unix_fds"`
	MaxReceivedUnixFDs int64 `toml:"max_received_unix_fds"`

	// ReplyTimeout is the default time to wait for a method reply.
	ReplyTimeout string `toml:"reply_timeout"`

	// ExitOnDisconnect terminates the process once the disconnect
	// notification has been dispatched.
	ExitOnDisconnect bool `toml:"exit_on_disconnect"`

	// RoutePeerMessages passes Peer interface calls with a destination to
	// the handlers instead of answering them internally.
	RoutePeerMessages bool `toml:"route_peer_messages"`

	// BuiltinFilters enables the internal Peer handler. Monitors turn it off.
	BuiltinFilters bool `toml:"builtin_filters"`
}

// MetricsConfig specifies all necessary configuration for Prometheus based
// metrics retrieval.
type MetricsConfig struct {
	// EnableMetrics can be used to globally enable or disable metrics support
	EnableMetrics bool `toml:"enable_metrics"`

	// MetricsCollectors specifies enabled metrics collectors.
	MetricsCollectors collectors.Collectors `toml:"metrics_collectors"`

	// MetricsHost is the IP address or hostname on which the metrics server will listen.
	MetricsHost string `toml:"metrics_host"`

	// MetricsPort is the port on which the metrics server will listen.
	MetricsPort int `toml:"metrics_port"`

	// Local socket path to bind the metrics server to
	MetricsSocket string `toml:"metrics_socket"`
}

// TracingConfig specifies all necessary configuration for opentelemetry trace exports.
type TracingConfig struct {
	// EnableTracing can be used to globally enable or disable tracing support
	EnableTracing bool `toml:"enable_tracing"`

	// TracingEndpoint is the address on which the grpc tracing collector server will listen.
	TracingEndpoint string `toml:"tracing_endpoint"`

	// TracingSamplingRatePerMillion is the number of samples to collect per million spans. Set to 1000000 to always sample.
	TracingSamplingRatePerMillion int `toml:"tracing_sampling_rate_per_million"`
}

// WatchdogConfig configures the systemd watchdog health check.
type WatchdogConfig struct {
	// PingTimeout bounds the Peer.Ping round trip used as health check.
	PingTimeout string `toml:"ping_timeout"`
}

// tomlConfig is another way of looking at a Config, which is
// TOML-friendly (it has all of the explicit tables). It's just used for
// conversions.
type tomlConfig struct {
	Busconn struct {
		RootConfig
		Connection struct{ ConnectionConfig } `toml:"connection"`
		Metrics    struct{ MetricsConfig }    `toml:"metrics"`
		Tracing    struct{ TracingConfig }    `toml:"tracing"`
		Watchdog   struct{ WatchdogConfig }   `toml:"watchdog"`
	} `toml:"busconn"`
}

func (t *tomlConfig) toConfig(c *Config) {
	c.RootConfig = t.Busconn.RootConfig
	c.ConnectionConfig = t.Busconn.Connection.ConnectionConfig
	c.MetricsConfig = t.Busconn.Metrics.MetricsConfig
	c.TracingConfig = t.Busconn.Tracing.TracingConfig
	c.WatchdogConfig = t.Busconn.Watchdog.WatchdogConfig
}

func (t *tomlConfig) fromConfig(c *Config) {
	t.Busconn.RootConfig = c.RootConfig
	t.Busconn.Connection.ConnectionConfig = c.ConnectionConfig
	t.Busconn.Metrics.MetricsConfig = c.MetricsConfig
	t.Busconn.Tracing.TracingConfig = c.TracingConfig
	t.Busconn.Watchdog.WatchdogConfig = c.WatchdogConfig
}

// DefaultConfig returns the default configuration for busconn.
func DefaultConfig() *Config {
	return &Config{
		RootConfig: RootConfig{
			LogLevel:    "info",
			WatchConfig: true,
		},
		ConnectionConfig: ConnectionConfig{
			Address:            DefaultAddress,
			MaxMessageSize:     defaultMaxMessageSize,
			MaxReceivedSize:    defaultMaxReceivedSize,
			MaxMessageUnixFDs:  defaultMaxMessageUnixFDs,
			MaxReceivedUnixFDs: defaultMaxReceivedUnixFDs,
			ReplyTimeout:       defaultReplyTimeout,
			BuiltinFilters:     true,
		},
		MetricsConfig: MetricsConfig{
			MetricsHost:       "127.0.0.1",
			MetricsPort:       defaultMetricsPort,
			MetricsCollectors: collectors.All(),
		},
		TracingConfig: TracingConfig{
			TracingEndpoint:               defaultTracingEndpoint,
			TracingSamplingRatePerMillion: 0,
		},
		WatchdogConfig: WatchdogConfig{
			PingTimeout: defaultWatchdogTimeout,
		},
	}
}

// UpdateFromFile populates the Config from the TOML-encoded file at the given path.
// Returns errors encountered when reading or parsing the files, or nil
// otherwise.
func (c *Config) UpdateFromFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	t := new(tomlConfig)
	t.fromConfig(c)

	metadata, err := toml.Decode(string(data), t)
	if err != nil {
		return fmt.Errorf("unable to decode configuration %v: %w", path, err)
	}

	for _, key := range metadata.Undecoded() {
		log.Warnf(ctx, "Unknown key in configuration %s: %s", path, key)
	}

	t.toConfig(c)
	c.MetricsCollectors = collectors.FromSlice(c.MetricsCollectors.ToSlice())

	return nil
}

// ToFile outputs the given Config as a TOML-encoded file at the given path.
// The file is replaced atomically, readers never see a partial config.
func (c *Config) ToFile(path string) error {
	b, err := c.ToBytes()
	if err != nil {
		return err
	}

	return renameio.WriteFile(path, b, 0o644)
}

// ToBytes encodes the config into a byte slice. It errors if the encoding
// fails, which should never happen at all because of general type safeness.
func (c *Config) ToBytes() ([]byte, error) {
	var buffer bytes.Buffer

	e := toml.NewEncoder(&buffer)

	tc := tomlConfig{}
	tc.fromConfig(c)

	if err := e.Encode(tc); err != nil {
		return nil, err
	}

	return buffer.Bytes(), nil
}

// Validate is the main entry point for configuration validation.
func (c *Config) Validate() error {
	if err := c.RootConfig.Validate(); err != nil {
		return fmt.Errorf("validating root config: %w", err)
	}

	if err := c.ConnectionConfig.Validate(); err != nil {
		return fmt.Errorf("validating connection config: %w", err)
	}

	if err := c.MetricsConfig.Validate(); err != nil {
		return fmt.Errorf("validating metrics config: %w", err)
	}

	if err := c.TracingConfig.Validate(); err != nil {
		return fmt.Errorf("validating tracing config: %w", err)
	}

	if _, err := c.WatchdogConfig.Timeout(); err != nil {
		return fmt.Errorf("validating watchdog config: %w", err)
	}

	return nil
}

// Validate checks the log level.
func (c *RootConfig) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("parse log level %q: %w", c.LogLevel, err)
	}

	return nil
}

// Validate checks that the sizes and timeouts parse and that the limits
// are sane.
func (c *ConnectionConfig) Validate() error {
	if c.Address == "" {
		return errors.New("address must not be empty")
	}

	limits, err := c.Limits()
	if err != nil {
		return err
	}

	if limits.MaxMessageSize() > limits.MaxReceivedSize() {
		return fmt.Errorf(
			"max_message_size %s exceeds max_received_size %s",
			c.MaxMessageSize, c.MaxReceivedSize,
		)
	}

	if limits.MaxMessageUnixFDs() < 0 || limits.MaxReceivedUnixFDs() < 0 {
		return errors.New("unix fd limits must not be negative")
	}

	if _, err := c.Timeout(); err != nil {
		return err
	}

	return nil
}

// Limits converts the human readable sizes into transport limits.
func (c *ConnectionConfig) Limits() (transport.Limits, error) {
	limits := transport.DefaultLimits()

	if c.MaxMessageSize != "" {
		size, err := units.RAMInBytes(c.MaxMessageSize)
		if err != nil {
			return limits, fmt.Errorf("parse max_message_size %q: %w", c.MaxMessageSize, err)
		}

		limits.SetMaxMessageSize(size)
	}

	if c.MaxReceivedSize != "" {
		size, err := units.RAMInBytes(c.MaxReceivedSize)
		if err != nil {
			return limits, fmt.Errorf("parse max_received_size %q: %w", c.MaxReceivedSize, err)
		}

		limits.SetMaxReceivedSize(size)
	}

	limits.SetMaxMessageUnixFDs(c.MaxMessageUnixFDs)
	limits.SetMaxReceivedUnixFDs(c.MaxReceivedUnixFDs)

	return limits, nil
}

// Timeout returns the default reply timeout.
func (c *ConnectionConfig) Timeout() (time.Duration, error) {
	return parseTimeout("reply_timeout", c.ReplyTimeout, defaultReplyTimeout)
}

// Validate checks that only known collectors are enabled.
func (c *MetricsConfig) Validate() error {
	if !c.EnableMetrics {
		return nil
	}

	all := collectors.All()
	for _, collector := range c.MetricsCollectors {
		if !all.Contains(collector) {
			return fmt.Errorf("invalid metrics collector: %s", collector)
		}
	}

	if c.MetricsPort < 0 || c.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port: %d", c.MetricsPort)
	}

	return nil
}

// Validate checks the sampling rate.
func (c *TracingConfig) Validate() error {
	if c.TracingSamplingRatePerMillion < 0 || c.TracingSamplingRatePerMillion > 1000000 {
		return fmt.Errorf("invalid tracing sampling rate: %d", c.TracingSamplingRatePerMillion)
	}

	if c.EnableTracing && c.TracingEndpoint == "" {
		return errors.New("tracing endpoint must not be empty")
	}

	return nil
}

// Timeout returns the health check ping timeout.
func (c *WatchdogConfig) Timeout() (time.Duration, error) {
	return parseTimeout("ping_timeout", c.PingTimeout, defaultWatchdogTimeout)
}

func parseTimeout(key, value, fallback string) (time.Duration, error) {
	if value == "" {
		value = fallback
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s %q: %w", key, value, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive: %s", key, value)
	}

	return d, nil
}

// RemoveUnusedSocket removes the socket at path if it exists, so that a
// listener can be bound to it again.
func RemoveUnusedSocket(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}

	if err != nil {
		return fmt.Errorf("stat socket %s: %w", path, err)
	}

	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("refusing to remove %s: not a socket", path)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove socket %s: %w", path, err)
	}

	return nil
}
