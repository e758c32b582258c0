package buscli

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	json "github.com/json-iterator/go"
	"github.com/urfave/cli/v2"

	"github.com/cri-o/busconn/internal/config"
	"github.com/cri-o/busconn/internal/log"
	"github.com/cri-o/busconn/internal/signals"
	"github.com/cri-o/busconn/pkg/bus"
	"github.com/cri-o/busconn/pkg/connection"
	"github.com/cri-o/busconn/pkg/message"
)

const (
	busFlag     = "bus"
	noHelloFlag = "no-hello"
	destFlag    = "dest"
	timeoutFlag = "timeout"
	outputFlag  = "output"
)

var clientFlags = []cli.Flag{
	&cli.StringFlag{
		Name:  busFlag,
		Usage: "Connect to the 'session', 'system' or 'starter' bus instead of --address.",
	},
	&cli.BoolFlag{
		Name:  noHelloFlag,
		Usage: "Do not register with org.freedesktop.DBus.Hello after connecting to --address.",
	},
	&cli.StringFlag{
		Name:  destFlag,
		Usage: "Destination of the message, empty on peer to peer connections.",
	},
	&cli.DurationFlag{
		Name:  timeoutFlag,
		Usage: "Time to wait for the reply, the configured reply timeout if unset.",
	},
}

var outputFlagDef = &cli.StringFlag{
	Name:    outputFlag,
	Aliases: []string{"o"},
	Value:   OutputJSON,
	Usage:   "Print messages as 'json' or 'yaml'.",
}

var CallCommand = &cli.Command{
	Name:      "call",
	Usage:     "call a method and print the reply",
	ArgsUsage: "METHOD [ARG...]",
	Description: `Arguments are strings unless prefixed with their type: 'u:' uint32,
   'i:' int32, 't:' uint64, 'x:' int64, 'b:' boolean, 'o:' object path or
   's:' string.`,
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:  "path",
			Value: string(ServicePath),
			Usage: "Object path to call.",
		},
		&cli.StringFlag{
			Name:  "interface",
			Value: ServiceInterface,
			Usage: "Interface of the method.",
		},
		outputFlagDef,
	}, clientFlags...),
	Action: callAction,
}

var PingCommand = &cli.Command{
	Name:   "ping",
	Usage:  "ping the peer with org.freedesktop.DBus.Peer.Ping",
	Flags:  clientFlags,
	Action: pingAction,
}

var MonitorCommand = &cli.Command{
	Name:  "monitor",
	Usage: "print every received message until interrupted",
	Flags: append([]cli.Flag{
		&cli.IntFlag{
			Name:  "count",
			Usage: "Stop after this many messages, 0 for no limit.",
		},
		outputFlagDef,
	}, clientFlags...),
	Action: monitorAction,
}

// ParseBusType converts a --bus value.
func ParseBusType(s string) (bus.Type, error) {
	for _, bt := range []bus.Type{bus.Session, bus.System, bus.Starter} {
		if bt.String() == s {
			return bt, nil
		}
	}
	return 0, fmt.Errorf("unknown bus type %q", s)
}

// ParseArg converts a typed command line argument into a message argument.
func ParseArg(s string) (any, error) {
	prefix, value, ok := strings.Cut(s, ":")
	if !ok || len(prefix) != 1 {
		return s, nil
	}
	switch prefix {
	case "s":
		return value, nil
	case "o":
		path := dbus.ObjectPath(value)
		if !path.IsValid() {
			return nil, fmt.Errorf("invalid object path %q", value)
		}
		return path, nil
	case "b":
		return strconv.ParseBool(value)
	case "u":
		v, err := strconv.ParseUint(value, 10, 32)
		return uint32(v), err
	case "i":
		v, err := strconv.ParseInt(value, 10, 32)
		return int32(v), err
	case "t":
		return strconv.ParseUint(value, 10, 64)
	case "x":
		return strconv.ParseInt(value, 10, 64)
	}
	return s, nil
}

// withConnection runs fn on a connection to the configured address, or to
// the bus selected with --bus. Bus connections are reopened once if they
// turn out to be disconnected.
func withConnection(c *cli.Context, fn func(context.Context, *connection.Connection) error) error {
	conf, err := GetAndMergeConfigFromContext(c)
	if err != nil {
		return err
	}
	if err := conf.ConnectionConfig.Validate(); err != nil {
		return err
	}
	opts, err := ConnectionOptions(&conf.ConnectionConfig)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, signals.Shutdown...)
	defer stop()

	if name := c.String(busFlag); name != "" {
		bt, err := ParseBusType(name)
		if err != nil {
			return err
		}
		r := bus.NewRegistry(
			bus.WithConnectionOptions(opts...),
			bus.WithExitOnDisconnect(conf.ExitOnDisconnect),
		)
		defer r.Shutdown()
		return r.RetryOnDisconnect(ctx, bt, func(conn *connection.Connection) error {
			if err := ApplyLimits(conn, &conf.ConnectionConfig); err != nil {
				return err
			}
			return fn(ctx, conn)
		})
	}

	conn, err := openAddress(ctx, &conf.ConnectionConfig, !c.Bool(noHelloFlag), opts...)
	if err != nil {
		return err
	}
	defer func() {
		conn.Close() //nolint:errcheck
		conn.Unref()
	}()
	return fn(ctx, conn)
}

func openAddress(ctx context.Context, conf *config.ConnectionConfig, hello bool, opts ...connection.Option) (*connection.Connection, error) {
	conn, err := bus.Open(ctx, conf.Address, append(opts, connection.WithName("cli"))...)
	if err != nil {
		return nil, err
	}
	if err := ApplyLimits(conn, conf); err != nil {
		conn.Close() //nolint:errcheck
		conn.Unref()
		return nil, err
	}
	if hello {
		if _, err := bus.Register(ctx, conn); err != nil {
			conn.Close() //nolint:errcheck
			conn.Unref()
			return nil, err
		}
	}
	return conn, nil
}

func replyTimeout(c *cli.Context) time.Duration {
	if c.IsSet(timeoutFlag) {
		return c.Duration(timeoutFlag)
	}
	return connection.TimeoutUseDefault
}

func callAction(c *cli.Context) error {
	if c.NArg() == 0 {
		return fmt.Errorf("method name required")
	}
	args := make([]any, 0, c.NArg()-1)
	for _, raw := range c.Args().Slice()[1:] {
		arg, err := ParseArg(raw)
		if err != nil {
			return fmt.Errorf("parse argument %q: %w", raw, err)
		}
		args = append(args, arg)
	}
	path := dbus.ObjectPath(c.String("path"))
	if !path.IsValid() {
		return fmt.Errorf("invalid object path %q", path)
	}

	return withConnection(c, func(ctx context.Context, conn *connection.Connection) error {
		msg := message.NewMethodCall(c.String(destFlag), path, c.String("interface"), c.Args().First(), args...)
		defer msg.Unref()

		reply, err := conn.SendWithReplyAndBlock(ctx, msg, replyTimeout(c))
		if reply == nil {
			return err
		}
		defer reply.Unref()
		if bus.IsDisconnected(err) {
			return err
		}

		out, renderErr := RenderAs(reply, c.String(outputFlag))
		if renderErr != nil {
			return renderErr
		}
		fmt.Fprintln(c.App.Writer, out)
		return err
	})
}

// PingResult is printed by the ping command.
type PingResult struct {
	Address  string `json:"address"`
	ServerID string `json:"serverId"`
	RTT      string `json:"rtt"`
}

func pingAction(c *cli.Context) error {
	return withConnection(c, func(ctx context.Context, conn *connection.Connection) error {
		msg := message.NewMethodCall(c.String(destFlag), "/", message.InterfacePeer, "Ping")
		defer msg.Unref()

		start := time.Now()
		reply, err := conn.SendWithReplyAndBlock(ctx, msg, replyTimeout(c))
		if reply != nil {
			reply.Unref()
		}
		if err != nil {
			return err
		}

		out, err := json.ConfigCompatibleWithStandardLibrary.MarshalToString(&PingResult{
			Address:  conn.Address(),
			ServerID: conn.ServerID(),
			RTT:      time.Since(start).String(),
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(c.App.Writer, out)
		return nil
	})
}

func monitorAction(c *cli.Context) error {
	return withConnection(c, func(ctx context.Context, conn *connection.Connection) error {
		return Monitor(ctx, conn, c.Int("count"), c.String(outputFlag), func(line string) {
			fmt.Fprintln(c.App.Writer, line)
		})
	})
}

// Monitor prints every message dispatched on conn in the given output format
// until ctx is done, conn is disconnected or count messages were printed.
// Builtin Peer handling is turned off so that every message is seen.
func Monitor(ctx context.Context, conn *connection.Connection, count int, format string, print func(string)) error {
	conn.SetBuiltinFiltersEnabled(false)

	var (
		seen    int
		lastErr error
	)
	filter, err := conn.AddFilter(func(_ *connection.Connection, msg *message.Message) connection.HandlerResult {
		if msg.IsSignal(message.InterfaceLocal, "Disconnected") {
			return connection.NotYetHandled
		}
		out, err := RenderAs(msg, format)
		if err != nil {
			lastErr = err
			return connection.Handled
		}
		print(out)
		seen++
		return connection.Handled
	}, nil)
	if err != nil {
		return err
	}
	defer conn.RemoveFilter(filter) //nolint:errcheck

	for ctx.Err() == nil && (count <= 0 || seen < count) && lastErr == nil {
		if !conn.ReadWriteDispatch(250 * time.Millisecond) {
			log.Infof(ctx, "Connection to %s closed", conn.Address())
			break
		}
	}
	return lastErr
}
