package buscli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/cri-o/busconn/internal/config"
	"github.com/cri-o/busconn/internal/log"
	"github.com/cri-o/busconn/internal/memorystore"
	"github.com/cri-o/busconn/internal/metrics"
	"github.com/cri-o/busconn/internal/opentelemetry"
	"github.com/cri-o/busconn/internal/signals"
	"github.com/cri-o/busconn/internal/watchdog"
	"github.com/cri-o/busconn/pkg/bus"
	"github.com/cri-o/busconn/pkg/connection"
	"github.com/cri-o/busconn/pkg/transport/socket"
)

var ServeCommand = &cli.Command{
	Name:  "serve",
	Usage: "listen on --address and answer every connecting client",
	Description: `Exports ` + string(ServicePath) + ` with the Echo and Sleep methods of the
   ` + ServiceInterface + ` interface on every accepted connection. Peer calls
   are answered by the connection itself unless builtin filters are disabled.`,
	Action: serve,
}

func serve(c *cli.Context) error {
	conf, err := GetAndMergeConfigFromContext(c)
	if err != nil {
		return err
	}
	if err := conf.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, signals.Shutdown...)
	defer stop()

	if conf.EnableTracing {
		tp, err := opentelemetry.InitTracing(ctx, conf.TracingEndpoint, conf.TracingSamplingRatePerMillion)
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			if err := tp.Shutdown(context.Background()); err != nil {
				log.Warnf(ctx, "Unable to shut down tracing: %v", err)
			}
		}()
	}

	m := metrics.New(&conf.MetricsConfig)
	if conf.EnableMetrics {
		stopMetrics := make(chan struct{})
		defer close(stopMetrics)
		if err := m.Start(ctx, stopMetrics); err != nil {
			return err
		}
	}

	l, err := socket.Listen(ctx, conf.Address)
	if err != nil {
		return err
	}
	log.Infof(ctx, "Listening on %s", l.Address())

	srv := NewServer(&conf.ConnectionConfig, NewService())
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		srv.Close()
		return l.Close()
	})
	g.Go(func() error {
		return srv.Serve(gctx, l)
	})

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, signals.Hup)
	defer signal.Stop(reload)
	if path := c.String("config"); path != "" && conf.WatchConfig {
		err := WatchConfig(gctx, path, func() {
			select {
			case reload <- signals.Hup:
			default:
			}
		})
		if err != nil {
			log.Warnf(ctx, "Unable to watch %s: %v", path, err)
		}
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-reload:
				reloadLogging(gctx, c)
			}
		}
	})

	if err := startWatchdog(gctx, conf, l.Address()); err != nil {
		stop()
		g.Wait() //nolint:errcheck
		return err
	}

	if err := g.Wait(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	log.Infof(ctx, "Stopped serving %s", l.Address())
	return nil
}

// reloadLogging rereads the configuration file and applies its log level and
// filter.
func reloadLogging(ctx context.Context, c *cli.Context) {
	path := c.String("config")
	if path == "" {
		return
	}
	fresh := config.DefaultConfig()
	if err := fresh.UpdateFromFile(ctx, path); err != nil {
		log.Errorf(ctx, "Unable to reload configuration: %v", err)
		return
	}
	if err := ConfigureLogging(&fresh.RootConfig, c.String("log-format")); err != nil {
		log.Errorf(ctx, "Unable to reload logging: %v", err)
		return
	}
	log.Infof(ctx, "Reloaded log level %s from %s", fresh.LogLevel, path)
}

// startWatchdog pings the server through a connection of its own and
// notifies systemd while the pings succeed.
func startWatchdog(ctx context.Context, conf *config.Config, address string) error {
	timeout, err := conf.WatchdogConfig.Timeout()
	if err != nil {
		return err
	}

	self, err := bus.Open(ctx, address, connection.WithName("watchdog"))
	if err != nil {
		return fmt.Errorf("connect watchdog: %w", err)
	}
	go func() {
		<-ctx.Done()
		self.Close() //nolint:errcheck
		self.Unref()
	}()

	ping := watchdog.PingCheck(watchdog.NewConnectionPinger(self, ""))
	w := watchdog.New(func(ctx context.Context, interval time.Duration) error {
		return ping(ctx, min(timeout, interval))
	})
	if err := w.Start(ctx); err != nil {
		return err
	}
	if _, err := watchdog.Ready(w.Systemd()); err != nil {
		log.Warnf(ctx, "Unable to notify systemd: %v", err)
	}
	return nil
}

// Server drives one connection per accepted client.
type Server struct {
	conf    *config.ConnectionConfig
	service *Service
	clients memorystore.Storer[*Client]

	// mu orders Close against clients leaving the store.
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Client is a connection served by a Server.
type Client struct {
	conn    *connection.Connection
	created time.Time
}

// CreatedAt returns when the client was accepted.
func (c *Client) CreatedAt() time.Time { return c.created }

// Connection returns the served connection.
func (c *Client) Connection() *connection.Connection { return c.conn }

// NewServer creates a server answering with service.
func NewServer(conf *config.ConnectionConfig, service *Service) *Server {
	return &Server{
		conf:    conf,
		service: service,
		clients: memorystore.New[*Client](),
	}
}

// Clients returns the connected clients, oldest first.
func (s *Server) Clients() []*Client {
	return s.clients.List()
}

// Serve accepts clients until l is closed and waits for their connections
// to finish.
func (s *Server) Serve(ctx context.Context, l *socket.Listener) error {
	defer s.wg.Wait()
	for {
		t, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Warnf(ctx, "Unable to accept client: %v", err)
			continue
		}

		opts, err := ConnectionOptions(s.conf)
		if err != nil {
			t.Disconnect()
			return err
		}
		// A lost client must never end the server.
		opts = append(opts, connection.WithName("client"), connection.WithExitOnDisconnect(false))
		conn, err := connection.New(ctx, t, opts...)
		if err != nil {
			t.Disconnect()
			log.Warnf(ctx, "Unable to create connection: %v", err)
			continue
		}
		if err := s.Add(conn); err != nil {
			conn.Close() //nolint:errcheck
			conn.Unref()
			log.Warnf(ctx, "Unable to set up connection: %v", err)
		}
	}
}

// Add takes over conn and dispatches it on a goroutine of its own until it
// is disconnected.
func (s *Server) Add(conn *connection.Connection) error {
	if err := ApplyLimits(conn, s.conf); err != nil {
		return err
	}
	if err := s.service.Attach(conn); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return net.ErrClosed
	}
	s.clients.Add(conn.ID(), &Client{conn: conn, created: time.Now()})
	s.wg.Add(1)
	s.mu.Unlock()

	log.Infof(conn.Context(), "Serving client %s", conn.ID())
	go func() {
		defer s.wg.Done()
		for conn.ReadWriteDispatch(-1) {
		}
		log.Infof(conn.Context(), "Client %s disconnected", conn.ID())

		s.mu.Lock()
		s.clients.Delete(conn.ID())
		s.mu.Unlock()
		conn.Unref()
	}()
	return nil
}

// Close disconnects every client. The dispatch goroutines end once they
// dispatched the disconnect notification.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if n := s.clients.Len(); n > 0 {
		log.Infof(context.Background(), "Disconnecting %d clients", n)
	}
	s.clients.ApplyAll(func(c *Client) {
		c.conn.Close() //nolint:errcheck
	})
}

// Wait blocks until every served connection finished.
func (s *Server) Wait() {
	s.wg.Wait()
}
