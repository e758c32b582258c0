package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"

	"github.com/godbus/dbus/v5"

	"github.com/cri-o/busconn/internal/log"
	"github.com/cri-o/busconn/pkg/connection"
	"github.com/cri-o/busconn/pkg/message"
	"github.com/cri-o/busconn/pkg/transport"
	"github.com/cri-o/busconn/pkg/transport/socket"
)

// TransportFunc opens the transport for a bus.
type TransportFunc func(ctx context.Context, bt Type) (transport.Transport, error)

// Registry caches one shared, registered connection per bus type.
type Registry struct {
	mu    sync.RWMutex
	conns map[Type]*connection.Connection

	open             TransportFunc
	opts             []connection.Option
	exitOnDisconnect bool
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithTransportFunc replaces the default, which dials the address of the
// bus type.
func WithTransportFunc(fn TransportFunc) RegistryOption {
	return func(r *Registry) { r.open = fn }
}

// WithConnectionOptions are applied to every connection the registry
// creates.
func WithConnectionOptions(opts ...connection.Option) RegistryOption {
	return func(r *Registry) { r.opts = append(r.opts, opts...) }
}

// WithExitOnDisconnect controls whether shared connections terminate the
// process once the bus goes away. It defaults to true.
func WithExitOnDisconnect(exit bool) RegistryOption {
	return func(r *Registry) { r.exitOnDisconnect = exit }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		conns:            map[Type]*connection.Connection{},
		open:             dialBus,
		exitOnDisconnect: true,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func dialBus(ctx context.Context, bt Type) (transport.Transport, error) {
	address, err := bt.Address()
	if err != nil {
		return nil, err
	}
	return socket.Dial(ctx, address)
}

var defaultRegistry = NewRegistry()

// Get returns the shared connection to a bus of the default registry.
func Get(ctx context.Context, bt Type) (*connection.Connection, error) {
	return defaultRegistry.Get(ctx, bt)
}

// GetPrivate returns a new registered connection of the default registry.
func GetPrivate(ctx context.Context, bt Type) (*connection.Connection, error) {
	return defaultRegistry.GetPrivate(ctx, bt)
}

// Get returns the shared connection to bt, connecting and registering it
// first if needed. The caller owns one reference.
func (r *Registry) Get(ctx context.Context, bt Type) (*connection.Connection, error) {
	// Use the read lock first so that concurrent callers can share an
	// established connection.
	r.mu.RLock()
	if conn := r.conns[bt]; conn != nil && conn.IsConnected() {
		conn.Ref()
		r.mu.RUnlock()
		return conn, nil
	}
	r.mu.RUnlock()

	// Use the write lock to make sure only one connection is created.
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn := r.conns[bt]; conn != nil {
		if conn.IsConnected() {
			return conn.Ref(), nil
		}
		r.dropLocked(bt, conn)
	}

	conn, err := r.connect(ctx, bt)
	if err != nil {
		return nil, err
	}
	conn.MarkShared(func(c *connection.Connection) { r.forget(bt, c) })
	conn.SetExitOnDisconnect(r.exitOnDisconnect)
	r.conns[bt] = conn
	log.Debugf(ctx, "Shared %s bus connection %s", bt, conn.ID())
	return conn.Ref(), nil
}

// GetPrivate returns a new registered connection to bt which is not
// shared.
func (r *Registry) GetPrivate(ctx context.Context, bt Type) (*connection.Connection, error) {
	return r.connect(ctx, bt)
}

func (r *Registry) connect(ctx context.Context, bt Type) (*connection.Connection, error) {
	tr, err := r.open(ctx, bt)
	if err != nil {
		return nil, fmt.Errorf("open %s bus: %w", bt, err)
	}
	opts := append([]connection.Option{connection.WithName(bt.String())}, r.opts...)
	conn, err := connection.New(ctx, tr, opts...)
	if err != nil {
		tr.Disconnect()
		return nil, fmt.Errorf("create %s bus connection: %w", bt, err)
	}
	if _, err := Register(ctx, conn); err != nil {
		_ = conn.Close()
		conn.Unref()
		return nil, err
	}
	return conn, nil
}

// forget is called by a shared connection once its disconnect notification
// reached the head of the incoming queue.
func (r *Registry) forget(bt Type, conn *connection.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[bt] == conn {
		delete(r.conns, bt)
		conn.Unref()
	}
}

func (r *Registry) dropLocked(bt Type, conn *connection.Connection) {
	delete(r.conns, bt)
	conn.ClosePossiblyShared()
	conn.Unref()
}

// RetryOnDisconnect calls op with the shared connection to bt. If op fails
// because the connection is gone, the connection is re-established and op
// is retried.
func (r *Registry) RetryOnDisconnect(ctx context.Context, bt Type, op func(*connection.Connection) error) error {
	for {
		conn, err := r.Get(ctx, bt)
		if err != nil {
			return err
		}
		err = op(conn)
		if err == nil {
			conn.Unref()
			return nil
		}
		if errors.Is(err, syscall.EAGAIN) {
			conn.Unref()
			continue
		}
		if !IsDisconnected(err) {
			conn.Unref()
			return err
		}
		log.Infof(ctx, "Reconnecting to %s bus: %v", bt, err)
		r.reset(bt, conn)
		conn.Unref()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// reset drops conn from the cache, so that the next Get reconnects.
func (r *Registry) reset(bt Type, conn *connection.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conns[bt] == conn {
		r.dropLocked(bt, conn)
	}
}

// Shutdown closes every shared connection.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	conns := r.conns
	r.conns = map[Type]*connection.Connection{}
	r.mu.Unlock()

	for _, conn := range conns {
		conn.SetExitOnDisconnect(false)
		conn.ClosePossiblyShared()
		conn.Unref()
	}
}

// IsDisconnected reports whether err is a Disconnected error reply.
func IsDisconnected(err error) bool {
	var dbusErr dbus.Error
	if errors.As(err, &dbusErr) {
		return dbusErr.Name == message.ErrorDisconnected
	}
	return false
}
