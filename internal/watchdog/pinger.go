package watchdog

import (
	"context"
	"fmt"
	"time"

	"github.com/cri-o/busconn/pkg/connection"
	"github.com/cri-o/busconn/pkg/message"
)

// Pinger checks that a peer answers.
type Pinger interface {
	Ping(ctx context.Context, timeout time.Duration) error
}

// PingCheck returns a health checker pinging p within the checker timeout.
func PingCheck(p Pinger) HealthCheckFn {
	return func(ctx context.Context, timeout time.Duration) error {
		return p.Ping(ctx, timeout)
	}
}

// ConnectionPinger pings a peer over a connection with the Peer interface.
type ConnectionPinger struct {
	conn        *connection.Connection
	destination string
}

// NewConnectionPinger pings destination, which may be empty on peer to
// peer connections.
func NewConnectionPinger(conn *connection.Connection, destination string) *ConnectionPinger {
	return &ConnectionPinger{conn: conn, destination: destination}
}

// Ping sends org.freedesktop.DBus.Peer.Ping and waits for the reply.
func (p *ConnectionPinger) Ping(ctx context.Context, timeout time.Duration) error {
	msg := message.NewMethodCall(p.destination, "/", message.InterfacePeer, "Ping")
	defer msg.Unref()

	reply, err := p.conn.SendWithReplyAndBlock(ctx, msg, timeout)
	if reply != nil {
		reply.Unref()
	}
	if err != nil {
		return fmt.Errorf("ping %s: %w", p.conn.Address(), err)
	}
	return nil
}
