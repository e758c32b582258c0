// Package bus provides the convenience layer for connections to a message
// bus daemon: well known bus addresses, the Hello registration and a cache
// of shared connections.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cri-o/busconn/internal/log"
	"github.com/cri-o/busconn/pkg/connection"
	"github.com/cri-o/busconn/pkg/message"
	"github.com/cri-o/busconn/pkg/transport/socket"
)

var (
	// ErrNoAddress is returned if the address of a bus is unknown.
	ErrNoAddress = errors.New("no bus address")

	// ErrInvalidHelloReply is returned if the bus answered Hello with
	// something other than a unique name.
	ErrInvalidHelloReply = errors.New("invalid reply to Hello")
)

// HelloTimeout bounds the Hello call of Register.
const HelloTimeout = 25 * time.Second

var (
	nameSlot     = connection.NoSlot
	nameSlotOnce sync.Once
	nameSlotErr  error
)

func uniqueNameSlot() (int32, error) {
	nameSlotOnce.Do(func() {
		nameSlotErr = connection.AllocateDataSlot(&nameSlot)
	})
	return nameSlot, nameSlotErr
}

// Open connects to address without registering on the bus. The connection
// is private to the caller.
func Open(ctx context.Context, address string, opts ...connection.Option) (*connection.Connection, error) {
	tr, err := socket.Dial(ctx, address)
	if err != nil {
		return nil, err
	}
	conn, err := connection.New(ctx, tr, opts...)
	if err != nil {
		tr.Disconnect()
		return nil, fmt.Errorf("create connection to %s: %w", address, err)
	}
	return conn, nil
}

// Register sends Hello to the bus and stores the assigned unique name on
// conn. A connection which is already registered keeps its name.
func Register(ctx context.Context, conn *connection.Connection) (string, error) {
	if name := UniqueName(conn); name != "" {
		log.Warnf(conn.Context(), "Connection is already registered as %s", name)
		return name, nil
	}

	hello := message.NewMethodCall(message.ServiceDBus, message.PathDBus, message.InterfaceDBus, "Hello")
	defer hello.Unref()

	reply, err := conn.SendWithReplyAndBlock(ctx, hello, HelloTimeout)
	if reply != nil {
		defer reply.Unref()
	}
	if err != nil {
		return "", fmt.Errorf("register on bus: %w", err)
	}

	var name string
	if err := reply.Store(&name); err != nil || name == "" {
		return "", fmt.Errorf("%w: %v", ErrInvalidHelloReply, reply.Body())
	}
	if err := SetUniqueName(conn, name); err != nil {
		return "", err
	}
	log.Infof(conn.Context(), "Registered on bus as %s", name)
	return name, nil
}

// UniqueName returns the name the bus assigned to conn, or an empty string
// if conn is not registered.
func UniqueName(conn *connection.Connection) string {
	slot, err := uniqueNameSlot()
	if err != nil {
		return ""
	}
	name, _ := conn.Data(slot).(string)
	return name
}

// SetUniqueName stores name as the unique name of conn. It is only needed
// for connections registered by other means than Register.
func SetUniqueName(conn *connection.Connection, name string) error {
	slot, err := uniqueNameSlot()
	if err != nil {
		return fmt.Errorf("allocate name slot: %w", err)
	}
	if err := conn.SetData(slot, name, nil); err != nil {
		return fmt.Errorf("store unique name: %w", err)
	}
	return nil
}
