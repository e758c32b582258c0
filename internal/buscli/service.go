package buscli

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/cri-o/busconn/pkg/connection"
	"github.com/cri-o/busconn/pkg/message"
)

const (
	// ServicePath is the object exported by the serve command.
	ServicePath dbus.ObjectPath = "/org/cri_o/busconn"

	// ServiceInterface is the interface of ServicePath.
	ServiceInterface = "org.cri_o.busconn"

	// MaxSleep bounds the duration a Sleep call may ask for.
	MaxSleep = time.Minute
)

// Service answers the calls of a served connection. One Service is shared by
// every connection accepted by a server.
type Service struct {
	names atomic.Uint64
	after func(time.Duration) <-chan time.Time
}

// NewService creates a service.
func NewService() *Service {
	return &Service{after: time.After}
}

// Attach exports the service object on conn and answers Hello calls with a
// fresh unique name, so that clients expecting a message bus can register.
func (s *Service) Attach(conn *connection.Connection) error {
	vtable := connection.ObjectPathVTable{Message: s.handle}
	if err := conn.RegisterObjectPath(ServicePath, vtable, nil); err != nil {
		return fmt.Errorf("export %s: %w", ServicePath, err)
	}
	if _, err := conn.AddFilter(s.hello, nil); err != nil {
		return fmt.Errorf("add hello filter: %w", err)
	}
	return nil
}

func (s *Service) hello(c *connection.Connection, msg *message.Message) connection.HandlerResult {
	if !msg.IsMethodCall(message.InterfaceDBus, "Hello") {
		return connection.NotYetHandled
	}
	name := fmt.Sprintf(":1.%d", s.names.Add(1))
	return reply(c, message.NewMethodReturn(msg, name))
}

func (s *Service) handle(c *connection.Connection, msg *message.Message, _ any) connection.HandlerResult {
	if msg.Type() != message.TypeMethodCall || msg.Interface() != ServiceInterface {
		return connection.NotYetHandled
	}

	switch msg.Member() {
	case "Echo":
		return reply(c, message.NewMethodReturn(msg, msg.Body()...))

	case "Sleep":
		var ms uint32
		if err := msg.Store(&ms); err != nil {
			return reply(c, message.NewError(msg, message.ErrorInvalidArgs, "Sleep expects the duration in milliseconds"))
		}
		d := time.Duration(ms) * time.Millisecond
		if d > MaxSleep {
			return reply(c, message.NewError(msg, message.ErrorInvalidArgs,
				fmt.Sprintf("Sleep of %v exceeds %v", d, MaxSleep)))
		}
		// Reply from another goroutine to keep the connection dispatching.
		msg.Ref()
		c.Ref()
		go func() {
			defer c.Unref()
			defer msg.Unref()
			<-s.after(d)
			r := message.NewMethodReturn(msg)
			defer r.Unref()
			c.Send(r) //nolint:errcheck
		}()
		return connection.Handled
	}
	return connection.NotYetHandled
}

func reply(c *connection.Connection, r *message.Message) connection.HandlerResult {
	defer r.Unref()
	if _, err := c.Send(r); err != nil {
		return connection.NeedMemory
	}
	return connection.Handled
}
