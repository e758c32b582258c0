package bus_test

import (
	"context"
	"errors"
	"os"

	"github.com/godbus/dbus/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cri-o/busconn/pkg/bus"
	"github.com/cri-o/busconn/pkg/connection"
	"github.com/cri-o/busconn/pkg/message"
	"github.com/cri-o/busconn/pkg/transport"
	"github.com/cri-o/busconn/pkg/transport/loopback"
)

func helloResponder(name any) loopback.Responder {
	return func(msg *message.Message) *message.Message {
		if msg.IsMethodCall(message.InterfaceDBus, "Hello") {
			return message.NewMethodReturn(msg, name)
		}
		return loopback.Echo(msg)
	}
}

func setenv(key, value string) {
	old, ok := os.LookupEnv(key)
	if value == "" {
		Expect(os.Unsetenv(key)).To(Succeed())
	} else {
		Expect(os.Setenv(key, value)).To(Succeed())
	}
	DeferCleanup(func() {
		if ok {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

// The actual test suite
var _ = t.Describe("Bus", func() {
	var (
		opened     []*loopback.Transport
		helloReply any
		sut        *bus.Registry
	)

	BeforeEach(func() {
		opened = nil
		helloReply = ":1.42"
		sut = bus.NewRegistry(
			bus.WithExitOnDisconnect(false),
			bus.WithTransportFunc(func(context.Context, bus.Type) (transport.Transport, error) {
				tr := loopback.New(helloResponder(helloReply))
				opened = append(opened, tr)
				return tr, nil
			}),
		)
	})

	AfterEach(func() {
		sut.Shutdown()
	})

	It("should share one registered connection", func() {
		// Given
		// When
		first, err := sut.Get(context.Background(), bus.System)
		Expect(err).NotTo(HaveOccurred())
		second, err := sut.Get(context.Background(), bus.System)
		Expect(err).NotTo(HaveOccurred())

		// Then
		Expect(second).To(BeIdenticalTo(first))
		Expect(opened).To(HaveLen(1))
		Expect(bus.UniqueName(first)).To(Equal(":1.42"))
		Expect(first.Shared()).To(BeTrue())
		Expect(first.Close()).To(MatchError(connection.ErrSharedConnection))
		first.Unref()
		second.Unref()
	})

	It("should hand out private connections", func() {
		// Given
		shared, err := sut.Get(context.Background(), bus.Session)
		Expect(err).NotTo(HaveOccurred())
		defer shared.Unref()

		// When
		private, err := sut.GetPrivate(context.Background(), bus.Session)

		// Then
		Expect(err).NotTo(HaveOccurred())
		Expect(private).NotTo(BeIdenticalTo(shared))
		Expect(private.Shared()).To(BeFalse())
		Expect(bus.UniqueName(private)).To(Equal(":1.42"))
		Expect(private.Close()).To(Succeed())
		private.Unref()
	})

	It("should reconnect once the shared connection is gone", func() {
		// Given
		conn, err := sut.Get(context.Background(), bus.System)
		Expect(err).NotTo(HaveOccurred())

		// When
		opened[0].Disconnect()
		msg := conn.PopMessage()
		Expect(msg.IsSignal(message.InterfaceLocal, "Disconnected")).To(BeTrue())
		msg.Unref()
		conn.Unref()
		again, err := sut.Get(context.Background(), bus.System)

		// Then
		Expect(err).NotTo(HaveOccurred())
		Expect(again).NotTo(BeIdenticalTo(conn))
		Expect(again.IsConnected()).To(BeTrue())
		Expect(opened).To(HaveLen(2))
		again.Unref()
	})

	It("should retry operations failing with a disconnect", func() {
		// Given
		calls := 0
		disconnected := dbus.Error{Name: message.ErrorDisconnected, Body: []any{"gone"}}

		// When
		err := sut.RetryOnDisconnect(context.Background(), bus.System, func(*connection.Connection) error {
			calls++
			if calls == 1 {
				return disconnected
			}
			return nil
		})

		// Then
		Expect(err).NotTo(HaveOccurred())
		Expect(calls).To(Equal(2))
		Expect(opened).To(HaveLen(2))
	})

	It("should not retry other errors", func() {
		// Given
		failure := errors.New("failure")

		// When
		err := sut.RetryOnDisconnect(context.Background(), bus.System, func(*connection.Connection) error {
			return failure
		})

		// Then
		Expect(err).To(MatchError(failure))
		Expect(opened).To(HaveLen(1))
	})

	It("should fail on an invalid Hello reply", func() {
		// Given
		helloReply = int32(7)

		// When
		conn, err := sut.Get(context.Background(), bus.System)

		// Then
		Expect(err).To(MatchError(bus.ErrInvalidHelloReply))
		Expect(conn).To(BeNil())
	})

	It("should keep the name of a registered connection", func() {
		// Given
		conn, err := connection.New(context.Background(), loopback.New(nil))
		Expect(err).NotTo(HaveOccurred())
		defer func() {
			Expect(conn.Close()).To(Succeed())
			conn.Unref()
		}()
		Expect(bus.SetUniqueName(conn, ":1.7")).To(Succeed())

		// When
		name, err := bus.Register(context.Background(), conn)

		// Then
		Expect(err).NotTo(HaveOccurred())
		Expect(name).To(Equal(":1.7"))
	})

	Context("Address", func() {
		It("should default the system bus", func() {
			// Given
			setenv("DBUS_SYSTEM_BUS_ADDRESS", "")

			// When
			addr, err := bus.System.Address()

			// Then
			Expect(err).NotTo(HaveOccurred())
			Expect(addr).To(Equal(bus.DefaultSystemAddress))
		})

		It("should take addresses from the environment", func() {
			// Given
			setenv("DBUS_SESSION_BUS_ADDRESS", "unix:path=/tmp/session")
			setenv("DBUS_STARTER_ADDRESS", "")
			setenv("DBUS_STARTER_BUS_TYPE", "session")

			// When
			session, err := bus.Session.Address()
			Expect(err).NotTo(HaveOccurred())
			starter, starterErr := bus.Starter.Address()

			// Then
			Expect(session).To(Equal("unix:path=/tmp/session"))
			Expect(starterErr).NotTo(HaveOccurred())
			Expect(starter).To(Equal(session))
		})

		It("should fail without a session bus", func() {
			// Given
			setenv("DBUS_SESSION_BUS_ADDRESS", "")
			setenv("XDG_RUNTIME_DIR", "")

			// When
			_, err := bus.Session.Address()

			// Then
			Expect(err).To(MatchError(bus.ErrNoAddress))
			Expect(bus.Type(9).String()).To(Equal("bus(9)"))
		})
	})
})
