package socket_test

import (
	"context"
	"os"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"golang.org/x/sys/unix"

	"github.com/cri-o/busconn/pkg/connection"
	"github.com/cri-o/busconn/pkg/message"
	"github.com/cri-o/busconn/pkg/transport"
	"github.com/cri-o/busconn/pkg/transport/socket"
)

func newConnection(tr transport.Transport, name string) *connection.Connection {
	c, err := connection.New(context.Background(), tr, connection.WithName(name))
	Expect(err).NotTo(HaveOccurred())
	return c
}

func closeConnection(c *connection.Connection) {
	c.ClosePossiblyShared()
	for c.DispatchStatus() == transport.DataRemains {
		if msg := c.PopMessage(); msg != nil {
			msg.Unref()
		}
	}
	c.Unref()
}

// serve dispatches on c until the disconnect notification was dispatched.
func serve(c *connection.Connection) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer GinkgoRecover()
		defer close(done)
		for c.ReadWriteDispatch(50 * time.Millisecond) {
		}
	}()
	return done
}

// readUntil reads on c until a message arrives or c is disconnected.
func readUntil(c *connection.Connection) *message.Message {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if msg := c.PopMessage(); msg != nil {
			return msg
		}
		c.ReadWrite(20 * time.Millisecond)
	}
	return nil
}

var echo = connection.ObjectPathVTable{
	Message: func(c *connection.Connection, msg *message.Message, _ any) connection.HandlerResult {
		if !msg.IsMethodCall("org.cri_o.busconn", "Echo") {
			return connection.NotYetHandled
		}
		reply := message.NewMethodReturn(msg, msg.Body()...)
		defer reply.Unref()
		if _, err := c.Send(reply); err != nil {
			return connection.NeedMemory
		}
		return connection.Handled
	},
}

func call(args ...any) *message.Message {
	return message.NewMethodCall("", "/org/cri_o/busconn", "org.cri_o.busconn", "Echo", args...)
}

// The actual test suite
var _ = t.Describe("Socket", func() {
	Context("Pair", func() {
		var (
			a, b           *socket.Transport
			client, server *connection.Connection
		)

		BeforeEach(func() {
			var err error
			a, b, err = socket.Pair(context.Background())
			Expect(err).NotTo(HaveOccurred())
		})

		It("should carry calls and replies", func() {
			// Given
			client = newConnection(a, "client")
			server = newConnection(b, "server")
			Expect(server.RegisterObjectPath("/org/cri_o/busconn", echo, nil)).To(Succeed())
			done := serve(server)
			msg := call("hello", int32(42))
			defer msg.Unref()

			// When
			reply, err := client.SendWithReplyAndBlock(context.Background(), msg, 5*time.Second)

			// Then
			Expect(err).NotTo(HaveOccurred())
			Expect(reply.ReplySerial()).To(Equal(msg.Serial()))
			Expect(reply.Body()).To(Equal([]any{"hello", int32(42)}))
			reply.Unref()

			closeConnection(client)
			Eventually(done, 5*time.Second).Should(BeClosed())
			Expect(server.IsConnected()).To(BeFalse())
			closeConnection(server)
		})

		It("should report peer credentials and ids", func() {
			// Given
			client = newConnection(a, "client")
			defer closeConnection(client)
			defer b.Disconnect()

			// When
			uid, err := client.UnixUser()
			pid, pidErr := client.UnixProcessID()
			fd, fdErr := client.UnixFD()

			// Then
			Expect(err).NotTo(HaveOccurred())
			Expect(uid).To(Equal(os.Getuid()))
			Expect(pidErr).NotTo(HaveOccurred())
			Expect(pid).To(Equal(os.Getpid()))
			Expect(fdErr).NotTo(HaveOccurred())
			Expect(fd).To(BeNumerically(">", 2))
			Expect(client.ServerID()).To(Equal(b.ServerID()))
			Expect(client.ServerID()).To(HaveLen(32))
			Expect(client.CanSendUnixFDs()).To(BeFalse())
		})

		It("should disconnect on corrupt input", func() {
			// Given
			client = newConnection(a, "client")
			defer closeConnection(client)
			defer b.Disconnect()
			fd, err := b.UnixFD()
			Expect(err).NotTo(HaveOccurred())

			// When
			_, err = unix.Write(fd, []byte(strings.Repeat("X", 32)))
			Expect(err).NotTo(HaveOccurred())
			msg := readUntil(client)

			// Then
			Expect(msg).NotTo(BeNil())
			Expect(msg.IsSignal(message.InterfaceLocal, "Disconnected")).To(BeTrue())
			Expect(client.IsConnected()).To(BeFalse())
			msg.Unref()
		})

		It("should disconnect on messages above the size limit", func() {
			// Given
			client = newConnection(a, "client")
			server = newConnection(b, "server")
			defer closeConnection(client)
			defer closeConnection(server)
			client.SetMaxMessageSize(128)
			msg := call(strings.Repeat("x", 512))
			defer msg.Unref()

			// When
			_, err := server.Send(msg)
			Expect(err).NotTo(HaveOccurred())
			server.Flush()
			received := readUntil(client)

			// Then
			Expect(received).NotTo(BeNil())
			Expect(received.IsSignal(message.InterfaceLocal, "Disconnected")).To(BeTrue())
			received.Unref()
		})

		It("should notice a peer hanging up", func() {
			// Given
			client = newConnection(a, "client")
			defer closeConnection(client)

			// When
			b.Disconnect()
			msg := readUntil(client)

			// Then
			Expect(msg).NotTo(BeNil())
			Expect(msg.IsSignal(message.InterfaceLocal, "Disconnected")).To(BeTrue())
			msg.Unref()
		})
	})

	Context("Listener", func() {
		It("should accept authenticated clients", func() {
			// Given
			l, err := socket.Listen(context.Background(), "unix:path="+t.MustSocketPath())
			Expect(err).NotTo(HaveOccurred())
			defer l.Close()
			Expect(l.Address()).To(ContainSubstring("guid=" + l.GUID()))

			accepted := make(chan *socket.Transport, 1)
			go func() {
				defer GinkgoRecover()
				tr, err := l.Accept()
				Expect(err).NotTo(HaveOccurred())
				accepted <- tr
			}()

			// When
			tr, err := socket.Dial(context.Background(), l.Address())

			// Then
			Expect(err).NotTo(HaveOccurred())
			Expect(tr.ServerID()).To(Equal(l.GUID()))
			var serverSide *socket.Transport
			Eventually(accepted, 5*time.Second).Should(Receive(&serverSide))

			client := newConnection(tr, "client")
			server := newConnection(serverSide, "server")
			defer closeConnection(client)
			defer closeConnection(server)

			signal := message.NewSignal("/org/cri_o/busconn", "org.cri_o.busconn", "Tick", "now")
			defer signal.Unref()
			_, err = client.Send(signal)
			Expect(err).NotTo(HaveOccurred())
			client.Flush()

			received := readUntil(server)
			Expect(received).NotTo(BeNil())
			Expect(received.IsSignal("org.cri_o.busconn", "Tick")).To(BeTrue())
			Expect(received.Body()).To(Equal([]any{"now"}))
			received.Unref()
		})

		It("should fail to dial a missing socket", func() {
			// Given
			address := "unix:path=" + t.MustSocketPath()

			// When
			tr, err := socket.Dial(context.Background(), address)

			// Then
			Expect(err).To(HaveOccurred())
			Expect(tr).To(BeNil())
		})
	})
})
