package buscli_test

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cri-o/busconn/internal/buscli"
	"github.com/cri-o/busconn/internal/config"
	"github.com/cri-o/busconn/pkg/bus"
	"github.com/cri-o/busconn/pkg/connection"
	"github.com/cri-o/busconn/pkg/message"
	"github.com/cri-o/busconn/pkg/transport/loopback"
	"github.com/cri-o/busconn/pkg/transport/socket"
)

// The actual test suite
var _ = t.Describe("Client", func() {
	DescribeTable("should parse typed arguments",
		func(raw string, expected any) {
			// Given
			// When
			arg, err := buscli.ParseArg(raw)

			// Then
			Expect(err).NotTo(HaveOccurred())
			Expect(arg).To(Equal(expected))
		},
		Entry("plain", "hello", "hello"),
		Entry("string", "s:u:1", "u:1"),
		Entry("uint32", "u:42", uint32(42)),
		Entry("int32", "i:-3", int32(-3)),
		Entry("uint64", "t:18446744073709551615", uint64(18446744073709551615)),
		Entry("int64", "x:-9", int64(-9)),
		Entry("bool", "b:true", true),
		Entry("object path", "o:/org/cri_o", dbus.ObjectPath("/org/cri_o")),
		Entry("long prefix", "unix:path=/x", "unix:path=/x"),
	)

	DescribeTable("should reject malformed typed arguments",
		func(raw string) {
			// Given
			// When
			_, err := buscli.ParseArg(raw)

			// Then
			Expect(err).To(HaveOccurred())
		},
		Entry("uint32 overflow", "u:4294967296"),
		Entry("negative uint32", "u:-1"),
		Entry("bool", "b:maybe"),
		Entry("object path", "o:relative"),
	)

	It("should parse bus types", func() {
		// Given
		// When
		system, errSystem := buscli.ParseBusType("system")
		_, errUnknown := buscli.ParseBusType("desktop")

		// Then
		Expect(errSystem).NotTo(HaveOccurred())
		Expect(system).To(Equal(bus.System))
		Expect(errUnknown).To(HaveOccurred())
	})

	It("should render messages as JSON", func() {
		// Given
		msg := message.NewMethodCall("org.cri_o", "/a", "org.cri_o.busconn", "Echo",
			"x", dbus.MakeVariant(uint32(5)), dbus.ObjectPath("/b"))
		defer msg.Unref()
		Expect(msg.SetSerial(3)).To(Succeed())

		// When
		out, err := buscli.Render(msg)

		// Then
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(MatchJSON(`{
			"type": "method call",
			"serial": 3,
			"destination": "org.cri_o",
			"path": "/a",
			"interface": "org.cri_o.busconn",
			"member": "Echo",
			"signature": "svo",
			"body": ["x", 5, "/b"]
		}`))
	})

	It("should render messages as YAML", func() {
		// Given
		msg := message.NewSignal("/org/cri_o", "org.cri_o.busconn", "Tick", uint32(1))
		defer msg.Unref()

		// When
		out, err := buscli.RenderAs(msg, buscli.OutputYAML)
		_, unknownErr := buscli.RenderAs(msg, "xml")

		// Then
		Expect(err).NotTo(HaveOccurred())
		Expect(out).To(HavePrefix("---\n"))
		Expect(out).To(ContainSubstring("member: Tick"))
		Expect(out).To(ContainSubstring("type: signal"))
		Expect(unknownErr).To(HaveOccurred())
	})

	It("should monitor every message without answering", func() {
		// Given
		a, b := loopback.Pair()
		client := newConnection(a, "client")
		monitor := newConnection(b, "monitor")
		defer closeConnection(client)
		defer closeConnection(monitor)

		signal := message.NewSignal("/org/cri_o", "org.cri_o.busconn", "Tick")
		ping := message.NewMethodCall("", "/", message.InterfacePeer, "Ping")
		defer signal.Unref()
		defer ping.Unref()
		_, err := client.Send(signal)
		Expect(err).NotTo(HaveOccurred())
		_, err = client.Send(ping)
		Expect(err).NotTo(HaveOccurred())

		// When
		var lines []string
		err = buscli.Monitor(context.Background(), monitor, 2, buscli.OutputJSON, func(line string) {
			lines = append(lines, line)
		})

		// Then
		Expect(err).NotTo(HaveOccurred())
		Expect(lines).To(HaveLen(2))
		Expect(lines[0]).To(ContainSubstring(`"member":"Tick"`))
		Expect(lines[1]).To(ContainSubstring(`"member":"Ping"`))
		client.ReadWrite(0)
		Expect(client.PopMessage()).To(BeNil())
	})

	It("should stop monitoring once the context is done", func() {
		// Given
		a, b := loopback.Pair()
		client := newConnection(a, "client")
		monitor := newConnection(b, "monitor")
		defer closeConnection(client)
		defer closeConnection(monitor)
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		// When
		err := buscli.Monitor(ctx, monitor, 0, buscli.OutputJSON, func(string) {})

		// Then
		Expect(err).NotTo(HaveOccurred())
		Expect(ctx.Err()).To(HaveOccurred())
	})

	Context("Server", func() {
		var (
			ctx    context.Context
			cancel context.CancelFunc
			l      *socket.Listener
			srv    *buscli.Server
			done   chan error
		)

		BeforeEach(func() {
			ctx, cancel = context.WithCancel(context.Background())
			var err error
			l, err = socket.Listen(ctx, "unix:path="+t.MustSocketPath())
			Expect(err).NotTo(HaveOccurred())

			cc := config.DefaultConfig().ConnectionConfig
			srv = buscli.NewServer(&cc, buscli.NewService())
			done = make(chan error, 1)
			go func() {
				done <- srv.Serve(ctx, l)
			}()
		})

		AfterEach(func() {
			cancel()
			srv.Close()
			Expect(l.Close()).To(Succeed())
			Eventually(done, 5*time.Second).Should(Receive(BeNil()))
		})

		It("should register and answer calls of clients", func() {
			// Given
			conn, err := bus.Open(ctx, l.Address(), connection.WithName("test"))
			Expect(err).NotTo(HaveOccurred())
			defer closeConnection(conn)

			// When
			name, err := bus.Register(ctx, conn)
			Expect(err).NotTo(HaveOccurred())
			msg := serviceCall("Echo", "over the socket")
			defer msg.Unref()
			reply, err := conn.SendWithReplyAndBlock(ctx, msg, 5*time.Second)

			// Then
			Expect(err).NotTo(HaveOccurred())
			Expect(name).To(HavePrefix(":1."))
			Expect(reply.Body()).To(Equal([]any{"over the socket"}))
			reply.Unref()
		})

		It("should answer Peer pings", func() {
			// Given
			conn, err := bus.Open(ctx, l.Address())
			Expect(err).NotTo(HaveOccurred())
			defer closeConnection(conn)
			ping := message.NewMethodCall("", "/", message.InterfacePeer, "Ping")
			defer ping.Unref()

			// When
			reply, err := conn.SendWithReplyAndBlock(ctx, ping, 5*time.Second)

			// Then
			Expect(err).NotTo(HaveOccurred())
			Expect(reply.Type()).To(Equal(message.TypeMethodReturn))
			reply.Unref()
		})

		It("should disconnect clients when closed", func() {
			// Given
			conn, err := bus.Open(ctx, l.Address())
			Expect(err).NotTo(HaveOccurred())
			defer closeConnection(conn)
			ping := message.NewMethodCall("", "/", message.InterfacePeer, "Ping")
			defer ping.Unref()
			reply, err := conn.SendWithReplyAndBlock(ctx, ping, 5*time.Second)
			Expect(err).NotTo(HaveOccurred())
			reply.Unref()

			// When
			srv.Close()

			// Then
			Eventually(func() bool {
				conn.ReadWrite(20 * time.Millisecond)
				return conn.IsConnected()
			}, 5*time.Second).Should(BeFalse())
		})
	})
})
