package watchdog_test

import (
	"context"
	"errors"
	"time"

	"github.com/godbus/dbus/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cri-o/busconn/internal/watchdog"
	"github.com/cri-o/busconn/pkg/connection"
	"github.com/cri-o/busconn/pkg/message"
	"github.com/cri-o/busconn/pkg/transport/loopback"
)

// The actual test suite
var _ = t.Describe("ConnectionPinger", func() {
	var conn *connection.Connection

	newConn := func(responder loopback.Responder) {
		var err error
		conn, err = connection.New(context.Background(), loopback.New(responder))
		Expect(err).NotTo(HaveOccurred())
	}

	AfterEach(func() {
		Expect(conn.Close()).To(Succeed())
		for msg := conn.PopMessage(); msg != nil; msg = conn.PopMessage() {
			msg.Unref()
		}
		conn.Unref()
	})

	It("should succeed when the peer answers", func() {
		// Given
		newConn(loopback.Echo)
		sut := watchdog.NewConnectionPinger(conn, "")

		// When
		err := sut.Ping(context.Background(), time.Second)

		// Then
		Expect(err).NotTo(HaveOccurred())
	})

	It("should fail when the peer is silent", func() {
		// Given
		newConn(loopback.Silent)
		check := watchdog.PingCheck(watchdog.NewConnectionPinger(conn, ":1.1"))

		// When
		err := check(context.Background(), 20*time.Millisecond)

		// Then
		var dbusErr dbus.Error
		Expect(errors.As(err, &dbusErr)).To(BeTrue())
		Expect(dbusErr.Name).To(Equal(message.ErrorNoReply))
	})
})
