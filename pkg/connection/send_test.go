package connection_test

import (
	"math"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cri-o/busconn/pkg/connection"
	"github.com/cri-o/busconn/pkg/transport/loopback"
)

// The actual test suite
var _ = t.Describe("Send", func() {
	var sut *connection.Connection

	BeforeEach(func() {
		sut = newConnection(loopback.New(loopback.Silent))
	})

	AfterEach(func() {
		closeConnection(sut)
	})

	It("should skip serial zero when the counter wraps", func() {
		// Given
		sut.SetLastSerial(math.MaxUint32 - 1)
		serials := []uint32{}

		// When
		for i := 0; i < 3; i++ {
			msg := signal("Tick")
			serial, err := sut.Send(msg)
			Expect(err).NotTo(HaveOccurred())
			serials = append(serials, serial)
			msg.Unref()
		}

		// Then
		Expect(serials).To(Equal([]uint32{math.MaxUint32, 1, 2}))
	})

	It("should wrap for calls expecting a reply", func() {
		// Given
		sut.SetLastSerial(math.MaxUint32)
		msg := call("Echo")
		defer msg.Unref()

		// When
		pending, err := sut.SendWithReply(msg, connection.TimeoutUseDefault)

		// Then
		Expect(err).NotTo(HaveOccurred())
		Expect(pending.Serial()).To(BeEquivalentTo(1))
		Expect(msg.Serial()).To(BeEquivalentTo(1))
		pending.Cancel()
		pending.Unref()
	})
})
