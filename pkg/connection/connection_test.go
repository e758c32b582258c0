package connection_test

import (
	"context"
	"errors"

	"github.com/godbus/dbus/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cri-o/busconn/internal/alloc"
	"github.com/cri-o/busconn/pkg/connection"
	"github.com/cri-o/busconn/pkg/message"
	"github.com/cri-o/busconn/pkg/transport"
	"github.com/cri-o/busconn/pkg/transport/loopback"
	"github.com/cri-o/busconn/pkg/watch"
)

func newConnection(tr transport.Transport, opts ...connection.Option) *connection.Connection {
	c, err := connection.New(context.Background(), tr, opts...)
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

func call(member string, args ...any) *message.Message {
	return message.NewMethodCall("", "/org/cri_o/busconn", "org.cri_o.busconn", member, args...)
}

// The actual test suite
var _ = t.Describe("Connection", func() {
	var (
		tr  *loopback.Transport
		sut *connection.Connection
	)

	AfterEach(func() {
		if sut != nil {
			closeConnection(sut)
			sut = nil
		}
	})

	Context("Send", func() {
		BeforeEach(func() {
			tr = loopback.New(loopback.Silent)
			sut = newConnection(tr)
		})

		It("should assign increasing serials", func() {
			// Given
			serials := []uint32{}

			// When
			for i := 0; i < 3; i++ {
				msg := call("Echo")
				serial, err := sut.Send(msg)
				Expect(err).NotTo(HaveOccurred())
				Expect(msg.Serial()).To(Equal(serial))
				Expect(msg.Locked()).To(BeTrue())
				msg.Unref()
				serials = append(serials, serial)
			}

			// Then
			Expect(serials).To(Equal([]uint32{1, 2, 3}))
			Expect(tr.Written()).To(BeEquivalentTo(3))
			Expect(sut.HasMessagesToSend()).To(BeFalse())
			Expect(sut.OutgoingSize()).To(BeZero())
		})

		It("should keep an explicit serial", func() {
			// Given
			msg := call("Echo")
			Expect(msg.SetSerial(100)).To(Succeed())

			// When
			serial, err := sut.Send(msg)

			// Then
			Expect(err).NotTo(HaveOccurred())
			Expect(serial).To(BeEquivalentTo(100))
			msg.Unref()

			next := call("Echo")
			serial, err = sut.Send(next)
			Expect(err).NotTo(HaveOccurred())
			Expect(serial).To(BeEquivalentTo(1))
			next.Unref()
		})

		It("should fail without side effects when out of memory", func() {
			// Given
			sut.SetAllocFailer(alloc.NewCountdown(1, "preallocate-send"))
			msg := call("Echo")

			// When
			_, err := sut.Send(msg)

			// Then
			Expect(errors.Is(err, connection.ErrNoMemory)).To(BeTrue())
			Expect(msg.Serial()).To(BeZero())
			Expect(msg.Locked()).To(BeFalse())
			Expect(tr.Written()).To(BeZero())
			msg.Unref()
		})

		It("should refuse unix fds on a transport which cannot pass them", func() {
			// Given
			msg := call("Echo", dbus.UnixFD(0))

			// When
			_, err := sut.Send(msg)
			pending, pendingErr := sut.SendWithReply(msg, connection.TimeoutUseDefault)
			reply, blockErr := sut.SendWithReplyAndBlock(context.Background(), msg, connection.TimeoutUseDefault)

			// Then
			Expect(err).To(MatchError(connection.ErrUnixFDsNotSupported))
			Expect(pending).To(BeNil())
			Expect(pendingErr).NotTo(HaveOccurred())
			Expect(reply.IsError(message.ErrorFailed)).To(BeTrue())
			Expect(blockErr).To(HaveOccurred())
			reply.Unref()
			msg.Unref()
		})

		It("should send a preallocated message", func() {
			// Given
			p, err := sut.PreallocateSend()
			Expect(err).NotTo(HaveOccurred())
			msg := call("Echo")

			// When
			serial, err := sut.SendPreallocated(p, msg)

			// Then
			Expect(err).NotTo(HaveOccurred())
			Expect(serial).To(BeEquivalentTo(1))
			_, err = sut.SendPreallocated(p, msg)
			Expect(err).To(MatchError(connection.ErrForeignPreallocation))
			msg.Unref()
		})
	})

	Context("Lifecycle", func() {
		BeforeEach(func() {
			tr = loopback.New(loopback.Echo)
			sut = newConnection(tr)
		})

		It("should refuse to close a shared connection", func() {
			// Given
			sut.MarkShared(nil)

			// When
			err := sut.Close()

			// Then
			Expect(err).To(MatchError(connection.ErrSharedConnection))
			Expect(sut.IsConnected()).To(BeTrue())
			Expect(sut.Shared()).To(BeTrue())
		})

		It("should forget a shared connection once disconnected", func() {
			// Given
			forgotten := 0
			sut.MarkShared(func(*connection.Connection) { forgotten++ })

			// When
			sut.ClosePossiblyShared()
			msg := sut.PopMessage()

			// Then
			Expect(msg).NotTo(BeNil())
			Expect(msg.IsSignal(message.InterfaceLocal, "Disconnected")).To(BeTrue())
			Expect(forgotten).To(Equal(1))
			msg.Unref()
		})

		It("should expose transport details", func() {
			// Given
			// When
			uid, err := sut.UnixUser()

			// Then
			Expect(err).NotTo(HaveOccurred())
			Expect(uid).To(BeNumerically(">=", 0))
			Expect(sut.Address()).To(Equal(tr.Address()))
			Expect(sut.ServerID()).To(Equal(tr.ServerID()))
			Expect(sut.IsAuthenticated()).To(BeTrue())
			Expect(sut.CanSendUnixFDs()).To(BeFalse())
			Expect(sut.ID()).NotTo(BeEmpty())
		})

		It("should forward limits to the transport", func() {
			// Given
			limits := transport.DefaultLimits()
			limits.SetMaxMessageSize(1024)
			limits.SetMaxReceivedUnixFDs(8)

			// When
			sut.SetLimits(limits)
			sut.SetMaxReceivedSize(4096)

			// Then
			Expect(sut.MaxMessageSize()).To(BeEquivalentTo(1024))
			Expect(sut.MaxReceivedSize()).To(BeEquivalentTo(4096))
			Expect(sut.MaxMessageUnixFDs()).To(Equal(transport.DefaultMaxMessageUnixFDs))
			Expect(sut.MaxReceivedUnixFDs()).To(BeEquivalentTo(8))
		})

		It("should exit on disconnect if requested", func() {
			// Given
			code := -1
			restore := connection.SetExitFunc(func(c int) { code = c })
			defer restore()
			sut.SetExitOnDisconnect(true)

			// When
			tr.Disconnect()
			msg := sut.PopMessage()

			// Then
			Expect(msg.IsSignal(message.InterfaceLocal, "Disconnected")).To(BeTrue())
			Expect(code).To(Equal(1))
			msg.Unref()
		})

		It("should release data slots", func() {
			// Given
			slot := connection.NoSlot
			Expect(connection.AllocateDataSlot(&slot)).To(Succeed())
			defer connection.FreeDataSlot(&slot)
			freed := []any{}
			free := func(d any) { freed = append(freed, d) }

			// When
			Expect(sut.SetData(slot, "first", free)).To(Succeed())
			Expect(sut.SetData(slot, "second", free)).To(Succeed())

			// Then
			Expect(sut.Data(slot)).To(Equal("second"))
			Expect(freed).To(Equal([]any{"first"}))
		})

		It("should leave data untouched when out of memory", func() {
			// Given
			slot := connection.NoSlot
			Expect(connection.AllocateDataSlot(&slot)).To(Succeed())
			defer connection.FreeDataSlot(&slot)
			Expect(sut.SetData(slot, "first", nil)).To(Succeed())
			sut.SetAllocFailer(alloc.NewCountdown(1, "set-data"))

			// When
			err := sut.SetData(slot, "second", nil)

			// Then
			Expect(errors.Is(err, connection.ErrNoMemory)).To(BeTrue())
			Expect(sut.Data(slot)).To(Equal("first"))
		})
	})

	Context("Main loop", func() {
		BeforeEach(func() {
			tr = loopback.New(loopback.Silent)
			sut = newConnection(tr)
		})

		It("should add existing watches to new watch functions", func() {
			// Given
			added := []*watch.Watch{}
			freed := false

			// When
			err := sut.SetWatchFunctions(watch.Functions[*watch.Watch]{
				Add:  func(w *watch.Watch) bool { added = append(added, w); return true },
				Free: func() { freed = true },
			})

			// Then
			Expect(err).NotTo(HaveOccurred())
			Expect(added).To(HaveLen(1))
			Expect(added[0].Flags()).To(Equal(watch.Readable))
			Expect(freed).To(BeFalse())

			Expect(sut.SetWatchFunctions(watch.Functions[*watch.Watch]{})).To(Succeed())
			Expect(freed).To(BeTrue())
		})

		It("should keep the previous watch functions if adding fails", func() {
			// Given
			removed := 0
			Expect(sut.SetWatchFunctions(watch.Functions[*watch.Watch]{
				Add:    func(*watch.Watch) bool { return true },
				Remove: func(*watch.Watch) { removed++ },
			})).To(Succeed())

			// When
			err := sut.SetWatchFunctions(watch.Functions[*watch.Watch]{
				Add: func(*watch.Watch) bool { return false },
			})

			// Then
			Expect(err).To(HaveOccurred())
			Expect(removed).To(BeZero())
		})

		It("should time out pending calls from the main loop", func() {
			// Given
			var timeouts []*watch.Timeout
			Expect(sut.SetTimeoutFunctions(watch.Functions[*watch.Timeout]{
				Add:    func(t *watch.Timeout) bool { timeouts = append(timeouts, t); return true },
				Remove: func(*watch.Timeout) {},
			})).To(Succeed())
			msg := call("Echo")
			pending, err := sut.SendWithReply(msg, 0)
			Expect(err).NotTo(HaveOccurred())
			Expect(timeouts).To(HaveLen(1))

			// When
			timeouts[0].Handle()

			// Then
			Expect(pending.Completed()).To(BeTrue())
			Expect(sut.PendingCount()).To(BeZero())
			reply := pending.StealReply()
			Expect(reply.IsError(message.ErrorNoReply)).To(BeTrue())
			Expect(reply.ReplySerial()).To(Equal(msg.Serial()))
			reply.Unref()
			pending.Unref()
			msg.Unref()
		})

		It("should report dispatch status changes", func() {
			// Given
			statuses := []transport.DispatchStatus{}
			sut.SetDispatchStatusFunction(func(_ *connection.Connection, s transport.DispatchStatus) {
				statuses = append(statuses, s)
			}, nil)
			woken := 0
			sut.SetWakeupMainFunction(func() { woken++ }, nil)

			// When
			tr.Deliver(message.NewSignal("/org/cri_o/busconn", "org.cri_o.busconn", "Tick"))
			Expect(sut.DispatchStatus()).To(Equal(transport.DataRemains))
			Expect(sut.Dispatch()).To(Equal(transport.DispatchComplete))

			// Then
			Expect(statuses).To(Equal([]transport.DispatchStatus{
				transport.DataRemains, transport.DispatchComplete,
			}))
			Expect(woken).To(Equal(1))
		})
	})
})
