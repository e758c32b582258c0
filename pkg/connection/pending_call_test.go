package connection_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/cri-o/busconn/pkg/connection"
	"github.com/cri-o/busconn/pkg/message"
	"github.com/cri-o/busconn/pkg/transport"
	"github.com/cri-o/busconn/pkg/transport/loopback"
)

// The actual test suite
var _ = t.Describe("PendingCall", func() {
	var (
		tr  *loopback.Transport
		sut *connection.Connection
	)

	AfterEach(func() {
		closeConnection(sut)
	})

	Context("with a responding peer", func() {
		BeforeEach(func() {
			tr = loopback.New(loopback.Echo)
			sut = newConnection(tr)
		})

		It("should return the reply of a blocking call", func() {
			// Given
			msg := call("Echo", "hello")
			defer msg.Unref()

			// When
			reply, err := sut.SendWithReplyAndBlock(context.Background(), msg, connection.TimeoutUseDefault)

			// Then
			Expect(err).NotTo(HaveOccurred())
			Expect(reply.Type()).To(Equal(message.TypeMethodReturn))
			Expect(reply.ReplySerial()).To(Equal(msg.Serial()))
			Expect(reply.Body()).To(Equal([]any{"hello"}))
			Expect(sut.PendingCount()).To(BeZero())
			reply.Unref()
		})

		It("should not dispatch other messages while blocking", func() {
			// Given
			filtered := 0
			_, err := sut.AddFilter(func(*connection.Connection, *message.Message) connection.HandlerResult {
				filtered++
				return connection.Handled
			}, nil)
			Expect(err).NotTo(HaveOccurred())
			tr.Deliver(signal("Tick"))
			msg := call("Echo")
			defer msg.Unref()

			// When
			reply, err := sut.SendWithReplyAndBlock(context.Background(), msg, connection.TimeoutUseDefault)

			// Then
			Expect(err).NotTo(HaveOccurred())
			reply.Unref()
			Expect(filtered).To(BeZero())
			Expect(sut.IncomingCount()).To(Equal(1))
			Expect(sut.Dispatch()).To(Equal(transport.DispatchComplete))
			Expect(filtered).To(Equal(1))
		})

		It("should call the notify function once", func() {
			// Given
			msg := call("Echo")
			defer msg.Unref()
			pending, err := sut.SendWithReply(msg, connection.TimeoutUseDefault)
			Expect(err).NotTo(HaveOccurred())
			defer pending.Unref()
			notified := 0
			freed := false
			pending.SetNotify(func(p *connection.PendingCall) {
				notified++
				Expect(p).To(BeIdenticalTo(pending))
			}, func() { freed = true })

			// When
			sut.Dispatch()
			sut.Dispatch()

			// Then
			Expect(notified).To(Equal(1))
			Expect(pending.Completed()).To(BeTrue())
			Expect(freed).To(BeFalse())
			reply := pending.StealReply()
			Expect(reply.Type()).To(Equal(message.TypeMethodReturn))
			reply.Unref()
			Expect(pending.StealReply()).To(BeNil())
		})

		It("should not pass a reply completing a pending call to filters", func() {
			// Given
			var filtered []*message.Message
			_, err := sut.AddFilter(func(_ *connection.Connection, msg *message.Message) connection.HandlerResult {
				filtered = append(filtered, msg)
				return connection.NotYetHandled
			}, nil)
			Expect(err).NotTo(HaveOccurred())
			msg := call("Echo")
			defer msg.Unref()
			pending, err := sut.SendWithReply(msg, connection.TimeoutUseDefault)
			Expect(err).NotTo(HaveOccurred())
			defer pending.Unref()
			tr.Deliver(signal("Tick"))

			// When
			for sut.Dispatch() == transport.DataRemains {
			}

			// Then
			Expect(pending.Completed()).To(BeTrue())
			Expect(filtered).To(HaveLen(1))
			Expect(filtered[0].IsSignal("org.cri_o.busconn", "Tick")).To(BeTrue())
			reply := pending.StealReply()
			Expect(reply.ReplySerial()).To(Equal(msg.Serial()))
			reply.Unref()
		})

		It("should call a notify function installed after completion", func() {
			// Given
			msg := call("Echo")
			defer msg.Unref()
			pending, err := sut.SendWithReply(msg, connection.TimeoutUseDefault)
			Expect(err).NotTo(HaveOccurred())
			defer pending.Unref()
			pending.Block()

			// When
			notified := 0
			pending.SetNotify(func(*connection.PendingCall) { notified++ }, nil)

			// Then
			Expect(notified).To(Equal(1))
		})

		It("should pass the reply of a cancelled call to the filters", func() {
			// Given
			var filtered *message.Message
			_, err := sut.AddFilter(func(_ *connection.Connection, msg *message.Message) connection.HandlerResult {
				filtered = msg.Ref()
				return connection.Handled
			}, nil)
			Expect(err).NotTo(HaveOccurred())
			msg := call("Echo")
			defer msg.Unref()
			pending, err := sut.SendWithReply(msg, connection.TimeoutUseDefault)
			Expect(err).NotTo(HaveOccurred())

			// When
			pending.Cancel()
			sut.Dispatch()

			// Then
			Expect(pending.Completed()).To(BeFalse())
			Expect(sut.PendingCount()).To(BeZero())
			Expect(filtered).NotTo(BeNil())
			Expect(filtered.ReplySerial()).To(Equal(msg.Serial()))
			filtered.Unref()
			pending.Unref()
		})

		It("should serve blocking calls from many goroutines", func() {
			// Given
			const callers = 8
			var wg sync.WaitGroup
			errs := make(chan error, callers)

			// When
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func(i int) {
					defer GinkgoRecover()
					defer wg.Done()
					msg := call("Echo", int32(i))
					defer msg.Unref()
					reply, err := sut.SendWithReplyAndBlock(context.Background(), msg, 5*time.Second)
					if err == nil {
						if reply.ReplySerial() != msg.Serial() {
							err = errors.New("reply for wrong serial")
						}
						reply.Unref()
					}
					errs <- err
				}(i)
			}
			wg.Wait()
			close(errs)

			// Then
			for err := range errs {
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(sut.PendingCount()).To(BeZero())
		})

		It("should store data per pending call", func() {
			// Given
			slot := connection.NoSlot
			Expect(connection.AllocatePendingCallDataSlot(&slot)).To(Succeed())
			defer connection.FreePendingCallDataSlot(&slot)
			msg := call("Echo")
			defer msg.Unref()
			pending, err := sut.SendWithReply(msg, connection.TimeoutUseDefault)
			Expect(err).NotTo(HaveOccurred())
			freed := []any{}

			// When
			Expect(pending.SetData(slot, "data", func(d any) { freed = append(freed, d) })).To(Succeed())
			Expect(pending.Data(slot)).To(Equal("data"))
			pending.Cancel()
			pending.Unref()

			// Then
			Expect(freed).To(Equal([]any{"data"}))
		})
	})

	Context("with a silent peer", func() {
		BeforeEach(func() {
			tr = loopback.New(loopback.Silent)
			sut = newConnection(tr)
		})

		It("should synthesize a timeout error", func() {
			// Given
			msg := call("Echo")
			defer msg.Unref()
			start := time.Now()

			// When
			reply, err := sut.SendWithReplyAndBlock(context.Background(), msg, 50*time.Millisecond)

			// Then
			elapsed := time.Since(start)
			Expect(elapsed).To(BeNumerically(">=", 50*time.Millisecond))
			Expect(elapsed).To(BeNumerically("<", 50*time.Millisecond+500*time.Millisecond))
			var dbusErr dbus.Error
			Expect(errors.As(err, &dbusErr)).To(BeTrue())
			Expect(dbusErr.Name).To(Equal(message.ErrorNoReply))
			Expect(reply.IsError(message.ErrorNoReply)).To(BeTrue())
			Expect(reply.ReplySerial()).To(Equal(msg.Serial()))
			Expect(sut.PendingCount()).To(BeZero())
			reply.Unref()
		})

		It("should end a block without a context by the call timeout", func() {
			// Given
			msg := call("Echo")
			defer msg.Unref()
			pending, err := sut.SendWithReply(msg, 30*time.Millisecond)
			Expect(err).NotTo(HaveOccurred())
			defer pending.Unref()

			// When
			Expect(pending.Block).NotTo(Panic())

			// Then
			Expect(pending.Completed()).To(BeTrue())
			reply := pending.StealReply()
			Expect(reply.IsError(message.ErrorNoReply)).To(BeTrue())
			reply.Unref()
		})

		It("should stop waiting once the context is done", func() {
			// Given
			msg := call("Echo")
			defer msg.Unref()
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()

			// When
			reply, err := sut.SendWithReplyAndBlock(ctx, msg, connection.TimeoutInfinite)

			// Then
			Expect(reply).To(BeNil())
			Expect(errors.Is(err, context.DeadlineExceeded)).To(BeTrue())
			Expect(sut.PendingCount()).To(BeZero())
		})

		It("should report the pending call timeout", func() {
			// Given
			msg := call("Echo")
			defer msg.Unref()

			// When
			pending, err := sut.SendWithReply(msg, connection.TimeoutUseDefault)

			// Then
			Expect(err).NotTo(HaveOccurred())
			Expect(pending.Timeout()).To(Equal(connection.DefaultTimeout))
			Expect(pending.Serial()).To(Equal(msg.Serial()))
			Expect(sut.PendingCount()).To(Equal(1))
			pending.Cancel()
			pending.Unref()
		})
	})
})
