package message_test

import (
	"errors"

	"github.com/cri-o/busconn/pkg/message"
	"github.com/godbus/dbus/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// The actual test suite
var _ = t.Describe("Message", func() {
	var call *message.Message

	BeforeEach(func() {
		call = message.NewMethodCall("org.example.Peer", "/org/example", "org.example.Iface", "Echo", "hello", uint32(42))
	})

	It("should expose the call headers", func() {
		// Given
		// When
		// Then
		Expect(call.Type()).To(Equal(dbus.TypeMethodCall))
		Expect(call.Serial()).To(BeZero())
		Expect(call.Path()).To(Equal(dbus.ObjectPath("/org/example")))
		Expect(call.Interface()).To(Equal("org.example.Iface"))
		Expect(call.Member()).To(Equal("Echo"))
		Expect(call.Destination()).To(Equal("org.example.Peer"))
		Expect(call.Signature()).To(Equal("su"))
		Expect(call.IsMethodCall("org.example.Iface", "Echo")).To(BeTrue())
		Expect(call.NoReplyExpected()).To(BeFalse())
		Expect(call.Refs()).To(BeEquivalentTo(1))
	})

	It("should correlate replies with the call serial", func() {
		// Given
		Expect(call.SetSerial(7)).To(Succeed())
		Expect(call.SetSender(":1.5")).To(Succeed())

		// When
		reply := message.NewMethodReturn(call, "hello")

		// Then
		Expect(reply.Type()).To(Equal(dbus.TypeMethodReply))
		Expect(reply.ReplySerial()).To(BeEquivalentTo(7))
		Expect(reply.Destination()).To(Equal(":1.5"))
		Expect(reply.Err()).To(BeNil())
	})

	It("should convert error replies", func() {
		// Given
		Expect(call.SetSerial(3)).To(Succeed())

		// When
		reply := message.NewError(call, message.ErrorNoReply, "no reply")

		// Then
		Expect(reply.IsError(message.ErrorNoReply)).To(BeTrue())
		Expect(reply.ReplySerial()).To(BeEquivalentTo(3))
		Expect(reply.ErrorText()).To(Equal("no reply"))
		var dbusErr dbus.Error
		Expect(errors.As(reply.Err(), &dbusErr)).To(BeTrue())
		Expect(dbusErr.Name).To(Equal(message.ErrorNoReply))
	})

	It("should refuse modification once locked", func() {
		// Given
		Expect(call.Lock()).To(Succeed())

		// When
		err := call.SetSerial(1)

		// Then
		Expect(call.Locked()).To(BeTrue())
		Expect(err).To(MatchError(message.ErrLocked))
		Expect(call.SetDestination("x")).To(MatchError(message.ErrLocked))
		Expect(call.SetNoReplyExpected(true)).To(MatchError(message.ErrLocked))
		Expect(call.SetBody()).To(MatchError(message.ErrLocked))
	})

	It("should fail to lock invalid messages", func() {
		// Given
		invalid := message.NewMethodCall("", "not-a-path", "", "Member")

		// When
		err := invalid.Lock()

		// Then
		Expect(err).To(HaveOccurred())
		Expect(invalid.Locked()).To(BeFalse())
	})

	It("should encode and decode with the stamped serial", func() {
		// Given
		Expect(call.SetSerial(1234)).To(Succeed())
		Expect(call.Lock()).To(Succeed())

		// When
		b, err := call.Marshal()
		Expect(err).NotTo(HaveOccurred())
		length, lerr := message.FrameLength(b)
		decoded, derr := message.Decode(b)

		// Then
		Expect(lerr).NotTo(HaveOccurred())
		Expect(length).To(BeEquivalentTo(len(b)))
		Expect(call.Size()).To(BeEquivalentTo(len(b)))
		Expect(derr).NotTo(HaveOccurred())
		Expect(decoded.Serial()).To(BeEquivalentTo(1234))
		Expect(decoded.Member()).To(Equal("Echo"))
		Expect(decoded.Body()).To(Equal([]any{"hello", uint32(42)}))
		Expect(decoded.Locked()).To(BeTrue())
	})

	It("should reject short or malformed frames", func() {
		// Given
		// When
		_, shortErr := message.FrameLength([]byte{'l', 1})
		_, orderErr := message.FrameLength(make([]byte, message.FixedHeaderSize))
		future := make([]byte, message.FixedHeaderSize)
		future[0], future[3] = 'l', message.ProtocolVersion+1
		_, versionErr := message.FrameLength(future)

		// Then
		Expect(shortErr).To(MatchError(message.ErrInvalidFrame))
		Expect(orderErr).To(MatchError(message.ErrInvalidFrame))
		Expect(versionErr).To(MatchError(message.ErrInvalidFrame))
	})

	It("should build signals", func() {
		// Given
		// When
		sig := message.NewSignal(message.PathLocal, message.InterfaceLocal, "Disconnected")

		// Then
		Expect(sig.IsSignal(message.InterfaceLocal, "Disconnected")).To(BeTrue())
		Expect(sig.NoReplyExpected()).To(BeTrue())
		Expect(sig.String()).To(ContainSubstring("member=Disconnected"))
	})

	t.Describe("Counter", func() {
		It("should charge and release message sizes", func() {
			// Given
			counter := message.NewCounter()
			size := call.Size()
			Expect(size).To(BeNumerically(">", 0))

			// When
			call.AddCounter(counter)

			// Then
			Expect(counter.Size()).To(Equal(size))

			// When
			call.RemoveCounter(counter)

			// Then
			Expect(counter.Size()).To(BeZero())
		})

		It("should release the charge when the last reference is dropped", func() {
			// Given
			counter := message.NewCounter()
			notified := 0
			counter.SetNotify(1, 1, func(*message.Counter) { notified++ })
			call.Ref()
			call.AddCounter(counter)
			counter.Notify()
			Expect(notified).To(Equal(1))

			// When
			call.Unref()

			// Then
			Expect(counter.Size()).To(Equal(call.Size()))
			Expect(notified).To(Equal(1))

			// When
			call.Unref()

			// Then
			Expect(counter.Size()).To(BeZero())
			Expect(notified).To(Equal(2))
			Expect(counter.OverLimit()).To(BeFalse())
		})

		It("should not notify without crossing a limit", func() {
			// Given
			counter := message.NewCounter()
			notified := 0
			counter.SetNotify(1<<20, 1<<10, func(*message.Counter) { notified++ })

			// When
			counter.Adjust(10, 0)
			counter.Notify()

			// Then
			Expect(notified).To(BeZero())
		})
	})
})
