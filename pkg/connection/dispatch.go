package connection

import (
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cri-o/busconn/internal/list"
	"github.com/cri-o/busconn/internal/log"
	"github.com/cri-o/busconn/internal/metrics"
	"github.com/cri-o/busconn/pkg/message"
	"github.com/cri-o/busconn/pkg/transport"
)

// Dispatch processes at most one incoming message. A reply completes its
// pending call. Any other message is offered to the builtin Peer handler,
// then to the filters and finally to the object path handlers. Method calls
// nobody handled are answered with an UnknownMethod or UnknownObject error.
//
// If a handler returns NeedMemory the message is put back at the head of
// the queue and dispatched again by the next call.
func (c *Connection) Dispatch() transport.DispatchStatus {
	c.lock()
	status := c.dispatchStatusLocked()
	if status != transport.DataRemains {
		c.updateDispatchStatusAndUnlock(status)
		return status
	}

	c.Ref()
	defer c.Unref()

	c.dispatch.acquire(c, -1)

	link := c.popMessageLinkLocked()
	if link == nil {
		// Another goroutine dispatched the message meanwhile.
		c.dispatch.release()
		status = c.dispatchStatusLocked()
		c.updateDispatchStatusAndUnlock(status)
		return status
	}

	start := time.Now()
	msg := link.Value
	_, span := log.StartSpan(c.ctx, "Connection.Dispatch")
	span.SetAttributes(
		attribute.String("message.type", msg.Type().String()),
		attribute.Int64("message.serial", int64(msg.Serial())),
	)

	label := c.dispatchMessageLocked(msg)

	if label == NeedMemory.String() {
		log.Debugf(c.ctx, "Out of memory dispatching serial %d, putting it back", msg.Serial())
		c.incoming.PrependLink(link)
		if msg == c.disconnectMessage {
			c.disconnectedArrived = false
		}
		status = transport.NeedMemory
	} else {
		c.expired.AppendLink(link)
		status = c.dispatchStatusLocked()
	}

	c.dispatch.release()

	metrics.Instance().MetricMessagesDispatchedInc(label)
	metrics.Instance().MetricDispatchLatencyObserve(start)
	span.SetAttributes(attribute.String("dispatch.result", label))
	span.End()

	c.updateDispatchStatusAndUnlock(status)
	return status
}

// dispatchMessageLocked runs the dispatch steps for msg and returns the
// result label. The lock is dropped while user code runs.
func (c *Connection) dispatchMessageLocked(msg *message.Message) string {
	if serial := msg.ReplySerial(); serial != 0 {
		if p, ok := c.pending[serial]; ok {
			c.completePendingLocked(p, msg.Ref())
			return "reply"
		}
	}

	if c.builtinFilters {
		if result := c.runBuiltinLocked(msg); result != NotYetHandled {
			return result.String()
		}
	}

	filters, ok := c.filterSnapshotLocked()
	if !ok {
		return NeedMemory.String()
	}
	c.unlock()
	result := c.runFilters(filters, msg)
	c.lock()
	if result != NotYetHandled {
		return result.String()
	}

	c.unlock()
	result, found, reply := c.dispatchObjectTree(msg)
	c.lock()
	if reply != nil {
		result = c.sendReplyLocked(reply, "builtin-reply")
	}
	if result != NotYetHandled {
		return result.String()
	}

	if msg.Type() != message.TypeMethodCall || msg.NoReplyExpected() {
		return NotYetHandled.String()
	}

	var errReply *message.Message
	if found {
		errReply = message.NewError(msg, message.ErrorUnknownMethod,
			fmt.Sprintf("No such method '%s' in interface '%s' at object path '%s' (signature '%s')",
				msg.Member(), msg.Interface(), msg.Path(), msg.Signature()))
	} else {
		errReply = message.NewError(msg, message.ErrorUnknownObject,
			fmt.Sprintf("No such object path '%s'", msg.Path()))
	}
	if c.sendReplyLocked(errReply, "dispatch-error-reply") == NeedMemory {
		return NeedMemory.String()
	}
	return "error-reply"
}

// popMessageLinkLocked removes the head of the incoming queue. The dispatch
// arbiter must be held.
func (c *Connection) popMessageLinkLocked() *list.Link[*message.Message] {
	if !c.dispatch.held() {
		panic("connection: message popped without holding the dispatch arbiter")
	}
	if c.borrowed != nil {
		panic("connection: message popped while another one is borrowed")
	}

	link := c.incoming.PopFirstLink()
	if link == nil {
		return nil
	}
	c.checkDisconnectArrivedLocked(link.Value)
	return link
}

func (c *Connection) checkDisconnectArrivedLocked(msg *message.Message) {
	if msg == c.disconnectMessage {
		c.disconnectedArrived = true
	}
}

// PopMessage removes the head of the incoming queue without dispatching
// it. The caller owns the returned message. It returns nil if nothing is
// queued.
func (c *Connection) PopMessage() *message.Message {
	if c.DispatchStatus() != transport.DataRemains {
		return nil
	}

	c.lock()
	c.dispatch.acquire(c, -1)

	var msg *message.Message
	if link := c.popMessageLinkLocked(); link != nil {
		msg = link.Value
		log.Debugf(c.ctx, "Popped %s serial %d, %d incoming left", msg.Type(), msg.Serial(), c.incoming.Len())
	}

	c.dispatch.release()
	status := c.dispatchStatusLocked()
	c.updateDispatchStatusAndUnlock(status)
	return msg
}

// BorrowMessage returns the head of the incoming queue while leaving it
// queued. Until it is given back with ReturnMessage or taken with
// StealBorrowedMessage no other goroutine can dispatch. The caller must not
// unref the message.
func (c *Connection) BorrowMessage() *message.Message {
	if c.DispatchStatus() != transport.DataRemains {
		return nil
	}

	c.lock()
	c.dispatch.acquire(c, -1)
	if c.borrowed != nil {
		panic("connection: message borrowed twice")
	}

	link := c.incoming.First()
	if link == nil {
		c.dispatch.release()
		status := c.dispatchStatusLocked()
		c.updateDispatchStatusAndUnlock(status)
		return nil
	}

	c.borrowed = link.Value
	c.checkDisconnectArrivedLocked(link.Value)
	c.unlock()
	return link.Value
}

// ReturnMessage gives back a borrowed message, leaving it queued.
func (c *Connection) ReturnMessage(msg *message.Message) error {
	c.lock()
	if msg == nil || c.borrowed != msg {
		c.unlock()
		log.Errorf(c.ctx, "Attempt to return a message which is not borrowed")
		return ErrNotBorrowed
	}

	c.borrowed = nil
	c.dispatch.release()
	status := c.dispatchStatusLocked()
	c.updateDispatchStatusAndUnlock(status)
	return nil
}

// StealBorrowedMessage removes a borrowed message from the queue. The
// caller owns it afterwards.
func (c *Connection) StealBorrowedMessage(msg *message.Message) error {
	c.lock()
	if msg == nil || c.borrowed != msg {
		c.unlock()
		log.Errorf(c.ctx, "Attempt to steal a message which is not borrowed")
		return ErrNotBorrowed
	}

	link := c.incoming.PopFirstLink()
	if link == nil || link.Value != msg {
		panic("connection: borrowed message is not the head of the incoming queue")
	}

	c.borrowed = nil
	c.dispatch.release()
	status := c.dispatchStatusLocked()
	c.updateDispatchStatusAndUnlock(status)
	return nil
}
