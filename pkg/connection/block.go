package connection

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/cri-o/busconn/internal/list"
	"github.com/cri-o/busconn/internal/log"
	"github.com/cri-o/busconn/pkg/message"
	"github.com/cri-o/busconn/pkg/transport"
)

// ctxPollInterval bounds a single blocking iteration while waiting with a
// cancellable context, so that cancellation is noticed.
const ctxPollInterval = 250 * time.Millisecond

// SendWithReplyAndBlock sends msg and waits for its reply, running neither
// filters nor object handlers and leaving every other incoming message
// queued. The reply is returned even if it is an error, in which case err
// is the matching dbus.Error. A reply which never arrives results in a
// local NoReply or Disconnected error of the same shape. The deadline of
// ctx also bounds the wait. The caller owns the returned reply.
func (c *Connection) SendWithReplyAndBlock(
	ctx context.Context, msg *message.Message, timeout time.Duration,
) (*message.Message, error) {
	ctx, span := log.StartSpan(ctx, "Connection.SendWithReplyAndBlock")
	defer span.End()
	span.SetAttributes(
		attribute.String("message.member", msg.Member()),
		attribute.String("message.path", string(msg.Path())),
	)

	pending, err := c.SendWithReply(msg, timeout)
	if err != nil {
		return nil, err
	}

	if pending == nil {
		var reply *message.Message
		if msg.NumUnixFDs() > 0 && !c.CanSendUnixFDs() {
			reply = message.NewErrorForSerial(msg.Serial(), message.ErrorFailed,
				"Cannot send file descriptors on this connection.")
		} else {
			reply = message.NewErrorForSerial(msg.Serial(), message.ErrorDisconnected,
				"Connection is closed")
		}
		return reply, reply.Err()
	}
	defer pending.Unref()

	if err := c.blockPendingCall(ctx, pending); err != nil {
		pending.Cancel()
		return nil, fmt.Errorf("wait for reply to serial %d: %w", pending.Serial(), err)
	}

	reply := pending.StealReply()
	if reply == nil {
		reply = message.NewErrorForSerial(pending.Serial(), message.ErrorNoReply,
			"Reply was already taken")
	}
	span.SetAttributes(attribute.String("reply.type", reply.Type().String()))
	log.Debugf(ctx, "Got %s for serial %d", reply.Type(), pending.Serial())

	return reply, reply.Err()
}

// findReplyLocked returns the link of the first queued message with the
// given reply serial. A borrowed message is never returned.
func (c *Connection) findReplyLocked(serial uint32) *list.Link[*message.Message] {
	return c.incoming.Find(func(msg *message.Message) bool {
		return msg != c.borrowed && msg.ReplySerial() == serial
	})
}

// checkForReplyLocked completes p if its reply is queued.
func (c *Connection) checkForReplyLocked(p *PendingCall) bool {
	link := c.findReplyLocked(p.serial)
	if link == nil {
		return false
	}
	c.incoming.RemoveLink(link)
	c.completePendingLocked(p, link.Value)
	return true
}

// blockPendingCall waits until p completed. It alternates between flushing
// the outgoing queue, checking for the reply and blocking I/O, each bounded
// by the time left. It returns an error only if ctx ended first, so a nil
// ctx never fails.
func (c *Connection) blockPendingCall(ctx context.Context, p *PendingCall) error {
	c.lock()
	if p.completed {
		c.unlock()
		return nil
	}

	start := c.clock.Now()
	interval := p.interval
	if !p.attached {
		c.unlock()
		return nil
	}

	remaining := func() time.Duration {
		if interval == TimeoutInfinite {
			return -1
		}
		return interval - c.clock.Since(start)
	}

	for {
		status := c.dispatchStatusLocked()

		if p.completed {
			c.updateDispatchStatusAndUnlock(status)
			return nil
		}
		if status == transport.DataRemains && c.checkForReplyLocked(p) {
			status = c.dispatchStatusLocked()
			c.updateDispatchStatusAndUnlock(status)
			return nil
		}

		if !c.transport.IsConnected() {
			c.completePendingLocked(p, c.localErrorLocked(p.serial, message.ErrorDisconnected,
				"Connection was disconnected before a reply was received"))
			status = c.dispatchStatusLocked()
			c.updateDispatchStatusAndUnlock(status)
			return nil
		}

		left := remaining()
		if interval != TimeoutInfinite && left <= 0 {
			break
		}

		if ctx != nil {
			if err := ctx.Err(); err != nil {
				c.unlock()
				return err
			}
			if deadline, ok := ctx.Deadline(); ok {
				untilDeadline := time.Until(deadline)
				if untilDeadline <= 0 {
					c.unlock()
					return context.DeadlineExceeded
				}
				if left < 0 || untilDeadline < left {
					left = untilDeadline
				}
			}
			if ctx.Done() != nil && (left < 0 || left > ctxPollInterval) {
				left = ctxPollInterval
			}
		}

		if status == transport.NeedMemory {
			log.Debugf(c.ctx, "Waiting for more memory while blocking on serial %d", p.serial)
			c.unlock()
			time.Sleep(memoryPause(left))
			c.lock()
			continue
		}

		if !c.outgoing.Empty() {
			c.flushLocked(left)
			continue
		}
		c.doIterationLocked(p, transport.DoReading|transport.Block, left)
	}

	log.Debugf(c.ctx, "Waited %s and got no reply for serial %d", c.clock.Since(start), p.serial)
	c.completePendingLocked(p, c.localErrorLocked(p.serial, message.ErrorNoReply,
		"Did not receive a reply. Possible causes include: the remote application did "+
			"not send a reply, the message bus security policy blocked the reply, the reply "+
			"timeout expired, or the network connection was broken."))
	status := c.dispatchStatusLocked()
	c.updateDispatchStatusAndUnlock(status)
	return nil
}

// memoryPause returns how long to back off for lack of memory, based on the
// time left to wait.
func memoryPause(left time.Duration) time.Duration {
	switch {
	case left < 0:
		return time.Second
	case left < 100*time.Millisecond:
		return 0
	case left <= time.Second:
		return left / 3
	default:
		return time.Second
	}
}
