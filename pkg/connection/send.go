package connection

import (
	"fmt"
	"time"

	"github.com/cri-o/busconn/internal/list"
	"github.com/cri-o/busconn/internal/log"
	"github.com/cri-o/busconn/internal/metrics"
	"github.com/cri-o/busconn/pkg/message"
	"github.com/cri-o/busconn/pkg/transport"
)

// PreallocatedSend holds everything needed to queue one message, so that
// sending it cannot run out of memory.
type PreallocatedSend struct {
	c    *Connection
	link *list.Link[*message.Message]
}

// PreallocateSend reserves the resources for one Send.
func (c *Connection) PreallocateSend() (*PreallocatedSend, error) {
	c.lock()
	defer c.unlock()
	return c.preallocateSendLocked()
}

func (c *Connection) preallocateSendLocked() (*PreallocatedSend, error) {
	if c.fail("preallocate-send") {
		return nil, ErrNoMemory
	}
	return &PreallocatedSend{c: c, link: list.NewLink[*message.Message](nil)}, nil
}

// FreePreallocatedSend gives back a preallocation which was not used.
func (c *Connection) FreePreallocatedSend(p *PreallocatedSend) {
	if p != nil && p.c == c {
		p.link = nil
	}
}

// SendPreallocated queues msg using p. It only fails if msg cannot be
// encoded or p belongs to another connection.
func (c *Connection) SendPreallocated(p *PreallocatedSend, msg *message.Message) (uint32, error) {
	if p == nil || p.c != c || p.link == nil {
		return 0, ErrForeignPreallocation
	}
	c.lock()
	serial, err := c.sendPreallocatedLocked(p, msg)
	status := c.dispatchStatusLocked()
	c.updateDispatchStatusAndUnlock(status)
	return serial, err
}

// Send queues msg and tries to write it right away. A serial is assigned
// unless msg already carries one. Messages queued on a disconnected
// connection are dropped silently.
func (c *Connection) Send(msg *message.Message) (uint32, error) {
	c.lock()
	if msg.NumUnixFDs() > 0 && !c.transport.CanPassUnixFD() {
		c.unlock()
		return 0, ErrUnixFDsNotSupported
	}

	p, err := c.preallocateSendLocked()
	if err != nil {
		c.unlock()
		return 0, err
	}

	serial, err := c.sendPreallocatedLocked(p, msg)
	status := c.dispatchStatusLocked()
	c.updateDispatchStatusAndUnlock(status)
	return serial, err
}

func (c *Connection) nextSerialLocked() uint32 {
	c.serial++
	if c.serial == 0 {
		c.serial++
	}
	return c.serial
}

// enqueueLocked stamps, locks and queues msg. On failure msg and the serial
// counter are unchanged.
func (c *Connection) enqueueLocked(p *PreallocatedSend, msg *message.Message) (uint32, error) {
	serial := msg.Serial()
	assigned := false
	if serial == 0 {
		prev := c.serial
		serial = c.nextSerialLocked()
		if err := msg.SetSerial(serial); err != nil {
			c.serial = prev
			return 0, fmt.Errorf("set serial: %w", err)
		}
		assigned = true
		defer func() {
			if !msg.Locked() {
				_ = msg.SetSerial(0)
				c.serial = prev
			}
		}()
	}

	if err := msg.Lock(); err != nil {
		return 0, fmt.Errorf("lock message: %w", err)
	}

	p.link.Value = msg.Ref()
	c.outgoing.AppendLink(p.link)
	p.link = nil
	msg.AddCounter(c.outgoingCounter)
	c.transport.MessagesPending(c.outgoing.Len())

	metrics.Instance().MetricMessagesSentInc(msg.Type().String())
	metrics.Instance().MetricOutgoingBytesAdd(float64(msg.Size()))
	log.Debugf(c.ctx, "Queued %s serial %d (assigned %v) %s %s.%s, %d outgoing",
		msg.Type(), serial, assigned, msg.Path(), msg.Interface(), msg.Member(), c.outgoing.Len())

	return serial, nil
}

// sendPreallocatedLocked queues msg and runs one non blocking write
// iteration. The lock is dropped and taken again while acquiring the I/O
// path.
func (c *Connection) sendPreallocatedLocked(p *PreallocatedSend, msg *message.Message) (uint32, error) {
	serial, err := c.enqueueLocked(p, msg)
	if err != nil {
		return 0, err
	}
	c.writeQueuedLocked()
	return serial, nil
}

// writeQueuedLocked tries to write without blocking and wakes the main loop
// if something is left.
func (c *Connection) writeQueuedLocked() {
	c.doIterationLocked(nil, transport.DoWriting, -1)
	if !c.outgoing.Empty() {
		c.wakeupMainLocked()
	}
}

// SendWithReply queues msg and returns the pending call its reply will
// complete. A negative timeout selects the default timeout and
// TimeoutInfinite disables it.
//
// If the connection is already disconnected, or msg carries unix file
// descriptors the transport cannot pass, no reply can ever arrive. Nothing
// is sent then and both results are nil.
func (c *Connection) SendWithReply(msg *message.Message, timeout time.Duration) (*PendingCall, error) {
	c.lock()
	if !c.transport.IsConnected() {
		c.unlock()
		return nil, nil
	}
	if msg.NumUnixFDs() > 0 && !c.transport.CanPassUnixFD() {
		c.unlock()
		return nil, nil
	}

	p, err := c.preallocateSendLocked()
	if err != nil {
		c.unlock()
		return nil, err
	}

	pending, err := c.newPendingCallLocked(timeout)
	if err != nil {
		c.unlock()
		return nil, err
	}

	prev := c.serial
	serial := msg.Serial()
	if serial == 0 {
		serial = c.nextSerialLocked()
		if err := msg.SetSerial(serial); err != nil {
			c.serial = prev
			c.unlock()
			return nil, fmt.Errorf("set serial: %w", err)
		}
	}
	pending.serial = serial

	if err := c.attachPendingLocked(pending); err != nil {
		if !msg.Locked() {
			_ = msg.SetSerial(0)
			c.serial = prev
		}
		c.unlock()
		return nil, err
	}

	if _, err := c.enqueueLocked(p, msg); err != nil {
		if !msg.Locked() && c.serial == serial {
			_ = msg.SetSerial(0)
			c.serial = prev
		}
		c.detachPendingLocked(pending)
		c.releasedPending = append(c.releasedPending, pending)
		c.unlock()
		return nil, err
	}

	c.writeQueuedLocked()
	status := c.dispatchStatusLocked()
	c.updateDispatchStatusAndUnlock(status)
	return pending, nil
}
