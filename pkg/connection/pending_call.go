package connection

import (
	"sync/atomic"
	"time"

	"github.com/cri-o/busconn/internal/dataslot"
	"github.com/cri-o/busconn/internal/log"
	"github.com/cri-o/busconn/internal/metrics"
	"github.com/cri-o/busconn/pkg/message"
	"github.com/cri-o/busconn/pkg/watch"
)

var pendingCallSlots = dataslot.NewAllocator("pending call")

// AllocatePendingCallDataSlot allocates a slot usable with every pending
// call, see AllocateDataSlot.
func AllocatePendingCallDataSlot(slot *int32) error {
	return pendingCallSlots.Allocate(slot)
}

// FreePendingCallDataSlot drops a reference to a pending call slot.
func FreePendingCallDataSlot(slot *int32) {
	pendingCallSlots.Free(slot)
}

// NotifyFunc is called once a pending call completed, without any
// connection lock held.
type NotifyFunc func(p *PendingCall)

// PendingCall tracks one method call waiting for its reply. All fields but
// the reference count are guarded by the connection lock.
type PendingCall struct {
	refs atomic.Int32
	conn *Connection

	serial       uint32
	interval     time.Duration
	timeout      *watch.Timeout
	timeoutAdded bool
	attached     bool

	completed  bool
	reply      *message.Message
	done       chan struct{}
	notify     NotifyFunc
	freeNotify func()

	slots dataslot.List
}

func (c *Connection) newPendingCallLocked(timeout time.Duration) (*PendingCall, error) {
	if c.fail("pending-call") {
		return nil, ErrNoMemory
	}
	if timeout < 0 {
		timeout = c.defaultTimeout
	}

	p := &PendingCall{conn: c, interval: timeout, done: make(chan struct{})}
	p.refs.Store(1)
	if timeout != TimeoutInfinite {
		p.timeout = watch.NewTimeout(timeout, func(*watch.Timeout) bool {
			c.pendingTimedOut(p)
			return true
		})
	}
	return p, nil
}

// attachPendingLocked adds p to the reply table and arms its timeout. The
// table holds its own reference.
func (c *Connection) attachPendingLocked(p *PendingCall) error {
	if p.timeout != nil {
		if err := c.timeouts.Add(p.timeout); err != nil {
			return ErrNoMemory
		}
		p.timeoutAdded = true
	}
	p.attached = true
	c.pending[p.serial] = p.Ref()
	metrics.Instance().MetricPendingCallsAdd(1)
	return nil
}

func (c *Connection) removePendingTimeoutLocked(p *PendingCall) {
	if p.timeoutAdded {
		c.timeouts.Remove(p.timeout)
		p.timeoutAdded = false
	}
}

// detachPendingLocked removes p from the table. The table reference is
// dropped once the lock is released.
func (c *Connection) detachPendingLocked(p *PendingCall) {
	c.removePendingTimeoutLocked(p)
	if !p.attached {
		return
	}
	p.attached = false
	if cur, ok := c.pending[p.serial]; ok && cur == p {
		delete(c.pending, p.serial)
		metrics.Instance().MetricPendingCallsAdd(-1)
	}
	c.releasedPending = append(c.releasedPending, p)
}

// completePendingLocked stores reply, whose reference p takes over, and
// detaches p. Its notify function runs once the lock is released.
func (c *Connection) completePendingLocked(p *PendingCall, reply *message.Message) {
	if p.completed {
		c.expired.Append(reply)
		return
	}
	p.completed = true
	p.reply = reply
	close(p.done)
	c.detachPendingLocked(p)
	if p.notify != nil {
		c.completedPending = append(c.completedPending, p.Ref())
		c.releasedPending = append(c.releasedPending, p)
	}
	log.Debugf(c.ctx, "Completed pending call serial %d with %s", p.serial, reply.Type())
}

func (c *Connection) localErrorLocked(serial uint32, name, text string) *message.Message {
	reply := message.NewErrorForSerial(serial, name, text)
	if err := reply.Lock(); err != nil {
		log.Warnf(c.ctx, "Unable to lock local error reply: %v", err)
	}
	return reply
}

// completeAllPendingLocked fails every pending call with a local error.
func (c *Connection) completeAllPendingLocked(name, text string) {
	for _, p := range c.pending {
		c.completePendingLocked(p, c.localErrorLocked(p.serial, name, text))
	}
}

func (c *Connection) pendingTimedOut(p *PendingCall) {
	c.lock()
	if !p.completed && p.attached {
		log.Debugf(c.ctx, "Pending call serial %d timed out after %s", p.serial, p.interval)
		metrics.Instance().MetricReplyTimeoutsInc()
		c.completePendingLocked(p, c.localErrorLocked(p.serial, message.ErrorNoReply,
			"Did not receive a reply. Possible causes include: the remote application did "+
				"not send a reply, the message bus security policy blocked the reply, the reply "+
				"timeout expired, or the network connection was broken."))
	}
	status := c.dispatchStatusLocked()
	c.updateDispatchStatusAndUnlock(status)
}

// Ref adds a reference.
func (p *PendingCall) Ref() *PendingCall {
	p.refs.Add(1)
	return p
}

// Unref drops a reference. The last one releases the reply, the user data
// and the notify function.
func (p *PendingCall) Unref() {
	refs := p.refs.Add(-1)
	if refs < 0 {
		panic("connection: unref of finalized pending call")
	}
	if refs > 0 {
		return
	}

	c := p.conn
	c.lock()
	reply := p.reply
	p.reply = nil
	freeNotify := p.freeNotify
	p.notify, p.freeNotify = nil, nil
	entries := p.slots.Clear()
	c.unlock()

	if reply != nil {
		reply.Unref()
	}
	if freeNotify != nil {
		freeNotify()
	}
	for _, entry := range entries {
		entry.Release()
	}
}

// Serial returns the serial of the call the reply is expected for.
func (p *PendingCall) Serial() uint32 {
	return p.serial
}

// Timeout returns the reply timeout, TimeoutInfinite if there is none.
func (p *PendingCall) Timeout() time.Duration {
	return p.interval
}

// Done is closed once the call completed.
func (p *PendingCall) Done() <-chan struct{} {
	return p.done
}

// Completed reports whether a reply or a local error was stored.
func (p *PendingCall) Completed() bool {
	p.conn.lock()
	defer p.conn.unlock()
	return p.completed
}

// SetNotify installs fn to be called on completion. If the call already
// completed fn is called right away. free is called once fn is replaced or
// the pending call is finalized.
func (p *PendingCall) SetNotify(fn NotifyFunc, free func()) {
	c := p.conn
	c.lock()
	oldFree := p.freeNotify
	p.notify, p.freeNotify = fn, free
	completed := p.completed
	c.unlock()

	if oldFree != nil {
		oldFree()
	}
	if completed && fn != nil {
		fn(p)
	}
}

func (p *PendingCall) runNotify() {
	p.conn.lock()
	fn := p.notify
	p.conn.unlock()
	if fn != nil {
		fn(p)
	}
}

// StealReply takes over the reply of a completed call. It returns nil
// before completion or if the reply was already taken.
func (p *PendingCall) StealReply() *message.Message {
	p.conn.lock()
	defer p.conn.unlock()
	reply := p.reply
	p.reply = nil
	return reply
}

// Cancel detaches the call. No reply is stored and the notify function is
// not called. Cancelling a completed call does nothing.
func (p *PendingCall) Cancel() {
	c := p.conn
	c.lock()
	if !p.completed {
		log.Debugf(c.ctx, "Cancelled pending call serial %d", p.serial)
		c.detachPendingLocked(p)
	}
	c.unlock()
}

// Block waits until the call completed by its reply, its timeout or a
// disconnect, see SendWithReplyAndBlock. Without a context the wait cannot
// end any other way.
func (p *PendingCall) Block() {
	//nolint:staticcheck // a nil ctx disables cancellation
	if err := p.conn.blockPendingCall(nil, p); err != nil {
		panic("connection: blocking without a context failed: " + err.Error())
	}
}

// SetData stores data in slot. The previous data of the slot is released.
func (p *PendingCall) SetData(slot int32, data any, free func(any)) error {
	c := p.conn
	c.lock()
	if c.fail("set-data") {
		c.unlock()
		return ErrNoMemory
	}
	old, err := p.slots.Set(pendingCallSlots, slot, data, free)
	c.unlock()
	if err != nil {
		return err
	}
	old.Release()
	return nil
}

// Data returns the data stored in slot.
func (p *PendingCall) Data(slot int32) any {
	p.conn.lock()
	defer p.conn.unlock()
	return p.slots.Get(pendingCallSlots, slot)
}
