package connection

import (
	"time"

	"github.com/cri-o/busconn/pkg/transport"
	"github.com/cri-o/busconn/pkg/watch"
)

// doIterationLocked runs one transport iteration while holding the I/O path.
// With Block set it waits up to timeout for the I/O path, otherwise it gives
// up right away if another goroutine is doing I/O. If pending is given and
// its reply is already here, the transport is not touched.
func (c *Connection) doIterationLocked(pending *PendingCall, flags transport.IterationFlags, timeout time.Duration) {
	var done func() bool
	if pending != nil {
		done = func() bool {
			return pending.completed || c.findReplyLocked(pending.serial) != nil
		}
	}
	c.iterateLocked(done, flags, timeout)
}

// iterateLocked runs one transport iteration unless done reports that the
// caller's condition already holds. The condition and the write flag are
// evaluated again once the I/O path is held, as another goroutine may have
// done the work while this one waited for it.
func (c *Connection) iterateLocked(done func() bool, flags transport.IterationFlags, timeout time.Duration) {
	if done != nil && done() {
		return
	}

	wait := time.Duration(0)
	if flags&transport.Block != 0 {
		wait = timeout
	}
	start := c.clock.Now()
	if !c.ioPath.acquire(c, wait) {
		return
	}
	defer c.ioPath.release()

	if done != nil && done() {
		return
	}
	if c.outgoing.Empty() {
		flags &^= transport.DoWriting
	}
	if flags&transport.Block != 0 && timeout > 0 {
		timeout -= c.clock.Since(start)
		if timeout <= 0 {
			flags &^= transport.Block
			timeout = 0
		}
	}
	c.transport.DoIteration(flags, timeout)
}

// handleWatch is called by the main loop for a ready watch. If another
// goroutine holds the I/O path the event is ignored, the main loop will
// report it again.
func (c *Connection) handleWatch(w *watch.Watch, flags watch.Flags) bool {
	c.lock()
	if !c.ioPath.acquire(c, time.Millisecond) {
		c.unlock()
		return true
	}
	ok := c.transport.HandleWatch(w, flags)
	c.ioPath.release()

	status := c.dispatchStatusLocked()
	c.updateDispatchStatusAndUnlock(status)
	return ok
}

// Flush blocks until the outgoing queue is empty or the connection is
// disconnected.
func (c *Connection) Flush() {
	c.flush()
}

func (c *Connection) flush() {
	c.lock()
	c.flushLocked(-1)
	status := c.dispatchStatusLocked()
	c.updateDispatchStatusAndUnlock(status)
}

// flushLocked writes until the outgoing queue is empty, the connection is
// disconnected or timeout passed. A negative timeout waits without limit.
// It reports whether the queue was flushed.
func (c *Connection) flushLocked(timeout time.Duration) bool {
	flushed := func() bool {
		return c.outgoing.Empty() || !c.transport.IsConnected()
	}
	start := c.clock.Now()
	for !flushed() {
		left := time.Duration(-1)
		if timeout >= 0 {
			left = timeout - c.clock.Since(start)
			if left <= 0 {
				return false
			}
		}
		c.iterateLocked(flushed, transport.DoReading|transport.DoWriting|transport.Block, left)
	}
	return c.outgoing.Empty()
}

// ReadWrite blocks up to timeout until the connection can be read from or
// written to, and then reads or writes what it can. It never dispatches. It
// returns false once the connection is disconnected.
func (c *Connection) ReadWrite(timeout time.Duration) bool {
	return c.readWriteDispatch(timeout, false)
}

// ReadWriteDispatch dispatches one message if any is queued. Otherwise it
// behaves like ReadWrite. It returns false once the disconnect notification
// was dispatched, so it can drive a simple loop:
//
//	for c.ReadWriteDispatch(-1) {
//	}
func (c *Connection) ReadWriteDispatch(timeout time.Duration) bool {
	return c.readWriteDispatch(timeout, true)
}

func (c *Connection) readWriteDispatch(timeout time.Duration, dispatch bool) bool {
	status := c.DispatchStatus()

	switch {
	case dispatch && status == transport.DataRemains:
		c.Dispatch()
		c.lock()
	case status == transport.NeedMemory:
		time.Sleep(memoryPause(timeout))
		c.lock()
	default:
		c.lock()
		if c.transport.IsConnected() {
			c.doIterationLocked(nil, transport.DoReading|transport.DoWriting|transport.Block, timeout)
		}
	}

	var progress bool
	if dispatch {
		progress = !c.incoming.Empty() || c.disconnectLink != nil
	} else {
		progress = c.transport.IsConnected()
	}
	c.unlock()
	return progress
}
