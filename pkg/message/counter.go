package message

import "sync"

// Counter accumulates the size and unix fd count of the messages charged to
// it. A notify function can be attached which is called once either value
// crossed its limit in any direction.
type Counter struct {
	mu            sync.Mutex
	size          int64
	unixFDs       int64
	sizeLimit     int64
	unixFDsLimit  int64
	notify        func(*Counter)
	notifyPending bool
}

func NewCounter() *Counter {
	return &Counter{}
}

// SetNotify installs fn to be called when a limit is crossed.
func (c *Counter) SetNotify(sizeLimit, unixFDsLimit int64, fn func(*Counter)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sizeLimit = sizeLimit
	c.unixFDsLimit = unixFDsLimit
	c.notify = fn
	c.notifyPending = false
}

// Adjust changes the accumulated values. A crossed limit only marks the
// notification as pending, Notify delivers it.
func (c *Counter) Adjust(size, unixFDs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	oldSize, oldFDs := c.size, c.unixFDs
	c.size += size
	c.unixFDs += unixFDs

	if c.notify == nil {
		return
	}
	if (oldSize < c.sizeLimit) != (c.size < c.sizeLimit) ||
		(oldFDs < c.unixFDsLimit) != (c.unixFDs < c.unixFDsLimit) {
		c.notifyPending = true
	}
}

// Notify calls the notify function if a limit was crossed since the last
// call. It must be called without holding locks the notify function takes.
func (c *Counter) Notify() {
	c.mu.Lock()
	fn := c.notify
	pending := c.notifyPending
	c.notifyPending = false
	c.mu.Unlock()

	if pending && fn != nil {
		fn(c)
	}
}

func (c *Counter) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *Counter) UnixFDs() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unixFDs
}

// OverLimit reports whether either value reached its limit.
func (c *Counter) OverLimit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size >= c.sizeLimit || c.unixFDs >= c.unixFDsLimit
}
