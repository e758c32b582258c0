package connection

import (
	"sync/atomic"

	"github.com/cri-o/busconn/internal/log"
	"github.com/cri-o/busconn/pkg/message"
)

// HandlerResult is returned by filters and object path handlers.
type HandlerResult int

const (
	// Handled stops the dispatch of the message.
	Handled HandlerResult = iota
	// NotYetHandled passes the message on to the next handler.
	NotYetHandled
	// NeedMemory stops the dispatch and puts the message back, so that it
	// is dispatched again later.
	NeedMemory
)

func (r HandlerResult) String() string {
	switch r {
	case Handled:
		return "handled"
	case NotYetHandled:
		return "not-yet-handled"
	case NeedMemory:
		return "need-memory"
	}
	return "unknown"
}

// FilterFunc sees every dispatched message before the object path handlers.
type FilterFunc func(c *Connection, msg *message.Message) HandlerResult

// Filter is a handle on an installed filter function.
type Filter struct {
	fn      FilterFunc
	free    func()
	removed atomic.Bool
}

func (f *Filter) release() {
	f.removed.Store(true)
	if f.free != nil {
		f.free()
	}
}

// AddFilter installs fn after all filters added before. The same function
// may be added several times, each call returns its own handle. free is
// called once the filter is removed or the connection finalized.
func (c *Connection) AddFilter(fn FilterFunc, free func()) (*Filter, error) {
	c.lock()
	defer c.unlock()
	if c.fail("add-filter") {
		return nil, ErrNoMemory
	}
	f := &Filter{fn: fn, free: free}
	c.filters = append(c.filters, f)
	return f, nil
}

// RemoveFilter removes f. A filter removed while a dispatch runs is not
// called by that dispatch anymore, unless it is already running.
func (c *Connection) RemoveFilter(f *Filter) error {
	c.lock()
	idx := -1
	for i := range c.filters {
		if c.filters[i] == f {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.unlock()
		log.Warnf(c.ctx, "Attempt to remove a filter which was never added")
		return ErrFilterNotFound
	}
	filters := make([]*Filter, 0, len(c.filters)-1)
	filters = append(filters, c.filters[:idx]...)
	c.filters = append(filters, c.filters[idx+1:]...)
	c.unlock()

	f.release()
	return nil
}

// filterSnapshotLocked copies the filter list, so that filters can be added
// or removed by the filters themselves.
func (c *Connection) filterSnapshotLocked() ([]*Filter, bool) {
	if c.fail("dispatch-filters") {
		return nil, false
	}
	return append([]*Filter(nil), c.filters...), true
}

// runFilters calls every filter of the snapshot until one handles msg. It
// runs without the connection lock.
func (c *Connection) runFilters(filters []*Filter, msg *message.Message) HandlerResult {
	for _, f := range filters {
		if f.removed.Load() {
			continue
		}
		if result := f.fn(c, msg); result != NotYetHandled {
			return result
		}
	}
	return NotYetHandled
}
