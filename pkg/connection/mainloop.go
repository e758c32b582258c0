package connection

import (
	"fmt"

	"github.com/cri-o/busconn/pkg/watch"
)

// SetWatchFunctions installs the main loop callbacks for the file descriptor
// watches of the transport. Every existing watch is added right away. The
// callbacks run with the connection lock held and must not call back into
// the connection. If adding an existing watch fails the previous callbacks
// stay installed.
func (c *Connection) SetWatchFunctions(funcs watch.Functions[*watch.Watch]) error {
	c.lock()
	defer c.unlock()
	if err := c.watches.SetFunctions(funcs); err != nil {
		return fmt.Errorf("set watch functions: %w", err)
	}
	return nil
}

// SetTimeoutFunctions installs the main loop callbacks for the timeouts of
// the connection, see SetWatchFunctions.
func (c *Connection) SetTimeoutFunctions(funcs watch.Functions[*watch.Timeout]) error {
	c.lock()
	defer c.unlock()
	if err := c.timeouts.SetFunctions(funcs); err != nil {
		return fmt.Errorf("set timeout functions: %w", err)
	}
	return nil
}

// SetWakeupMainFunction installs fn, which is called whenever the main loop
// has to reconsider the connection, for example because messages were queued
// by another goroutine. free is called once fn is replaced.
func (c *Connection) SetWakeupMainFunction(fn, free func()) {
	c.lock()
	oldFree := c.freeWakeupMain
	c.wakeupMain, c.freeWakeupMain = fn, free
	c.unlock()

	if oldFree != nil {
		oldFree()
	}
}

// SetDispatchStatusFunction installs fn, which is called whenever the
// dispatch status changes. It must not call Dispatch itself. free is called
// once fn is replaced.
func (c *Connection) SetDispatchStatusFunction(fn DispatchStatusFunc, free func()) {
	c.lock()
	oldFree := c.freeDispatchStatus
	c.dispatchStatusFunc, c.freeDispatchStatus = fn, free
	c.unlock()

	if oldFree != nil {
		oldFree()
	}
}
