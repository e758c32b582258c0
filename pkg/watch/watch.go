// Package watch implements the file descriptor watches and timers which a
// connection registers with an external main loop.
package watch

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Flags describes the conditions a watch is interested in or which occurred.
type Flags uint

const (
	Readable Flags = 1 << iota
	Writable
	Error
	Hangup
)

func (f Flags) String() string {
	names := []string{}
	for i, name := range []string{"readable", "writable", "error", "hangup"} {
		if f&(1<<i) != 0 {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// userData is the application data attached to a watch or timeout.
type userData struct {
	mu   sync.Mutex
	data any
	free func(any)
}

// SetData replaces the attached data, releasing the previous one.
func (u *userData) SetData(data any, free func(any)) {
	u.mu.Lock()
	oldData, oldFree := u.data, u.free
	u.data, u.free = data, free
	u.mu.Unlock()
	if oldFree != nil {
		oldFree(oldData)
	}
}

// Data returns the attached data.
func (u *userData) Data() any {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.data
}

// Handler is called when the main loop detects the watched condition. It
// returns false if it could not make progress for lack of memory.
type Handler func(w *Watch, flags Flags) bool

// Watch is a file descriptor the main loop polls for the conditions in
// Flags while Enabled.
type Watch struct {
	userData

	fd      atomic.Int64
	flags   Flags
	enabled atomic.Bool
	handler atomic.Pointer[Handler]
}

// New creates a watch for fd.
func New(fd int, flags Flags, enabled bool, handler Handler) *Watch {
	w := &Watch{flags: flags & (Readable | Writable)}
	w.fd.Store(int64(fd))
	w.enabled.Store(enabled)
	w.handler.Store(&handler)
	return w
}

func (w *Watch) Fd() int        { return int(w.fd.Load()) }
func (w *Watch) Flags() Flags   { return w.flags }
func (w *Watch) Enabled() bool  { return w.enabled.Load() }
func (w *Watch) String() string { return fmt.Sprintf("watch fd=%d flags=%s", w.Fd(), w.flags) }

func (w *Watch) setEnabled(enabled bool) bool {
	return w.enabled.Swap(enabled) != enabled
}

// Invalidate detaches the watch from its file descriptor. Handling an
// invalidated watch does nothing.
func (w *Watch) Invalidate() {
	w.fd.Store(-1)
	w.handler.Store(nil)
}

// Handle is called by the main loop with the conditions it saw. Conditions
// the watch did not ask for are dropped, except for errors and hangups.
func (w *Watch) Handle(flags Flags) bool {
	h := w.handler.Load()
	if w.Fd() < 0 || h == nil || *h == nil {
		return true
	}
	if w.flags&Readable == 0 {
		flags &^= Readable
	}
	if w.flags&Writable == 0 {
		flags &^= Writable
	}
	return (*h)(w, flags)
}

// TimeoutHandler is called when the interval of a timeout elapsed. It
// returns false if it could not make progress for lack of memory.
type TimeoutHandler func(t *Timeout) bool

// Timeout is a timer the main loop runs while Enabled.
type Timeout struct {
	userData

	interval atomic.Int64
	enabled  atomic.Bool
	handler  TimeoutHandler
}

// NewTimeout creates a timeout with the given interval.
func NewTimeout(interval time.Duration, handler TimeoutHandler) *Timeout {
	t := &Timeout{handler: handler}
	t.interval.Store(int64(interval))
	t.enabled.Store(true)
	return t
}

func (t *Timeout) Interval() time.Duration { return time.Duration(t.interval.Load()) }
func (t *Timeout) Enabled() bool           { return t.enabled.Load() }
func (t *Timeout) String() string          { return fmt.Sprintf("timeout interval=%s", t.Interval()) }

func (t *Timeout) setEnabled(enabled bool) bool {
	return t.enabled.Swap(enabled) != enabled
}

// Restart changes the interval and enables the timeout. The main loop
// learns about it through the toggle function of the list.
func (t *Timeout) Restart(interval time.Duration) {
	t.interval.Store(int64(interval))
	t.enabled.Store(true)
}

// Handle is called by the main loop once the interval elapsed.
func (t *Timeout) Handle() bool {
	if t.handler == nil {
		return true
	}
	return t.handler(t)
}
