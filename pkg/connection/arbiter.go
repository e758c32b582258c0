package connection

import (
	"sync"
	"time"
)

// arbiter grants a single holder the right to perform one class of work,
// like dispatching or talking to the transport. The flag lives behind its
// own mutex so it can be checked without the connection lock.
//
// Waiters are served in arrival order: release hands the arbiter directly
// to the longest waiting goroutine, so a holder looping on acquire cannot
// starve the others.
type arbiter struct {
	name     string
	mu       sync.Mutex
	acquired bool
	waiters  []chan struct{}
}

func newArbiter(name string) *arbiter {
	return &arbiter{name: name}
}

// acquire must be called with the connection lock held. The lock is dropped
// while waiting and held again on return. A negative timeout waits without
// limit, a zero timeout only tries once.
func (a *arbiter) acquire(c *Connection, timeout time.Duration) bool {
	c.unlock()
	defer c.lock()

	a.mu.Lock()
	if !a.acquired {
		a.acquired = true
		a.mu.Unlock()
		return true
	}
	if timeout == 0 {
		a.mu.Unlock()
		return false
	}
	granted := make(chan struct{})
	a.waiters = append(a.waiters, granted)
	a.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-granted:
		return true
	case <-expired:
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for i, w := range a.waiters {
		if w == granted {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			return false
		}
	}
	// Handed over between the timer firing and taking the mutex.
	return true
}

func (a *arbiter) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.acquired {
		panic("connection: release of " + a.name + " arbiter which is not held")
	}
	if len(a.waiters) == 0 {
		a.acquired = false
		return
	}
	next := a.waiters[0]
	a.waiters[0] = nil
	a.waiters = a.waiters[1:]
	close(next)
}

func (a *arbiter) held() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.acquired
}
