// Package alloc simulates allocation failures. The Go runtime does not
// report out-of-memory conditions to callers, so every site which would
// allocate resources on behalf of the connection engine asks a Failer first
// and reports ErrNoMemory when it refuses.
package alloc

import (
	"errors"
	"sync"
)

// ErrNoMemory is returned by operations refused by a Failer. The failed
// operation leaves its object in the pre-call state.
var ErrNoMemory = errors.New("not enough memory")

// Failer decides whether an allocation at the named site should fail.
type Failer interface {
	Fail(site string) bool
}

type never struct{}

// Never returns a Failer which never fails.
func Never() Failer {
	return never{}
}

func (never) Fail(string) bool { return false }

// Countdown fails exactly one allocation: the nth one counted from its
// creation or the last Reset. Sites can be restricted to a set of names.
type Countdown struct {
	mu     sync.Mutex
	left   int
	sites  map[string]bool
	failed []string
}

// NewCountdown returns a Countdown failing the nth (1 based) allocation at
// one of the given sites, or at any site if none are given.
func NewCountdown(n int, sites ...string) *Countdown {
	c := &Countdown{left: n}
	if len(sites) > 0 {
		c.sites = make(map[string]bool, len(sites))
		for _, s := range sites {
			c.sites[s] = true
		}
	}
	return c
}

func (c *Countdown) Fail(site string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sites != nil && !c.sites[site] {
		return false
	}
	if c.left <= 0 {
		return false
	}
	c.left--
	if c.left == 0 {
		c.failed = append(c.failed, site)
		return true
	}
	return false
}

// Reset arms the countdown again.
func (c *Countdown) Reset(n int) {
	c.mu.Lock()
	c.left = n
	c.mu.Unlock()
}

// Failed returns the sites which were refused so far.
func (c *Countdown) Failed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.failed...)
}
