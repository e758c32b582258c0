// Package dataslot implements process wide slot IDs which index per-object
// storage arrays.
package dataslot

import (
	"errors"
	"fmt"
	"sync"
)

// Unallocated is the value of a slot variable which holds no slot.
const Unallocated int32 = -1

var ErrInvalidSlot = errors.New("data slot is not allocated")

// Allocator hands out integer slot IDs. Every slot is reference counted:
// allocating into a variable which already holds a slot only bumps the
// count, so independent users of the same variable share one slot.
type Allocator struct {
	mu   sync.Mutex
	refs []int
	used int
	name string
}

// NewAllocator returns an allocator used for objects of the named kind.
func NewAllocator(name string) *Allocator {
	return &Allocator{name: name}
}

// Allocate stores a slot ID into *slot unless it already holds one.
func (a *Allocator) Allocate(slot *int32) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if *slot >= 0 {
		if int(*slot) >= len(a.refs) || a.refs[*slot] == 0 {
			return fmt.Errorf("%s slot %d: %w", a.name, *slot, ErrInvalidSlot)
		}
		a.refs[*slot]++
		return nil
	}

	id := -1
	if a.used < len(a.refs) {
		for i, r := range a.refs {
			if r == 0 {
				id = i
				break
			}
		}
	}
	if id < 0 {
		a.refs = append(a.refs, 0)
		id = len(a.refs) - 1
	}
	a.refs[id] = 1
	a.used++
	*slot = int32(id)
	return nil
}

// Free drops one reference to the slot in *slot. Once unreferenced the ID is
// reusable and *slot is reset to Unallocated.
func (a *Allocator) Free(slot *int32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := *slot
	if id < 0 || int(id) >= len(a.refs) || a.refs[id] == 0 {
		return
	}
	a.refs[id]--
	if a.refs[id] == 0 {
		a.used--
		*slot = Unallocated
	}
}

// Allocated reports whether id is currently handed out.
func (a *Allocator) Allocated(id int32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return id >= 0 && int(id) < len(a.refs) && a.refs[id] > 0
}

// Used returns the number of live slots.
func (a *Allocator) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Entry is the content of a single slot.
type Entry struct {
	Data any
	Free func(any)
}

// Release runs the destructor of the entry, if any.
func (e Entry) Release() {
	if e.Free != nil {
		e.Free(e.Data)
	}
}

// List is the per-object slot storage. It is guarded by the owner's lock.
type List struct {
	entries []Entry
}

// Set stores data into slot and returns the previous entry, which the caller
// releases once it dropped its own locks.
func (l *List) Set(a *Allocator, slot int32, data any, free func(any)) (Entry, error) {
	if !a.Allocated(slot) {
		return Entry{}, fmt.Errorf("%s slot %d: %w", a.name, slot, ErrInvalidSlot)
	}
	if int(slot) >= len(l.entries) {
		grown := make([]Entry, slot+1)
		copy(grown, l.entries)
		l.entries = grown
	}
	old := l.entries[slot]
	l.entries[slot] = Entry{Data: data, Free: free}
	return old, nil
}

// Get returns the data stored in slot or nil.
func (l *List) Get(a *Allocator, slot int32) any {
	if !a.Allocated(slot) || int(slot) >= len(l.entries) {
		return nil
	}
	return l.entries[slot].Data
}

// Clear empties the list and returns all occupied entries for release.
func (l *List) Clear() []Entry {
	res := []Entry{}
	for _, e := range l.entries {
		if e.Data != nil || e.Free != nil {
			res = append(res, e)
		}
	}
	l.entries = nil
	return res
}
