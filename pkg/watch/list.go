package watch

import (
	"errors"

	"github.com/cri-o/busconn/internal/list"
)

// ErrAddFailed is returned when a main loop refused to add a source.
var ErrAddFailed = errors.New("main loop failed to add source")

// Source is implemented by Watch and Timeout.
type Source interface {
	*Watch | *Timeout
	Enabled() bool
	setEnabled(bool) bool
}

// Functions is the callback set a main loop installs to track the sources
// of a list. Free is called once the set is replaced or the list is freed.
type Functions[T Source] struct {
	Add     func(T) bool
	Remove  func(T)
	Toggled func(T)
	Free    func()
}

// List holds sources and mirrors every change to the installed functions.
// All functions are called with the owner's lock held.
type List[T Source] struct {
	items list.List[T]
	funcs Functions[T]
}

type (
	WatchList   = List[*Watch]
	TimeoutList = List[*Timeout]
)

// SetFunctions installs a new callback set. Every existing source is added
// through the new set first. If that fails the sources already added are
// removed again and the previous set stays installed.
func (l *List[T]) SetFunctions(funcs Functions[T]) error {
	if funcs.Add != nil {
		for link := l.items.First(); link != nil; link = l.items.Next(link) {
			if funcs.Add(link.Value) {
				continue
			}
			for undo := l.items.First(); undo != link; undo = l.items.Next(undo) {
				if funcs.Remove != nil {
					funcs.Remove(undo.Value)
				}
			}
			return ErrAddFailed
		}
	}

	if l.funcs.Remove != nil {
		for _, item := range l.items.Values() {
			l.funcs.Remove(item)
		}
	}
	if l.funcs.Free != nil {
		l.funcs.Free()
	}
	l.funcs = funcs
	return nil
}

// Add appends a source and registers it with the main loop, if any.
func (l *List[T]) Add(item T) error {
	link := l.items.Append(item)
	if l.funcs.Add != nil && !l.funcs.Add(item) {
		l.items.RemoveLink(link)
		return ErrAddFailed
	}
	return nil
}

// Remove drops a source and unregisters it. It reports whether the source
// was part of the list.
func (l *List[T]) Remove(item T) bool {
	link := l.items.Find(func(v T) bool { return v == item })
	if link == nil {
		return false
	}
	l.items.RemoveLink(link)
	if l.funcs.Remove != nil {
		l.funcs.Remove(item)
	}
	return true
}

// Toggle changes the enabled state and tells the main loop. Toggling to the
// current state does nothing.
func (l *List[T]) Toggle(item T, enabled bool) {
	if !item.setEnabled(enabled) {
		return
	}
	if l.funcs.Toggled != nil {
		l.funcs.Toggled(item)
	}
}

// Len returns the number of sources.
func (l *List[T]) Len() int {
	return l.items.Len()
}

// Items returns a snapshot of the sources.
func (l *List[T]) Items() []T {
	return l.items.Values()
}

// Free unregisters all sources, releases the callback set and empties the
// list. Watches are invalidated.
func (l *List[T]) Free() {
	_ = l.SetFunctions(Functions[T]{})
	for _, item := range l.items.Clear() {
		if w, ok := any(item).(*Watch); ok {
			w.Invalidate()
		}
	}
}
