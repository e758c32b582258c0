// Package list implements the circular doubly linked list backing the
// connection message queues.
package list

// Link is a single node of a List. A Link can be allocated ahead of time
// with NewLink and inserted later, so that the insertion itself never has to
// allocate.
type Link[T any] struct {
	prev, next *Link[T]
	Value      T
}

// NewLink allocates a detached link holding v.
func NewLink[T any](v T) *Link[T] {
	return &Link[T]{Value: v}
}

// List is a circular doubly linked list. The zero value is an empty list.
// It is not safe for concurrent use.
type List[T any] struct {
	head   *Link[T]
	length int
}

// Len returns the number of links in the list.
func (l *List[T]) Len() int {
	return l.length
}

// Empty reports whether the list has no links.
func (l *List[T]) Empty() bool {
	return l.head == nil
}

// First returns the head link or nil.
func (l *List[T]) First() *Link[T] {
	return l.head
}

// Last returns the tail link or nil.
func (l *List[T]) Last() *Link[T] {
	if l.head == nil {
		return nil
	}
	return l.head.prev
}

// Next returns the link following link, or nil if link is the tail.
func (l *List[T]) Next(link *Link[T]) *Link[T] {
	if link.next == l.head {
		return nil
	}
	return link.next
}

// Prev returns the link preceding link, or nil if link is the head.
func (l *List[T]) Prev(link *Link[T]) *Link[T] {
	if link == l.head {
		return nil
	}
	return link.prev
}

// PrependLink inserts a detached link at the head.
func (l *List[T]) PrependLink(link *Link[T]) {
	if l.head == nil {
		link.prev = link
		link.next = link
	} else {
		link.next = l.head
		link.prev = l.head.prev
		l.head.prev.next = link
		l.head.prev = link
	}
	l.head = link
	l.length++
}

// AppendLink inserts a detached link at the tail. The link is prepended and
// the head rotated forward, which makes it the last element.
func (l *List[T]) AppendLink(link *Link[T]) {
	l.PrependLink(link)
	l.head = l.head.next
}

// Prepend inserts v at the head and returns its link.
func (l *List[T]) Prepend(v T) *Link[T] {
	link := NewLink(v)
	l.PrependLink(link)
	return link
}

// Append inserts v at the tail and returns its link.
func (l *List[T]) Append(v T) *Link[T] {
	link := NewLink(v)
	l.AppendLink(link)
	return link
}

// RemoveLink unlinks link from the list. The value is left untouched and
// the link may be inserted again afterwards.
func (l *List[T]) RemoveLink(link *Link[T]) {
	if link.next == link {
		l.head = nil
	} else {
		link.prev.next = link.next
		link.next.prev = link.prev
		if l.head == link {
			l.head = link.next
		}
	}
	link.prev = nil
	link.next = nil
	l.length--
}

// PopFirstLink removes and returns the head link, or nil if the list is
// empty.
func (l *List[T]) PopFirstLink() *Link[T] {
	link := l.head
	if link == nil {
		return nil
	}
	l.RemoveLink(link)
	return link
}

// PopFirst removes and returns the head value.
func (l *List[T]) PopFirst() (v T, ok bool) {
	link := l.PopFirstLink()
	if link == nil {
		return v, false
	}
	return link.Value, true
}

// PopLast removes and returns the tail value.
func (l *List[T]) PopLast() (v T, ok bool) {
	link := l.Last()
	if link == nil {
		return v, false
	}
	l.RemoveLink(link)
	return link.Value, true
}

// Find returns the first link for which match returns true, or nil.
func (l *List[T]) Find(match func(T) bool) *Link[T] {
	for link := l.First(); link != nil; link = l.Next(link) {
		if match(link.Value) {
			return link
		}
	}
	return nil
}

// Values returns a snapshot of all values from head to tail.
func (l *List[T]) Values() []T {
	values := make([]T, 0, l.length)
	for link := l.First(); link != nil; link = l.Next(link) {
		values = append(values, link.Value)
	}
	return values
}

// Clear empties the list and returns the values it held, in order.
func (l *List[T]) Clear() []T {
	values := l.Values()
	l.head = nil
	l.length = 0
	return values
}

// Splice moves all links of other to the tail of l, leaving other empty.
func (l *List[T]) Splice(other *List[T]) {
	for link := other.PopFirstLink(); link != nil; link = other.PopFirstLink() {
		l.AppendLink(link)
	}
}
