package connection

import (
	"errors"

	"github.com/cri-o/busconn/internal/alloc"
)

var (
	// ErrNoMemory is returned when an operation could not allocate what it
	// needed. The connection is left as it was before the call.
	ErrNoMemory = alloc.ErrNoMemory

	// ErrUnixFDsNotSupported is returned when sending a message carrying
	// unix file descriptors over a transport which cannot pass them.
	ErrUnixFDsNotSupported = errors.New("transport cannot pass unix file descriptors")

	// ErrSharedConnection is returned by Close for connections owned by the
	// shared connection cache.
	ErrSharedConnection = errors.New("shared connections must not be closed")

	// ErrFilterNotFound is returned when removing a filter which was never
	// added or is already removed.
	ErrFilterNotFound = errors.New("no such filter")

	// ErrObjectPathInUse is returned when registering a handler for a path
	// which already has one.
	ErrObjectPathInUse = errors.New("object path already has a handler")

	// ErrFallbackInUse is returned when registering a fallback handler for
	// a path which already has one.
	ErrFallbackInUse = errors.New("object path already has a fallback handler")

	// ErrObjectPathNotFound is returned when unregistering a path without
	// handler.
	ErrObjectPathNotFound = errors.New("no handler for object path")

	// ErrInvalidObjectPath is returned for syntactically invalid paths.
	ErrInvalidObjectPath = errors.New("invalid object path")

	// ErrNotBorrowed is returned when returning or stealing a message which
	// is not the currently borrowed one.
	ErrNotBorrowed = errors.New("message is not borrowed")

	// ErrForeignPreallocation is returned when a preallocated send is used
	// with another connection or twice.
	ErrForeignPreallocation = errors.New("preallocated send does not belong to connection")
)
