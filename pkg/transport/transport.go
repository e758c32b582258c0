// Package transport defines the boundary between a connection and the byte
// stream carrying its messages.
package transport

import (
	"errors"
	"time"

	"github.com/cri-o/busconn/pkg/message"
	"github.com/cri-o/busconn/pkg/watch"
)

// DispatchStatus describes the state of the incoming side.
type DispatchStatus int

const (
	// DispatchComplete means no message is queued and no unparsed data is
	// buffered.
	DispatchComplete DispatchStatus = iota
	// DataRemains means a message is queued or buffered data may become one.
	DataRemains
	// NeedMemory means the last attempt to make progress ran out of memory.
	NeedMemory
)

func (s DispatchStatus) String() string {
	switch s {
	case DispatchComplete:
		return "complete"
	case DataRemains:
		return "data-remains"
	case NeedMemory:
		return "need-memory"
	}
	return "unknown"
}

// IterationFlags select the work done by one DoIteration call.
type IterationFlags uint

const (
	DoReading IterationFlags = 1 << iota
	DoWriting
	Block
)

// ErrNotSupported is returned for features a transport lacks.
var ErrNotSupported = errors.New("not supported by transport")

// Credentials of the remote process, where the transport knows them.
type Credentials struct {
	UID int
	GID int
	PID int
}

// Owner is implemented by the connection driving a transport. Transports
// call it with the owner lock held, unless noted otherwise.
type Owner interface {
	// Lock and Unlock take and release the owner lock. A transport blocking
	// in DoIteration releases the lock while waiting.
	Lock()
	Unlock()

	// HasMessagesToSend reports whether the outgoing queue is non empty.
	HasMessagesToSend() bool
	// MessageToSend returns the head of the outgoing queue without
	// removing it.
	MessageToSend() *message.Message
	// MessageSent removes msg, which must be the head, from the outgoing
	// queue once written completely.
	MessageSent(msg *message.Message)
	// QueueReceived appends a parsed message to the incoming queue. The
	// owner takes over the reference.
	QueueReceived(msg *message.Message)

	AddWatch(w *watch.Watch) error
	RemoveWatch(w *watch.Watch)
	ToggleWatch(w *watch.Watch, enabled bool)
	AddTimeout(t *watch.Timeout) error
	RemoveTimeout(t *watch.Timeout)
	ToggleTimeout(t *watch.Timeout, enabled bool)

	// HandleWatch is the handler of every watch the transport creates. The
	// main loop calls it without the owner lock.
	HandleWatch(w *watch.Watch, flags watch.Flags) bool
}

// Transport moves messages between a connection and its peer.
type Transport interface {
	// SetOwner binds the transport to its connection and registers the
	// initial watches. It is called once, before any other method.
	SetOwner(owner Owner) error

	IsConnected() bool
	IsAuthenticated() bool
	// TryAuthenticate advances authentication without blocking and reports
	// whether it completed.
	TryAuthenticate() bool
	// Disconnect closes the transport. Further iterations do nothing.
	Disconnect()

	// DoIteration performs one read and/or write cycle. With Block set it
	// waits up to timeout for progress, releasing the owner lock while
	// waiting. A negative timeout waits without limit.
	DoIteration(flags IterationFlags, timeout time.Duration)
	// HandleWatch processes a watch the main loop reported ready.
	HandleWatch(w *watch.Watch, flags watch.Flags) bool

	// DispatchStatus reports whether buffered but unparsed data remains.
	DispatchStatus() DispatchStatus
	// QueueMessages parses buffered data and hands the messages to the
	// owner. It returns false if it ran out of memory.
	QueueMessages() bool
	// MessagesPending informs the transport about the outgoing queue
	// length, so it can toggle its write watch.
	MessagesPending(n int)

	CanPassUnixFD() bool
	UnixFD() (int, error)
	Credentials() (Credentials, error)
	Address() string
	ServerID() string

	SetMaxMessageSize(size int64)
	MaxMessageSize() int64
	SetMaxReceivedSize(size int64)
	MaxReceivedSize() int64
	SetMaxMessageUnixFDs(n int64)
	MaxMessageUnixFDs() int64
	SetMaxReceivedUnixFDs(n int64)
	MaxReceivedUnixFDs() int64
}

// Limits is embedded by transports to store the size limits.
type Limits struct {
	maxMessageSize     int64
	maxReceivedSize    int64
	maxMessageUnixFDs  int64
	maxReceivedUnixFDs int64
}

// Default limits, matching the reference bus configuration.
const (
	DefaultMaxMessageSize     int64 = 32 * 1024 * 1024
	DefaultMaxReceivedSize    int64 = 63 * 1024 * 1024
	DefaultMaxMessageUnixFDs  int64 = 16
	DefaultMaxReceivedUnixFDs int64 = 64
)

// DefaultLimits returns the default limits.
func DefaultLimits() Limits {
	return Limits{
		maxMessageSize:     DefaultMaxMessageSize,
		maxReceivedSize:    DefaultMaxReceivedSize,
		maxMessageUnixFDs:  DefaultMaxMessageUnixFDs,
		maxReceivedUnixFDs: DefaultMaxReceivedUnixFDs,
	}
}

func (l *Limits) SetMaxMessageSize(size int64)  { l.maxMessageSize = size }
func (l *Limits) MaxMessageSize() int64         { return l.maxMessageSize }
func (l *Limits) SetMaxReceivedSize(size int64) { l.maxReceivedSize = size }
func (l *Limits) MaxReceivedSize() int64        { return l.maxReceivedSize }
func (l *Limits) SetMaxMessageUnixFDs(n int64)  { l.maxMessageUnixFDs = n }
func (l *Limits) MaxMessageUnixFDs() int64      { return l.maxMessageUnixFDs }
func (l *Limits) SetMaxReceivedUnixFDs(n int64) { l.maxReceivedUnixFDs = n }
func (l *Limits) MaxReceivedUnixFDs() int64     { return l.maxReceivedUnixFDs }
