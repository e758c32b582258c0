// Package loopback provides an in-memory transport. A transport either
// answers calls itself through a Responder or is one end of a Pair.
package loopback

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cri-o/busconn/pkg/message"
	"github.com/cri-o/busconn/pkg/transport"
	"github.com/cri-o/busconn/pkg/watch"
)

// Responder is called for every message written to a transport without a
// peer. A non nil result is delivered back as if the peer had sent it. It
// runs with the owner lock held and must not call into the connection.
type Responder func(msg *message.Message) *message.Message

// Echo replies to every method call expecting a reply with a method return
// carrying the same body.
func Echo(msg *message.Message) *message.Message {
	if msg.Type() != message.TypeMethodCall || msg.NoReplyExpected() {
		return nil
	}
	return message.NewMethodReturn(msg, msg.Body()...)
}

// Silent never replies.
func Silent(*message.Message) *message.Message {
	return nil
}

var fakeFDs atomic.Int64

func init() {
	fakeFDs.Store(1 << 20)
}

// Transport is the in-memory transport.
type Transport struct {
	transport.Limits

	owner     transport.Owner
	responder Responder
	peer      *Transport
	address   string
	serverID  string
	unixFDs   bool
	fd        int
	readWatch *watch.Watch

	serial    atomic.Uint32
	connected atomic.Bool
	written   atomic.Int64

	mu      sync.Mutex
	inbox   []*message.Message
	signal  chan struct{}
	closed  chan struct{}
	closeMu sync.Once
}

// Option configures a Transport.
type Option func(*Transport)

// WithUnixFDPassing makes the transport claim support for passing unix fds.
func WithUnixFDPassing(enabled bool) Option {
	return func(t *Transport) { t.unixFDs = enabled }
}

// WithAddress sets the address reported by the transport.
func WithAddress(address string) Option {
	return func(t *Transport) { t.address = address }
}

// New creates a transport answering through responder, which may be nil.
func New(responder Responder, opts ...Option) *Transport {
	t := &Transport{
		Limits:    transport.DefaultLimits(),
		responder: responder,
		serverID:  uuid.New().String(),
		fd:        int(fakeFDs.Add(1)),
		signal:    make(chan struct{}, 1),
		closed:    make(chan struct{}),
	}
	t.address = fmt.Sprintf("loopback:id=%s", t.serverID)
	t.connected.Store(true)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Pair returns two connected transports. Messages written to one are
// received by the other.
func Pair(opts ...Option) (a, b *Transport) {
	a = New(nil, opts...)
	b = New(nil, opts...)
	b.serverID = a.serverID
	b.address = a.address
	a.peer, b.peer = b, a
	return a, b
}

func (t *Transport) SetOwner(owner transport.Owner) error {
	t.owner = owner
	t.readWatch = watch.New(t.fd, watch.Readable, true, owner.HandleWatch)
	if err := owner.AddWatch(t.readWatch); err != nil {
		t.readWatch = nil
		return fmt.Errorf("add read watch: %w", err)
	}
	return nil
}

func (t *Transport) IsConnected() bool     { return t.connected.Load() }
func (t *Transport) IsAuthenticated() bool { return t.connected.Load() }
func (t *Transport) TryAuthenticate() bool { return t.connected.Load() }
func (t *Transport) Address() string       { return t.address }
func (t *Transport) ServerID() string      { return t.serverID }
func (t *Transport) CanPassUnixFD() bool   { return t.unixFDs }

// Written returns the number of messages written so far.
func (t *Transport) Written() int64 {
	return t.written.Load()
}

func (t *Transport) UnixFD() (int, error) {
	return -1, transport.ErrNotSupported
}

func (t *Transport) Credentials() (transport.Credentials, error) {
	return transport.Credentials{UID: os.Getuid(), GID: os.Getgid(), PID: os.Getpid()}, nil
}

// Disconnect closes this end and hangs up the peer. Messages already
// delivered stay receivable.
func (t *Transport) Disconnect() {
	t.shutdown()
	if t.peer != nil {
		t.peer.shutdown()
	}
}

func (t *Transport) shutdown() {
	t.closeMu.Do(func() {
		t.connected.Store(false)
		close(t.closed)
	})
}

// Deliver queues msg as if the peer had sent it. The transport takes over
// the reference.
func (t *Transport) Deliver(msg *message.Message) {
	if msg.Serial() == 0 {
		_ = msg.SetSerial(t.nextSerial())
	}
	if err := msg.Lock(); err != nil {
		msg.Unref()
		return
	}

	t.mu.Lock()
	if !t.connected.Load() {
		t.mu.Unlock()
		msg.Unref()
		return
	}
	t.inbox = append(t.inbox, msg)
	t.mu.Unlock()

	select {
	case t.signal <- struct{}{}:
	default:
	}
}

func (t *Transport) nextSerial() uint32 {
	for {
		if s := t.serial.Add(1); s != 0 {
			return s
		}
	}
}

func (t *Transport) buffered() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inbox)
}

// DoIteration writes every queued message, as writing never blocks. With
// DoReading set delivered messages are queued to the owner, waiting for
// them first if Block is set.
func (t *Transport) DoIteration(flags transport.IterationFlags, timeout time.Duration) {
	if !t.connected.Load() {
		return
	}
	written := 0
	if flags&(transport.DoWriting|transport.Block) != 0 {
		written = t.write()
	}
	if flags&transport.DoReading == 0 {
		return
	}
	if t.buffered() > 0 {
		t.QueueMessages()
		return
	}
	if flags&transport.Block == 0 || written > 0 {
		return
	}

	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	t.owner.Unlock()
	select {
	case <-t.signal:
	case <-t.closed:
	case <-expired:
	}
	t.owner.Lock()
	t.QueueMessages()
}

func (t *Transport) write() int {
	n := 0
	for t.owner.HasMessagesToSend() && t.connected.Load() {
		msg := t.owner.MessageToSend()
		msg.Ref()
		t.owner.MessageSent(msg)
		t.written.Add(1)
		n++

		switch {
		case t.peer != nil:
			t.peer.Deliver(msg)
		case t.responder != nil:
			if reply := t.responder(msg); reply != nil {
				t.Deliver(reply)
			}
			msg.Unref()
		default:
			msg.Unref()
		}
	}
	return n
}

func (t *Transport) HandleWatch(w *watch.Watch, flags watch.Flags) bool {
	if flags&(watch.Error|watch.Hangup) != 0 {
		t.Disconnect()
		return true
	}
	if flags&watch.Writable != 0 {
		t.write()
	}
	return true
}

func (t *Transport) DispatchStatus() transport.DispatchStatus {
	if t.buffered() > 0 {
		return transport.DataRemains
	}
	return transport.DispatchComplete
}

func (t *Transport) QueueMessages() bool {
	t.mu.Lock()
	inbox := t.inbox
	t.inbox = nil
	t.mu.Unlock()

	for _, msg := range inbox {
		t.owner.QueueReceived(msg)
	}
	return true
}

// MessagesPending wakes a goroutine blocked in DoIteration, so that
// messages queued by another goroutine are written.
func (t *Transport) MessagesPending(n int) {
	if n == 0 {
		return
	}
	select {
	case t.signal <- struct{}{}:
	default:
	}
}
