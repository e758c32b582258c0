// Package connection implements the client side of a message bus
// connection: outgoing and incoming queues over a transport, correlation of
// replies with pending calls, and dispatch to filters and object paths.
//
// A Connection is safe for concurrent use. Three lock domains are involved:
// the main lock guards the fields, the dispatch arbiter makes sure only one
// goroutine dispatches or borrows a message at a time, and the I/O path
// arbiter makes sure only one goroutine talks to the transport.
package connection

import (
	"context"
	"fmt"
	"math"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"github.com/cri-o/busconn/internal/alloc"
	"github.com/cri-o/busconn/internal/dataslot"
	"github.com/cri-o/busconn/internal/list"
	"github.com/cri-o/busconn/internal/log"
	"github.com/cri-o/busconn/internal/metrics"
	"github.com/cri-o/busconn/pkg/message"
	"github.com/cri-o/busconn/pkg/transport"
	"github.com/cri-o/busconn/pkg/watch"
)

const (
	// TimeoutUseDefault selects the default reply timeout of the
	// connection. Every negative timeout behaves the same.
	TimeoutUseDefault time.Duration = -1

	// TimeoutInfinite waits for a reply without limit.
	TimeoutInfinite time.Duration = math.MaxInt64

	// DefaultTimeout is the reply timeout used unless configured otherwise.
	DefaultTimeout = 25 * time.Second
)

// exitFunc terminates the process when exit on disconnect is set.
var exitFunc = os.Exit

// Connection is a single logical link to a peer.
type Connection struct {
	refs atomic.Int32

	mu       sync.Mutex
	dispatch *arbiter
	ioPath   *arbiter

	ctx       context.Context
	transport transport.Transport
	clock     clock.PassiveClock
	failer    alloc.Failer

	incoming        list.List[*message.Message]
	outgoing        list.List[*message.Message]
	expired         list.List[*message.Message]
	outgoingCounter *message.Counter
	borrowed        *message.Message

	pending          map[uint32]*PendingCall
	completedPending []*PendingCall
	releasedPending  []*PendingCall

	filters  []*Filter
	objects  *objectTree
	watches  watch.WatchList
	timeouts watch.TimeoutList
	serial   uint32

	wakeupMain         func()
	freeWakeupMain     func()
	dispatchStatusFunc DispatchStatusFunc
	freeDispatchStatus func()
	lastDispatchStatus transport.DispatchStatus

	disconnectMessage     *message.Message
	disconnectLink        *list.Link[*message.Message]
	disconnectedArrived   bool
	disconnectedProcessed bool

	exitOnDisconnect  bool
	routePeerMessages bool
	builtinFilters    bool
	shareable         bool
	forgetShared      func(*Connection)

	slots          dataslot.List
	defaultTimeout time.Duration
}

// DispatchStatusFunc is told about every change of the dispatch status. It
// is called without any connection lock held.
type DispatchStatusFunc func(c *Connection, status transport.DispatchStatus)

// Option configures a Connection on creation.
type Option func(*Connection)

// WithName sets the name included in every log entry of the connection.
func WithName(name string) Option {
	return func(c *Connection) {
		c.ctx = log.AddConnectionNameAndID(c.ctx, name)
	}
}

// WithDefaultTimeout sets the reply timeout used for TimeoutUseDefault.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(c *Connection) {
		if timeout > 0 {
			c.defaultTimeout = timeout
		}
	}
}

// WithExitOnDisconnect terminates the process once the disconnect
// notification was dispatched.
func WithExitOnDisconnect(exit bool) Option {
	return func(c *Connection) { c.exitOnDisconnect = exit }
}

// WithRoutePeerMessages passes Peer interface calls with a destination to
// the handlers.
func WithRoutePeerMessages(route bool) Option {
	return func(c *Connection) { c.routePeerMessages = route }
}

// WithBuiltinFilters enables or disables the internal Peer handler.
func WithBuiltinFilters(enabled bool) Option {
	return func(c *Connection) { c.builtinFilters = enabled }
}

// New creates a connection driving t. The returned connection holds one
// reference owned by the caller.
func New(ctx context.Context, t transport.Transport, opts ...Option) (*Connection, error) {
	disconnected := message.NewSignal(message.PathLocal, message.InterfaceLocal, "Disconnected")
	if err := disconnected.Lock(); err != nil {
		return nil, fmt.Errorf("create disconnect message: %w", err)
	}

	c := &Connection{
		dispatch:           newArbiter("dispatch"),
		ioPath:             newArbiter("io path"),
		ctx:                log.AddConnectionNameAndID(ctx, "connection"),
		transport:          t,
		clock:              clockInstance,
		failer:             failerInstance,
		outgoingCounter:    message.NewCounter(),
		pending:            make(map[uint32]*PendingCall),
		objects:            newObjectTree(),
		lastDispatchStatus: transport.DispatchComplete,
		disconnectMessage:  disconnected,
		disconnectLink:     list.NewLink(disconnected),
		builtinFilters:     true,
		defaultTimeout:     DefaultTimeout,
	}
	c.refs.Store(1)
	for _, opt := range opts {
		opt(c)
	}

	c.lock()
	err := t.SetOwner(owner{c})
	c.unlock()
	if err != nil {
		disconnected.Unref()
		return nil, fmt.Errorf("set transport owner: %w", err)
	}

	log.Debugf(c.ctx, "Created connection to %s", t.Address())
	return c, nil
}

var (
	clockInstance  clock.PassiveClock = clock.RealClock{}
	failerInstance                    = alloc.Never()
)

func (c *Connection) lock() {
	c.mu.Lock()
}

// unlock releases the main lock and then finishes the work deferred while
// it was held: expired messages are released, pending call notifications
// run and detached pending calls are released.
func (c *Connection) unlock() {
	expired := c.expired.Clear()
	completed := c.completedPending
	released := c.releasedPending
	c.completedPending = nil
	c.releasedPending = nil
	c.mu.Unlock()

	for _, msg := range expired {
		msg.Unref()
	}
	for _, p := range completed {
		p.runNotify()
	}
	for _, p := range released {
		p.Unref()
	}
}

func (c *Connection) fail(site string) bool {
	return c.failer.Fail(site)
}

// Ref adds a reference to the connection.
func (c *Connection) Ref() *Connection {
	c.refs.Add(1)
	return c
}

// Unref drops a reference. The connection is finalized once the last
// reference is gone, which requires it to be disconnected first.
//
// Dropping the last reference of a connection that is still connected is a
// usage error: it is logged and the connection stays alive with no
// reference left, so it leaks unless the caller recovers it with Ref,
// Close and a final Unref.
func (c *Connection) Unref() {
	refs := c.refs.Add(-1)
	if refs < 0 {
		panic("connection: unref of finalized connection")
	}
	if refs > 0 {
		return
	}

	c.lock()
	connected, shared := c.transport.IsConnected(), c.shareable
	c.unlock()
	if connected {
		if shared {
			log.Warnf(c.ctx, "The last reference on a shared connection was dropped "+
				"without closing it, most likely unref was called too often")
		} else {
			log.Warnf(c.ctx, "The last reference on a connection was dropped "+
				"without closing it, Close has to be called for private connections")
		}
		return
	}
	c.finalize()
}

func (c *Connection) finalize() {
	log.Debugf(c.ctx, "Finalizing connection")

	c.lock()
	objects := c.objects.clear()
	filters := c.filters
	c.filters = nil
	entries := c.slots.Clear()
	freeWakeup, freeStatus := c.freeWakeupMain, c.freeDispatchStatus
	c.wakeupMain, c.freeWakeupMain = nil, nil
	c.dispatchStatusFunc, c.freeDispatchStatus = nil, nil
	c.watches.Free()
	c.timeouts.Free()
	for _, p := range c.pending {
		c.detachPendingLocked(p)
	}
	queued := append(c.incoming.Clear(), c.outgoing.Clear()...)
	for _, msg := range queued {
		msg.RemoveCounter(c.outgoingCounter)
	}
	if c.disconnectLink != nil {
		queued = append(queued, c.disconnectMessage)
		c.disconnectLink = nil
	}
	c.unlock()

	for _, node := range objects {
		node.unregister(c)
	}
	if freeWakeup != nil {
		freeWakeup()
	}
	if freeStatus != nil {
		freeStatus()
	}
	for _, entry := range entries {
		entry.Release()
	}
	for _, f := range filters {
		f.release()
	}
	for _, msg := range queued {
		msg.Unref()
	}
}

// Close disconnects the transport. The disconnect notification is queued
// once everything received before has been dispatched. Shared connections
// cannot be closed.
func (c *Connection) Close() error {
	c.lock()
	if c.shareable {
		c.unlock()
		log.Errorf(c.ctx, "Applications must not close shared connections")
		return ErrSharedConnection
	}
	c.closeAndUnlock()
	return nil
}

// ClosePossiblyShared disconnects the transport even if the connection is
// shared. It is meant for the shared connection cache.
func (c *Connection) ClosePossiblyShared() {
	c.lock()
	c.closeAndUnlock()
}

func (c *Connection) closeAndUnlock() {
	c.transport.Disconnect()
	status := c.dispatchStatusLocked()
	c.updateDispatchStatusAndUnlock(status)
}

// MarkShared flags the connection as owned by a shared connection cache.
// forget is called once the disconnect notification reached the head of the
// incoming queue, without any connection lock held.
func (c *Connection) MarkShared(forget func(*Connection)) {
	c.lock()
	defer c.unlock()
	c.shareable = true
	c.forgetShared = forget
}

// Shared reports whether the connection is owned by a shared cache.
func (c *Connection) Shared() bool {
	c.lock()
	defer c.unlock()
	return c.shareable
}

// SetExitOnDisconnect makes the process exit once the disconnect
// notification was dispatched.
func (c *Connection) SetExitOnDisconnect(exit bool) {
	c.lock()
	defer c.unlock()
	c.exitOnDisconnect = exit
}

// SetRoutePeerMessages passes Peer interface calls with a destination to the
// filters and object paths instead of answering them internally.
func (c *Connection) SetRoutePeerMessages(route bool) {
	c.lock()
	defer c.unlock()
	c.routePeerMessages = route
}

// SetBuiltinFiltersEnabled turns the internal Peer handler on or off. Only
// monitors, which have to see every message, turn it off.
func (c *Connection) SetBuiltinFiltersEnabled(enabled bool) {
	c.lock()
	defer c.unlock()
	c.builtinFilters = enabled
}

// Context returns the logging context of the connection.
func (c *Connection) Context() context.Context {
	return c.ctx
}

// ID returns the unique ID used in the log entries of the connection.
func (c *Connection) ID() string {
	return log.IDFromContext(c.ctx)
}

// owner adapts the connection to the callbacks a transport needs. All
// methods except HandleWatch expect the connection lock to be held.
type owner struct {
	c *Connection
}

func (o owner) Lock()   { o.c.mu.Lock() }
func (o owner) Unlock() { o.c.unlock() }

func (o owner) HasMessagesToSend() bool {
	return !o.c.outgoing.Empty()
}

func (o owner) MessageToSend() *message.Message {
	link := o.c.outgoing.First()
	if link == nil {
		return nil
	}
	return link.Value
}

func (o owner) MessageSent(msg *message.Message) {
	o.c.messageSentLocked(msg)
}

func (o owner) QueueReceived(msg *message.Message) {
	o.c.queueReceivedLocked(msg)
}

func (o owner) AddWatch(w *watch.Watch) error           { return o.c.watches.Add(w) }
func (o owner) RemoveWatch(w *watch.Watch)              { o.c.watches.Remove(w) }
func (o owner) ToggleWatch(w *watch.Watch, on bool)     { o.c.watches.Toggle(w, on) }
func (o owner) AddTimeout(t *watch.Timeout) error       { return o.c.timeouts.Add(t) }
func (o owner) RemoveTimeout(t *watch.Timeout)          { o.c.timeouts.Remove(t) }
func (o owner) ToggleTimeout(t *watch.Timeout, on bool) { o.c.timeouts.Toggle(t, on) }

func (o owner) HandleWatch(w *watch.Watch, flags watch.Flags) bool {
	return o.c.handleWatch(w, flags)
}

// messageSentLocked moves the head of the outgoing queue to the expired
// list, so that it is released once the lock is dropped.
func (c *Connection) messageSentLocked(msg *message.Message) {
	link := c.outgoing.First()
	if link == nil || link.Value != msg {
		panic("connection: sent message is not the head of the outgoing queue")
	}
	c.outgoing.RemoveLink(link)
	c.expired.AppendLink(link)

	msg.RemoveCounter(c.outgoingCounter)
	c.transport.MessagesPending(c.outgoing.Len())
	metrics.Instance().MetricOutgoingBytesAdd(-float64(msg.Size()))

	log.Debugf(c.ctx, "Message %s serial %d sent, %d outgoing left",
		msg.Type(), msg.Serial(), c.outgoing.Len())
}

// queueReceivedLocked appends a message parsed by the transport. A reply
// disarms the timeout of its pending call right away, so that the timeout
// cannot fire while the reply waits for dispatch.
func (c *Connection) queueReceivedLocked(msg *message.Message) {
	c.incoming.Append(msg)

	if serial := msg.ReplySerial(); serial != 0 {
		if p, ok := c.pending[serial]; ok {
			c.removePendingTimeoutLocked(p)
		}
	}

	c.wakeupMainLocked()
	metrics.Instance().MetricMessagesReceivedInc(msg.Type().String())
	log.Debugf(c.ctx, "Received %s serial %d reply serial %d, %d incoming queued",
		msg.Type(), msg.Serial(), msg.ReplySerial(), c.incoming.Len())
}

func (c *Connection) wakeupMainLocked() {
	if c.wakeupMain != nil {
		c.wakeupMain()
	}
}

// dispatchStatusLocked computes the dispatch status. If the transport is
// disconnected and everything it delivered is queued, the outgoing queue is
// dropped, pending calls fail and the disconnect notification is queued.
func (c *Connection) dispatchStatusLocked() transport.DispatchStatus {
	if !c.incoming.Empty() {
		return transport.DataRemains
	}
	if !c.transport.QueueMessages() {
		return transport.NeedMemory
	}

	status := c.transport.DispatchStatus()
	if status == transport.DispatchComplete && !c.transport.IsConnected() {
		c.notifyDisconnectedLocked()
	}
	if status != transport.DispatchComplete {
		return status
	}
	if !c.incoming.Empty() {
		return transport.DataRemains
	}
	return transport.DispatchComplete
}

func (c *Connection) notifyDisconnectedLocked() {
	for !c.outgoing.Empty() {
		c.messageSentLocked(c.outgoing.First().Value)
	}

	if c.disconnectLink == nil {
		return
	}

	c.completeAllPendingLocked(message.ErrorDisconnected,
		"Connection was disconnected before a reply was received")

	link := c.disconnectLink
	c.disconnectLink = nil
	c.incoming.AppendLink(link)
	c.wakeupMainLocked()

	metrics.Instance().MetricDisconnectsInc()
	log.Infof(c.ctx, "Connection to %s disconnected", c.transport.Address())
}

// updateDispatchStatusAndUnlock publishes status and releases the lock.
// Callbacks run after the lock is dropped.
func (c *Connection) updateDispatchStatusAndUnlock(status transport.DispatchStatus) {
	var statusFunc DispatchStatusFunc
	if status != c.lastDispatchStatus {
		statusFunc = c.dispatchStatusFunc
		c.lastDispatchStatus = status
	}

	var forget func(*Connection)
	exit := false
	if c.disconnectedArrived && !c.disconnectedProcessed {
		c.disconnectedProcessed = true
		forget = c.forgetShared
		c.forgetShared = nil
		exit = c.exitOnDisconnect
	}

	c.unlock()

	if forget != nil {
		forget(c)
	}
	if exit {
		log.Infof(c.ctx, "Exiting on disconnect")
		exitFunc(1)
	}
	if statusFunc != nil {
		statusFunc(c, status)
	}
}

// DispatchStatus returns whether messages remain to be dispatched.
func (c *Connection) DispatchStatus() transport.DispatchStatus {
	c.lock()
	status := c.dispatchStatusLocked()
	c.updateDispatchStatusAndUnlock(status)
	return status
}

// IsConnected reports whether the transport is still connected.
func (c *Connection) IsConnected() bool {
	c.lock()
	defer c.unlock()
	return c.transport.IsConnected()
}

// IsAuthenticated reports whether the transport finished authentication.
func (c *Connection) IsAuthenticated() bool {
	c.lock()
	defer c.unlock()
	return c.transport.TryAuthenticate()
}

// HasMessagesToSend reports whether the outgoing queue is non empty.
func (c *Connection) HasMessagesToSend() bool {
	c.lock()
	defer c.unlock()
	return !c.outgoing.Empty()
}

// OutgoingSize returns the bytes queued for sending.
func (c *Connection) OutgoingSize() int64 {
	return c.outgoingCounter.Size()
}

// OutgoingUnixFDs returns the unix file descriptors queued for sending.
func (c *Connection) OutgoingUnixFDs() int64 {
	return c.outgoingCounter.UnixFDs()
}

// CanSendUnixFDs reports whether messages may carry unix file descriptors.
func (c *Connection) CanSendUnixFDs() bool {
	c.lock()
	defer c.unlock()
	return c.transport.CanPassUnixFD()
}

// UnixFD returns the file descriptor of the transport, if it has one.
func (c *Connection) UnixFD() (int, error) {
	c.lock()
	defer c.unlock()
	return c.transport.UnixFD()
}

// UnixUser returns the user ID of the peer process.
func (c *Connection) UnixUser() (int, error) {
	c.lock()
	defer c.unlock()
	creds, err := c.transport.Credentials()
	if err != nil {
		return -1, err
	}
	return creds.UID, nil
}

// UnixProcessID returns the process ID of the peer process.
func (c *Connection) UnixProcessID() (int, error) {
	c.lock()
	defer c.unlock()
	creds, err := c.transport.Credentials()
	if err != nil {
		return -1, err
	}
	return creds.PID, nil
}

// Address returns the address of the transport.
func (c *Connection) Address() string {
	return c.transport.Address()
}

// ServerID returns the ID of the server the transport is connected to.
func (c *Connection) ServerID() string {
	return c.transport.ServerID()
}

// SetMaxMessageSize limits the size of a single received message.
func (c *Connection) SetMaxMessageSize(size int64) {
	c.lock()
	defer c.unlock()
	c.transport.SetMaxMessageSize(size)
}

func (c *Connection) MaxMessageSize() int64 {
	c.lock()
	defer c.unlock()
	return c.transport.MaxMessageSize()
}

// SetMaxReceivedSize limits the bytes held by received messages which
// were not released yet. Reading stops while the limit is exceeded.
func (c *Connection) SetMaxReceivedSize(size int64) {
	c.lock()
	defer c.unlock()
	c.transport.SetMaxReceivedSize(size)
}

func (c *Connection) MaxReceivedSize() int64 {
	c.lock()
	defer c.unlock()
	return c.transport.MaxReceivedSize()
}

// SetMaxMessageUnixFDs limits the unix fds of a single received message.
func (c *Connection) SetMaxMessageUnixFDs(n int64) {
	c.lock()
	defer c.unlock()
	c.transport.SetMaxMessageUnixFDs(n)
}

func (c *Connection) MaxMessageUnixFDs() int64 {
	c.lock()
	defer c.unlock()
	return c.transport.MaxMessageUnixFDs()
}

// SetMaxReceivedUnixFDs limits the unix fds held by unreleased messages.
func (c *Connection) SetMaxReceivedUnixFDs(n int64) {
	c.lock()
	defer c.unlock()
	c.transport.SetMaxReceivedUnixFDs(n)
}

func (c *Connection) MaxReceivedUnixFDs() int64 {
	c.lock()
	defer c.unlock()
	return c.transport.MaxReceivedUnixFDs()
}

// SetLimits applies all limits at once.
func (c *Connection) SetLimits(limits transport.Limits) {
	c.lock()
	defer c.unlock()
	c.transport.SetMaxMessageSize(limits.MaxMessageSize())
	c.transport.SetMaxReceivedSize(limits.MaxReceivedSize())
	c.transport.SetMaxMessageUnixFDs(limits.MaxMessageUnixFDs())
	c.transport.SetMaxReceivedUnixFDs(limits.MaxReceivedUnixFDs())
}
