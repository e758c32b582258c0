// Package socket implements a transport over unix and tcp stream sockets
// carrying messages in the D-Bus wire format.
package socket

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/cri-o/busconn/internal/log"
	"github.com/cri-o/busconn/pkg/message"
	"github.com/cri-o/busconn/pkg/transport"
	"github.com/cri-o/busconn/pkg/watch"
)

const readChunk = 64 * 1024

// Transport is a non blocking stream socket transport. Apart from
// construction every method expects the owner lock to be held.
type Transport struct {
	transport.Limits

	ctx      context.Context
	owner    transport.Owner
	file     *os.File
	fd       int
	isUnix   bool
	address  string
	serverID string

	wakeR, wakeW int

	connected atomic.Bool
	polling   bool
	closeOnce sync.Once

	in     []byte
	out    []byte
	outMsg *message.Message

	live       *message.Counter
	readWatch  *watch.Watch
	writeWatch *watch.Watch
}

// Option configures a Transport.
type Option func(*Transport)

// WithAddress sets the address reported by the transport.
func WithAddress(address string) Option {
	return func(t *Transport) { t.address = address }
}

// WithServerID sets the server GUID reported by the transport.
func WithServerID(id string) Option {
	return func(t *Transport) { t.serverID = id }
}

// New takes over an authenticated connection. conn is closed, the transport
// continues on a duplicate of its file descriptor.
func New(ctx context.Context, conn net.Conn, opts ...Option) (*Transport, error) {
	fc, ok := conn.(interface{ File() (*os.File, error) })
	if !ok {
		conn.Close()
		return nil, fmt.Errorf("connection type %T has no file descriptor", conn)
	}
	f, err := fc.File()
	conn.Close()
	if err != nil {
		return nil, fmt.Errorf("get socket file: %w", err)
	}
	_, isUnix := conn.(*net.UnixConn)
	t, err := newFromFile(ctx, f, isUnix, opts...)
	if err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

func newFromFile(ctx context.Context, f *os.File, isUnix bool, opts ...Option) (*Transport, error) {
	fd := int(f.Fd())
	if err := unix.SetNonblock(fd, true); err != nil {
		return nil, fmt.Errorf("set socket non blocking: %w", err)
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("create wake pipe: %w", err)
	}

	t := &Transport{
		Limits: transport.DefaultLimits(),
		ctx:    ctx,
		file:   f,
		fd:     fd,
		isUnix: isUnix,
		wakeR:  p[0],
		wakeW:  p[1],
		live:   message.NewCounter(),
	}
	t.connected.Store(true)
	for _, opt := range opts {
		opt(t)
	}
	if t.serverID == "" {
		t.serverID = newGUID()
	}
	if t.address == "" {
		t.address = "unix:fd=" + fmt.Sprint(fd)
	}
	return t, nil
}

// Pair returns two transports connected through a socketpair.
func Pair(ctx context.Context) (a, b *Transport, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("create socketpair: %w", err)
	}
	guid := newGUID()
	fa := os.NewFile(uintptr(fds[0]), "busconn-pair-a")
	fb := os.NewFile(uintptr(fds[1]), "busconn-pair-b")

	a, err = newFromFile(ctx, fa, true, WithServerID(guid), WithAddress("unix:socketpair"))
	if err != nil {
		fa.Close()
		fb.Close()
		return nil, nil, err
	}
	b, err = newFromFile(ctx, fb, true, WithServerID(guid), WithAddress("unix:socketpair"))
	if err != nil {
		a.closeFDs()
		fb.Close()
		return nil, nil, err
	}
	return a, b, nil
}

func newGUID() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}

func (t *Transport) SetOwner(owner transport.Owner) error {
	t.owner = owner
	t.live.SetNotify(t.MaxReceivedSize(), t.MaxReceivedUnixFDs(), t.liveChanged)

	t.readWatch = watch.New(t.fd, watch.Readable, true, owner.HandleWatch)
	if err := owner.AddWatch(t.readWatch); err != nil {
		return fmt.Errorf("add read watch: %w", err)
	}
	t.writeWatch = watch.New(t.fd, watch.Writable, false, owner.HandleWatch)
	if err := owner.AddWatch(t.writeWatch); err != nil {
		owner.RemoveWatch(t.readWatch)
		return fmt.Errorf("add write watch: %w", err)
	}
	return nil
}

func (t *Transport) IsConnected() bool     { return t.connected.Load() }
func (t *Transport) IsAuthenticated() bool { return t.connected.Load() }
func (t *Transport) TryAuthenticate() bool { return t.connected.Load() }
func (t *Transport) CanPassUnixFD() bool   { return false }
func (t *Transport) Address() string       { return t.address }
func (t *Transport) ServerID() string      { return t.serverID }

func (t *Transport) UnixFD() (int, error) {
	if !t.connected.Load() {
		return -1, transport.ErrNotSupported
	}
	return t.fd, nil
}

// Credentials returns the peer credentials of a unix socket.
func (t *Transport) Credentials() (transport.Credentials, error) {
	if !t.isUnix || !t.connected.Load() {
		return transport.Credentials{}, transport.ErrNotSupported
	}
	cred, err := unix.GetsockoptUcred(t.fd, unix.SOL_SOCKET, unix.SO_PEERCRED)
	if err != nil {
		return transport.Credentials{}, fmt.Errorf("get peer credentials: %w", err)
	}
	return transport.Credentials{UID: int(cred.Uid), GID: int(cred.Gid), PID: int(cred.Pid)}, nil
}

func (t *Transport) SetMaxReceivedSize(size int64) {
	t.Limits.SetMaxReceivedSize(size)
	t.updateLiveLimits()
}

func (t *Transport) SetMaxReceivedUnixFDs(n int64) {
	t.Limits.SetMaxReceivedUnixFDs(n)
	t.updateLiveLimits()
}

func (t *Transport) updateLiveLimits() {
	if t.owner == nil {
		return
	}
	t.live.SetNotify(t.MaxReceivedSize(), t.MaxReceivedUnixFDs(), t.liveChanged)
	t.updateReadWatch()
}

// liveChanged is called without the owner lock once received messages
// crossed the received size limit.
func (t *Transport) liveChanged(*message.Counter) {
	t.owner.Lock()
	t.updateReadWatch()
	t.owner.Unlock()
}

func (t *Transport) updateReadWatch() {
	if t.readWatch == nil || !t.connected.Load() {
		return
	}
	t.owner.ToggleWatch(t.readWatch, !t.live.OverLimit())
}

// Disconnect shuts the socket down and removes the watches. The descriptor
// is closed once no goroutine polls it anymore.
func (t *Transport) Disconnect() {
	if !t.connected.Swap(false) {
		return
	}
	log.Debugf(t.ctx, "Disconnecting socket transport %s", t.address)
	_ = unix.Shutdown(t.fd, unix.SHUT_RDWR)
	t.wake()

	for _, w := range []*watch.Watch{t.readWatch, t.writeWatch} {
		if w == nil {
			continue
		}
		t.owner.RemoveWatch(w)
		w.Invalidate()
	}
	t.out, t.outMsg = nil, nil
	if !t.polling {
		t.closeFDs()
	}
}

func (t *Transport) closeFDs() {
	t.closeOnce.Do(func() {
		t.file.Close()
		unix.Close(t.wakeR)
		unix.Close(t.wakeW)
	})
}

func (t *Transport) wake() {
	_, _ = unix.Write(t.wakeW, []byte{0})
}

func (t *Transport) drainWake() {
	var buf [64]byte
	for {
		if n, err := unix.Read(t.wakeR, buf[:]); n <= 0 || err != nil {
			return
		}
	}
}

// MessagesPending enables the write watch while messages are queued and
// wakes a goroutine polling for input only.
func (t *Transport) MessagesPending(n int) {
	if !t.connected.Load() || t.writeWatch == nil {
		return
	}
	t.owner.ToggleWatch(t.writeWatch, n > 0)
	if n > 0 && t.polling {
		t.wake()
	}
}

// DoIteration writes and reads as much as possible without blocking. With
// Block set and no progress made it polls the socket for up to timeout,
// releasing the owner lock meanwhile. A blocking iteration also writes, so
// that messages queued by other goroutines go out while it waits.
func (t *Transport) DoIteration(flags transport.IterationFlags, timeout time.Duration) {
	if !t.connected.Load() {
		return
	}
	writing := flags&(transport.DoWriting|transport.Block) != 0
	progress := false
	if writing {
		progress = t.doWriting()
	}
	if flags&transport.DoReading != 0 && t.connected.Load() {
		if t.doReading() {
			progress = true
		}
	}
	if progress || flags&transport.Block == 0 || !t.connected.Load() {
		return
	}
	if flags&transport.DoReading != 0 && t.DispatchStatus() == transport.DataRemains {
		return
	}

	var events int16
	if flags&transport.DoReading != 0 && !t.live.OverLimit() {
		events |= unix.POLLIN
	}
	if writing && t.owner.HasMessagesToSend() {
		events |= unix.POLLOUT
	}
	fds := []unix.PollFd{
		{Fd: int32(t.fd), Events: events},
		{Fd: int32(t.wakeR), Events: unix.POLLIN},
	}

	t.polling = true
	t.owner.Unlock()
	_, err := unix.Poll(fds, pollTimeout(timeout))
	t.owner.Lock()
	t.polling = false

	if !t.connected.Load() {
		t.closeFDs()
		return
	}
	if fds[1].Revents&unix.POLLIN != 0 {
		t.drainWake()
	}
	if err != nil {
		if !errors.Is(err, unix.EINTR) {
			log.Warnf(t.ctx, "Polling socket failed: %v", err)
			t.Disconnect()
		}
		return
	}
	t.handleEvents(fds[0].Revents)
}

func pollTimeout(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	ms := (timeout + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}

func (t *Transport) handleEvents(revents int16) {
	if revents&unix.POLLOUT != 0 {
		t.doWriting()
	}
	if revents&(unix.POLLIN|unix.POLLHUP) != 0 && t.connected.Load() {
		t.doReading()
	}
	if revents&(unix.POLLERR|unix.POLLNVAL) != 0 && t.connected.Load() {
		t.Disconnect()
	}
}

// HandleWatch processes readiness reported by the main loop.
func (t *Transport) HandleWatch(w *watch.Watch, flags watch.Flags) bool {
	if !t.connected.Load() {
		return true
	}
	var revents int16
	if flags&watch.Readable != 0 {
		revents |= unix.POLLIN
	}
	if flags&watch.Writable != 0 {
		revents |= unix.POLLOUT
	}
	if flags&watch.Hangup != 0 {
		revents |= unix.POLLHUP
	}
	if flags&watch.Error != 0 {
		revents |= unix.POLLERR
	}
	t.handleEvents(revents)
	return true
}

// doWriting writes queued messages until the socket would block. It
// reports whether any bytes were written.
func (t *Transport) doWriting() bool {
	progress := false
	for t.connected.Load() {
		if t.outMsg == nil {
			if !t.owner.HasMessagesToSend() {
				return progress
			}
			msg := t.owner.MessageToSend()
			wire, err := msg.Marshal()
			if err != nil {
				log.Warnf(t.ctx, "Dropping message which cannot be encoded: %v", err)
				t.owner.MessageSent(msg)
				continue
			}
			t.out, t.outMsg = wire, msg
		}

		n, err := unix.Write(t.fd, t.out)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				return progress
			}
			log.Debugf(t.ctx, "Writing to socket failed: %v", err)
			t.Disconnect()
			return progress
		}
		progress = progress || n > 0
		t.out = t.out[n:]
		if len(t.out) == 0 {
			msg := t.outMsg
			t.out, t.outMsg = nil, nil
			t.owner.MessageSent(msg)
		}
	}
	return progress
}

// doReading reads once from the socket and queues every complete message.
// It reports whether any bytes were read.
func (t *Transport) doReading() bool {
	if t.live.OverLimit() {
		return false
	}
	buf := make([]byte, readChunk)
	n, err := unix.Read(t.fd, buf)
	switch {
	case err != nil && (errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR)):
		return false
	case err != nil:
		log.Debugf(t.ctx, "Reading from socket failed: %v", err)
		t.Disconnect()
		return false
	case n == 0:
		log.Debugf(t.ctx, "Peer closed socket %s", t.address)
		t.Disconnect()
		return false
	}
	t.in = append(t.in, buf[:n]...)
	t.QueueMessages()
	return true
}

// QueueMessages parses complete frames from the read buffer until the
// received size limit is reached. Corrupt or oversized frames disconnect.
func (t *Transport) QueueMessages() bool {
	for !t.live.OverLimit() && len(t.in) >= message.FixedHeaderSize {
		total, err := t.frameLength()
		if err != nil {
			log.Warnf(t.ctx, "Disconnecting after corrupt message: %v", err)
			t.in = nil
			t.Disconnect()
			return true
		}
		if int64(len(t.in)) < total {
			break
		}

		frame := make([]byte, total)
		copy(frame, t.in[:total])
		t.in = t.in[total:]

		msg, err := message.Decode(frame)
		if err != nil {
			log.Warnf(t.ctx, "Disconnecting after corrupt message: %v", err)
			t.in = nil
			t.Disconnect()
			return true
		}
		msg.AddCounter(t.live)
		t.owner.QueueReceived(msg)
	}
	if len(t.in) == 0 {
		t.in = nil
	}
	t.updateReadWatch()
	return true
}

func (t *Transport) frameLength() (int64, error) {
	total, err := message.FrameLength(t.in)
	if err != nil {
		return 0, err
	}
	if total > t.MaxMessageSize() {
		return 0, fmt.Errorf("message of %d bytes exceeds limit of %d", total, t.MaxMessageSize())
	}
	return total, nil
}

// DispatchStatus reports DataRemains if a complete frame is buffered and
// may be queued.
func (t *Transport) DispatchStatus() transport.DispatchStatus {
	if len(t.in) < message.FixedHeaderSize || t.live.OverLimit() {
		return transport.DispatchComplete
	}
	total, err := t.frameLength()
	if err != nil || int64(len(t.in)) >= total {
		return transport.DataRemains
	}
	return transport.DispatchComplete
}

// peerUID returns the uid of the process on the other end of a unix socket.
func peerUID(conn net.Conn) (int, error) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1, transport.ErrNotSupported
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, fmt.Errorf("get raw connection: %w", err)
	}
	var (
		cred    *unix.Ucred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return -1, fmt.Errorf("control raw connection: %w", err)
	}
	if credErr != nil {
		return -1, fmt.Errorf("get peer credentials: %w", credErr)
	}
	return int(cred.Uid), nil
}
