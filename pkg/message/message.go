// Package message provides the reference counted message value handled by
// the connection engine. Headers and body follow the godbus message model.
package message

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
)

// Message types.
const (
	TypeMethodCall   = dbus.TypeMethodCall
	TypeMethodReturn = dbus.TypeMethodReply
	TypeError        = dbus.TypeError
	TypeSignal       = dbus.TypeSignal
)

// Message is a single bus message. It is created with one reference owned by
// the caller. Once locked by a connection the message is immutable.
type Message struct {
	m *dbus.Message

	serial atomic.Uint32
	refs   atomic.Int32
	locked atomic.Bool

	mu       sync.Mutex
	counters []*Counter
	wire     []byte
	size     int64
	unixFDs  int64
}

func newMessage(m *dbus.Message) *Message {
	if m.Headers == nil {
		m.Headers = make(map[dbus.HeaderField]dbus.Variant)
	}
	msg := &Message{m: m}
	msg.refs.Store(1)
	return msg
}

// FromDBus wraps a godbus message. The serial is taken over from messages
// which were decoded from the wire.
func FromDBus(m *dbus.Message) *Message {
	msg := newMessage(m)
	msg.serial.Store(m.Serial())
	return msg
}

// NewMethodCall creates a method call. destination and iface may be empty.
func NewMethodCall(destination string, path dbus.ObjectPath, iface, member string, args ...any) *Message {
	m := &dbus.Message{
		Type:    dbus.TypeMethodCall,
		Headers: make(map[dbus.HeaderField]dbus.Variant),
	}
	m.Headers[dbus.FieldPath] = dbus.MakeVariant(path)
	m.Headers[dbus.FieldMember] = dbus.MakeVariant(member)
	if iface != "" {
		m.Headers[dbus.FieldInterface] = dbus.MakeVariant(iface)
	}
	if destination != "" {
		m.Headers[dbus.FieldDestination] = dbus.MakeVariant(destination)
	}
	setBody(m, args)
	return newMessage(m)
}

// NewMethodReturn creates the reply to call.
func NewMethodReturn(call *Message, args ...any) *Message {
	m := &dbus.Message{
		Type:    dbus.TypeMethodReply,
		Flags:   dbus.FlagNoReplyExpected,
		Headers: make(map[dbus.HeaderField]dbus.Variant),
	}
	m.Headers[dbus.FieldReplySerial] = dbus.MakeVariant(call.Serial())
	if sender := call.Sender(); sender != "" {
		m.Headers[dbus.FieldDestination] = dbus.MakeVariant(sender)
	}
	setBody(m, args)
	return newMessage(m)
}

// NewError creates an error reply to replyTo carrying text as its message.
func NewError(replyTo *Message, name, text string) *Message {
	msg := NewErrorForSerial(replyTo.Serial(), name, text)
	if sender := replyTo.Sender(); sender != "" {
		msg.m.Headers[dbus.FieldDestination] = dbus.MakeVariant(sender)
	}
	return msg
}

// NewErrorForSerial creates an error reply for the call with the given
// serial.
func NewErrorForSerial(replySerial uint32, name, text string) *Message {
	m := &dbus.Message{
		Type:    dbus.TypeError,
		Flags:   dbus.FlagNoReplyExpected,
		Headers: make(map[dbus.HeaderField]dbus.Variant),
	}
	m.Headers[dbus.FieldErrorName] = dbus.MakeVariant(name)
	m.Headers[dbus.FieldReplySerial] = dbus.MakeVariant(replySerial)
	if text != "" {
		setBody(m, []any{text})
	}
	return newMessage(m)
}

// NewSignal creates a signal emitted from path.
func NewSignal(path dbus.ObjectPath, iface, member string, args ...any) *Message {
	m := &dbus.Message{
		Type:    dbus.TypeSignal,
		Flags:   dbus.FlagNoReplyExpected,
		Headers: make(map[dbus.HeaderField]dbus.Variant),
	}
	m.Headers[dbus.FieldPath] = dbus.MakeVariant(path)
	m.Headers[dbus.FieldInterface] = dbus.MakeVariant(iface)
	m.Headers[dbus.FieldMember] = dbus.MakeVariant(member)
	setBody(m, args)
	return newMessage(m)
}

func setBody(m *dbus.Message, args []any) {
	m.Body = args
	if len(args) == 0 {
		delete(m.Headers, dbus.FieldSignature)
		return
	}
	m.Headers[dbus.FieldSignature] = dbus.MakeVariant(dbus.SignatureOf(args...))
}

// DBus returns the underlying godbus message. It must not be modified once
// the message is locked.
func (msg *Message) DBus() *dbus.Message {
	return msg.m
}

// Ref adds a reference.
func (msg *Message) Ref() *Message {
	msg.refs.Add(1)
	return msg
}

// Unref drops a reference. Dropping the last one releases all counters the
// message is charged to, which may call their notify functions.
func (msg *Message) Unref() {
	refs := msg.refs.Add(-1)
	if refs < 0 {
		panic("message: unref of finalized message")
	}
	if refs > 0 {
		return
	}

	msg.mu.Lock()
	counters := msg.counters
	size, fds := msg.size, msg.unixFDs
	msg.counters = nil
	msg.mu.Unlock()

	for _, c := range counters {
		c.Adjust(-size, -fds)
		c.Notify()
	}
}

// Refs returns the current reference count.
func (msg *Message) Refs() int32 {
	return msg.refs.Load()
}

// Lock makes the message immutable and computes its wire size.
func (msg *Message) Lock() error {
	if msg.locked.Load() {
		return nil
	}
	msg.mu.Lock()
	defer msg.mu.Unlock()
	if msg.locked.Load() {
		return nil
	}
	if err := msg.encodeLocked(); err != nil {
		return err
	}
	msg.locked.Store(true)
	return nil
}

// Locked reports whether the message was locked.
func (msg *Message) Locked() bool {
	return msg.locked.Load()
}

func (msg *Message) encodeLocked() error {
	var buf bytes.Buffer
	if err := msg.m.EncodeTo(&buf, binary.LittleEndian); err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	b := buf.Bytes()
	binary.LittleEndian.PutUint32(b[8:12], msg.serial.Load())
	fds, err := msg.m.CountFds()
	if err != nil {
		return fmt.Errorf("count unix fds: %w", err)
	}
	msg.wire = b
	msg.size = int64(len(b))
	msg.unixFDs = int64(fds)
	return nil
}

// Marshal returns the little endian wire encoding of the message with its
// serial stamped in.
func (msg *Message) Marshal() ([]byte, error) {
	msg.mu.Lock()
	defer msg.mu.Unlock()
	if msg.wire == nil || !msg.locked.Load() {
		if err := msg.encodeLocked(); err != nil {
			return nil, err
		}
	}
	return msg.wire, nil
}

// Size returns the wire size in bytes, or zero if the message cannot be
// encoded.
func (msg *Message) Size() int64 {
	msg.mu.Lock()
	defer msg.mu.Unlock()
	if msg.wire == nil {
		if err := msg.encodeLocked(); err != nil {
			return 0
		}
	}
	return msg.size
}

// NumUnixFDs returns the number of unix file descriptors carried in the
// body.
func (msg *Message) NumUnixFDs() int {
	if msg.locked.Load() {
		msg.mu.Lock()
		defer msg.mu.Unlock()
		return int(msg.unixFDs)
	}
	n, err := msg.m.CountFds()
	if err != nil {
		return 0
	}
	return n
}

// AddCounter charges the size of the message to c until the message is
// finalized or RemoveCounter is called. The notify function of c is not
// called from here, since callers usually hold locks.
func (msg *Message) AddCounter(c *Counter) {
	size := msg.Size()
	msg.mu.Lock()
	msg.counters = append(msg.counters, c)
	msg.mu.Unlock()
	c.Adjust(size, int64(msg.NumUnixFDs()))
}

// RemoveCounter releases the charge added with AddCounter.
func (msg *Message) RemoveCounter(c *Counter) {
	msg.mu.Lock()
	found := false
	for i, cur := range msg.counters {
		if cur == c {
			msg.counters = append(msg.counters[:i], msg.counters[i+1:]...)
			found = true
			break
		}
	}
	size, fds := msg.size, msg.unixFDs
	msg.mu.Unlock()
	if found {
		c.Adjust(-size, -fds)
	}
}

func (msg *Message) header(f dbus.HeaderField) any {
	v, ok := msg.m.Headers[f]
	if !ok {
		return nil
	}
	return v.Value()
}

func (msg *Message) stringHeader(f dbus.HeaderField) string {
	s, _ := msg.header(f).(string)
	return s
}

func (msg *Message) Type() dbus.Type { return msg.m.Type }

// Serial returns the serial, zero if none has been assigned yet.
func (msg *Message) Serial() uint32 { return msg.serial.Load() }

// ReplySerial returns the serial of the call this message replies to.
func (msg *Message) ReplySerial() uint32 {
	s, _ := msg.header(dbus.FieldReplySerial).(uint32)
	return s
}

func (msg *Message) Path() dbus.ObjectPath {
	p, _ := msg.header(dbus.FieldPath).(dbus.ObjectPath)
	return p
}

func (msg *Message) Interface() string   { return msg.stringHeader(dbus.FieldInterface) }
func (msg *Message) Member() string      { return msg.stringHeader(dbus.FieldMember) }
func (msg *Message) ErrorName() string   { return msg.stringHeader(dbus.FieldErrorName) }
func (msg *Message) Destination() string { return msg.stringHeader(dbus.FieldDestination) }
func (msg *Message) Sender() string      { return msg.stringHeader(dbus.FieldSender) }

// Signature returns the body signature.
func (msg *Message) Signature() string {
	s, ok := msg.header(dbus.FieldSignature).(dbus.Signature)
	if !ok {
		return ""
	}
	return s.String()
}

// Body returns the decoded body values.
func (msg *Message) Body() []any { return msg.m.Body }

// NoReplyExpected reports whether the sender does not want a reply.
func (msg *Message) NoReplyExpected() bool {
	return msg.m.Flags&dbus.FlagNoReplyExpected != 0
}

// IsMethodCall reports whether msg is a call of iface.member.
func (msg *Message) IsMethodCall(iface, member string) bool {
	return msg.m.Type == dbus.TypeMethodCall && msg.Interface() == iface && msg.Member() == member
}

// IsSignal reports whether msg is the signal iface.member.
func (msg *Message) IsSignal(iface, member string) bool {
	return msg.m.Type == dbus.TypeSignal && msg.Interface() == iface && msg.Member() == member
}

// IsError reports whether msg is an error reply named name.
func (msg *Message) IsError(name string) bool {
	return msg.m.Type == dbus.TypeError && msg.ErrorName() == name
}

// Err returns the error reply as a dbus.Error, or nil for other messages.
func (msg *Message) Err() error {
	if msg.m.Type != dbus.TypeError {
		return nil
	}
	return dbus.Error{Name: msg.ErrorName(), Body: msg.m.Body}
}

// ErrorText returns the first string of an error reply body.
func (msg *Message) ErrorText() string {
	if len(msg.m.Body) == 0 {
		return ""
	}
	s, _ := msg.m.Body[0].(string)
	return s
}

// SetSerial sets the serial. Only allowed before the message is locked.
func (msg *Message) SetSerial(serial uint32) error {
	if msg.locked.Load() {
		return ErrLocked
	}
	msg.serial.Store(serial)
	return nil
}

func (msg *Message) setHeader(f dbus.HeaderField, v any) error {
	if msg.locked.Load() {
		return ErrLocked
	}
	msg.mu.Lock()
	defer msg.mu.Unlock()
	msg.wire = nil
	if s, ok := v.(string); ok && s == "" {
		delete(msg.m.Headers, f)
		return nil
	}
	msg.m.Headers[f] = dbus.MakeVariant(v)
	return nil
}

// SetReplySerial sets the serial of the call this message replies to.
func (msg *Message) SetReplySerial(serial uint32) error {
	return msg.setHeader(dbus.FieldReplySerial, serial)
}

// SetDestination sets or, with an empty name, clears the destination.
func (msg *Message) SetDestination(name string) error {
	return msg.setHeader(dbus.FieldDestination, name)
}

// SetSender sets or, with an empty name, clears the sender.
func (msg *Message) SetSender(name string) error {
	return msg.setHeader(dbus.FieldSender, name)
}

func (msg *Message) setFlag(flag dbus.Flags, on bool) error {
	if msg.locked.Load() {
		return ErrLocked
	}
	msg.mu.Lock()
	defer msg.mu.Unlock()
	msg.wire = nil
	if on {
		msg.m.Flags |= flag
	} else {
		msg.m.Flags &^= flag
	}
	return nil
}

// SetNoReplyExpected marks the message as not wanting a reply.
func (msg *Message) SetNoReplyExpected(noReply bool) error {
	return msg.setFlag(dbus.FlagNoReplyExpected, noReply)
}

// SetAutoStart controls whether the bus may start the destination.
func (msg *Message) SetAutoStart(autoStart bool) error {
	return msg.setFlag(dbus.FlagNoAutoStart, !autoStart)
}

// SetBody replaces the body and its signature.
func (msg *Message) SetBody(args ...any) error {
	if msg.locked.Load() {
		return ErrLocked
	}
	msg.mu.Lock()
	defer msg.mu.Unlock()
	msg.wire = nil
	setBody(msg.m, args)
	return nil
}

// Store decodes the body into the given pointers.
func (msg *Message) Store(dest ...any) error {
	return dbus.Store(msg.m.Body, dest...)
}

func (msg *Message) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s serial=%d", msg.m.Type, msg.Serial())
	if rs := msg.ReplySerial(); rs != 0 {
		fmt.Fprintf(&b, " reply_serial=%d", rs)
	}
	for _, kv := range [][2]string{
		{"path", string(msg.Path())},
		{"interface", msg.Interface()},
		{"member", msg.Member()},
		{"error_name", msg.ErrorName()},
		{"destination", msg.Destination()},
		{"sender", msg.Sender()},
		{"signature", msg.Signature()},
	} {
		if kv[1] != "" {
			fmt.Fprintf(&b, " %s=%s", kv[0], kv[1])
		}
	}
	return b.String()
}
