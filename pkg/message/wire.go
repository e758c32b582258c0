package message

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// FixedHeaderSize is the size of the fixed part of a message header plus the
// length of the header field array.
const FixedHeaderSize = 16

// ProtocolVersion is the major protocol version written and accepted.
const ProtocolVersion = 1

var ErrInvalidFrame = errors.New("invalid message frame")

// FrameLength returns the total length of the message which starts at b.
// It needs at least FixedHeaderSize bytes.
func FrameLength(b []byte) (int64, error) {
	if len(b) < FixedHeaderSize {
		return 0, fmt.Errorf("%w: short header", ErrInvalidFrame)
	}
	var order binary.ByteOrder
	switch b[0] {
	case 'l':
		order = binary.LittleEndian
	case 'B':
		order = binary.BigEndian
	default:
		return 0, fmt.Errorf("%w: byte order %q", ErrInvalidFrame, b[0])
	}
	if b[3] != ProtocolVersion {
		return 0, fmt.Errorf("%w: protocol version %d", ErrInvalidFrame, b[3])
	}
	bodyLen := int64(order.Uint32(b[4:8]))
	fieldsLen := int64(order.Uint32(b[12:16]))
	fieldsLen = (fieldsLen + 7) &^ 7
	return FixedHeaderSize + fieldsLen + bodyLen, nil
}

// Decode parses one complete message frame. The returned message is locked.
func Decode(b []byte) (*Message, error) {
	m, err := dbus.DecodeMessage(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	msg := FromDBus(m)
	msg.wire = b
	msg.size = int64(len(b))
	fds, err := m.CountFds()
	if err == nil {
		msg.unixFDs = int64(fds)
	}
	msg.locked.Store(true)
	return msg, nil
}
