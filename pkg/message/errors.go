package message

import "errors"

// Well known error names used by the connection engine.
const (
	ErrorFailed           = "org.freedesktop.DBus.Error.Failed"
	ErrorNoMemory         = "org.freedesktop.DBus.Error.NoMemory"
	ErrorNoReply          = "org.freedesktop.DBus.Error.NoReply"
	ErrorDisconnected     = "org.freedesktop.DBus.Error.Disconnected"
	ErrorUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrorUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	ErrorUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrorInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrorFileNotFound     = "org.freedesktop.DBus.Error.FileNotFound"
)

// Well known interfaces and paths.
const (
	InterfaceLocal          = "org.freedesktop.DBus.Local"
	InterfacePeer           = "org.freedesktop.DBus.Peer"
	InterfaceIntrospectable = "org.freedesktop.DBus.Introspectable"
	InterfaceDBus           = "org.freedesktop.DBus"
	PathLocal               = "/org/freedesktop/DBus/Local"
	PathDBus                = "/org/freedesktop/DBus"
	ServiceDBus             = "org.freedesktop.DBus"
)

var (
	// ErrLocked is returned when mutating a message which was already
	// handed to a connection.
	ErrLocked = errors.New("message is locked")

	// ErrNotError is returned when converting a non error message.
	ErrNotError = errors.New("message is not an error")
)
