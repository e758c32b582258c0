package collectors

import "strings"

// Collector specifies a single metrics collector identifier.
type Collector string

// Collectors specifies a list of metrics collectors.
type Collectors []Collector

const (
	busconnPrefix = "busconn_"

	// Subsystem is the namespace where the metrics are being registered.
	Subsystem = "message_bus"

	subsystemPrefix = Subsystem + "_"

	// MessagesSentTotal is the key for messages queued for sending by message type.
	MessagesSentTotal Collector = busconnPrefix + "messages_sent_total"

	// MessagesReceivedTotal is the key for messages received from the transport by message type.
	MessagesReceivedTotal Collector = busconnPrefix + "messages_received_total"

	// MessagesDispatchedTotal is the key for dispatched messages by handling result.
	MessagesDispatchedTotal Collector = busconnPrefix + "messages_dispatched_total"

	// DispatchLatencySeconds is the key for the time spent running handlers of a single message.
	DispatchLatencySeconds Collector = busconnPrefix + "dispatch_latency_seconds"

	// PendingCalls is the key for the number of calls waiting for a reply.
	PendingCalls Collector = busconnPrefix + "pending_calls"

	// ReplyTimeoutsTotal is the key for calls which did not get a reply in time.
	ReplyTimeoutsTotal Collector = busconnPrefix + "reply_timeouts_total"

	// DisconnectsTotal is the key for connections which lost their transport.
	DisconnectsTotal Collector = busconnPrefix + "disconnects_total"

	// OutgoingBytes is the key for the bytes queued for sending on all connections.
	OutgoingBytes Collector = busconnPrefix + "outgoing_bytes"
)

// FromSlice converts a string slice to a Collectors type.
func FromSlice(in []string) (c Collectors) {
	for _, i := range in {
		c = append(c, Collector(i).Stripped())
	}

	return c
}

// ToSlice converts a Collectors type to a string slice.
func (c Collectors) ToSlice() (r []string) {
	for _, i := range c {
		r = append(r, i.Stripped().String())
	}

	return r
}

// All returns all available metrics collectors referenced by their
// name key.
func All() Collectors {
	return Collectors{
		MessagesSentTotal.Stripped(),
		MessagesReceivedTotal.Stripped(),
		MessagesDispatchedTotal.Stripped(),
		DispatchLatencySeconds.Stripped(),
		PendingCalls.Stripped(),
		ReplyTimeoutsTotal.Stripped(),
		DisconnectsTotal.Stripped(),
		OutgoingBytes.Stripped(),
	}
}

// Contains returns true if the provided Collector `in` is part of the
// collectors instance.
func (c Collectors) Contains(in Collector) bool {
	stripped := in.Stripped()
	for _, collector := range c {
		if stripped == collector.Stripped() {
			return true
		}
	}

	return false
}

// stripPrefix strips the metrics prefixes from the provided string.
func stripPrefix(s string) string {
	s = strings.TrimPrefix(s, subsystemPrefix)

	return strings.TrimPrefix(s, busconnPrefix)
}

// Stripped returns a prefix stripped name for the collector.
func (c Collector) Stripped() Collector {
	return Collector(stripPrefix(c.String()))
}

// String returns a string for the collector.
func (c Collector) String() string {
	return string(c)
}
