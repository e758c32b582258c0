package connection

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cri-o/busconn/internal/log"
	"github.com/cri-o/busconn/pkg/message"
)

// machineIDPaths are tried in order by GetMachineId.
var machineIDPaths = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

var errInvalidMachineID = errors.New("invalid machine ID")

func readMachineID() (string, error) {
	var lastErr error
	for _, path := range machineIDPaths {
		content, err := os.ReadFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		id := strings.TrimSpace(string(content))
		if len(id) != 32 || strings.Trim(id, "0123456789abcdef") != "" {
			lastErr = fmt.Errorf("%w in %s", errInvalidMachineID, path)
			continue
		}
		return id, nil
	}
	return "", fmt.Errorf("read machine ID: %w", lastErr)
}

// runBuiltinLocked answers calls on the Peer interface.
func (c *Connection) runBuiltinLocked(msg *message.Message) HandlerResult {
	if msg.Type() != message.TypeMethodCall || msg.Interface() != message.InterfacePeer {
		return NotYetHandled
	}
	if c.routePeerMessages && msg.Destination() != "" {
		return NotYetHandled
	}
	if msg.NoReplyExpected() {
		return Handled
	}

	var reply *message.Message
	switch msg.Member() {
	case "Ping":
		reply = message.NewMethodReturn(msg)
	case "GetMachineId":
		id, err := readMachineID()
		if err != nil {
			reply = message.NewError(msg, message.ErrorFileNotFound, err.Error())
		} else {
			reply = message.NewMethodReturn(msg, id)
		}
	default:
		reply = message.NewError(msg, message.ErrorUnknownMethod,
			fmt.Sprintf("Unknown method '%s' on interface '%s'", msg.Member(), msg.Interface()))
	}

	return c.sendReplyLocked(reply, "builtin-reply")
}

// sendReplyLocked queues a reply created during dispatch and drops the
// creator reference. NeedMemory is returned if it could not be queued.
func (c *Connection) sendReplyLocked(reply *message.Message, site string) HandlerResult {
	defer c.expired.Append(reply)

	if c.fail(site) {
		return NeedMemory
	}
	p, err := c.preallocateSendLocked()
	if err != nil {
		return NeedMemory
	}
	if _, err := c.sendPreallocatedLocked(p, reply); err != nil {
		log.Warnf(c.ctx, "Unable to send %s reply: %v", reply.Type(), err)
	}
	return Handled
}
