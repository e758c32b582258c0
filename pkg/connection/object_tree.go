package connection

import (
	"sort"
	"strings"
	"sync/atomic"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/cri-o/busconn/internal/log"
	"github.com/cri-o/busconn/pkg/message"
)

// ObjectPathVTable holds the handlers of a registered object path. Both are
// called without any connection lock held.
type ObjectPathVTable struct {
	// Message handles a message addressed to the path, or to a path below
	// it for fallbacks.
	Message func(c *Connection, msg *message.Message, data any) HandlerResult
	// Unregister is called once the path is unregistered or the connection
	// finalized. It may be nil.
	Unregister func(c *Connection, data any)
}

type objectNode struct {
	path         dbus.ObjectPath
	vtable       ObjectPathVTable
	data         any
	fallback     bool
	unregistered atomic.Bool
}

func (n *objectNode) unregister(c *Connection) {
	if n.unregistered.Swap(true) {
		return
	}
	if n.vtable.Unregister != nil {
		n.vtable.Unregister(c, n.data)
	}
}

// objectTree maps object paths to their handlers. It is guarded by the
// connection lock.
type objectTree struct {
	nodes map[dbus.ObjectPath]*objectNode
}

func newObjectTree() *objectTree {
	return &objectTree{nodes: make(map[dbus.ObjectPath]*objectNode)}
}

func (t *objectTree) register(path dbus.ObjectPath, vtable ObjectPathVTable, data any, fallback bool) error {
	if existing, ok := t.nodes[path]; ok {
		if existing.fallback {
			return ErrFallbackInUse
		}
		return ErrObjectPathInUse
	}
	t.nodes[path] = &objectNode{path: path, vtable: vtable, data: data, fallback: fallback}
	return nil
}

func (t *objectTree) unregister(path dbus.ObjectPath) *objectNode {
	node, ok := t.nodes[path]
	if !ok {
		return nil
	}
	delete(t.nodes, path)
	return node
}

func parentPath(path dbus.ObjectPath) (dbus.ObjectPath, bool) {
	if path == "/" {
		return "", false
	}
	idx := strings.LastIndexByte(string(path), '/')
	if idx <= 0 {
		return "/", true
	}
	return path[:idx], true
}

// handlers returns the node registered for path followed by every fallback
// registered above it, innermost first.
func (t *objectTree) handlers(path dbus.ObjectPath) []*objectNode {
	var nodes []*objectNode
	if node, ok := t.nodes[path]; ok {
		nodes = append(nodes, node)
	}
	for p, ok := parentPath(path); ok; p, ok = parentPath(p) {
		if node, found := t.nodes[p]; found && node.fallback {
			nodes = append(nodes, node)
		}
	}
	return nodes
}

// children returns the sorted names of the path elements directly below
// parent which lead to a registered path.
func (t *objectTree) children(parent dbus.ObjectPath) []string {
	prefix := string(parent)
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	seen := make(map[string]struct{})
	for path := range t.nodes {
		rest, ok := strings.CutPrefix(string(path), prefix)
		if !ok || rest == "" {
			continue
		}
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			rest = rest[:idx]
		}
		seen[rest] = struct{}{}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (t *objectTree) clear() []*objectNode {
	nodes := make([]*objectNode, 0, len(t.nodes))
	for _, node := range t.nodes {
		nodes = append(nodes, node)
	}
	t.nodes = make(map[dbus.ObjectPath]*objectNode)
	return nodes
}

// RegisterObjectPath installs vtable for exactly path.
func (c *Connection) RegisterObjectPath(path dbus.ObjectPath, vtable ObjectPathVTable, data any) error {
	return c.registerObject(path, vtable, data, false)
}

// RegisterFallback installs vtable for path and every path below it which
// has no handler of its own.
func (c *Connection) RegisterFallback(path dbus.ObjectPath, vtable ObjectPathVTable, data any) error {
	return c.registerObject(path, vtable, data, true)
}

func (c *Connection) registerObject(path dbus.ObjectPath, vtable ObjectPathVTable, data any, fallback bool) error {
	if !path.IsValid() {
		return ErrInvalidObjectPath
	}
	c.lock()
	defer c.unlock()
	if c.fail("register-object") {
		return ErrNoMemory
	}
	if err := c.objects.register(path, vtable, data, fallback); err != nil {
		log.Warnf(c.ctx, "Unable to register %s: %v", path, err)
		return err
	}
	log.Debugf(c.ctx, "Registered object path %s (fallback %v)", path, fallback)
	return nil
}

// UnregisterObjectPath removes the handler of path and calls its
// Unregister function.
func (c *Connection) UnregisterObjectPath(path dbus.ObjectPath) error {
	c.lock()
	node := c.objects.unregister(path)
	c.unlock()
	if node == nil {
		return ErrObjectPathNotFound
	}
	node.unregister(c)
	return nil
}

// ObjectPathData returns the data registered for exactly path, or the
// data of the fallback handling it.
func (c *Connection) ObjectPathData(path dbus.ObjectPath) (any, bool) {
	c.lock()
	defer c.unlock()
	nodes := c.objects.handlers(path)
	if len(nodes) == 0 {
		return nil, false
	}
	return nodes[0].data, true
}

// ListRegistered returns the names of the path elements directly below
// parent which lead to registered paths.
func (c *Connection) ListRegistered(parent dbus.ObjectPath) ([]string, error) {
	if !parent.IsValid() {
		return nil, ErrInvalidObjectPath
	}
	c.lock()
	defer c.unlock()
	return c.objects.children(parent), nil
}

var peerInterface = introspect.Interface{
	Name: message.InterfacePeer,
	Methods: []introspect.Method{
		{Name: "Ping"},
		{Name: "GetMachineId", Args: []introspect.Arg{
			{Name: "machine_uuid", Type: "s", Direction: "out"},
		}},
	},
}

// introspectXML describes a path without handler of its own.
func introspectXML(path dbus.ObjectPath, children []string) string {
	node := introspect.Node{
		Name:       string(path),
		Interfaces: []introspect.Interface{introspect.IntrospectData, peerInterface},
	}
	for _, child := range children {
		node.Children = append(node.Children, introspect.Node{Name: child})
	}
	return string(introspect.NewIntrospectable(&node))
}

// dispatchObjectTree runs the handlers of the message path and answers
// Introspect for paths with children. It is called without the connection
// lock. found reports whether any handler exists for the path.
func (c *Connection) dispatchObjectTree(msg *message.Message) (result HandlerResult, found bool, reply *message.Message) {
	path := msg.Path()
	if path == "" {
		return NotYetHandled, false, nil
	}

	c.lock()
	nodes := c.objects.handlers(path)
	var children []string
	if msg.IsMethodCall(message.InterfaceIntrospectable, "Introspect") {
		children = c.objects.children(path)
	}
	c.unlock()

	for _, node := range nodes {
		if node.unregistered.Load() || node.vtable.Message == nil {
			continue
		}
		if result := node.vtable.Message(c, msg, node.data); result != NotYetHandled {
			return result, true, nil
		}
	}

	if len(children) > 0 {
		if msg.NoReplyExpected() {
			return Handled, true, nil
		}
		return Handled, true, message.NewMethodReturn(msg, introspectXML(path, children))
	}
	return NotYetHandled, len(nodes) > 0, nil
}
