package socket

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/cri-o/busconn/internal/config"
	"github.com/cri-o/busconn/internal/log"
)

// Dial connects to the first reachable entry of an address list and
// authenticates with the EXTERNAL mechanism.
func Dial(ctx context.Context, address string) (*Transport, error) {
	addrs, err := ParseAddresses(address)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, addr := range addrs {
		t, err := dialOne(ctx, addr)
		if err == nil {
			return t, nil
		}
		log.Debugf(ctx, "Unable to connect to %s: %v", addr, err)
		errs = append(errs, err)
	}
	return nil, fmt.Errorf("connect to %s: %w", address, errors.Join(errs...))
}

func dialOne(ctx context.Context, addr Address) (*Transport, error) {
	network, target, err := addr.Network()
	if err != nil {
		return nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, target)
	if err != nil {
		return nil, err
	}
	guid, err := authenticateClient(conn, os.Getuid())
	if err != nil {
		conn.Close()
		return nil, err
	}
	if want := addr.GUID(); want != "" && want != guid {
		conn.Close()
		return nil, fmt.Errorf("%w: server GUID %s does not match %s", ErrAuthFailed, guid, want)
	}
	return New(ctx, conn, WithAddress(addr.String()), WithServerID(guid))
}

// Listener accepts transports on a listening socket.
type Listener struct {
	ctx     context.Context
	l       net.Listener
	guid    string
	address string
	path    string
}

// Listen binds the first entry of an address list. A stale unix socket at
// the path is removed first.
func Listen(ctx context.Context, address string) (*Listener, error) {
	addrs, err := ParseAddresses(address)
	if err != nil {
		return nil, err
	}
	addr := addrs[0]
	network, target, err := addr.Network()
	if err != nil {
		return nil, err
	}

	path := ""
	if network == "unix" && !strings.HasPrefix(target, "@") {
		path = target
		if err := config.RemoveUnusedSocket(path); err != nil {
			return nil, err
		}
	}

	l, err := net.Listen(network, target)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", address, err)
	}

	guid := addr.GUID()
	if guid == "" {
		guid = newGUID()
	}
	bound := Address{Transport: addr.Transport, Params: map[string]string{"guid": guid}}
	switch {
	case addr.Transport == "tcp":
		host, port, err := net.SplitHostPort(l.Addr().String())
		if err != nil {
			l.Close()
			return nil, fmt.Errorf("parse listen address: %w", err)
		}
		bound.Params["host"], bound.Params["port"] = host, port
	case path != "":
		bound.Params["path"] = path
	default:
		bound.Params["abstract"] = strings.TrimPrefix(target, "@")
	}

	return &Listener{ctx: ctx, l: l, guid: guid, address: bound.String(), path: path}, nil
}

// Address returns the address clients can dial, including the GUID.
func (l *Listener) Address() string {
	return l.address
}

// GUID returns the server GUID.
func (l *Listener) GUID() string {
	return l.guid
}

// Accept waits for the next client and runs the server side of the
// authentication. Unix clients have to claim their own uid.
func (l *Listener) Accept() (*Transport, error) {
	conn, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	want := -1
	if _, ok := conn.(*net.UnixConn); ok {
		if want, err = peerUID(conn); err != nil {
			conn.Close()
			return nil, err
		}
	}
	if err := authenticateServer(conn, l.guid, want); err != nil {
		conn.Close()
		return nil, err
	}
	log.Debugf(l.ctx, "Accepted client on %s", l.address)
	return New(l.ctx, conn, WithAddress(l.address), WithServerID(l.guid))
}

// Close stops listening and removes the socket file.
func (l *Listener) Close() error {
	err := l.l.Close()
	if l.path != "" {
		if rmErr := config.RemoveUnusedSocket(l.path); rmErr != nil && err == nil {
			err = rmErr
		}
	}
	return err
}
