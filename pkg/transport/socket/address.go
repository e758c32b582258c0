package socket

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// ErrInvalidAddress is returned for addresses which cannot be parsed or use
// an unknown transport.
var ErrInvalidAddress = errors.New("invalid bus address")

// Address is one entry of a bus address list, for example
// "unix:path=/run/dbus/system_bus_socket".
type Address struct {
	Transport string
	Params    map[string]string
}

// ParseAddresses parses a semicolon separated address list.
func ParseAddresses(s string) ([]Address, error) {
	var addrs []Address
	for _, entry := range strings.Split(s, ";") {
		if entry == "" {
			continue
		}
		addr, err := ParseAddress(entry)
		if err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: empty address %q", ErrInvalidAddress, s)
	}
	return addrs, nil
}

// ParseAddress parses a single "transport:key=value,..." entry. Values are
// unescaped from their %XX form.
func ParseAddress(s string) (Address, error) {
	name, rest, ok := strings.Cut(s, ":")
	if !ok || name == "" {
		return Address{}, fmt.Errorf("%w: missing transport in %q", ErrInvalidAddress, s)
	}
	addr := Address{Transport: name, Params: map[string]string{}}
	for _, pair := range strings.Split(rest, ",") {
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return Address{}, fmt.Errorf("%w: malformed key %q in %q", ErrInvalidAddress, pair, s)
		}
		unescaped, err := unescape(value)
		if err != nil {
			return Address{}, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		if _, dup := addr.Params[key]; dup {
			return Address{}, fmt.Errorf("%w: duplicate key %q in %q", ErrInvalidAddress, key, s)
		}
		addr.Params[key] = unescaped
	}
	return addr, nil
}

func unescape(v string) (string, error) {
	if !strings.Contains(v, "%") {
		return v, nil
	}
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] != '%' {
			b.WriteByte(v[i])
			continue
		}
		if i+2 >= len(v) {
			return "", fmt.Errorf("truncated escape in %q", v)
		}
		n, err := strconv.ParseUint(v[i+1:i+3], 16, 8)
		if err != nil {
			return "", fmt.Errorf("bad escape in %q", v)
		}
		b.WriteByte(byte(n))
		i += 2
	}
	return b.String(), nil
}

// Network returns the arguments for net.Dial or net.Listen.
func (a Address) Network() (network, address string, err error) {
	switch a.Transport {
	case "unix":
		if path, ok := a.Params["path"]; ok {
			return "unix", path, nil
		}
		if name, ok := a.Params["abstract"]; ok {
			return "unix", "@" + name, nil
		}
		return "", "", fmt.Errorf("%w: unix address needs path or abstract", ErrInvalidAddress)

	case "tcp":
		host := a.Params["host"]
		if host == "" {
			host = "localhost"
		}
		port := a.Params["port"]
		if port == "" {
			port = "0"
		}
		network = "tcp"
		switch a.Params["family"] {
		case "ipv4":
			network = "tcp4"
		case "ipv6":
			network = "tcp6"
		}
		return network, net.JoinHostPort(host, port), nil
	}
	return "", "", fmt.Errorf("%w: unsupported transport %q", ErrInvalidAddress, a.Transport)
}

// GUID returns the server GUID the address pins, if any.
func (a Address) GUID() string {
	return a.Params["guid"]
}

func (a Address) String() string {
	keys := make([]string, 0, len(a.Params))
	for _, k := range []string{"path", "abstract", "host", "port", "family", "guid"} {
		if v, ok := a.Params[k]; ok {
			keys = append(keys, k+"="+escape(v))
		}
	}
	return a.Transport + ":" + strings.Join(keys, ",")
}

func escape(v string) string {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			strings.IndexByte("-_/\\.*", c) >= 0:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02x", c)
		}
	}
	return b.String()
}
