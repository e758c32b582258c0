package socket

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

// AuthTimeout bounds the whole authentication handshake.
const AuthTimeout = 10 * time.Second

const maxAuthLine = 16 * 1024

// ErrAuthFailed is returned if the peer rejected or broke the handshake.
var ErrAuthFailed = errors.New("authentication failed")

// authenticateClient runs the EXTERNAL mechanism as the client and returns
// the server GUID.
func authenticateClient(conn net.Conn, uid int) (string, error) {
	if err := conn.SetDeadline(time.Now().Add(AuthTimeout)); err != nil {
		return "", fmt.Errorf("set auth deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{}) //nolint:errcheck

	id := hex.EncodeToString([]byte(strconv.Itoa(uid)))
	if _, err := io.WriteString(conn, "\x00AUTH EXTERNAL "+id+"\r\n"); err != nil {
		return "", fmt.Errorf("send auth: %w", err)
	}

	line, err := readLine(conn)
	if err != nil {
		return "", err
	}
	cmd, arg, _ := strings.Cut(line, " ")
	if cmd != "OK" {
		return "", fmt.Errorf("%w: server answered %q", ErrAuthFailed, line)
	}
	if _, err := io.WriteString(conn, "BEGIN\r\n"); err != nil {
		return "", fmt.Errorf("send begin: %w", err)
	}
	return arg, nil
}

// authenticateServer runs the server side of the handshake. Only EXTERNAL is
// offered and the claimed identity must match want, unless want is negative.
func authenticateServer(conn net.Conn, guid string, want int) error {
	if err := conn.SetDeadline(time.Now().Add(AuthTimeout)); err != nil {
		return fmt.Errorf("set auth deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{}) //nolint:errcheck

	nul := make([]byte, 1)
	if _, err := io.ReadFull(conn, nul); err != nil {
		return fmt.Errorf("read credentials byte: %w", err)
	}
	if nul[0] != 0 {
		return fmt.Errorf("%w: missing credentials byte", ErrAuthFailed)
	}

	authenticated := false
	for {
		line, err := readLine(conn)
		if err != nil {
			return err
		}
		cmd, arg, _ := strings.Cut(line, " ")
		reply := ""
		switch {
		case cmd == "AUTH" && !authenticated:
			if acceptExternal(arg, want) {
				authenticated = true
				reply = "OK " + guid
			} else {
				reply = "REJECTED EXTERNAL"
			}
		case cmd == "BEGIN" && authenticated:
			return nil
		case cmd == "CANCEL" || cmd == "ERROR":
			authenticated = false
			reply = "REJECTED EXTERNAL"
		default:
			reply = "ERROR \"unexpected command\""
		}
		if _, err := io.WriteString(conn, reply+"\r\n"); err != nil {
			return fmt.Errorf("send auth reply: %w", err)
		}
	}
}

func acceptExternal(arg string, want int) bool {
	mech, id, _ := strings.Cut(arg, " ")
	if mech != "EXTERNAL" || id == "" {
		return false
	}
	raw, err := hex.DecodeString(id)
	if err != nil {
		return false
	}
	uid, err := strconv.Atoi(string(raw))
	if err != nil {
		return false
	}
	return want < 0 || uid == want
}

// readLine reads one CRLF terminated line byte by byte, so that nothing
// after the handshake is consumed.
func readLine(r io.Reader) (string, error) {
	var (
		line []byte
		b    = make([]byte, 1)
	)
	for len(line) < maxAuthLine {
		if _, err := io.ReadFull(r, b); err != nil {
			return "", fmt.Errorf("read auth line: %w", err)
		}
		line = append(line, b[0])
		if n := len(line); n >= 2 && line[n-2] == '\r' && line[n-1] == '\n' {
			return string(line[:n-2]), nil
		}
	}
	return "", fmt.Errorf("%w: auth line too long", ErrAuthFailed)
}
