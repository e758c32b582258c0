package bus

import (
	"fmt"
	"os"
	"path/filepath"
)

// Type selects one of the well known buses.
type Type int

const (
	// Session is the login session bus.
	Session Type = iota
	// System is the system wide bus.
	System
	// Starter is the bus that started the process through activation.
	Starter
)

// DefaultSystemAddress is used when DBUS_SYSTEM_BUS_ADDRESS is unset.
const DefaultSystemAddress = "unix:path=/var/run/dbus/system_bus_socket"

func (t Type) String() string {
	switch t {
	case Session:
		return "session"
	case System:
		return "system"
	case Starter:
		return "starter"
	}
	return fmt.Sprintf("bus(%d)", int(t))
}

// Address returns the address of the bus taken from the environment.
func (t Type) Address() (string, error) {
	switch t {
	case System:
		if addr := os.Getenv("DBUS_SYSTEM_BUS_ADDRESS"); addr != "" {
			return addr, nil
		}
		return DefaultSystemAddress, nil

	case Session:
		if addr := os.Getenv("DBUS_SESSION_BUS_ADDRESS"); addr != "" {
			return addr, nil
		}
		if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
			path := filepath.Join(dir, "bus")
			if _, err := os.Stat(path); err == nil {
				return "unix:path=" + path, nil
			}
		}
		return "", fmt.Errorf("%w: DBUS_SESSION_BUS_ADDRESS is not set", ErrNoAddress)

	case Starter:
		if addr := os.Getenv("DBUS_STARTER_ADDRESS"); addr != "" {
			return addr, nil
		}
		switch os.Getenv("DBUS_STARTER_BUS_TYPE") {
		case "system":
			return System.Address()
		case "session":
			return Session.Address()
		}
		return "", fmt.Errorf("%w: DBUS_STARTER_ADDRESS is not set", ErrNoAddress)
	}
	return "", fmt.Errorf("%w: unknown bus type %d", ErrNoAddress, int(t))
}
