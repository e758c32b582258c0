package watchdog

import (
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

//go:generate go run github.com/golang/mock/mockgen -package watchdogmock -destination ../../test/mocks/watchdog/watchdog.go github.com/cri-o/busconn/internal/watchdog Systemd,Pinger

// Systemd is the part of the service manager protocol the watchdog uses.
type Systemd interface {
	WatchdogEnabled() (time.Duration, error)
	Notify(string) (bool, error)
}

type defaultSystemd struct{}

// DefaultSystemd returns the implementation talking to the real service
// manager.
func DefaultSystemd() Systemd {
	return &defaultSystemd{}
}

// WatchdogEnabled returns the watchdog timeout of the service, or zero if
// the watchdog is off or another process is watched.
func (*defaultSystemd) WatchdogEnabled() (time.Duration, error) {
	return daemon.SdWatchdogEnabled(false)
}

// Notify sends state to the service manager. It returns false without an
// error if NOTIFY_SOCKET is unset.
func (*defaultSystemd) Notify(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}

// Ready tells the service manager that startup finished.
func Ready(s Systemd) (bool, error) {
	return s.Notify(daemon.SdNotifyReady)
}

// Stopping tells the service manager that shutdown started.
func Stopping(s Systemd) (bool, error) {
	return s.Notify(daemon.SdNotifyStopping)
}
