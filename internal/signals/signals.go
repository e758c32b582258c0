package signals

import (
	"os"

	"golang.org/x/sys/unix"
)

// Platform specific signal synonyms
var (
	Interrupt os.Signal = os.Interrupt
	Term      os.Signal = unix.SIGTERM
	Hup       os.Signal = unix.SIGHUP
)

// Shutdown lists the signals which stop a running server.
var Shutdown = []os.Signal{Interrupt, Term}
