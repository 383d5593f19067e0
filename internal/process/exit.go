package process

import (
	"os"
	"syscall"
)

// Exit classifies a reaped process state.
type Exit struct {
	Code   int    // exit code, -1 when killed by a signal
	Signal string // signal name when killed by a signal
	Clean  bool   // exited with status 0
}

// Describe returns a short label for logs and metrics: clean, error or signal.
func (e Exit) Describe() string {
	switch {
	case e.Signal != "":
		return "signal"
	case e.Clean:
		return "clean"
	default:
		return "error"
	}
}

// ExitOf inspects the state returned by (*exec.Cmd).Wait.
func ExitOf(ps *os.ProcessState) Exit {
	if ps == nil {
		return Exit{Code: -1}
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return Exit{Code: -1, Signal: ws.Signal().String()}
	}
	code := ps.ExitCode()
	return Exit{Code: code, Clean: code == 0}
}
