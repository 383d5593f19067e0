package process

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"syscall"

	gopsproc "github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sys/unix"
)

// Signal delivers sig to pid. A process that is already gone is not an error.
func Signal(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	err := syscall.Kill(pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// Terminate sends the graceful-stop signal.
func Terminate(pid int) error { return Signal(pid, syscall.SIGTERM) }

// Kill sends the forced-kill signal.
func Kill(pid int) error { return Signal(pid, syscall.SIGKILL) }

// KillSession force-kills the session leader sid and every process still in
// its session, including members in their own process groups.
func KillSession(sid int) error {
	if sid <= 0 {
		return nil
	}
	if err := Kill(sid); err != nil {
		return err
	}
	pids, err := gopsproc.Pids()
	if err != nil {
		return fmt.Errorf("list processes: %w", err)
	}
	for _, p := range pids {
		pid := int(p)
		if pid == sid {
			continue
		}
		if s, err := unix.Getsid(pid); err == nil && s == sid {
			_ = Kill(pid)
		}
	}
	return nil
}

// Exists reports whether pid names a live (non-zombie) process.
func Exists(pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsproc.PidExists(int32(pid))
	if err != nil || !ok {
		// gopsutil can fail on restricted /proc mounts; fall back to signal 0.
		kerr := syscall.Kill(pid, 0)
		if kerr != nil && !errors.Is(kerr, syscall.EPERM) {
			return false
		}
	}
	return !isZombie(pid)
}

// isZombie returns true if /proc/<pid>/status reports a zombie state (Z) on Linux.
func isZombie(pid int) bool {
	if runtime.GOOS != "linux" {
		return false
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
