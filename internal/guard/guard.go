// Package guard keeps a second copy of a program from starting.
//
// Acquire takes a non-blocking exclusive lock on <pidDir>/<identity>.pid and
// writes the caller's pid into it. The lock lives as long as the process:
// there is no release call and the kernel drops it on exit, crash or SIGKILL.
package guard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/loykin/daemonkit/internal/lockfile"
)

// ErrAlreadyRunning reports that another instance holds the lock.
var ErrAlreadyRunning = errors.New("another instance is already running")

var (
	mu sync.Mutex
	// held keeps every acquired lock reachable so the *os.File finalizer
	// never closes the descriptor while the process is running.
	held = map[string]*lockfile.Lock{}
)

// Path returns the pid file path for identity inside pidDir.
func Path(pidDir, identity string) string {
	return filepath.Join(pidDir, identity+".pid")
}

// Acquire locks the pid file of identity or fails immediately. The returned
// lock stays held until the process exits.
func Acquire(pidDir, identity string) (*lockfile.Lock, error) {
	if identity == "" {
		return nil, errors.New("guard: empty program identity")
	}
	path := Path(pidDir, identity)

	mu.Lock()
	defer mu.Unlock()
	if l, ok := held[path]; ok {
		return l, nil
	}

	l, err := lockfile.TryLock(path)
	if err != nil {
		if errors.Is(err, lockfile.ErrLocked) {
			if pid, perr := lockfile.ReadPID(path); perr == nil {
				return nil, fmt.Errorf("%w: %s held by pid %d", ErrAlreadyRunning, path, pid)
			}
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, path)
		}
		return nil, err
	}
	if err := l.WritePID(os.Getpid()); err != nil {
		_ = l.Close()
		return nil, err
	}
	held[path] = l
	return l, nil
}
