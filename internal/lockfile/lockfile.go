package lockfile

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// ErrLocked is returned when another open file description holds the lock.
	ErrLocked = errors.New("lock file is held by another process")

	// ErrInvalidPID is returned when the lock file does not contain a positive decimal pid.
	ErrInvalidPID = errors.New("invalid PID in lock file")
)

// retryInterval is how often LockContext re-tries a non-blocking flock.
const retryInterval = 50 * time.Millisecond

// Lock is an open, exclusively flock'ed file.
// The lock belongs to the open file description, so the kernel drops it when
// the descriptor is closed or the owning process dies (including SIGKILL).
// Files are opened close-on-exec and are never inherited by children.
type Lock struct {
	path string
	file *os.File
}

func open(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create lock directory: %w", err)
	}
	// #nosec G304 -- path is derived from configuration
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	return f, nil
}

func tryFlock(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return ErrLocked
	}
	return err
}

// TryLock takes the lock at path without blocking.
func TryLock(path string) (*Lock, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	if err := tryFlock(f); err != nil {
		_ = f.Close()
		if errors.Is(err, ErrLocked) {
			return nil, err
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &Lock{path: path, file: f}, nil
}

// LockContext waits for the lock at path until ctx is done. A timed out wait
// returns an error matching both ErrLocked and the context error.
func LockContext(ctx context.Context, path string) (*Lock, error) {
	f, err := open(path)
	if err != nil {
		return nil, err
	}
	t := time.NewTicker(retryInterval)
	defer t.Stop()
	for {
		err := tryFlock(f)
		if err == nil {
			return &Lock{path: path, file: f}, nil
		}
		if !errors.Is(err, ErrLocked) {
			_ = f.Close()
			return nil, fmt.Errorf("flock %s: %w", path, err)
		}
		select {
		case <-ctx.Done():
			_ = f.Close()
			return nil, fmt.Errorf("%w: %w", ErrLocked, ctx.Err())
		case <-t.C:
		}
	}
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// WritePID replaces the file content with pid followed by a newline.
func (l *Lock) WritePID(pid int) error {
	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := l.file.WriteAt([]byte(strconv.Itoa(pid)+"\n"), 0); err != nil {
		return fmt.Errorf("write pid: %w", err)
	}
	return l.file.Sync()
}

// Close releases the lock. Holders normally never call it and let process
// exit drop the lock instead.
func (l *Lock) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ReadPID returns the pid recorded in the lock file at path.
func ReadPID(path string) (int, error) {
	// #nosec G304 -- path is derived from configuration
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	s := strings.TrimSpace(string(b))
	pid, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPID, s)
	}
	if pid <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidPID, pid)
	}
	return pid, nil
}
