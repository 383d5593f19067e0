package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/daemonkit/internal/lockfile"
	"github.com/loykin/daemonkit/internal/process"
)

// ErrDuplicateGeneration means the previous generation kept the lock even
// after being force-killed: another active generation exists.
var ErrDuplicateGeneration = errors.New("previous generation still holds the generation lock")

// Default timings, in the units used by the takeover protocol.
const (
	DefaultLockTimeout  = 5 * time.Second
	DefaultPollInterval = 500 * time.Millisecond
	DefaultPollAttempts = 14
)

// IntentPath is where a new generation records its pid while it evicts the
// holder of the lock file at lockPath. The old worker reads it to tell a
// takeover from an operator stop.
func IntentPath(lockPath string) string { return lockPath + ".next" }

// Options configures a Lock. An empty Path selects no-pid-file mode.
type Options struct {
	Path         string
	LockTimeout  time.Duration
	PollInterval time.Duration
	PollAttempts int
}

func (o Options) withDefaults() Options {
	if o.LockTimeout <= 0 {
		o.LockTimeout = DefaultLockTimeout
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PollAttempts <= 0 {
		o.PollAttempts = DefaultPollAttempts
	}
	return o
}

// Lock is the generation lock of one supervisor: the record it believes is
// active, plus the lock file handle once it holds the generation.
type Lock struct {
	opts Options

	mu   sync.Mutex
	rec  Record
	held *lockfile.Lock

	signal func(pid int, sig syscall.Signal) error
	exists func(pid int) bool
}

// New returns a Lock starting from rec.
func New(opts Options, rec Record) *Lock {
	return &Lock{
		opts:   opts.withDefaults(),
		rec:    rec,
		signal: process.Signal,
		exists: process.Exists,
	}
}

// NoPIDFile reports whether the lock runs without a lock file.
func (l *Lock) NoPIDFile() bool { return l.opts.Path == "" }

// Path returns the lock file path, empty in no-pid-file mode.
func (l *Lock) Path() string { return l.opts.Path }

// Record returns a copy of the current record.
func (l *Lock) Record() Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rec
}

// Adopt makes l the holder of an already acquired lock file, as the first
// generation does after the single-instance guard succeeded.
func (l *Lock) Adopt(held *lockfile.Lock, self int) {
	l.mu.Lock()
	l.held = held
	l.rec = Record{ActivePID: self, Number: 1}
	l.mu.Unlock()
}

// Held reports whether this process is the active generation.
func (l *Lock) Held(self int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.rec.TakeoverNeeded(self) && (l.held != nil || l.NoPIDFile())
}

// Takeover evicts the previous generation and records self as active.
// It is a no-op for the first generation or when self is already active.
// The previous generation receives exactly one graceful-stop signal; the
// total wait is bounded by two lock timeouts (or the poll budget in
// no-pid-file mode).
func (l *Lock) Takeover(ctx context.Context, self int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.rec.TakeoverNeeded(self) {
		return nil
	}
	old := l.rec.ActivePID
	slog.Info("taking over generation", "previous_pid", old, "generation", l.rec.Number)
	if !l.NoPIDFile() {
		intent := IntentPath(l.opts.Path)
		// #nosec G306 -- holds a pid, read by other generations
		if err := os.WriteFile(intent, []byte(strconv.Itoa(self)+"\n"), 0o644); err != nil {
			slog.Warn("failed to record takeover intent", "path", intent, "error", err)
		}
		defer func() { _ = os.Remove(intent) }()
	}
	if err := l.signal(old, syscall.SIGTERM); err != nil {
		slog.Warn("failed to signal previous generation", "pid", old, "error", err)
	}

	if l.NoPIDFile() {
		if err := l.awaitExit(ctx, old); err != nil {
			return err
		}
	} else {
		held, err := l.acquire(ctx, old)
		if err != nil {
			return err
		}
		if err := held.WritePID(self); err != nil {
			_ = held.Close()
			return fmt.Errorf("record generation pid: %w", err)
		}
		l.held = held
	}

	l.rec.Advance(self)
	slog.Info("generation takeover complete", "pid", self, "generation", l.rec.Number)
	return nil
}

// acquire waits for the lock file; after the first timeout the previous
// generation is force-killed and the wait is retried once.
func (l *Lock) acquire(ctx context.Context, old int) (*lockfile.Lock, error) {
	for attempt := 1; attempt <= 2; attempt++ {
		actx, cancel := context.WithTimeout(ctx, l.opts.LockTimeout)
		held, err := lockfile.LockContext(actx, l.opts.Path)
		cancel()
		if err == nil {
			return held, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.Is(err, lockfile.ErrLocked) {
			return nil, err
		}
		if attempt == 1 {
			slog.Warn("previous generation did not release the lock, killing it", "pid", old, "timeout", l.opts.LockTimeout)
			if err := l.signal(old, syscall.SIGKILL); err != nil {
				slog.Warn("failed to kill previous generation", "pid", old, "error", err)
			}
		}
	}
	return nil, fmt.Errorf("%w: pid %d, lock %s", ErrDuplicateGeneration, old, l.opts.Path)
}

// awaitExit polls for the death of old; the last attempt force-kills
// instead of checking, and the caller proceeds either way.
func (l *Lock) awaitExit(ctx context.Context, old int) error {
	t := time.NewTicker(l.opts.PollInterval)
	defer t.Stop()
	for attempt := 1; attempt <= l.opts.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if attempt == l.opts.PollAttempts {
			slog.Warn("previous generation still running, killing it", "pid", old)
			_ = l.signal(old, syscall.SIGKILL)
			return nil
		}
		if !l.exists(old) {
			return nil
		}
	}
	return nil
}
