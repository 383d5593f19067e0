package generation

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/daemonkit/internal/lockfile"
)

// signalRecorder stands in for the previous generation: it records every
// signal and runs the configured reaction.
type signalRecorder struct {
	mu      sync.Mutex
	sigs    []syscall.Signal
	onTerm  func()
	onKill  func()
	targets []int
}

func (r *signalRecorder) signal(pid int, sig syscall.Signal) error {
	r.mu.Lock()
	r.sigs = append(r.sigs, sig)
	r.targets = append(r.targets, pid)
	r.mu.Unlock()
	switch sig {
	case syscall.SIGTERM:
		if r.onTerm != nil {
			r.onTerm()
		}
	case syscall.SIGKILL:
		if r.onKill != nil {
			r.onKill()
		}
	}
	return nil
}

func (r *signalRecorder) signals() []syscall.Signal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]syscall.Signal(nil), r.sigs...)
}

const oldPID = 424242

func newTestLock(t *testing.T, opts Options, rec Record, rs *signalRecorder) *Lock {
	t.Helper()
	l := New(opts, rec)
	l.signal = rs.signal
	return l
}

func TestTakeoverFirstGenerationIsNoop(t *testing.T) {
	rs := &signalRecorder{}
	self := os.Getpid()
	path := filepath.Join(t.TempDir(), "app.pid")

	held, err := lockfile.TryLock(path)
	require.NoError(t, err)
	l := newTestLock(t, Options{Path: path}, Record{}, rs)
	l.Adopt(held, self)

	require.NoError(t, l.Takeover(context.Background(), self))
	assert.Empty(t, rs.signals())
	assert.Equal(t, Record{ActivePID: self, Number: 1}, l.Record())
	assert.True(t, l.Held(self))

	// An empty record (nothing to evict) is also a no-op.
	empty := newTestLock(t, Options{Path: path}, Record{}, rs)
	require.NoError(t, empty.Takeover(context.Background(), self))
	assert.Empty(t, rs.signals())
}

func TestTakeoverAcquiresLockAfterGracefulStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.pid")
	old, err := lockfile.TryLock(path)
	require.NoError(t, err)
	require.NoError(t, old.WritePID(oldPID))

	rs := &signalRecorder{onTerm: func() {
		go func() {
			time.Sleep(100 * time.Millisecond)
			_ = old.Close()
		}()
	}}
	self := os.Getpid()
	l := newTestLock(t, Options{Path: path, LockTimeout: 2 * time.Second}, Record{ActivePID: oldPID, Number: 7}, rs)
	assert.False(t, l.Held(self))

	require.NoError(t, l.Takeover(context.Background(), self))

	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, rs.signals())
	assert.Equal(t, []int{oldPID}, rs.targets)
	assert.Equal(t, Record{ActivePID: self, Number: 8}, l.Record())
	pid, err := lockfile.ReadPID(path)
	require.NoError(t, err)
	assert.Equal(t, self, pid)
	assert.True(t, l.Held(self))

	// Second takeover in the same generation does nothing.
	require.NoError(t, l.Takeover(context.Background(), self))
	assert.Len(t, rs.signals(), 1)
	assert.Equal(t, uint64(8), l.Record().Number)
}

func TestTakeoverPublishesIntentWhileEvicting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.pid")
	old, err := lockfile.TryLock(path)
	require.NoError(t, err)
	require.NoError(t, old.WritePID(oldPID))

	self := os.Getpid()
	var seen int
	var seenErr error
	rs := &signalRecorder{onTerm: func() {
		// What the old worker reads when its stop arrives.
		seen, seenErr = lockfile.ReadPID(IntentPath(path))
		_ = old.Close()
	}}
	l := newTestLock(t, Options{Path: path, LockTimeout: time.Second}, Record{ActivePID: oldPID, Number: 2}, rs)
	require.NoError(t, l.Takeover(context.Background(), self))

	require.NoError(t, seenErr)
	assert.Equal(t, self, seen)
	_, err = os.Stat(IntentPath(path))
	assert.True(t, os.IsNotExist(err), "intent is removed once the lock is held")
}

func TestTakeoverForceKillsStubbornGeneration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.pid")
	old, err := lockfile.TryLock(path)
	require.NoError(t, err)

	rs := &signalRecorder{onKill: func() { _ = old.Close() }}
	self := os.Getpid()
	l := newTestLock(t, Options{Path: path, LockTimeout: 200 * time.Millisecond}, Record{ActivePID: oldPID, Number: 1}, rs)

	require.NoError(t, l.Takeover(context.Background(), self))
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, rs.signals())
	assert.Equal(t, uint64(2), l.Record().Number)
}

func TestTakeoverDuplicateGenerationIsBounded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.pid")
	old, err := lockfile.TryLock(path)
	require.NoError(t, err)
	defer func() { _ = old.Close() }()

	rs := &signalRecorder{}
	self := os.Getpid()
	rec := Record{ActivePID: oldPID, Number: 3}
	l := newTestLock(t, Options{Path: path, LockTimeout: 200 * time.Millisecond}, rec, rs)

	start := time.Now()
	err = l.Takeover(context.Background(), self)
	elapsed := time.Since(start)

	require.ErrorIs(t, err, ErrDuplicateGeneration)
	assert.GreaterOrEqual(t, elapsed, 400*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, rs.signals())
	assert.Equal(t, rec, l.Record(), "record must not change on failure")
	assert.False(t, l.Held(self))
}

func TestTakeoverStopsOnContextCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.pid")
	old, err := lockfile.TryLock(path)
	require.NoError(t, err)
	defer func() { _ = old.Close() }()

	rs := &signalRecorder{}
	l := newTestLock(t, Options{Path: path, LockTimeout: 5 * time.Second}, Record{ActivePID: oldPID, Number: 1}, rs)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err = l.Takeover(ctx, os.Getpid())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, rs.signals())
}

func TestNoPIDFileModePollsUntilExit(t *testing.T) {
	rs := &signalRecorder{}
	checks := 0
	l := newTestLock(t, Options{PollInterval: 10 * time.Millisecond}, Record{ActivePID: oldPID, Number: 4}, rs)
	l.exists = func(pid int) bool {
		checks++
		return checks < 3
	}
	self := os.Getpid()

	require.NoError(t, l.Takeover(context.Background(), self))
	assert.Equal(t, 3, checks)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM}, rs.signals())
	assert.Equal(t, Record{ActivePID: self, Number: 5}, l.Record())
	assert.True(t, l.NoPIDFile())
}

func TestNoPIDFileModeKillsOnFinalAttempt(t *testing.T) {
	rs := &signalRecorder{}
	checks := 0
	l := newTestLock(t, Options{PollInterval: 5 * time.Millisecond}, Record{ActivePID: oldPID, Number: 1}, rs)
	l.exists = func(int) bool {
		checks++
		return true
	}

	require.NoError(t, l.Takeover(context.Background(), os.Getpid()))
	assert.Equal(t, DefaultPollAttempts-1, checks)
	assert.Equal(t, []syscall.Signal{syscall.SIGTERM, syscall.SIGKILL}, rs.signals())
	assert.Equal(t, uint64(2), l.Record().Number)
}

func TestNoPIDFileModeStopsRealProcess(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	require.NoError(t, cmd.Start())
	done := make(chan *os.ProcessState, 1)
	go func() {
		_ = cmd.Wait()
		done <- cmd.ProcessState
	}()

	l := New(Options{PollInterval: 20 * time.Millisecond}, Record{ActivePID: cmd.Process.Pid, Number: 1})
	require.NoError(t, l.Takeover(context.Background(), os.Getpid()))

	select {
	case ps := <-done:
		ws, ok := ps.Sys().(syscall.WaitStatus)
		require.True(t, ok)
		assert.True(t, ws.Signaled())
		assert.Equal(t, syscall.SIGTERM, ws.Signal())
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		t.Fatal("previous generation was not stopped")
	}
}
