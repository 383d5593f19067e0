// Package reload starts a new generation of the whole program in place of
// the running one. The new generation evicts the old one through the
// generation lock once its worker is ready; until then the old generation
// keeps serving, and a reload that does not finish in time is cancelled.
package reload

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/loykin/daemonkit/internal/env"
	"github.com/loykin/daemonkit/internal/generation"
	"github.com/loykin/daemonkit/internal/lockfile"
	"github.com/loykin/daemonkit/internal/process"
)

// DefaultTimeout bounds how long a new generation may take to take over.
const DefaultTimeout = 60 * time.Second

var (
	// ErrStale means this process no longer belongs to the active generation.
	ErrStale = errors.New("reload ignored: not the active generation")
	// ErrInProgress means another reload has not finished yet.
	ErrInProgress = errors.New("reload ignored: already in progress")
)

// State tracks the reload in flight. Both fields are zero when idle.
type State struct {
	upgradingSince atomic.Int64 // unix nanos
	pendingPID     atomic.Int64
}

// UpgradingSince returns when the current reload started.
func (s *State) UpgradingSince() (time.Time, bool) {
	n := s.upgradingSince.Load()
	if n == 0 {
		return time.Time{}, false
	}
	return time.Unix(0, n), true
}

// PendingPID returns the pid of the new generation being started, or 0.
func (s *State) PendingPID() int { return int(s.pendingPID.Load()) }

func (s *State) begin(pid int) {
	s.pendingPID.Store(int64(pid))
	s.upgradingSince.Store(time.Now().UnixNano())
}

func (s *State) clear() {
	s.upgradingSince.Store(0)
	s.pendingPID.Store(0)
}

// Config describes how to start a new generation and how to tell whether
// this process is still the active one.
type Config struct {
	Identity   string
	Executable string
	Args       []string
	Timeout    time.Duration
	// LockPath is the generation lock file; empty selects no-pid-file mode,
	// where Record is the only source of the active pid.
	LockPath string
	// Supervisor is the pid of the supervisor this worker belongs to.
	Supervisor int
	// Record returns the generation record as currently known.
	Record func() generation.Record
	// OnEvent, when set, observes every outcome: started, ignored, failed,
	// timeout and cancelled. It is called with the coordinator locked.
	OnEvent func(result string, pid int)
}

// Coordinator runs reloads for one worker.
type Coordinator struct {
	cfg   Config
	state State

	mu      sync.Mutex
	pending *os.Process
	timer   *time.Timer
}

func New(cfg Config) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Record == nil {
		cfg.Record = func() generation.Record { return generation.Record{} }
	}
	cfg.Args = append([]string(nil), cfg.Args...)
	return &Coordinator{cfg: cfg}
}

// State exposes the reload state.
func (c *Coordinator) State() *State { return &c.state }

func (c *Coordinator) activePID() (int, error) {
	if c.cfg.LockPath == "" {
		return c.cfg.Record().ActivePID, nil
	}
	return lockfile.ReadPID(c.cfg.LockPath)
}

func (c *Coordinator) event(result string, pid int) {
	if c.cfg.OnEvent != nil {
		c.cfg.OnEvent(result, pid)
	}
}

// Reload starts a new generation and returns its pid. It refuses to run
// in a retired generation or while another reload is in flight.
func (c *Coordinator) Reload() (int, error) {
	active, err := c.activePID()
	if err != nil {
		return 0, fmt.Errorf("read active generation: %w", err)
	}
	if active != c.cfg.Supervisor {
		slog.Info("ignoring reload in retired generation", "active_pid", active, "supervisor", c.cfg.Supervisor)
		c.event("ignored", 0)
		return 0, ErrStale
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if since, ok := c.state.UpgradingSince(); ok {
		slog.Info("ignoring reload, another one is in progress", "since", since, "pending_pid", c.state.PendingPID())
		c.event("ignored", 0)
		return 0, ErrInProgress
	}

	rec := generation.Record{ActivePID: c.cfg.Supervisor, Number: c.cfg.Record().Number}
	cmd := exec.Command(c.cfg.Executable, c.cfg.Args...)
	cmd.Env = env.FromOS().Unset(generation.EnvRole).SetAll(rec.Environ()).List()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// New session: the new generation must outlive this one.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		c.event("failed", 0)
		return 0, fmt.Errorf("start new generation: %w", err)
	}
	pid := cmd.Process.Pid
	c.pending = cmd.Process
	c.state.begin(pid)
	c.timer = time.AfterFunc(c.cfg.Timeout, func() { c.expire(pid) })
	go c.reap(cmd)

	slog.Info("reload started", "pid", pid, "generation", rec.Number, "timeout", c.cfg.Timeout)
	c.event("started", pid)
	return pid, nil
}

// expire cancels the reload of pid unless it already took over.
func (c *Coordinator) expire(pid int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.PendingPID() != pid {
		return
	}
	if c.cfg.LockPath != "" {
		if holder, err := lockfile.ReadPID(c.cfg.LockPath); err == nil && holder == pid {
			c.finish()
			return
		}
	}
	slog.Warn("reload timed out, killing new generation", "pid", pid, "timeout", c.cfg.Timeout)
	c.kill(pid)
	c.finish()
	c.event("timeout", pid)
}

// kill force-kills the pending generation together with the worker it may
// already have started in its session.
func (c *Coordinator) kill(pid int) {
	if err := process.KillSession(pid); err != nil {
		slog.Warn("failed to kill new generation session", "pid", pid, "error", err)
		_ = c.pending.Kill()
	}
}

// reap waits for the new generation. Exiting while still pending means the
// reload failed.
func (c *Coordinator) reap(cmd *exec.Cmd) {
	err := cmd.Wait()
	pid := cmd.Process.Pid
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.PendingPID() != pid {
		return
	}
	slog.Warn("new generation exited before taking over", "pid", pid, "error", err)
	c.finish()
	c.event("failed", pid)
}

func (c *Coordinator) finish() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.pending = nil
	c.state.clear()
}

// Stop is called when this worker is being stopped. A stop caused by the
// pending generation taking over leaves it running. Any other stop cancels
// the reload so the whole daemon goes down. In no-pid-file mode the two
// cannot be told apart and the reload is always left to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		c.finish()
		return
	}
	pid := c.pending.Pid
	if c.cfg.LockPath == "" || c.takingOver(pid) {
		slog.Info("reload settled", "pid", pid)
		c.finish()
		return
	}
	slog.Info("stopped during reload, cancelling new generation", "pid", pid)
	c.kill(pid)
	c.finish()
	c.event("cancelled", pid)
}

// takingOver reports whether pid holds the generation lock or is evicting
// its holder.
func (c *Coordinator) takingOver(pid int) bool {
	if holder, err := lockfile.ReadPID(c.cfg.LockPath); err == nil && holder == pid {
		return true
	}
	next, err := lockfile.ReadPID(generation.IntentPath(c.cfg.LockPath))
	return err == nil && next == pid
}

// Watch runs Reload for every value received on sigs until done is closed.
// It is the only place signal delivery turns into work.
func (c *Coordinator) Watch(done <-chan struct{}, sigs <-chan os.Signal) {
	for {
		select {
		case <-done:
			return
		case <-sigs:
			if _, err := c.Reload(); err != nil && !errors.Is(err, ErrStale) && !errors.Is(err, ErrInProgress) {
				slog.Error("reload failed", "error", err)
			}
		}
	}
}
