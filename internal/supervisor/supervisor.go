// Package supervisor runs the supervisor side of a daemon: it starts the
// worker, answers its control requests and starts a new one whenever it
// exits. This loop is the only place worker processes are created.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/daemonkit/internal/control"
	"github.com/loykin/daemonkit/internal/env"
	"github.com/loykin/daemonkit/internal/generation"
	"github.com/loykin/daemonkit/internal/metrics"
	"github.com/loykin/daemonkit/internal/process"
)

const (
	// DefaultRespawnDelay is the pause between a worker exit and its replacement.
	DefaultRespawnDelay = time.Second
	// DefaultStopTimeout is how long a stopping worker may take before SIGKILL.
	DefaultStopTimeout = 30 * time.Second
)

// errShutdown ends one worker run after the worker asked to be killed.
var errShutdown = errors.New("worker requested shutdown")

// Config is immutable once passed to New.
type Config struct {
	Identity     string
	Executable   string
	Args         []string
	Env          []string // extra KEY=VALUE entries for the worker
	RespawnDelay time.Duration
	StopTimeout  time.Duration // graceful-stop grace period before SIGKILL
}

// Hooks observe the worker lifecycle. Any of them may be nil. They run on
// the supervisor loop and must not block for long.
type Hooks struct {
	OnSpawn    func(pid int)
	OnExit     func(pid int, e process.Exit)
	OnTakeover func(prev, cur generation.Record)
	// OnReload observes the reload outcomes the worker reports.
	OnReload func(result string, pid int)
}

// Status is a point-in-time view of the supervisor.
type Status struct {
	Identity        string    `json:"identity"`
	PID             int       `json:"pid"`
	ActivePID       int       `json:"active_pid"`
	Generation      uint64    `json:"generation"`
	Active          bool      `json:"active"`
	WorkerPID       int       `json:"worker_pid,omitempty"`
	WorkerStartedAt time.Time `json:"worker_started_at,omitempty"`
	Restarts        int       `json:"restarts"`
	StartedAt       time.Time `json:"started_at"`
}

// Supervisor owns the worker of one generation.
type Supervisor struct {
	cfg   Config
	gen   *generation.Lock
	hooks Hooks
	self  int

	mu            sync.Mutex
	worker        *os.Process
	workerStarted time.Time
	restarts      int
	started       time.Time
}

// New returns a Supervisor for the generation held or awaited by gen. Zero
// durations in cfg take the defaults.
func New(cfg Config, gen *generation.Lock, hooks Hooks) *Supervisor {
	if cfg.RespawnDelay <= 0 {
		cfg.RespawnDelay = DefaultRespawnDelay
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = DefaultStopTimeout
	}
	cfg.Args = append([]string(nil), cfg.Args...)
	cfg.Env = append([]string(nil), cfg.Env...)
	return &Supervisor{cfg: cfg, gen: gen, hooks: hooks, self: os.Getpid()}
}

// Run starts the worker and restarts it after every exit until ctx is
// cancelled, which stops the current worker (SIGTERM, then SIGKILL after
// StopTimeout) and returns nil. A non-nil error means this process lost the
// single active generation guarantee and must exit.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	for first := true; ; first = false {
		if ctx.Err() != nil {
			return nil
		}
		if !first {
			s.mu.Lock()
			s.restarts++
			s.mu.Unlock()
			metrics.IncRestart(s.cfg.Identity)
		}
		if err := s.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		t := time.NewTimer(s.cfg.RespawnDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (s *Supervisor) command(child *os.File) *exec.Cmd {
	rec := s.gen.Record()
	cmd := exec.Command(s.cfg.Executable, s.cfg.Args...)
	cmd.Env = env.FromOS().
		SetAll(s.cfg.Env).
		Set(generation.EnvRole, generation.RoleWorker).
		SetAll(rec.Environ()).
		List()
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{child} // fd 3 == control.ChildFD
	// Own process group: terminal signals reach the supervisor only.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// runOnce starts one worker and serves it until it exits. Start failures are
// logged and reported as a finished run.
func (s *Supervisor) runOnce(ctx context.Context) error {
	conn, child, err := control.Pair()
	if err != nil {
		metrics.IncSpawnFailure(s.cfg.Identity)
		slog.Error("failed to create control channel", "error", err)
		return nil
	}
	defer func() { _ = conn.Close() }()

	cmd := s.command(child)
	err = cmd.Start()
	_ = child.Close()
	if err != nil {
		metrics.IncSpawnFailure(s.cfg.Identity)
		slog.Error("failed to start worker", "executable", s.cfg.Executable, "error", err)
		return nil
	}
	pid := cmd.Process.Pid
	s.setWorker(cmd.Process)
	metrics.IncSpawn(s.cfg.Identity)
	slog.Info("worker started", "pid", pid, "generation", s.gen.Record().Number)
	if s.hooks.OnSpawn != nil {
		s.hooks.OnSpawn(pid)
	}

	exited := make(chan struct{})
	go s.stopOnCancel(ctx, cmd.Process, exited)

	serveErr := conn.Serve(func(t control.Token) (control.Token, error) {
		return s.handle(ctx, t)
	})
	if serveErr != nil {
		if !errors.Is(serveErr, errShutdown) {
			slog.Error("control channel failed, killing worker", "pid", pid, "error", serveErr)
		}
		_ = cmd.Process.Kill()
		_ = conn.Close()
	}

	_ = cmd.Wait()
	close(exited)
	s.setWorker(nil)

	e := process.ExitOf(cmd.ProcessState)
	slog.Info("worker exited", "pid", pid, "status", e.Describe(), "code", e.Code, "signal", e.Signal)
	metrics.IncExit(s.cfg.Identity, e.Describe())
	if s.hooks.OnExit != nil {
		s.hooks.OnExit(pid, e)
	}

	if serveErr != nil && !errors.Is(serveErr, errShutdown) {
		return serveErr
	}
	return nil
}

func (s *Supervisor) handle(ctx context.Context, t control.Token) (control.Token, error) {
	if result, pid, ok := control.ParseReloadReport(t); ok {
		metrics.IncToken(s.cfg.Identity, "reload")
		metrics.IncReload(s.cfg.Identity, result)
		slog.Debug("worker reported reload", "result", result, "pid", pid)
		if s.hooks.OnReload != nil {
			s.hooks.OnReload(result, pid)
		}
		return "", nil
	}
	metrics.IncToken(s.cfg.Identity, string(t))
	switch t {
	case control.Ping:
		return control.Pong, nil
	case control.Takeover:
		prev := s.gen.Record()
		if err := s.gen.Takeover(ctx, s.self); err != nil {
			metrics.IncTakeover(s.cfg.Identity, "failed")
			return "", fmt.Errorf("generation takeover: %w", err)
		}
		cur := s.gen.Record()
		metrics.SetGeneration(s.cfg.Identity, cur.Number)
		if cur != prev {
			metrics.IncTakeover(s.cfg.Identity, "ok")
			if s.hooks.OnTakeover != nil {
				s.hooks.OnTakeover(prev, cur)
			}
		}
		return control.OK, nil
	case control.Shutdown:
		slog.Info("worker requested shutdown")
		return "", errShutdown
	default:
		slog.Warn("unknown control token", "token", string(t))
		return "", nil
	}
}

// stopOnCancel forwards the quit request to the worker.
func (s *Supervisor) stopOnCancel(ctx context.Context, p *os.Process, exited <-chan struct{}) {
	select {
	case <-exited:
		return
	case <-ctx.Done():
	}
	slog.Info("stopping worker", "pid", p.Pid)
	_ = p.Signal(syscall.SIGTERM)
	t := time.NewTimer(s.cfg.StopTimeout)
	defer t.Stop()
	select {
	case <-exited:
	case <-t.C:
		slog.Warn("worker ignored graceful stop, killing it", "pid", p.Pid, "timeout", s.cfg.StopTimeout)
		_ = p.Kill()
	}
}

func (s *Supervisor) setWorker(p *os.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.worker = p
	if p != nil {
		s.workerStarted = time.Now()
	} else {
		s.workerStarted = time.Time{}
	}
}

// SignalWorker delivers sig to the current worker, if any.
func (s *Supervisor) SignalWorker(sig os.Signal) error {
	s.mu.Lock()
	p := s.worker
	s.mu.Unlock()
	if p == nil {
		return errors.New("no worker running")
	}
	return p.Signal(sig)
}

// Snapshot returns the current status.
func (s *Supervisor) Snapshot() Status {
	rec := s.gen.Record()
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Identity:        s.cfg.Identity,
		PID:             s.self,
		ActivePID:       rec.ActivePID,
		Generation:      rec.Number,
		Active:          s.gen.Held(s.self),
		WorkerStartedAt: s.workerStarted,
		Restarts:        s.restarts,
		StartedAt:       s.started,
	}
	if s.worker != nil {
		st.WorkerPID = s.worker.Pid
	}
	return st
}
