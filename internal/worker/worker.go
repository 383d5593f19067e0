// Package worker is the worker side of a supervised daemon. It keeps the
// control channel to the supervisor, turns SIGHUP into hot reloads and
// SIGTERM into a graceful shutdown, and hands a Runtime to the user's code.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/daemonkit/internal/control"
	"github.com/loykin/daemonkit/internal/generation"
	"github.com/loykin/daemonkit/internal/logger"
	"github.com/loykin/daemonkit/internal/reload"
)

// Worker is implemented by the daemon's own code.
type Worker interface {
	// SupervisedProcess is the main loop. It should call rt.PingSupervisor
	// periodically and return once ctx is cancelled.
	SupervisedProcess(ctx context.Context, rt *Runtime) error
	// SupervisedShutdown is called when the worker receives SIGTERM, before
	// ctx is cancelled.
	SupervisedShutdown()
}

// Options configure Run.
type Options struct {
	Identity      string
	Executable    string
	Args          []string
	LockPath      string // empty in no-pid-file mode
	ReloadTimeout time.Duration
	Logger        *logger.Logger
	// OnReload observes reload attempts started from this worker. Every
	// attempt is also reported to the supervisor over the control channel.
	OnReload func(result string, pid int)
}

// Runtime is the worker's handle on its supervisor.
type Runtime struct {
	conn       *control.Conn
	log        *logger.Logger
	supervisor int
	coord      *reload.Coordinator

	mu  sync.Mutex
	rec generation.Record
}

// PingSupervisor checks that the supervisor is alive. Losing the channel is
// fatal: the worker logs at error level and exits.
func (rt *Runtime) PingSupervisor() error {
	err := rt.conn.Ping()
	if errors.Is(err, control.ErrClosed) {
		rt.log.Error("lost connection to supervisor", "supervisor", rt.supervisor, "error", err)
	}
	return err
}

// ReadyToTakeOver asks the supervisor to evict the previous generation. It
// blocks until the takeover is done and is a no-op in the first generation.
func (rt *Runtime) ReadyToTakeOver() error {
	if err := rt.conn.Takeover(); err != nil {
		return fmt.Errorf("takeover: %w", err)
	}
	rt.mu.Lock()
	prev := rt.rec
	rt.rec.Advance(rt.supervisor)
	cur := rt.rec
	rt.mu.Unlock()
	if cur != prev {
		rt.log.Notice("took over from previous generation", "previous_pid", prev.ActivePID, "generation", cur.Number)
	}
	return nil
}

// RequestShutdown asks the supervisor to kill this worker. The supervisor
// starts a fresh one afterwards.
func (rt *Runtime) RequestShutdown() error {
	return rt.conn.Send(control.Shutdown)
}

// Generation returns the generation record as this worker knows it.
func (rt *Runtime) Generation() generation.Record {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.rec
}

// Supervisor returns the pid of the supervisor that started this worker.
func (rt *Runtime) Supervisor() int { return rt.supervisor }

// Reload starts a new generation, as SIGHUP would.
func (rt *Runtime) Reload() (int, error) { return rt.coord.Reload() }

// ReloadState exposes the reload in flight, if any.
func (rt *Runtime) ReloadState() *reload.State { return rt.coord.State() }

// Run is the worker branch of a daemon. It expects the control channel on
// control.ChildFD and the generation record in the environment.
func Run(ctx context.Context, w Worker, opts Options) error {
	rec, ok, err := generation.FromEnv()
	if err != nil {
		return err
	}
	if !ok {
		return errors.New("worker started without a generation record")
	}
	conn, err := control.FromFD(control.ChildFD)
	if err != nil {
		return fmt.Errorf("open control channel: %w", err)
	}

	hup := make(chan os.Signal, 1)
	term := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	signal.Notify(term, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(hup)
	defer signal.Stop(term)

	return run(ctx, w, opts, conn, rec, os.Getppid(), hup, term)
}

func run(ctx context.Context, w Worker, opts Options, conn *control.Conn, rec generation.Record,
	supervisor int, hup, term <-chan os.Signal) error {
	defer func() { _ = conn.Close() }()

	log := opts.Logger
	if log == nil {
		log = logger.FromSlog(slog.Default())
	}
	rt := &Runtime{conn: conn, log: log, supervisor: supervisor, rec: rec}
	rt.coord = reload.New(reload.Config{
		Identity:   opts.Identity,
		Executable: opts.Executable,
		Args:       opts.Args,
		Timeout:    opts.ReloadTimeout,
		LockPath:   opts.LockPath,
		Supervisor: supervisor,
		Record:     rt.Generation,
		OnEvent: func(result string, pid int) {
			if err := conn.ReportReload(result, pid); err != nil {
				log.Debug("failed to report reload to supervisor", "result", result, "error", err)
			}
			if opts.OnReload != nil {
				opts.OnReload(result, pid)
			}
		},
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	defer close(done)

	go rt.coord.Watch(done, hup)
	go func() {
		select {
		case <-done:
		case sig := <-term:
			log.Info("worker stopping", "signal", sig.String())
			w.SupervisedShutdown()
			rt.coord.Stop()
			cancel()
		}
	}()

	log.Debug("worker running", "supervisor", supervisor, "generation", rec.Number)
	return w.SupervisedProcess(ctx, rt)
}
