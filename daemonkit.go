// Package daemonkit runs a long-lived program as a supervised daemon with
// zero-downtime reloads, and keeps scripts from running twice.
//
// A daemon is one executable playing two roles. The supervisor holds the
// single-instance lock, starts the worker and restarts it whenever it exits.
// The worker runs the user's code. SIGHUP to the worker starts a new
// generation of the whole program, which evicts the old one once its own
// worker is ready.
package daemonkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"

	"github.com/loykin/daemonkit/internal/config"
	"github.com/loykin/daemonkit/internal/generation"
	"github.com/loykin/daemonkit/internal/guard"
	"github.com/loykin/daemonkit/internal/history"
	"github.com/loykin/daemonkit/internal/history/factory"
	"github.com/loykin/daemonkit/internal/lockfile"
	"github.com/loykin/daemonkit/internal/logger"
	"github.com/loykin/daemonkit/internal/metrics"
	"github.com/loykin/daemonkit/internal/process"
	"github.com/loykin/daemonkit/internal/server"
	"github.com/loykin/daemonkit/internal/supervisor"
	"github.com/loykin/daemonkit/internal/tls"
	"github.com/loykin/daemonkit/internal/worker"
)

// Re-export core types for external consumers.

type Worker = worker.Worker

type Runtime = worker.Runtime

type Config = config.Config

type Options = config.Options

type Logger = logger.Logger

type Status = supervisor.Status

type Record = generation.Record

var (
	ErrAlreadyRunning      = guard.ErrAlreadyRunning
	ErrDuplicateGeneration = generation.ErrDuplicateGeneration
)

// Guard makes sure only one copy of a script runs: it locks
// <pidDir>/<identity>.pid for the life of the process or fails with
// ErrAlreadyRunning.
func Guard(pidDir, identity string) error {
	_, err := guard.Acquire(pidDir, identity)
	return err
}

// App is a supervised daemon.
type App struct {
	// Name identifies the daemon; daemon.name in the configuration wins.
	// Defaults to the executable's base name.
	Name   string
	Worker Worker

	// Config, when nil, is loaded from ConfigPath, DAEMONKIT_* variables and
	// Flags.
	Config     *Config
	ConfigPath string
	Flags      *pflag.FlagSet

	// Args are passed to every re-executed process. Defaults to os.Args[1:].
	Args []string
	// Output receives logs when no log file is configured. Defaults to stderr.
	Output io.Writer

	opts *Options
}

func (a *App) load() error {
	if a.Config != nil {
		return nil
	}
	cfg, opts, err := config.Load(a.ConfigPath, a.Flags)
	if err != nil {
		return err
	}
	a.Config, a.opts = cfg, opts
	return nil
}

// Options returns the merged option accessor, nil when Config was given
// directly.
func (a *App) Options() *Options { return a.opts }

// Identity is the name used for the pid file, metrics and history.
func (a *App) Identity() string {
	if a.Config != nil && a.Config.Daemon.Name != "" {
		return a.Config.Daemon.Name
	}
	if a.Name != "" {
		return a.Name
	}
	exe, err := os.Executable()
	if err != nil {
		return filepath.Base(os.Args[0])
	}
	return filepath.Base(exe)
}

// PIDFile returns the pid file path, empty in no-pid-file mode.
func (a *App) PIDFile() string {
	if err := a.load(); err != nil {
		return ""
	}
	if a.Config.Daemon.NoPIDFile {
		return ""
	}
	return guard.Path(a.Config.Daemon.PIDDir, a.Identity())
}

// Run runs the role this process was started in and returns when it is
// over. A supervisor returns nil after a quit signal or after a newer
// generation took over; a non-nil error means it must exit non-zero.
func (a *App) Run(ctx context.Context) error {
	if a.Worker == nil {
		return errors.New("daemonkit: App.Worker is nil")
	}
	if err := a.load(); err != nil {
		return err
	}
	cfg := a.Config
	id := a.Identity()

	out := a.Output
	if out == nil {
		out = os.Stderr
	}
	log, err := logger.New(cfg.Log, out)
	if err != nil {
		return err
	}
	role := "supervisor"
	if generation.IsWorker() {
		role = "worker"
	}
	log = log.With("identity", id, "role", role)
	log.Install()

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve executable: %w", err)
	}
	args := a.Args
	if args == nil {
		args = os.Args[1:]
	}

	if generation.IsWorker() {
		return a.runWorker(ctx, log, exe, args)
	}

	// Metrics and history belong to the supervisor, which serves them and
	// hears every reload its worker reports.
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	rec, closeHistory := a.history(log, id)
	defer closeHistory()

	return a.runSupervisor(ctx, log, rec, exe, args)
}

// history returns the event recorder and a func that flushes it and closes
// its sink.
func (a *App) history(log *logger.Logger, id string) (*history.Recorder, func()) {
	dsn := a.Config.History.DSN
	if dsn == "" {
		return nil, func() {}
	}
	sink, err := factory.NewSinkFromDSN(dsn)
	if err != nil {
		log.Warning("history disabled", "error", err)
		return nil, func() {}
	}
	rec := history.NewRecorder(sink, id)
	return rec, func() {
		rec.Close()
		if c, ok := sink.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

func (a *App) runWorker(ctx context.Context, log *logger.Logger, exe string, args []string) error {
	cfg := a.Config
	lockPath := ""
	if !cfg.Daemon.NoPIDFile {
		lockPath = guard.Path(cfg.Daemon.PIDDir, a.Identity())
	}
	return worker.Run(ctx, a.Worker, worker.Options{
		Identity:      a.Identity(),
		Executable:    exe,
		Args:          args,
		LockPath:      lockPath,
		ReloadTimeout: cfg.Daemon.ReloadTimeout,
		Logger:        log,
	})
}

func (a *App) runSupervisor(ctx context.Context, log *logger.Logger, rec *history.Recorder, exe string, args []string) error {
	cfg := a.Config
	id := a.Identity()
	self := os.Getpid()

	inherited, fromReload, err := generation.FromEnv()
	if err != nil {
		return err
	}
	lockPath := ""
	if !cfg.Daemon.NoPIDFile {
		lockPath = guard.Path(cfg.Daemon.PIDDir, id)
	}
	gen := generation.New(generation.Options{Path: lockPath, LockTimeout: cfg.Daemon.LockTimeout}, inherited)
	if !fromReload {
		var held *lockfile.Lock
		if lockPath != "" {
			if held, err = guard.Acquire(cfg.Daemon.PIDDir, id); err != nil {
				return err
			}
		}
		gen.Adopt(held, self)
	}
	metrics.SetGeneration(id, gen.Record().Number)

	extraEnv, err := cfg.Daemon.Environ()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	admin := &adminServer{cfg: cfg.Admin, metrics: cfg.Metrics.Enabled}
	defer admin.shutdown()

	var sup *supervisor.Supervisor
	sup = supervisor.New(supervisor.Config{
		Identity:     id,
		Executable:   exe,
		Args:         args,
		Env:          extraEnv,
		RespawnDelay: cfg.Daemon.RespawnDelay,
		StopTimeout:  cfg.Daemon.StopTimeout,
	}, gen, supervisor.Hooks{
		OnSpawn: func(pid int) {
			rec.Record(history.EventSpawn, pid, gen.Record().Number, "")
		},
		OnExit: func(pid int, e process.Exit) {
			rec.Record(history.EventExit, pid, gen.Record().Number, e.Describe())
		},
		OnReload: func(result string, pid int) {
			rec.Record(history.EventReload, pid, gen.Record().Number, result)
		},
		OnTakeover: func(prev, cur generation.Record) {
			log.Notice("generation took over", "previous_pid", prev.ActivePID, "generation", cur.Number)
			rec.Record(history.EventTakeover, self, cur.Number, fmt.Sprintf("previous_pid=%d", prev.ActivePID))
			go admin.start(ctx, sup)
		},
	})
	if gen.Held(self) {
		admin.start(ctx, sup)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := sup.SignalWorker(syscall.SIGHUP); err != nil {
					log.Warning("cannot forward reload to worker", "error", err)
				}
			}
		}
	}()

	r := gen.Record()
	log.Notice("supervisor started", "pid", self, "generation", r.Number, "active_pid", r.ActivePID, "pid_file", lockPath)
	if err := sup.Run(ctx); err != nil {
		return err
	}
	log.Info("supervisor stopped", "pid", self)
	return nil
}

// adminServer is started at most once, by whichever path first finds this
// process holding the generation.
type adminServer struct {
	cfg     config.AdminConfig
	metrics bool

	mu      sync.Mutex
	started bool
	srv     *http.Server
}

func (s *adminServer) start(ctx context.Context, src server.Source) {
	if s.cfg.Listen == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	tlsCfg, err := tls.Setup(s.cfg.TLS)
	if err != nil {
		slog.Warn("admin server not started", "error", err)
		return
	}
	srv, _, err := server.NewServer(ctx, s.cfg.Listen, server.NewRouter(src, s.cfg.BasePath, s.metrics), tlsCfg)
	if err != nil {
		slog.Warn("admin server not started", "error", err)
		return
	}
	s.srv = srv
}

func (s *adminServer) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
	s.srv = nil
}
