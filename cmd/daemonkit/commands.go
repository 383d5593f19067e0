package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/daemonkit"
	"github.com/loykin/daemonkit/internal/config"
	"github.com/loykin/daemonkit/internal/detector"
	"github.com/loykin/daemonkit/internal/generation"
	"github.com/loykin/daemonkit/internal/guard"
	"github.com/loykin/daemonkit/internal/lockfile"
	"github.com/loykin/daemonkit/internal/process"
)

const defaultName = "daemonkit"

// exitError carries a specific process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// errNotRunning maps to the LSB "program is not running" status.
var errNotRunning = &exitError{code: 3, err: errors.New("not running")}

// errUnhealthy maps to the LSB "status is unknown" code.
var errUnhealthy = &exitError{code: 4, err: errors.New("health check failed")}

// target is the daemon instance a control command talks to.
type target struct {
	name    string
	pidFile string
	cfg     *config.Config
}

func resolveTarget(g *GlobalFlags, cmd *cobra.Command) (target, error) {
	cfg, _, err := config.Load(g.ConfigPath, cmd.Root().PersistentFlags())
	if err != nil {
		return target{}, err
	}
	name := cfg.Daemon.Name
	if name == "" {
		name = defaultName
	}
	t := target{name: name, cfg: cfg}
	if !cfg.Daemon.NoPIDFile {
		t.pidFile = guard.Path(cfg.Daemon.PIDDir, name)
	}
	return t, nil
}

// createRunCommand creates the run subcommand: the demo heartbeat daemon.
func createRunCommand(g *GlobalFlags, f *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the heartbeat daemon under supervision",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, inherited, _ := generation.FromEnv()
			if f.Detach && !generation.IsWorker() && !inherited {
				pid, err := detach(os.Args[1:], f.LogFile)
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "daemon started with pid %d\n", pid)
				return nil
			}
			app := &daemonkit.App{
				Name:       defaultName,
				Worker:     &heartbeat{interval: f.Beat},
				ConfigPath: g.ConfigPath,
				Flags:      cmd.Root().PersistentFlags(),
			}
			return app.Run(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&f.Detach, "detach", false, "start in the background and return")
	cmd.Flags().StringVar(&f.LogFile, "detach-log", "", "stdout/stderr of the detached daemon (default /dev/null)")
	cmd.Flags().DurationVar(&f.Beat, "beat", 5*time.Second, "heartbeat interval")
	return cmd
}

// daemonStatus is what status reports about one instance.
type daemonStatus struct {
	Name string `json:"name"`
	detector.Report
	Healthy *bool             `json:"healthy,omitempty"`
	Admin   *daemonkit.Status `json:"admin,omitempty"`
}

func inspect(name, pidFile string) (daemonStatus, error) {
	r, err := detector.PIDFileDetector{PIDFile: pidFile}.Inspect()
	return daemonStatus{Name: name, Report: r}, err
}

func printStatus(w io.Writer, st daemonStatus) {
	if !st.Running {
		if st.Stale() {
			_, _ = fmt.Fprintf(w, "%s: not running (stale pid file %s names pid %d)\n", st.Name, st.PIDFile, st.PID)
		} else {
			_, _ = fmt.Fprintf(w, "%s: not running\n", st.Name)
		}
		return
	}
	_, _ = fmt.Fprintf(w, "%s: running, pid %d", st.Name, st.PID)
	if st.StartedAt != nil {
		_, _ = fmt.Fprintf(w, ", started %s", st.StartedAt.Format(time.RFC3339))
	}
	_, _ = fmt.Fprintln(w)
	if st.Healthy != nil && !*st.Healthy {
		_, _ = fmt.Fprintf(w, "  health check failed\n")
	}
	if a := st.Admin; a != nil {
		_, _ = fmt.Fprintf(w, "  generation %d, worker pid %d, restarts %d\n", a.Generation, a.WorkerPID, a.Restarts)
	}
}

// createStatusCommand creates the status subcommand.
func createStatusCommand(g *GlobalFlags, f *StatusFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show whether the daemon is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := resolveTarget(g, cmd)
			if err != nil {
				return err
			}
			if t.pidFile == "" {
				return errors.New("status needs a pid file; --no-pid-file is set")
			}
			st, err := inspect(t.name, t.pidFile)
			if err != nil {
				return err
			}
			if st.Running && f.APIUrl != "" {
				a, err := NewAPIClient(f.APIUrl, 0).Status()
				if err != nil {
					return err
				}
				st.Admin = &a
			}
			if st.Running && f.Check != "" {
				ok, err := detector.CommandDetector{Command: f.Check}.Alive()
				if err != nil {
					return err
				}
				st.Healthy = &ok
			}
			if f.JSON {
				printJSON(cmd.OutOrStdout(), st)
			} else {
				printStatus(cmd.OutOrStdout(), st)
			}
			if !st.Running {
				return errNotRunning
			}
			if st.Healthy != nil && !*st.Healthy {
				return errUnhealthy
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&f.JSON, "json", false, "print JSON")
	cmd.Flags().StringVar(&f.Check, "check", "", "health command that must exit 0 while the daemon is serving")
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "admin API base URL for generation details")
	return cmd
}

// runningPID returns the pid of the live holder of t's pid file.
func runningPID(t target) (int, error) {
	if t.pidFile == "" {
		return 0, errors.New("no pid file; --no-pid-file is set")
	}
	st, err := inspect(t.name, t.pidFile)
	if err != nil {
		return 0, err
	}
	if !st.Running {
		return 0, errNotRunning
	}
	return st.PID, nil
}

// createReloadCommand creates the reload subcommand.
func createReloadCommand(g *GlobalFlags, f *ReloadFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Start a new generation of the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if f.APIUrl != "" {
				if err := NewAPIClient(f.APIUrl, f.APITimeout).Reload(); err != nil {
					return err
				}
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), "reload requested")
				return nil
			}
			t, err := resolveTarget(g, cmd)
			if err != nil {
				return err
			}
			pid, err := runningPID(t)
			if err != nil {
				return err
			}
			// The supervisor relays SIGHUP to its worker.
			if err := process.Signal(pid, syscall.SIGHUP); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "reload requested (pid %d)\n", pid)
			return nil
		},
	}
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "use the admin API instead of a signal")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "admin API timeout")
	return cmd
}

// stopPID sends the graceful-stop signal and optionally waits for exit.
func stopPID(ctx context.Context, pid int, wait time.Duration) error {
	if err := process.Terminate(pid); err != nil {
		return err
	}
	if wait <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	t := time.NewTicker(50 * time.Millisecond)
	defer t.Stop()
	for process.Exists(pid) {
		select {
		case <-ctx.Done():
			return fmt.Errorf("pid %d still running after %v", pid, wait)
		case <-t.C:
		}
	}
	return nil
}

// createStopCommand creates the stop subcommand.
func createStopCommand(g *GlobalFlags, f *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the running daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := resolveTarget(g, cmd)
			if err != nil {
				return err
			}
			pid, err := runningPID(t)
			if errors.Is(err, errNotRunning) {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: not running\n", t.name)
				return nil
			}
			if err != nil {
				return err
			}
			if err := stopPID(cmd.Context(), pid, f.Wait); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s: stop requested (pid %d)\n", t.name, pid)
			return nil
		},
	}
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "wait up to this long for the daemon to exit")
	return cmd
}

// createLockCommand creates the lock subcommand: run a command under the
// single-instance guard.
func createLockCommand(g *GlobalFlags, f *LockFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock -- command [args...]",
		Short: "Run a command unless another copy holds the same lock",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := resolveTarget(g, cmd)
			if err != nil {
				return err
			}
			if t.pidFile == "" {
				return errors.New("lock needs a pid file; --no-pid-file is set")
			}
			release, err := lockFor(cmd.Context(), t, f.Wait)
			if err != nil {
				return err
			}
			defer release()
			return runGuarded(cmd, args)
		},
	}
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "wait up to this long for the lock instead of failing")
	return cmd
}

func lockFor(ctx context.Context, t target, wait time.Duration) (func(), error) {
	if wait <= 0 {
		if _, err := guard.Acquire(t.cfg.Daemon.PIDDir, t.name); err != nil {
			return nil, err
		}
		return func() {}, nil
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	l, err := lockfile.LockContext(ctx, t.pidFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", daemonkit.ErrAlreadyRunning, t.pidFile, err)
	}
	if err := l.WritePID(os.Getpid()); err != nil {
		_ = l.Close()
		return nil, err
	}
	return func() { _ = l.Close() }, nil
}

// runGuarded runs args with the caller's stdio, forwarding termination
// signals, and reports the child's exit status.
func runGuarded(cmd *cobra.Command, args []string) error {
	child := exec.Command(args[0], args[1:]...)
	child.Stdin = os.Stdin
	child.Stdout = cmd.OutOrStdout()
	child.Stderr = cmd.ErrOrStderr()
	if err := child.Start(); err != nil {
		return err
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case s := <-sigs:
				_ = child.Process.Signal(s)
			}
		}
	}()

	err := child.Wait()
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		code := process.ExitOf(ee.ProcessState).Code
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			code = 128 + int(ws.Signal())
		}
		return &exitError{code: code, err: fmt.Errorf("%s: %s", args[0], ee)}
	}
	return err
}
