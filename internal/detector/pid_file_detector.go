package detector

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/loykin/daemonkit/internal/lockfile"
	"github.com/loykin/daemonkit/internal/process"
)

// Report is what a pid file says about its daemon.
type Report struct {
	PIDFile   string     `json:"pid_file"`
	PID       int        `json:"pid,omitempty"`
	Running   bool       `json:"running"`
	Locked    bool       `json:"locked"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// Stale reports a pid file left behind by a daemon that is gone.
func (r Report) Stale() bool { return !r.Running && r.PID != 0 }

// PIDFileDetector detects a daemon through its locked pid file. A pid file
// whose lock is free is stale, whatever pid it names.
type PIDFileDetector struct {
	PIDFile string
}

// Inspect reads the pid file without disturbing its holder.
func (d PIDFileDetector) Inspect() (Report, error) {
	r := Report{PIDFile: d.PIDFile}
	if _, err := os.Stat(d.PIDFile); errors.Is(err, os.ErrNotExist) {
		return r, nil
	}
	trial, err := lockfile.TryLock(d.PIDFile)
	switch {
	case errors.Is(err, lockfile.ErrLocked):
		r.Locked = true
	case err != nil:
		return r, err
	default:
		_ = trial.Close()
	}

	pid, err := lockfile.ReadPID(d.PIDFile)
	if err != nil {
		// An empty unlocked file is what a clean shutdown leaves.
		if r.Locked {
			return r, err
		}
		return r, nil
	}
	r.PID = pid
	r.Running = r.Locked && process.Exists(pid)
	if r.Running {
		if t := process.StartTime(pid); !t.IsZero() {
			r.StartedAt = &t
		}
	}
	return r, nil
}

func (d PIDFileDetector) Alive() (bool, error) {
	r, err := d.Inspect()
	return r.Running, err
}

func (d PIDFileDetector) Describe() string { return "pidfile:" + d.PIDFile }

// PIDDetector detects by a provided PID number.
type PIDDetector struct{ PID int }

func (d PIDDetector) Alive() (bool, error) { return process.Exists(d.PID), nil }
func (d PIDDetector) Describe() string     { return fmt.Sprintf("pid:%d", d.PID) }
