package generation

import (
	"fmt"
	"os"
	"strconv"
)

// Environment variables that cross the exec boundary. They are the only
// state a re-executed program inherits from its predecessor.
const (
	EnvRole       = "DAEMONKIT_ROLE"
	EnvActivePID  = "DAEMONKIT_ACTIVE_PID"
	EnvGeneration = "DAEMONKIT_GENERATION"

	RoleWorker = "worker"
)

// Record identifies the active generation: the pid of the supervisor holding
// the generation lock and a counter that grows by one on every takeover.
type Record struct {
	ActivePID int    `json:"active_pid"`
	Number    uint64 `json:"generation"`
}

// TakeoverNeeded reports whether self must evict another generation before
// it may serve.
func (r Record) TakeoverNeeded(self int) bool {
	return r.ActivePID != 0 && r.ActivePID != self
}

// Advance records self as the new active generation after a takeover.
// It is a no-op when no takeover was needed.
func (r *Record) Advance(self int) {
	if !r.TakeoverNeeded(self) {
		return
	}
	r.ActivePID = self
	r.Number++
}

// Environ renders the record as "K=V" entries for a child environment.
func (r Record) Environ() []string {
	return []string{
		EnvActivePID + "=" + strconv.Itoa(r.ActivePID),
		EnvGeneration + "=" + strconv.FormatUint(r.Number, 10),
	}
}

// Parse reads a record through lookup. ok is false when no record is present.
func Parse(lookup func(string) (string, bool)) (rec Record, ok bool, err error) {
	pidStr, hasPID := lookup(EnvActivePID)
	genStr, hasGen := lookup(EnvGeneration)
	if !hasPID && !hasGen {
		return Record{}, false, nil
	}
	if !hasPID || !hasGen {
		return Record{}, false, fmt.Errorf("incomplete generation record: %s=%q %s=%q", EnvActivePID, pidStr, EnvGeneration, genStr)
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return Record{}, false, fmt.Errorf("invalid %s %q", EnvActivePID, pidStr)
	}
	n, err := strconv.ParseUint(genStr, 10, 64)
	if err != nil || n == 0 {
		return Record{}, false, fmt.Errorf("invalid %s %q", EnvGeneration, genStr)
	}
	return Record{ActivePID: pid, Number: n}, true, nil
}

// FromEnv reads the record inherited from the process environment.
func FromEnv() (Record, bool, error) { return Parse(os.LookupEnv) }

// IsWorker reports whether this process was started as a worker.
func IsWorker() bool { return os.Getenv(EnvRole) == RoleWorker }
