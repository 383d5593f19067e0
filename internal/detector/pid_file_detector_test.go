package detector

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/daemonkit/internal/lockfile"
)

// Interface conformance
var (
	_ Detector = PIDFileDetector{}
	_ Detector = PIDDetector{}
	_ Detector = CommandDetector{}
)

func TestPIDFileDetectorMissingFile(t *testing.T) {
	d := PIDFileDetector{PIDFile: filepath.Join(t.TempDir(), "none.pid")}
	r, err := d.Inspect()
	require.NoError(t, err)
	assert.False(t, r.Running)
	assert.False(t, r.Stale())
	assert.Equal(t, "pidfile:"+d.PIDFile, d.Describe())
}

func TestPIDFileDetectorHeldLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	l, err := lockfile.TryLock(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	require.NoError(t, l.WritePID(os.Getpid()))

	d := PIDFileDetector{PIDFile: path}
	r, err := d.Inspect()
	require.NoError(t, err)
	assert.True(t, r.Locked)
	assert.True(t, r.Running)
	assert.Equal(t, os.Getpid(), r.PID)
	require.NotNil(t, r.StartedAt)

	alive, err := d.Alive()
	require.NoError(t, err)
	assert.True(t, alive)

	// The check must not have released the holder's lock.
	_, err = lockfile.TryLock(path)
	assert.ErrorIs(t, err, lockfile.ErrLocked)
}

func TestPIDFileDetectorStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "d.pid")
	// A live pid in an unlocked file is still stale.
	require.NoError(t, os.WriteFile(path, []byte("1\n"), 0o644))

	r, err := PIDFileDetector{PIDFile: path}.Inspect()
	require.NoError(t, err)
	assert.False(t, r.Locked)
	assert.False(t, r.Running)
	assert.True(t, r.Stale())
	assert.Equal(t, 1, r.PID)

	require.NoError(t, os.WriteFile(path, nil, 0o644))
	r, err = PIDFileDetector{PIDFile: path}.Inspect()
	require.NoError(t, err)
	assert.False(t, r.Stale(), "an empty released file is a clean shutdown")
}

func TestPIDDetector(t *testing.T) {
	cmd := exec.Command("sleep", "5")
	require.NoError(t, cmd.Start())
	d := PIDDetector{PID: cmd.Process.Pid}

	alive, err := d.Alive()
	require.NoError(t, err)
	assert.True(t, alive)

	_ = cmd.Process.Kill()
	_ = cmd.Wait()
	alive, err = d.Alive()
	require.NoError(t, err)
	assert.False(t, alive)
	assert.Contains(t, d.Describe(), "pid:")
}
