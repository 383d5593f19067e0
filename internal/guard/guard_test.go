package guard

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/daemonkit/internal/lockfile"
)

const helperEnv = "GUARD_TEST_HOLDER"

// TestMain turns the test binary into a lock holder when helperEnv is set:
// it acquires the guard, reports on stdout and sleeps until killed.
func TestMain(m *testing.M) {
	if dir := os.Getenv(helperEnv); dir != "" {
		if _, err := Acquire(dir, "svc"); err != nil {
			fmt.Println("error:", err)
			os.Exit(2)
		}
		fmt.Println("locked")
		time.Sleep(time.Minute)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func startHolder(t *testing.T, dir string) *exec.Cmd {
	t.Helper()
	cmd := exec.Command(os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(), helperEnv+"="+dir)
	out, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	})

	buf := make([]byte, 64)
	n, _ := out.Read(buf)
	require.Equal(t, "locked", strings.TrimSpace(string(buf[:n])))
	return cmd
}

func TestAcquireExcludesSecondInstance(t *testing.T) {
	dir := t.TempDir()
	holder := startHolder(t, dir)

	_, err := Acquire(dir, "svc")
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Contains(t, err.Error(), fmt.Sprintf("pid %d", holder.Process.Pid))

	// Killing the holder releases the lock without any cleanup on its side.
	require.NoError(t, holder.Process.Kill())
	_ = holder.Wait()

	l, err := Acquire(dir, "svc")
	require.NoError(t, err)
	assert.Equal(t, Path(dir, "svc"), l.Path())
	pid, err := lockfile.ReadPID(Path(dir, "svc"))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestAcquireIsIdempotentInProcess(t *testing.T) {
	dir := t.TempDir()
	a, err := Acquire(dir, "one")
	require.NoError(t, err)
	b, err := Acquire(dir, "one")
	require.NoError(t, err)
	assert.Same(t, a, b)

	_, err = lockfile.TryLock(Path(dir, "one"))
	assert.ErrorIs(t, err, lockfile.ErrLocked)
}

func TestAcquireRejectsEmptyIdentity(t *testing.T) {
	_, err := Acquire(t.TempDir(), "")
	assert.Error(t, err)
}
