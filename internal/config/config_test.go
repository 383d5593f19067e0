package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, data string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(data), 0o644))
	return p
}

func testFlags() *pflag.FlagSet {
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("pid-dir", "", "")
	fs.Bool("no-pid-file", false, "")
	fs.Duration("respawn-delay", 0, "")
	fs.String("log-level", "", "")
	return fs
}

func TestLoadDefaults(t *testing.T) {
	cfg, opts, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, os.TempDir(), cfg.Daemon.PIDDir)
	assert.Equal(t, time.Second, cfg.Daemon.RespawnDelay)
	assert.Equal(t, 30*time.Second, cfg.Daemon.StopTimeout)
	assert.Equal(t, 60*time.Second, cfg.Daemon.ReloadTimeout)
	assert.Equal(t, 5*time.Second, cfg.Daemon.LockTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Daemon.NoPIDFile)
	assert.False(t, opts.Bool("no-pid-file"))
}

func TestLoadFromTOML(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "daemon.toml", `
[daemon]
name = "web"
pid_dir = "`+dir+`"
no_pid_file = true
respawn_delay = "250ms"
reload_timeout = "10s"

[log]
level = "notice"
file = "`+filepath.Join(dir, "web.log")+`"
max_size = 5

[admin]
listen = "127.0.0.1:9090"

[admin.tls]
enabled = true
dir = "`+filepath.Join(dir, "tls")+`"
auto_generate = true

[history]
dsn = "sqlite://`+filepath.Join(dir, "h.db")+`"
`)
	cfg, opts, err := Load(p, nil)
	require.NoError(t, err)
	assert.Equal(t, "web", cfg.Daemon.Name)
	assert.Equal(t, dir, cfg.Daemon.PIDDir)
	assert.True(t, cfg.Daemon.NoPIDFile)
	assert.Equal(t, 250*time.Millisecond, cfg.Daemon.RespawnDelay)
	assert.Equal(t, 10*time.Second, cfg.Daemon.ReloadTimeout)
	assert.Equal(t, 5*time.Second, cfg.Daemon.LockTimeout, "unset keys keep defaults")
	assert.Equal(t, "notice", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Log.MaxSizeMB)
	assert.Equal(t, "127.0.0.1:9090", cfg.Admin.Listen)
	assert.True(t, cfg.Admin.TLS.Enabled)
	assert.True(t, cfg.Admin.TLS.AutoGenerate)
	assert.Equal(t, filepath.Join(dir, "tls"), cfg.Admin.TLS.Dir)
	assert.Contains(t, cfg.History.DSN, "sqlite://")

	assert.True(t, opts.Bool("no-pid-file"))
	assert.True(t, opts.Bool("daemon.no_pid_file"))
	assert.Equal(t, "web", opts.String("name"))
}

func TestPriorityFlagOverEnvOverFile(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "d.toml", `
[daemon]
pid_dir = "/from/file"
respawn_delay = "3s"

[log]
level = "debug"
`)
	t.Setenv("DAEMONKIT_DAEMON_PID_DIR", "/from/env")
	t.Setenv("DAEMONKIT_LOG_LEVEL", "warning")

	fs := testFlags()
	require.NoError(t, fs.Parse([]string{"--pid-dir", "/from/flag", "--no-pid-file"}))

	cfg, opts, err := Load(p, fs)
	require.NoError(t, err)
	assert.Equal(t, "/from/flag", cfg.Daemon.PIDDir)
	assert.Equal(t, "warning", cfg.Log.Level, "env beats file")
	assert.Equal(t, 3*time.Second, cfg.Daemon.RespawnDelay, "unchanged flag does not override file")
	assert.True(t, cfg.Daemon.NoPIDFile)
	assert.True(t, opts.Bool("no-pid-file"))
	assert.Equal(t, "/from/flag", opts.Get("pid-dir"))
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()
	_, _, err := Load(filepath.Join(dir, "missing.toml"), nil)
	assert.Error(t, err)

	bad := writeFile(t, dir, "bad.toml", "[log]\nlevel = \"loud\"\n")
	_, _, err = Load(bad, nil)
	assert.Error(t, err)

	slash := writeFile(t, dir, "slash.toml", "[daemon]\nname = \"a/b\"\n")
	_, _, err = Load(slash, nil)
	assert.Error(t, err)

	neg := writeFile(t, dir, "neg.toml", "[daemon]\nrespawn_delay = \"-1s\"\n")
	_, _, err = Load(neg, nil)
	assert.Error(t, err)

	noCert := writeFile(t, dir, "tls.toml", "[admin.tls]\nenabled = true\ncert_file = \"a.crt\"\n")
	_, _, err = Load(noCert, nil)
	assert.Error(t, err)
}

func TestEnvironMergesFilesAndList(t *testing.T) {
	dir := t.TempDir()
	dotenv := writeFile(t, dir, ".env", "A=1\n#comment\nB=two\nC=file\n")
	d := DaemonConfig{EnvFiles: []string{dotenv}, Env: []string{"C=list", "D=4", "broken"}}

	got, err := d.Environ()
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=two", "C=list", "D=4"}, got)

	_, err = DaemonConfig{EnvFiles: []string{filepath.Join(dir, "nope")}}.Environ()
	assert.Error(t, err)
}

func TestNilOptions(t *testing.T) {
	var o *Options
	assert.Nil(t, o.Get("no-pid-file"))
	assert.False(t, o.Bool("no-pid-file"))
	assert.Empty(t, o.String("name"))
}
