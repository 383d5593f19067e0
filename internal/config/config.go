package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/loykin/daemonkit/internal/logger"
)

// EnvPrefix prefixes environment overrides, e.g. DAEMONKIT_DAEMON_PID_DIR.
const EnvPrefix = "DAEMONKIT"

// Config represents the merged configuration: TOML file, environment and flags.
type Config struct {
	Daemon  DaemonConfig  `toml:"daemon" mapstructure:"daemon"`
	Log     logger.Config `toml:"log" mapstructure:"log"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
	Admin   AdminConfig   `toml:"admin" mapstructure:"admin"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
}

type DaemonConfig struct {
	Name          string        `toml:"name" mapstructure:"name"`
	PIDDir        string        `toml:"pid_dir" mapstructure:"pid_dir"`
	NoPIDFile     bool          `toml:"no_pid_file" mapstructure:"no_pid_file"`
	RespawnDelay  time.Duration `toml:"respawn_delay" mapstructure:"respawn_delay"`
	StopTimeout   time.Duration `toml:"stop_timeout" mapstructure:"stop_timeout"`
	ReloadTimeout time.Duration `toml:"reload_timeout" mapstructure:"reload_timeout"`
	LockTimeout   time.Duration `toml:"lock_timeout" mapstructure:"lock_timeout"`
	Env           []string      `toml:"env" mapstructure:"env"`
	EnvFiles      []string      `toml:"env_files" mapstructure:"env_files"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
}

type AdminConfig struct {
	Listen   string    `toml:"listen" mapstructure:"listen"`
	BasePath string    `toml:"base_path" mapstructure:"base_path"`
	TLS      TLSConfig `toml:"tls" mapstructure:"tls"`
}

// TLSConfig serves the admin API over HTTPS. CertFile and KeyFile win over
// Dir; with AutoGenerate a self-signed pair is created in Dir when missing.
type TLSConfig struct {
	Enabled      bool   `toml:"enabled" mapstructure:"enabled"`
	CertFile     string `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string `toml:"key_file" mapstructure:"key_file"`
	Dir          string `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool   `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string `toml:"min_version" mapstructure:"min_version"`
	CommonName   string `toml:"common_name" mapstructure:"common_name"`
	ValidDays    int    `toml:"valid_days" mapstructure:"valid_days"`
}

type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// flagKeys maps command line flag names to configuration keys.
var flagKeys = map[string]string{
	"name":           "daemon.name",
	"pid-dir":        "daemon.pid_dir",
	"no-pid-file":    "daemon.no_pid_file",
	"respawn-delay":  "daemon.respawn_delay",
	"stop-timeout":   "daemon.stop_timeout",
	"reload-timeout": "daemon.reload_timeout",
	"lock-timeout":   "daemon.lock_timeout",
	"log-level":      "log.level",
	"log-format":     "log.format",
	"log-file":       "log.file",
	"log-color":      "log.color",
	"metrics":        "metrics.enabled",
	"admin-listen":   "admin.listen",
	"history-dsn":    "history.dsn",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("daemon.name", "")
	v.SetDefault("daemon.pid_dir", os.TempDir())
	v.SetDefault("daemon.no_pid_file", false)
	v.SetDefault("daemon.respawn_delay", time.Second)
	v.SetDefault("daemon.stop_timeout", 30*time.Second)
	v.SetDefault("daemon.reload_timeout", 60*time.Second)
	v.SetDefault("daemon.lock_timeout", 5*time.Second)
	v.SetDefault("daemon.env", []string{})
	v.SetDefault("daemon.env_files", []string{})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.color", "auto")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("admin.listen", "")
	v.SetDefault("admin.base_path", "")
	v.SetDefault("admin.tls.enabled", false)
	v.SetDefault("admin.tls.cert_file", "")
	v.SetDefault("admin.tls.key_file", "")
	v.SetDefault("admin.tls.dir", "")
	v.SetDefault("admin.tls.auto_generate", false)
	v.SetDefault("admin.tls.min_version", "")
	v.SetDefault("admin.tls.common_name", "")
	v.SetDefault("admin.tls.valid_days", 0)
	v.SetDefault("history.dsn", "")
}

// Load merges defaults, the optional TOML file at path, DAEMONKIT_* environment
// variables and the flags set on fs (highest priority). The returned Options
// gives by-name access to the same merged view.
func Load(path string, fs *pflag.FlagSet) (*Config, *Options, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return &cfg, &Options{v: v}, nil
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	d := c.Daemon
	if d.Name != "" && strings.ContainsAny(d.Name, `/\`) {
		return fmt.Errorf("daemon name %q must not contain path separators", d.Name)
	}
	if d.RespawnDelay < 0 || d.StopTimeout < 0 || d.ReloadTimeout < 0 || d.LockTimeout < 0 {
		return fmt.Errorf("daemon durations must not be negative")
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if t := c.Admin.TLS; t.Enabled && t.Dir == "" && (t.CertFile == "" || t.KeyFile == "") {
		return fmt.Errorf("admin tls needs cert_file and key_file, or dir")
	}
	return nil
}

// Options is the by-name option accessor handed to daemons.
type Options struct {
	v *viper.Viper
}

func (o *Options) key(name string) string {
	if k, ok := flagKeys[name]; ok {
		return k
	}
	return name
}

// Get returns the merged value of an option, by flag name ("no-pid-file")
// or by configuration key ("daemon.no_pid_file").
func (o *Options) Get(name string) any {
	if o == nil || o.v == nil {
		return nil
	}
	return o.v.Get(o.key(name))
}

// Bool returns the option as a boolean.
func (o *Options) Bool(name string) bool {
	if o == nil || o.v == nil {
		return false
	}
	return o.v.GetBool(o.key(name))
}

// String returns the option as a string.
func (o *Options) String(name string) string {
	if o == nil || o.v == nil {
		return ""
	}
	return o.v.GetString(o.key(name))
}

// Environ resolves the extra worker environment: env_files in order, then
// the env list, which overrides file values. Entries are KEY=VALUE.
func (d DaemonConfig) Environ() ([]string, error) {
	m := make(map[string]string)
	for _, p := range d.EnvFiles {
		pairs, err := loadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for _, kv := range d.Env {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	// Mitigate G304: sanitize user-provided path by cleaning it before use.
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
