package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default logging configuration constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// LevelNotice sits between INFO and WARN: normal but significant events such
// as reloads and generation takeovers.
const LevelNotice = slog.Level(2)

// Config describes where and how a daemon logs.
// An empty File logs to stderr. Rotation parameters follow lumberjack semantics.
type Config struct {
	Level      string `mapstructure:"level"`    // debug, info, notice, warning, error
	Format     string `mapstructure:"format"`   // text (default) or json
	Color      string `mapstructure:"color"`    // auto (default), always, never
	File       string `mapstructure:"file"`     // log file path
	MaxSizeMB  int    `mapstructure:"max_size"` // megabytes before rotation (default 10)
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"` // Gzip rotated files
}

// Writer returns the rotating file writer when File is set, otherwise fallback.
func (c Config) Writer(fallback io.Writer) io.Writer {
	if c.File == "" {
		return fallback
	}
	return &lj.Logger{
		Filename:   c.File,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func (c Config) useColor(w io.Writer) bool {
	switch strings.ToLower(c.Color) {
	case "always":
		return true
	case "never":
		return false
	}
	f, ok := w.(*os.File)
	return ok && c.File == "" && isatty.IsTerminal(f.Fd())
}

// Handler builds the slog handler writing to w.
func (c Config) Handler(w io.Writer) (slog.Handler, error) {
	lvl, err := ParseLevel(c.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl, ReplaceAttr: renameLevel}
	switch strings.ToLower(c.Format) {
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	case "", "text":
		if c.useColor(w) {
			return NewColorTextHandler(w, opts, true), nil
		}
		return slog.NewTextHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", c.Format)
	}
}

// ParseLevel maps a level name to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "notice":
		return LevelNotice, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// LevelName returns the display name of l, NOTICE included.
func LevelName(l slog.Level) string {
	if l == LevelNotice {
		return "NOTICE"
	}
	return l.String()
}

func renameLevel(groups []string, a slog.Attr) slog.Attr {
	if len(groups) == 0 && a.Key == slog.LevelKey {
		if l, ok := a.Value.Any().(slog.Level); ok {
			a.Value = slog.StringValue(LevelName(l))
		}
	}
	return a
}

// Logger is the logging facade handed to daemons and scripts.
// Error is terminal: it logs and exits the process with status 1.
type Logger struct {
	l    *slog.Logger
	exit func(code int)
}

// New returns a Logger for cfg. Output goes to the configured file or, when
// none is set, to w.
func New(cfg Config, w io.Writer) (*Logger, error) {
	h, err := cfg.Handler(cfg.Writer(w))
	if err != nil {
		return nil, err
	}
	return &Logger{l: slog.New(h), exit: os.Exit}, nil
}

// FromSlog wraps an existing slog logger.
func FromSlog(l *slog.Logger) *Logger {
	return &Logger{l: l, exit: os.Exit}
}

// SetExit replaces the function Error uses to terminate the process.
func (l *Logger) SetExit(fn func(code int)) { l.exit = fn }

// Slog exposes the underlying slog logger.
func (l *Logger) Slog() *slog.Logger { return l.l }

// Install makes l the process-wide default slog logger.
func (l *Logger) Install() { slog.SetDefault(l.l) }

// With returns a Logger that adds args to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{l: l.l.With(args...), exit: l.exit}
}

func (l *Logger) Debug(msg string, args ...any)   { l.l.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)    { l.l.Info(msg, args...) }
func (l *Logger) Notice(msg string, args ...any)  { l.l.Log(context.Background(), LevelNotice, msg, args...) }
func (l *Logger) Warning(msg string, args ...any) { l.l.Warn(msg, args...) }

// Error logs msg and terminates the process.
func (l *Logger) Error(msg string, args ...any) {
	l.l.Error(msg, args...)
	l.exit(1)
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
