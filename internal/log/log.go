// Package log provides structured logging for go-collector.
// It wraps slog with sensible defaults for production use.
package log

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	logger *slog.Logger
	once   sync.Once
	level  = new(slog.LevelVar)
	file   *lumberjack.Logger
	extra  = &teeWriter{}
)

// Options configures the global logger.
type Options struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string

	// File, when set, additionally writes logs to a rotated file.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// JSON forces JSON output. GO_ENV=production implies it.
	JSON bool
}

// ParseLevel maps a level name to a slog level. Unknown names are info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Init initializes the global logger with the specified level.
// Valid levels: "debug", "info", "warn", "error"
func Init(lvl string) {
	Setup(Options{Level: lvl})
}

// Setup initializes the global logger. Only the first call takes effect;
// later calls only adjust the level.
func Setup(opts Options) {
	level.Set(ParseLevel(opts.Level))

	once.Do(func() {
		writers := []io.Writer{os.Stdout, extra}
		if opts.File != "" {
			file = &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    orDefault(opts.MaxSizeMB, 50),
				MaxBackups: orDefault(opts.MaxBackups, 5),
				MaxAge:     orDefault(opts.MaxAgeDays, 14),
				Compress:   true,
			}
			writers = append(writers, file)
		}

		hopts := &slog.HandlerOptions{Level: level}
		out := io.MultiWriter(writers...)

		// Use JSON in production, text in development
		if opts.JSON || os.Getenv("GO_ENV") == "production" {
			logger = slog.New(slog.NewJSONHandler(out, hopts))
		} else {
			logger = slog.New(slog.NewTextHandler(out, hopts))
		}

		slog.SetDefault(logger)
	})
}

// Attach copies every later log line to w, e.g. the dashboard log feed.
// Write errors from w are ignored.
func Attach(w io.Writer) {
	extra.mu.Lock()
	extra.writers = append(extra.writers, w)
	extra.mu.Unlock()
}

type teeWriter struct {
	mu      sync.RWMutex
	writers []io.Writer
}

func (t *teeWriter) Write(p []byte) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, w := range t.writers {
		w.Write(p)
	}
	return len(p), nil
}

// SetLevel changes the level of the running logger.
func SetLevel(lvl string) {
	level.Set(ParseLevel(lvl))
}

// Close flushes and closes the log file, if any.
func Close() error {
	if file == nil {
		return nil
	}
	return file.Close()
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// L returns the global logger instance.
func L() *slog.Logger {
	if logger == nil {
		Init("info")
	}
	return logger
}

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	L().Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	L().Info(msg, args...)
}

// Warn logs at warn level.
func Warn(msg string, args ...any) {
	L().Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	L().Error(msg, args...)
}

// With returns a logger with the given attributes.
func With(args ...any) *slog.Logger {
	return L().With(args...)
}

// Discard returns a logger that drops everything, for tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
