package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

type Level string

const (
	LevelDebug   Level = "DEBUG"
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
)

// Options controls where log lines go and how verbose they are.
type Options struct {
	// File is "stderr", "stdout", or a path that is opened for appending.
	// Empty means stderr.
	File string
	// Level is the minimum level that is written.
	Level Level
	// NoColor disables ANSI colors. Colors are always off for files.
	NoColor bool
}

var (
	mu       sync.Mutex
	logger   *slog.Logger
	minLevel = new(slog.LevelVar)
	output   io.Closer
	initOnce sync.Once
)

// initLogger installs the default stderr handler on first use.
func initLogger() {
	initOnce.Do(func() {
		minLevel.Set(slog.LevelInfo)
		logger = slog.New(newHandler(os.Stderr, false))
	})
}

func newHandler(w io.Writer, noColor bool) slog.Handler {
	return tint.NewHandler(w, &tint.Options{
		Level:      minLevel,
		TimeFormat: time.RFC3339Nano,
		NoColor:    noColor,
	})
}

// ParseLevel accepts DEBUG, INFO, WARNING (or WARN) and ERROR, case-insensitive.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO":
		return LevelInfo, nil
	case "WARNING", "WARN":
		return LevelWarning, nil
	case "ERROR":
		return LevelError, nil
	default:
		return "", fmt.Errorf("log: unknown level %q", s)
	}
}

func SetLevel(l Level) {
	initLogger()
	minLevel.Set(toSlog(l))
}

// Configure replaces the output destination. A previously opened log file
// is closed.
func Configure(opts Options) error {
	initLogger()

	var (
		w       io.Writer
		closer  io.Closer
		noColor = opts.NoColor
	)
	switch opts.File {
	case "", "stderr":
		w = os.Stderr
	case "stdout":
		w = os.Stdout
	default:
		f, err := os.OpenFile(opts.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return fmt.Errorf("log: open %s: %w", opts.File, err)
		}
		w, closer, noColor = f, f, true
	}
	if opts.Level != "" {
		minLevel.Set(toSlog(opts.Level))
	}

	mu.Lock()
	defer mu.Unlock()
	if output != nil {
		_ = output.Close()
	}
	output = closer
	logger = slog.New(newHandler(w, noColor))
	slog.SetDefault(logger)
	return nil
}

// SetOutput routes log lines to w without colors. Intended for tests.
func SetOutput(w io.Writer) {
	initLogger()
	mu.Lock()
	defer mu.Unlock()
	logger = slog.New(newHandler(w, true))
}

func Debug(msg string, kv ...any) {
	logWithLevel(LevelDebug, msg, kv...)
}

func Info(msg string, kv ...any) {
	logWithLevel(LevelInfo, msg, kv...)
}

func Warn(msg string, kv ...any) {
	logWithLevel(LevelWarning, msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	logWithLevel(LevelError, msg, extended...)
}

func logWithLevel(level Level, msg string, kv ...any) {
	initLogger()
	mu.Lock()
	l := logger
	mu.Unlock()
	l.Log(context.Background(), toSlog(level), msg, kv...)
}

func toSlog(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarning:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
