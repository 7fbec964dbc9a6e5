// Package log is the process-wide structured logger. It keeps a small
// package-level API (Debug/Info/Warn/Error) so call sites stay terse, and
// delegates formatting to log/slog.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	mu       sync.RWMutex
	levelVar = new(slog.LevelVar)
	logger   = newLogger(os.Stderr, "text")
)

func newLogger(w io.Writer, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: levelVar}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ParseLevel accepts debug/info/warn/error (case-insensitive). Empty means info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("log: unknown level %q", s)
	}
}

func SetLevel(l Level) {
	switch l {
	case LevelDebug:
		levelVar.Set(slog.LevelDebug)
	case LevelWarn:
		levelVar.Set(slog.LevelWarn)
	case LevelError:
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// SetOutput swaps the sink and format ("text" or "json"). Tests use it to
// capture output.
func SetOutput(w io.Writer, format string) {
	mu.Lock()
	defer mu.Unlock()
	logger = newLogger(w, format)
}

func current() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Debug(msg string, kv ...any) {
	current().Debug(msg, kv...)
}

func Info(msg string, kv ...any) {
	current().Info(msg, kv...)
}

func Warn(msg string, kv ...any) {
	current().Warn(msg, kv...)
}

// Error logs at error level with err as the first attribute. A nil err is
// omitted.
func Error(msg string, err error, kv ...any) {
	if err != nil {
		kv = append([]any{"err", err.Error()}, kv...)
	}
	current().Error(msg, kv...)
}
