package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// Level mirrors slog's severity levels under names matched to this project's
// configuration surface (LOG_LEVEL=debug|info|warn|error).
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ParseLevel converts a configuration string into a Level, defaulting to Info
// for anything unrecognized.
func ParseLevel(s string) Level {
	switch s {
	case "debug", "DEBUG":
		return LevelDebug
	case "warn", "WARN", "warning", "WARNING":
		return LevelWarn
	case "error", "ERROR":
		return LevelError
	default:
		return LevelInfo
	}
}

var defaultLogger = slog.New(slog.NewTextHandler(os.Stderr, nil))

// Init configures the package-level logger. Call once at startup before any
// component logs.
func Init(level Level, output io.Writer) {
	defaultLogger = slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{
		Level: level.slogLevel(),
	}))
}

func log(level slog.Level, subsystem string, err error, msg string, args ...any) {
	if !defaultLogger.Enabled(context.Background(), level) {
		return
	}
	attrs := make([]slog.Attr, 0, 2)
	attrs = append(attrs, slog.String("subsystem", subsystem))
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	defaultLogger.LogAttrs(context.Background(), level, msg, attrs...)
}

func Debug(subsystem, msg string, args ...any) { log(slog.LevelDebug, subsystem, nil, msg, args...) }
func Info(subsystem, msg string, args ...any)  { log(slog.LevelInfo, subsystem, nil, msg, args...) }
func Warn(subsystem, msg string, args ...any)  { log(slog.LevelWarn, subsystem, nil, msg, args...) }
func Error(subsystem string, err error, msg string, args ...any) {
	log(slog.LevelError, subsystem, err, msg, args...)
}

// TruncateSessionID returns a log-safe prefix of a session id so full
// identifiers never land in log output.
func TruncateSessionID(sessionID string) string {
	const keep = 8
	if len(sessionID) <= keep {
		return sessionID
	}
	return sessionID[:keep] + "…"
}
