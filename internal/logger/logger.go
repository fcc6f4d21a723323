package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

func Setup(level string) {
	SetupWriter(os.Stderr, level)
}

// SetupWriter installs a tint handler writing to w as the default logger.
func SetupWriter(w io.Writer, level string) {
	handler := tint.NewHandler(w, &tint.Options{
		Level:      ParseLevel(level),
		TimeFormat: time.TimeOnly,
	})

	slog.SetDefault(slog.New(handler))
}

// FromContext returns the default logger annotated with request-scoped ids.
func FromContext(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := GetTraceID(ctx); id != "" {
		l = l.With("trace_id", id)
	}
	if id := GetUserID(ctx); id != "" {
		l = l.With("user_id", id)
	}
	if id := GetConversationID(ctx); id != "" {
		l = l.With("conversation_id", id)
	}
	return l
}
