package observability

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

type Logger struct {
	*slog.Logger
}

// NewLogger builds a JSON slog logger tagged with the service name.
// LOG_LEVEL (debug/info/warn/error) controls verbosity, defaulting to info.
func NewLogger(serviceName string) *Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	})

	logger := slog.New(handler).With("service", serviceName)
	return &Logger{logger}
}

// WithContext adds trace information from context if available
func (l *Logger) WithContext(ctx context.Context) *Logger {
	// In a real implementation, we would extract trace ID from ctx
	return l
}

// WithComponent returns a child logger scoped to one subsystem (registry, rooms, queue...).
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{l.Logger.With("component", name)}
}
