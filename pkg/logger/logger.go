package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

type contextKey string

const (
	RequestIDKey contextKey = "request_id"
	UserIDKey    contextKey = "user_id"
	ServiceKey   contextKey = "service"
	EventIDKey   contextKey = "event_id"
)

var contextFields = []contextKey{RequestIDKey, UserIDKey, ServiceKey, EventIDKey}

var defaultLogger *slog.Logger

func init() {
	defaultLogger = New(os.Stdout, os.Getenv("LOG_LEVEL"))
}

// New builds a JSON logger writing to w. level "debug" enables debug output.
func New(w io.Writer, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if level == "debug" {
		opts.Level = slog.LevelDebug
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// SetDefault replaces the package logger. Tests use it to capture output.
func SetDefault(l *slog.Logger) {
	defaultLogger = l
}

func Default() *slog.Logger {
	return defaultLogger
}

func WithContext(ctx context.Context) *slog.Logger {
	logger := defaultLogger
	for _, key := range contextFields {
		if v := ctx.Value(key); v != nil {
			logger = logger.With(string(key), v)
		}
	}
	return logger
}

// WithEvent tags ctx so every context log line carries the event id.
func WithEvent(ctx context.Context, eventID string) context.Context {
	return context.WithValue(ctx, EventIDKey, eventID)
}

func Info(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

func Error(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
}

func Debug(msg string, args ...any) {
	defaultLogger.Debug(msg, args...)
}

func Warn(msg string, args ...any) {
	defaultLogger.Warn(msg, args...)
}

func InfoContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Info(msg, args...)
}

func ErrorContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Error(msg, args...)
}

func DebugContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Debug(msg, args...)
}

func WarnContext(ctx context.Context, msg string, args ...any) {
	WithContext(ctx).Warn(msg, args...)
}
