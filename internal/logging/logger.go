// Package logging provides structured logging for the mail store.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// Context keys for common fields
	sessionIDKey contextKey = "session_id"
	userIDKey    contextKey = "user_id"
	mailboxKey   contextKey = "mailbox"
)

// Logger wraps slog with mail-store-specific functionality.
type Logger struct {
	*slog.Logger
}

// Config configures the logger.
type Config struct {
	// Level is the minimum log level (debug, info, warn, error).
	Level string
	// Format is the output format (json, text).
	Format string
	// Output is the output destination (stdout, stderr, or file path).
	Output string
	// AddSource adds source code location to log entries.
	AddSource bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Level:     "info",
		Format:    "json",
		Output:    "stdout",
		AddSource: false,
	}
}

// New creates a new Logger with the given configuration.
func New(cfg Config) (*Logger, error) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, err
		}
		output = f
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: cfg.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format(time.RFC3339Nano))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	return &Logger{Logger: slog.New(handler)}, nil
}

// Default returns a default logger.
func Default() *Logger {
	logger, _ := New(DefaultConfig())
	return logger
}

// WithSessionID returns a new context with the session ID.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionIDKey, sessionID)
}

// WithUserID returns a new context with the user ID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// WithMailbox returns a new context with the mailbox path.
func WithMailbox(ctx context.Context, mailbox string) context.Context {
	return context.WithValue(ctx, mailboxKey, mailbox)
}

// extractContextAttrs extracts logging attributes from context.
func extractContextAttrs(ctx context.Context) []any {
	var attrs []any
	if v := ctx.Value(sessionIDKey); v != nil {
		attrs = append(attrs, "session_id", v.(string))
	}
	if v := ctx.Value(userIDKey); v != nil {
		attrs = append(attrs, "user_id", v.(string))
	}
	if v := ctx.Value(mailboxKey); v != nil {
		attrs = append(attrs, "mailbox", v.(string))
	}
	return attrs
}

// InfoContext logs an info message with context.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.Logger.InfoContext(ctx, msg, append(extractContextAttrs(ctx), args...)...)
}

// ErrorContext logs an error message with context.
func (l *Logger) ErrorContext(ctx context.Context, msg string, err error, args ...any) {
	all := extractContextAttrs(ctx)
	if err != nil {
		all = append(all, "error", err.Error())
	}
	l.Logger.ErrorContext(ctx, msg, append(all, args...)...)
}

// WarnContext logs a warning message with context.
func (l *Logger) WarnContext(ctx context.Context, msg string, args ...any) {
	l.Logger.WarnContext(ctx, msg, append(extractContextAttrs(ctx), args...)...)
}

// DebugContext logs a debug message with context.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.Logger.DebugContext(ctx, msg, append(extractContextAttrs(ctx), args...)...)
}

// WithError returns a logger with the error attached.
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{Logger: l.Logger.With("error", err.Error())}
}

// WithFields returns a logger with additional fields.
func (l *Logger) WithFields(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

// Store returns a logger configured for document-store operations.
func (l *Logger) Store() *Logger {
	return &Logger{Logger: l.Logger.With("component", "store")}
}

// Lock returns a logger configured for lock-manager operations.
func (l *Logger) Lock() *Logger {
	return &Logger{Logger: l.Logger.With("component", "lock")}
}

// Notify returns a logger configured for notifier operations.
func (l *Logger) Notify() *Logger {
	return &Logger{Logger: l.Logger.With("component", "notify")}
}

// Handler returns a logger configured for command handlers.
func (l *Logger) Handler() *Logger {
	return &Logger{Logger: l.Logger.With("component", "handler")}
}

// Quota returns a logger configured for quota-ledger operations.
func (l *Logger) Quota() *Logger {
	return &Logger{Logger: l.Logger.With("component", "quota")}
}
