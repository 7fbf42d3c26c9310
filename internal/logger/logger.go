package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Logger is the logging interface shared by the runtime packages.
// It wraps slog.Logger so components take a logger by injection.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
}

// SlogLogger is a Logger implementation that wraps slog.Logger.
type SlogLogger struct {
	logger *slog.Logger
}

// New creates a new Logger with the given handler.
func New(handler slog.Handler) Logger {
	return &SlogLogger{
		logger: slog.New(handler),
	}
}

// Default creates a Logger with default text handler writing to stderr.
func Default() Logger {
	return New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// JSON creates a Logger with JSON handler for production use.
func JSON(w io.Writer, level slog.Level) Logger {
	return New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
	}))
}

// Pretty creates a Logger with colored pretty output for CLI use.
func Pretty(w io.Writer, level slog.Level) Logger {
	return New(NewPrettyHandler(w, &slog.HandlerOptions{
		AddSource: true,
		Level:     level,
	}))
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return New(slog.DiscardHandler)
}

// FromContext retrieves a Logger from the context.
// If no logger is found, returns a default logger.
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return logger
	}
	return Default()
}

// WithContext adds the logger to the context.
func WithContext(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

type loggerKey struct{}

// Implementation of Logger interface

func (l *SlogLogger) Debug(msg string, args ...any) {
	l.logger.Debug(msg, args...)
}

func (l *SlogLogger) Info(msg string, args ...any) {
	l.logger.Info(msg, args...)
}

func (l *SlogLogger) Warn(msg string, args ...any) {
	l.logger.Warn(msg, args...)
}

func (l *SlogLogger) Error(msg string, args ...any) {
	l.logger.Error(msg, args...)
}

func (l *SlogLogger) With(args ...any) Logger {
	return &SlogLogger{
		logger: l.logger.With(args...),
	}
}

func (l *SlogLogger) WithGroup(name string) Logger {
	return &SlogLogger{
		logger: l.logger.WithGroup(name),
	}
}

// ParseLevel converts a string level to slog.Level.
func ParseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Sampled wraps l so that Debug, Info and Warn messages are dropped once
// more than burst of them arrive within every. Errors always pass. The next
// emitted line carries suppressed=N for the lines dropped before it. Loggers
// derived with With or WithGroup share the budget.
func Sampled(l Logger, every time.Duration, burst int) Logger {
	return &sampledLogger{
		Logger:  l,
		lim:     rate.NewLimiter(rate.Every(every), burst),
		dropped: new(atomic.Int64),
	}
}

type sampledLogger struct {
	Logger
	lim     *rate.Limiter
	dropped *atomic.Int64
}

// admit reports whether a line may be emitted and returns its args with
// the pending drop count appended.
func (s *sampledLogger) admit(args []any) ([]any, bool) {
	if !s.lim.Allow() {
		s.dropped.Add(1)
		return nil, false
	}
	if n := s.dropped.Swap(0); n > 0 {
		args = append(args[:len(args):len(args)], "suppressed", n)
	}
	return args, true
}

func (s *sampledLogger) Debug(msg string, args ...any) {
	if args, ok := s.admit(args); ok {
		s.Logger.Debug(msg, args...)
	}
}

func (s *sampledLogger) Info(msg string, args ...any) {
	if args, ok := s.admit(args); ok {
		s.Logger.Info(msg, args...)
	}
}

func (s *sampledLogger) Warn(msg string, args ...any) {
	if args, ok := s.admit(args); ok {
		s.Logger.Warn(msg, args...)
	}
}

func (s *sampledLogger) With(args ...any) Logger {
	return &sampledLogger{Logger: s.Logger.With(args...), lim: s.lim, dropped: s.dropped}
}

func (s *sampledLogger) WithGroup(name string) Logger {
	return &sampledLogger{Logger: s.Logger.WithGroup(name), lim: s.lim, dropped: s.dropped}
}
