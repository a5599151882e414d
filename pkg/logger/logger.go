// Package logger wraps log/slog behind a small interface so services can be
// tested with a silent logger.
package logger

import (
	"io"
	"log/slog"
	"os"
)

// Logger is the structured logging surface used across services.
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Debug(msg string, args ...any)
	With(args ...any) Logger
}

type slogLogger struct {
	l *slog.Logger
}

// New builds a JSON logger writing to stdout at the given level.
func New(level string) Logger {
	return NewWithWriter(level, os.Stdout)
}

// NewWithWriter builds a JSON logger writing to w at the given level.
func NewWithWriter(level string, w io.Writer) Logger {
	var lv slog.Level
	switch level {
	case "debug":
		lv = slog.LevelDebug
	case "warn":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lv})
	return &slogLogger{l: slog.New(h)}
}

// Nop returns a logger that discards everything. Used in tests.
func Nop() Logger {
	return NewWithWriter("error", io.Discard)
}

func (s *slogLogger) Info(msg string, args ...any)  { s.l.Info(msg, args...) }
func (s *slogLogger) Error(msg string, args ...any) { s.l.Error(msg, args...) }
func (s *slogLogger) Warn(msg string, args ...any)  { s.l.Warn(msg, args...) }
func (s *slogLogger) Debug(msg string, args ...any) { s.l.Debug(msg, args...) }

func (s *slogLogger) With(args ...any) Logger {
	return &slogLogger{l: s.l.With(args...)}
}
