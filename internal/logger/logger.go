// Package logger implements a logging adapter using log/slog.
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"go.trai.ch/zerr"
)

// Logger is the logging capability components depend on.
//
//go:generate go run go.uber.org/mock/mockgen -source=logger.go -destination=mocks/mock_logger.go -package=mocks
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(err error, args ...any)
	SetOutput(w io.Writer)
}

// Slog implements Logger using log/slog.
type Slog struct {
	mu     sync.RWMutex
	logger *slog.Logger
	level  slog.Level
}

// New creates a text logger on stderr. Unknown levels fall back to info.
func New(level string) Logger {
	l := &Slog{level: ParseLevel(level)}
	l.logger = slog.New(l.handler(os.Stderr))
	return l
}

// ParseLevel maps debug/info/warn/error to a slog level.
func ParseLevel(level string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

func (l *Slog) handler(w io.Writer) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{Level: l.level})
}

// SetOutput redirects log output. The TUI points it at a file so logs do not
// tear the screen. A nil writer restores stderr.
func (l *Slog) SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logger = slog.New(l.handler(w))
}

func (l *Slog) Info(msg string, args ...any) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.logger.Info(msg, args...)
}

func (l *Slog) Warn(msg string, args ...any) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	l.logger.Warn(msg, args...)
}

// Error logs err with any zerr metadata along its chain as fields.
func (l *Slog) Error(err error, args ...any) {
	if err == nil {
		return
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	zerr.Log(context.Background(), l.logger.With(args...), err)
}

// Discard is a Logger that drops everything.
type Discard struct{}

func (Discard) Info(string, ...any)  {}
func (Discard) Warn(string, ...any)  {}
func (Discard) Error(error, ...any)  {}
func (Discard) SetOutput(io.Writer) {}
