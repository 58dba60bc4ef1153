// Package obslog adapts log/slog to orchestrator.Logger, the interface
// every collaborator and the engine log through.
package obslog

import (
	"log/slog"
	"os"

	"github.com/lokutor-ai/lokutor-engine/pkg/orchestrator"
)

// SlogLogger implements orchestrator.Logger on top of a structured
// *slog.Logger.
type SlogLogger struct {
	l *slog.Logger
}

// New builds a SlogLogger writing JSON lines to os.Stderr at the given
// level ("debug", "info", "warn", "error"; anything else falls back to
// info).
func New(level string) *SlogLogger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: parseLevel(level)})
	return &SlogLogger{l: slog.New(handler)}
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (s *SlogLogger) Debug(msg string, args ...interface{}) { s.l.Debug(msg, args...) }
func (s *SlogLogger) Info(msg string, args ...interface{})  { s.l.Info(msg, args...) }
func (s *SlogLogger) Warn(msg string, args ...interface{})  { s.l.Warn(msg, args...) }
func (s *SlogLogger) Error(msg string, args ...interface{}) { s.l.Error(msg, args...) }

var _ orchestrator.Logger = (*SlogLogger)(nil)
