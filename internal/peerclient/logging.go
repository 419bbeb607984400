package peerclient

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog.LevelDebug for pion's trace output.
const levelTrace = slog.LevelDebug - 4

// slogLoggerFactory routes pion's internal logging into slog, tagged with the
// pion scope (ice, dtls, sctp, ...).
type slogLoggerFactory struct {
	log *slog.Logger
}

// NewLoggerFactory adapts logger for use as a pion SettingEngine logger.
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	return slogLoggerFactory{log: logger}
}

func (f slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLeveled{log: f.log.With("pion_scope", scope)}
}

type slogLeveled struct {
	log *slog.Logger
}

func (l slogLeveled) logf(level slog.Level, format string, args ...any) {
	if !l.log.Enabled(context.Background(), level) {
		return
	}
	l.log.Log(context.Background(), level, fmt.Sprintf(format, args...))
}

func (l slogLeveled) Trace(msg string)                  { l.logf(levelTrace, "%s", msg) }
func (l slogLeveled) Tracef(format string, args ...any) { l.logf(levelTrace, format, args...) }
func (l slogLeveled) Debug(msg string)                  { l.logf(slog.LevelDebug, "%s", msg) }
func (l slogLeveled) Debugf(format string, args ...any) { l.logf(slog.LevelDebug, format, args...) }
func (l slogLeveled) Info(msg string)                   { l.logf(slog.LevelInfo, "%s", msg) }
func (l slogLeveled) Infof(format string, args ...any)  { l.logf(slog.LevelInfo, format, args...) }
func (l slogLeveled) Warn(msg string)                   { l.logf(slog.LevelWarn, "%s", msg) }
func (l slogLeveled) Warnf(format string, args ...any)  { l.logf(slog.LevelWarn, format, args...) }
func (l slogLeveled) Error(msg string)                  { l.logf(slog.LevelError, "%s", msg) }
func (l slogLeveled) Errorf(format string, args ...any) { l.logf(slog.LevelError, format, args...) }
