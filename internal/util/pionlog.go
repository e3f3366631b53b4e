package util

import (
	"fmt"

	"github.com/pion/logging"
)

// PionLoggerFactory routes pion's internal logging through the pterm helpers
// under a "pion/<scope>" prefix. Trace and info output is folded into debug.
type PionLoggerFactory struct{}

// NewLogger implements logging.LoggerFactory.
func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{Scope("pion/" + scope)}
}

type pionLogger struct {
	scope Scope
}

func (l pionLogger) Trace(msg string) { l.scope.Debug("%s", msg) }
func (l pionLogger) Tracef(format string, args ...interface{}) {
	if DebugEnabled() {
		l.scope.Debug("%s", fmt.Sprintf(format, args...))
	}
}

func (l pionLogger) Debug(msg string) { l.scope.Debug("%s", msg) }
func (l pionLogger) Debugf(format string, args ...interface{}) {
	if DebugEnabled() {
		l.scope.Debug("%s", fmt.Sprintf(format, args...))
	}
}

func (l pionLogger) Info(msg string) { l.scope.Debug("%s", msg) }
func (l pionLogger) Infof(format string, args ...interface{}) {
	if DebugEnabled() {
		l.scope.Debug("%s", fmt.Sprintf(format, args...))
	}
}

func (l pionLogger) Warn(msg string) { l.scope.Warning("%s", msg) }
func (l pionLogger) Warnf(format string, args ...interface{}) {
	l.scope.Warning("%s", fmt.Sprintf(format, args...))
}

func (l pionLogger) Error(msg string) { l.scope.Error("%s", msg) }
func (l pionLogger) Errorf(format string, args ...interface{}) {
	l.scope.Error("%s", fmt.Sprintf(format, args...))
}
