// Package util holds the process-wide logger and media statistics.
package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by pterm's default logger.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	if !DebugEnabled() {
		return
	}
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogSuccess(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...), pterm.DefaultLogger.Args("ok", true))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// EnableDebug configures the logger to show debug messages.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// DebugEnabled reports whether debug messages are currently printed.
func DebugEnabled() bool {
	return pterm.DefaultLogger.Level <= pterm.LogLevelDebug
}

// Scope prefixes every message with "[scope] ", e.g. a session id.
type Scope string

func (s Scope) wrap(format string) string { return "[" + string(s) + "] " + format }

func (s Scope) Debug(format string, args ...interface{})   { LogDebug(s.wrap(format), args...) }
func (s Scope) Info(format string, args ...interface{})    { LogInfo(s.wrap(format), args...) }
func (s Scope) Success(format string, args ...interface{}) { LogSuccess(s.wrap(format), args...) }
func (s Scope) Warning(format string, args ...interface{}) { LogWarning(s.wrap(format), args...) }
func (s Scope) Error(format string, args ...interface{})   { LogError(s.wrap(format), args...) }
