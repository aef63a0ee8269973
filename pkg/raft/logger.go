package raft

import golog "github.com/galdor/go-log"

// Logger is the logging interface used throughout this package. It is
// satisfied by *golog.Logger (see LoggerFor), so that callers threading
// a github.com/galdor/go-log logger through their service get
// structured, leveled logging for free; tests and standalone use can
// pass NopLogger.
type Logger interface {
	Debug(level int, format string, args ...interface{})
	Info(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// NopLogger discards everything. Useful for tests that do not care
// about log output.
type NopLogger struct{}

func (NopLogger) Debug(int, string, ...interface{}) {}
func (NopLogger) Info(string, ...interface{})       {}
func (NopLogger) Error(string, ...interface{})      {}

// goLogAdapter adapts a *golog.Logger, which takes debug levels and
// format strings the same way, to the Logger interface.
type goLogAdapter struct {
	log *golog.Logger
}

// LoggerFor wraps a github.com/galdor/go-log logger, optionally
// specialized with Child(name, data), as this package's Logger.
func LoggerFor(log *golog.Logger) Logger {
	return goLogAdapter{log: log}
}

func (a goLogAdapter) Debug(level int, format string, args ...interface{}) {
	a.log.Debug(level, format, args...)
}

func (a goLogAdapter) Info(format string, args ...interface{}) {
	a.log.Info(format, args...)
}

func (a goLogAdapter) Error(format string, args ...interface{}) {
	a.log.Error(format, args...)
}
