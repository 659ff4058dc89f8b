package logging

import (
	"fmt"
	"strings"
)

// TraceLevel is the minimum severity a TraceWriter forwards.
type TraceLevel int

const (
	LevelOff TraceLevel = iota
	LevelError
	LevelWarning
	LevelInfo
	LevelVerbose
)

func (l TraceLevel) String() string {
	switch l {
	case LevelOff:
		return "off"
	case LevelError:
		return "error"
	case LevelWarning:
		return "warning"
	case LevelInfo:
		return "info"
	case LevelVerbose:
		return "verbose"
	default:
		return fmt.Sprintf("TraceLevel(%d)", int(l))
	}
}

// ParseTraceLevel maps a config value to a TraceLevel. An empty value means
// LevelInfo.
func ParseTraceLevel(value string) (TraceLevel, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "":
		return LevelInfo, nil
	case "off", "none":
		return LevelOff, nil
	case "error":
		return LevelError, nil
	case "warning", "warn":
		return LevelWarning, nil
	case "info":
		return LevelInfo, nil
	case "verbose", "debug":
		return LevelVerbose, nil
	default:
		return LevelOff, fmt.Errorf("unknown trace level %q", value)
	}
}

// TraceWriter receives the host's diagnostic messages.
type TraceWriter interface {
	Error(msg string, cause error)
	Warning(msg string)
	Info(msg string)
	Verbose(msg string)
}

// NewTraceWriter forwards trace messages at or above level to log. Verbose
// goes to Debug. Warning goes to Warn when log is a WarningLogger and to Info
// tagged with severity=warning otherwise.
func NewTraceWriter(log ServiceLogger, level TraceLevel) TraceWriter {
	if log == nil {
		panic("queuehost: ServiceLogger cannot be nil")
	}
	return &serviceTraceWriter{log: log.With(LogFields{"component": "jobhost"}), level: level}
}

type serviceTraceWriter struct {
	log   ServiceLogger
	level TraceLevel
}

func (w *serviceTraceWriter) enabled(level TraceLevel) bool {
	return w.level >= level && level > LevelOff
}

func (w *serviceTraceWriter) Error(msg string, cause error) {
	if w.enabled(LevelError) {
		w.log.Error(msg, cause, nil)
	}
}

func (w *serviceTraceWriter) Warning(msg string) {
	if !w.enabled(LevelWarning) {
		return
	}
	if wl, ok := w.log.(WarningLogger); ok {
		wl.Warn(msg, nil)
		return
	}
	w.log.Info(msg, LogFields{"severity": "warning"})
}

func (w *serviceTraceWriter) Info(msg string) {
	if w.enabled(LevelInfo) {
		w.log.Info(msg, nil)
	}
}

func (w *serviceTraceWriter) Verbose(msg string) {
	if w.enabled(LevelVerbose) {
		w.log.Debug(msg, nil)
	}
}

// NopTraceWriter discards everything.
type NopTraceWriter struct{}

func (NopTraceWriter) Error(string, error) {}
func (NopTraceWriter) Warning(string)      {}
func (NopTraceWriter) Info(string)         {}
func (NopTraceWriter) Verbose(string)      {}
