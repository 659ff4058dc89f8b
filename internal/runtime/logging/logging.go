package logging

import (
	"context"
	"log/slog"
	"sort"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields represents structured logging key/value pairs attached to a log line.
type LogFields map[string]any

// ServiceLogger is the logging contract used across the job host. Its shape
// follows Watermill's LoggerAdapter so transports and the host share one logger.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// WarningLogger is implemented by loggers with a native warning level.
// Trace writers send Warning messages there instead of tagging an Info line.
type WarningLogger interface {
	Warn(msg string, fields LogFields)
}

// LevelTrace sits below slog.LevelDebug and carries Trace lines, which the
// transports use for per-message chatter.
const LevelTrace = slog.LevelDebug - 4

// NewSlogServiceLogger logs straight to a slog.Logger. The returned logger
// also implements WarningLogger.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("queuehost: slog logger cannot be nil")
	}
	return &slogServiceLogger{log: log}
}

type slogServiceLogger struct {
	log *slog.Logger
}

func (s *slogServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return s
	}
	args := make([]any, 0, len(fields))
	for _, a := range attrs(fields) {
		args = append(args, a)
	}
	return &slogServiceLogger{log: s.log.With(args...)}
}

func (s *slogServiceLogger) Debug(msg string, fields LogFields) {
	s.emit(slog.LevelDebug, msg, attrs(fields))
}

func (s *slogServiceLogger) Info(msg string, fields LogFields) {
	s.emit(slog.LevelInfo, msg, attrs(fields))
}

func (s *slogServiceLogger) Warn(msg string, fields LogFields) {
	s.emit(slog.LevelWarn, msg, attrs(fields))
}

func (s *slogServiceLogger) Error(msg string, err error, fields LogFields) {
	a := attrs(fields)
	if err != nil {
		a = append(a, slog.String("err", err.Error()))
	}
	s.emit(slog.LevelError, msg, a)
}

func (s *slogServiceLogger) Trace(msg string, fields LogFields) {
	s.emit(LevelTrace, msg, attrs(fields))
}

func (s *slogServiceLogger) emit(level slog.Level, msg string, a []slog.Attr) {
	s.log.LogAttrs(context.Background(), level, msg, a...)
}

// attrs orders fields by key so a line always renders the same way.
func attrs(fields LogFields) []slog.Attr {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		out = append(out, slog.Any(k, fields[k]))
	}
	return out
}

// NewWatermillServiceLogger wraps an existing Watermill LoggerAdapter.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("queuehost: watermill logger cannot be nil")
	}
	return &watermillServiceLogger{inner: logger}
}

type watermillServiceLogger struct {
	inner watermill.LoggerAdapter
}

func (w *watermillServiceLogger) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return w
	}
	return &watermillServiceLogger{inner: w.inner.With(watermill.LogFields(fields))}
}

func (w *watermillServiceLogger) Debug(msg string, fields LogFields) {
	w.inner.Debug(msg, watermillFields(fields))
}

func (w *watermillServiceLogger) Info(msg string, fields LogFields) {
	w.inner.Info(msg, watermillFields(fields))
}

func (w *watermillServiceLogger) Error(msg string, err error, fields LogFields) {
	w.inner.Error(msg, err, watermillFields(fields))
}

func (w *watermillServiceLogger) Trace(msg string, fields LogFields) {
	w.inner.Trace(msg, watermillFields(fields))
}

// NewWatermillAdapter hands a ServiceLogger to the queue transports, which
// log through watermill.LoggerAdapter. Every transport line carries its
// transport name.
func NewWatermillAdapter(log ServiceLogger, transportName string) watermill.LoggerAdapter {
	if log == nil {
		panic("queuehost: ServiceLogger cannot be nil")
	}
	if transportName != "" {
		log = log.With(LogFields{"transport": transportName})
	}
	return &transportLogger{base: log}
}

type transportLogger struct {
	base ServiceLogger
}

func (t *transportLogger) Error(msg string, err error, fields watermill.LogFields) {
	t.base.Error(msg, err, LogFields(fields))
}

func (t *transportLogger) Info(msg string, fields watermill.LogFields) {
	t.base.Info(msg, LogFields(fields))
}

func (t *transportLogger) Debug(msg string, fields watermill.LogFields) {
	t.base.Debug(msg, LogFields(fields))
}

func (t *transportLogger) Trace(msg string, fields watermill.LogFields) {
	t.base.Trace(msg, LogFields(fields))
}

func (t *transportLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &transportLogger{base: t.base.With(LogFields(fields))}
}

func watermillFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}
