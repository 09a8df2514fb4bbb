package logging

import (
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields represents structured logging key/value pairs.
type LogFields map[string]any

// ServiceLogger is the logging contract every relayflow component depends on.
// Its method set matches watermill.LoggerAdapter, so broker adapters and the
// processing core log through one sink.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// slogLevels maps slog levels one to one for watermill's slog adapter.
var slogLevels = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// NewSlogServiceLogger logs to log. It panics on nil.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("relayflow: slog logger cannot be nil")
	}
	return bridged{wm: watermill.NewSlogLoggerWithLevelMapping(log, slogLevels)}
}

// NewWatermillServiceLogger logs to an existing watermill adapter. It panics on nil.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("relayflow: watermill logger cannot be nil")
	}
	return bridged{wm: logger}
}

func NewNopServiceLogger() ServiceLogger { return bridged{wm: watermill.NopLogger{}} }

// Component tags log with the component that owns it. A nil log discards.
func Component(log ServiceLogger, name string) ServiceLogger {
	if log == nil {
		log = NewNopServiceLogger()
	}
	return log.With(LogFields{"component": name})
}

// NewWatermillAdapter hands log to watermill publishers and subscribers. A
// logger that already wraps a watermill adapter is unwrapped.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	switch l := log.(type) {
	case nil:
		panic("relayflow: ServiceLogger cannot be nil")
	case bridged:
		return l.wm
	default:
		return reverseBridge{svc: log}
	}
}

// bridged is a ServiceLogger backed by a watermill adapter.
type bridged struct {
	wm watermill.LoggerAdapter
}

func (b bridged) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return b
	}
	return bridged{wm: b.wm.With(watermill.LogFields(fields))}
}

func (b bridged) Debug(msg string, fields LogFields) { b.wm.Debug(msg, toWatermill(fields)) }
func (b bridged) Info(msg string, fields LogFields)  { b.wm.Info(msg, toWatermill(fields)) }
func (b bridged) Trace(msg string, fields LogFields) { b.wm.Trace(msg, toWatermill(fields)) }
func (b bridged) Error(msg string, err error, fields LogFields) {
	b.wm.Error(msg, err, toWatermill(fields))
}

// reverseBridge is a watermill adapter backed by a ServiceLogger.
type reverseBridge struct {
	svc ServiceLogger
}

func (r reverseBridge) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return reverseBridge{svc: r.svc.With(fromWatermill(fields))}
}

func (r reverseBridge) Debug(msg string, fields watermill.LogFields) {
	r.svc.Debug(msg, fromWatermill(fields))
}
func (r reverseBridge) Info(msg string, fields watermill.LogFields) {
	r.svc.Info(msg, fromWatermill(fields))
}
func (r reverseBridge) Trace(msg string, fields watermill.LogFields) {
	r.svc.Trace(msg, fromWatermill(fields))
}
func (r reverseBridge) Error(msg string, err error, fields watermill.LogFields) {
	r.svc.Error(msg, err, fromWatermill(fields))
}

func toWatermill(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermill(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}
