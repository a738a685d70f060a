// Package zerolog adapts a zerolog.Logger to the stripecord.Logger
// interface so engine logs flow into the host application's log stream.
package zerolog

import (
	"github.com/rs/zerolog"

	"github.com/Digital39999/StripeCord/pkg/stripecord"
)

// Logger forwards engine log calls to an underlying zerolog.Logger. Level
// filtering is the zerolog logger's own; fields map to zerolog fields by key.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger wraps the given zerolog.Logger.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

func (l *Logger) Debug(msg string, fields ...stripecord.Field) {
	l.log(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...stripecord.Field) {
	l.log(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...stripecord.Field) {
	l.log(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...stripecord.Field) {
	l.log(l.logger.Error(), msg, fields)
}

func (l *Logger) log(event *zerolog.Event, msg string, fields []stripecord.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		event = event.Interface(f.Key, f.Value)
	}
	event.Msg(msg)
}
