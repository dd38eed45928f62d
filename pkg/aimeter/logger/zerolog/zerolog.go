// Package zerolog adapts rs/zerolog to aimeter.Logger.
package zerolog

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/warrenwang2025/aimeter/pkg/aimeter"
)

// Logger implements aimeter.Logger using zerolog.
type Logger struct {
	logger zerolog.Logger
}

var _ aimeter.Logger = (*Logger)(nil)

// NewLogger creates a new zerolog logger adapter.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger.With().Str("component", "aimeter").Logger()}
}

// ParseLevel converts a LOG_LEVEL value into a zerolog level.
func ParseLevel(level string) (zerolog.Level, error) {
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("%w: log level %q", aimeter.ErrInvalidConfig, level)
	}
	return l, nil
}

func (l *Logger) Debug(msg string, fields ...aimeter.Field) {
	l.log(l.logger.Debug(), msg, fields)
}

func (l *Logger) Info(msg string, fields ...aimeter.Field) {
	l.log(l.logger.Info(), msg, fields)
}

func (l *Logger) Warn(msg string, fields ...aimeter.Field) {
	l.log(l.logger.Warn(), msg, fields)
}

func (l *Logger) Error(msg string, fields ...aimeter.Field) {
	l.log(l.logger.Error(), msg, fields)
}

func (l *Logger) log(event *zerolog.Event, msg string, fields []aimeter.Field) {
	if event == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case string:
			event = event.Str(f.Key, v)
		case int64:
			event = event.Int64(f.Key, v)
		case int:
			event = event.Int(f.Key, v)
		case bool:
			event = event.Bool(f.Key, v)
		case time.Duration:
			event = event.Dur(f.Key, v)
		case error:
			event = event.AnErr(f.Key, v)
		case fmt.Stringer:
			event = event.Stringer(f.Key, v)
		default:
			event = event.Interface(f.Key, v)
		}
	}
	event.Msg(msg)
}
