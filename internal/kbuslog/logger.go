// Package kbuslog wraps zerolog into the level-method surface the rest
// of this module calls (Infof/Warnf/Errorf/Debugf), the same shape the
// teacher's hand-rolled logger exposed, but backed by a real structured
// logger instead of a bare log.Logger wrapper.
package kbuslog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the structured logger passed down into every switch,
// device set and bridge. Fields (device, endpoint id,
// peer network id, ...) should be attached with With before the value
// is handed to a component, so every log line it emits is already
// scoped.
type Logger struct {
	zl    zerolog.Logger
	debug bool
}

// New builds a Logger writing to w (os.Stderr in production, a
// bytes.Buffer in tests that want to assert on output).
func New(w io.Writer) Logger {
	zl := zerolog.New(w).With().Timestamp().Logger()
	return Logger{zl: zl}
}

// Default returns a human-readable console logger, matching the
// console writer R2Northstar-Atlas sets up for interactive use.
func Default() Logger {
	return New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

// With returns a child logger with an additional structured field,
// used to scope a logger to a single device, endpoint or bridge peer.
func (l Logger) With(key string, value interface{}) Logger {
	return Logger{zl: l.zl.With().Interface(key, value).Logger(), debug: l.debug}
}

func (l Logger) Infof(format string, v ...interface{}) {
	l.zl.Info().Msgf(format, v...)
}

func (l Logger) Warnf(format string, v ...interface{}) {
	l.zl.Warn().Msgf(format, v...)
}

func (l Logger) Errorf(format string, v ...interface{}) {
	l.zl.Error().Msgf(format, v...)
}

func (l Logger) Debugf(format string, v ...interface{}) {
	if !l.debug {
		return
	}
	l.zl.Debug().Msgf(format, v...)
}

func (l Logger) Tracef(format string, v ...interface{}) {
	if !l.debug {
		return
	}
	l.zl.Trace().Msgf(format, v...)
}

// ToggleDebug turns the endpoint "verbose" flag into log verbosity,
// mirroring the teacher's DefaultLogger.ToggleDebug.
func (l *Logger) ToggleDebug(on bool) bool {
	l.debug = on
	return l.debug
}
