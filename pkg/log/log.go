// Package log is a thin structured-logging facade over zerolog.
// Callers attach context with WithField/WithFields/WithError and finish
// with a level method, e.g. log.WithField("room_id", id).Info("joined").
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
)

// InitLogger replaces the global logger. When pretty is true output is
// rendered with zerolog's ConsoleWriter, otherwise one JSON object per line.
func InitLogger(w io.Writer, level zerolog.Level, pretty bool) {
	if w == nil {
		w = os.Stderr
	}
	if pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	mu.Lock()
	logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
	mu.Unlock()
}

// Logger returns the current global zerolog logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Entry accumulates fields for a single log line.
type Entry struct {
	fields map[string]interface{}
	err    error
}

func newEntry() *Entry {
	return &Entry{fields: make(map[string]interface{})}
}

// WithField starts an entry with a single field.
func WithField(key string, value interface{}) *Entry {
	return newEntry().WithField(key, value)
}

// WithFields starts an entry with several fields.
func WithFields(fields map[string]interface{}) *Entry {
	return newEntry().WithFields(fields)
}

// WithError starts an entry carrying err.
func WithError(err error) *Entry {
	return newEntry().WithError(err)
}

func (e *Entry) WithField(key string, value interface{}) *Entry {
	e.fields[key] = value
	return e
}

func (e *Entry) WithFields(fields map[string]interface{}) *Entry {
	for k, v := range fields {
		e.fields[k] = v
	}
	return e
}

func (e *Entry) WithError(err error) *Entry {
	e.err = err
	return e
}

func (e *Entry) Debug(msg string) { e.emit(zerolog.DebugLevel, msg) }
func (e *Entry) Info(msg string)  { e.emit(zerolog.InfoLevel, msg) }
func (e *Entry) Warn(msg string)  { e.emit(zerolog.WarnLevel, msg) }
func (e *Entry) Error(msg string) { e.emit(zerolog.ErrorLevel, msg) }

func (e *Entry) emit(level zerolog.Level, msg string) {
	l := Logger()
	evt := l.WithLevel(level)
	if evt == nil {
		return
	}
	if e.err != nil {
		evt = evt.Err(e.err)
	}
	evt.Fields(e.fields).Msg(msg)
}

func Debug(msg string) { newEntry().Debug(msg) }
func Info(msg string)  { newEntry().Info(msg) }
func Warn(msg string)  { newEntry().Warn(msg) }
func Error(msg string) { newEntry().Error(msg) }
