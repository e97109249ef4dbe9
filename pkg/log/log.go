// Package log wraps microlib/simple behind a small interface so every
// package in this module can take a logger at construction without
// depending on a concrete implementation.
package log

import (
	"fmt"

	"github.com/microlib/simple"
)

// PluggableLoggerInterface is the logging surface every top-level service
// constructor accepts. Satisfied by *Logger, and by any test double.
type PluggableLoggerInterface interface {
	Trace(msg string, a ...any)
	Debug(msg string, a ...any)
	Info(msg string, a ...any)
	Warn(msg string, a ...any)
	Error(msg string, a ...any)
	Level() string
}

// Logger adapts simple.Logger to PluggableLoggerInterface.
type Logger struct {
	l *simple.Logger
}

// New builds a Logger at the given level ("trace", "debug", "info", "warn", "error").
func New(level string) *Logger {
	return &Logger{l: &simple.Logger{Level: level}}
}

func (o *Logger) Trace(msg string, a ...any) { o.l.Trace(fmt.Sprintf(msg, a...)) }
func (o *Logger) Debug(msg string, a ...any) { o.l.Debug(fmt.Sprintf(msg, a...)) }
func (o *Logger) Info(msg string, a ...any)  { o.l.Info(fmt.Sprintf(msg, a...)) }
func (o *Logger) Warn(msg string, a ...any)  { o.l.Warn(fmt.Sprintf(msg, a...)) }
func (o *Logger) Error(msg string, a ...any) { o.l.Error(fmt.Sprintf(msg, a...)) }
func (o *Logger) Level() string              { return o.l.Level }
