// Package logging builds the zerolog loggers shared by every segmentcore component.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Options selects the logger output
type Options struct {
	// Level is one of debug, info, warn, error
	Level string

	// Console enables zerolog's human readable console writer
	Console bool

	// Writer overrides the destination (stderr by default)
	Writer io.Writer
}

// New creates the root logger. Components derive children with Component.
func New(opts Options) (zerolog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	out := opts.Writer
	if out == nil {
		out = os.Stderr
	}
	if opts.Console {
		out = zerolog.ConsoleWriter{Out: out}
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger(), nil
}

// ParseLevel maps a config level name to a zerolog level. Empty means info.
func ParseLevel(name string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "info":
		return zerolog.InfoLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	}
	return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", name)
}

// Component returns a child logger tagged with the component name
func Component(parent zerolog.Logger, name string) zerolog.Logger {
	return parent.With().Str("component", name).Logger()
}

// BadgerLogger adapts a zerolog logger to badger's Logger interface
type BadgerLogger struct {
	log zerolog.Logger
}

// NewBadgerLogger wraps log for use with badger.Options.WithLogger
func NewBadgerLogger(log zerolog.Logger) *BadgerLogger {
	return &BadgerLogger{log: Component(log, "badger")}
}

func (b *BadgerLogger) Errorf(format string, args ...interface{}) {
	b.log.Error().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b *BadgerLogger) Warningf(format string, args ...interface{}) {
	b.log.Warn().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b *BadgerLogger) Infof(format string, args ...interface{}) {
	b.log.Debug().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (b *BadgerLogger) Debugf(format string, args ...interface{}) {
	b.log.Trace().Msg(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
