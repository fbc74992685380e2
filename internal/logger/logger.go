// Package logger builds the zerolog logger used by the command line tools and
// bridges it to the logr.Logger the library packages accept.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
)

// ParseLevel maps a level name ("debug", "info", "warn", "error") to a
// zerolog level. The empty string is "info".
func ParseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

// NewZerolog returns a timestamped zerolog logger writing JSON lines to writer.
func NewZerolog(writer io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// NewConsole returns a human readable logger on stderr.
func NewConsole(level zerolog.Level) zerolog.Logger {
	return NewZerolog(zerolog.ConsoleWriter{Out: os.Stderr}, level)
}

// Logr wraps zl as a logr.Logger. logr V(1) and above map to zerolog debug.
func Logr(zl zerolog.Logger, name string) logr.Logger {
	log := zerologr.New(&zl)
	if name != "" {
		log = log.WithName(name)
	}
	return log
}
