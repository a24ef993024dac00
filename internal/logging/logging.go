// Package logging builds the zerolog loggers shared by the service components.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New returns a JSON logger writing to stdout tagged with the component name.
func New(component, level string) zerolog.Logger {
	return NewWithWriter(os.Stdout, component, level)
}

// NewWithWriter is New with an explicit sink.
func NewWithWriter(w io.Writer, component, level string) zerolog.Logger {
	return zerolog.New(w).
		Level(ParseLevel(level)).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// ParseLevel falls back to info for unknown or empty levels.
func ParseLevel(level string) zerolog.Level {
	parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return parsed
}
