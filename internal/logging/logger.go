// Package logging builds the zerolog logger shared by every binary.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns a JSON logger on stdout, or a console logger in dev.
func New(env, level, service string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if env == "dev" {
		out = zerolog.ConsoleWriter{Out: os.Stdout}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	return zerolog.New(out).
		Level(lvl).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}
