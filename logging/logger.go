// Package logging holds the process-wide logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var logout = zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: time.RFC3339,
}

// Logger is a globally available logger instance.
var Logger = zerolog.New(logout).
	With().Timestamp().Logger().
	With().Caller().Logger().
	Level(zerolog.InfoLevel)

// SetLevel changes the level of the global logger. Unknown names fall back to
// info.
func SetLevel(name string) {
	level, err := zerolog.ParseLevel(name)
	if err != nil || name == "" {
		level = zerolog.InfoLevel
	}

	Logger = Logger.Level(level)
}

// SetOutput replaces the writer of the global logger. A nil writer discards
// everything, which is what the tests use.
func SetOutput(w io.Writer) {
	if w == nil {
		w = io.Discard
	}

	Logger = Logger.Output(w)
}

// Component returns a sub-logger tagged with the component name.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
