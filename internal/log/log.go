// Package log holds the single shared zerolog.Logger that cmd/dfu-util
// renders dfu events through. The dfu package itself does not log.
package log

import (
	"os"

	"github.com/rs/zerolog"
)

var logger zerolog.Logger = zerolog.Nop()

// Set installs l as the package-level logger. Passing a nil *zerolog.Logger
// resets to a no-op logger, so components stay silent unless a caller opts
// in.
func Set(l *zerolog.Logger) {
	if l == nil {
		logger = zerolog.Nop()
		return
	}
	logger = *l
}

// SetConsole installs a human-readable console writer at the given level,
// the way cmd/dfu-util wires up stderr logging.
func SetConsole(level zerolog.Level) {
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

// Logger returns the current shared logger.
func Logger() *zerolog.Logger { return &logger }
