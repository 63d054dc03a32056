// Package logging builds the process root logger.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// Base builds a zerolog.Logger for app.
// format: json|console; level: trace|debug|info|warn|error
func Base(app, level, format string) zerolog.Logger {
	return New(os.Stderr, app, level, format)
}

// New is Base with an explicit writer.
func New(w io.Writer, app, level, format string) zerolog.Logger {
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		w = zerolog.ConsoleWriter{Out: w}
	}

	return zerolog.New(w).Level(parseLevel(level)).With().Timestamp().Str("app", app).Logger()
}

func parseLevel(s string) zerolog.Level {
	if lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(s))); err == nil && lvl != zerolog.NoLevel {
		return lvl
	}

	return zerolog.InfoLevel
}
