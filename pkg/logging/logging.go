// Package logging builds the zerolog loggers used across the server.
//
// Every package keeps its own component logger as a package variable:
//
//	var logger = logging.For("ws")
//
// Configure is called once from main to pick the level; it affects every
// logger because zerolog levels are global.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

var output io.Writer = newOutput()

func newOutput() io.Writer {
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "console") {
		return zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	}
	return os.Stdout
}

// For returns a logger tagged with the given component name.
func For(component string) zerolog.Logger {
	return zerolog.New(output).With().Timestamp().Str("component", component).Logger()
}

// Configure sets the global level. Unknown levels fall back to info.
func Configure(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}
