package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// ZerologHandler returns a Handler that writes Entry values through the
// given zerolog.Logger, preserving structured Fields as key/value pairs.
// This is the production Handler wired by the top-level Client; tests and
// the teacher's own package use a plain func literal instead.
func ZerologHandler(zl zerolog.Logger) Handler {
	return func(e Entry) {
		var ev *zerolog.Event
		switch e.Level {
		case DEBUG:
			ev = zl.Debug()
		case INFO:
			ev = zl.Info()
		case WARN:
			ev = zl.Warn()
		case ERROR:
			ev = zl.Error()
		default:
			return
		}
		for k, v := range e.Fields {
			ev = ev.Interface(k, v)
		}
		ev.Msg(e.Message)
	}
}

// NewDefaultZerolog builds a console-friendly zerolog.Logger writing to
// stderr, used when the caller doesn't supply their own.
func NewDefaultZerolog() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}
