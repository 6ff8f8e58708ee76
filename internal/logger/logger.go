package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ServiceName tags every log line.
const ServiceName = "exstem-proctor"

// Setup initializes the global zerolog logger writing to stdout.
//   - level: trace, debug, info, warn, error, fatal or panic (default info)
//   - format: "json" for production, "pretty" for human-readable dev output
func Setup(level, format string) zerolog.Logger {
	return New(os.Stdout, level, format)
}

// New builds a logger on w. Session and exam ids are attached by callers
// with With().Str, so they stay queryable in JSON output.
func New(w io.Writer, level, format string) zerolog.Logger {
	writer := w
	if format == "pretty" {
		writer = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	return zerolog.New(writer).
		With().
		Timestamp().
		Str("service", ServiceName).
		Caller().
		Logger()
}
