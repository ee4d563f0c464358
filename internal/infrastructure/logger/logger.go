// Package logger wires up the engine's two loggers: a zerolog logger for the
// hot domain path (VLM retries, critic coercion, evaluator decisions,
// controller phases, progress transport) and a slog logger for the server
// entrypoint and the REST adapter.
package logger

import (
	"os"
	"strings"

	"log/slog"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures and returns the slog logger used by infrastructure code.
func Setup(level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseSlogLevel(level)}
	l := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(l)
	return l
}

func parseSlogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupZerolog configures and returns the zerolog logger used by domain
// code. It writes a colored console format when stdout is a TTY and plain
// JSON otherwise.
func SetupZerolog(level string) zerolog.Logger {
	zerolog.SetGlobalLevel(parseZerologLevel(level))

	var out = os.Stdout
	var l zerolog.Logger
	if isatty.IsTerminal(out.Fd()) {
		writer := zerolog.ConsoleWriter{Out: colorable.NewColorable(out)}
		l = zerolog.New(writer).With().Timestamp().Logger()
	} else {
		l = zerolog.New(out).With().Timestamp().Logger()
	}
	log.Logger = l
	return l
}

func parseZerologLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
