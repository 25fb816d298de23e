package observability

import (
	"io"
	"log/slog"
	"os"

	"github.com/NotEnoughUpdates/ursa-minor/internal/config"
)

// NewLogger builds the process-wide structured logger from the logging
// config. Unrecognized levels or formats fall back to info/JSON so a config
// typo never silences the gateway.
func NewLogger(level config.LogLevel, format config.LogFormat) *slog.Logger {
	return slog.New(newLogHandler(os.Stdout, level, format))
}

// newLogHandler is split from NewLogger so tests can capture output.
func newLogHandler(w io.Writer, level config.LogLevel, format config.LogFormat) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if format == config.LogFormatText {
		return slog.NewTextHandler(w, opts)
	}
	return slog.NewJSONHandler(w, opts)
}

func parseLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogLevelDebug:
		return slog.LevelDebug
	case config.LogLevelWarn:
		return slog.LevelWarn
	case config.LogLevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
