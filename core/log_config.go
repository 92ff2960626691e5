package core

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// init sets the global logging level from the RECALL_LOG environment variable
// so that library users get sane defaults without calling SetupLogging.
func init() {
	zerolog.SetGlobalLevel(LevelFromEnv(os.Getenv("RECALL_LOG")))
}

// LevelFromEnv maps the RECALL_LOG values to a zerolog level.
// "off" or "0" disables logging, "full" enables debug output, anything else is info.
func LevelFromEnv(value string) zerolog.Level {
	switch strings.TrimSpace(strings.ToLower(value)) {
	case "off", "0":
		return zerolog.Disabled
	case "full":
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}

// ParseLevel accepts the RECALL_LOG values as well as zerolog level names.
func ParseLevel(level string) zerolog.Level {
	level = strings.TrimSpace(strings.ToLower(level))
	switch level {
	case "", "off", "0", "full":
		return LevelFromEnv(level)
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// SetupLogging configures the global zerolog logger.
// level accepts zerolog level names plus the RECALL_LOG values; format is "json" or "console".
func SetupLogging(level, format string, out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	zerolog.SetGlobalLevel(ParseLevel(level))

	if format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}
