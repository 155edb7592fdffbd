package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Environment variables read by Init.
const (
	EnvLogLevel  = "SITEMEDIA_LOG_LEVEL"
	EnvLogFormat = "SITEMEDIA_LOG_FORMAT"
)

// Init initializes the global logger with configuration from environment variables.
// SITEMEDIA_LOG_LEVEL controls the log level: debug, info, warn, error (default: info)
// SITEMEDIA_LOG_FORMAT=json writes JSON lines (Lambda); anything else writes to a console.
func Init() {
	InitWithWriter(os.Stderr)
}

// InitWithWriter is Init with an explicit destination.
func InitWithWriter(w io.Writer) {
	zerolog.SetGlobalLevel(ParseLevel(os.Getenv(EnvLogLevel)))

	if strings.EqualFold(os.Getenv(EnvLogFormat), "json") {
		log.Logger = zerolog.New(w).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w})
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
