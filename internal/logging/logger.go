package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LevelEnvVar selects the log level: debug, info, warn, error (default: info).
const LevelEnvVar = "GRADER_LOG_LEVEL"

// Init initializes the global logger from GRADER_LOG_LEVEL, writing
// human-readable output to stderr so stdout stays free for command output and
// metrics.
func Init() {
	InitWithWriter(os.Stderr, os.Getenv(LevelEnvVar))
}

// InitWithWriter initializes the global logger with an explicit writer and
// level name. An empty or unknown level selects info.
func InitWithWriter(w io.Writer, level string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"})
}

// ParseLevel maps a level name to a zerolog level.
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
