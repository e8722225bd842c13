package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LevelEnv names the environment variable holding the default log level.
const LevelEnv = "DRONE_INGEST_LOG_LEVEL"

// Options overrides the environment-derived logger settings.
type Options struct {
	// Level is debug, info, warn or error. Empty falls back to LevelEnv.
	Level string
	// JSON keeps raw JSON lines instead of console formatting.
	JSON bool
	// Out defaults to stderr.
	Out io.Writer
}

// Init initializes the global logger. DRONE_INGEST_LOG_LEVEL controls the
// level (debug, info, warn, error; default info) unless opts.Level is set.
func Init(opts Options) {
	level := opts.Level
	if level == "" {
		level = os.Getenv(LevelEnv)
	}
	zerolog.SetGlobalLevel(ParseLevel(level))

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if opts.JSON {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "trace":
		return zerolog.TraceLevel
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
