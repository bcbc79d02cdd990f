package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the process logger. Debug mode lowers the level and
// switches to the console writer for local development.
func Setup(debug bool) zerolog.Logger {
	var logger zerolog.Logger
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Caller().Logger()

	if debug {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr, FormatTimestamp: func(i any) string {
			return time.Now().Format(time.RFC3339)
		}}).Level(level).With().Stack().Logger()
	}

	// Library code logs through the global logger.
	log.Logger = logger

	return logger
}
