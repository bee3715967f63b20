// Package logger configures the process-wide zerolog output.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init sets up the global logger. Development gets a human-readable
// console writer at debug level; production logs JSON at info level.
func Init(environment string, debug bool) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if environment == "production" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "2006-01-02 15:04:05.000",
		})
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
	if debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("environment", environment).Msg("logger initialized")
}

// Get returns a logger with component context.
func Get(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
