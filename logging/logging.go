// Package logging configures the process-wide zerolog logger. Libraries
// in this module take a zerolog.Logger; binaries call Configure once and
// pass log.Logger down.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Level      string
	Console    bool
	TimeFormat string
}

func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Console:    true,
		TimeFormat: time.RFC3339,
	}
}

// New builds a logger from cfg without touching globals.
func New(cfg Config) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Console {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: cfg.TimeFormat,
		})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.With().Timestamp().Logger().Level(parseLevel(cfg.Level))
}

// Configure installs cfg as the global logger.
func Configure(cfg Config) {
	log.Logger = New(cfg)
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
}

func parseLevel(level string) zerolog.Level {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return parsed
}
