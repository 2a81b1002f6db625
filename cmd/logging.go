package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"daly-bms-bridge/config"
)

// setupLogging replaces the global logger. Component loggers derive from
// it at construction, so this runs before anything is built.
func setupLogging(cfg config.LoggingConfig, w io.Writer) error {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = l
	}
	zerolog.SetGlobalLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	case "json":
	default:
		return fmt.Errorf("invalid log format %q", cfg.Format)
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	return nil
}

func logger() *zerolog.Logger {
	l := log.With().Str("component", "cli").Logger()
	return &l
}
