// Package logger builds the root zerolog logger for factorrisk binaries.
// Packages derive their own loggers from it with a "component" field.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects the level, format and destination of the root logger.
type Config struct {
	// Level is any zerolog level name (trace, debug, info, warn, error,
	// fatal, panic, disabled). Empty or unrecognised names mean info.
	Level string
	// Pretty switches to the human-readable console format for local runs.
	Pretty bool
	// Service, when set, is attached to every event as "service".
	Service string
	// Output defaults to stdout.
	Output io.Writer
}

// ParseLevel maps a configured level name onto a zerolog level, case-insensitively.
func ParseLevel(name string) zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// New builds the root logger and sets the process-wide minimum level to match.
func New(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(ParseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	ctx := zerolog.New(out).With().Timestamp().Caller()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	return ctx.Logger()
}

// SetGlobalLogger makes l the logger behind github.com/rs/zerolog/log.
func SetGlobalLogger(l zerolog.Logger) {
	log.Logger = l
}
