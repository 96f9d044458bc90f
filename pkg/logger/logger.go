// Package logger builds the root zerolog logger every component derives
// sub-loggers from via .With().Str("component", ...).
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Pretty bool   // console writer for local development
}

// New configures the process-wide logging defaults and returns the root
// logger. It also replaces the zerolog package-level logger so stray
// log.Info() calls carry the same fields.
func New(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	zerolog.TimeFieldFormat = time.RFC3339

	var out io.Writer = os.Stdout
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	root := zerolog.New(out).With().
		Timestamp().
		Str("service", "bithedge-backend").
		Logger()
	log.Logger = root
	return root
}

// parseLevel maps a config string onto a zerolog level. Unrecognized values
// fall back to info rather than failing startup.
func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
