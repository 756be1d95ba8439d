// Package logging builds the process root logger.
//
// One zerolog logger is created at startup from config and handed down to
// components as children (log.With().Str("comp", ...)). The level is applied
// through zerolog's global level so a config reload can change it without
// rebuilding loggers.
package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/keuin/kimikuri/internal/config"
)

const timeFormat = "2006-01-02T15:04:05.000Z07:00"

// New builds the root logger. The returned close func flushes/closes the
// optional file sink; call it once, after the last log line.
func New(cfg config.LoggingConfig) (zerolog.Logger, func(), error) {
	zerolog.TimeFieldFormat = timeFormat
	zerolog.ErrorFieldName = "err"
	zerolog.SetGlobalLevel(parseLevel(cfg.Level, zerolog.InfoLevel))

	var sinks []io.Writer
	if cfg.Console {
		sinks = append(sinks, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: timeFormat})
	} else {
		sinks = append(sinks, os.Stderr)
	}

	closer := func() {}
	if cfg.File.Enabled {
		f, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), closer, fmt.Errorf("logging: open %s: %w", cfg.File.Path, err)
		}
		sinks = append(sinks, f)
		closer = func() { _ = f.Close() }
	}

	var out io.Writer = sinks[0]
	if len(sinks) > 1 {
		out = zerolog.MultiLevelWriter(sinks...)
	}
	log := zerolog.New(out).With().Timestamp().Logger()
	return log, closer, nil
}

// SetLevel applies a new minimum level process-wide. Unknown levels are
// ignored and reported by the return value.
func SetLevel(level string) bool {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return false
	}
	zerolog.SetGlobalLevel(lvl)
	return true
}

func parseLevel(s string, def zerolog.Level) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return def
	}
	return lvl
}
