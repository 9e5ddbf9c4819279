// Package logger is a thin façade over zerolog so the rest of the tree
// calls logger.Infof/Warnf/Errorf/Debugf without importing zerolog
// directly everywhere, matching the call shape the trading loop uses
// throughout the engine package.
package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log zerolog.Logger
)

func init() {
	log = zerolog.New(consoleWriter()).With().Timestamp().Logger()
	zerolog.TimeFieldFormat = time.RFC3339
}

func consoleWriter() io.Writer {
	return zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
}

// Configure switches between a human console writer (env != "production")
// and JSON output (production), and applies the minimum level.
func Configure(env string, level string) {
	mu.Lock()
	defer mu.Unlock()

	var w io.Writer = os.Stdout
	if env != "production" {
		w = consoleWriter()
	}
	l := zerolog.New(w).With().Timestamp().Logger()
	if lvl, err := zerolog.ParseLevel(level); err == nil {
		l = l.Level(lvl)
	}
	log = l
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

func Info(msg string)                    { current().Info().Msg(msg) }
func Infof(format string, v ...any)       { current().Info().Msgf(format, v...) }
func Warnf(format string, v ...any)       { current().Warn().Msgf(format, v...) }
func Errorf(format string, v ...any)      { current().Error().Msgf(format, v...) }
func Debugf(format string, v ...any)      { current().Debug().Msgf(format, v...) }
func Fatalf(format string, v ...any)      { current().Fatal().Msgf(format, v...) }

// WithField returns a derived zerolog event builder for structured
// call sites that need a typed field instead of an interpolated string,
// e.g. logger.WithField("trade_id", id).Info("stop placed").
func WithField(key string, value any) *zerolog.Event {
	return current().Info().Interface(key, value)
}
