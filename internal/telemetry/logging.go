// Package telemetry wires the ambient observability stack: zerolog setup,
// prometheus collectors, and the OpenTelemetry tracer.
package telemetry

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/astraly-labs/pragma-node/internal/config"
)

// NewLogger builds the process base logger: human console output in dev,
// JSON in prod.
func NewLogger(mode config.Mode) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if mode == config.ModeDev {
		w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
		return zerolog.New(w).Level(zerolog.DebugLevel).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}
