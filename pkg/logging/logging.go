// SPDX-License-Identifier: BSD-3-Clause

package logging

import (
	"log/slog"
	"sync"

	"github.com/rs/zerolog"
	slogmulti "github.com/samber/slog-multi"
	slogzerolog "github.com/samber/slog-zerolog/v2"
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel/log/global"
)

var (
	globalOnce   sync.Once
	globalLogger *slog.Logger
)

// Level controls the minimum severity emitted by NewLogger.
type Level = slog.Level

// Severity aliases matching slog's levels, kept local so callers don't
// need to import log/slog just to pick a level.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// NewLogger creates a structured logger that writes human-readable output
// to the console via zerolog and, simultaneously, structured records to
// the globally configured OpenTelemetry LoggerProvider (a no-op provider
// if none has been installed by the embedding application).
func NewLogger(serviceName string, level Level) *slog.Logger {
	zeroLogger := zerolog.
		New(zerolog.NewConsoleWriter()).
		With().
		Timestamp().
		Logger()

	provider := global.GetLoggerProvider()
	otelHandler := otelslog.NewHandler(serviceName, otelslog.WithLoggerProvider(provider))

	return slog.New(slogmulti.Fanout(
		slogzerolog.Option{Level: level, Logger: &zeroLogger}.NewZerologHandler(),
		otelHandler,
	))
}

// GetGlobalLogger returns the process-wide logger, constructing it with
// sane defaults ("statewire", debug level) on first use. Call SetGlobalLogger
// before any component starts if a different configuration is required.
func GetGlobalLogger() *slog.Logger {
	globalOnce.Do(func() {
		if globalLogger == nil {
			globalLogger = NewLogger("statewire", LevelDebug)
		}
	})
	return globalLogger
}

// SetGlobalLogger installs logger as the process-wide logger. It takes
// effect immediately whether or not GetGlobalLogger has been called, and
// later GetGlobalLogger calls return logger instead of building a default.
func SetGlobalLogger(logger *slog.Logger) {
	globalLogger = logger
	globalOnce.Do(func() {})
}
