// SPDX-License-Identifier: BSD-3-Clause

package logging

import (
	"fmt"
	"log/slog"

	"github.com/nats-io/nats-server/v2/server"
)

// natsLogger adapts a slog.Logger to the NATS server.Logger interface so the
// embedded bus server's own log lines flow through the same structured
// logging pipeline as the rest of the runtime.
type natsLogger struct {
	l *slog.Logger
}

func (l *natsLogger) Fatalf(format string, v ...interface{}) {
	l.l.With("subsystem", "nats", "nats_level", "fatal").Error(fmt.Sprintf(format, v...))
}

func (l *natsLogger) Errorf(format string, v ...interface{}) {
	l.l.With("subsystem", "nats", "nats_level", "error").Error(fmt.Sprintf(format, v...))
}

func (l *natsLogger) Warnf(format string, v ...interface{}) {
	l.l.With("subsystem", "nats", "nats_level", "warn").Warn(fmt.Sprintf(format, v...))
}

func (l *natsLogger) Noticef(format string, v ...interface{}) {
	l.l.With("subsystem", "nats", "nats_level", "info").Info(fmt.Sprintf(format, v...))
}

func (l *natsLogger) Debugf(format string, v ...interface{}) {
	l.l.With("subsystem", "nats", "nats_level", "debug").Debug(fmt.Sprintf(format, v...))
}

func (l *natsLogger) Tracef(format string, v ...interface{}) {
	l.l.With("subsystem", "nats", "nats_level", "trace").Debug(fmt.Sprintf(format, v...))
}

// NewNATSLogger wraps l so it can be installed as an embedded NATS server's
// logger via (*server.Server).SetLoggerV2.
func NewNATSLogger(l *slog.Logger) server.Logger {
	return &natsLogger{l: l}
}
