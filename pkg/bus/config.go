// SPDX-License-Identifier: BSD-3-Clause

package bus

import (
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultServiceName     = "bus"
	defaultServerName      = "statewire-bus"
	defaultStartupTimeout  = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	defaultMaxPayload      = 1048576 // 1MB
)

// Config configures an embedded, in-process NATS server used to fan out
// registry.Event and fsm.TransitionRecord notifications.
type Config struct {
	ServiceName     string
	ServerName      string
	StoreDir        string
	EnableJetStream bool
	MaxMemory       int64
	MaxStorage      int64
	StartupTimeout  time.Duration
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	Tracer          trace.Tracer
}

// Option configures a Bus under construction.
type Option interface {
	apply(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) apply(c *Config) { f(c) }

// WithServiceName sets the name reported by Bus.Name.
func WithServiceName(name string) Option {
	return optionFunc(func(c *Config) { c.ServiceName = name })
}

// WithStoreDir sets the JetStream storage directory. An empty directory
// (the default) runs JetStream in-memory only.
func WithStoreDir(dir string) Option {
	return optionFunc(func(c *Config) { c.StoreDir = dir })
}

// WithJetStream enables or disables JetStream persistence on the embedded
// server. Enabled by default.
func WithJetStream(enabled bool) Option {
	return optionFunc(func(c *Config) { c.EnableJetStream = enabled })
}

// WithLimits bounds the embedded server's JetStream memory and file storage.
func WithLimits(maxMemory, maxStorage int64) Option {
	return optionFunc(func(c *Config) {
		c.MaxMemory = maxMemory
		c.MaxStorage = maxStorage
	})
}

// WithStartupTimeout bounds how long Run waits for the embedded server to
// become ready for connections.
func WithStartupTimeout(d time.Duration) Option {
	return optionFunc(func(c *Config) { c.StartupTimeout = d })
}

// WithShutdownTimeout bounds how long Run's graceful shutdown waits for
// connections to drain before forcing the embedded server down.
func WithShutdownTimeout(d time.Duration) Option {
	return optionFunc(func(c *Config) { c.ShutdownTimeout = d })
}

// WithLogger installs a structured logger; GetGlobalLogger is used if this
// option is omitted.
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(c *Config) { c.Logger = logger })
}

// WithTracer installs an OpenTelemetry tracer used to span Run.
func WithTracer(tracer trace.Tracer) Option {
	return optionFunc(func(c *Config) { c.Tracer = tracer })
}

func newConfig(opts ...Option) *Config {
	c := &Config{
		ServiceName:     defaultServiceName,
		ServerName:      defaultServerName,
		EnableJetStream: true,
		MaxMemory:       64 * 1024 * 1024,
		MaxStorage:      256 * 1024 * 1024,
		StartupTimeout:  defaultStartupTimeout,
		ShutdownTimeout: defaultShutdownTimeout,
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	return c
}

// toServerOptions builds the nats-server options this Config describes. The
// server never opens a network listener: dontListen keeps it strictly
// in-process, reachable only via (*server.Server).InProcessConn.
func (c *Config) toServerOptions() *server.Options {
	return &server.Options{
		ServerName:      c.ServerName,
		DontListen:      true,
		JetStream:       c.EnableJetStream,
		StoreDir:        c.StoreDir,
		JetStreamMaxMemory: c.MaxMemory,
		JetStreamMaxStore:  c.MaxStorage,
		MaxPayload:      defaultMaxPayload,
		NoSigs:          true,
	}
}
