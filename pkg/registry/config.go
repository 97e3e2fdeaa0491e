// SPDX-License-Identifier: BSD-3-Clause

package registry

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/statewire/statewire/pkg/persistence"
	"github.com/statewire/statewire/pkg/timeout"
)

// Config configures a Registry's admission policy and collaborators.
type Config struct {
	MaxConcurrentMachines int
	EventsPerSecond       float64
	EventBurst            int
	AsyncPersistence      bool
	MaxSaveRetries        int
	SaveRetryBaseDelay    time.Duration
	Provider              persistence.Provider
	Timeouts              *timeout.Manager
	Logger                *slog.Logger
	Tracer                trace.Tracer
}

// Option configures a Registry under construction.
type Option interface {
	apply(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) apply(c *Config) { f(c) }

// WithMaxConcurrentMachines sets the hard cap on resident machines; a
// CreateOrGet call that would exceed it returns ErrCapacityExceeded. Zero
// means unbounded.
func WithMaxConcurrentMachines(n int) Option {
	return optionFunc(func(c *Config) { c.MaxConcurrentMachines = n })
}

// WithEventRate sets the token-bucket rate (events/sec) and burst size
// guarding Fire across the whole registry. A zero rate means unbounded.
func WithEventRate(perSecond float64, burst int) Option {
	return optionFunc(func(c *Config) {
		c.EventsPerSecond = perSecond
		c.EventBurst = burst
	})
}

// WithAsyncPersistence makes the post-transition save on an offline/final
// landing run on a background goroutine instead of blocking the Fire call
// that triggered it. Eviction always waits for that save to succeed,
// synchronous or not.
func WithAsyncPersistence(v bool) Option {
	return optionFunc(func(c *Config) { c.AsyncPersistence = v })
}

// WithSaveRetryPolicy bounds how many times a failed post-transition save
// is retried, with exponential backoff starting at baseDelay, before the
// registry gives up and emits an Error event.
func WithSaveRetryPolicy(maxRetries int, baseDelay time.Duration) Option {
	return optionFunc(func(c *Config) {
		c.MaxSaveRetries = maxRetries
		c.SaveRetryBaseDelay = baseDelay
	})
}

// WithProvider installs the persistence backend used to rehydrate, save and
// evict machines. A registry with no provider never persists or rehydrates:
// every CreateOrGet either finds the machine in memory or calls factory.
func WithProvider(p persistence.Provider) Option {
	return optionFunc(func(c *Config) { c.Provider = p })
}

// WithTimeoutManager installs the Manager used to schedule and re-arm
// per-state deadlines. A registry with no manager never schedules timeouts:
// timed states simply never fire their event.Timeout transition on their
// own.
func WithTimeoutManager(m *timeout.Manager) Option {
	return optionFunc(func(c *Config) { c.Timeouts = m })
}

// WithLogger installs a structured logger; GetGlobalLogger is used if this
// option is omitted.
func WithLogger(logger *slog.Logger) Option {
	return optionFunc(func(c *Config) { c.Logger = logger })
}

// WithTracer installs an OpenTelemetry tracer used to span Fire and
// CreateOrGet calls.
func WithTracer(tracer trace.Tracer) Option {
	return optionFunc(func(c *Config) { c.Tracer = tracer })
}

// newConfig applies opts over sane defaults: no hard cap, no rate limit, and
// synchronous persistence with three retries starting at 250ms.
func newConfig(opts ...Option) *Config {
	c := &Config{
		MaxSaveRetries:     3,
		SaveRetryBaseDelay: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	return c
}

func (c *Config) limiter() *rate.Limiter {
	if c.EventsPerSecond <= 0 {
		return nil
	}
	burst := c.EventBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(c.EventsPerSecond), burst)
}
