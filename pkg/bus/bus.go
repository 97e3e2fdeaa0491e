// SPDX-License-Identifier: BSD-3-Clause

// Package bus provides an embedded, in-process NATS server used to fan out
// registry-level and per-machine events to anything in the same process:
// dashboards, audit sinks, secondary registries mirroring state for
// read-only queries. It never opens a network listener; every connection is
// an in-process pipe obtained via (*server.Server).InProcessConn.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/statewire/statewire/pkg/fsm"
	"github.com/statewire/statewire/pkg/ipc"
	"github.com/statewire/statewire/pkg/logging"
	"github.com/statewire/statewire/pkg/registry"
)

// Bus owns an embedded NATS server and a single in-process client connected
// to it, used to publish registry.Event and fsm.TransitionRecord values as
// JSON on well-known subjects (see pkg/ipc's Subject* constants).
type Bus struct {
	config *Config
	logger *slog.Logger
	tracer trace.Tracer

	mu      sync.Mutex
	server  *server.Server
	conn    *nats.Conn
	running bool
}

// New creates a Bus with the given options. The embedded server is not
// started until Run is called.
func New(opts ...Option) *Bus {
	cfg := newConfig(opts...)
	return &Bus{
		config: cfg,
		logger: cfg.Logger,
	}
}

// Name returns the configured service name.
func (b *Bus) Name() string {
	return b.config.ServiceName
}

// Run starts the embedded server, waits for it to become ready, establishes
// the bus's own publishing connection, and blocks until ctx is canceled,
// after which it performs a graceful lame-duck shutdown.
func (b *Bus) Run(ctx context.Context) error {
	if b.logger == nil {
		b.logger = logging.GetGlobalLogger().With("service", b.config.ServiceName)
	}
	b.tracer = b.config.Tracer
	if b.tracer == nil {
		b.tracer = otel.Tracer(b.config.ServiceName)
	}

	ctx, span := b.tracer.Start(ctx, "Run")
	defer span.End()

	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return ErrAlreadyRunning
	}
	b.running = true
	b.mu.Unlock()

	b.logger.InfoContext(ctx, "starting bus",
		"server_name", b.config.ServerName,
		"jetstream_enabled", b.config.EnableJetStream)

	ns, err := server.NewServer(b.config.toServerOptions())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %w", ErrServerCreationFailed, err)
	}
	ns.SetLoggerV2(logging.NewNATSLogger(b.logger), true, false, false)
	ns.Start()

	if !ns.ReadyForConnections(b.config.StartupTimeout) {
		ns.Shutdown()
		err := fmt.Errorf("%w: not ready within %v", ErrServerNotReady, b.config.StartupTimeout)
		span.RecordError(err)
		return err
	}

	b.mu.Lock()
	b.server = ns
	b.mu.Unlock()

	provider := b.GetConnProvider()
	nc, err := nats.Connect("", nats.InProcessServer(provider))
	if err != nil {
		ns.Shutdown()
		span.RecordError(err)
		return fmt.Errorf("%w: %w", ErrInProcessConnFailed, err)
	}

	b.mu.Lock()
	b.conn = nc
	b.mu.Unlock()

	span.SetAttributes(
		attribute.String("bus.server_name", b.config.ServerName),
		attribute.String("bus.server_id", ns.ID()),
		attribute.Bool("bus.jetstream_enabled", b.config.EnableJetStream),
	)
	b.logger.InfoContext(ctx, "bus ready", "server_id", ns.ID())

	<-ctx.Done()
	return b.shutdown(ctx)
}

func (b *Bus) shutdown(ctx context.Context) error {
	err := ctx.Err()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.config.ShutdownTimeout)
	defer cancel()

	b.logger.InfoContext(shutdownCtx, "shutting down bus")

	b.mu.Lock()
	conn := b.conn
	srv := b.server
	b.running = false
	b.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if srv != nil {
		srv.LameDuckShutdown()
		done := make(chan struct{})
		go func() {
			defer close(done)
			srv.Shutdown()
		}()
		select {
		case <-done:
			b.logger.InfoContext(shutdownCtx, "bus shutdown complete")
		case <-shutdownCtx.Done():
			b.logger.WarnContext(shutdownCtx, "bus shutdown timed out, forced")
		}
	}

	return err
}

// GetConnProvider returns a connection provider for the embedded server as
// it is at the time of the call. A provider obtained before Run has started
// the server holds no server, and its InProcessConn returns
// ErrConnectionNotAvailable.
func (b *Bus) GetConnProvider() *ConnProvider {
	b.mu.Lock()
	srv := b.server
	b.mu.Unlock()
	return &ConnProvider{server: srv}
}

var _ ipc.ConnProvider = (*ConnProvider)(nil)

// PublishEvent publishes a registry.Event as JSON on ipc.SubjectRegistryEvent.
func (b *Bus) PublishEvent(e registry.Event) error {
	return b.publish(ipc.SubjectRegistryEvent, e)
}

// PublishTransition publishes an fsm.TransitionRecord as JSON on
// ipc.SubjectTransitionEvent.
func (b *Bus) PublishTransition(rec fsm.TransitionRecord) error {
	return b.publish(ipc.SubjectTransitionEvent, rec)
}

func (b *Bus) publish(subject string, v any) error {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return ErrConnectionNotAvailable
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	if err := conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	return nil
}

// AsRegistryListener adapts the bus into a registry.Listener: every event a
// Registry emits is published on ipc.SubjectRegistryEvent. Publish errors
// are logged, not returned, since Listener must not propagate failures back
// into the firing Fire/CreateOrGet call.
func (b *Bus) AsRegistryListener() registry.Listener {
	return func(e registry.Event) {
		if err := b.PublishEvent(e); err != nil {
			b.logger.Warn("bus: failed to publish registry event", "type", e.Type, "error", err)
		}
	}
}

// AsTransitionListener adapts the bus into an fsm.Listener: every committed
// transition or stay is published on ipc.SubjectTransitionEvent.
func (b *Bus) AsTransitionListener() fsm.Listener {
	return func(rec fsm.TransitionRecord) {
		if err := b.PublishTransition(rec); err != nil {
			b.logger.Warn("bus: failed to publish transition", "machine_id", rec.MachineID, "error", err)
		}
	}
}

// Subscribe registers fn to be called, on the bus's own dispatch goroutine,
// for every registry.Event published on ipc.SubjectRegistryEvent. It returns
// the underlying subscription so the caller can Unsubscribe.
func (b *Bus) Subscribe(fn func(registry.Event)) (*nats.Subscription, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil, ErrConnectionNotAvailable
	}
	return conn.Subscribe(ipc.SubjectRegistryEvent, func(msg *nats.Msg) {
		var e registry.Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			b.logger.Warn("bus: dropping malformed registry event", "error", err)
			return
		}
		fn(e)
	})
}

// SubscribeTransitions registers fn for every fsm.TransitionRecord published
// on ipc.SubjectTransitionEvent.
func (b *Bus) SubscribeTransitions(fn func(fsm.TransitionRecord)) (*nats.Subscription, error) {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn == nil {
		return nil, ErrConnectionNotAvailable
	}
	return conn.Subscribe(ipc.SubjectTransitionEvent, func(msg *nats.Msg) {
		var rec fsm.TransitionRecord
		if err := json.Unmarshal(msg.Data, &rec); err != nil {
			b.logger.Warn("bus: dropping malformed transition record", "error", err)
			return
		}
		fn(rec)
	})
}
