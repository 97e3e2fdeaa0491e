// SPDX-License-Identifier: BSD-3-Clause

// Package registry implements the Machine Registry: the process-wide
// directory that owns every resident fsm.Machine, admits and evicts them
// under a capacity and rate policy, rehydrates them from persistence on
// demand, and keeps their timeout deadlines in sync with the timeout
// manager.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/arunsworld/nursery"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/statewire/statewire/pkg/entity"
	"github.com/statewire/statewire/pkg/event"
	"github.com/statewire/statewire/pkg/fsm"
	"github.com/statewire/statewire/pkg/logging"
	"github.com/statewire/statewire/pkg/persistence"
)

// Factory constructs a brand-new machine's persistent and volatile
// contexts. It is also used, during rehydration, as the source of a fresh
// persistent-context value for the persistence provider to unmarshal into,
// and to rebuild the volatile context a loaded row never carries.
type Factory func() (entity.PersistentContext, any, error)

// AdmitResult reports how CreateOrGet resolved an id.
type AdmitResult int

const (
	// Resident means the machine was already in memory.
	Resident AdmitResult = iota
	// Admitted means factory built a fresh machine.
	Admitted
	// Rehydrated means a persisted, incomplete row was loaded and resumed.
	Rehydrated
	// AlreadyComplete means a persisted row existed but had already
	// reached a final state; no machine is admitted.
	AlreadyComplete
)

// Stats is a point-in-time snapshot of registry occupancy.
type Stats struct {
	Resident              int
	MaxConcurrentMachines int
}

type managedMachine struct {
	machine   *fsm.Machine
	createdAt time.Time
}

// Registry is the directory of resident machines sharing one fsm.Definition.
type Registry struct {
	def     *fsm.Definition
	cfg     *Config
	limiter *rate.Limiter

	mu       sync.RWMutex
	machines map[entity.ID]*managedMachine
	resident atomic.Int64

	listenersMu         sync.Mutex
	listeners           []Listener
	transitionListeners []fsm.Listener

	shuttingDown atomic.Bool
	logger       *slog.Logger
	tracer       trace.Tracer
}

// New constructs a Registry over def. It wires def's machines to the
// persistence provider, timeout manager and admission policy carried by
// opts.
func New(def *fsm.Definition, opts ...Option) *Registry {
	cfg := newConfig(opts...)

	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	r := &Registry{
		def:      def,
		cfg:      cfg,
		limiter:  cfg.limiter(),
		machines: make(map[entity.ID]*managedMachine),
		tracer:   cfg.Tracer,
		logger:   logger,
	}

	if cfg.Timeouts != nil {
		cfg.Timeouts.SetFire(r.onTimeout)
	}

	r.emit(Event{Type: RegistryStartup, Detail: def.Name()})
	return r
}

// CreateOrGet returns the resident machine for id, admitting one if none
// exists: in memory first, then (if a provider is wired) a rehydrated row,
// and finally a freshly built instance from factory.
func (r *Registry) CreateOrGet(ctx context.Context, id entity.ID, factory Factory) (*fsm.Machine, AdmitResult, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "registry.CreateOrGet", trace.WithAttributes(
			attribute.String("registry.fsm_name", r.def.Name()),
			attribute.String("registry.machine_id", id.String()),
		))
		defer span.End()
	}

	if r.shuttingDown.Load() {
		return nil, 0, ErrShutdown
	}

	if mm, ok := r.lookup(id); ok {
		return mm.machine, Resident, nil
	}

	if !r.tryAdmit() {
		r.emit(Event{Type: MachineCreationRefused, MachineID: id, Detail: "capacity exceeded"})
		return nil, 0, ErrCapacityExceeded
	}

	if r.cfg.Provider != nil {
		snap, loaded, err := r.cfg.Provider.Load(ctx, id, func() entity.PersistentContext {
			pctx, _, _ := factory()
			return pctx
		})
		switch {
		case err == nil:
			return r.rehydrate(ctx, id, snap, loaded, factory)
		case !errors.Is(err, persistence.ErrNotFound):
			r.releaseAdmission()
			return nil, 0, fmt.Errorf("registry: load %s: %w", id, err)
		}
	}

	return r.createFresh(ctx, id, factory)
}

func (r *Registry) rehydrate(ctx context.Context, id entity.ID, snap persistence.Snapshot, loaded entity.PersistentContext, factory Factory) (*fsm.Machine, AdmitResult, error) {
	if snap.Complete {
		r.releaseAdmission()
		return nil, AlreadyComplete, nil
	}

	m, err := r.def.NewMachine(id, loaded, nil)
	if err != nil {
		r.releaseAdmission()
		return nil, 0, fmt.Errorf("registry: rehydrate %s: %w", id, err)
	}
	if err := m.RestoreState(snap.CurrentState); err != nil {
		r.releaseAdmission()
		return nil, 0, fmt.Errorf("registry: rehydrate %s: %w", id, err)
	}

	_, vctx, err := factory()
	if err != nil {
		r.releaseAdmission()
		return nil, 0, fmt.Errorf("registry: rehydrate %s: volatile context: %w", id, err)
	}
	m.SetVolatile(vctx)

	r.install(id, m, snap.CreatedAt)
	r.rearmTimeout(ctx, id, m, snap.CurrentState, snap.LastStateChange)

	r.emit(Event{Type: MachineRehydrated, MachineID: id})
	r.logger.Info("registry: rehydrated machine", "machine_id", id.String(), "state", snap.CurrentState)
	return m, Rehydrated, nil
}

func (r *Registry) createFresh(ctx context.Context, id entity.ID, factory Factory) (*fsm.Machine, AdmitResult, error) {
	pctx, vctx, err := factory()
	if err != nil {
		r.releaseAdmission()
		return nil, 0, fmt.Errorf("registry: factory %s: %w", id, err)
	}
	m, err := r.def.NewMachine(id, pctx, vctx)
	if err != nil {
		r.releaseAdmission()
		return nil, 0, fmt.Errorf("registry: %s: %w", id, err)
	}

	r.install(id, m, time.Now())
	r.emit(Event{Type: MachineRegistered, MachineID: id})

	if _, err := m.Start(ctx); err != nil {
		r.removeResident(id)
		return nil, 0, fmt.Errorf("registry: start %s: %w", id, err)
	}
	r.rearmTimeout(ctx, id, m, m.CurrentState(), time.Now())
	r.emit(Event{Type: MachineCreated, MachineID: id})
	return m, Admitted, nil
}

// Fire dispatches ev to the resident machine for id. It is a no-op
// returning Ignored, not an error, when no machine with that id is
// resident: callers that need to distinguish "never admitted" from
// "admitted but ignored the event" should inspect AdmitResult from a prior
// CreateOrGet.
func (r *Registry) Fire(ctx context.Context, id entity.ID, ev event.Event) (fsm.Outcome, fsm.TransitionRecord, error) {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "registry.Fire", trace.WithAttributes(
			attribute.String("registry.fsm_name", r.def.Name()),
			attribute.String("registry.machine_id", id.String()),
			attribute.String("registry.event_type", ev.Type),
		))
		defer span.End()
	}

	if r.shuttingDown.Load() {
		return fsm.Ignored, fsm.TransitionRecord{}, ErrShutdown
	}
	if r.limiter != nil && !r.limiter.Allow() {
		return fsm.Ignored, fsm.TransitionRecord{}, ErrThrottled
	}

	mm, ok := r.lookup(id)
	if !ok {
		r.emit(Event{Type: EventIgnored, MachineID: id, Detail: ev.Type})
		return fsm.Ignored, fsm.TransitionRecord{}, nil
	}

	outcome, rec, err := mm.machine.Fire(ctx, ev)
	if err != nil {
		return outcome, rec, err
	}

	switch outcome {
	case fsm.Ignored:
		r.emit(Event{Type: EventIgnored, MachineID: id, Detail: ev.Type})
	case fsm.Accepted:
		if ev.Type == event.Timeout {
			rc := rec
			r.emit(Event{Type: RegistryTimeout, MachineID: id, Transition: &rc})
		}
		r.rearmTimeout(ctx, id, mm.machine, rec.ToState, rec.Timestamp)
		if rec.IsOffline || rec.IsFinal {
			r.persistAndEvict(ctx, id, mm, rec.IsFinal)
		}
	}
	return outcome, rec, nil
}

// Evict removes id from memory without persisting it, used by callers that
// already know the machine's state is durable or disposable. It returns
// ErrUnknownMachine if id is not resident.
func (r *Registry) Evict(id entity.ID) error {
	if !r.removeResident(id) {
		return ErrUnknownMachine
	}
	r.emit(Event{Type: MachineEvicted, MachineID: id})
	return nil
}

// Shutdown saves every resident machine (if a provider is wired), evicts
// it, stops accepting new admissions and events, and cancels all pending
// timeouts.
func (r *Registry) Shutdown(ctx context.Context) error {
	if !r.shuttingDown.CompareAndSwap(false, true) {
		return nil
	}
	if r.cfg.Timeouts != nil {
		r.cfg.Timeouts.Shutdown()
	}

	r.mu.RLock()
	ids := make([]entity.ID, 0, len(r.machines))
	for id := range r.machines {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	if r.cfg.Provider != nil {
		for _, id := range ids {
			if mm, ok := r.lookup(id); ok {
				r.saveWithRetry(ctx, id, mm)
			}
		}
	} else {
		for _, id := range ids {
			r.removeResident(id)
		}
	}

	r.emit(Event{Type: RegistryShutdown})
	return nil
}

// WarmUp admits every id in ids concurrently via factory, following the
// same nursery.ConcurrentJob fan-out pattern used to bring up a fleet of
// machines at process startup. It returns the first admission error, if
// any, after every job has run.
func (r *Registry) WarmUp(ctx context.Context, ids []entity.ID, factory Factory) error {
	tasks := make([]nursery.ConcurrentJob, len(ids))
	for i, id := range ids {
		id := id
		tasks[i] = func(ctx context.Context, errChan chan error) {
			if _, _, err := r.CreateOrGet(ctx, id, factory); err != nil {
				errChan <- err
			}
		}
	}
	return nursery.RunConcurrentlyWithContext(ctx, tasks...)
}

// Stats reports current occupancy.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	n := len(r.machines)
	r.mu.RUnlock()
	return Stats{Resident: n, MaxConcurrentMachines: r.cfg.MaxConcurrentMachines}
}

// AddListener registers a listener invoked for every registry-level event.
func (r *Registry) AddListener(l Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// AddTransitionListener registers a listener installed on every machine
// this registry admits from then on, invoked for every committed
// transition or stay.
func (r *Registry) AddTransitionListener(l fsm.Listener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.transitionListeners = append(r.transitionListeners, l)
}

func (r *Registry) lookup(id entity.ID) (*managedMachine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mm, ok := r.machines[id]
	return mm, ok
}

func (r *Registry) install(id entity.ID, m *fsm.Machine, createdAt time.Time) {
	r.listenersMu.Lock()
	for _, l := range r.transitionListeners {
		m.AddListener(l)
	}
	r.listenersMu.Unlock()

	r.mu.Lock()
	r.machines[id] = &managedMachine{machine: m, createdAt: createdAt}
	r.mu.Unlock()
}

// removeResident deletes id from the map and releases its admission slot
// and pending timeout, reporting whether it was present.
func (r *Registry) removeResident(id entity.ID) bool {
	r.mu.Lock()
	_, ok := r.machines[id]
	delete(r.machines, id)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.resident.Add(-1)
	if r.cfg.Timeouts != nil {
		r.cfg.Timeouts.Cancel(id)
	}
	return true
}

func (r *Registry) tryAdmit() bool {
	if r.cfg.MaxConcurrentMachines <= 0 {
		r.resident.Add(1)
		return true
	}
	for {
		cur := r.resident.Load()
		if cur >= int64(r.cfg.MaxConcurrentMachines) {
			return false
		}
		if r.resident.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (r *Registry) releaseAdmission() { r.resident.Add(-1) }

// rearmTimeout re-derives the deadline for stateName and hands it to the
// timeout manager: cancelled if stateName carries none, scheduled for the
// full duration for a freshly entered state, or for the remaining duration
// (possibly firing synchronously and immediately) when since predates now.
func (r *Registry) rearmTimeout(ctx context.Context, id entity.ID, m *fsm.Machine, stateName string, since time.Time) {
	if r.cfg.Timeouts == nil {
		return
	}
	state, ok := r.def.State(stateName)
	if !ok || state.Timeout == nil {
		r.cfg.Timeouts.Cancel(id)
		return
	}
	remaining := state.Timeout.Duration - time.Since(since)
	if err := r.cfg.Timeouts.Rearm(ctx, id, m.Generation(), remaining); err != nil {
		r.emit(Event{Type: Warning, MachineID: id, Detail: err.Error()})
	}
}

// onTimeout is the FireFunc wired into the timeout manager: it re-enters
// through Fire exactly as any other caller would, so a timeout is subject
// to the same throttling, admission and persistence handling as any other
// event.
func (r *Registry) onTimeout(ctx context.Context, id entity.ID) {
	if _, _, err := r.Fire(ctx, id, event.New(event.Timeout, nil)); err != nil {
		r.emit(Event{Type: Warning, MachineID: id, Detail: err.Error()})
	}
}

// persistAndEvict saves a machine that just landed on an offline or final
// state and, on success, removes it from memory. A save that fails leaves
// the machine resident: it stays fully usable from memory while retries
// run, per the registry's persistence-failure posture.
func (r *Registry) persistAndEvict(ctx context.Context, id entity.ID, mm *managedMachine, final bool) {
	if r.cfg.Provider == nil {
		if final {
			r.removeResident(id)
			r.emit(Event{Type: MachineEvicted, MachineID: id})
		} else {
			r.emit(Event{Type: MachineOffline, MachineID: id})
		}
		return
	}

	if r.cfg.AsyncPersistence {
		go r.saveWithRetry(context.WithoutCancel(ctx), id, mm)
		return
	}
	r.saveWithRetry(ctx, id, mm)
}

func (r *Registry) saveWithRetry(ctx context.Context, id entity.ID, mm *managedMachine) {
	pctx := mm.machine.PersistentContext()
	snap := persistence.Snapshot{
		ID:              id,
		CurrentState:    pctx.CurrentState(),
		LastStateChange: pctx.LastStateChange(),
		Complete:        pctx.Complete(),
		CreatedAt:       mm.createdAt,
	}

	delay := r.cfg.SaveRetryBaseDelay
	for attempt := 0; ; attempt++ {
		err := r.cfg.Provider.Save(ctx, snap, pctx)
		if err == nil {
			r.emit(Event{Type: PersistenceOperation, MachineID: id})
			r.removeResident(id)
			if !snap.Complete {
				r.emit(Event{Type: MachineOffline, MachineID: id})
			}
			r.emit(Event{Type: MachineEvicted, MachineID: id})
			return
		}

		r.emit(Event{Type: Warning, MachineID: id, Detail: err.Error()})
		if attempt >= r.cfg.MaxSaveRetries {
			r.emit(Event{Type: Error, MachineID: id, Detail: "persistence retries exhausted: " + err.Error()})
			return
		}
		time.Sleep(delay)
		delay *= 2
	}
}

func (r *Registry) emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	r.listenersMu.Lock()
	listeners := append([]Listener(nil), r.listeners...)
	r.listenersMu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}
