// SPDX-License-Identifier: BSD-3-Clause

package fsm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/statewire/statewire/pkg/entity"
	"github.com/statewire/statewire/pkg/event"
)

// Machine is one running FSM instance: a definition, the current state
// name, a persistent context, a volatile context, and the machinery to
// apply events under a per-instance lock.
type Machine struct {
	id         entity.ID
	def        *Definition
	mu         sync.Mutex
	underlying underlyingMachine
	current    string
	generation uint64
	persistent entity.PersistentContext
	volatile   any
	listeners  []Listener
	tracer     trace.Tracer
}

// underlyingMachine is the subset of *stateless.StateMachine the fsm
// package relies on; narrowing it to an interface keeps Machine testable
// without a live stateless.StateMachine.
type underlyingMachine interface {
	CanFire(trigger any, args ...any) (bool, error)
	FireCtx(ctx context.Context, trigger any, args ...any) error
}

// NewMachine constructs a Machine from a definition and an already-loaded
// or freshly-built persistent context. The machine starts in
// pctx.CurrentState() if non-empty, otherwise in the definition's initial
// state; callers admitting a brand-new machine must call Start once it is
// installed, and callers rehydrating one must call RestoreState instead.
func (d *Definition) NewMachine(id entity.ID, pctx entity.PersistentContext, vctx any) (*Machine, error) {
	if pctx == nil {
		return nil, ErrNilPersistentContext
	}
	current := pctx.CurrentState()
	if current == "" {
		current = d.initialState
		pctx.SetCurrentState(current)
	}
	if _, ok := d.states[current]; !ok {
		return nil, fmt.Errorf("%w: %w: %q", ErrInvalidConfig, ErrUnknownState, current)
	}
	m := &Machine{
		id:         id,
		def:        d,
		current:    current,
		persistent: pctx,
		volatile:   vctx,
	}
	m.underlying = d.newUnderlying(current)
	return m, nil
}

// SetTracer installs an OpenTelemetry tracer used to span Fire calls.
func (m *Machine) SetTracer(tracer trace.Tracer) { m.tracer = tracer }

// AddListener registers a listener invoked after every committed transition
// or stay. Listeners run synchronously on the goroutine that called Fire,
// after the machine's lock is released; Fire returns once they all have.
func (m *Machine) AddListener(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// ID returns the machine's identifier.
func (m *Machine) ID() entity.ID { return m.id }

// CurrentState returns the state as of the last committed transition.
func (m *Machine) CurrentState() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Generation returns the monotonically increasing counter bumped on every
// state entry, used by the timeout manager to key deadlines.
func (m *Machine) Generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// PersistentContext returns the live persistent context. Callers that need
// an isolated snapshot should call DeepCopy on the result themselves.
func (m *Machine) PersistentContext() entity.PersistentContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistent
}

// SetVolatile installs the instance's volatile (non-persisted) context. The
// registry calls this once, right after rehydrating a machine whose
// volatile context cannot itself be loaded from storage and must instead
// be rebuilt by the caller's factory.
func (m *Machine) SetVolatile(vctx any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volatile = vctx
}

// Complete reports whether the machine has reached a final state.
func (m *Machine) Complete() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistent.Complete()
}

// CanFire reports whether eventType has either a transition or a stay
// action registered for the current state.
func (m *Machine) CanFire(eventType string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canFireLocked(eventType)
}

func (m *Machine) canFireLocked(eventType string) bool {
	if ok, _ := m.underlying.CanFire(eventType); ok {
		return true
	}
	_, ok := m.def.stays[m.current][eventType]
	return ok
}

// PermittedTriggers returns the event types that would not be Ignored in
// the current state.
func (m *Machine) PermittedTriggers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{})
	var out []string
	for et := range m.def.transitions[m.current] {
		if _, dup := seen[et]; !dup {
			seen[et] = struct{}{}
			out = append(out, et)
		}
	}
	for et := range m.def.stays[m.current] {
		if _, dup := seen[et]; !dup {
			seen[et] = struct{}{}
			out = append(out, et)
		}
	}
	return out
}

// ToGraph returns a DOT graph representation of the underlying topology.
func (m *Machine) ToGraph() string {
	if g, ok := m.underlying.(interface{ ToGraph() string }); ok {
		return g.ToGraph()
	}
	return ""
}

// Start runs the initial state's entry action exactly once. It is the
// registry's responsibility to call it right after installing a freshly
// admitted (non-rehydrated) machine in memory.
func (m *Machine) Start(ctx context.Context) (TransitionRecord, error) {
	m.mu.Lock()

	startEvent := event.New(event.Start, nil)
	state := m.def.states[m.current]
	if state.EntryAction != nil {
		if err := state.EntryAction(ctx, m.persistent, m.volatile, startEvent); err != nil {
			m.mu.Unlock()
			return TransitionRecord{}, fmt.Errorf("%w: %w", ErrActionFailed, err)
		}
	}
	m.generation++
	rec := TransitionRecord{
		MachineID: m.id.String(),
		EventType: event.Start,
		FromState: m.current,
		ToState:   m.current,
		Timestamp: time.Now(),
		IsOffline: state.Offline,
		IsFinal:   state.Final,
		Outcome:   Accepted,
	}
	listeners := append([]Listener(nil), m.listeners...)
	m.mu.Unlock()
	notify(listeners, rec)
	return rec, nil
}

// RestoreState sets the current state without invoking any entry action,
// used only during rehydration.
func (m *Machine) RestoreState(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.def.states[name]; !ok {
		return fmt.Errorf("%w: %w: %q", ErrInvalidConfig, ErrUnknownState, name)
	}
	m.current = name
	m.persistent.SetCurrentState(name)
	m.underlying = m.def.newUnderlying(name)
	m.generation++
	return nil
}

// Fire applies ev to the machine per the FSM engine's algorithm: complete
// machines ignore everything; a matching transition runs exit, commits the
// target state, then runs entry; a matching stay action mutates context in
// place; anything else is ignored. A user action error rolls the machine
// back to its pre-fire state and is reported as Failed.
func (m *Machine) Fire(ctx context.Context, ev event.Event) (Outcome, TransitionRecord, error) {
	m.mu.Lock()

	var span trace.Span
	if m.tracer != nil {
		ctx, span = m.tracer.Start(ctx, "fsm.Fire", trace.WithAttributes(
			attribute.String("fsm.name", m.def.name),
			attribute.String("fsm.machine_id", m.id.String()),
			attribute.String("fsm.state", m.current),
			attribute.String("fsm.event_type", ev.Type),
		))
		defer span.End()
	}

	if m.persistent.Complete() {
		m.mu.Unlock()
		return Ignored, TransitionRecord{}, nil
	}

	if t, ok := m.def.transitions[m.current][ev.Type]; ok {
		rec, err := m.applyTransition(ctx, t)
		if err != nil {
			if span != nil {
				span.RecordError(err)
			}
			m.mu.Unlock()
			return Failed, TransitionRecord{}, err
		}
		listeners := append([]Listener(nil), m.listeners...)
		m.mu.Unlock()
		notify(listeners, rec)
		return Accepted, rec, nil
	}

	if action, ok := m.def.stays[m.current][ev.Type]; ok {
		rec, err := m.applyStay(ctx, ev, action)
		if err != nil {
			if span != nil {
				span.RecordError(err)
			}
			m.mu.Unlock()
			return Failed, TransitionRecord{}, err
		}
		listeners := append([]Listener(nil), m.listeners...)
		m.mu.Unlock()
		notify(listeners, rec)
		return StayApplied, rec, nil
	}

	m.mu.Unlock()
	return Ignored, TransitionRecord{}, nil
}

// applyTransition runs under m.mu. It mutates an isolated copy of the
// persistent context through exit then entry and only swaps it into
// m.persistent once both succeed, so a failing action leaves the live
// machine exactly as it was.
func (m *Machine) applyTransition(ctx context.Context, t TransitionDef) (TransitionRecord, error) {
	ev := event.New(t.EventType, nil)
	from := m.def.states[t.From]
	to, ok := m.def.states[t.To]
	if !ok {
		return TransitionRecord{}, fmt.Errorf("%w: %w: %q", ErrInvalidConfig, ErrUnknownState, t.To)
	}

	pCopy := m.persistent.DeepCopy()

	if from.ExitAction != nil {
		if err := from.ExitAction(ctx, pCopy, m.volatile, ev); err != nil {
			return TransitionRecord{}, fmt.Errorf("%w: %w", ErrActionFailed, err)
		}
	}

	pCopy.SetCurrentState(t.To)
	pCopy.SetLastStateChange(time.Now())

	if to.EntryAction != nil {
		if err := to.EntryAction(ctx, pCopy, m.volatile, ev); err != nil {
			return TransitionRecord{}, fmt.Errorf("%w: %w", ErrActionFailed, err)
		}
	}

	if to.Final {
		pCopy.SetComplete(true)
	}

	if err := m.underlying.FireCtx(ctx, t.EventType); err != nil {
		m.underlying = m.def.newUnderlying(m.current)
		return TransitionRecord{}, fmt.Errorf("%w: %w", ErrActionFailed, err)
	}

	m.persistent = pCopy
	m.current = t.To
	m.generation++

	return TransitionRecord{
		MachineID: m.id.String(),
		EventType: t.EventType,
		FromState: t.From,
		ToState:   t.To,
		Timestamp: pCopy.LastStateChange(),
		IsOffline: to.Offline,
		IsFinal:   to.Final,
		Outcome:   Accepted,
	}, nil
}

// applyStay runs under m.mu, same copy-then-commit discipline as
// applyTransition but never changes m.current.
func (m *Machine) applyStay(ctx context.Context, ev event.Event, action StayAction) (TransitionRecord, error) {
	pCopy := m.persistent.DeepCopy()
	if err := action(ctx, pCopy, m.volatile, ev); err != nil {
		return TransitionRecord{}, fmt.Errorf("%w: %w", ErrActionFailed, err)
	}
	m.persistent = pCopy

	state := m.def.states[m.current]
	return TransitionRecord{
		MachineID: m.id.String(),
		EventType: ev.Type,
		FromState: m.current,
		ToState:   m.current,
		Timestamp: time.Now(),
		IsOffline: state.Offline,
		IsFinal:   state.Final,
		Outcome:   StayApplied,
	}, nil
}

func notify(listeners []Listener, rec TransitionRecord) {
	for _, l := range listeners {
		l(rec)
	}
}
