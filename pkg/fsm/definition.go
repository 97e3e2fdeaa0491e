// SPDX-License-Identifier: BSD-3-Clause

// Package fsm implements the FSM Engine: fluent-defined states, deterministic
// transitions, stay actions, entry/exit hooks and typed events, built on top
// of github.com/qmuntal/stateless for topology bookkeeping.
package fsm

import (
	"context"
	"fmt"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/statewire/statewire/pkg/entity"
	"github.com/statewire/statewire/pkg/event"
)

// EntryAction runs when a state is entered via a committed transition. It
// receives a mutable copy of the persistent context and the instance's
// volatile context, and may return an error to abort the transition.
type EntryAction func(ctx context.Context, pctx entity.PersistentContext, vctx any, ev event.Event) error

// ExitAction runs when a state is left via a committed transition.
type ExitAction func(ctx context.Context, pctx entity.PersistentContext, vctx any, ev event.Event) error

// StayAction runs for an event that mutates context without changing state.
type StayAction func(ctx context.Context, pctx entity.PersistentContext, vctx any, ev event.Event) error

// Timeout describes a state's deadline: after Duration spent in the state,
// a synthetic event.Timeout event fires, driving the machine to Target.
type Timeout struct {
	Duration time.Duration
	Target   string
}

// StateDef declares one node of an FSM topology.
type StateDef struct {
	Name        string
	Offline     bool
	Final       bool
	EntryAction EntryAction
	ExitAction  ExitAction
	Timeout     *Timeout
}

// TransitionDef declares one deterministic (from, eventType) -> to edge.
type TransitionDef struct {
	From      string
	EventType string
	To        string
}

type stayDef struct {
	from      string
	eventType string
	action    StayAction
}

// Definition is an immutable FSM topology: shared safely across every
// Machine instance built from it.
type Definition struct {
	name         string
	initialState string
	states       map[string]StateDef
	transitions  map[string]map[string]TransitionDef
	stays        map[string]map[string]StayAction
}

// Option configures a Definition under construction.
type Option interface {
	apply(*buildState)
}

type buildState struct {
	name         string
	initialState string
	states       []StateDef
	transitions  []TransitionDef
	stays        []stayDef
}

type optionFunc func(*buildState)

func (f optionFunc) apply(b *buildState) { f(b) }

// WithInitialState names the state new machines enter on admission.
func WithInitialState(name string) Option {
	return optionFunc(func(b *buildState) { b.initialState = name })
}

// WithState declares a state of the topology.
func WithState(def StateDef) Option {
	return optionFunc(func(b *buildState) { b.states = append(b.states, def) })
}

// WithTransition declares a deterministic transition edge.
func WithTransition(from, eventType, to string) Option {
	return optionFunc(func(b *buildState) {
		b.transitions = append(b.transitions, TransitionDef{From: from, EventType: eventType, To: to})
	})
}

// WithStayAction declares a handler that mutates context without leaving
// the source state.
func WithStayAction(from, eventType string, action StayAction) Option {
	return optionFunc(func(b *buildState) {
		b.stays = append(b.stays, stayDef{from: from, eventType: eventType, action: action})
	})
}

// New builds and validates an FSM Definition. It returns ErrInvalidConfig
// wrapped with the specific violation when the topology is malformed;
// configuration errors are fatal at build time and never surface at fire
// time.
func New(name string, opts ...Option) (*Definition, error) {
	b := &buildState{name: name}
	for _, opt := range opts {
		opt.apply(b)
	}

	d := &Definition{
		name:        name,
		states:      make(map[string]StateDef, len(b.states)),
		transitions: make(map[string]map[string]TransitionDef),
		stays:       make(map[string]map[string]StayAction),
	}
	d.initialState = b.initialState

	for _, s := range b.states {
		if _, exists := d.states[s.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate state %q", ErrInvalidConfig, s.Name)
		}
		d.states[s.Name] = s
	}

	for _, t := range b.transitions {
		if d.transitions[t.From] == nil {
			d.transitions[t.From] = make(map[string]TransitionDef)
		}
		if _, exists := d.transitions[t.From][t.EventType]; exists {
			return nil, fmt.Errorf("%w: %w: state %q event %q", ErrInvalidConfig, ErrDuplicateTransition, t.From, t.EventType)
		}
		d.transitions[t.From][t.EventType] = t
	}

	for _, s := range b.stays {
		if d.stays[s.from] == nil {
			d.stays[s.from] = make(map[string]StayAction)
		}
		if _, exists := d.stays[s.from][s.eventType]; exists {
			return nil, fmt.Errorf("%w: %w: state %q event %q", ErrInvalidConfig, ErrDuplicateTransition, s.from, s.eventType)
		}
		if _, clash := d.transitions[s.from][s.eventType]; clash {
			return nil, fmt.Errorf("%w: %w: state %q event %q has both a transition and a stay action", ErrInvalidConfig, ErrDuplicateTransition, s.from, s.eventType)
		}
		d.stays[s.from][s.eventType] = s.action
	}

	// A timed state's deadline is just a transition on the reserved
	// event.Timeout trigger, registered here so Fire needs no special case
	// for it. A state that also declares an explicit transition for
	// event.Timeout is a configuration error: the target would be
	// ambiguous.
	for _, s := range b.states {
		if s.Timeout == nil {
			continue
		}
		if d.transitions[s.Name] == nil {
			d.transitions[s.Name] = make(map[string]TransitionDef)
		}
		if _, exists := d.transitions[s.Name][event.Timeout]; exists {
			return nil, fmt.Errorf("%w: state %q declares both a Timeout and an explicit %q transition", ErrInvalidConfig, s.Name, event.Timeout)
		}
		d.transitions[s.Name][event.Timeout] = TransitionDef{From: s.Name, EventType: event.Timeout, To: s.Timeout.Target}
	}

	if err := d.validate(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Definition) validate() error {
	if d.name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}
	if len(d.states) == 0 {
		return fmt.Errorf("%w: at least one state is required", ErrInvalidConfig)
	}
	if d.initialState == "" {
		return fmt.Errorf("%w: initial state is required", ErrInvalidConfig)
	}
	if _, ok := d.states[d.initialState]; !ok {
		return fmt.Errorf("%w: %w: initial state %q", ErrInvalidConfig, ErrUnknownState, d.initialState)
	}
	for from, byEvent := range d.transitions {
		if _, ok := d.states[from]; !ok {
			return fmt.Errorf("%w: %w: source state %q", ErrInvalidConfig, ErrUnknownState, from)
		}
		for _, t := range byEvent {
			if _, ok := d.states[t.To]; !ok {
				return fmt.Errorf("%w: %w: target state %q", ErrInvalidConfig, ErrUnknownState, t.To)
			}
		}
	}
	for from := range d.stays {
		if _, ok := d.states[from]; !ok {
			return fmt.Errorf("%w: %w: source state %q", ErrInvalidConfig, ErrUnknownState, from)
		}
	}
	for name, s := range d.states {
		if s.Timeout != nil {
			if _, ok := d.states[s.Timeout.Target]; !ok {
				return fmt.Errorf("%w: %w: timeout target %q for state %q", ErrInvalidConfig, ErrUnknownState, s.Timeout.Target, name)
			}
		}
	}
	return nil
}

// Name returns the FSM definition's name.
func (d *Definition) Name() string { return d.name }

// InitialState returns the state freshly admitted machines start in.
func (d *Definition) InitialState() string { return d.initialState }

// State returns the declared definition of a state.
func (d *Definition) State(name string) (StateDef, bool) {
	s, ok := d.states[name]
	return s, ok
}

// newUnderlying builds a fresh stateless.StateMachine reflecting only the
// topology (no actions attached): it backs ToGraph on a live Machine
// without risking divergence between the library's own bookkeeping and the
// persistent context a Fire call commits. CanFire and PermittedTriggers
// read the definition's transition and stay maps directly.
func (d *Definition) newUnderlying(current string) *stateless.StateMachine {
	sm := stateless.NewStateMachine(current)
	for name := range d.states {
		sm.Configure(name)
	}
	for from, byEvent := range d.transitions {
		cfg := sm.Configure(from)
		for eventType, t := range byEvent {
			cfg.Permit(eventType, t.To)
		}
	}
	return sm
}
