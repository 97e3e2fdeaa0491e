// SPDX-License-Identifier: BSD-3-Clause

// Package event defines the typed event model fired into FSM instances and
// a process-wide registry mapping event type names to the wire/payload
// representation the application uses, so payload classes and wire strings
// agree.
package event

import (
	"fmt"
	"sync"
	"time"
)

// Event is a single occurrence delivered to a machine: a type name, an
// opaque payload, and the wall-clock time it was observed.
type Event struct {
	Type      string
	Payload   any
	Timestamp time.Time
}

// New creates an Event stamped with the current wall-clock time.
func New(eventType string, payload any) Event {
	return Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Timeout is the synthetic event type the timeout manager fires when a
// timed state's deadline elapses (pkg/timeout).
const Timeout = "__timeout__"

// Start is the synthetic event type delivered to a machine's initial state
// entry action exactly once, when the registry first installs it in memory.
// It is never subject to transition lookup.
const Start = "__start__"

// registry maps globally registered event type names to a zero-value
// payload constructor, so callers and wire decoders agree on which Go
// type a given type name decodes to.
type registry struct {
	mu           sync.RWMutex
	constructors map[string]func() any
}

var global = &registry{constructors: make(map[string]func() any)}

// Register associates an event type name with a zero-value constructor
// for its payload type. Registering the same name twice, with any
// constructor, is a programmer error and panics: this is a one-time startup
// registration, and silently overwriting it would mask a real bug.
func Register(eventType string, newPayload func() any) {
	global.mu.Lock()
	defer global.mu.Unlock()

	if _, exists := global.constructors[eventType]; exists {
		panic(fmt.Sprintf("event: type %q already registered", eventType))
	}
	global.constructors[eventType] = newPayload
}

// NewPayload constructs a zero-value payload for a registered event type.
// It returns false if the type was never registered.
func NewPayload(eventType string) (any, bool) {
	global.mu.RLock()
	ctor, ok := global.constructors[eventType]
	global.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return ctor(), true
}

// IsRegistered reports whether eventType has a registered payload
// constructor.
func IsRegistered(eventType string) bool {
	global.mu.RLock()
	defer global.mu.RUnlock()
	_, ok := global.constructors[eventType]
	return ok
}
