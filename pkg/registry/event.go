// SPDX-License-Identifier: BSD-3-Clause

package registry

import (
	"time"

	"github.com/statewire/statewire/pkg/entity"
	"github.com/statewire/statewire/pkg/fsm"
)

// EventType names one kind of registry-level occurrence, fanned out to
// Listeners and, when a Bus is wired in, published in-process over NATS.
type EventType string

const (
	// MachineCreated fires once a factory-built (non-rehydrated) machine
	// commits its initial entry action.
	MachineCreated EventType = "MACHINE_CREATED"
	// MachineRegistered fires right after a freshly created machine is
	// installed in the in-memory map, before Start runs.
	MachineRegistered EventType = "MACHINE_REGISTERED"
	// MachineRehydrated fires once a machine loaded from persistence is
	// installed in the in-memory map and its timeout re-armed.
	MachineRehydrated EventType = "MACHINE_REHYDRATED"
	// MachineEvicted fires after a machine's state is durably saved and it
	// is removed from the in-memory map.
	MachineEvicted EventType = "MACHINE_EVICTED"
	// MachineCreationRefused fires when admission control refuses a
	// CreateOrGet call because the concurrent-machine cap is reached.
	// Throttled Fire calls return ErrThrottled without emitting it.
	MachineCreationRefused EventType = "MACHINE_CREATION_REFUSED"
	// MachineOffline fires when a transition lands a non-final offline
	// state and the machine is about to be evicted pending rehydration.
	MachineOffline EventType = "MACHINE_OFFLINE"
	// EventIgnored fires when Fire finds no transition or stay action for
	// the event in the machine's current state.
	EventIgnored EventType = "EVENT_IGNORED"
	// RegistryTimeout fires each time the timeout manager delivers a
	// synthetic timeout event into Fire.
	RegistryTimeout EventType = "REGISTRY_TIMEOUT"
	// RegistryStartup fires once, when New returns a ready registry.
	RegistryStartup EventType = "REGISTRY_STARTUP"
	// RegistryShutdown fires once Shutdown has finished draining.
	RegistryShutdown EventType = "REGISTRY_SHUTDOWN"
	// PersistenceOperation fires after every successful Save the registry
	// issues on a machine's behalf. Loads are not reported by it.
	PersistenceOperation EventType = "PERSISTENCE_OPERATION"
	// ConfigChange names configuration changes in the event taxonomy. The
	// registry has no reconfiguration operation and never emits it.
	ConfigChange EventType = "CONFIG_CHANGE"
	// Warning fires for recoverable faults: a persistence save that failed
	// and is being retried, a stale rehydration race, and similar.
	Warning EventType = "WARNING"
	// Error fires when a recoverable fault exhausts its retry budget.
	Error EventType = "ERROR"
)

// Event is one occurrence published to every registered Listener.
type Event struct {
	Type       EventType
	MachineID  entity.ID
	Detail     string
	Timestamp  time.Time
	Transition *fsm.TransitionRecord
}

// Listener observes registry-level events. It must not block: the registry
// calls listeners synchronously but always off the per-machine lock.
type Listener func(Event)
