// SPDX-License-Identifier: BSD-3-Clause

// Package timeout implements the Timeout Manager: per-state deadline
// scheduling keyed by (machineId, stateEntryGeneration) so a deadline that
// fires after the machine has already left or re-entered the state is a
// silent no-op, and so a rehydrated machine can re-arm with the remaining
// time rather than the full duration.
package timeout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/statewire/statewire/pkg/entity"
)

// FireFunc delivers a synthetic timeout event for a machine. The manager
// calls it on its own scheduler goroutine; the callee is responsible for
// acquiring the machine's own lock (normally by calling Registry.Fire).
type FireFunc func(ctx context.Context, machineID entity.ID)

type deadline struct {
	generation uint64
	timer      *time.Timer
}

// Manager schedules and cancels per-machine deadlines.
type Manager struct {
	mu       sync.Mutex
	deadline map[entity.ID]*deadline
	fire     FireFunc
	logger   *slog.Logger
	shutdown bool
}

// New creates a Manager that invokes fire when a scheduled deadline elapses
// without being cancelled or superseded.
func New(fire FireFunc, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		deadline: make(map[entity.ID]*deadline),
		fire:     fire,
		logger:   logger,
	}
}

// Schedule arms a deadline of d for machineID at the given generation,
// replacing any previously scheduled deadline for that machine.
func (m *Manager) Schedule(ctx context.Context, machineID entity.ID, generation uint64, d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.shutdown {
		return ErrManagerShutdown
	}
	m.cancelLocked(machineID)

	dl := &deadline{generation: generation}
	dl.timer = time.AfterFunc(d, func() { m.onFire(ctx, machineID, generation) })
	m.deadline[machineID] = dl
	return nil
}

// Rearm re-schedules a deadline during rehydration. If remaining is zero
// or negative, it fires immediately and synchronously on the calling
// goroutine rather than via the scheduler, so the caller can guarantee the
// timeout transition is applied before any pending event for the machine.
func (m *Manager) Rearm(ctx context.Context, machineID entity.ID, generation uint64, remaining time.Duration) error {
	if remaining <= 0 {
		m.mu.Lock()
		if m.shutdown {
			m.mu.Unlock()
			return ErrManagerShutdown
		}
		m.cancelLocked(machineID)
		m.mu.Unlock()
		m.fire(ctx, machineID)
		return nil
	}
	return m.Schedule(ctx, machineID, generation, remaining)
}

// SetFire rebinds the callback invoked when a deadline elapses. It exists
// so a Manager can be constructed before the component that ultimately
// handles its fires (e.g. a registry.Registry, which needs a *Manager at
// its own construction time); callers doing this must call SetFire before
// any deadline is scheduled.
func (m *Manager) SetFire(fire FireFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fire = fire
}

// Cancel removes any pending deadline for machineID, used on exit from a
// timed state.
func (m *Manager) Cancel(machineID entity.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked(machineID)
}

func (m *Manager) cancelLocked(machineID entity.ID) {
	if dl, ok := m.deadline[machineID]; ok {
		dl.timer.Stop()
		delete(m.deadline, machineID)
	}
}

func (m *Manager) onFire(ctx context.Context, machineID entity.ID, generation uint64) {
	m.mu.Lock()
	dl, ok := m.deadline[machineID]
	if !ok || dl.generation != generation {
		m.mu.Unlock()
		m.logger.Debug("timeout: stale generation, skipping", "machine_id", machineID.String(), "generation", generation)
		return
	}
	delete(m.deadline, machineID)
	m.mu.Unlock()

	m.fire(ctx, machineID)
}

// Shutdown cancels every pending deadline and refuses further scheduling.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.shutdown = true
	for id, dl := range m.deadline {
		dl.timer.Stop()
		delete(m.deadline, id)
	}
}
