// SPDX-License-Identifier: BSD-3-Clause

// Package entity declares the capability interfaces that replace the
// inheritance hierarchies (BaseStateMachineEntity, StateMachineContextEntity)
// a reflection/inheritance-heavy source would use. An FSM instance (pkg/fsm)
// is polymorphic only over PersistentContext; a graph node (pkg/graph) is
// polymorphic only over ShardingEntity.
package entity

import (
	"time"

	"github.com/google/uuid"
)

// ID is the opaque machine/row identifier, globally unique within one
// Registry and shared by every persisted row belonging to a machine.
type ID string

// NewID returns a fresh random identifier suitable as a machine id or
// ShardingEntity id.
func NewID() ID {
	return ID(uuid.NewString())
}

func (id ID) String() string {
	return string(id)
}

// PersistentContext is the root context contract shared by a Registry and a
// persistence provider: the fields both must be able to read and write
// regardless of the application's domain type.
type PersistentContext interface {
	// ID returns the machine identifier this context belongs to.
	ID() ID
	// CurrentState returns the FSM state as of the last committed transition.
	CurrentState() string
	// SetCurrentState is called by the FSM engine after a committed transition
	// and by the registry during rehydration's restoreState step.
	SetCurrentState(state string)
	// LastStateChange returns the wall-clock time of the last state change.
	LastStateChange() time.Time
	// SetLastStateChange is called by the FSM engine after a committed transition.
	SetLastStateChange(t time.Time)
	// Complete reports whether a final state has been reached.
	Complete() bool
	// SetComplete is called by the FSM engine when a final state is entered.
	SetComplete(complete bool)
	// DeepCopy returns an independent snapshot. Callers must never observe
	// a context that a concurrent fire() is still mutating.
	DeepCopy() PersistentContext
}

// ShardingEntity is the capability a graph node (pkg/graph) or its child
// entities must carry to participate in date-/key-partitioned storage: a
// field is only persisted if its declared type carries an id and a
// createdAt and is annotated as an entity or a singleton.
type ShardingEntity interface {
	// ShardID returns the id used as part of the partitioned primary key.
	ShardID() ID
	// CreatedAt returns the timestamp used to route writes to a partition
	// under the MONTHLY/RANGE strategies and stored for HASH/KEY routing.
	CreatedAt() time.Time
}
