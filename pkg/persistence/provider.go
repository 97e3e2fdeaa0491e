// SPDX-License-Identifier: BSD-3-Clause

package persistence

import (
	"context"
	"time"

	"github.com/statewire/statewire/pkg/entity"
)

// Snapshot is the root row persisted regardless of which child graph, if
// any, accompanies it: the state machine's own durable fields plus an
// opaque serialized blob that is the source of truth when a column schema
// for the persistent context type is unavailable.
type Snapshot struct {
	ID              entity.ID
	CurrentState    string
	LastStateChange time.Time
	Complete        bool
	CreatedAt       time.Time
	EntityData      []byte
}

// RootFactory constructs a zero-value root context of the application's
// concrete type, so Load can unmarshal EntityData and reattach annotated
// children into it.
type RootFactory func() entity.PersistentContext

// Provider is the uniform persistence contract: save, load, exists and
// delete over a machine id, with save/load atomic from the caller's
// viewpoint even when a multi-entity graph accompanies the root.
type Provider interface {
	// Initialize prepares the backing store: creates the partitions
	// registry table and, for Monthly, the current month's table; for
	// Range and Hash, the single base table.
	Initialize(ctx context.Context) error
	// Save upserts the root snapshot and, if root implements a non-empty
	// annotated graph, its selective children. (id, createdAt) is the
	// partitioned primary key; on conflict non-key columns are replaced.
	Save(ctx context.Context, snap Snapshot, root entity.PersistentContext) error
	// Load fetches the root snapshot and reattaches its annotated
	// children, constructing root via factory and returning
	// ErrNotFound if no row exists for id.
	Load(ctx context.Context, id entity.ID, factory RootFactory) (Snapshot, entity.PersistentContext, error)
	// Exists reports whether a row is present for id without loading it.
	Exists(ctx context.Context, id entity.ID) (bool, error)
	// Delete removes the root row for id from every table Load would scan.
	// Rows in annotated child tables are not deleted.
	Delete(ctx context.Context, id entity.ID) error
	// DeletePartitionsOlderThan drops Monthly tables, or deletes Range
	// rows, whose period key is below cutoff. It never touches the active
	// period. HASH-strategy providers treat this as a no-op.
	DeletePartitionsOlderThan(ctx context.Context, cutoff time.Time) error
}

// Config configures a Provider backend, following the same functional
// option pattern used across the rest of this module.
type Config struct {
	BaseTable       string
	Strategy        Strategy
	AutoCreate      bool
	ForwardPartitions int
	HashBuckets     int
	RetentionWindow time.Duration
}

// Option configures a Config.
type Option interface {
	apply(*Config)
}

type optionFunc func(*Config)

func (f optionFunc) apply(c *Config) { f(c) }

// WithBaseTable sets the logical base table/entity name partition names
// are derived from.
func WithBaseTable(name string) Option {
	return optionFunc(func(c *Config) { c.BaseTable = name })
}

// WithStrategy selects the partitioning strategy.
func WithStrategy(s Strategy) Option {
	return optionFunc(func(c *Config) { c.Strategy = s })
}

// WithAutoCreate enables creating missing partitions on first use.
func WithAutoCreate(v bool) Option {
	return optionFunc(func(c *Config) { c.AutoCreate = v })
}

// WithForwardPartitions sets the Range-strategy forward partition count.
// Validate rejects a negative value; the engine does not pre-provision
// partitions from it.
func WithForwardPartitions(n int) Option {
	return optionFunc(func(c *Config) { c.ForwardPartitions = n })
}

// WithHashBuckets sets the number of Hash-strategy partitions.
func WithHashBuckets(n int) Option {
	return optionFunc(func(c *Config) { c.HashBuckets = n })
}

// WithRetentionWindow sets how far back from now Load, Exists and Delete
// look for Monthly tables; zero or less means every registered month.
// Maintainer takes its own window and does not read this value.
func WithRetentionWindow(d time.Duration) Option {
	return optionFunc(func(c *Config) { c.RetentionWindow = d })
}

// NewConfig applies opts over sane defaults: MONTHLY strategy, autoCreate
// enabled, 3 forward partitions, 16 hash buckets, 90-day retention.
func NewConfig(opts ...Option) *Config {
	c := &Config{
		BaseTable:         "machines",
		Strategy:          Monthly,
		AutoCreate:        true,
		ForwardPartitions: 3,
		HashBuckets:       16,
		RetentionWindow:   90 * 24 * time.Hour,
	}
	for _, opt := range opts {
		opt.apply(c)
	}
	return c
}

// Validate checks the configuration is usable.
func (c *Config) Validate() error {
	if c.BaseTable == "" {
		return ErrInvalidConfig
	}
	if c.Strategy == Hash && c.HashBuckets <= 0 {
		return ErrInvalidConfig
	}
	if c.Strategy == Range && c.ForwardPartitions < 0 {
		return ErrInvalidConfig
	}
	return nil
}
