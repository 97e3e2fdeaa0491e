// SPDX-License-Identifier: BSD-3-Clause

// Package sqlite wires the partitioned persistence Provider to a SQLite
// backend via mattn/go-sqlite3, intended for tests and single-node
// deployments.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/statewire/statewire/pkg/persistence"
)

// PoolConfig configures the connection pool. SQLite serializes writers
// internally, so MaxOpenConns defaults to 1 to avoid "database is locked"
// errors under concurrent access.
type PoolConfig struct {
	DSN             string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig returns sane pool defaults for dsn (use ":memory:" or
// a file path).
func DefaultPoolConfig(dsn string) PoolConfig {
	return PoolConfig{
		DSN:             dsn,
		MaxOpenConns:    1,
		ConnMaxLifetime: 0,
	}
}

// NewProvider opens dsn and returns a persistence.Provider backed by it.
func NewProvider(pool PoolConfig, cfg *persistence.Config) (persistence.Provider, error) {
	if pool.DSN == "" {
		return nil, fmt.Errorf("%w: dsn is required", persistence.ErrInvalidConfig)
	}

	db, err := sql.Open("sqlite3", pool.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	return persistence.NewSQLiteEngine(db, cfg)
}
