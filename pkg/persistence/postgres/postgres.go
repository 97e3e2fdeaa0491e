// SPDX-License-Identifier: BSD-3-Clause

// Package postgres wires the partitioned persistence Provider to a
// PostgreSQL backend via jackc/pgx's database/sql driver.
package postgres

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/statewire/statewire/pkg/persistence"
)

// PoolConfig configures the connection pool, following the same
// HikariCP-style defaults used elsewhere in this module's storage layer.
type PoolConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultPoolConfig returns sane pool defaults for dsn.
func DefaultPoolConfig(dsn string) PoolConfig {
	return PoolConfig{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 10 * time.Minute,
	}
}

// NewProvider opens a pooled connection to dsn and returns a
// persistence.Provider backed by it.
func NewProvider(pool PoolConfig, cfg *persistence.Config) (persistence.Provider, error) {
	if pool.DSN == "" {
		return nil, fmt.Errorf("%w: dsn is required", persistence.ErrInvalidConfig)
	}
	if pool.MaxOpenConns <= 0 {
		return nil, fmt.Errorf("%w: MaxOpenConns must be positive", persistence.ErrInvalidConfig)
	}

	db, err := sql.Open("pgx", pool.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	return persistence.NewPostgresEngine(db, cfg)
}
