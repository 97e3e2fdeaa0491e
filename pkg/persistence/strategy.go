// SPDX-License-Identifier: BSD-3-Clause

// Package persistence implements the partitioned persistence provider: a
// uniform save/load/exists/delete contract over a machine id, backed by
// date- or key-partitioned physical storage (pkg/persistence/postgres,
// pkg/persistence/sqlite), plus selective multi-entity graph persistence
// built on pkg/graph's annotation metadata.
package persistence

import (
	"fmt"
	"time"
)

// Strategy selects how rows are routed to physical partitions.
type Strategy int

const (
	// Monthly routes by a physical table per month: <base>_YYYY_MM.
	Monthly Strategy = iota
	// Range stores rows in a single table, tagging each with its pYYYYMM
	// partition_key; no row is routed to the p_history catch-all.
	Range
	// Hash routes by an explicit key column into p0..pN-1 partitions.
	Hash
)

func (s Strategy) String() string {
	switch s {
	case Monthly:
		return "MONTHLY"
	case Range:
		return "RANGE"
	case Hash:
		return "HASH"
	default:
		return "UNKNOWN"
	}
}

// TableName returns the physical table a Monthly-strategy row with the
// given timestamp belongs to.
func TableName(base string, t time.Time) string {
	y, m, _ := t.Date()
	return fmt.Sprintf("%s_%04d_%02d", base, y, int(m))
}

// RangePartitionName returns the MySQL-style declared partition name a
// Range-strategy row with the given timestamp belongs to.
func RangePartitionName(t time.Time) string {
	y, m, _ := t.Date()
	return fmt.Sprintf("p%04d%02d", y, int(m))
}

// RangeHistoryPartition names the Range catch-all partition. The engine
// never assigns it as a row's partition_key.
const RangeHistoryPartition = "p_history"

// HashPartitionName returns the Hash-strategy partition a key routes to
// among n buckets. The same key always routes to the same partition for a
// fixed n.
func HashPartitionName(key string, n int) string {
	if n <= 0 {
		n = 1
	}
	h := fnv32(key)
	return fmt.Sprintf("p%d", int(h)%n)
}

func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
