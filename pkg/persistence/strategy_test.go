// SPDX-License-Identifier: BSD-3-Clause

package persistence_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/statewire/statewire/pkg/persistence"
)

func TestTableNameIsDeterministicPerMonth(t *testing.T) {
	ts := time.Date(2026, time.March, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "calls_2026_03", persistence.TableName("calls", ts))
}

func TestRangePartitionNameMatchesMySQLStyle(t *testing.T) {
	ts := time.Date(2026, time.December, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "p202612", persistence.RangePartitionName(ts))
}

func TestHashPartitionNameIsStableForSameKey(t *testing.T) {
	a := persistence.HashPartitionName("machine-1", 8)
	b := persistence.HashPartitionName("machine-1", 8)
	assert.Equal(t, a, b)
}

func TestHashPartitionNameDistributesAcrossBuckets(t *testing.T) {
	buckets := map[string]bool{}
	for i := 0; i < 100; i++ {
		key := time.Now().Add(time.Duration(i) * time.Second).String()
		buckets[persistence.HashPartitionName(key, 4)] = true
	}
	assert.Greater(t, len(buckets), 1)
}

func TestStrategyString(t *testing.T) {
	assert.Equal(t, "MONTHLY", persistence.Monthly.String())
	assert.Equal(t, "RANGE", persistence.Range.String())
	assert.Equal(t, "HASH", persistence.Hash.String())
}
