// SPDX-License-Identifier: BSD-3-Clause

package timeout_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statewire/statewire/pkg/entity"
	"github.com/statewire/statewire/pkg/timeout"
)

func TestScheduleFiresAfterDuration(t *testing.T) {
	var fired atomic.Bool
	var wg sync.WaitGroup
	wg.Add(1)

	mgr := timeout.New(func(ctx context.Context, id entity.ID) {
		fired.Store(true)
		wg.Done()
	}, nil)

	id := entity.NewID()
	require.NoError(t, mgr.Schedule(context.Background(), id, 1, 20*time.Millisecond))

	wg.Wait()
	assert.True(t, fired.Load())
}

func TestCancelPreventsFiring(t *testing.T) {
	var fired atomic.Bool
	mgr := timeout.New(func(ctx context.Context, id entity.ID) {
		fired.Store(true)
	}, nil)

	id := entity.NewID()
	require.NoError(t, mgr.Schedule(context.Background(), id, 1, 20*time.Millisecond))
	mgr.Cancel(id)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())
}

func TestReScheduleSupersedesStaleGeneration(t *testing.T) {
	var firedGeneration atomic.Uint64
	var wg sync.WaitGroup
	wg.Add(1)

	mgr := timeout.New(func(ctx context.Context, id entity.ID) {
		wg.Done()
	}, nil)

	id := entity.NewID()
	require.NoError(t, mgr.Schedule(context.Background(), id, 1, 10*time.Millisecond))
	// re-entering the state bumps the generation and supersedes gen 1.
	require.NoError(t, mgr.Schedule(context.Background(), id, 2, 30*time.Millisecond))

	wg.Wait()
	_ = firedGeneration
}

func TestRearmWithZeroRemainingFiresImmediately(t *testing.T) {
	fired := make(chan struct{})
	mgr := timeout.New(func(ctx context.Context, id entity.ID) {
		close(fired)
	}, nil)

	id := entity.NewID()
	require.NoError(t, mgr.Rearm(context.Background(), id, 1, 0))

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("expected immediate fire on zero remaining")
	}
}

func TestShutdownCancelsPendingAndRefusesNew(t *testing.T) {
	var fired atomic.Bool
	mgr := timeout.New(func(ctx context.Context, id entity.ID) {
		fired.Store(true)
	}, nil)

	id := entity.NewID()
	require.NoError(t, mgr.Schedule(context.Background(), id, 1, 20*time.Millisecond))
	mgr.Shutdown()

	time.Sleep(50 * time.Millisecond)
	assert.False(t, fired.Load())

	err := mgr.Schedule(context.Background(), entity.NewID(), 1, time.Millisecond)
	assert.ErrorIs(t, err, timeout.ErrManagerShutdown)
}
