// SPDX-License-Identifier: BSD-3-Clause

package supervisor_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statewire/statewire/pkg/supervisor"
)

func TestRunBlocksUntilContextCanceled(t *testing.T) {
	s := supervisor.New(nil)
	var starts int32
	require.NoError(t, s.Add("noop", time.Second, func(ctx context.Context) error {
		atomic.AddInt32(&starts, 1)
		<-ctx.Done()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&starts) >= 1 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestFailingProcessIsRestarted(t *testing.T) {
	s := supervisor.New(nil)
	var attempts int32
	require.NoError(t, s.Add("flaky", time.Second, func(ctx context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("boom")
		}
		<-ctx.Done()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&attempts) >= 3 }, time.Second, time.Millisecond,
		"a process returning an error must be restarted under the Transient strategy")
}

func TestPanickingProcessIsRecoveredAsError(t *testing.T) {
	s := supervisor.New(nil)
	var attempts int32
	require.NoError(t, s.Add("panicky", time.Second, func(ctx context.Context) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 2 {
			panic("kaboom")
		}
		<-ctx.Done()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = s.Run(ctx) }()

	assert.Eventually(t, func() bool { return atomic.LoadInt32(&attempts) >= 2 }, time.Second, time.Millisecond,
		"a panicking process must be recovered and restarted, not take the tree down")
}
