// SPDX-License-Identifier: BSD-3-Clause

package bus_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statewire/statewire/pkg/bus"
	"github.com/statewire/statewire/pkg/entity"
	"github.com/statewire/statewire/pkg/registry"
)

func startBus(t *testing.T) (*bus.Bus, func()) {
	t.Helper()
	b := bus.New(bus.WithServiceName("test-bus"), bus.WithJetStream(false))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool {
		return b.GetConnProvider() != nil && b.PublishEvent(registry.Event{}) == nil
	}, 2*time.Second, 5*time.Millisecond)

	return b, func() {
		cancel()
		<-done
	}
}

func TestPublishAndSubscribeRegistryEvent(t *testing.T) {
	b, stop := startBus(t)
	defer stop()

	var mu sync.Mutex
	var received []registry.Event
	sub, err := b.Subscribe(func(e registry.Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	id := entity.NewID()
	require.NoError(t, b.PublishEvent(registry.Event{Type: registry.MachineCreated, MachineID: id}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range received {
			if e.MachineID == id {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAsRegistryListenerPublishes(t *testing.T) {
	b, stop := startBus(t)
	defer stop()

	var mu sync.Mutex
	var gotType registry.EventType
	sub, err := b.Subscribe(func(e registry.Event) {
		mu.Lock()
		gotType = e.Type
		mu.Unlock()
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	listener := b.AsRegistryListener()
	listener(registry.Event{Type: registry.RegistryTimeout})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotType == registry.RegistryTimeout
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPublishBeforeReadyReportsNoConnection(t *testing.T) {
	b := bus.New()
	err := b.PublishEvent(registry.Event{})
	assert.ErrorIs(t, err, bus.ErrConnectionNotAvailable)
}
