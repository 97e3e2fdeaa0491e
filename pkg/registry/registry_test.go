// SPDX-License-Identifier: BSD-3-Clause

package registry_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statewire/statewire/pkg/entity"
	"github.com/statewire/statewire/pkg/event"
	"github.com/statewire/statewire/pkg/fsm"
	"github.com/statewire/statewire/pkg/persistence"
	"github.com/statewire/statewire/pkg/registry"
	"github.com/statewire/statewire/pkg/timeout"
)

type testContext struct {
	id              entity.ID
	currentState    string
	lastStateChange time.Time
	complete        bool
}

func (c *testContext) ID() entity.ID               { return c.id }
func (c *testContext) CurrentState() string         { return c.currentState }
func (c *testContext) SetCurrentState(s string)      { c.currentState = s }
func (c *testContext) LastStateChange() time.Time    { return c.lastStateChange }
func (c *testContext) SetLastStateChange(t time.Time) { c.lastStateChange = t }
func (c *testContext) Complete() bool                 { return c.complete }
func (c *testContext) SetComplete(v bool)              { c.complete = v }
func (c *testContext) DeepCopy() entity.PersistentContext {
	cp := *c
	return &cp
}

// fakeProvider is an in-memory persistence.Provider test double: enough of
// Save/Load/Exists to exercise CreateOrGet's rehydration path without a
// real database.
type fakeProvider struct {
	mu      sync.Mutex
	rows    map[string]persistence.Snapshot
	data    map[string]entity.PersistentContext
	saveErr error
	saves   int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{rows: make(map[string]persistence.Snapshot), data: make(map[string]entity.PersistentContext)}
}

func (p *fakeProvider) Initialize(context.Context) error { return nil }

func (p *fakeProvider) Save(_ context.Context, snap persistence.Snapshot, root entity.PersistentContext) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	if p.saveErr != nil {
		return p.saveErr
	}
	p.rows[snap.ID.String()] = snap
	p.data[snap.ID.String()] = root.DeepCopy()
	return nil
}

func (p *fakeProvider) Load(_ context.Context, id entity.ID, _ persistence.RootFactory) (persistence.Snapshot, entity.PersistentContext, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, ok := p.rows[id.String()]
	if !ok {
		return persistence.Snapshot{}, nil, persistence.ErrNotFound
	}
	return snap, p.data[id.String()].DeepCopy(), nil
}

func (p *fakeProvider) Exists(_ context.Context, id entity.ID) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.rows[id.String()]
	return ok, nil
}

func (p *fakeProvider) Delete(_ context.Context, id entity.ID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rows, id.String())
	delete(p.data, id.String())
	return nil
}

func (p *fakeProvider) DeletePartitionsOlderThan(context.Context, time.Time) error { return nil }

// callDefinition builds IDLE -> RINGING(offline) -> CONNECTED -> HUNGUP(final),
// with RINGING carrying timeoutDuration when non-zero.
func callDefinition(t *testing.T, timeoutDuration time.Duration) *fsm.Definition {
	t.Helper()
	ringing := fsm.StateDef{Name: "RINGING", Offline: true}
	if timeoutDuration > 0 {
		ringing.Timeout = &fsm.Timeout{Duration: timeoutDuration, Target: "HUNGUP"}
	}
	opts := []fsm.Option{
		fsm.WithInitialState("IDLE"),
		fsm.WithState(fsm.StateDef{Name: "IDLE"}),
		fsm.WithState(ringing),
		fsm.WithState(fsm.StateDef{Name: "CONNECTED"}),
		fsm.WithState(fsm.StateDef{Name: "HUNGUP", Final: true}),
		fsm.WithTransition("IDLE", "DIAL", "RINGING"),
		fsm.WithTransition("RINGING", "ANSWER", "CONNECTED"),
		fsm.WithTransition("CONNECTED", "HANGUP", "HUNGUP"),
	}
	def, err := fsm.New("callflow", opts...)
	require.NoError(t, err)
	return def
}

func freshFactory() registry.Factory {
	return func() (entity.PersistentContext, any, error) {
		return &testContext{id: entity.NewID()}, nil, nil
	}
}

func TestCreateOrGetAdmitsThenReturnsResident(t *testing.T) {
	def := callDefinition(t, 0)
	r := registry.New(def)
	id := entity.NewID()
	factory := func() (entity.PersistentContext, any, error) { return &testContext{id: id}, nil, nil }

	m, result, err := r.CreateOrGet(context.Background(), id, factory)
	require.NoError(t, err)
	assert.Equal(t, registry.Admitted, result)
	assert.Equal(t, "IDLE", m.CurrentState())

	m2, result2, err := r.CreateOrGet(context.Background(), id, factory)
	require.NoError(t, err)
	assert.Equal(t, registry.Resident, result2)
	assert.Same(t, m, m2)
}

func TestCapacityExceededRefusesAdmission(t *testing.T) {
	def := callDefinition(t, 0)
	r := registry.New(def, registry.WithMaxConcurrentMachines(1))

	_, _, err := r.CreateOrGet(context.Background(), entity.NewID(), freshFactory())
	require.NoError(t, err)

	var refused []registry.Event
	r.AddListener(func(e registry.Event) {
		if e.Type == registry.MachineCreationRefused {
			refused = append(refused, e)
		}
	})

	_, _, err = r.CreateOrGet(context.Background(), entity.NewID(), freshFactory())
	require.ErrorIs(t, err, registry.ErrCapacityExceeded)
	assert.Len(t, refused, 1)
}

func TestFireIgnoresUnknownMachine(t *testing.T) {
	def := callDefinition(t, 0)
	r := registry.New(def)

	outcome, _, err := r.Fire(context.Background(), entity.NewID(), event.New("DIAL", nil))
	require.NoError(t, err)
	assert.Equal(t, fsm.Ignored, outcome)
}

func TestOfflineLandingPersistsEvictsAndRehydrates(t *testing.T) {
	def := callDefinition(t, 0)
	provider := newFakeProvider()
	r := registry.New(def, registry.WithProvider(provider))
	ctx := context.Background()

	id := entity.NewID()
	factory := func() (entity.PersistentContext, any, error) { return &testContext{id: id}, nil, nil }

	_, _, err := r.CreateOrGet(ctx, id, factory)
	require.NoError(t, err)

	var evicted []registry.Event
	r.AddListener(func(e registry.Event) {
		if e.Type == registry.MachineEvicted || e.Type == registry.MachineOffline {
			evicted = append(evicted, e)
		}
	})

	outcome, rec, err := r.Fire(ctx, id, event.New("DIAL", nil))
	require.NoError(t, err)
	assert.Equal(t, fsm.Accepted, outcome)
	assert.Equal(t, "RINGING", rec.ToState)
	assert.Equal(t, 1, provider.saves)
	require.Len(t, evicted, 2)

	stats := r.Stats()
	assert.Equal(t, 0, stats.Resident)

	// a further event for the now-evicted machine is a no-op until rehydrated
	outcome, _, err = r.Fire(ctx, id, event.New("ANSWER", nil))
	require.NoError(t, err)
	assert.Equal(t, fsm.Ignored, outcome)

	m, result, err := r.CreateOrGet(ctx, id, factory)
	require.NoError(t, err)
	assert.Equal(t, registry.Rehydrated, result)
	assert.Equal(t, "RINGING", m.CurrentState())

	outcome, _, err = r.Fire(ctx, id, event.New("ANSWER", nil))
	require.NoError(t, err)
	assert.Equal(t, fsm.Accepted, outcome)
	assert.Equal(t, "CONNECTED", m.CurrentState())
}

func TestFinalLandingEvictsAndFurtherCreateOrGetReportsAlreadyComplete(t *testing.T) {
	def := callDefinition(t, 0)
	provider := newFakeProvider()
	r := registry.New(def, registry.WithProvider(provider))
	ctx := context.Background()

	id := entity.NewID()
	factory := func() (entity.PersistentContext, any, error) { return &testContext{id: id}, nil, nil }

	_, _, err := r.CreateOrGet(ctx, id, factory)
	require.NoError(t, err)
	_, _, err = r.Fire(ctx, id, event.New("DIAL", nil))
	require.NoError(t, err)

	_, _, err = r.CreateOrGet(ctx, id, factory)
	require.NoError(t, err)
	_, _, err = r.Fire(ctx, id, event.New("ANSWER", nil))
	require.NoError(t, err)

	outcome, rec, err := r.Fire(ctx, id, event.New("HANGUP", nil))
	require.NoError(t, err)
	assert.Equal(t, fsm.Accepted, outcome)
	assert.True(t, rec.IsFinal)

	assert.Equal(t, 0, r.Stats().Resident)

	_, result, err := r.CreateOrGet(ctx, id, factory)
	require.NoError(t, err)
	assert.Equal(t, registry.AlreadyComplete, result)
}

func TestSaveFailureKeepsMachineResident(t *testing.T) {
	def := callDefinition(t, 0)
	provider := newFakeProvider()
	provider.saveErr = assert.AnError
	r := registry.New(def, registry.WithProvider(provider), registry.WithSaveRetryPolicy(1, time.Millisecond))
	ctx := context.Background()

	id := entity.NewID()
	factory := func() (entity.PersistentContext, any, error) { return &testContext{id: id}, nil, nil }
	_, _, err := r.CreateOrGet(ctx, id, factory)
	require.NoError(t, err)

	var errs []registry.Event
	r.AddListener(func(e registry.Event) {
		if e.Type == registry.Error {
			errs = append(errs, e)
		}
	})

	outcome, _, err := r.Fire(ctx, id, event.New("DIAL", nil))
	require.NoError(t, err)
	assert.Equal(t, fsm.Accepted, outcome)

	require.Eventually(t, func() bool { return len(errs) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, r.Stats().Resident, "a failed save must not evict the machine")
}

func TestTimeoutFiresSyntheticEventThroughRegistry(t *testing.T) {
	def := callDefinition(t, 20*time.Millisecond)
	mgr := timeout.New(nil, nil)
	r := registry.New(def, registry.WithTimeoutManager(mgr))

	ctx := context.Background()
	id := entity.NewID()
	factory := func() (entity.PersistentContext, any, error) { return &testContext{id: id}, nil, nil }

	_, _, err := r.CreateOrGet(ctx, id, factory)
	require.NoError(t, err)
	outcome, _, err := r.Fire(ctx, id, event.New("DIAL", nil))
	require.NoError(t, err)
	require.Equal(t, fsm.Accepted, outcome)

	var timedOut []registry.Event
	var mu sync.Mutex
	r.AddListener(func(e registry.Event) {
		if e.Type == registry.RegistryTimeout {
			mu.Lock()
			timedOut = append(timedOut, e)
			mu.Unlock()
		}
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(timedOut) == 1
	}, time.Second, 5*time.Millisecond)
}
