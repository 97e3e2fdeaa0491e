// SPDX-License-Identifier: BSD-3-Clause

package persistence_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statewire/statewire/pkg/entity"
	"github.com/statewire/statewire/pkg/persistence"
)

type testCustomer struct {
	ID_       entity.ID `json:"id"`
	CreatedAt_ time.Time `json:"createdAt"`
	Name      string    `json:"name"`
}

func (c *testCustomer) ShardID() entity.ID   { return c.ID_ }
func (c *testCustomer) CreatedAt() time.Time { return c.CreatedAt_ }

type testLeg struct {
	ID_        entity.ID `json:"id"`
	CreatedAt_ time.Time `json:"createdAt"`
	Endpoint   string    `json:"endpoint"`
}

func (l *testLeg) ShardID() entity.ID   { return l.ID_ }
func (l *testLeg) CreatedAt() time.Time { return l.CreatedAt_ }

type testAnalytics struct {
	Hits int `json:"hits"`
}

type testRoot struct {
	ID_       entity.ID `json:"id"`
	State     string    `json:"currentState"`
	Changed   time.Time `json:"lastStateChange"`
	Done      bool      `json:"complete"`
	CreatedAt_ time.Time `json:"createdAt"`

	Customer  *testCustomer  `json:"-" entity:"table=test_customers,relation=one-to-one"`
	Legs      []*testLeg     `json:"-" entity:"table=test_legs,relation=one-to-many"`
	Analytics *testAnalytics `json:"-"`
}

func (r *testRoot) ID() entity.ID                  { return r.ID_ }
func (r *testRoot) CurrentState() string             { return r.State }
func (r *testRoot) SetCurrentState(s string)          { r.State = s }
func (r *testRoot) LastStateChange() time.Time        { return r.Changed }
func (r *testRoot) SetLastStateChange(t time.Time)     { r.Changed = t }
func (r *testRoot) Complete() bool                     { return r.Done }
func (r *testRoot) SetComplete(v bool)                  { r.Done = v }
func (r *testRoot) DeepCopy() entity.PersistentContext {
	cp := *r
	if r.Customer != nil {
		c := *r.Customer
		cp.Customer = &c
	}
	if r.Legs != nil {
		cp.Legs = make([]*testLeg, len(r.Legs))
		for i, l := range r.Legs {
			leg := *l
			cp.Legs[i] = &leg
		}
	}
	return &cp
}

func newSQLiteProvider(t *testing.T, strategy persistence.Strategy) persistence.Provider {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := persistence.NewConfig(
		persistence.WithBaseTable("calls"),
		persistence.WithStrategy(strategy),
	)
	provider, err := persistence.NewSQLiteEngine(db, cfg)
	require.NoError(t, err)
	require.NoError(t, provider.Initialize(context.Background()))
	return provider
}

func TestSaveThenLoadRoundTripsAnnotatedChild(t *testing.T) {
	provider := newSQLiteProvider(t, persistence.Monthly)
	ctx := context.Background()

	id := entity.NewID()
	now := time.Now().Truncate(time.Second)
	root := &testRoot{
		ID_:       id,
		State:     "CONNECTED",
		Changed:   now,
		CreatedAt_: now,
		Customer:  &testCustomer{ID_: entity.NewID(), CreatedAt_: now, Name: "ada"},
		Legs: []*testLeg{
			{ID_: entity.NewID(), CreatedAt_: now, Endpoint: "+15550000001"},
			{ID_: entity.NewID(), CreatedAt_: now, Endpoint: "+15550000002"},
		},
		Analytics: &testAnalytics{Hits: 42},
	}

	snap := persistence.Snapshot{
		ID: id, CurrentState: root.State, LastStateChange: root.Changed,
		Complete: root.Done, CreatedAt: root.CreatedAt_,
	}
	require.NoError(t, provider.Save(ctx, snap, root))

	loadedSnap, loaded, err := provider.Load(ctx, id, func() entity.PersistentContext { return &testRoot{} })
	require.NoError(t, err)
	require.Equal(t, "CONNECTED", loadedSnap.CurrentState)
	require.NotEmpty(t, loadedSnap.EntityData)

	lr := loaded.(*testRoot)
	require.NotNil(t, lr.Customer, "entity-tagged field must be reattached from its own table, not the blob")
	assert.Equal(t, "ada", lr.Customer.Name)
	require.Len(t, lr.Legs, 2, "one-to-many field must be reattached from its own table")
	assert.ElementsMatch(t, []string{"+15550000001", "+15550000002"}, []string{lr.Legs[0].Endpoint, lr.Legs[1].Endpoint})
	assert.Nil(t, lr.Analytics, "unannotated field must not be persisted")
}

func TestExistsAndDelete(t *testing.T) {
	provider := newSQLiteProvider(t, persistence.Monthly)
	ctx := context.Background()

	id := entity.NewID()
	now := time.Now()
	root := &testRoot{ID_: id, State: "IDLE", Changed: now, CreatedAt_: now}
	snap := persistence.Snapshot{ID: id, CurrentState: "IDLE", LastStateChange: now, CreatedAt: now}
	require.NoError(t, provider.Save(ctx, snap, root))

	ok, err := provider.Exists(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, provider.Delete(ctx, id))

	ok, err = provider.Exists(ctx, id)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestLoadMissingReturnsErrNotFound(t *testing.T) {
	provider := newSQLiteProvider(t, persistence.Monthly)
	_, _, err := provider.Load(context.Background(), entity.NewID(), func() entity.PersistentContext { return &testRoot{} })
	require.ErrorIs(t, err, persistence.ErrNotFound)
}

func TestHashStrategyRoundTrips(t *testing.T) {
	provider := newSQLiteProvider(t, persistence.Hash)
	ctx := context.Background()

	id := entity.NewID()
	now := time.Now()
	root := &testRoot{ID_: id, State: "IDLE", Changed: now, CreatedAt_: now}
	snap := persistence.Snapshot{ID: id, CurrentState: "IDLE", LastStateChange: now, CreatedAt: now}
	require.NoError(t, provider.Save(ctx, snap, root))

	_, loaded, err := provider.Load(ctx, id, func() entity.PersistentContext { return &testRoot{} })
	require.NoError(t, err)
	require.Equal(t, "IDLE", loaded.CurrentState())
}
