// SPDX-License-Identifier: BSD-3-Clause

package fsm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statewire/statewire/pkg/entity"
	"github.com/statewire/statewire/pkg/event"
	"github.com/statewire/statewire/pkg/fsm"
)

type testContext struct {
	id              entity.ID
	currentState    string
	lastStateChange time.Time
	complete        bool
	counter         int
}

func (c *testContext) ID() entity.ID                      { return c.id }
func (c *testContext) CurrentState() string                { return c.currentState }
func (c *testContext) SetCurrentState(s string)             { c.currentState = s }
func (c *testContext) LastStateChange() time.Time           { return c.lastStateChange }
func (c *testContext) SetLastStateChange(t time.Time)        { c.lastStateChange = t }
func (c *testContext) Complete() bool                        { return c.complete }
func (c *testContext) SetComplete(v bool)                     { c.complete = v }
func (c *testContext) DeepCopy() entity.PersistentContext {
	cp := *c
	return &cp
}

func callFlowDefinition(t *testing.T, hangupFinal bool) *fsm.Definition {
	t.Helper()

	opts := []fsm.Option{
		fsm.WithInitialState("IDLE"),
		fsm.WithState(fsm.StateDef{Name: "IDLE"}),
		fsm.WithState(fsm.StateDef{Name: "RINGING"}),
		fsm.WithState(fsm.StateDef{Name: "CONNECTED"}),
		fsm.WithState(fsm.StateDef{Name: "HUNGUP", Final: hangupFinal}),
		fsm.WithTransition("IDLE", "INCOMING_CALL", "RINGING"),
		fsm.WithTransition("RINGING", "ANSWER", "CONNECTED"),
		fsm.WithTransition("CONNECTED", "HANGUP", "HUNGUP"),
		fsm.WithTransition("HUNGUP", "RESET", "IDLE"),
		fsm.WithStayAction("CONNECTED", "DTMF", func(_ context.Context, pctx entity.PersistentContext, _ any, _ event.Event) error {
			pctx.(*testContext).counter++
			return nil
		}),
	}
	def, err := fsm.New("callflow", opts...)
	require.NoError(t, err)
	return def
}

func newMachine(t *testing.T, def *fsm.Definition) *fsm.Machine {
	t.Helper()
	pctx := &testContext{id: entity.NewID()}
	m, err := def.NewMachine(pctx.id, pctx, nil)
	require.NoError(t, err)
	_, err = m.Start(context.Background())
	require.NoError(t, err)
	return m
}

func TestHappyCallFlow(t *testing.T) {
	def := callFlowDefinition(t, false)
	m := newMachine(t, def)

	var records []fsm.TransitionRecord
	m.AddListener(func(r fsm.TransitionRecord) { records = append(records, r) })

	ctx := context.Background()
	outcome, _, err := m.Fire(ctx, event.New("INCOMING_CALL", nil))
	require.NoError(t, err)
	assert.Equal(t, fsm.Accepted, outcome)

	outcome, _, err = m.Fire(ctx, event.New("ANSWER", nil))
	require.NoError(t, err)
	assert.Equal(t, fsm.Accepted, outcome)

	outcome, _, err = m.Fire(ctx, event.New("HANGUP", nil))
	require.NoError(t, err)
	assert.Equal(t, fsm.Accepted, outcome)

	outcome, _, err = m.Fire(ctx, event.New("RESET", nil))
	require.NoError(t, err)
	assert.Equal(t, fsm.Accepted, outcome)

	require.Len(t, records, 3)
	assert.Equal(t, "IDLE", m.CurrentState())
	assert.False(t, m.Complete())

	last := time.Time{}
	for _, r := range records {
		assert.True(t, r.Timestamp.After(last))
		last = r.Timestamp
	}
}

func TestCompletionIgnoresFurtherEvents(t *testing.T) {
	def := callFlowDefinition(t, true)
	m := newMachine(t, def)
	ctx := context.Background()

	_, _, err := m.Fire(ctx, event.New("INCOMING_CALL", nil))
	require.NoError(t, err)
	_, _, err = m.Fire(ctx, event.New("ANSWER", nil))
	require.NoError(t, err)
	_, _, err = m.Fire(ctx, event.New("HANGUP", nil))
	require.NoError(t, err)

	require.True(t, m.Complete())

	var fired bool
	m.AddListener(func(fsm.TransitionRecord) { fired = true })

	outcome, rec, err := m.Fire(ctx, event.New("INCOMING_CALL", nil))
	require.NoError(t, err)
	assert.Equal(t, fsm.Ignored, outcome)
	assert.Zero(t, rec)
	assert.False(t, fired)
}

func TestUnknownEventIsIgnored(t *testing.T) {
	def := callFlowDefinition(t, false)
	m := newMachine(t, def)

	outcome, _, err := m.Fire(context.Background(), event.New("NO_SUCH_EVENT", nil))
	require.NoError(t, err)
	assert.Equal(t, fsm.Ignored, outcome)
	assert.Equal(t, "IDLE", m.CurrentState())
}

func TestStayActionMutatesWithoutChangingState(t *testing.T) {
	def := callFlowDefinition(t, false)
	m := newMachine(t, def)
	ctx := context.Background()

	_, _, err := m.Fire(ctx, event.New("INCOMING_CALL", nil))
	require.NoError(t, err)
	_, _, err = m.Fire(ctx, event.New("ANSWER", nil))
	require.NoError(t, err)

	outcome, rec, err := m.Fire(ctx, event.New("DTMF", nil))
	require.NoError(t, err)
	assert.Equal(t, fsm.StayApplied, outcome)
	assert.Equal(t, "CONNECTED", rec.FromState)
	assert.Equal(t, "CONNECTED", rec.ToState)
	assert.Equal(t, "CONNECTED", m.CurrentState())
	assert.Equal(t, 1, m.PersistentContext().(*testContext).counter)
}

func TestFailedActionRollsBackToPreFireState(t *testing.T) {
	boom := errors.New("boom")
	opts := []fsm.Option{
		fsm.WithInitialState("IDLE"),
		fsm.WithState(fsm.StateDef{Name: "IDLE"}),
		fsm.WithState(fsm.StateDef{
			Name: "RINGING",
			EntryAction: func(context.Context, entity.PersistentContext, any, event.Event) error {
				return boom
			},
		}),
		fsm.WithTransition("IDLE", "INCOMING_CALL", "RINGING"),
	}
	def, err := fsm.New("failing", opts...)
	require.NoError(t, err)
	m := newMachine(t, def)

	var fired bool
	m.AddListener(func(fsm.TransitionRecord) { fired = true })

	outcome, _, err := m.Fire(context.Background(), event.New("INCOMING_CALL", nil))
	require.Error(t, err)
	assert.Equal(t, fsm.Failed, outcome)
	assert.Equal(t, "IDLE", m.CurrentState())
	assert.False(t, fired)

	// the machine must remain usable after a failed fire
	ok := m.CanFire("INCOMING_CALL")
	assert.True(t, ok)
}

func TestDeterminismAcrossFreshMachines(t *testing.T) {
	events := []string{"INCOMING_CALL", "ANSWER", "HANGUP", "RESET", "INCOMING_CALL"}

	run := func() (string, bool) {
		def := callFlowDefinition(t, false)
		m := newMachine(t, def)
		for _, et := range events {
			_, _, err := m.Fire(context.Background(), event.New(et, nil))
			require.NoError(t, err)
		}
		return m.CurrentState(), m.Complete()
	}

	stateA, completeA := run()
	stateB, completeB := run()
	assert.Equal(t, stateA, stateB)
	assert.Equal(t, completeA, completeB)
}

func TestRestoreStateSkipsEntryAction(t *testing.T) {
	var entered bool
	opts := []fsm.Option{
		fsm.WithInitialState("IDLE"),
		fsm.WithState(fsm.StateDef{Name: "IDLE"}),
		fsm.WithState(fsm.StateDef{
			Name: "RINGING",
			EntryAction: func(context.Context, entity.PersistentContext, any, event.Event) error {
				entered = true
				return nil
			},
		}),
		fsm.WithTransition("IDLE", "INCOMING_CALL", "RINGING"),
	}
	def, err := fsm.New("restore", opts...)
	require.NoError(t, err)

	pctx := &testContext{id: entity.NewID(), currentState: "RINGING"}
	m, err := def.NewMachine(pctx.id, pctx, nil)
	require.NoError(t, err)

	require.NoError(t, m.RestoreState("RINGING"))
	assert.False(t, entered)
	assert.Equal(t, "RINGING", m.CurrentState())
}
