package connection_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/tablesync/internal/connection"
	"github.com/cory-johannsen/tablesync/internal/game/event"
	"github.com/cory-johannsen/tablesync/internal/game/room"
	"github.com/cory-johannsen/tablesync/internal/game/state"
	"github.com/cory-johannsen/tablesync/internal/observability"
)

func submitDuplicate(t *testing.T, f *fixture) {
	t.Helper()
	_, err := f.manager.SubmitTurnAction("int-1", "A", state.Action{Kind: state.ActionDodge, EntityID: "e1", ExpectedTurn: 1})
	require.NoError(t, err)
	_, err = f.manager.SubmitTurnAction("int-1", "A", state.Action{Kind: state.ActionHide, EntityID: "e1", ExpectedTurn: 1})
	require.ErrorIs(t, err, room.ErrTurnConflict)
}

func TestRecover_FirstWinsKeepsHistory(t *testing.T) {
	f := newFixture(t, connection.PolicyFirstWins)
	submitDuplicate(t, f)

	assert.Equal(t, []event.Type{event.ErrorRecoveryInitiated}, f.pub.roomTypes())
	_, pending := f.room.PendingConflict()
	assert.False(t, pending)
	g := f.room.Snapshot()
	require.Len(t, g.TurnHistory, 1)
	assert.Equal(t, state.ActionDodge, g.TurnHistory[0].Actions[0].Kind)
	assert.Equal(t, int64(1), f.metrics.Get(observability.MetricRecoveries))
}

func TestRecover_DMDecidesBlocksAndAsksOwner(t *testing.T) {
	f := newFixture(t, connection.PolicyDMDecides)
	submitDuplicate(t, f)

	assert.Equal(t, []event.Type{event.ConflictResolutionRequired}, f.pub.userTypes("dm"))
	assert.Empty(t, f.pub.userTypes("A"))
	c, pending := f.room.PendingConflict()
	require.True(t, pending)
	assert.Equal(t, state.ActionHide, c.Second.Kind)

	_, err := f.manager.SubmitTurnAction("int-1", "B", state.Action{Kind: state.ActionDodge, EntityID: "e2"})
	assert.ErrorIs(t, err, room.ErrConflictPending)

	rec, err := f.room.ResolveConflict(false)
	require.NoError(t, err)
	assert.Equal(t, state.ActionHide, rec.Actions[0].Kind)
	_, pending = f.room.PendingConflict()
	assert.False(t, pending)
}

func TestRecover_RollbackRestoresSnapshot(t *testing.T) {
	f := newFixture(t, connection.PolicyRollback)
	require.NoError(t, f.manager.Persist(context.Background(), f.room))
	submitDuplicate(t, f)

	g := f.room.Snapshot()
	assert.Empty(t, g.TurnHistory)
	assert.Equal(t, 0, g.CurrentTurnIndex)
	assert.Equal(t, []event.Type{event.ErrorRecoveryInitiated, event.StateSyncRequired}, f.pub.roomTypes())
}

func TestRecover_CorruptionRepairedInPlace(t *testing.T) {
	f := newFixture(t, connection.PolicyRollback)
	f.room.Housekeep(func(g *state.GameState) { g.CurrentTurnIndex = 9 })

	// no snapshot exists, so rollback falls back to repair
	cause := f.room.CheckIntegrity()
	require.Error(t, cause)
	require.NoError(t, f.handler.Recover(context.Background(), "int-1", cause))
	require.NoError(t, f.room.CheckIntegrity())
	assert.Equal(t, 0, f.room.Snapshot().CurrentTurnIndex)
	assert.Equal(t, []event.Type{event.ErrorRecoveryInitiated, event.StateSyncRequired}, f.pub.roomTypes())
}

func TestRecover_SweepRoutesCorruption(t *testing.T) {
	f := newFixture(t, connection.PolicyFirstWins)
	f.room.Housekeep(func(g *state.GameState) { g.Round = 0 })
	require.NoError(t, f.manager.Sweep(context.Background()))
	require.NoError(t, f.room.CheckIntegrity())
}

func TestRecover_OtherErrorsPassThrough(t *testing.T) {
	f := newFixture(t, connection.PolicyFirstWins)
	boom := errors.New("boom")
	assert.Same(t, boom, f.handler.Recover(context.Background(), "int-1", boom))
	assert.Empty(t, f.pub.roomTypes())
}
