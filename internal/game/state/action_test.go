package state_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cory-johannsen/tablesync/internal/game/state"
)

func TestAction_UnmarshalRejectsUnknownKind(t *testing.T) {
	var a state.Action
	err := json.Unmarshal([]byte(`{"kind":"teleport","entityId":"e1"}`), &a)
	require.Error(t, err)
	assert.ErrorIs(t, err, state.ErrInvalidAction)

	err = json.Unmarshal([]byte(`{"kind":"move","entityId":"e1","to":{"x":3,"y":4}}`), &a)
	require.NoError(t, err)
	assert.Equal(t, state.ActionMove, a.Kind)
	require.NotNil(t, a.To)
	assert.Equal(t, 4, a.To.Y)
}

func TestAction_UnmarshalMalformed(t *testing.T) {
	var a state.Action
	err := json.Unmarshal([]byte(`{"kind":7}`), &a)
	assert.ErrorIs(t, err, state.ErrInvalidAction)
}

func TestAction_Validate(t *testing.T) {
	cases := []struct {
		name   string
		action state.Action
		ok     bool
	}{
		{"move with destination", state.Action{Kind: state.ActionMove, EntityID: "e1", To: &state.Position{}}, true},
		{"move without destination", state.Action{Kind: state.ActionMove, EntityID: "e1"}, false},
		{"attack needs target", state.Action{Kind: state.ActionAttack, EntityID: "e1"}, false},
		{"attack", state.Action{Kind: state.ActionAttack, EntityID: "e1", TargetID: "e2"}, true},
		{"help needs target", state.Action{Kind: state.ActionHelp, EntityID: "e1"}, false},
		{"spell needs name", state.Action{Kind: state.ActionCastSpell, EntityID: "e1"}, false},
		{"spell", state.Action{Kind: state.ActionCastSpell, EntityID: "e1", Spell: "shield"}, true},
		{"item needs id", state.Action{Kind: state.ActionUseItem, EntityID: "e1"}, false},
		{"ready needs trigger", state.Action{Kind: state.ActionReady, EntityID: "e1"}, false},
		{"end turn", state.Action{Kind: state.ActionEndTurn, EntityID: "e1"}, true},
		{"dodge", state.Action{Kind: state.ActionDodge, EntityID: "e1"}, true},
		{"missing entity", state.Action{Kind: state.ActionDash}, false},
		{"unknown kind", state.Action{Kind: "fly", EntityID: "e1"}, false},
		{"negative expected turn", state.Action{Kind: state.ActionHide, EntityID: "e1", ExpectedTurn: -1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.action.Validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, state.ErrInvalidAction)
			}
		})
	}
}

func TestTurnRecord_CompressIsIdempotent(t *testing.T) {
	r := state.TurnRecord{EntityID: "e1", TurnNumber: 4, Actions: []state.Action{
		{Kind: state.ActionAttack, EntityID: "e1", TargetID: "e2", Description: "swings wildly", Details: map[string]string{"weapon": "axe"}},
		{Kind: state.ActionEndTurn, EntityID: "e1"},
	}}
	assert.Equal(t, 1, r.Compress())
	assert.True(t, r.Compressed)
	assert.Empty(t, r.Actions[0].Description)
	assert.Nil(t, r.Actions[0].Details)
	assert.Equal(t, "e2", r.Actions[0].TargetID)

	before := r
	assert.Equal(t, 0, r.Compress())
	assert.Equal(t, before, r)
}

func TestHasTurn_IgnoresDiscarded(t *testing.T) {
	g := state.New(t0)
	g.AppendTurn(state.TurnRecord{TurnNumber: 1, Status: state.TurnCompleted})
	g.AppendTurn(state.TurnRecord{TurnNumber: 2, Status: state.TurnDiscarded})
	assert.True(t, g.HasTurn(1))
	assert.False(t, g.HasTurn(2))
	assert.False(t, g.HasTurn(3))
}
