package event_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cory-johannsen/tablesync/internal/game/event"
)

func TestDeltaMerge_LaterFieldsWinAndTimestampIsMax(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := event.Delta{Kind: event.DeltaParticipant, Target: "u1", Fields: map[string]any{"hp": 10, "ac": 14}, At: base.Add(time.Second)}
	b := event.Delta{Kind: event.DeltaParticipant, Target: "u1", Fields: map[string]any{"hp": 7}, At: base}

	m := a.Merge(b)
	assert.Equal(t, 7, m.Fields["hp"])
	assert.Equal(t, 14, m.Fields["ac"])
	assert.Equal(t, base.Add(time.Second), m.At)
	// inputs untouched
	assert.Equal(t, 10, a.Fields["hp"])
}

func TestDeltaKey(t *testing.T) {
	a := event.Delta{Kind: event.DeltaPosition, Target: "e1"}
	b := event.Delta{Kind: event.DeltaParticipant, Target: "e1"}
	assert.NotEqual(t, a.Key(), b.Key())
}

func TestPriority_TurnEventsOutrankChat(t *testing.T) {
	assert.Greater(t, event.Priority(event.TurnCompleted), event.Priority(event.ChatMessage))
	assert.Greater(t, event.Priority(event.RoomCompleted), event.Priority(event.TurnStarted))
	assert.Equal(t, 1, event.Priority(event.StateDelta))
	assert.Equal(t, 2, event.Priority("SOMETHING_ELSE"))
}
