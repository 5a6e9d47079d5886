// Package event defines the typed notifications rooms and the connection handler publish,
// and the deltas the batcher coalesces.
package event

import (
	"time"

	"github.com/cory-johannsen/tablesync/internal/game/state"
)

// Type discriminates an Event.
type Type string

const (
	ParticipantJoined          Type = "PARTICIPANT_JOINED"
	ParticipantLeft            Type = "PARTICIPANT_LEFT"
	ParticipantUpdated         Type = "PARTICIPANT_UPDATED"
	TurnCompleted              Type = "TURN_COMPLETED"
	TurnStarted                Type = "TURN_STARTED"
	RoundStarted               Type = "ROUND_STARTED"
	RoomPaused                 Type = "ROOM_PAUSED"
	RoomResumed                Type = "ROOM_RESUMED"
	RoomCompleted              Type = "ROOM_COMPLETED"
	ChatMessage                Type = "CHAT_MESSAGE"
	PlayerDisconnected         Type = "PLAYER_DISCONNECTED"
	DMDisconnected             Type = "DM_DISCONNECTED"
	PlayerReconnected          Type = "PLAYER_RECONNECTED"
	DMReconnected              Type = "DM_RECONNECTED"
	ReconnectFailed            Type = "RECONNECT_FAILED"
	StateSyncRequired          Type = "STATE_SYNC_REQUIRED"
	StateSync                  Type = "STATE_SYNC"
	ErrorRecoveryInitiated     Type = "ERROR_RECOVERY_INITIATED"
	ConflictResolutionRequired Type = "CONFLICT_RESOLUTION_REQUIRED"
	StateDelta                 Type = "STATE_DELTA"
	Batch                      Type = "BATCH"

	// Wildcard matches every type in a subscription filter.
	Wildcard Type = "*"
)

// Priority returns the batching priority of t; higher flushes sooner.
func Priority(t Type) int {
	switch t {
	case RoomCompleted, ErrorRecoveryInitiated, ConflictResolutionRequired:
		return 10
	case TurnCompleted, TurnStarted, RoundStarted, RoomPaused, RoomResumed:
		return 8
	case PlayerDisconnected, DMDisconnected, PlayerReconnected, DMReconnected, ReconnectFailed:
		return 6
	case ParticipantJoined, ParticipantLeft:
		return 5
	case ChatMessage:
		return 3
	case ParticipantUpdated, StateDelta:
		return 1
	}
	return 2
}

// Event is one notification about a room. Payload holds one of the payload types below,
// selected by Type.
type Event struct {
	Type          Type      `json:"type"`
	InteractionID string    `json:"interactionId"`
	RoomID        string    `json:"roomId,omitempty"`
	Payload       any       `json:"payload,omitempty"`
	At            time.Time `json:"at"`
}

// ParticipantPayload accompanies joins, leaves and updates.
type ParticipantPayload struct {
	Participant state.Participant `json:"participant"`
}

// TurnPayload accompanies TURN_COMPLETED.
type TurnPayload struct {
	Record state.TurnRecord `json:"record"`
}

// TurnStartedPayload accompanies TURN_STARTED and ROUND_STARTED.
type TurnStartedPayload struct {
	EntityID   string `json:"entityId"`
	TurnIndex  int    `json:"turnIndex"`
	TurnNumber int    `json:"turnNumber"`
	Round      int    `json:"round"`
}

// StatusPayload accompanies lifecycle transitions.
type StatusPayload struct {
	Status state.Status `json:"status"`
	Reason string       `json:"reason,omitempty"`
}

// ChatPayload accompanies CHAT_MESSAGE.
type ChatPayload struct {
	Entry state.ChatEntry `json:"entry"`
}

// ConnectionPayload accompanies disconnect and reconnect notifications.
type ConnectionPayload struct {
	UserID   string `json:"userId"`
	EntityID string `json:"entityId,omitempty"`
	Reason   string `json:"reason,omitempty"`
	Attempts int    `json:"attempts,omitempty"`
}

// SyncPayload carries a full snapshot to one user.
type SyncPayload struct {
	State *state.GameState `json:"state"`
}

// RecoveryPayload accompanies ERROR_RECOVERY_INITIATED.
type RecoveryPayload struct {
	Policy string `json:"policy"`
	Cause  string `json:"cause"`
}

// ConflictPayload surfaces two competing actions to the session owner.
type ConflictPayload struct {
	TurnNumber int          `json:"turnNumber"`
	First      state.Action `json:"first"`
	Second     state.Action `json:"second"`
}

// BatchPayload is what subscribers receive when the batcher flushes.
type BatchPayload struct {
	Events []Event `json:"events"`
	Deltas []Delta `json:"deltas,omitempty"`
}
