package room

import (
	"errors"
	"fmt"

	"github.com/cory-johannsen/tablesync/internal/game/state"
)

var (
	// ErrRoomNotFound is returned when no room exists for an interaction.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomExists is returned when creating a second room for one interaction.
	ErrRoomExists = errors.New("room already exists for interaction")
	// ErrNotYourTurn is returned when an action names an entity other than the current one.
	ErrNotYourTurn = errors.New("not your turn")
	// ErrNoInitiative is returned for turn operations before initiative is set.
	ErrNoInitiative = errors.New("initiative has not been rolled")
	// ErrRoomNotActive is returned for turn operations on a paused or completed room.
	ErrRoomNotActive = errors.New("room is not active")
	// ErrInvalidTransition is returned when a lifecycle transition does not apply to the current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrParticipantNotFound is returned when a user is not in the room.
	ErrParticipantNotFound = errors.New("participant not found")
	// ErrTurnConflict is the sentinel wrapped by ConflictError.
	ErrTurnConflict = errors.New("conflicting action for turn")
	// ErrConflictPending is returned for turn actions while the session owner decides a conflict.
	ErrConflictPending = errors.New("turn conflict awaiting resolution")
	// ErrNoConflict is returned when resolving a conflict that is not pending.
	ErrNoConflict = errors.New("no conflict pending")
	// ErrRoomEvicting is returned for mutations of a room that an inactivity sweep is saving
	// and removing, or has removed.
	ErrRoomEvicting = errors.New("room is being evicted")
	// ErrCheckpointUnavailable is returned when a conflict can no longer be resolved in favour
	// of the later action because play has moved past it.
	ErrCheckpointUnavailable = errors.New("turn checkpoint unavailable")
)

// ConflictError describes a second action submitted for a turn that already has one.
type ConflictError struct {
	InteractionID string
	TurnNumber    int
	First         state.Action
	Second        state.Action
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("interaction %s: conflicting action for turn %d by %s", e.InteractionID, e.TurnNumber, e.Second.EntityID)
}

// Unwrap lets errors.Is match ErrTurnConflict.
func (e *ConflictError) Unwrap() error { return ErrTurnConflict }
