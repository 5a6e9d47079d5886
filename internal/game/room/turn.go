package room

import (
	"fmt"

	"github.com/cory-johannsen/tablesync/internal/game/event"
	"github.com/cory-johannsen/tablesync/internal/game/state"
)

// ProcessTurnAction applies action for the entity whose turn it is. It does not advance the
// turn; the caller invokes AdvanceTurn.
//
// Precondition: none; the action is validated here.
// Postcondition: On error nothing is mutated and nothing is emitted. A second action for a
// turn that already has one returns a *ConflictError. On success a TurnRecord is appended
// and TURN_COMPLETED is emitted.
func (r *Room) ProcessTurnAction(action state.Action) (state.TurnRecord, error) {
	if err := action.Validate(); err != nil {
		return state.TurnRecord{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.writableLocked("action in"); err != nil {
		return state.TurnRecord{}, err
	}
	if r.state.Status != state.StatusActive {
		return state.TurnRecord{}, fmt.Errorf("action in %s room: %w", r.state.Status, ErrRoomNotActive)
	}
	if r.pending != nil {
		return state.TurnRecord{}, ErrConflictPending
	}
	cur, ok := r.state.CurrentEntry()
	if !ok {
		return state.TurnRecord{}, ErrNoInitiative
	}

	turn := r.state.TurnNumber
	if action.ExpectedTurn != 0 {
		turn = action.ExpectedTurn
	}
	if first, found := r.recordedAction(turn, action.EntityID); found {
		return state.TurnRecord{}, &ConflictError{
			InteractionID: r.interactionID,
			TurnNumber:    turn,
			First:         first,
			Second:        action,
		}
	}
	if action.ExpectedTurn != 0 && action.ExpectedTurn != r.state.TurnNumber {
		return state.TurnRecord{}, fmt.Errorf("turn %d is not current (%d): %w", action.ExpectedTurn, r.state.TurnNumber, ErrNotYourTurn)
	}
	if action.EntityID != cur.EntityID {
		return state.TurnRecord{}, fmt.Errorf("%s acted during %s's turn: %w", action.EntityID, cur.EntityID, ErrNotYourTurn)
	}
	if action.Kind == state.ActionMove && !r.state.Map.InBounds(*action.To) {
		return state.TurnRecord{}, fmt.Errorf("%w: destination (%d,%d) off map", state.ErrInvalidAction, action.To.X, action.To.Y)
	}

	r.checkpoint = r.state.Clone()
	return r.applyAction(action), nil
}

// applyAction records action for the current turn.
//
// Precondition: r.mu is held; action has been accepted.
func (r *Room) applyAction(action state.Action) state.TurnRecord {
	now := r.clk.Now()
	if action.SubmittedAt.IsZero() {
		action.SubmittedAt = now
	}
	if action.Kind == state.ActionMove {
		r.state.Map.Positions[action.EntityID] = *action.To
		r.notifier.NotifyDelta(r.interactionID, event.Delta{
			Kind:   event.DeltaPosition,
			Target: action.EntityID,
			Fields: map[string]any{"x": action.To.X, "y": action.To.Y},
			At:     now,
		})
	}
	rec := state.TurnRecord{
		EntityID:   action.EntityID,
		TurnNumber: r.state.TurnNumber,
		Round:      r.state.Round,
		Actions:    []state.Action{action},
		StartedAt:  r.turnStartedAt,
		EndedAt:    now,
		Status:     state.TurnCompleted,
	}
	r.state.AppendTurn(rec)
	r.touch()
	r.emit(event.TurnCompleted, event.TurnPayload{Record: rec})
	return rec
}

// recordedAction returns the first action already recorded by entityID for turn.
func (r *Room) recordedAction(turn int, entityID string) (state.Action, bool) {
	h := r.state.TurnHistory
	for i := len(h) - 1; i >= 0; i-- {
		rec := h[i]
		if rec.TurnNumber < turn {
			break
		}
		if rec.TurnNumber == turn && rec.EntityID == entityID && rec.Status == state.TurnCompleted && len(rec.Actions) > 0 {
			return rec.Actions[0], true
		}
	}
	return state.Action{}, false
}

// AdvanceTurn moves to the next initiative slot.
//
// Postcondition: Returns the entry now acting. Emits TURN_STARTED, preceded by ROUND_STARTED
// when the order wrapped.
func (r *Room) AdvanceTurn() (state.InitiativeEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writableLocked("advancing"); err != nil {
		return state.InitiativeEntry{}, err
	}
	return r.advanceLocked()
}

func (r *Room) advanceLocked() (state.InitiativeEntry, error) {
	if r.state.Status != state.StatusActive {
		return state.InitiativeEntry{}, fmt.Errorf("advance in %s room: %w", r.state.Status, ErrRoomNotActive)
	}
	if len(r.state.Initiative) == 0 {
		return state.InitiativeEntry{}, ErrNoInitiative
	}
	wrapped := r.state.Advance()
	r.turnStartedAt = r.clk.Now()
	r.touch()
	cur, _ := r.state.CurrentEntry()
	if wrapped {
		r.emit(event.RoundStarted, r.turnStartedPayload(cur))
	}
	r.emit(event.TurnStarted, r.turnStartedPayload(cur))
	return cur, nil
}

// BlockForConflict holds turn processing until the session owner decides c.
//
// Postcondition: Returns ErrConflictPending if another conflict is already held.
func (r *Room) BlockForConflict(c *ConflictError) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pending != nil {
		return ErrConflictPending
	}
	r.pending = c
	return nil
}

// PendingConflict returns the conflict awaiting a decision, if any.
func (r *Room) PendingConflict() (*ConflictError, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending, r.pending != nil
}

// ResolveConflict releases a held conflict. keepFirst leaves history as it is. Otherwise the
// turn order, positions and turn history are rewound to just before the first action, that
// action is recorded as discarded, the second action is applied and the turn advances.
// Status, chat and participants are never rewound.
//
// Postcondition: Returns ErrNoConflict if nothing is held. Keeping the second action in a
// room that is not active returns ErrRoomNotActive and the conflict stays held. Returns
// ErrCheckpointUnavailable (with the first action kept) when play has moved past the
// conflicting turn. Otherwise the block is released.
func (r *Room) ResolveConflict(keepFirst bool) (state.TurnRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.pending
	if c == nil {
		return state.TurnRecord{}, ErrNoConflict
	}
	if err := r.writableLocked("resolving conflict in"); err != nil {
		return state.TurnRecord{}, err
	}
	if !keepFirst && r.state.Status != state.StatusActive {
		return state.TurnRecord{}, fmt.Errorf("rewinding turn %d in %s room: %w", c.TurnNumber, r.state.Status, ErrRoomNotActive)
	}
	r.pending = nil
	r.touch()
	if keepFirst {
		return state.TurnRecord{}, nil
	}
	cp := r.checkpoint
	if cp == nil || cp.TurnNumber != c.TurnNumber || r.state.TurnNumber != c.TurnNumber+1 && r.state.TurnNumber != c.TurnNumber {
		return state.TurnRecord{}, fmt.Errorf("turn %d: %w", c.TurnNumber, ErrCheckpointUnavailable)
	}

	var discarded state.TurnRecord
	for i := len(r.state.TurnHistory) - 1; i >= 0; i-- {
		if rec := r.state.TurnHistory[i]; rec.TurnNumber == c.TurnNumber && rec.Status == state.TurnCompleted {
			discarded = rec
			break
		}
	}
	r.state.Initiative = cp.Initiative
	r.state.CurrentTurnIndex = cp.CurrentTurnIndex
	r.state.Round = cp.Round
	r.state.TurnNumber = cp.TurnNumber
	r.state.Map.Positions = cp.Map.Positions
	r.state.TurnHistory = cp.TurnHistory
	r.checkpoint = nil
	if discarded.TurnNumber != 0 {
		discarded.Status = state.TurnDiscarded
		r.state.AppendTurn(discarded)
	}
	second := c.Second
	second.ExpectedTurn = 0
	rec := r.applyAction(second)
	if _, err := r.advanceLocked(); err != nil {
		return rec, err
	}
	return rec, nil
}
