package gameserver

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/game/dice"
	"github.com/cory-johannsen/tablesync/internal/game/state"
)

// InitiativeRoll asks for one entity's d20 initiative check.
type InitiativeRoll struct {
	EntityID  string            `json:"entityId"`
	Name      string            `json:"name"`
	Kind      state.EntityKind  `json:"kind"`
	Modifier  int               `json:"modifier"`
	Advantage bool              `json:"advantage,omitempty"`
	Side      map[string]string `json:"side,omitempty"`
}

// RolledInitiative pairs the resulting turn order slot with the dice that produced it.
type RolledInitiative struct {
	Entry state.InitiativeEntry `json:"entry"`
	Roll  dice.RollResult       `json:"roll"`
}

// RollInitiative rolls d20 plus modifier for every entity and installs the result as the
// room's turn order on behalf of the session owner.
//
// Precondition: rolls is non-empty and every entry names an entity.
// Postcondition: Returns the rolls in turn order; the room starts a new round at the top.
func (s *Service) RollInitiative(interactionID, userID string, rolls []InitiativeRoll) ([]RolledInitiative, error) {
	r, err := s.requireOwner(interactionID, userID)
	if err != nil {
		return nil, err
	}
	if len(rolls) == 0 {
		return nil, fmt.Errorf("%w: nothing to roll", state.ErrInvalidAction)
	}

	seen := make(map[string]struct{}, len(rolls))
	out := make([]RolledInitiative, 0, len(rolls))
	for _, req := range rolls {
		if req.EntityID == "" {
			return nil, fmt.Errorf("%w: initiative roll without entityId", state.ErrInvalidAction)
		}
		if _, dup := seen[req.EntityID]; dup {
			return nil, fmt.Errorf("%w: %s rolled twice", state.ErrInvalidAction, req.EntityID)
		}
		seen[req.EntityID] = struct{}{}

		kind := req.Kind
		if kind == "" {
			kind = state.KindPlayer
		}
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: unknown entity kind %q", state.ErrInvalidAction, kind)
		}
		res, err := s.roller.RollExpr(dice.D20(req.Modifier, req.Advantage))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", state.ErrInvalidAction, err)
		}
		out = append(out, RolledInitiative{
			Entry: state.InitiativeEntry{
				EntityID:   req.EntityID,
				Name:       req.Name,
				Kind:       kind,
				Initiative: res.Total(),
				Side:       req.Side,
			},
			Roll: res,
		})
	}

	entries := make([]state.InitiativeEntry, len(out))
	for i, o := range out {
		entries[i] = o.Entry
	}
	state.SortInitiative(entries)
	order := make(map[string]int, len(entries))
	for i, e := range entries {
		order[e.EntityID] = i
	}
	sorted := make([]RolledInitiative, len(out))
	for _, o := range out {
		sorted[order[o.Entry.EntityID]] = o
	}

	if err := r.SetInitiative(entries); err != nil {
		return nil, err
	}
	for _, o := range sorted {
		s.logger.Info("initiative rolled",
			zap.String("interaction_id", interactionID),
			zap.String("entity_id", o.Entry.EntityID),
			zap.Stringer("roll", o.Roll),
		)
	}
	return sorted, nil
}
