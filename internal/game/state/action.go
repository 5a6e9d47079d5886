package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrInvalidAction is returned for action payloads that fail validation at ingress.
var ErrInvalidAction = errors.New("invalid action")

// ActionKind discriminates the Action union.
type ActionKind string

const (
	ActionMove      ActionKind = "move"
	ActionAttack    ActionKind = "attack"
	ActionCastSpell ActionKind = "cast_spell"
	ActionUseItem   ActionKind = "use_item"
	ActionDash      ActionKind = "dash"
	ActionDodge     ActionKind = "dodge"
	ActionHelp      ActionKind = "help"
	ActionHide      ActionKind = "hide"
	ActionReady     ActionKind = "ready"
	ActionEndTurn   ActionKind = "end_turn"
)

var knownActionKinds = map[ActionKind]bool{
	ActionMove: true, ActionAttack: true, ActionCastSpell: true, ActionUseItem: true,
	ActionDash: true, ActionDodge: true, ActionHelp: true, ActionHide: true,
	ActionReady: true, ActionEndTurn: true,
}

// Known reports whether k is a recognised action kind.
func (k ActionKind) Known() bool { return knownActionKinds[k] }

// Action is a tagged union of turn actions discriminated by Kind.
// Which optional fields are required depends on Kind; see Validate.
type Action struct {
	Kind     ActionKind `json:"kind"`
	EntityID string     `json:"entityId"`

	// TargetID is required for attack and help, optional for cast_spell and use_item.
	TargetID string `json:"targetId,omitempty"`
	// To is required for move.
	To *Position `json:"to,omitempty"`
	// Spell is required for cast_spell.
	Spell string `json:"spell,omitempty"`
	// ItemID is required for use_item.
	ItemID string `json:"itemId,omitempty"`
	// Trigger is required for ready.
	Trigger string `json:"trigger,omitempty"`

	// ExpectedTurn is the TurnNumber the client believed was current when it submitted.
	// Zero means unspecified. Used to tell a duplicate submission from a wrong-turn one.
	ExpectedTurn int `json:"expectedTurn,omitempty"`

	// Description and Details are display-only and dropped by compression.
	Description string            `json:"description,omitempty"`
	Details     map[string]string `json:"details,omitempty"`

	SubmittedAt time.Time `json:"submittedAt"`
}

// UnmarshalJSON rejects unknown kinds before any field reaches the room.
func (a *Action) UnmarshalJSON(data []byte) error {
	type raw Action
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAction, err)
	}
	if !r.Kind.Known() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, r.Kind)
	}
	*a = Action(r)
	return nil
}

// Validate checks the fields required by the action's kind.
//
// Postcondition: Returns nil or an error wrapping ErrInvalidAction.
func (a Action) Validate() error {
	if !a.Kind.Known() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, a.Kind)
	}
	if a.EntityID == "" {
		return fmt.Errorf("%w: entityId is required", ErrInvalidAction)
	}
	switch a.Kind {
	case ActionMove:
		if a.To == nil {
			return fmt.Errorf("%w: move requires a destination", ErrInvalidAction)
		}
	case ActionAttack, ActionHelp:
		if a.TargetID == "" {
			return fmt.Errorf("%w: %s requires targetId", ErrInvalidAction, a.Kind)
		}
	case ActionCastSpell:
		if a.Spell == "" {
			return fmt.Errorf("%w: cast_spell requires spell", ErrInvalidAction)
		}
	case ActionUseItem:
		if a.ItemID == "" {
			return fmt.Errorf("%w: use_item requires itemId", ErrInvalidAction)
		}
	case ActionReady:
		if a.Trigger == "" {
			return fmt.Errorf("%w: ready requires trigger", ErrInvalidAction)
		}
	}
	if a.ExpectedTurn < 0 {
		return fmt.Errorf("%w: expectedTurn must not be negative", ErrInvalidAction)
	}
	return nil
}

// essential returns a copy without display-only fields.
func (a Action) essential() Action {
	a.Description = ""
	a.Details = nil
	return a
}
