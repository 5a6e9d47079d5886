package state

import "time"

// CharacterSnapshot is the lightweight display data shown next to a participant.
type CharacterSnapshot struct {
	Name  string `json:"name"`
	HP    int    `json:"hp"`
	MaxHP int    `json:"maxHp"`
	AC    int    `json:"ac"`
}

// Participant is one connected or temporarily disconnected actor in a room.
type Participant struct {
	UserID       string            `json:"userId"`
	EntityID     string            `json:"entityId"`
	EntityKind   EntityKind        `json:"entityKind"`
	ConnectionID string            `json:"connectionId"`
	Connected    bool              `json:"connected"`
	LastActivity time.Time         `json:"lastActivity"`
	Character    CharacterSnapshot `json:"character"`
	// IsSessionOwner marks the DM, who may pause, resume, and complete the room.
	IsSessionOwner bool `json:"isSessionOwner"`
}
