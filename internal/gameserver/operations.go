package gameserver

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/broadcast"
	"github.com/cory-johannsen/tablesync/internal/connection"
	"github.com/cory-johannsen/tablesync/internal/game/event"
	"github.com/cory-johannsen/tablesync/internal/game/room"
	"github.com/cory-johannsen/tablesync/internal/game/state"
	"github.com/cory-johannsen/tablesync/internal/identity"
	"github.com/cory-johannsen/tablesync/internal/resource"
)

// MaxChatLength bounds one chat line in runes.
const MaxChatLength = 2000

var (
	// ErrNotSessionOwner is returned when a participant other than the session owner attempts
	// an owner-only operation.
	ErrNotSessionOwner = errors.New("only the session owner may do that")
	// ErrUnknownEncounter is returned when CreateRoom names a template that is not loaded.
	ErrUnknownEncounter = errors.New("unknown encounter template")
	// ErrInvalidChat is returned for empty or oversized chat lines.
	ErrInvalidChat = errors.New("invalid chat message")
)

// CreateRoomRequest seeds a new room. At most one of State and EncounterID should be set;
// when neither is, the last saved snapshot is resumed.
type CreateRoomRequest struct {
	InteractionID string           `json:"interactionId"`
	EncounterID   string           `json:"encounterId,omitempty"`
	State         *state.GameState `json:"state,omitempty"`
}

// RoomInfo describes a created room.
type RoomInfo struct {
	RoomID        string           `json:"roomId"`
	InteractionID string           `json:"interactionId"`
	GameState     *state.GameState `json:"gameState"`
}

// JoinRequest is what a user supplies when joining.
type JoinRequest struct {
	EntityID     string                  `json:"entityId"`
	EntityKind   state.EntityKind        `json:"entityKind,omitempty"`
	Character    state.CharacterSnapshot `json:"character"`
	ConnectionID string                  `json:"connectionId,omitempty"`
}

// RoomSummary is one row of ListRooms.
type RoomSummary struct {
	RoomID        string       `json:"roomId"`
	InteractionID string       `json:"interactionId"`
	Status        state.Status `json:"status"`
	Participants  int          `json:"participants"`
	Round         int          `json:"round"`
	TurnNumber    int          `json:"turnNumber"`
	LastActivity  time.Time    `json:"lastActivity"`
}

// Stats is a point-in-time view of the service.
type Stats struct {
	Rooms         int                          `json:"rooms"`
	Subscriptions int                          `json:"subscriptions"`
	Queued        int                          `json:"queued"`
	Connections   int                          `json:"connections"`
	Pool          resource.PoolStats           `json:"pool"`
	Memory        resource.Sample              `json:"memory"`
	Strategy      string                       `json:"strategy"`
	Reclamations  []resource.ReclamationRecord `json:"reclamations"`
	Alerts        []resource.Alert             `json:"alerts"`
	Counters      map[string]int64             `json:"counters"`
}

// CreateRoom registers a room for req.InteractionID.
//
// Precondition: req.InteractionID must be non-empty.
// Postcondition: Returns room.ErrRoomExists if the interaction already has a live room and
// ErrUnknownEncounter for an unknown template.
func (s *Service) CreateRoom(ctx context.Context, req CreateRoomRequest) (RoomInfo, error) {
	initial := req.State
	if initial == nil && req.EncounterID != "" {
		enc, ok := s.encounters[req.EncounterID]
		if !ok {
			return RoomInfo{}, fmt.Errorf("%q: %w", req.EncounterID, ErrUnknownEncounter)
		}
		initial = enc.GameState(s.clk.Now())
	}
	r, err := s.rooms.CreateRoom(ctx, req.InteractionID, initial)
	if err != nil {
		return RoomInfo{}, err
	}
	return RoomInfo{RoomID: r.ID(), InteractionID: r.InteractionID(), GameState: r.Snapshot()}, nil
}

// Encounters lists the loaded template ids in order.
func (s *Service) Encounters() []string {
	ids := slices.Sorted(maps.Keys(s.encounters))
	if ids == nil {
		ids = []string{}
	}
	return ids
}

// JoinRoom admits user to the room and starts tracking their connection.
//
// Postcondition: Returns the room id, the stored participant and a state snapshot. The
// participant is the session owner exactly when user is.
func (s *Service) JoinRoom(interactionID string, user identity.User, req JoinRequest) (room.JoinResult, error) {
	connID := req.ConnectionID
	if connID == "" {
		connID = uuid.NewString()
	}
	res, err := s.rooms.JoinRoom(interactionID, state.Participant{
		UserID:         user.ID,
		EntityID:       req.EntityID,
		EntityKind:     req.EntityKind,
		ConnectionID:   connID,
		Character:      req.Character,
		IsSessionOwner: user.IsSessionOwner,
	})
	if err != nil {
		return room.JoinResult{}, err
	}
	if err := s.conns.Connect(interactionID, user.ID, connID); err != nil {
		return room.JoinResult{}, err
	}
	return res, nil
}

// LeaveRoom removes userID from the room and stops tracking their connection.
func (s *Service) LeaveRoom(interactionID, userID string) error {
	if err := s.rooms.LeaveRoom(interactionID, userID); err != nil {
		return err
	}
	s.conns.Forget(interactionID, userID)
	return nil
}

// requireOwner returns the room when userID is its session owner.
func (s *Service) requireOwner(interactionID, userID string) (*room.Room, error) {
	r, err := s.rooms.Room(interactionID)
	if err != nil {
		return nil, err
	}
	p, ok := r.Participant(userID)
	if !ok {
		return nil, fmt.Errorf("%s in %s: %w", userID, interactionID, room.ErrParticipantNotFound)
	}
	if !p.IsSessionOwner {
		return nil, fmt.Errorf("%s in %s: %w", userID, interactionID, ErrNotSessionOwner)
	}
	return r, nil
}

// PauseRoom pauses the room on behalf of its session owner.
func (s *Service) PauseRoom(interactionID, userID, reason string) error {
	if _, err := s.requireOwner(interactionID, userID); err != nil {
		return err
	}
	if reason == "" {
		reason = "paused by session owner"
	}
	return s.rooms.PauseRoom(interactionID, reason)
}

// ResumeRoom resumes the room on behalf of its session owner.
func (s *Service) ResumeRoom(interactionID, userID string) error {
	if _, err := s.requireOwner(interactionID, userID); err != nil {
		return err
	}
	return s.rooms.ResumeRoom(interactionID)
}

// CompleteRoom ends the room on behalf of its session owner.
//
// Postcondition: The room is gone from memory even if its final save failed.
func (s *Service) CompleteRoom(ctx context.Context, interactionID, userID, reason string) error {
	if _, err := s.requireOwner(interactionID, userID); err != nil {
		return err
	}
	if reason == "" {
		reason = "completed by session owner"
	}
	return s.rooms.CompleteRoom(ctx, interactionID, reason)
}

// SetInitiative replaces the turn order on behalf of the session owner.
func (s *Service) SetInitiative(interactionID, userID string, entries []state.InitiativeEntry) error {
	r, err := s.requireOwner(interactionID, userID)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.EntityID == "" {
			return fmt.Errorf("%w: initiative entry without entityId", state.ErrInvalidAction)
		}
	}
	return r.SetInitiative(entries)
}

// SubmitTurnAction validates and applies action for userID. Submitting counts as activity
// for connection liveness.
//
// Postcondition: Returns state.ErrInvalidAction for malformed actions before the room is
// touched.
func (s *Service) SubmitTurnAction(interactionID, userID string, action state.Action) (room.TurnResult, error) {
	if err := action.Validate(); err != nil {
		return room.TurnResult{}, err
	}
	res, err := s.rooms.SubmitTurnAction(interactionID, userID, action)
	s.touch(interactionID, userID)
	return res, err
}

func (s *Service) touch(interactionID, userID string) {
	if err := s.conns.Heartbeat(interactionID, userID); err != nil {
		s.logger.Debug("activity without live connection",
			zap.String("interaction_id", interactionID),
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

// ResolveConflict decides a held turn conflict on behalf of the session owner and asks every
// client to resync.
//
// Postcondition: Returns room.ErrNoConflict when nothing is held.
func (s *Service) ResolveConflict(interactionID, userID string, keepFirst bool) (state.TurnRecord, error) {
	r, err := s.requireOwner(interactionID, userID)
	if err != nil {
		return state.TurnRecord{}, err
	}
	rec, err := r.ResolveConflict(keepFirst)
	if errors.Is(err, room.ErrNoConflict) {
		return rec, err
	}
	s.broadcaster.BroadcastToRoom(event.Event{
		Type:          event.StateSyncRequired,
		InteractionID: interactionID,
		RoomID:        r.ID(),
		At:            s.clk.Now(),
	})
	s.logger.Info("turn conflict resolved",
		zap.String("interaction_id", interactionID),
		zap.Bool("keep_first", keepFirst),
		zap.Error(err),
	)
	return rec, err
}

// Subscribe registers h for the room's events. A non-empty userID must be a participant.
//
// Postcondition: Returns broadcast.ErrSubscriptionLimit when userID holds the maximum.
func (s *Service) Subscribe(interactionID, userID string, types []event.Type, h broadcast.Handler) (string, error) {
	r, err := s.rooms.Room(interactionID)
	if err != nil {
		return "", err
	}
	if userID != "" {
		if _, ok := r.Participant(userID); !ok {
			return "", fmt.Errorf("%s in %s: %w", userID, interactionID, room.ErrParticipantNotFound)
		}
	}
	return s.broadcaster.Subscribe(interactionID, types, userID, h)
}

// Unsubscribe removes a subscription.
func (s *Service) Unsubscribe(subscriptionID string) error {
	return s.broadcaster.Unsubscribe(subscriptionID)
}

// GetRoomState returns a snapshot of the room.
func (s *Service) GetRoomState(interactionID string) (*state.GameState, error) {
	return s.rooms.GetRoomState(interactionID)
}

// Heartbeat refreshes userID's liveness deadline.
func (s *Service) Heartbeat(interactionID, userID string) error {
	return s.conns.Heartbeat(interactionID, userID)
}

// Disconnect records that userID's client went away.
func (s *Service) Disconnect(interactionID, userID string) error {
	return s.conns.Disconnect(interactionID, userID, connection.ReasonClientClosed)
}

// Reconnect re-associates userID with a new connection and returns the state to resync.
func (s *Service) Reconnect(interactionID, userID, connectionID string) (*state.GameState, error) {
	if connectionID == "" {
		connectionID = uuid.NewString()
	}
	return s.conns.Reconnect(interactionID, userID, connectionID)
}

// SendChat appends a chat line from userID.
//
// Postcondition: Returns ErrInvalidChat for blank lines or lines over MaxChatLength runes.
func (s *Service) SendChat(interactionID, userID, text string) (state.ChatEntry, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return state.ChatEntry{}, fmt.Errorf("%w: empty", ErrInvalidChat)
	}
	if utf8.RuneCountInString(text) > MaxChatLength {
		return state.ChatEntry{}, fmt.Errorf("%w: longer than %d characters", ErrInvalidChat, MaxChatLength)
	}
	r, err := s.rooms.Room(interactionID)
	if err != nil {
		return state.ChatEntry{}, err
	}
	entry, err := r.AppendChat(userID, text)
	if err != nil {
		return state.ChatEntry{}, err
	}
	s.touch(interactionID, userID)
	return entry, nil
}

// UpdateParticipant replaces userID's character snapshot. Subscribers receive it as a
// batched delta.
func (s *Service) UpdateParticipant(interactionID, userID string, c state.CharacterSnapshot) error {
	r, err := s.rooms.Room(interactionID)
	if err != nil {
		return err
	}
	return r.UpdateParticipant(userID, c)
}

// ListRooms summarizes every live room ordered by interaction id.
func (s *Service) ListRooms() []RoomSummary {
	rooms := s.rooms.Rooms()
	out := make([]RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		g := r.Snapshot()
		out = append(out, RoomSummary{
			RoomID:        r.ID(),
			InteractionID: r.InteractionID(),
			Status:        g.Status,
			Participants:  len(g.Participants),
			Round:         g.Round,
			TurnNumber:    g.TurnNumber,
			LastActivity:  r.LastActivity(),
		})
	}
	return out
}

// Stats reports sizes, the latest memory sample and every counter.
func (s *Service) Stats() Stats {
	return Stats{
		Rooms:         s.rooms.Len(),
		Subscriptions: s.broadcaster.SubscriptionCount(),
		Queued:        s.broadcaster.Batcher().Queued(),
		Connections:   s.conns.Tracked(),
		Pool:          s.broadcaster.Batcher().PoolStats(),
		Memory:        s.memory.Last(),
		Strategy:      s.memory.Strategy().Name(),
		Reclamations:  s.memory.History(),
		Alerts:        s.memory.Alerts(),
		Counters:      s.metrics.Snapshot(),
	}
}

// Reclaim forces a reclamation pass, e.g. from an operator endpoint.
func (s *Service) Reclaim(ctx context.Context) resource.ReclamationRecord {
	return s.memory.Reclaim(ctx, "manual")
}
