// Package room implements the interaction room state machine and the registry that owns
// every live room.
package room

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/game/event"
	"github.com/cory-johannsen/tablesync/internal/game/state"
)

// Notifier receives a room's outbound notifications. Implementations must not call back
// into the room.
type Notifier interface {
	Notify(ev event.Event)
	NotifyDelta(interactionID string, d event.Delta)
}

// PersistRequester saves a room snapshot on the room's behalf.
type PersistRequester interface {
	RequestPersist(r *Room, reason string)
}

type nopNotifier struct{}

func (nopNotifier) Notify(event.Event)              {}
func (nopNotifier) NotifyDelta(string, event.Delta) {}

// Footprint is a cheap size summary used by the resource layer.
type Footprint struct {
	Participants int
	Initiative   int
	History      int
	Chat         int
	Obstacles    int
	Terrain      int
}

// Room is one live session. All exported methods serialize on the room's lock.
type Room struct {
	mu sync.Mutex

	id            string
	interactionID string
	clk           clock.Clock
	inactivity    time.Duration
	notifier      Notifier
	persister     PersistRequester
	logger        *zap.Logger

	state         *state.GameState
	lastActivity  time.Time
	timerRunning  bool
	turnStartedAt time.Time

	// checkpoint is the state just before the most recent accepted action.
	checkpoint *state.GameState
	pending    *ConflictError
	// evicting is set once a sweep decides to remove the room and cleared only if the save fails.
	evicting bool
}

// Options configures a Room.
type Options struct {
	InactivityTimeout time.Duration
	Clock             clock.Clock
	Notifier          Notifier
	Persister         PersistRequester
	Logger            *zap.Logger
}

// New creates a room for interactionID seeded with initial.
//
// Precondition: interactionID must be non-empty.
// Postcondition: Returns a room owning a private copy of initial (or an empty state when nil).
func New(interactionID string, initial *state.GameState, opts Options) *Room {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Notifier == nil {
		opts.Notifier = nopNotifier{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	now := opts.Clock.Now()
	g := initial.Clone()
	if g == nil {
		g = state.New(now)
	}
	if g.Participants == nil {
		g.Participants = make(map[string]state.Participant)
	}
	if g.Map.Positions == nil {
		g.Map.Positions = make(map[string]state.Position)
	}
	if g.Status == "" {
		g.Status = state.StatusActive
	}
	id := uuid.NewString()
	return &Room{
		id:            id,
		interactionID: interactionID,
		clk:           opts.Clock,
		inactivity:    opts.InactivityTimeout,
		notifier:      opts.Notifier,
		persister:     opts.Persister,
		logger:        opts.Logger.With(zap.String("room_id", id), zap.String("interaction_id", interactionID)),
		state:         g,
		lastActivity:  now,
		timerRunning:  g.Status == state.StatusActive,
		turnStartedAt: now,
	}
}

// ID returns the stable room identifier.
func (r *Room) ID() string { return r.id }

// InteractionID returns the originating interaction identifier.
func (r *Room) InteractionID() string { return r.interactionID }

// Status returns the lifecycle status.
func (r *Room) Status() state.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Status
}

// LastActivity returns the time of the most recent qualifying activity.
func (r *Room) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// Snapshot returns a deep copy of the game state.
func (r *Room) Snapshot() *state.GameState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

// Participant returns the participant for userID.
func (r *Room) Participant(userID string) (state.Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.state.Participants[userID]
	return p, ok
}

// SessionOwner returns the user id of the session owner, if one has joined.
func (r *Room) SessionOwner() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, p := range r.state.Participants {
		if p.IsSessionOwner {
			return id, true
		}
	}
	return "", false
}

// Footprint returns the sizes of the room's growable collections.
func (r *Room) Footprint() Footprint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Footprint{
		Participants: len(r.state.Participants),
		Initiative:   len(r.state.Initiative),
		History:      len(r.state.TurnHistory),
		Chat:         len(r.state.Chat),
		Obstacles:    len(r.state.Map.Obstacles),
		Terrain:      len(r.state.Map.Terrain),
	}
}

func (r *Room) emit(t event.Type, payload any) {
	r.notifier.Notify(event.Event{
		Type:          t,
		InteractionID: r.interactionID,
		RoomID:        r.id,
		Payload:       payload,
		At:            r.clk.Now(),
	})
}

func (r *Room) touch() {
	now := r.clk.Now()
	r.lastActivity = now
	r.state.UpdatedAt = now
}

// AddParticipant admits p. A user already present keeps their entity binding and has their
// connection info overwritten.
//
// Precondition: p.UserID must be non-empty.
// Postcondition: Returns the stored participant; emits PARTICIPANT_JOINED.
func (r *Room) AddParticipant(p state.Participant) (state.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writableLocked("joining"); err != nil {
		return state.Participant{}, err
	}
	if r.state.Status == state.StatusCompleted {
		return state.Participant{}, fmt.Errorf("joining %s: %w", r.interactionID, ErrRoomNotActive)
	}
	now := r.clk.Now()
	if existing, ok := r.state.Participants[p.UserID]; ok {
		existing.ConnectionID = p.ConnectionID
		existing.Connected = true
		existing.LastActivity = now
		if p.Character != (state.CharacterSnapshot{}) {
			existing.Character = p.Character
		}
		p = existing
	} else {
		if p.EntityKind == "" {
			p.EntityKind = state.KindPlayer
		}
		p.Connected = true
		p.LastActivity = now
	}
	r.state.Participants[p.UserID] = p
	r.touch()
	r.emit(event.ParticipantJoined, event.ParticipantPayload{Participant: p})
	return p, nil
}

// RemoveParticipant removes userID from the room.
//
// Postcondition: Returns ErrParticipantNotFound if absent; otherwise emits PARTICIPANT_LEFT
// and, if the room is now empty, restarts the inactivity window.
func (r *Room) RemoveParticipant(userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.state.Participants[userID]
	if !ok {
		return fmt.Errorf("removing %s from %s: %w", userID, r.interactionID, ErrParticipantNotFound)
	}
	delete(r.state.Participants, userID)
	r.touch()
	if len(r.state.Participants) == 0 && r.state.Status == state.StatusActive {
		r.timerRunning = true
	}
	r.emit(event.ParticipantLeft, event.ParticipantPayload{Participant: p})
	return nil
}

// SetConnection records a connect or disconnect for userID without removing them.
//
// Postcondition: Returns the updated participant or ErrParticipantNotFound.
func (r *Room) SetConnection(userID, connectionID string, connected bool) (state.Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if connected {
		if err := r.writableLocked("connecting"); err != nil {
			return state.Participant{}, err
		}
	}
	p, ok := r.state.Participants[userID]
	if !ok {
		return state.Participant{}, fmt.Errorf("%s in %s: %w", userID, r.interactionID, ErrParticipantNotFound)
	}
	if connectionID != "" {
		p.ConnectionID = connectionID
	}
	p.Connected = connected
	p.LastActivity = r.clk.Now()
	r.state.Participants[userID] = p
	if connected {
		r.touch()
	}
	return p, nil
}

// Touch records activity for userID, e.g. a heartbeat.
func (r *Room) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.state.Participants[userID]; ok {
		p.LastActivity = r.clk.Now()
		r.state.Participants[userID] = p
		r.touch()
	}
}

// UpdateParticipant replaces the display snapshot for userID and queues a delta.
//
// Postcondition: Returns ErrParticipantNotFound if absent.
func (r *Room) UpdateParticipant(userID string, c state.CharacterSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writableLocked("updating participant"); err != nil {
		return err
	}
	p, ok := r.state.Participants[userID]
	if !ok {
		return fmt.Errorf("%s in %s: %w", userID, r.interactionID, ErrParticipantNotFound)
	}
	p.Character = c
	r.state.Participants[userID] = p
	r.touch()
	r.notifier.NotifyDelta(r.interactionID, event.Delta{
		Kind:   event.DeltaParticipant,
		Target: userID,
		Fields: map[string]any{"name": c.Name, "hp": c.HP, "maxHp": c.MaxHP, "ac": c.AC},
		At:     r.clk.Now(),
	})
	return nil
}

// AppendChat adds a chat line from userID.
//
// Postcondition: Returns the stored entry; emits CHAT_MESSAGE.
func (r *Room) AppendChat(userID, text string) (state.ChatEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writableLocked("chatting"); err != nil {
		return state.ChatEntry{}, err
	}
	p, ok := r.state.Participants[userID]
	if !ok {
		return state.ChatEntry{}, fmt.Errorf("%s in %s: %w", userID, r.interactionID, ErrParticipantNotFound)
	}
	entry := state.ChatEntry{
		ID:     uuid.NewString(),
		UserID: userID,
		Name:   p.Character.Name,
		Text:   text,
		SentAt: r.clk.Now(),
	}
	r.state.Chat = append(r.state.Chat, entry)
	r.touch()
	r.emit(event.ChatMessage, event.ChatPayload{Entry: entry})
	return entry, nil
}

// SetInitiative replaces the turn order and starts round 1.
//
// Postcondition: Emits ROUND_STARTED and TURN_STARTED when the order is non-empty.
func (r *Room) SetInitiative(entries []state.InitiativeEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writableLocked("setting initiative"); err != nil {
		return err
	}
	if r.state.Status == state.StatusCompleted {
		return fmt.Errorf("setting initiative in %s: %w", r.interactionID, ErrRoomNotActive)
	}
	r.state.SetInitiative(entries)
	r.turnStartedAt = r.clk.Now()
	r.touch()
	if cur, ok := r.state.CurrentEntry(); ok {
		r.emit(event.RoundStarted, r.turnStartedPayload(cur))
		r.emit(event.TurnStarted, r.turnStartedPayload(cur))
	}
	return nil
}

func (r *Room) turnStartedPayload(cur state.InitiativeEntry) event.TurnStartedPayload {
	return event.TurnStartedPayload{
		EntityID:   cur.EntityID,
		TurnIndex:  r.state.CurrentTurnIndex,
		TurnNumber: r.state.TurnNumber,
		Round:      r.state.Round,
	}
}

// IsInactive reports whether the inactivity window has elapsed with nobody connected.
// A paused or completed room never reports inactive.
func (r *Room) IsInactive(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inactiveLocked(now)
}

func (r *Room) inactiveLocked(now time.Time) bool {
	if !r.timerRunning || r.inactivity <= 0 {
		return false
	}
	for _, p := range r.state.Participants {
		if p.Connected {
			return false
		}
	}
	return now.Sub(r.lastActivity) > r.inactivity
}

// BeginEviction marks the room for removal when it is inactive at now. Until CancelEviction,
// joins, reconnects and state changes fail with ErrRoomEvicting, so the snapshot saved for
// the eviction is the final state.
//
// Postcondition: Returns true if this call marked the room.
func (r *Room) BeginEviction(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.evicting || !r.inactiveLocked(now) {
		return false
	}
	r.evicting = true
	return true
}

// CancelEviction makes a marked room writable again, e.g. after its eviction save failed.
func (r *Room) CancelEviction() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evicting = false
}

func (r *Room) writableLocked(op string) error {
	if r.evicting {
		return fmt.Errorf("%s %s: %w", op, r.interactionID, ErrRoomEvicting)
	}
	return nil
}

// Pause moves an active room to paused.
//
// Postcondition: Returns ErrInvalidTransition, leaving state unchanged, unless the room was
// active. On success the inactivity window stops, ROOM_PAUSED is emitted and a snapshot is
// requested.
func (r *Room) Pause(reason string) error {
	r.mu.Lock()
	if err := r.writableLocked("pausing"); err != nil {
		r.mu.Unlock()
		return err
	}
	if r.state.Status != state.StatusActive {
		status := r.state.Status
		r.mu.Unlock()
		r.logger.Info("pause ignored", zap.String("status", string(status)), zap.String("reason", reason))
		return fmt.Errorf("pause from %s: %w", status, ErrInvalidTransition)
	}
	r.state.Status = state.StatusPaused
	r.timerRunning = false
	r.state.UpdatedAt = r.clk.Now()
	r.emit(event.RoomPaused, event.StatusPayload{Status: state.StatusPaused, Reason: reason})
	r.mu.Unlock()

	r.logger.Info("room paused", zap.String("reason", reason))
	if r.persister != nil {
		r.persister.RequestPersist(r, "pause")
	}
	return nil
}

// Resume moves a paused room back to active.
//
// Postcondition: Returns ErrInvalidTransition unless the room was paused; on success the
// inactivity window restarts and ROOM_RESUMED is emitted.
func (r *Room) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writableLocked("resuming"); err != nil {
		return err
	}
	if r.state.Status != state.StatusPaused {
		r.logger.Info("resume ignored", zap.String("status", string(r.state.Status)))
		return fmt.Errorf("resume from %s: %w", r.state.Status, ErrInvalidTransition)
	}
	r.state.Status = state.StatusActive
	r.timerRunning = true
	r.turnStartedAt = r.clk.Now()
	r.touch()
	r.emit(event.RoomResumed, event.StatusPayload{Status: state.StatusActive})
	return nil
}

// Complete moves the room to its terminal status.
//
// Postcondition: Returns ErrInvalidTransition if already completed; otherwise emits ROOM_COMPLETED.
func (r *Room) Complete(reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.writableLocked("completing"); err != nil {
		return err
	}
	if r.state.Status == state.StatusCompleted {
		return fmt.Errorf("complete from %s: %w", r.state.Status, ErrInvalidTransition)
	}
	r.state.Status = state.StatusCompleted
	r.timerRunning = false
	r.pending = nil
	r.checkpoint = nil
	r.state.UpdatedAt = r.clk.Now()
	r.emit(event.RoomCompleted, event.StatusPayload{Status: state.StatusCompleted, Reason: reason})
	return nil
}

// Restore replaces the game state with a copy of g. Participants keep their live connection
// flags, and users who joined after g was taken stay in the room.
//
// Postcondition: Any pending conflict and checkpoint are discarded.
func (r *Room) Restore(g *state.GameState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	restored := g.Clone()
	if restored.Participants == nil {
		restored.Participants = make(map[string]state.Participant)
	}
	for id, live := range r.state.Participants {
		p, ok := restored.Participants[id]
		if !ok {
			restored.Participants[id] = live
			continue
		}
		p.Connected = live.Connected
		p.ConnectionID = live.ConnectionID
		restored.Participants[id] = p
	}
	r.state = restored
	r.pending = nil
	r.checkpoint = nil
	r.timerRunning = restored.Status == state.StatusActive
	r.turnStartedAt = r.clk.Now()
	r.touch()
}

// Housekeep runs fn with exclusive access to the game state.
func (r *Room) Housekeep(fn func(g *state.GameState)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.state)
}

// CheckIntegrity validates the game state.
func (r *Room) CheckIntegrity() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Validate()
}

// RepairIntegrity fixes invariant violations keeping first occurrences.
//
// Postcondition: Returns the number of changes made.
func (r *Room) RepairIntegrity() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.state.Repair()
	if n > 0 {
		r.touch()
	}
	return n
}
