// Package connection tracks participant liveness, disconnect and reconnect transitions, and
// routes consistency failures through the configured recovery policy.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/game/event"
	"github.com/cory-johannsen/tablesync/internal/game/room"
	"github.com/cory-johannsen/tablesync/internal/game/state"
	"github.com/cory-johannsen/tablesync/internal/observability"
)

// Disconnect reasons.
const (
	ReasonClientClosed      = "CLIENT_CLOSED"
	ReasonConnectionTimeout = "CONNECTION_TIMEOUT"
	ReasonDMDisconnected    = "dm_disconnected"
)

var (
	// ErrUnknownConnection is returned for users the handler has never seen in a room.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrNotConnected is returned for heartbeats from a disconnected user.
	ErrNotConnected = errors.New("user is not connected")
	// ErrReconnectLimit is returned once a user exceeds the reconnect attempts in the window.
	ErrReconnectLimit = errors.New("reconnect attempts exhausted")
)

// Rooms is the part of the room manager the handler needs.
type Rooms interface {
	Room(interactionID string) (*room.Room, error)
	PauseRoom(interactionID, reason string) error
	Rollback(ctx context.Context, interactionID string) error
}

// Publisher delivers events to subscribers.
type Publisher interface {
	BroadcastToRoom(ev event.Event)
	BroadcastToUser(interactionID, userID string, ev event.Event) int
}

// Config holds Handler tunables.
type Config struct {
	HeartbeatInterval    time.Duration
	ConnectionTimeout    time.Duration
	MaxReconnectAttempts int
	ReconnectWindow      time.Duration
	DMGracePeriod        time.Duration
	Policy               Policy
}

// DefaultConfig returns the server defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:    30 * time.Second,
		ConnectionTimeout:    90 * time.Second,
		MaxReconnectAttempts: 5,
		ReconnectWindow:      5 * time.Minute,
		DMGracePeriod:        5 * time.Minute,
		Policy:               PolicyFirstWins,
	}
}

// State is the externally visible connection status of one user.
type State struct {
	InteractionID string    `json:"interactionId"`
	UserID        string    `json:"userId"`
	ConnectionID  string    `json:"connectionId"`
	Connected     bool      `json:"connected"`
	LastSeen      time.Time `json:"lastSeen"`
	Attempts      int       `json:"reconnectAttempts"`
	Reason        string    `json:"disconnectReason,omitempty"`
	SessionOwner  bool      `json:"sessionOwner"`
}

type key struct {
	interactionID string
	userID        string
}

type record struct {
	State
	windowStart   time.Time
	grace         *clock.Timer
	gen           uint64
	pausedByGrace bool
}

func (r *record) stopGrace() {
	r.gen++
	if r.grace != nil {
		r.grace.Stop()
		r.grace = nil
	}
}

// Handler tracks connections per (interaction, user). All methods are safe for concurrent use.
type Handler struct {
	cfg       Config
	clk       clock.Clock
	rooms     Rooms
	publisher Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger

	mu      sync.Mutex
	records map[key]*record
}

// NewHandler creates a Handler.
//
// Precondition: rooms, publisher and logger must be non-nil.
// Postcondition: Returns a Handler tracking no users.
func NewHandler(cfg Config, rooms Rooms, publisher Publisher, clk clock.Clock, metrics *observability.Metrics, logger *zap.Logger) *Handler {
	if clk == nil {
		clk = clock.New()
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyFirstWins
	}
	return &Handler{
		cfg:       cfg,
		clk:       clk,
		rooms:     rooms,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
		records:   make(map[key]*record),
	}
}

// Connect records the first connection of a joined participant.
//
// Precondition: userID must already be a participant of the room.
// Postcondition: The user is connected with a fresh heartbeat deadline.
func (h *Handler) Connect(interactionID, userID, connectionID string) error {
	r, err := h.rooms.Room(interactionID)
	if err != nil {
		return err
	}
	p, err := r.SetConnection(userID, connectionID, true)
	if err != nil {
		return err
	}
	now := h.clk.Now()
	h.mu.Lock()
	defer h.mu.Unlock()
	k := key{interactionID, userID}
	rec, ok := h.records[k]
	if !ok {
		rec = &record{}
		h.records[k] = rec
	}
	rec.stopGrace()
	rec.InteractionID = interactionID
	rec.UserID = userID
	rec.ConnectionID = connectionID
	rec.Connected = true
	rec.LastSeen = now
	rec.Reason = ""
	rec.SessionOwner = p.IsSessionOwner
	return nil
}

// Heartbeat refreshes the liveness deadline for userID.
//
// Postcondition: Returns ErrUnknownConnection or ErrNotConnected when the user cannot beat.
func (h *Handler) Heartbeat(interactionID, userID string) error {
	h.mu.Lock()
	rec, ok := h.records[key{interactionID, userID}]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%s in %s: %w", userID, interactionID, ErrUnknownConnection)
	}
	if !rec.Connected {
		h.mu.Unlock()
		return fmt.Errorf("%s in %s: %w", userID, interactionID, ErrNotConnected)
	}
	rec.LastSeen = h.clk.Now()
	h.mu.Unlock()

	if r, err := h.rooms.Room(interactionID); err == nil {
		r.Touch(userID)
	}
	return nil
}

// Disconnect marks userID disconnected. The participant stays in the room. The session owner
// gets a grace period after which the room is paused.
//
// Postcondition: Emits PLAYER_DISCONNECTED or DM_DISCONNECTED. Disconnecting an already
// disconnected user does nothing.
func (h *Handler) Disconnect(interactionID, userID, reason string) error {
	k := key{interactionID, userID}
	h.mu.Lock()
	rec, ok := h.records[k]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%s in %s: %w", userID, interactionID, ErrUnknownConnection)
	}
	if !rec.Connected {
		h.mu.Unlock()
		return nil
	}
	rec.Connected = false
	rec.Reason = reason
	owner := rec.SessionOwner
	if owner && h.cfg.DMGracePeriod > 0 {
		rec.stopGrace()
		gen := rec.gen
		rec.grace = h.clk.AfterFunc(h.cfg.DMGracePeriod, func() { h.graceExpired(k, gen) })
	}
	h.mu.Unlock()

	var entityID string
	if r, err := h.rooms.Room(interactionID); err == nil {
		if p, err := r.SetConnection(userID, "", false); err == nil {
			entityID = p.EntityID
		}
	}
	t := event.PlayerDisconnected
	if owner {
		t = event.DMDisconnected
	}
	h.publisher.BroadcastToRoom(event.Event{
		Type:          t,
		InteractionID: interactionID,
		Payload:       event.ConnectionPayload{UserID: userID, EntityID: entityID, Reason: reason},
		At:            h.clk.Now(),
	})
	h.logger.Info("participant disconnected",
		zap.String("interaction_id", interactionID),
		zap.String("user_id", userID),
		zap.String("reason", reason),
		zap.Bool("session_owner", owner),
	)
	return nil
}

func (h *Handler) graceExpired(k key, gen uint64) {
	h.mu.Lock()
	rec, ok := h.records[k]
	if !ok || rec.gen != gen || rec.Connected {
		h.mu.Unlock()
		return
	}
	rec.grace = nil
	rec.pausedByGrace = true
	h.mu.Unlock()

	if err := h.rooms.PauseRoom(k.interactionID, ReasonDMDisconnected); err != nil {
		h.logger.Info("grace expiry did not pause room",
			zap.String("interaction_id", k.interactionID),
			zap.Error(err),
		)
	}
}

// Reconnect re-binds userID to newConnectionID and pushes a full state sync to that user only.
// Attempts are counted per ReconnectWindow.
//
// Postcondition: On success returns the synced state and emits PLAYER_RECONNECTED or
// DM_RECONNECTED. Past MaxReconnectAttempts returns ErrReconnectLimit, emits
// RECONNECT_FAILED and leaves the user disconnected.
func (h *Handler) Reconnect(interactionID, userID, newConnectionID string) (*state.GameState, error) {
	r, err := h.rooms.Room(interactionID)
	if err != nil {
		return nil, err
	}
	k := key{interactionID, userID}
	now := h.clk.Now()

	h.mu.Lock()
	rec, ok := h.records[k]
	if !ok {
		h.mu.Unlock()
		return nil, fmt.Errorf("%s in %s: %w", userID, interactionID, ErrUnknownConnection)
	}
	if rec.windowStart.IsZero() || now.Sub(rec.windowStart) > h.cfg.ReconnectWindow {
		rec.windowStart = now
		rec.Attempts = 0
	}
	rec.Attempts++
	attempts := rec.Attempts
	if attempts > h.cfg.MaxReconnectAttempts {
		h.mu.Unlock()
		h.metrics.Inc(observability.MetricReconnectFailures)
		h.publisher.BroadcastToRoom(event.Event{
			Type:          event.ReconnectFailed,
			InteractionID: interactionID,
			Payload:       event.ConnectionPayload{UserID: userID, Attempts: attempts, Reason: "max reconnect attempts exceeded"},
			At:            now,
		})
		h.logger.Warn("reconnect refused",
			zap.String("interaction_id", interactionID),
			zap.String("user_id", userID),
			zap.Int("attempts", attempts),
		)
		return nil, fmt.Errorf("%s after %d attempts: %w", userID, attempts, ErrReconnectLimit)
	}
	rec.stopGrace()
	rec.Connected = true
	rec.ConnectionID = newConnectionID
	rec.LastSeen = now
	rec.Reason = ""
	owner := rec.SessionOwner
	resume := rec.pausedByGrace
	rec.pausedByGrace = false
	h.mu.Unlock()

	p, err := r.SetConnection(userID, newConnectionID, true)
	if err != nil {
		h.mu.Lock()
		if rec, ok := h.records[k]; ok && rec.ConnectionID == newConnectionID {
			rec.Connected = false
			rec.pausedByGrace = resume
		}
		h.mu.Unlock()
		return nil, err
	}
	if resume && owner {
		if err := r.Resume(); err != nil {
			h.logger.Info("room not resumed on owner reconnect", zap.String("interaction_id", interactionID), zap.Error(err))
		}
	}

	snap := r.Snapshot()
	h.publisher.BroadcastToUser(interactionID, userID, event.Event{
		Type:          event.StateSyncRequired,
		InteractionID: interactionID,
		RoomID:        r.ID(),
		At:            now,
	})
	h.publisher.BroadcastToUser(interactionID, userID, event.Event{
		Type:          event.StateSync,
		InteractionID: interactionID,
		RoomID:        r.ID(),
		Payload:       event.SyncPayload{State: snap},
		At:            now,
	})
	t := event.PlayerReconnected
	if owner {
		t = event.DMReconnected
	}
	h.publisher.BroadcastToRoom(event.Event{
		Type:          t,
		InteractionID: interactionID,
		RoomID:        r.ID(),
		Payload:       event.ConnectionPayload{UserID: userID, EntityID: p.EntityID, Attempts: attempts},
		At:            now,
	})
	return snap, nil
}

// CheckTimeouts disconnects every user whose last heartbeat is older than ConnectionTimeout.
//
// Postcondition: Returns the number of users timed out.
func (h *Handler) CheckTimeouts() int {
	now := h.clk.Now()
	h.mu.Lock()
	var stale []key
	for k, rec := range h.records {
		if rec.Connected && now.Sub(rec.LastSeen) > h.cfg.ConnectionTimeout {
			stale = append(stale, k)
		}
	}
	h.mu.Unlock()

	n := 0
	for _, k := range stale {
		if err := h.Disconnect(k.interactionID, k.userID, ReasonConnectionTimeout); err == nil {
			n++
		}
	}
	if n > 0 {
		h.metrics.Add(observability.MetricTimeouts, int64(n))
	}
	return n
}

// Status returns the tracked state for userID.
func (h *Handler) Status(interactionID, userID string) (State, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec, ok := h.records[key{interactionID, userID}]
	if !ok {
		return State{}, false
	}
	return rec.State, true
}

// Tracked returns the number of tracked users.
func (h *Handler) Tracked() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// Forget stops tracking userID, cancelling any pending timer.
func (h *Handler) Forget(interactionID, userID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := key{interactionID, userID}
	if rec, ok := h.records[k]; ok {
		rec.stopGrace()
		delete(h.records, k)
	}
}

// ForgetRoom stops tracking every user of interactionID.
func (h *Handler) ForgetRoom(interactionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for k, rec := range h.records {
		if k.interactionID == interactionID {
			rec.stopGrace()
			delete(h.records, k)
		}
	}
}

// Close cancels every timer.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, rec := range h.records {
		rec.stopGrace()
	}
}
