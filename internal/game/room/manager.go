package room

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cory-johannsen/tablesync/internal/game/event"
	"github.com/cory-johannsen/tablesync/internal/game/state"
	"github.com/cory-johannsen/tablesync/internal/observability"
)

// SnapshotStore persists room snapshots keyed by interaction id.
type SnapshotStore interface {
	// Load returns (nil, nil) when no snapshot exists.
	Load(ctx context.Context, interactionID string) (*state.GameState, error)
	Save(ctx context.Context, interactionID string, g *state.GameState) error
}

// Recoverer handles consistency failures detected by the manager.
type Recoverer interface {
	Recover(ctx context.Context, interactionID string, cause error) error
}

// Config holds Manager tunables.
type Config struct {
	InactivityTimeout   time.Duration
	SaveTimeout         time.Duration
	ShutdownParallelism int
}

// DefaultConfig returns the defaults used by the server.
func DefaultConfig() Config {
	return Config{
		InactivityTimeout:   30 * time.Minute,
		SaveTimeout:         5 * time.Second,
		ShutdownParallelism: 8,
	}
}

// JoinResult is returned by JoinRoom.
type JoinResult struct {
	RoomID      string            `json:"roomId"`
	Participant state.Participant `json:"participant"`
	GameState   *state.GameState  `json:"gameState"`
}

// TurnResult is returned by SubmitTurnAction.
type TurnResult struct {
	Record state.TurnRecord      `json:"record"`
	Next   state.InitiativeEntry `json:"next"`
}

// Manager owns every live room, keyed by room id and by interaction id.
// All methods are safe for concurrent use.
type Manager struct {
	mu            sync.RWMutex
	rooms         map[string]*Room // room id → room
	byInteraction map[string]*Room // interaction id → room

	cfg       Config
	clk       clock.Clock
	store     SnapshotStore
	notifier  Notifier
	metrics   *observability.Metrics
	logger    *zap.Logger
	recoverer Recoverer
	onRemove  []func(interactionID string)
}

// NewManager creates an empty Manager.
//
// Precondition: store and logger must be non-nil.
// Postcondition: Returns a Manager with no rooms. A nil notifier discards events.
func NewManager(cfg Config, store SnapshotStore, notifier Notifier, clk clock.Clock, metrics *observability.Metrics, logger *zap.Logger) *Manager {
	if clk == nil {
		clk = clock.New()
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if cfg.ShutdownParallelism <= 0 {
		cfg.ShutdownParallelism = 1
	}
	return &Manager{
		rooms:         make(map[string]*Room),
		byInteraction: make(map[string]*Room),
		cfg:           cfg,
		clk:           clk,
		store:         store,
		notifier:      notifier,
		metrics:       metrics,
		logger:        logger,
	}
}

// SetRecoverer installs the handler for turn conflicts and for corruption found during sweeps.
func (m *Manager) SetRecoverer(r Recoverer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recoverer = r
}

// OnRemove registers fn to run after a room leaves the registry.
func (m *Manager) OnRemove(fn func(interactionID string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemove = append(m.onRemove, fn)
}

// Notify relays a room event to the configured notifier.
func (m *Manager) Notify(ev event.Event) {
	m.notifier.Notify(ev)
}

// NotifyDelta relays a room delta to the configured notifier.
func (m *Manager) NotifyDelta(interactionID string, d event.Delta) {
	m.notifier.NotifyDelta(interactionID, d)
}

// CreateRoom registers a new room for interactionID. When initial is nil the last saved
// snapshot is loaded, falling back to an empty state.
//
// Precondition: interactionID must be non-empty.
// Postcondition: Returns ErrRoomExists if a room is already registered for interactionID.
func (m *Manager) CreateRoom(ctx context.Context, interactionID string, initial *state.GameState) (*Room, error) {
	if interactionID == "" {
		return nil, fmt.Errorf("creating room: interaction id is required")
	}
	if _, err := m.Room(interactionID); err == nil {
		return nil, fmt.Errorf("%s: %w", interactionID, ErrRoomExists)
	}
	if initial == nil {
		loaded, err := m.load(ctx, interactionID)
		if err != nil {
			return nil, err
		}
		initial = loaded
	}
	if initial != nil {
		if err := initial.Validate(); err != nil {
			initial = initial.Clone()
			n := initial.Repair()
			m.logger.Warn("repaired snapshot on create",
				zap.String("interaction_id", interactionID),
				zap.Int("changes", n),
				zap.Error(err),
			)
			m.metrics.Inc(observability.MetricRecoveries)
		}
		if initial.Status == state.StatusCompleted {
			return nil, fmt.Errorf("%s: snapshot is completed: %w", interactionID, ErrRoomNotActive)
		}
	}

	r := New(interactionID, initial, Options{
		InactivityTimeout: m.cfg.InactivityTimeout,
		Clock:             m.clk,
		Notifier:          m,
		Persister:         m,
		Logger:            m.logger,
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byInteraction[interactionID]; exists {
		return nil, fmt.Errorf("%s: %w", interactionID, ErrRoomExists)
	}
	m.rooms[r.ID()] = r
	m.byInteraction[interactionID] = r
	m.logger.Info("room created", zap.String("room_id", r.ID()), zap.String("interaction_id", interactionID))
	return r, nil
}

func (m *Manager) load(ctx context.Context, interactionID string) (*state.GameState, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SaveTimeout)
	defer cancel()
	g, err := m.store.Load(ctx, interactionID)
	if err != nil {
		m.metrics.Inc(observability.MetricPersistenceFailures)
		return nil, fmt.Errorf("loading snapshot for %s: %w", interactionID, err)
	}
	return g, nil
}

// Room returns the room registered for interactionID.
//
// Postcondition: Returns ErrRoomNotFound when absent.
func (m *Manager) Room(interactionID string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byInteraction[interactionID]
	if !ok {
		return nil, fmt.Errorf("%s: %w", interactionID, ErrRoomNotFound)
	}
	return r, nil
}

// RoomByID returns the room with the given room id.
func (m *Manager) RoomByID(roomID string) (*Room, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, ErrRoomNotFound)
	}
	return r, nil
}

// Rooms returns every live room ordered by interaction id.
func (m *Manager) Rooms() []*Room {
	m.mu.RLock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].InteractionID() < out[j].InteractionID() })
	return out
}

// Len returns the number of live rooms.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// JoinRoom adds p to the room for interactionID.
//
// Postcondition: Returns the room id and a snapshot taken after the join.
func (m *Manager) JoinRoom(interactionID string, p state.Participant) (JoinResult, error) {
	r, err := m.Room(interactionID)
	if err != nil {
		return JoinResult{}, err
	}
	stored, err := r.AddParticipant(p)
	if err != nil {
		return JoinResult{}, err
	}
	return JoinResult{RoomID: r.ID(), Participant: stored, GameState: r.Snapshot()}, nil
}

// LeaveRoom removes userID from the room for interactionID.
func (m *Manager) LeaveRoom(interactionID, userID string) error {
	r, err := m.Room(interactionID)
	if err != nil {
		return err
	}
	return r.RemoveParticipant(userID)
}

// PauseRoom pauses the room for interactionID.
func (m *Manager) PauseRoom(interactionID, reason string) error {
	r, err := m.Room(interactionID)
	if err != nil {
		return err
	}
	return r.Pause(reason)
}

// ResumeRoom resumes the room for interactionID.
func (m *Manager) ResumeRoom(interactionID string) error {
	r, err := m.Room(interactionID)
	if err != nil {
		return err
	}
	return r.Resume()
}

// CompleteRoom ends the room, saves it and removes it from memory. A failed save does not
// keep the room alive; it is logged as a forced loss.
//
// Postcondition: The room is no longer registered unless Complete itself failed.
func (m *Manager) CompleteRoom(ctx context.Context, interactionID, reason string) error {
	r, err := m.Room(interactionID)
	if err != nil {
		return err
	}
	if err := r.Complete(reason); err != nil {
		return err
	}
	if err := m.Persist(ctx, r); err != nil {
		m.metrics.Inc(observability.MetricForcedLosses)
		m.logger.Error("forced loss: room torn down without a saved snapshot",
			zap.String("interaction_id", interactionID),
			zap.String("room_id", r.ID()),
			zap.Error(err),
		)
	}
	m.remove(r)
	return nil
}

// SubmitTurnAction applies action on behalf of userID and advances the turn.
//
// Precondition: userID must be a participant. Only the session owner may act for an entity
// other than their own.
// Postcondition: On success returns the record written and the entry now acting. A
// *ConflictError is handed to the recoverer before it is returned.
func (m *Manager) SubmitTurnAction(interactionID, userID string, action state.Action) (TurnResult, error) {
	r, err := m.Room(interactionID)
	if err != nil {
		return TurnResult{}, err
	}
	p, ok := r.Participant(userID)
	if !ok {
		return TurnResult{}, fmt.Errorf("%s in %s: %w", userID, interactionID, ErrParticipantNotFound)
	}
	if !p.IsSessionOwner && p.EntityID != action.EntityID {
		m.metrics.Inc(observability.MetricTurnsRejected)
		return TurnResult{}, fmt.Errorf("%s does not control %s: %w", userID, action.EntityID, ErrNotYourTurn)
	}
	rec, err := r.ProcessTurnAction(action)
	if err != nil {
		m.metrics.Inc(observability.MetricTurnsRejected)
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			m.recover(interactionID, conflict)
		}
		return TurnResult{}, err
	}
	next, err := r.AdvanceTurn()
	if err != nil {
		return TurnResult{Record: rec}, err
	}
	return TurnResult{Record: rec, Next: next}, nil
}

func (m *Manager) recover(interactionID string, cause error) {
	m.mu.RLock()
	rec := m.recoverer
	m.mu.RUnlock()
	if rec == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.SaveTimeout)
	defer cancel()
	if err := rec.Recover(ctx, interactionID, cause); err != nil {
		m.logger.Warn("recovery failed", zap.String("interaction_id", interactionID), zap.Error(err))
	}
}

// GetRoomState returns a snapshot of the room for interactionID.
func (m *Manager) GetRoomState(interactionID string) (*state.GameState, error) {
	r, err := m.Room(interactionID)
	if err != nil {
		return nil, err
	}
	return r.Snapshot(), nil
}

// Rollback restores the room for interactionID to its last saved snapshot.
//
// Postcondition: Returns an error if no snapshot exists; the live room is untouched then.
func (m *Manager) Rollback(ctx context.Context, interactionID string) error {
	r, err := m.Room(interactionID)
	if err != nil {
		return err
	}
	g, err := m.load(ctx, interactionID)
	if err != nil {
		return err
	}
	if g == nil {
		return fmt.Errorf("rollback %s: no saved snapshot", interactionID)
	}
	r.Restore(g)
	m.logger.Info("room rolled back", zap.String("interaction_id", interactionID), zap.Int("turn", g.TurnNumber))
	return nil
}

// Persist saves a snapshot of r.
func (m *Manager) Persist(ctx context.Context, r *Room) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.SaveTimeout)
	defer cancel()
	if err := m.store.Save(ctx, r.InteractionID(), r.Snapshot()); err != nil {
		m.metrics.Inc(observability.MetricPersistenceFailures)
		return fmt.Errorf("saving %s: %w", r.InteractionID(), err)
	}
	m.metrics.Inc(observability.MetricPersistenceSaves)
	return nil
}

// RequestPersist implements PersistRequester.
func (m *Manager) RequestPersist(r *Room, reason string) {
	if err := m.Persist(context.Background(), r); err != nil {
		m.logger.Warn("snapshot request failed",
			zap.String("interaction_id", r.InteractionID()),
			zap.String("reason", reason),
			zap.Error(err),
		)
	}
}

// Sweep evicts inactive rooms, saving each before removal, and hands corrupt rooms to the
// recoverer. A failure or panic in one room never stops the others; a room whose save fails
// stays registered for the next sweep.
//
// Postcondition: Returns the combined per-room errors, or nil.
func (m *Manager) Sweep(ctx context.Context) error {
	now := m.clk.Now()
	m.mu.RLock()
	rec := m.recoverer
	m.mu.RUnlock()

	var errs error
	for _, r := range m.Rooms() {
		var err error
		var pc panics.Catcher
		pc.Try(func() { err = m.sweepRoom(ctx, r, rec, now) })
		if p := pc.Recovered(); p != nil {
			if cur, lookupErr := m.Room(r.InteractionID()); lookupErr == nil && cur == r {
				r.CancelEviction()
			}
			err = fmt.Errorf("sweeping %s: %w", r.InteractionID(), p.AsError())
		}
		errs = multierr.Append(errs, err)
	}
	if errs != nil {
		m.logger.Warn("sweep finished with errors", zap.Error(errs))
	}
	return errs
}

func (m *Manager) sweepRoom(ctx context.Context, r *Room, rec Recoverer, now time.Time) error {
	var errs error
	if err := r.CheckIntegrity(); err != nil && rec != nil {
		errs = multierr.Append(errs, rec.Recover(ctx, r.InteractionID(), err))
	}
	if !r.BeginEviction(now) {
		return errs
	}
	if err := m.Persist(ctx, r); err != nil {
		r.CancelEviction()
		return multierr.Append(errs, err)
	}
	m.remove(r)
	m.metrics.Inc(observability.MetricRoomsEvicted)
	m.logger.Info("inactive room evicted",
		zap.String("interaction_id", r.InteractionID()),
		zap.Time("last_activity", r.LastActivity()),
	)
	return errs
}

// Shutdown saves every live room with bounded parallelism.
//
// Postcondition: Returns the first save error, if any; rooms stay registered.
func (m *Manager) Shutdown(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.ShutdownParallelism)
	for _, r := range m.Rooms() {
		if r.Status() == state.StatusCompleted {
			continue
		}
		g.Go(func() error {
			return m.Persist(ctx, r)
		})
	}
	return g.Wait()
}

func (m *Manager) remove(r *Room) {
	m.mu.Lock()
	if cur, ok := m.byInteraction[r.InteractionID()]; ok && cur == r {
		delete(m.byInteraction, r.InteractionID())
	}
	delete(m.rooms, r.ID())
	hooks := append([]func(string){}, m.onRemove...)
	m.mu.Unlock()

	for _, fn := range hooks {
		fn(r.InteractionID())
	}
}
