package connection

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/game/event"
	"github.com/cory-johannsen/tablesync/internal/game/room"
	"github.com/cory-johannsen/tablesync/internal/game/state"
	"github.com/cory-johannsen/tablesync/internal/observability"
)

// Policy selects how consistency failures are resolved.
type Policy string

const (
	// PolicyFirstWins keeps whatever was applied first.
	PolicyFirstWins Policy = "first_wins"
	// PolicyDMDecides holds the room until the session owner picks a side.
	PolicyDMDecides Policy = "dm_decides"
	// PolicyRollback restores the last saved snapshot.
	PolicyRollback Policy = "rollback"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyFirstWins, PolicyDMDecides, PolicyRollback:
		return p, nil
	case "":
		return PolicyFirstWins, nil
	default:
		return "", fmt.Errorf("unknown conflict resolution policy %q", s)
	}
}

// Recover implements room.Recoverer. Turn conflicts and state corruption are resolved with
// the configured policy; any other cause is returned unchanged.
//
// Postcondition: ERROR_RECOVERY_INITIATED is emitted for every handled cause. Conflicts under
// dm_decides block the room and send CONFLICT_RESOLUTION_REQUIRED to the session owner. A
// rollback ends with STATE_SYNC_REQUIRED to the whole room.
func (h *Handler) Recover(ctx context.Context, interactionID string, cause error) error {
	var conflict *room.ConflictError
	var corrupt *state.CorruptionError
	switch {
	case errors.As(cause, &conflict):
	case errors.As(cause, &corrupt):
	default:
		return cause
	}
	r, err := h.rooms.Room(interactionID)
	if err != nil {
		return err
	}
	h.metrics.Inc(observability.MetricRecoveries)
	h.publisher.BroadcastToRoom(event.Event{
		Type:          event.ErrorRecoveryInitiated,
		InteractionID: interactionID,
		RoomID:        r.ID(),
		Payload:       event.RecoveryPayload{Policy: string(h.cfg.Policy), Cause: cause.Error()},
		At:            h.clk.Now(),
	})
	logger := h.logger.With(
		zap.String("interaction_id", interactionID),
		zap.String("policy", string(h.cfg.Policy)),
		zap.Error(cause),
	)

	if conflict != nil {
		return h.recoverConflict(ctx, r, conflict, logger)
	}
	return h.recoverCorruption(ctx, r, logger)
}

func (h *Handler) recoverConflict(ctx context.Context, r *room.Room, c *room.ConflictError, logger *zap.Logger) error {
	switch h.cfg.Policy {
	case PolicyDMDecides:
		owner, ok := r.SessionOwner()
		if !ok {
			logger.Warn("no session owner to decide conflict; keeping first action")
			return nil
		}
		if err := r.BlockForConflict(c); err != nil {
			if errors.Is(err, room.ErrConflictPending) {
				logger.Info("conflict already awaiting a decision")
				return nil
			}
			return err
		}
		h.publisher.BroadcastToUser(r.InteractionID(), owner, event.Event{
			Type:          event.ConflictResolutionRequired,
			InteractionID: r.InteractionID(),
			RoomID:        r.ID(),
			Payload:       event.ConflictPayload{TurnNumber: c.TurnNumber, First: c.First, Second: c.Second},
			At:            h.clk.Now(),
		})
		logger.Info("conflict sent to session owner", zap.String("owner", owner), zap.Int("turn", c.TurnNumber))
		return nil
	case PolicyRollback:
		return h.rollbackRoom(ctx, r, logger)
	default:
		logger.Info("conflict resolved: first action kept", zap.Int("turn", c.TurnNumber))
		return nil
	}
}

func (h *Handler) recoverCorruption(ctx context.Context, r *room.Room, logger *zap.Logger) error {
	if h.cfg.Policy == PolicyRollback {
		err := h.rollbackRoom(ctx, r, logger)
		if err == nil {
			return nil
		}
		logger.Warn("rollback unavailable; repairing in place", zap.NamedError("rollback_error", err))
	}
	n := r.RepairIntegrity()
	logger.Info("state repaired", zap.Int("changes", n))
	h.requireSync(r)
	return nil
}

func (h *Handler) rollbackRoom(ctx context.Context, r *room.Room, logger *zap.Logger) error {
	if err := h.rooms.Rollback(ctx, r.InteractionID()); err != nil {
		return fmt.Errorf("recovering %s: %w", r.InteractionID(), err)
	}
	logger.Info("room rolled back to last snapshot")
	h.requireSync(r)
	return nil
}

func (h *Handler) requireSync(r *room.Room) {
	h.publisher.BroadcastToRoom(event.Event{
		Type:          event.StateSyncRequired,
		InteractionID: r.InteractionID(),
		RoomID:        r.ID(),
		At:            h.clk.Now(),
	})
}
