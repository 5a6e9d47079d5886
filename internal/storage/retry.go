package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/cory-johannsen/tablesync/internal/game/state"
)

// RetryConfig holds Retrying tunables.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig returns the server defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		InitialInterval: 100 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Retrying retries failed store calls with exponential backoff. Context cancellation and
// deadline errors are never retried.
type Retrying struct {
	next   Store
	cfg    RetryConfig
	logger *zap.Logger
}

// NewRetrying wraps next.
//
// Precondition: next and logger must be non-nil.
func NewRetrying(next Store, cfg RetryConfig, logger *zap.Logger) *Retrying {
	return &Retrying{next: next, cfg: cfg, logger: logger}
}

func (r *Retrying) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.cfg.MaxRetries)), ctx)
}

func (r *Retrying) do(ctx context.Context, op, interactionID string, fn func() error) error {
	attempt := func() error {
		err := fn()
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrClosed) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.logger.Debug("snapshot store call failed; retrying",
			zap.String("op", op),
			zap.String("interaction_id", interactionID),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}
	return backoff.RetryNotify(attempt, r.policy(ctx), notify)
}

// Load implements Store.
func (r *Retrying) Load(ctx context.Context, interactionID string) (*state.GameState, error) {
	var g *state.GameState
	err := r.do(ctx, "load", interactionID, func() error {
		var err error
		g, err = r.next.Load(ctx, interactionID)
		return err
	})
	return g, err
}

// Save implements Store.
func (r *Retrying) Save(ctx context.Context, interactionID string, g *state.GameState) error {
	return r.do(ctx, "save", interactionID, func() error {
		return r.next.Save(ctx, interactionID, g)
	})
}

// Delete implements Store.
func (r *Retrying) Delete(ctx context.Context, interactionID string) error {
	return r.do(ctx, "delete", interactionID, func() error {
		return r.next.Delete(ctx, interactionID)
	})
}

// Ping implements Store without retrying.
func (r *Retrying) Ping(ctx context.Context) error { return r.next.Ping(ctx) }

// Close implements Store.
func (r *Retrying) Close() error { return r.next.Close() }
