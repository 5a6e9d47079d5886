// Package postgres stores room snapshots in PostgreSQL using pgx v5.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/tablesync/internal/config"
	"github.com/cory-johannsen/tablesync/internal/game/state"
)

// Store keeps one JSONB snapshot row per interaction in room_snapshots.
type Store struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool from cfg and verifies it with a ping.
//
// Precondition: cfg must contain valid database connection parameters.
// Postcondition: Returns a ready Store or a non-nil error; no pool is leaked on error.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStore wraps an existing pool.
//
// Precondition: pool must be open and migrated.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Load returns the snapshot for interactionID, or (nil, nil) if none is stored.
func (s *Store) Load(ctx context.Context, interactionID string) (*state.GameState, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot FROM room_snapshots WHERE interaction_id = $1`,
		interactionID,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", interactionID, err)
	}
	return state.Unmarshal(data)
}

// Save upserts the snapshot for interactionID.
//
// Postcondition: The row's checksum matches g.Checksum() at the time of the call.
func (s *Store) Save(ctx context.Context, interactionID string, g *state.GameState) error {
	data, err := g.Marshal()
	if err != nil {
		return err
	}
	sum, err := g.Checksum()
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO room_snapshots (interaction_id, status, round, turn_number, checksum, snapshot, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, NOW())
		 ON CONFLICT (interaction_id) DO UPDATE SET
		     status = EXCLUDED.status,
		     round = EXCLUDED.round,
		     turn_number = EXCLUDED.turn_number,
		     checksum = EXCLUDED.checksum,
		     snapshot = EXCLUDED.snapshot,
		     updated_at = NOW()`,
		interactionID, string(g.Status), g.Round, g.TurnNumber, sum, data,
	)
	if err != nil {
		return fmt.Errorf("saving snapshot %s: %w", interactionID, err)
	}
	return nil
}

// Delete removes the snapshot for interactionID. Deleting a missing row is not an error.
func (s *Store) Delete(ctx context.Context, interactionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM room_snapshots WHERE interaction_id = $1`, interactionID); err != nil {
		return fmt.Errorf("deleting snapshot %s: %w", interactionID, err)
	}
	return nil
}

// Checksum returns the stored checksum for interactionID, or "" if none is stored.
func (s *Store) Checksum(ctx context.Context, interactionID string) (string, error) {
	var sum string
	err := s.pool.QueryRow(ctx,
		`SELECT checksum FROM room_snapshots WHERE interaction_id = $1`,
		interactionID,
	).Scan(&sum)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading checksum %s: %w", interactionID, err)
	}
	return sum, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pool resources.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// DB returns the underlying pool.
func (s *Store) DB() *pgxpool.Pool {
	return s.pool
}
