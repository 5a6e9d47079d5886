// Package sqlite stores room snapshots in a single-file SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"github.com/cory-johannsen/tablesync/internal/game/state"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store keeps one snapshot row per interaction. Writes are serialized through a single
// connection.
type Store struct {
	db *sql.DB
}

func dsn(path string) string {
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
}

// Open opens (creating if needed) the database at path and applies the schema.
//
// Postcondition: Returns a migrated Store or an error with nothing left open.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := migrateUp(path); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging sqlite %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// migrateUp runs the embedded migrations on a dedicated handle; the migrator closes it.
func migrateUp(path string) error {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return fmt.Errorf("opening sqlite %s for migration: %w", path, err)
	}
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating sqlite migration driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("opening embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("creating migrator: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrating sqlite %s: %w", path, err)
	}
	return nil
}

// Load returns the snapshot for interactionID, or (nil, nil) if none is stored.
func (s *Store) Load(ctx context.Context, interactionID string) (*state.GameState, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT snapshot FROM room_snapshots WHERE interaction_id = ?`,
		interactionID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", interactionID, err)
	}
	return state.Unmarshal(data)
}

// Save upserts the snapshot for interactionID.
func (s *Store) Save(ctx context.Context, interactionID string, g *state.GameState) error {
	data, err := g.Marshal()
	if err != nil {
		return err
	}
	sum, err := g.Checksum()
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO room_snapshots (interaction_id, status, round, turn_number, checksum, snapshot, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (interaction_id) DO UPDATE SET
		     status = excluded.status,
		     round = excluded.round,
		     turn_number = excluded.turn_number,
		     checksum = excluded.checksum,
		     snapshot = excluded.snapshot,
		     updated_at = excluded.updated_at`,
		interactionID, string(g.Status), g.Round, g.TurnNumber, sum, data, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("saving snapshot %s: %w", interactionID, err)
	}
	return nil
}

// Delete removes the snapshot for interactionID.
func (s *Store) Delete(ctx context.Context, interactionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM room_snapshots WHERE interaction_id = ?`, interactionID); err != nil {
		return fmt.Errorf("deleting snapshot %s: %w", interactionID, err)
	}
	return nil
}

// Count returns the number of stored snapshots.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM room_snapshots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting snapshots: %w", err)
	}
	return n, nil
}

// Ping checks that the database file is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
