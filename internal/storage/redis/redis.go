// Package redis stores room snapshots as JSON strings in Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/cory-johannsen/tablesync/internal/config"
	"github.com/cory-johannsen/tablesync/internal/game/state"
)

// Store keeps each snapshot under KeyPrefix+interactionID. A positive TTL expires snapshots
// of rooms that are never reopened.
type Store struct {
	client *goredis.Client
	prefix string
	ttl    time.Duration
}

// Open connects using cfg and verifies the connection.
//
// Postcondition: Returns a ready Store, or an error with the client closed.
func Open(ctx context.Context, cfg config.RedisConfig) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis %s: %w", cfg.Addr, err)
	}
	return NewStore(client, cfg.KeyPrefix, cfg.TTL), nil
}

// NewStore wraps an existing client.
func NewStore(client *goredis.Client, prefix string, ttl time.Duration) *Store {
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

func (s *Store) key(interactionID string) string {
	return s.prefix + interactionID
}

// Load returns the snapshot for interactionID, or (nil, nil) if none is stored.
func (s *Store) Load(ctx context.Context, interactionID string) (*state.GameState, error) {
	data, err := s.client.Get(ctx, s.key(interactionID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading snapshot %s: %w", interactionID, err)
	}
	return state.Unmarshal(data)
}

// Save writes the snapshot for interactionID, refreshing its TTL.
func (s *Store) Save(ctx context.Context, interactionID string, g *state.GameState) error {
	data, err := g.Marshal()
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key(interactionID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("saving snapshot %s: %w", interactionID, err)
	}
	return nil
}

// Delete removes the snapshot for interactionID.
func (s *Store) Delete(ctx context.Context, interactionID string) error {
	if err := s.client.Del(ctx, s.key(interactionID)).Err(); err != nil {
		return fmt.Errorf("deleting snapshot %s: %w", interactionID, err)
	}
	return nil
}

// TTL returns the remaining lifetime of a stored snapshot.
func (s *Store) TTL(ctx context.Context, interactionID string) (time.Duration, error) {
	return s.client.TTL(ctx, s.key(interactionID)).Result()
}

// Ping checks that Redis answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client.
func (s *Store) Close() error {
	return s.client.Close()
}
