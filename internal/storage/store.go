// Package storage holds the room snapshot stores and the wrappers shared by every backend.
package storage

import (
	"context"
	"errors"
	"sync"

	"github.com/cory-johannsen/tablesync/internal/game/state"
)

// ErrClosed is returned by a store used after Close.
var ErrClosed = errors.New("snapshot store closed")

// Store persists room snapshots keyed by interaction id.
type Store interface {
	// Load returns (nil, nil) when no snapshot exists.
	Load(ctx context.Context, interactionID string) (*state.GameState, error)
	Save(ctx context.Context, interactionID string, g *state.GameState) error
	Delete(ctx context.Context, interactionID string) error
	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Memory is a process-local Store. Snapshots are stored as encoded bytes so that callers
// never share state with the store.
type Memory struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: make(map[string][]byte)}
}

// Load implements Store.
func (m *Memory) Load(_ context.Context, interactionID string) (*state.GameState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	data, ok := m.data[interactionID]
	if !ok {
		return nil, nil
	}
	return state.Unmarshal(data)
}

// Save implements Store.
func (m *Memory) Save(_ context.Context, interactionID string, g *state.GameState) error {
	data, err := g.Marshal()
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data[interactionID] = data
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, interactionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, interactionID)
	return nil
}

// Ping implements Store.
func (m *Memory) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close implements Store.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len returns the number of stored snapshots.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
