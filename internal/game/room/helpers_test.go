package room_test

import (
	"context"
	"errors"
	"sync"

	"github.com/cory-johannsen/tablesync/internal/game/event"
	"github.com/cory-johannsen/tablesync/internal/game/state"
)

type recordingNotifier struct {
	mu     sync.Mutex
	events []event.Event
	deltas []event.Delta
}

func (n *recordingNotifier) Notify(ev event.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) NotifyDelta(_ string, d event.Delta) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.deltas = append(n.deltas, d)
}

func (n *recordingNotifier) types() []event.Type {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]event.Type, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Type
	}
	return out
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = nil
	n.deltas = nil
}

type fakeStore struct {
	mu    sync.Mutex
	data  map[string]*state.GameState
	saves map[string]int
	fail  map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]*state.GameState), saves: make(map[string]int), fail: make(map[string]bool)}
}

var errStoreDown = errors.New("store unavailable")

func (s *fakeStore) Load(_ context.Context, id string) (*state.GameState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[id] {
		return nil, errStoreDown
	}
	return s.data[id].Clone(), nil
}

func (s *fakeStore) Save(_ context.Context, id string, g *state.GameState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[id] {
		return errStoreDown
	}
	s.data[id] = g.Clone()
	s.saves[id]++
	return nil
}

func (s *fakeStore) saveCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves[id]
}

func (s *fakeStore) setFail(id string, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[id] = fail
}
