package store

import (
	"context"
	"encoding/json"
	"sync"

	"copy_trader/internal/core"
)

// MemoryStore holds the state document in memory. Used in tests and when no
// database path is configured. Save keeps a deep copy via a JSON round-trip
// so later in-memory mutations cannot leak into the stored document.
type MemoryStore struct {
	mu   sync.Mutex
	data []byte
	// SaveCount tracks persistence calls for tests.
	SaveCount int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Save(_ context.Context, state *core.MirrorState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data = data
	s.SaveCount++
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Load(_ context.Context) (*core.MirrorState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		return core.NewMirrorState(), nil
	}
	var state core.MirrorState
	if err := json.Unmarshal(s.data, &state); err != nil {
		return nil, err
	}
	state.Normalize()
	return &state, nil
}

func (s *MemoryStore) Close() error { return nil }

var _ core.StateStore = (*MemoryStore)(nil)
