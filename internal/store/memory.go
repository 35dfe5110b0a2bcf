package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/paper-engine/internal/model"
)

// MemoryStore implements Store with in-memory slices. Used for testing
// and paper runs. Not suitable for production (no persistence).
type MemoryStore struct {
	mu        sync.RWMutex
	fills     []model.Fill
	snapshots map[string][]model.Position
	funding   []model.FundingSettlement
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		snapshots: make(map[string][]model.Position),
	}
}

func (s *MemoryStore) RecordFill(_ context.Context, fill model.Fill) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fills = append(s.fills, fill)
	return nil
}

func (s *MemoryStore) RecordPositionSnapshot(_ context.Context, pos model.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Store a deep copy to avoid external mutation.
	s.snapshots[pos.ID] = append(s.snapshots[pos.ID], pos.Clone())
	return nil
}

func (s *MemoryStore) RecordFunding(_ context.Context, fs model.FundingSettlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.funding = append(s.funding, fs)
	return nil
}

func (s *MemoryStore) GetFills(_ context.Context, positionID string) ([]model.Fill, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Fill
	for _, f := range s.fills {
		if f.PositionID == positionID {
			result = append(result, f)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, positionID string) (*model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.snapshots[positionID]
	if len(history) == 0 {
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, positionID)
	}
	latest := history[len(history)-1].Clone()
	return &latest, nil
}

func (s *MemoryStore) ListSnapshots(_ context.Context) ([]model.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Position, 0, len(s.snapshots))
	for _, history := range s.snapshots {
		out = append(out, history[len(history)-1].Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetFunding(_ context.Context, positionID string) ([]model.FundingSettlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.FundingSettlement
	for _, fs := range s.funding {
		if fs.PositionID == positionID {
			result = append(result, fs)
		}
	}
	return result, nil
}

// SnapshotHistory returns every snapshot recorded for a position, oldest first.
func (s *MemoryStore) SnapshotHistory(positionID string) []model.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	history := s.snapshots[positionID]
	out := make([]model.Position, len(history))
	for i := range history {
		out[i] = history[i].Clone()
	}
	return out
}
