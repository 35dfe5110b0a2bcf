package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/paper-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with Redis. Snapshots are
// written through so the latest state of every position is served from the
// cache; fills are read through and invalidated on every new fill.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, then cache or invalidate) ---

func (s *CachedStore) RecordFill(ctx context.Context, fill model.Fill) error {
	if err := s.primary.RecordFill(ctx, fill); err != nil {
		return err
	}
	// Invalidate fill cache; next read will re-populate.
	s.rdb.Del(ctx, fillsKey(fill.PositionID))
	return nil
}

func (s *CachedStore) RecordPositionSnapshot(ctx context.Context, pos model.Position) error {
	if err := s.primary.RecordPositionSnapshot(ctx, pos); err != nil {
		return err
	}
	s.cacheSnapshot(ctx, &pos)
	return nil
}

func (s *CachedStore) RecordFunding(ctx context.Context, fs model.FundingSettlement) error {
	return s.primary.RecordFunding(ctx, fs)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetSnapshot(ctx context.Context, positionID string) (*model.Position, error) {
	data, err := s.rdb.Get(ctx, snapshotKey(positionID)).Bytes()
	if err == nil {
		var p model.Position
		if json.Unmarshal(data, &p) == nil {
			return &p, nil
		}
	}

	// Cache miss: read from primary.
	p, err := s.primary.GetSnapshot(ctx, positionID)
	if err != nil {
		return nil, err
	}
	s.cacheSnapshot(ctx, p)
	return p, nil
}

func (s *CachedStore) GetFills(ctx context.Context, positionID string) ([]model.Fill, error) {
	data, err := s.rdb.Get(ctx, fillsKey(positionID)).Bytes()
	if err == nil {
		var fills []model.Fill
		if json.Unmarshal(data, &fills) == nil {
			return fills, nil
		}
	}

	fills, err := s.primary.GetFills(ctx, positionID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(fills); err == nil {
		s.rdb.Set(ctx, fillsKey(positionID), data, s.ttl)
	}
	return fills, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListSnapshots(ctx context.Context) ([]model.Position, error) {
	return s.primary.ListSnapshots(ctx)
}

func (s *CachedStore) GetFunding(ctx context.Context, positionID string) ([]model.FundingSettlement, error) {
	return s.primary.GetFunding(ctx, positionID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheSnapshot(ctx context.Context, p *model.Position) {
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := s.rdb.Set(ctx, snapshotKey(p.ID), data, s.ttl).Err(); err != nil {
		slog.Warn("snapshot cache write failed", "position_id", p.ID, "err", err)
	}
}

func snapshotKey(id string) string { return fmt.Sprintf("position:%s", id) }
func fillsKey(id string) string    { return fmt.Sprintf("fills:%s", id) }
