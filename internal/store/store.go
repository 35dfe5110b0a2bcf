// Package store defines the ledger the engine writes to and the read side
// the HTTP layer queries. Implementations include PostgreSQL (source of
// truth), Redis (read-through cache of snapshots and fills), and in-memory
// (for testing and paper runs without a database).
package store

import (
	"context"
	"errors"

	"github.com/atmx/paper-engine/internal/model"
)

// ErrNotFound is returned when no snapshot exists for a position.
var ErrNotFound = errors.New("store: not found")

// Ledger is the write-only recorder used by the engine. Every call appends;
// nothing recorded is ever modified.
type Ledger interface {
	// RecordFill appends an immutable entry or exit fill.
	RecordFill(ctx context.Context, fill model.Fill) error

	// RecordPositionSnapshot appends the position state after a transition.
	RecordPositionSnapshot(ctx context.Context, pos model.Position) error

	// RecordFunding appends a funding settlement.
	RecordFunding(ctx context.Context, s model.FundingSettlement) error
}

// Store is the ledger plus its read side.
type Store interface {
	Ledger

	// GetFills returns all fills of a position in time order.
	GetFills(ctx context.Context, positionID string) ([]model.Fill, error)

	// GetSnapshot returns the latest snapshot of a position.
	GetSnapshot(ctx context.Context, positionID string) (*model.Position, error)

	// ListSnapshots returns the latest snapshot of every position.
	ListSnapshots(ctx context.Context) ([]model.Position, error)

	// GetFunding returns all funding settlements of a position in time order.
	GetFunding(ctx context.Context, positionID string) ([]model.FundingSettlement, error)
}
