package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// Schema creates the ledger tables. Monetary values are NUMERIC for exact
// decimal precision; snapshots keep the full position as JSONB next to the
// columns the dashboards filter on.
const Schema = `
CREATE TABLE IF NOT EXISTS fills (
	id          TEXT PRIMARY KEY,
	position_id TEXT        NOT NULL,
	symbol      TEXT        NOT NULL,
	side        TEXT        NOT NULL,
	kind        TEXT        NOT NULL,
	price       NUMERIC     NOT NULL,
	quantity    NUMERIC     NOT NULL,
	reason      TEXT        NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS fills_position_idx ON fills (position_id, timestamp);

CREATE TABLE IF NOT EXISTS position_snapshots (
	seq          BIGSERIAL PRIMARY KEY,
	position_id  TEXT        NOT NULL,
	symbol       TEXT        NOT NULL,
	status       TEXT        NOT NULL,
	realized_pnl NUMERIC     NOT NULL,
	data         JSONB       NOT NULL,
	recorded_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS position_snapshots_idx ON position_snapshots (position_id, seq DESC);

CREATE TABLE IF NOT EXISTS funding_settlements (
	id          TEXT PRIMARY KEY,
	position_id TEXT        NOT NULL,
	symbol      TEXT        NOT NULL,
	side        TEXT        NOT NULL,
	rate        NUMERIC     NOT NULL,
	notional    NUMERIC     NOT NULL,
	fee         NUMERIC     NOT NULL,
	timestamp   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS funding_position_idx ON funding_settlements (position_id, timestamp);
`

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, Schema)
	return err
}

func (s *PostgresStore) RecordFill(ctx context.Context, f model.Fill) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO fills (id, position_id, symbol, side, kind, price, quantity, reason, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
		f.ID, f.PositionID, f.Symbol, string(f.Side), string(f.Kind),
		f.Price.String(), f.Quantity.String(), string(f.Reason),
		f.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("record fill %s: %w", f.ID, err)
	}
	return nil
}

func (s *PostgresStore) RecordPositionSnapshot(ctx context.Context, p model.Position) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", p.ID, err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO position_snapshots (position_id, symbol, status, realized_pnl, data, recorded_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6)`,
		p.ID, p.Symbol, string(p.Status), p.RealizedPnl.String(), data, p.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("record snapshot %s: %w", p.ID, err)
	}
	return nil
}

func (s *PostgresStore) RecordFunding(ctx context.Context, fs model.FundingSettlement) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO funding_settlements (id, position_id, symbol, side, rate, notional, fee, timestamp)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8)`,
		fs.ID, fs.PositionID, fs.Symbol, string(fs.Side),
		fs.Rate.String(), fs.Notional.String(), fs.Fee.String(),
		fs.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("record funding %s: %w", fs.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetFills(ctx context.Context, positionID string) ([]model.Fill, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, symbol, side, kind,
		        price::TEXT, quantity::TEXT, reason, timestamp
		 FROM fills WHERE position_id = $1 ORDER BY timestamp`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fills []model.Fill
	for rows.Next() {
		var f model.Fill
		var side, kind, reason, priceS, qtyS string
		if err := rows.Scan(&f.ID, &f.PositionID, &f.Symbol, &side, &kind,
			&priceS, &qtyS, &reason, &f.Timestamp); err != nil {
			return nil, err
		}
		f.Side = model.Side(side)
		f.Kind = model.FillKind(kind)
		f.Reason = model.Reason(reason)
		f.Price, _ = decimal.NewFromString(priceS)
		f.Quantity, _ = decimal.NewFromString(qtyS)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

func (s *PostgresStore) GetSnapshot(ctx context.Context, positionID string) (*model.Position, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT data FROM position_snapshots
		 WHERE position_id = $1 ORDER BY seq DESC LIMIT 1`, positionID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: position %s", ErrNotFound, positionID)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot %s: %w", positionID, err)
	}

	var p model.Position
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", positionID, err)
	}
	return &p, nil
}

func (s *PostgresStore) ListSnapshots(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT ON (position_id) data
		 FROM position_snapshots
		 ORDER BY position_id, seq DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var p model.Position
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) GetFunding(ctx context.Context, positionID string) ([]model.FundingSettlement, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, symbol, side,
		        rate::TEXT, notional::TEXT, fee::TEXT, timestamp
		 FROM funding_settlements WHERE position_id = $1 ORDER BY timestamp`, positionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanFunding(rows)
}

// pgxRows is the subset of pgx.Rows the scanners need.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanFunding(rows pgxRows) ([]model.FundingSettlement, error) {
	var out []model.FundingSettlement
	for rows.Next() {
		var fs model.FundingSettlement
		var side, rateS, notionalS, feeS string

		if err := rows.Scan(&fs.ID, &fs.PositionID, &fs.Symbol, &side,
			&rateS, &notionalS, &feeS, &fs.Timestamp); err != nil {
			return nil, err
		}

		fs.Side = model.Side(side)
		fs.Rate, _ = decimal.NewFromString(rateS)
		fs.Notional, _ = decimal.NewFromString(notionalS)
		fs.Fee, _ = decimal.NewFromString(feeS)

		out = append(out, fs)
	}
	return out, rows.Err()
}
