// Package model defines the core domain types shared across the paper engine.
// All monetary values use shopspring/decimal, never float64.
// Scores, weights and quality figures are dimensionless and stay float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a leveraged position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Sign returns +1 for long and -1 for short.
func (s Side) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Action is the discrete classification of a composite signal score.
type Action string

const (
	ActionStrongBuy  Action = "strong_buy"
	ActionBuy        Action = "buy"
	ActionHold       Action = "hold"
	ActionSell       Action = "sell"
	ActionStrongSell Action = "strong_sell"
)

// Side maps an action to the position side it opens. Hold maps to no side.
func (a Action) Side() (Side, bool) {
	switch a {
	case ActionStrongBuy, ActionBuy:
		return SideLong, true
	case ActionStrongSell, ActionSell:
		return SideShort, true
	}
	return "", false
}

// Signal is the scored output of the signal scorer. Immutable once produced.
type Signal struct {
	Symbol     string    `json:"symbol"`
	Timestamp  time.Time `json:"timestamp"`
	Scores     Vector    `json:"scores"`  // dimension → score in [0,100]
	Weights    Vector    `json:"weights"` // dimension → weight, Σ = 1
	Composite  float64   `json:"composite"`
	Action     Action    `json:"action"`
	Confidence float64   `json:"confidence"` // [0,1], agreement between dimensions
}

// Status is the lifecycle state of a position. It only moves forward.
type Status string

const (
	StatusOpening    Status = "opening" // entry plan still has unfilled batches
	StatusOpen       Status = "open"
	StatusClosed     Status = "closed"
	StatusLiquidated Status = "liquidated"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusLiquidated
}

// CanTransition reports whether moving from s to next goes forward through
// the state machine.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusOpening:
		return next == StatusOpen || next == StatusClosed || next == StatusLiquidated
	case StatusOpen:
		return next == StatusClosed || next == StatusLiquidated
	}
	return false
}

// ExitPhase is the state of the smart-exit optimizer for an open position.
type ExitPhase string

const (
	PhaseArmed      ExitPhase = "armed"
	PhaseBaselining ExitPhase = "baselining"
	PhaseSearching  ExitPhase = "searching"
	PhaseExited     ExitPhase = "exited"
)

// Reason enumerates why a transition happened.
type Reason string

const (
	ReasonCreated       Reason = "created"
	ReasonEntryFill     Reason = "entry_fill"
	ReasonEntryForced   Reason = "entry_forced" // batch soft timeout or entry deadline
	ReasonBaselineStart Reason = "baseline_start"
	ReasonSearchStart   Reason = "search_start"
	ReasonLiquidation   Reason = "liquidation"
	ReasonStopLoss      Reason = "stop_loss"
	ReasonTakeProfit    Reason = "take_profit"
	ReasonDeadline      Reason = "deadline"
	ReasonBreakout      Reason = "breakout"
	ReasonExtremePrice  Reason = "extreme_price"
	ReasonHighQuality   Reason = "high_quality"
	ReasonProfitTarget  Reason = "profit_target"
	ReasonTimePressure  Reason = "time_pressure"
	ReasonForceClose    Reason = "force_close"
	ReasonFunding       Reason = "funding"
	ReasonExtended      Reason = "deadline_extended"
)

// FillKind distinguishes opening fills from the single closing fill.
type FillKind string

const (
	FillEntry FillKind = "entry"
	FillExit  FillKind = "exit"
)

// Fill is an immutable paper execution.
type Fill struct {
	ID         string          `json:"id" db:"id"`
	PositionID string          `json:"position_id" db:"position_id"`
	Symbol     string          `json:"symbol" db:"symbol"`
	Side       Side            `json:"side" db:"side"` // side of the position, not of the order
	Kind       FillKind        `json:"kind" db:"kind"`
	Price      decimal.Decimal `json:"price" db:"price"`
	Quantity   decimal.Decimal `json:"quantity" db:"quantity"`
	Reason     Reason          `json:"reason" db:"reason"`
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// Notional returns price × quantity.
func (f Fill) Notional() decimal.Decimal {
	return f.Price.Mul(f.Quantity)
}

// FundingSettlement is a periodic fee applied to a position's equity.
// It never changes quantity.
type FundingSettlement struct {
	ID         string          `json:"id" db:"id"`
	PositionID string          `json:"position_id" db:"position_id"`
	Symbol     string          `json:"symbol" db:"symbol"`
	Side       Side            `json:"side" db:"side"`
	Rate       decimal.Decimal `json:"rate" db:"rate"`
	Notional   decimal.Decimal `json:"notional" db:"notional"`
	Fee        decimal.Decimal `json:"fee" db:"fee"` // positive = paid by the position
	Timestamp  time.Time       `json:"timestamp" db:"timestamp"`
}

// TransitionEvent is the typed result of one committed state change.
type TransitionEvent struct {
	PositionID  string          `json:"position_id"`
	Symbol      string          `json:"symbol"`
	Side        Side            `json:"side"`
	From        Status          `json:"from"`
	To          Status          `json:"to"`
	Phase       ExitPhase       `json:"phase"`
	Reason      Reason          `json:"reason"`
	Price       decimal.Decimal `json:"price"`
	Quality     float64         `json:"quality,omitempty"`
	Fill        *Fill           `json:"fill,omitempty"`
	RealizedPnl decimal.Decimal `json:"realized_pnl"`
	Note        string          `json:"note,omitempty"` // operator-supplied reason for manual actions
	Timestamp   time.Time       `json:"timestamp"`
}
