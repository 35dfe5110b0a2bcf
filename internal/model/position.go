package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceCondition gates a batch fill: a long batch fills at or below Limit,
// a short batch at or above it.
type PriceCondition struct {
	Side  Side            `json:"side"`
	Limit decimal.Decimal `json:"limit"`
}

// Satisfied reports whether price meets the condition.
func (c PriceCondition) Satisfied(price decimal.Decimal) bool {
	if c.Side == SideShort {
		return price.GreaterThanOrEqual(c.Limit)
	}
	return price.LessThanOrEqual(c.Limit)
}

// Batch is one slice of a batch entry plan, addressed by Index.
type Batch struct {
	Index     int             `json:"index"`
	Ratio     decimal.Decimal `json:"ratio"`
	Condition PriceCondition  `json:"condition"`
	Deadline  time.Time       `json:"deadline"` // soft timeout; force-filled after it
	Filled    bool            `json:"filled"`
	Forced    bool            `json:"forced"`
	FillPrice decimal.Decimal `json:"fill_price"`
	FilledAt  time.Time       `json:"filled_at"`
}

// BatchEntryPlan is the ordered entry schedule owned by the position it seeds.
// Ratios sum to exactly 1.
type BatchEntryPlan struct {
	Side           Side            `json:"side"`
	ReferencePrice decimal.Decimal `json:"reference_price"`
	TargetNotional decimal.Decimal `json:"target_notional"`
	CreatedAt      time.Time       `json:"created_at"`
	Deadline       time.Time       `json:"deadline"`
	Batches        []Batch         `json:"batches"`
}

// Remaining returns the number of unfilled batches.
func (p *BatchEntryPlan) Remaining() int {
	n := 0
	for _, b := range p.Batches {
		if !b.Filled {
			n++
		}
	}
	return n
}

// Complete reports whether every batch is filled.
func (p *BatchEntryPlan) Complete() bool {
	return p.Remaining() == 0
}

// Baseline is the price range observed during the baseline window.
// It is written once and never mutated afterwards.
type Baseline struct {
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Median    decimal.Decimal `json:"median"`
	Samples   int             `json:"samples"`
	StartedAt time.Time       `json:"started_at"`
	EndedAt   time.Time       `json:"ended_at"`
}

// DeadlineOverride is an audited extension of the planned close time.
// The original PlannedCloseTime is never overwritten.
type DeadlineOverride struct {
	Previous   time.Time `json:"previous"`
	ExtendedTo time.Time `json:"extended_to"`
	Reason     string    `json:"reason"`
	At         time.Time `json:"at"`
}

// Position is a leveraged paper position. Quantity, entry price, notional and
// margin are derived from Fills and recomputed on every fill.
type Position struct {
	ID       string `json:"id"`
	Symbol   string `json:"symbol"`
	Side     Side   `json:"side"`
	Leverage int    `json:"leverage"`

	Fills      []Fill          `json:"fills"`
	Quantity   decimal.Decimal `json:"quantity"`
	EntryPrice decimal.Decimal `json:"entry_price"` // volume-weighted
	Notional   decimal.Decimal `json:"notional"`
	Margin     decimal.Decimal `json:"margin"`
	// ReservedMargin is taken from the account at planning time and released
	// (plus realized PnL) on close.
	ReservedMargin decimal.Decimal `json:"reserved_margin"`

	MarkPrice        decimal.Decimal `json:"mark_price"`
	MarkTime         time.Time       `json:"mark_time"`
	MarginRatio      decimal.Decimal `json:"margin_ratio"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price"`
	StopLossPrice    decimal.Decimal `json:"stop_loss_price"`
	TakeProfitPrice  decimal.Decimal `json:"take_profit_price"`

	PlannedCloseTime time.Time         `json:"planned_close_time"`
	DeadlineOverride *DeadlineOverride `json:"deadline_override,omitempty"`
	ExitPhase        ExitPhase         `json:"exit_phase"`
	ExitBaseline     *Baseline         `json:"exit_baseline,omitempty"`

	MaxProfitPct   decimal.Decimal `json:"max_profit_pct"`
	MaxProfitPrice decimal.Decimal `json:"max_profit_price"`
	MaxProfitTime  time.Time       `json:"max_profit_time"`

	Status                Status          `json:"status"`
	RealizedPnl           decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnl         decimal.Decimal `json:"unrealized_pnl"`
	AccumulatedFundingFee decimal.Decimal `json:"accumulated_funding_fee"`
	CloseReason           Reason          `json:"close_reason,omitempty"`

	Plan *BatchEntryPlan `json:"entry_plan,omitempty"` // discarded once fully filled

	Signal    Signal    `json:"signal"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	ClosedAt  time.Time `json:"closed_at,omitempty"`
}

// Deadline returns the effective close deadline: the audited override when
// present, otherwise the planned close time.
func (p *Position) Deadline() time.Time {
	if p.DeadlineOverride != nil {
		return p.DeadlineOverride.ExtendedTo
	}
	return p.PlannedCloseTime
}

// Key identifies the single open position allowed per symbol and side.
func (p *Position) Key() Key {
	return Key{Symbol: p.Symbol, Side: p.Side}
}

// Clone returns a deep copy safe to hand out as a read-only snapshot.
func (p *Position) Clone() Position {
	c := *p
	c.Fills = append([]Fill(nil), p.Fills...)
	if p.DeadlineOverride != nil {
		o := *p.DeadlineOverride
		c.DeadlineOverride = &o
	}
	if p.ExitBaseline != nil {
		b := *p.ExitBaseline
		c.ExitBaseline = &b
	}
	if p.Plan != nil {
		plan := *p.Plan
		plan.Batches = append([]Batch(nil), p.Plan.Batches...)
		c.Plan = &plan
	}
	return c
}

// Key is the (symbol, side) pair positions are unique on.
type Key struct {
	Symbol string
	Side   Side
}
