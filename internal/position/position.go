// Package position owns the numeric model of a leveraged position: fills,
// volume-weighted entry, notional, margin, mark-to-market, funding,
// liquidation price and the close/liquidation settlement.
//
// Invariants held after every mutation:
//
//	quantity = Σ entry-fill quantities
//	notional = Σ entry-fill price × quantity  (= quantity × entryPrice)
//	margin   = notional / leverage
//
// Funding never touches margin or quantity; it accumulates separately and
// enters equity:
//
//	marginRatio = (margin + unrealizedPnl − accumulatedFundingFee) / notional
//
// The liquidation price is the mark price at which marginRatio equals the
// maintenance threshold, solved per side:
//
//	long:  entry × (1 − (marginRatio₀ − maintenance))
//	short: entry × (1 + (marginRatio₀ − maintenance))
//
// where marginRatio₀ = (margin − accumulatedFundingFee) / notional.
// Realized loss is floored at −margin: equity never goes negative.
package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

var (
	// ErrDuplicatePosition is returned when a position already exists for
	// the same symbol and side.
	ErrDuplicatePosition = errors.New("position: duplicate position for symbol and side")

	// ErrPositionNotFound is returned for an unknown position ID.
	ErrPositionNotFound = errors.New("position: not found")

	// ErrStaleMarkPrice is returned when the mark price timestamp is older
	// than the configured tolerance. The tick is rejected.
	ErrStaleMarkPrice = errors.New("position: stale mark price")

	// ErrInvalidTransition is returned when a status change would move the
	// position backwards or out of a terminal state.
	ErrInvalidTransition = errors.New("position: invalid status transition")
)

// PriceScale is the number of decimal places kept on derived prices.
var PriceScale int32 = 8

// Config holds the numeric parameters of the position model.
type Config struct {
	// Maintenance is the maintenance margin ratio (0.05 = 5%).
	Maintenance decimal.Decimal
	// StaleTolerance is the maximum age of a mark price.
	StaleTolerance time.Duration
	// StopLossPct and TakeProfitPct place the protective prices relative to
	// the volume-weighted entry. Zero disables the trigger.
	StopLossPct   decimal.Decimal
	TakeProfitPct decimal.Decimal
}

// DefaultConfig uses a 5% maintenance margin, 15s staleness, 5% stop-loss
// and 10% take-profit.
func DefaultConfig() Config {
	return Config{
		Maintenance:    decimal.RequireFromString("0.05"),
		StaleTolerance: 15 * time.Second,
		StopLossPct:    decimal.RequireFromString("0.05"),
		TakeProfitPct:  decimal.RequireFromString("0.10"),
	}
}

// New creates a position in the opening state. It has no fills yet; the
// first executed batch of plan populates it.
func New(id string, sig model.Signal, side model.Side, leverage int, plan *model.BatchEntryPlan,
	reserved decimal.Decimal, plannedClose, now time.Time) *model.Position {
	return &model.Position{
		ID:               id,
		Symbol:           sig.Symbol,
		Side:             side,
		Leverage:         leverage,
		ReservedMargin:   reserved,
		PlannedCloseTime: plannedClose,
		ExitPhase:        model.PhaseArmed,
		Status:           model.StatusOpening,
		Plan:             plan,
		Signal:           sig,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// CheckFresh rejects a mark price older than tolerance relative to now.
func CheckFresh(priceTime, now time.Time, tolerance time.Duration) error {
	if tolerance > 0 && now.Sub(priceTime) > tolerance {
		return fmt.Errorf("%w: price at %s is %s old (tolerance %s)",
			ErrStaleMarkPrice, priceTime.Format(time.RFC3339), now.Sub(priceTime), tolerance)
	}
	return nil
}

// ApplyFill appends an entry fill and recomputes every derived field.
// When the plan completes it is discarded and the position becomes open.
func ApplyFill(p *model.Position, f model.Fill, cfg Config) {
	p.Fills = append(p.Fills, f)
	recompute(p, cfg)
	if p.MarkPrice.IsZero() {
		p.MarkPrice = f.Price
		p.MarkTime = f.Timestamp
	}
	markToMarket(p, cfg)
	p.UpdatedAt = f.Timestamp
	if p.Plan != nil && p.Plan.Complete() {
		p.Plan = nil
		if p.Status == model.StatusOpening {
			p.Status = model.StatusOpen
		}
	}
}

// recompute derives quantity, entry, notional, margin and the protective
// prices from the entry fills.
func recompute(p *model.Position, cfg Config) {
	qty := decimal.Zero
	notional := decimal.Zero
	for _, f := range p.Fills {
		if f.Kind != model.FillEntry {
			continue
		}
		qty = qty.Add(f.Quantity)
		notional = notional.Add(f.Notional())
	}
	p.Quantity = qty
	p.Notional = notional
	p.Margin = notional.Div(decimal.NewFromInt(int64(p.Leverage)))
	if qty.IsZero() {
		p.EntryPrice = decimal.Zero
		return
	}
	p.EntryPrice = notional.DivRound(qty, PriceScale)

	one := decimal.NewFromInt(1)
	sign := p.Side.Sign()
	if cfg.StopLossPct.IsPositive() {
		p.StopLossPrice = p.EntryPrice.Mul(one.Sub(sign.Mul(cfg.StopLossPct))).Round(PriceScale)
	}
	if cfg.TakeProfitPct.IsPositive() {
		p.TakeProfitPrice = p.EntryPrice.Mul(one.Add(sign.Mul(cfg.TakeProfitPct))).Round(PriceScale)
	}
}

// Mark applies a mark-price tick. Ticks older than the last applied mark are
// ignored; stale ticks are rejected with ErrStaleMarkPrice.
func Mark(p *model.Position, price decimal.Decimal, priceTime, now time.Time, cfg Config) error {
	if err := CheckFresh(priceTime, now, cfg.StaleTolerance); err != nil {
		return err
	}
	if !price.IsPositive() {
		return fmt.Errorf("position: mark price must be positive, got %s", price)
	}
	if priceTime.Before(p.MarkTime) {
		return nil
	}
	p.MarkPrice = price
	p.MarkTime = priceTime
	p.UpdatedAt = now
	markToMarket(p, cfg)
	return nil
}

func markToMarket(p *model.Position, cfg Config) {
	if p.Quantity.IsZero() {
		return
	}
	p.UnrealizedPnl = UnrealizedPnl(p, p.MarkPrice)
	p.MarginRatio = MarginRatio(p)
	p.LiquidationPrice = LiquidationPrice(p, cfg.Maintenance)

	pct := ProfitPct(p, p.MarkPrice)
	if p.MaxProfitTime.IsZero() || pct.GreaterThan(p.MaxProfitPct) {
		p.MaxProfitPct = pct
		p.MaxProfitPrice = p.MarkPrice
		p.MaxProfitTime = p.MarkTime
	}
}

// UnrealizedPnl returns sign(side) × (price − entry) × quantity.
func UnrealizedPnl(p *model.Position, price decimal.Decimal) decimal.Decimal {
	return p.Side.Sign().Mul(price.Sub(p.EntryPrice)).Mul(p.Quantity)
}

// ProfitPct returns the favorable price move relative to entry as a fraction.
func ProfitPct(p *model.Position, price decimal.Decimal) decimal.Decimal {
	if p.EntryPrice.IsZero() {
		return decimal.Zero
	}
	return p.Side.Sign().Mul(price.Sub(p.EntryPrice)).DivRound(p.EntryPrice, PriceScale)
}

// MarginRatio returns (margin + unrealizedPnl − funding) / notional at the
// current mark. A position without notional has ratio zero.
func MarginRatio(p *model.Position) decimal.Decimal {
	if p.Notional.IsZero() {
		return decimal.Zero
	}
	equity := p.Margin.Add(p.UnrealizedPnl).Sub(p.AccumulatedFundingFee)
	return equity.DivRound(p.Notional, PriceScale)
}

// LiquidationPrice solves marginRatio(price) = maintenance for the position
// side. The long price is floored at zero.
func LiquidationPrice(p *model.Position, maintenance decimal.Decimal) decimal.Decimal {
	if p.Notional.IsZero() {
		return decimal.Zero
	}
	initial := p.Margin.Sub(p.AccumulatedFundingFee).Div(p.Notional)
	buffer := initial.Sub(maintenance)
	one := decimal.NewFromInt(1)
	liq := p.EntryPrice.Mul(one.Sub(p.Side.Sign().Mul(buffer))).Round(PriceScale)
	if liq.IsNegative() {
		return decimal.Zero
	}
	return liq
}

// ApplyFunding charges (positive fee) or credits (negative fee) one funding
// period. A positive rate means longs pay shorts.
func ApplyFunding(p *model.Position, id string, rate decimal.Decimal, now time.Time, cfg Config) model.FundingSettlement {
	fee := rate.Mul(p.Notional).Mul(p.Side.Sign()).Round(PriceScale)
	p.AccumulatedFundingFee = p.AccumulatedFundingFee.Add(fee)
	p.UpdatedAt = now
	markToMarket(p, cfg)
	return model.FundingSettlement{
		ID:         id,
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Rate:       rate,
		Notional:   p.Notional,
		Fee:        fee,
		Timestamp:  now,
	}
}

// Close settles the full quantity at price with a single exit fill and moves
// the position to status. Realized PnL includes funding and is floored at
// −margin. The returned fill is also appended to the position.
func Close(p *model.Position, fillID string, price decimal.Decimal, now time.Time,
	status model.Status, reason model.Reason) (model.Fill, error) {
	if !p.Status.CanTransition(status) || status == model.StatusOpen {
		return model.Fill{}, fmt.Errorf("%w: %s → %s", ErrInvalidTransition, p.Status, status)
	}
	if p.Quantity.IsZero() {
		return model.Fill{}, fmt.Errorf("%w: nothing filled", ErrInvalidTransition)
	}

	pnl := UnrealizedPnl(p, price).Sub(p.AccumulatedFundingFee)
	if floor := p.Margin.Neg(); pnl.LessThan(floor) {
		pnl = floor
	}

	fill := model.Fill{
		ID:         fillID,
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Kind:       model.FillExit,
		Price:      price,
		Quantity:   p.Quantity,
		Reason:     reason,
		Timestamp:  now,
	}
	p.Fills = append(p.Fills, fill)
	p.MarkPrice = price
	p.RealizedPnl = pnl
	p.UnrealizedPnl = decimal.Zero
	p.Status = status
	p.CloseReason = reason
	p.ExitPhase = model.PhaseExited
	p.Plan = nil
	p.ClosedAt = now
	p.UpdatedAt = now
	return fill, nil
}

// Released returns the amount returned to the account when a terminal
// position frees its reserved margin: reserved + realized PnL, never below 0.
func Released(p *model.Position) decimal.Decimal {
	r := p.ReservedMargin.Add(p.RealizedPnl)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}
