// Package risk evaluates the hard exit triggers of a position on every tick,
// in a fixed priority order where the first match wins:
//
//  1. liquidation: marginRatio ≤ maintenance
//  2. stop-loss: mark crosses the stop-loss price against the position
//  3. take-profit: mark crosses the take-profit price in its favor
//
// Liquidation is never pre-empted by a softer rule.
package risk

import (
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

// Trigger is the outcome of one evaluation. A zero Trigger means no hard
// exit applies and the exit optimizer decides.
type Trigger struct {
	Reason model.Reason
	Status model.Status // terminal status the position moves to
}

// Fired reports whether a trigger matched.
func (t Trigger) Fired() bool {
	return t.Reason != ""
}

// Monitor holds the maintenance threshold used for liquidation checks.
type Monitor struct {
	maintenance decimal.Decimal
}

// NewMonitor creates a monitor for the given maintenance margin ratio.
func NewMonitor(maintenance decimal.Decimal) *Monitor {
	return &Monitor{maintenance: maintenance}
}

// Evaluate checks the position at its current mark. Positions without
// filled quantity or in a terminal state never trigger.
func (m *Monitor) Evaluate(p *model.Position) Trigger {
	if p.Status.Terminal() || p.Quantity.IsZero() || p.MarkPrice.IsZero() {
		return Trigger{}
	}

	if p.MarginRatio.LessThanOrEqual(m.maintenance) {
		return Trigger{Reason: model.ReasonLiquidation, Status: model.StatusLiquidated}
	}

	mark := p.MarkPrice
	long := p.Side == model.SideLong

	if !p.StopLossPrice.IsZero() {
		if (long && mark.LessThanOrEqual(p.StopLossPrice)) || (!long && mark.GreaterThanOrEqual(p.StopLossPrice)) {
			return Trigger{Reason: model.ReasonStopLoss, Status: model.StatusClosed}
		}
	}

	if !p.TakeProfitPrice.IsZero() {
		if (long && mark.GreaterThanOrEqual(p.TakeProfitPrice)) || (!long && mark.LessThanOrEqual(p.TakeProfitPrice)) {
			return Trigger{Reason: model.ReasonTakeProfit, Status: model.StatusClosed}
		}
	}

	return Trigger{}
}
