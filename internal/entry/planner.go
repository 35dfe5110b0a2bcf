// Package entry builds deterministic batch-entry plans and drives them to
// full deployment by the entry deadline.
//
// A plan splits the target notional into ordered batches. Each batch fills
// when its price condition holds; a batch whose soft timeout elapses is
// force-filled at the current market price, and every remaining batch is
// force-filled once the entry deadline passes. Capital is therefore fully
// deployed by the deadline and never left partially committed.
package entry

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
)

var (
	// ErrInsufficientMargin is returned when the available balance cannot
	// cover the margin required for the full target notional.
	ErrInsufficientMargin = errors.New("entry: insufficient margin")

	// ErrInvalidBatchPlan is returned when batch ratios do not sum to 1, a
	// ratio is not positive, or the plan window is empty.
	ErrInvalidBatchPlan = errors.New("entry: invalid batch plan")
)

// QuantityScale is the number of decimal places kept on batch quantities.
var QuantityScale int32 = 8

// Config holds the batch layout and price tolerance.
type Config struct {
	// Ratios are the per-batch shares of the target notional, in order.
	Ratios []decimal.Decimal
	// Tolerance is how far beyond the reference price a batch may fill:
	// a long batch fills at ≤ ref × (1+Tolerance), a short at ≥ ref × (1−Tolerance).
	Tolerance decimal.Decimal
}

// DefaultConfig returns the 30/30/40 split with a 0.2% tolerance.
func DefaultConfig() Config {
	return Config{
		Ratios: []decimal.Decimal{
			decimal.RequireFromString("0.3"),
			decimal.RequireFromString("0.3"),
			decimal.RequireFromString("0.4"),
		},
		Tolerance: decimal.RequireFromString("0.002"),
	}
}

// Validate checks the ratios sum to exactly 1 and are all positive.
func (c Config) Validate() error {
	if len(c.Ratios) == 0 {
		return fmt.Errorf("%w: no batches", ErrInvalidBatchPlan)
	}
	sum := decimal.Zero
	for i, r := range c.Ratios {
		if !r.IsPositive() {
			return fmt.Errorf("%w: ratio[%d]=%s", ErrInvalidBatchPlan, i, r)
		}
		sum = sum.Add(r)
	}
	if !sum.Equal(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: ratios sum to %s", ErrInvalidBatchPlan, sum)
	}
	if c.Tolerance.IsNegative() {
		return fmt.Errorf("%w: negative tolerance", ErrInvalidBatchPlan)
	}
	return nil
}

// RequiredMargin returns notional / leverage.
func RequiredMargin(notional decimal.Decimal, leverage int) decimal.Decimal {
	return notional.Div(decimal.NewFromInt(int64(leverage)))
}

// CheckMargin verifies that available balance covers the margin for the
// full target notional. It is checked once at planning time, not per batch.
func CheckMargin(available, notional decimal.Decimal, leverage int) (decimal.Decimal, error) {
	required := RequiredMargin(notional, leverage)
	if available.LessThan(required) {
		return decimal.Zero, fmt.Errorf("%w: required %s, available %s",
			ErrInsufficientMargin, required.StringFixed(2), available.StringFixed(2))
	}
	return required, nil
}

// NewPlan lays out the batches between created and deadline. Batch soft
// timeouts are spaced evenly; the last batch times out at the deadline.
func NewPlan(side model.Side, ref, notional decimal.Decimal, created, deadline time.Time, cfg Config) (*model.BatchEntryPlan, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !deadline.After(created) {
		return nil, fmt.Errorf("%w: deadline %s not after %s",
			ErrInvalidBatchPlan, deadline.Format(time.RFC3339), created.Format(time.RFC3339))
	}
	if !ref.IsPositive() || !notional.IsPositive() {
		return nil, fmt.Errorf("%w: reference price and notional must be positive", ErrInvalidBatchPlan)
	}

	one := decimal.NewFromInt(1)
	limit := ref.Mul(one.Add(cfg.Tolerance))
	if side == model.SideShort {
		limit = ref.Mul(one.Sub(cfg.Tolerance))
	}

	n := len(cfg.Ratios)
	span := deadline.Sub(created)
	batches := make([]model.Batch, n)
	for i, r := range cfg.Ratios {
		due := created.Add(span * time.Duration(i+1) / time.Duration(n))
		if i == n-1 {
			due = deadline
		}
		batches[i] = model.Batch{
			Index:     i,
			Ratio:     r,
			Condition: model.PriceCondition{Side: side, Limit: limit},
			Deadline:  due,
		}
	}

	return &model.BatchEntryPlan{
		Side:           side,
		ReferencePrice: ref,
		TargetNotional: notional,
		CreatedAt:      created,
		Deadline:       deadline,
		Batches:        batches,
	}, nil
}

// Order is a batch execution decided by Step.
type Order struct {
	Batch    int
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Forced   bool
}

// Step advances the plan at the given market price and time and marks the
// executed batches filled. Batches execute strictly in order. At most one
// batch fills per step on its price condition; every batch already past its
// soft timeout (or past the plan deadline) is force-filled in the same step,
// so a missed tick never leaves capital undeployed.
func Step(plan *model.BatchEntryPlan, price decimal.Decimal, now time.Time) []Order {
	if plan == nil || !price.IsPositive() {
		return nil
	}
	var orders []Order
	filledOnCondition := false
	for i := range plan.Batches {
		b := &plan.Batches[i]
		if b.Filled {
			continue
		}
		forced := !now.Before(b.Deadline) || !now.Before(plan.Deadline)
		if !forced && (filledOnCondition || !b.Condition.Satisfied(price)) {
			break
		}
		qty := b.Ratio.Mul(plan.TargetNotional).DivRound(price, QuantityScale)
		b.Filled = true
		b.Forced = forced
		b.FillPrice = price
		b.FilledAt = now
		orders = append(orders, Order{Batch: b.Index, Price: price, Quantity: qty, Forced: forced})
		if !forced {
			filledOnCondition = true
		}
	}
	return orders
}
