package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/paper-engine/internal/entry"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/position"
)

// Tick is one mark-price observation for a symbol.
type Tick struct {
	Symbol    string
	Price     decimal.Decimal
	PriceTime time.Time // when the price was observed
	Now       time.Time // evaluation time
}

// TickResult is the outcome of one tick inside EvaluateTicks.
type TickResult struct {
	Symbol string
	Events []model.TransitionEvent
	Err    error
}

// EvaluateTick applies one tick to every live position on the symbol and
// returns the committed transitions. A stale or non-positive price rejects
// the tick before any state changes. Ledger failures are returned alongside
// the events: the transitions themselves stay committed.
func (e *Engine) EvaluateTick(ctx context.Context, t Tick) ([]model.TransitionEvent, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	start := time.Now()
	defer func() { metrics.TickLatency.Observe(time.Since(start).Seconds()) }()

	if !t.Price.IsPositive() {
		metrics.RejectedTicks.WithLabelValues("invalid_price").Inc()
		return nil, fmt.Errorf("engine: tick for %s has non-positive price %s", t.Symbol, t.Price)
	}
	if err := position.CheckFresh(t.PriceTime, t.Now, e.cfg.Position.StaleTolerance); err != nil {
		metrics.RejectedTicks.WithLabelValues("stale").Inc()
		e.logger.Warn("tick rejected", "symbol", t.Symbol, "price", t.Price.String(), "err", err)
		return nil, err
	}

	var events []model.TransitionEvent
	var errs []error
	for _, s := range e.book.Symbol(t.Symbol) {
		evs, err := e.evaluate(ctx, s, t)
		events = append(events, evs...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return events, errors.Join(errs...)
}

// EvaluateTicks evaluates ticks for distinct symbols in parallel. Each
// result carries its own error; the returned error is only set when ctx is
// cancelled.
func (e *Engine) EvaluateTicks(ctx context.Context, ticks []Tick) ([]TickResult, error) {
	results := make([]TickResult, len(ticks))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Parallelism)
	for i, t := range ticks {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			evs, err := e.EvaluateTick(gctx, t)
			results[i] = TickResult{Symbol: t.Symbol, Events: evs, Err: err}
			return nil
		})
	}
	return results, g.Wait()
}

// evaluate runs the fixed per-position order under the position lock.
func (e *Engine) evaluate(ctx context.Context, s *slot, t Tick) ([]model.TransitionEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.pos
	if p.Status.Terminal() {
		return nil, nil
	}
	if err := position.Mark(p, t.Price, t.PriceTime, t.Now, e.cfg.Position); err != nil {
		return nil, err
	}
	price := p.MarkPrice

	var c commit
	e.stepEntry(s, &c, price, t.Now)

	if trig := e.risk.Evaluate(p); trig.Fired() {
		if err := e.closeLocked(s, &c, price, t.Now, trig.Status, trig.Reason); err != nil {
			return nil, err
		}
		return c.events, e.flush(ctx, s, &c)
	}

	if !p.Quantity.IsZero() {
		dec := e.exit.Evaluate(p, &s.window, price, t.Now)
		for _, ch := range dec.Changes {
			c.event(p, p.Status, p.Status, ch.Reason, price, t.Now)
			c.snapshot = true
			e.logger.Info("exit phase changed",
				"position_id", p.ID,
				"symbol", p.Symbol,
				"from", ch.From,
				"to", ch.To,
				"price", price.String(),
			)
		}
		if dec.Exit {
			if err := e.closeLocked(s, &c, price, t.Now, model.StatusClosed, dec.Reason); err != nil {
				return nil, err
			}
			c.events[len(c.events)-1].Quality = dec.Quality
		}
	}

	if len(c.events) == 0 {
		return nil, nil
	}
	return c.events, e.flush(ctx, s, &c)
}

// stepEntry executes the batches due at price and now. Caller holds s.mu.
func (e *Engine) stepEntry(s *slot, c *commit, price decimal.Decimal, now time.Time) {
	p := s.pos
	if p.Plan == nil {
		return
	}
	for _, o := range entry.Step(p.Plan, price, now) {
		reason := model.ReasonEntryFill
		if o.Forced {
			reason = model.ReasonEntryForced
		}
		fill := model.Fill{
			ID:         e.newID(),
			PositionID: p.ID,
			Symbol:     p.Symbol,
			Side:       p.Side,
			Kind:       model.FillEntry,
			Price:      o.Price,
			Quantity:   o.Quantity,
			Reason:     reason,
			Timestamp:  now,
		}
		from := p.Status
		position.ApplyFill(p, fill, e.cfg.Position)
		c.fills = append(c.fills, fill)
		c.event(p, from, p.Status, reason, o.Price, now)
		c.events[len(c.events)-1].Fill = &fill
		c.snapshot = true

		e.logger.Info("entry batch filled",
			"position_id", p.ID,
			"symbol", p.Symbol,
			"batch", o.Batch,
			"forced", o.Forced,
			"price", o.Price.String(),
			"quantity", o.Quantity.String(),
			"entry_price", p.EntryPrice.String(),
			"status", p.Status,
		)
	}
}

// closeLocked settles the full quantity and retires the slot. Caller holds
// s.mu.
func (e *Engine) closeLocked(s *slot, c *commit, price decimal.Decimal, now time.Time,
	status model.Status, reason model.Reason) error {
	p := s.pos
	from := p.Status
	fill, err := position.Close(p, e.newID(), price, now, status, reason)
	if err != nil {
		return err
	}
	c.fills = append(c.fills, fill)
	c.event(p, from, status, reason, price, now)
	c.events[len(c.events)-1].Fill = &fill
	c.snapshot = true
	e.retire(s)

	attrs := []any{
		"position_id", p.ID,
		"symbol", p.Symbol,
		"side", p.Side,
		"reason", reason,
		"price", price.String(),
		"entry_price", p.EntryPrice.String(),
		"realized_pnl", p.RealizedPnl.String(),
		"funding", p.AccumulatedFundingFee.String(),
	}
	if status == model.StatusLiquidated {
		e.logger.Warn("position liquidated", attrs...)
	} else {
		e.logger.Info("position closed", attrs...)
	}
	return nil
}

// commit collects what one locked operation changed, to be written to the
// ledger and published before the lock is released.
type commit struct {
	events   []model.TransitionEvent
	fills    []model.Fill
	funding  []model.FundingSettlement
	snapshot bool
}

func (c *commit) event(p *model.Position, from, to model.Status, reason model.Reason, price decimal.Decimal, now time.Time) {
	c.events = append(c.events, model.TransitionEvent{
		PositionID:  p.ID,
		Symbol:      p.Symbol,
		Side:        p.Side,
		From:        from,
		To:          to,
		Phase:       p.ExitPhase,
		Reason:      reason,
		Price:       price,
		RealizedPnl: p.RealizedPnl,
		Timestamp:   now,
	})
}

// flush records the commit in the ledger and publishes its events. Writes
// happen under the position lock so ledger order matches commit order.
func (e *Engine) flush(ctx context.Context, s *slot, c *commit) error {
	var errs []error
	for _, f := range c.fills {
		if err := e.ledger.RecordFill(ctx, f); err != nil {
			metrics.LedgerErrors.WithLabelValues("fill").Inc()
			errs = append(errs, fmt.Errorf("record fill %s: %w", f.ID, err))
		}
	}
	for _, fs := range c.funding {
		if err := e.ledger.RecordFunding(ctx, fs); err != nil {
			metrics.LedgerErrors.WithLabelValues("funding").Inc()
			errs = append(errs, fmt.Errorf("record funding %s: %w", fs.ID, err))
		}
	}
	if c.snapshot {
		if err := e.ledger.RecordPositionSnapshot(ctx, s.pos.Clone()); err != nil {
			metrics.LedgerErrors.WithLabelValues("snapshot").Inc()
			errs = append(errs, fmt.Errorf("record snapshot %s: %w", s.pos.ID, err))
		}
	}
	for _, ev := range c.events {
		metrics.TransitionsTotal.WithLabelValues(string(ev.Reason)).Inc()
		if e.publisher != nil {
			e.publisher.Publish(ev)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		e.logger.Error("ledger write failed", "position_id", s.pos.ID, "err", err)
	}
	return err
}
