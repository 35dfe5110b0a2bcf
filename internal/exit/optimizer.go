// Package exit implements the deadline-bound smart-exit optimizer.
//
// Each position moves through armed → baselining → searching → exited.
// The baseline window ends SearchWindow before the deadline and lasts
// BaselineDuration; during it the optimizer only collects prices. In the
// search window every tick is scored for exit quality and any trigger closes
// the full quantity in one fill.
//
// The deadline check runs before any phase or quality logic on every tick:
// once now ≥ deadline the position is closed unconditionally, whatever phase
// it is in, so missed ticks are caught up on the next one.
package exit

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/position"
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("exit: invalid config")

// Quality thresholds for the exit triggers.
const (
	QualityExtreme      = 95.0
	QualityHigh         = 85.0
	QualityTimePressure = 60.0
)

// Score component weights.
const (
	percentilePoints   = 50.0
	profitPoints       = 20.0
	breakoutPoints     = 25.0
	trendPoints        = 15.0
	timePressurePoints = 20.0
)

// Config holds the exit windows and scoring parameters.
type Config struct {
	BaselineDuration time.Duration
	SearchWindow     time.Duration // from baseline end to the deadline
	FinalWindow      time.Duration // time-pressure window before the deadline
	ProfitTarget     decimal.Decimal
	TrendLookback    int
	TrendThreshold   decimal.Decimal // adverse move over the lookback that raises the warning
}

// DefaultConfig baselines for 20 minutes, searches the last 40 and applies
// time pressure in the final 10.
func DefaultConfig() Config {
	return Config{
		BaselineDuration: 20 * time.Minute,
		SearchWindow:     40 * time.Minute,
		FinalWindow:      10 * time.Minute,
		ProfitTarget:     decimal.RequireFromString("0.02"),
		TrendLookback:    5,
		TrendThreshold:   decimal.RequireFromString("0.005"),
	}
}

// Validate checks the windows are positive and nest: the final window lies
// inside the search window.
func (c Config) Validate() error {
	if c.BaselineDuration <= 0 {
		return fmt.Errorf("%w: baseline duration %s", ErrInvalidConfig, c.BaselineDuration)
	}
	if c.SearchWindow <= 0 {
		return fmt.Errorf("%w: search window %s", ErrInvalidConfig, c.SearchWindow)
	}
	if c.FinalWindow < 0 || c.FinalWindow > c.SearchWindow {
		return fmt.Errorf("%w: final window %s outside search window %s", ErrInvalidConfig, c.FinalWindow, c.SearchWindow)
	}
	if c.ProfitTarget.IsNegative() || c.TrendThreshold.IsNegative() {
		return fmt.Errorf("%w: negative profit target or trend threshold", ErrInvalidConfig)
	}
	if c.TrendLookback < 0 {
		return fmt.Errorf("%w: trend lookback %d", ErrInvalidConfig, c.TrendLookback)
	}
	return nil
}

// Window is the per-position price memory of the optimizer.
type Window struct {
	samples []decimal.Decimal
	recent  []decimal.Decimal
}

// PhaseChange records one phase transition made during an evaluation.
type PhaseChange struct {
	From   model.ExitPhase
	To     model.ExitPhase
	Reason model.Reason
}

// Decision is the result of one evaluation.
type Decision struct {
	Exit    bool
	Reason  model.Reason
	Quality float64
	Changes []PhaseChange
}

// Optimizer scores exits. It is stateless; per-position state lives in the
// Window and on the position itself.
type Optimizer struct {
	cfg Config
}

// NewOptimizer creates an optimizer.
func NewOptimizer(cfg Config) *Optimizer {
	if cfg.TrendLookback < 2 {
		cfg.TrendLookback = 2
	}
	return &Optimizer{cfg: cfg}
}

// BaselineStart returns when a position with the given deadline starts
// baselining.
func (o *Optimizer) BaselineStart(deadline time.Time) time.Time {
	return deadline.Add(-(o.cfg.SearchWindow + o.cfg.BaselineDuration))
}

// SearchStart returns when a position with the given deadline starts searching.
func (o *Optimizer) SearchStart(deadline time.Time) time.Time {
	return deadline.Add(-o.cfg.SearchWindow)
}

// Evaluate advances the phase machine at price and now and decides whether
// to exit. It mutates the phase and baseline on p and the window w.
func (o *Optimizer) Evaluate(p *model.Position, w *Window, price decimal.Decimal, now time.Time) Decision {
	if p.Status.Terminal() || p.ExitPhase == model.PhaseExited {
		return Decision{}
	}
	deadline := p.Deadline()

	// Deadline override: highest priority, evaluated before anything else.
	if !now.Before(deadline) {
		return Decision{Exit: true, Reason: model.ReasonDeadline}
	}

	var dec Decision
	if p.ExitPhase == model.PhaseArmed && !now.Before(o.BaselineStart(deadline)) {
		p.ExitPhase = model.PhaseBaselining
		dec.Changes = append(dec.Changes, PhaseChange{model.PhaseArmed, model.PhaseBaselining, model.ReasonBaselineStart})
	}
	if p.ExitPhase == model.PhaseBaselining {
		if now.Before(o.SearchStart(deadline)) {
			w.samples = append(w.samples, price)
			return dec
		}
		if len(w.samples) == 0 {
			// Every baselining tick was missed: seed from the current price.
			w.samples = append(w.samples, price)
		}
		p.ExitBaseline = computeBaseline(w.samples, o.BaselineStart(deadline), now)
		w.samples = nil
		p.ExitPhase = model.PhaseSearching
		dec.Changes = append(dec.Changes, PhaseChange{model.PhaseBaselining, model.PhaseSearching, model.ReasonSearchStart})
	}
	if p.ExitPhase != model.PhaseSearching || p.Quantity.IsZero() {
		return dec
	}

	w.recent = append(w.recent, price)
	if len(w.recent) > o.cfg.TrendLookback {
		w.recent = w.recent[len(w.recent)-o.cfg.TrendLookback:]
	}

	s := o.score(p, w, price, now, deadline)
	dec.Quality = s.quality
	switch {
	case s.quality >= QualityExtreme:
		dec.Exit, dec.Reason = true, model.ReasonExtremePrice
	case s.breakout:
		dec.Exit, dec.Reason = true, model.ReasonBreakout
	case s.quality >= QualityHigh && s.profitPct.IsPositive():
		dec.Exit, dec.Reason = true, model.ReasonHighQuality
	case s.profitable && s.favorable:
		dec.Exit, dec.Reason = true, model.ReasonProfitTarget
	case s.timePressure && s.quality >= QualityTimePressure:
		dec.Exit, dec.Reason = true, model.ReasonTimePressure
	}
	return dec
}

type score struct {
	quality      float64
	profitPct    decimal.Decimal
	profitable   bool // profit ≥ target
	favorable    bool // beyond the baseline median in the position's favor
	breakout     bool // beyond the favorable baseline extreme
	trendWarning bool
	timePressure bool
}

// Quality returns the exit-quality score at price and now without changing
// any state. Zero before the search phase.
func (o *Optimizer) Quality(p *model.Position, w *Window, price decimal.Decimal, now time.Time) float64 {
	if p.ExitPhase != model.PhaseSearching || p.ExitBaseline == nil {
		return 0
	}
	return o.score(p, w, price, now, p.Deadline()).quality
}

func (o *Optimizer) score(p *model.Position, w *Window, price decimal.Decimal, now, deadline time.Time) score {
	b := p.ExitBaseline
	long := p.Side == model.SideLong
	var s score

	fav := 0.5
	if rng := b.High.Sub(b.Low); rng.IsPositive() {
		fav = price.Sub(b.Low).Div(rng).InexactFloat64()
		if fav < 0 {
			fav = 0
		}
		if fav > 1 {
			fav = 1
		}
	}
	if !long {
		fav = 1 - fav
	}
	s.quality = fav * percentilePoints

	s.profitPct = position.ProfitPct(p, price)
	s.profitable = s.profitPct.GreaterThanOrEqual(o.cfg.ProfitTarget)
	if long {
		s.favorable = price.GreaterThan(b.Median)
		s.breakout = price.GreaterThan(b.High)
	} else {
		s.favorable = price.LessThan(b.Median)
		s.breakout = price.LessThan(b.Low)
	}
	if s.profitable && s.favorable {
		s.quality += profitPoints
	}
	if s.breakout {
		s.quality += breakoutPoints
	}

	if len(w.recent) >= o.cfg.TrendLookback {
		first := w.recent[0]
		last := w.recent[len(w.recent)-1]
		move := p.Side.Sign().Mul(last.Sub(first)).Div(first)
		if move.LessThanOrEqual(o.cfg.TrendThreshold.Neg()) {
			s.trendWarning = true
			s.quality += trendPoints
		}
	}

	if remaining := deadline.Sub(now); o.cfg.FinalWindow > 0 && remaining <= o.cfg.FinalWindow {
		s.timePressure = true
		s.quality += timePressurePoints * (1 - float64(remaining)/float64(o.cfg.FinalWindow))
	}

	if s.quality > 100 {
		s.quality = 100
	}
	return s
}

// computeBaseline summarizes the collected samples. samples must be non-empty.
func computeBaseline(samples []decimal.Decimal, start, end time.Time) *model.Baseline {
	sorted := append([]decimal.Decimal(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].LessThan(sorted[j]) })

	n := len(sorted)
	median := sorted[n/2]
	if n%2 == 0 {
		median = sorted[n/2-1].Add(sorted[n/2]).Div(decimal.NewFromInt(2))
	}
	return &model.Baseline{
		High:      sorted[n-1],
		Low:       sorted[0],
		Median:    median,
		Samples:   n,
		StartedAt: start,
		EndedAt:   end,
	}
}
