// Package scheduler drives the engine from cron: a tick job that feeds mark
// prices to every live symbol, a signal job that opens positions from
// actionable signals, and a funding job that settles each funding period.
//
// A failed adapter call is treated as "no tick" for that symbol. The engine
// catches up on the next successful tick, so no retry happens here.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/engine"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/position"
)

// Runner wraps a seconds-resolution cron with a base context for jobs.
type Runner struct {
	cron    *cron.Cron
	logger  *slog.Logger
	baseCtx context.Context
}

// NewRunner creates a runner. Jobs receive baseCtx.
func NewRunner(logger *slog.Logger, baseCtx context.Context) *Runner {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger,
		baseCtx: baseCtx,
	}
}

// Add registers job on spec.
func (r *Runner) Add(spec string, job func(context.Context)) (cron.EntryID, error) {
	return r.cron.AddFunc(spec, func() {
		job(r.baseCtx)
	})
}

// Start runs the registered jobs in the background.
func (r *Runner) Start() {
	r.logger.Info("scheduler started", "jobs", len(r.cron.Entries()))
	r.cron.Start()
}

// Stop waits for running jobs to finish.
func (r *Runner) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	r.logger.Info("scheduler stopped")
}

// Jobs holds what the cron jobs need.
type Jobs struct {
	Engine  *engine.Engine
	Prices  engine.PriceFeed
	Signals engine.SignalSource
	Funding engine.FundingSource
	Logger  *slog.Logger
	Now     func() time.Time

	// Symbols the signal and funding jobs scan.
	Symbols []string

	// Parameters of positions opened by the signal job.
	Leverage    int
	Notional    decimal.Decimal
	EntryWindow time.Duration
}

func (j *Jobs) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now().UTC()
}

func (j *Jobs) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger
	}
	return slog.Default()
}

// Tick pulls a mark price for every live symbol and evaluates them in
// parallel.
func (j *Jobs) Tick(ctx context.Context) {
	symbols := j.Engine.Symbols()
	if len(symbols) == 0 {
		return
	}
	ticks := make([]engine.Tick, 0, len(symbols))
	for _, sym := range symbols {
		price, at, err := j.Prices.MarkPrice(ctx, sym)
		if err != nil {
			metrics.AdapterErrors.WithLabelValues("price_feed").Inc()
			j.logger().Warn("mark price unavailable, tick skipped", "symbol", sym, "err", err)
			continue
		}
		ticks = append(ticks, engine.Tick{Symbol: sym, Price: price, PriceTime: at, Now: j.now()})
	}

	results, err := j.Engine.EvaluateTicks(ctx, ticks)
	if err != nil {
		j.logger().Error("tick evaluation aborted", "err", err)
		return
	}
	for _, res := range results {
		if res.Err != nil {
			j.logger().Error("tick failed", "symbol", res.Symbol, "err", res.Err)
		}
	}
}

// Open asks the signal source for every configured symbol and opens a
// position for each actionable signal.
func (j *Jobs) Open(ctx context.Context) {
	for _, sym := range j.Symbols {
		sig, err := j.Signals.Signal(ctx, sym)
		if err != nil {
			metrics.AdapterErrors.WithLabelValues("signal_source").Inc()
			j.logger().Warn("signal unavailable", "symbol", sym, "err", err)
			continue
		}
		if _, ok := sig.Action.Side(); !ok {
			continue
		}
		id, err := j.Engine.CreatePosition(ctx, engine.CreateRequest{
			Signal:        sig,
			Leverage:      j.Leverage,
			Notional:      j.Notional,
			EntryDeadline: j.now().Add(j.EntryWindow),
		})
		switch {
		case errors.Is(err, position.ErrDuplicatePosition):
			// Already holding this side.
		case err != nil && id == "":
			j.logger().Warn("signal not opened", "symbol", sym, "action", sig.Action, "err", err)
		case err != nil:
			j.logger().Error("position opened with ledger errors", "position_id", id, "err", err)
		default:
			j.logger().Info("signal opened position",
				"position_id", id,
				"symbol", sym,
				"action", sig.Action,
				"composite", sig.Composite,
				"confidence", sig.Confidence,
			)
		}
	}
}

// Settle applies one funding period to every configured symbol.
func (j *Jobs) Settle(ctx context.Context) {
	for _, sym := range j.Symbols {
		rate, err := j.Funding.FundingRate(ctx, sym)
		if err != nil {
			metrics.AdapterErrors.WithLabelValues("funding_source").Inc()
			j.logger().Warn("funding rate unavailable", "symbol", sym, "err", err)
			continue
		}
		if _, err := j.Engine.SettleFunding(ctx, sym, rate); err != nil {
			j.logger().Error("funding settlement failed", "symbol", sym, "err", err)
		}
	}
}

// Register adds the three jobs to r.
func (j *Jobs) Register(r *Runner, tickSpec, signalSpec, fundingSpec string) error {
	for _, job := range []struct {
		spec string
		fn   func(context.Context)
	}{
		{tickSpec, j.Tick},
		{signalSpec, j.Open},
		{fundingSpec, j.Settle},
	} {
		if job.spec == "" {
			continue
		}
		if _, err := r.Add(job.spec, job.fn); err != nil {
			return err
		}
	}
	return nil
}
