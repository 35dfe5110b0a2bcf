package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/correlation"
	"github.com/atmx/paper-engine/internal/entry"
	"github.com/atmx/paper-engine/internal/exit"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/position"
	"github.com/atmx/paper-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeFeed serves one settable price per symbol, stamped with the clock.
type fakeFeed struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	err    error
	clock  *fakeClock
}

func (f *fakeFeed) MarkPrice(_ context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return decimal.Zero, time.Time{}, f.err
	}
	p, ok := f.prices[symbol]
	if !ok {
		return decimal.Zero, time.Time{}, fmt.Errorf("no price for %s", symbol)
	}
	return p, f.clock.Now(), nil
}

func (f *fakeFeed) set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = d(price)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

// recorder keeps every published event.
type recorder struct {
	mu     sync.Mutex
	events []model.TransitionEvent
}

func (r *recorder) Publish(ev model.TransitionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// failingLedger rejects every write.
type failingLedger struct{}

func (failingLedger) RecordFill(context.Context, model.Fill) error {
	return errors.New("disk full")
}
func (failingLedger) RecordPositionSnapshot(context.Context, model.Position) error {
	return errors.New("disk full")
}
func (failingLedger) RecordFunding(context.Context, model.FundingSettlement) error {
	return errors.New("disk full")
}

type env struct {
	eng    *Engine
	feed   *fakeFeed
	clock  *fakeClock
	ledger *store.MemoryStore
	events *recorder
}

// singleBatch fills the whole target at creation.
func singleBatch(cfg *Config) {
	cfg.Entry.Ratios = []decimal.Decimal{decimal.NewFromInt(1)}
}

func newEnv(t *testing.T, tweak ...func(*Config)) *env {
	t.Helper()
	cfg := DefaultConfig()
	for _, fn := range tweak {
		fn(&cfg)
	}
	clock := &fakeClock{now: t0}
	feed := &fakeFeed{prices: map[string]decimal.Decimal{"BTCUSDT": d(100), "ETHUSDT": d(100)}, clock: clock}
	ms := store.NewMemoryStore()
	rec := &recorder{}
	seq := 0
	eng, err := New(cfg, feed, ms,
		WithClock(clock.Now),
		WithPublisher(rec),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithIDs(func() string { seq++; return fmt.Sprintf("id-%03d", seq) }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &env{eng: eng, feed: feed, clock: clock, ledger: ms, events: rec}
}

func buy(symbol string) model.Signal {
	return model.Signal{Symbol: symbol, Timestamp: t0, Composite: 70, Action: model.ActionBuy}
}

func sell(symbol string) model.Signal {
	return model.Signal{Symbol: symbol, Timestamp: t0, Composite: 30, Action: model.ActionSell}
}

func (e *env) create(t *testing.T, sig model.Signal, leverage int, notional float64) string {
	t.Helper()
	id, err := e.eng.CreatePosition(context.Background(), CreateRequest{
		Signal:        sig,
		Leverage:      leverage,
		Notional:      d(notional),
		EntryDeadline: t0.Add(10 * time.Minute),
		PlannedClose:  t0.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("CreatePosition: %v", err)
	}
	return id
}

// tick advances the clock to at and evaluates a fresh price for symbol.
func (e *env) tick(t *testing.T, symbol string, price float64, at time.Time) []model.TransitionEvent {
	t.Helper()
	e.clock.Set(at)
	e.feed.set(symbol, price)
	evs, err := e.eng.EvaluateTick(context.Background(), Tick{Symbol: symbol, Price: d(price), PriceTime: at, Now: at})
	if err != nil {
		t.Fatalf("EvaluateTick(%s, %v): %v", symbol, price, err)
	}
	return evs
}

func (e *env) position(t *testing.T, id string) model.Position {
	t.Helper()
	p, err := e.ledger.GetSnapshot(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	return *p
}

func last(evs []model.TransitionEvent) model.TransitionEvent {
	if len(evs) == 0 {
		return model.TransitionEvent{}
	}
	return evs[len(evs)-1]
}

// --- CreatePosition ---

func TestCreatePosition_FirstBatchFillsAtCreation(t *testing.T) {
	e := newEnv(t)
	id := e.create(t, buy("btc-usdt"), 5, 1000)

	p, err := e.eng.Position(id)
	if err != nil {
		t.Fatalf("Position: %v", err)
	}
	if p.Symbol != "BTCUSDT" {
		t.Errorf("symbol = %s, want normalized BTCUSDT", p.Symbol)
	}
	if p.Status != model.StatusOpening || len(p.Fills) != 1 {
		t.Fatalf("status=%s fills=%d, want opening with one fill", p.Status, len(p.Fills))
	}
	// 30% of 1000 at 100.
	if !p.Quantity.Equal(d(3)) || !p.Notional.Equal(d(300)) || !p.Margin.Equal(d(60)) {
		t.Errorf("qty=%s notional=%s margin=%s", p.Quantity, p.Notional, p.Margin)
	}
	// The full target's margin is reserved up front.
	acct := e.eng.Account()
	if !acct.Reserved.Equal(d(200)) || !acct.Available.Equal(d(9800)) {
		t.Errorf("account = %+v", acct)
	}
	evs := e.events.events
	if len(evs) != 2 || evs[0].Reason != model.ReasonCreated || evs[1].Reason != model.ReasonEntryFill {
		t.Errorf("events = %+v", evs)
	}
	fills, _ := e.ledger.GetFills(context.Background(), id)
	if len(fills) != 1 {
		t.Errorf("ledger fills = %d, want 1", len(fills))
	}
}

func TestCreatePosition_Rejections(t *testing.T) {
	tests := []struct {
		name string
		req  func() CreateRequest
		want error
	}{
		{"hold", func() CreateRequest {
			sig := buy("BTCUSDT")
			sig.Action = model.ActionHold
			return CreateRequest{Signal: sig, Leverage: 5, Notional: d(100), EntryDeadline: t0.Add(time.Minute)}
		}, ErrNotActionable},
		{"past deadline", func() CreateRequest {
			return CreateRequest{Signal: buy("BTCUSDT"), Leverage: 5, Notional: d(100), EntryDeadline: t0}
		}, ErrInvalidDeadline},
		{"close before entry", func() CreateRequest {
			return CreateRequest{Signal: buy("BTCUSDT"), Leverage: 5, Notional: d(100),
				EntryDeadline: t0.Add(time.Hour), PlannedClose: t0.Add(time.Minute)}
		}, ErrInvalidDeadline},
		{"leverage", func() CreateRequest {
			return CreateRequest{Signal: buy("BTCUSDT"), Leverage: 0, Notional: d(100), EntryDeadline: t0.Add(time.Minute)}
		}, ErrInvalidLeverage},
		{"leverage above cap", func() CreateRequest {
			return CreateRequest{Signal: buy("BTCUSDT"), Leverage: 16, Notional: d(100), EntryDeadline: t0.Add(time.Minute)}
		}, ErrInvalidLeverage},
		{"margin", func() CreateRequest {
			return CreateRequest{Signal: buy("BTCUSDT"), Leverage: 1, Notional: d(20000), EntryDeadline: t0.Add(time.Minute)}
		}, entry.ErrInsufficientMargin},
		{"notional", func() CreateRequest {
			return CreateRequest{Signal: buy("BTCUSDT"), Leverage: 2, Notional: d(0), EntryDeadline: t0.Add(time.Minute)}
		}, entry.ErrInvalidBatchPlan},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			_, err := e.eng.CreatePosition(context.Background(), tt.req())
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if e.eng.Account().Reserved.IsPositive() {
				t.Error("rejected creation must not reserve margin")
			}
			if len(e.eng.OpenPositions()) != 0 {
				t.Error("rejected creation must not add a position")
			}
		})
	}
}

func TestCreatePosition_LeverageAtMaintenanceRejected(t *testing.T) {
	e := newEnv(t)
	// Bypass Validate so only the per-request margin check stands.
	e.eng.cfg.MaxLeverage = 25

	for _, lev := range []int{20, 25} {
		// 1/20 equals the 5% maintenance: the liquidation price would be the entry.
		_, err := e.eng.CreatePosition(context.Background(), CreateRequest{
			Signal: buy("BTCUSDT"), Leverage: lev, Notional: d(100), EntryDeadline: t0.Add(time.Minute),
		})
		if !errors.Is(err, ErrInvalidLeverage) {
			t.Errorf("leverage %d: expected ErrInvalidLeverage, got %v", lev, err)
		}
	}
	if e.eng.Account().Reserved.IsPositive() || len(e.eng.OpenPositions()) != 0 {
		t.Error("rejected creation must leave the account and book untouched")
	}

	// 19x still clears maintenance.
	id := e.create(t, buy("BTCUSDT"), 19, 100)
	if p, _ := e.eng.Position(id); !p.LiquidationPrice.LessThan(p.EntryPrice) {
		t.Errorf("liquidation %s should sit below entry %s", p.LiquidationPrice, p.EntryPrice)
	}
}

func TestCreatePosition_DuplicateKey(t *testing.T) {
	e := newEnv(t)
	e.create(t, buy("BTCUSDT"), 5, 100)

	_, err := e.eng.CreatePosition(context.Background(), CreateRequest{
		Signal: buy("BTCUSDT"), Leverage: 5, Notional: d(100), EntryDeadline: t0.Add(time.Minute),
	})
	if !errors.Is(err, position.ErrDuplicatePosition) {
		t.Errorf("expected ErrDuplicatePosition, got %v", err)
	}

	// The opposite side is a different key.
	e.create(t, sell("BTCUSDT"), 5, 100)
	if n := len(e.eng.OpenPositions()); n != 2 {
		t.Errorf("open positions = %d, want 2", n)
	}
}

func TestCreatePosition_StalePriceRejected(t *testing.T) {
	e := newEnv(t)
	e.clock.Set(t0)
	feed := &stalePriceFeed{at: t0.Add(-time.Minute)}
	e.eng.feed = feed

	_, err := e.eng.CreatePosition(context.Background(), CreateRequest{
		Signal: buy("BTCUSDT"), Leverage: 5, Notional: d(100), EntryDeadline: t0.Add(time.Minute),
	})
	if !errors.Is(err, position.ErrStaleMarkPrice) {
		t.Errorf("expected ErrStaleMarkPrice, got %v", err)
	}
}

type stalePriceFeed struct{ at time.Time }

func (f *stalePriceFeed) MarkPrice(context.Context, string) (decimal.Decimal, time.Time, error) {
	return d(100), f.at, nil
}

func TestCreatePosition_ExposureLimit(t *testing.T) {
	e := newEnv(t, func(c *Config) {
		c.MaxCorrelated = d(1500)
		c.CorrelationMap = map[string][]string{"majors": {"BTC", "ETH"}}
	})
	e.create(t, buy("BTCUSDT"), 5, 1000)

	_, err := e.eng.CreatePosition(context.Background(), CreateRequest{
		Signal: buy("ETHUSDT"), Leverage: 5, Notional: d(1000), EntryDeadline: t0.Add(time.Minute),
	})
	if !errors.Is(err, correlation.ErrCorrelatedLimitExceeded) {
		t.Errorf("expected ErrCorrelatedLimitExceeded, got %v", err)
	}
}

// --- Entry deployment ---

func TestEvaluateTick_EntryFullyDeployedByDeadline(t *testing.T) {
	e := newEnv(t)
	id := e.create(t, buy("BTCUSDT"), 5, 1000)
	entryDeadline := t0.Add(10 * time.Minute)

	// Price runs away above the tolerance: no batch fills on condition.
	if evs := e.tick(t, "BTCUSDT", 101, t0.Add(time.Minute)); len(evs) != 0 {
		t.Fatalf("unexpected events %+v", evs)
	}
	// Batch 2's soft timeout passes: force-filled at market.
	evs := e.tick(t, "BTCUSDT", 101, t0.Add(6*time.Minute+40*time.Second))
	if len(evs) != 1 || evs[0].Reason != model.ReasonEntryForced {
		t.Fatalf("expected one forced fill, got %+v", evs)
	}
	// The scheduler stalls past the entry deadline: the rest is forced.
	evs = e.tick(t, "BTCUSDT", 102, entryDeadline.Add(time.Minute))
	if len(evs) != 1 || evs[0].To != model.StatusOpen {
		t.Fatalf("expected the final batch to open the position, got %+v", evs)
	}

	p, _ := e.eng.Position(id)
	if p.Plan != nil || p.Status != model.StatusOpen || len(p.Fills) != 3 {
		t.Fatalf("status=%s plan=%v fills=%d", p.Status, p.Plan, len(p.Fills))
	}
	notional := decimal.Zero
	qty := decimal.Zero
	for _, f := range p.Fills {
		qty = qty.Add(f.Quantity)
		notional = notional.Add(f.Notional())
	}
	if !qty.Equal(p.Quantity) || !notional.Equal(p.Notional) {
		t.Errorf("derived qty/notional drifted: %s/%s vs %s/%s", p.Quantity, p.Notional, qty, notional)
	}
	if !p.Margin.Equal(p.Notional.Div(d(5))) {
		t.Errorf("margin %s != notional/leverage", p.Margin)
	}
}

// --- Risk ---

func TestEvaluateTick_LiquidationCapsLoss(t *testing.T) {
	e := newEnv(t, singleBatch, func(c *Config) { c.Position.StopLossPct = decimal.Zero })
	id := e.create(t, buy("BTCUSDT"), 10, 1000)

	p, _ := e.eng.Position(id)
	if !p.LiquidationPrice.Equal(d(95)) {
		t.Fatalf("liquidation price = %s, want 95", p.LiquidationPrice)
	}

	// Gap far through the liquidation price.
	evs := e.tick(t, "BTCUSDT", 80, t0.Add(time.Minute))
	ev := last(evs)
	if ev.To != model.StatusLiquidated || ev.Reason != model.ReasonLiquidation {
		t.Fatalf("expected liquidation, got %+v", evs)
	}
	if !ev.RealizedPnl.Equal(d(-100)) {
		t.Errorf("realized = %s, want -100 (margin cap)", ev.RealizedPnl)
	}
	acct := e.eng.Account()
	if !acct.Available.Equal(d(9900)) || !acct.Reserved.IsZero() {
		t.Errorf("account = %+v", acct)
	}
	if len(e.eng.OpenPositions()) != 0 {
		t.Error("liquidated position must leave the book")
	}
	if snap := e.position(t, id); snap.Status != model.StatusLiquidated {
		t.Errorf("ledger status = %s", snap.Status)
	}
}

func TestEvaluateTick_LiquidationPreemptsDefaultStop(t *testing.T) {
	e := newEnv(t, singleBatch)
	id := e.create(t, buy("BTCUSDT"), 12, 1000)

	// 12x at 5% maintenance liquidates near 96.67, above the 95 stop.
	p, _ := e.eng.Position(id)
	if !p.LiquidationPrice.GreaterThan(p.StopLossPrice) {
		t.Fatalf("liquidation %s should sit above stop %s", p.LiquidationPrice, p.StopLossPrice)
	}

	ev := last(e.tick(t, "BTCUSDT", 96, t0.Add(time.Minute)))
	if ev.To != model.StatusLiquidated || ev.Reason != model.ReasonLiquidation {
		t.Fatalf("expected liquidation, got %+v", ev)
	}
}

func TestEvaluateTick_StopLossBeforeExit(t *testing.T) {
	e := newEnv(t, singleBatch)
	id := e.create(t, buy("BTCUSDT"), 2, 1000)

	// Past the deadline and through the stop-loss on the same tick: the
	// risk check runs first.
	evs := e.tick(t, "BTCUSDT", 94, t0.Add(3*time.Hour))
	if ev := last(evs); ev.Reason != model.ReasonStopLoss {
		t.Errorf("expected stop-loss, got %+v", evs)
	}
	if snap := e.position(t, id); snap.CloseReason != model.ReasonStopLoss {
		t.Errorf("close reason = %s", snap.CloseReason)
	}
}

func TestEvaluateTick_StaleRejectedWithoutChange(t *testing.T) {
	e := newEnv(t, singleBatch)
	id := e.create(t, buy("BTCUSDT"), 10, 1000)

	now := t0.Add(time.Minute)
	_, err := e.eng.EvaluateTick(context.Background(), Tick{
		Symbol: "BTCUSDT", Price: d(50), PriceTime: now.Add(-time.Minute), Now: now,
	})
	if !errors.Is(err, position.ErrStaleMarkPrice) {
		t.Fatalf("expected ErrStaleMarkPrice, got %v", err)
	}
	p, _ := e.eng.Position(id)
	if p.Status != model.StatusOpen || !p.MarkPrice.Equal(d(100)) {
		t.Errorf("stale tick changed state: status=%s mark=%s", p.Status, p.MarkPrice)
	}
}

// --- Deadline ---

func TestEvaluateTick_DeadlineWithinOneTick(t *testing.T) {
	e := newEnv(t, singleBatch)
	id := e.create(t, buy("BTCUSDT"), 2, 1000)
	deadline := t0.Add(2 * time.Hour)

	// Flat market every 30s: nothing but the deadline can close it.
	interval := 30 * time.Second
	var closedAt time.Time
	for now := t0.Add(interval); now.Before(deadline.Add(2 * interval)); now = now.Add(interval) {
		if ev := last(e.tick(t, "BTCUSDT", 100, now)); ev.To == model.StatusClosed {
			closedAt = now
			if ev.Reason != model.ReasonDeadline {
				t.Fatalf("closed for %s, want deadline", ev.Reason)
			}
			break
		}
	}
	if closedAt.IsZero() || closedAt.After(deadline.Add(interval)) {
		t.Fatalf("closed at %s, deadline %s", closedAt, deadline)
	}
	if !closedAt.Equal(deadline) {
		t.Errorf("expected the close exactly at the deadline, got %s", closedAt)
	}
	snap := e.position(t, id)
	if snap.ExitBaseline == nil || snap.ExitPhase != model.PhaseExited {
		t.Errorf("baseline=%v phase=%s", snap.ExitBaseline, snap.ExitPhase)
	}
}

func TestEvaluateTick_DeadlineCatchUp(t *testing.T) {
	e := newEnv(t, singleBatch)
	e.create(t, buy("BTCUSDT"), 2, 1000)

	// Every tick between creation and well past the deadline was missed.
	evs := e.tick(t, "BTCUSDT", 100, t0.Add(2*time.Hour+5*time.Minute))
	ev := last(evs)
	if ev.To != model.StatusClosed || ev.Reason != model.ReasonDeadline {
		t.Errorf("expected deadline catch-up, got %+v", evs)
	}
}

// --- ForceClose / ExtendDeadline ---

func TestForceClose_ReleasesMargin(t *testing.T) {
	e := newEnv(t)
	id := e.create(t, buy("BTCUSDT"), 5, 1000)

	e.clock.Set(t0.Add(time.Minute))
	e.feed.set("BTCUSDT", 110)
	ev, err := e.eng.ForceClose(context.Background(), id, "operator")
	if err != nil {
		t.Fatalf("ForceClose: %v", err)
	}
	// 3 units filled at 100, closed at 110: +30, rest of the plan dropped.
	if ev.Reason != model.ReasonForceClose || ev.From != model.StatusOpening || !ev.RealizedPnl.Equal(d(30)) {
		t.Errorf("event = %+v", ev)
	}
	if ev.Note != "operator" {
		t.Errorf("note = %q", ev.Note)
	}
	acct := e.eng.Account()
	if !acct.Available.Equal(d(10030)) || !acct.Reserved.IsZero() {
		t.Errorf("account = %+v", acct)
	}

	if _, err := e.eng.ForceClose(context.Background(), id, "again"); !errors.Is(err, ErrPositionClosed) {
		t.Errorf("expected ErrPositionClosed, got %v", err)
	}
	if _, err := e.eng.ForceClose(context.Background(), "missing", ""); !errors.Is(err, position.ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
}

func TestExtendDeadline_AuditedOverride(t *testing.T) {
	e := newEnv(t, singleBatch)
	id := e.create(t, buy("BTCUSDT"), 2, 1000)
	planned := t0.Add(2 * time.Hour)

	if _, err := e.eng.ExtendDeadline(context.Background(), id, planned.Add(-time.Minute), "earlier"); !errors.Is(err, ErrInvalidDeadline) {
		t.Errorf("expected ErrInvalidDeadline, got %v", err)
	}
	if _, err := e.eng.ExtendDeadline(context.Background(), id, planned.Add(time.Hour), "news event"); err != nil {
		t.Fatalf("ExtendDeadline: %v", err)
	}
	p, _ := e.eng.Position(id)
	if !p.PlannedCloseTime.Equal(planned) {
		t.Errorf("planned close overwritten: %s", p.PlannedCloseTime)
	}
	if p.DeadlineOverride == nil || !p.DeadlineOverride.Previous.Equal(planned) || p.DeadlineOverride.Reason != "news event" {
		t.Errorf("override = %+v", p.DeadlineOverride)
	}

	if ev := last(e.tick(t, "BTCUSDT", 100, planned)); ev.To == model.StatusClosed {
		t.Errorf("closed at the original deadline despite extension: %+v", ev)
	}
	if ev := last(e.tick(t, "BTCUSDT", 100, planned.Add(time.Hour))); ev.Reason != model.ReasonDeadline {
		t.Errorf("expected deadline close at the override, got %+v", ev)
	}
}

func TestForceClose_PastLiquidationSettlesAsLiquidation(t *testing.T) {
	e := newEnv(t, singleBatch, func(c *Config) { c.Position.StopLossPct = decimal.Zero })
	id := e.create(t, buy("BTCUSDT"), 10, 1000)

	// Liquidation price 95; the manual close arrives with the mark at 80.
	e.clock.Set(t0.Add(time.Minute))
	e.feed.set("BTCUSDT", 80)
	ev, err := e.eng.ForceClose(context.Background(), id, "operator")
	if err != nil {
		t.Fatalf("ForceClose: %v", err)
	}
	if ev.To != model.StatusLiquidated || ev.Reason != model.ReasonLiquidation {
		t.Fatalf("event = %s/%s, want liquidated/liquidation", ev.To, ev.Reason)
	}
	if !ev.RealizedPnl.Equal(d(-100)) {
		t.Errorf("realized = %s, want -100", ev.RealizedPnl)
	}
	if ev.Note != "operator" {
		t.Errorf("note = %q", ev.Note)
	}
	if acct := e.eng.Account(); !acct.Available.Equal(d(9900)) {
		t.Errorf("available = %s, want 9900", acct.Available)
	}
	if snap := e.position(t, id); snap.Status != model.StatusLiquidated || snap.CloseReason != model.ReasonLiquidation {
		t.Errorf("ledger status=%s reason=%s", snap.Status, snap.CloseReason)
	}
}

func TestExtendDeadline_RejectedOncePassed(t *testing.T) {
	e := newEnv(t, singleBatch)
	id := e.create(t, buy("BTCUSDT"), 2, 1000)
	planned := t0.Add(2 * time.Hour)

	// Ticks were missed and the planned close is half an hour behind.
	late := planned.Add(30 * time.Minute)
	e.clock.Set(late)
	if _, err := e.eng.ExtendDeadline(context.Background(), id, late.Add(5*time.Hour), "too late"); !errors.Is(err, ErrInvalidDeadline) {
		t.Fatalf("expected ErrInvalidDeadline, got %v", err)
	}
	p, _ := e.eng.Position(id)
	if p.DeadlineOverride != nil {
		t.Fatalf("override recorded: %+v", p.DeadlineOverride)
	}

	ev := last(e.tick(t, "BTCUSDT", 100, late))
	if ev.To != model.StatusClosed || ev.Reason != model.ReasonDeadline {
		t.Errorf("expected deadline catch-up close, got %+v", ev)
	}
}

// --- Config ---

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name  string
		tweak func(*Config)
		want  error
	}{
		{"max leverage at maintenance", func(c *Config) { c.MaxLeverage = 20 }, ErrInvalidLeverage},
		{"max leverage above maintenance", func(c *Config) {
			c.Position.Maintenance = decimal.RequireFromString("0.1")
			c.MaxLeverage = 12
		}, ErrInvalidLeverage},
		{"final window outside search", func(c *Config) { c.Exit.FinalWindow = time.Hour }, exit.ErrInvalidConfig},
		{"zero baseline", func(c *Config) { c.Exit.BaselineDuration = 0 }, exit.ErrInvalidConfig},
		{"negative search window", func(c *Config) { c.Exit.SearchWindow = -time.Minute }, exit.ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.tweak(&cfg)
			if _, err := New(cfg, &fakeFeed{}, store.NewMemoryStore()); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("default config: %v", err)
	}
}

// --- Funding ---

func TestSettleFunding_LongPaysOnPositiveRate(t *testing.T) {
	e := newEnv(t, singleBatch)
	long := e.create(t, buy("BTCUSDT"), 5, 1000)
	short := e.create(t, sell("BTCUSDT"), 5, 1000)

	out, err := e.eng.SettleFunding(context.Background(), "BTCUSDT", d(0.001))
	if err != nil {
		t.Fatalf("SettleFunding: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("settlements = %d, want 2", len(out))
	}
	lp, _ := e.eng.Position(long)
	sp, _ := e.eng.Position(short)
	if !lp.AccumulatedFundingFee.Equal(d(1)) || !sp.AccumulatedFundingFee.Equal(d(-1)) {
		t.Errorf("funding long=%s short=%s", lp.AccumulatedFundingFee, sp.AccumulatedFundingFee)
	}
	if !lp.Margin.Equal(d(200)) || !lp.Quantity.Equal(d(10)) {
		t.Errorf("funding must not touch margin or quantity: %s %s", lp.Margin, lp.Quantity)
	}
	recorded, _ := e.ledger.GetFunding(context.Background(), long)
	if len(recorded) != 1 {
		t.Errorf("ledger funding = %d", len(recorded))
	}

	// Funding enters realized PnL on close.
	e.clock.Set(t0.Add(time.Minute))
	ev, err := e.eng.ForceClose(context.Background(), long, "")
	if err != nil {
		t.Fatalf("ForceClose: %v", err)
	}
	if !ev.RealizedPnl.Equal(d(-1)) {
		t.Errorf("realized = %s, want -1", ev.RealizedPnl)
	}
}

// --- Parallel ticks ---

func TestEvaluateTicks_ParallelSymbols(t *testing.T) {
	e := newEnv(t, singleBatch)
	btc := e.create(t, buy("BTCUSDT"), 10, 1000)
	eth := e.create(t, sell("ETHUSDT"), 2, 1000)

	now := t0.Add(time.Minute)
	e.clock.Set(now)
	results, err := e.eng.EvaluateTicks(context.Background(), []Tick{
		{Symbol: "BTCUSDT", Price: d(90), PriceTime: now, Now: now},
		{Symbol: "ETHUSDT", Price: d(99), PriceTime: now, Now: now},
		{Symbol: "SOLUSDT", Price: d(20), PriceTime: now.Add(-time.Hour), Now: now},
	})
	if err != nil {
		t.Fatalf("EvaluateTicks: %v", err)
	}
	if ev := last(results[0].Events); ev.PositionID != btc || ev.To != model.StatusLiquidated {
		t.Errorf("btc result = %+v", results[0])
	}
	if results[1].Err != nil || len(results[1].Events) != 0 {
		t.Errorf("eth result = %+v", results[1])
	}
	if !errors.Is(results[2].Err, position.ErrStaleMarkPrice) {
		t.Errorf("stale tick error = %v", results[2].Err)
	}
	p, _ := e.eng.Position(eth)
	if !p.UnrealizedPnl.Equal(d(10)) {
		t.Errorf("eth upnl = %s, want 10", p.UnrealizedPnl)
	}
}

// --- Ledger failures ---

func TestLedgerFailureSurfacedTransitionKept(t *testing.T) {
	e := newEnv(t, singleBatch)
	e.eng.ledger = failingLedger{}

	id, err := e.eng.CreatePosition(context.Background(), CreateRequest{
		Signal: buy("BTCUSDT"), Leverage: 10, Notional: d(1000), EntryDeadline: t0.Add(time.Minute),
	})
	if err == nil {
		t.Fatal("expected the ledger error to be returned")
	}
	if id == "" {
		t.Fatal("position must exist despite the ledger error")
	}

	now := t0.Add(time.Minute)
	evs, err := e.eng.EvaluateTick(context.Background(), Tick{Symbol: "BTCUSDT", Price: d(80), PriceTime: now, Now: now})
	if err == nil {
		t.Error("expected ledger error from tick")
	}
	if last(evs).To != model.StatusLiquidated {
		t.Errorf("liquidation must still commit, got %+v", evs)
	}
}

func TestShutdown_RejectsFurtherWork(t *testing.T) {
	e := newEnv(t)
	e.create(t, buy("BTCUSDT"), 5, 100)

	if err := e.eng.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	now := t0.Add(time.Second)
	if _, err := e.eng.EvaluateTick(context.Background(), Tick{Symbol: "BTCUSDT", Price: d(100), PriceTime: now, Now: now}); !errors.Is(err, ErrEngineClosed) {
		t.Errorf("expected ErrEngineClosed, got %v", err)
	}
}
