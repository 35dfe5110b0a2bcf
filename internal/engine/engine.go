// Package engine is the position lifecycle context: it owns the live
// positions, the paper account and the adapters, and exposes the operations
// the scheduler and the HTTP layer drive.
//
// Ticks for distinct symbols may run in parallel. Every read and mutation of
// a single position happens under that position's lock, so one tick applies
// its checks to a consistent state in the fixed order
//
//	mark → entry batches → liquidation → stop-loss/take-profit → exit deadline → exit quality
//
// and commits at most one terminal transition.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/correlation"
	"github.com/atmx/paper-engine/internal/entry"
	"github.com/atmx/paper-engine/internal/exit"
	"github.com/atmx/paper-engine/internal/metrics"
	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/position"
	"github.com/atmx/paper-engine/internal/risk"
	"github.com/atmx/paper-engine/internal/store"
	"github.com/atmx/paper-engine/internal/symbol"
)

var (
	// ErrNotActionable is returned when a signal classifies as hold.
	ErrNotActionable = errors.New("engine: signal is not actionable")

	// ErrInvalidDeadline is returned for an entry deadline or close time that
	// is not in the future, or an extension that does not move forward.
	ErrInvalidDeadline = errors.New("engine: invalid deadline")

	// ErrInvalidLeverage is returned for leverage outside [1, MaxLeverage]
	// or leverage whose initial margin does not clear maintenance.
	ErrInvalidLeverage = errors.New("engine: invalid leverage")

	// ErrPositionClosed is returned when acting on a terminal position.
	ErrPositionClosed = errors.New("engine: position already closed")

	// ErrEngineClosed is returned after Shutdown.
	ErrEngineClosed = errors.New("engine: shut down")
)

// PriceFeed supplies the latest mark price of a symbol with its timestamp.
type PriceFeed interface {
	MarkPrice(ctx context.Context, symbol string) (decimal.Decimal, time.Time, error)
}

// SignalSource supplies the latest scored signal of a symbol.
type SignalSource interface {
	Signal(ctx context.Context, symbol string) (model.Signal, error)
}

// FundingSource supplies the funding rate of the current period. A positive
// rate means longs pay shorts.
type FundingSource interface {
	FundingRate(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Publisher receives every committed transition. Publish must not block.
type Publisher interface {
	Publish(ev model.TransitionEvent)
}

// Config holds the engine parameters.
type Config struct {
	Position position.Config
	Entry    entry.Config
	Exit     exit.Config

	// HoldDuration places the planned close time after the entry deadline
	// when a request does not name one.
	HoldDuration time.Duration
	MaxLeverage  int

	// InitialBalance is the paper account's starting equity.
	InitialBalance decimal.Decimal

	// Exposure limits on target notional. Zero disables a limit.
	MaxPerSymbol   decimal.Decimal
	MaxCorrelated  decimal.Decimal
	CorrelationMap map[string][]string

	// Parallelism bounds concurrent symbol evaluations in EvaluateTicks.
	Parallelism int
}

// DefaultConfig returns a 10k USDT account, 2h hold and 15x max leverage.
func DefaultConfig() Config {
	return Config{
		Position:       position.DefaultConfig(),
		Entry:          entry.DefaultConfig(),
		Exit:           exit.DefaultConfig(),
		HoldDuration:   2 * time.Hour,
		MaxLeverage:    15,
		InitialBalance: decimal.NewFromInt(10000),
		Parallelism:    8,
	}
}

// Validate checks the configuration before the engine is built.
func (c Config) Validate() error {
	if err := c.Entry.Validate(); err != nil {
		return err
	}
	if err := c.Exit.Validate(); err != nil {
		return err
	}
	if !c.Position.Maintenance.IsPositive() || c.Position.Maintenance.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("engine: maintenance margin must be in (0,1), got %s", c.Position.Maintenance)
	}
	if c.MaxLeverage < 1 || !openable(c.MaxLeverage, c.Position.Maintenance) {
		return fmt.Errorf("%w: max leverage %d with maintenance %s", ErrInvalidLeverage, c.MaxLeverage, c.Position.Maintenance)
	}
	if c.HoldDuration <= 0 {
		return fmt.Errorf("engine: hold duration must be positive, got %s", c.HoldDuration)
	}
	if c.InitialBalance.IsNegative() {
		return fmt.Errorf("engine: negative initial balance %s", c.InitialBalance)
	}
	return nil
}

// openable reports whether the initial margin ratio 1/leverage lies above
// maintenance. At or below it the liquidation price equals the entry price.
func openable(leverage int, maintenance decimal.Decimal) bool {
	return maintenance.Mul(decimal.NewFromInt(int64(leverage))).LessThan(decimal.NewFromInt(1))
}

// slot is a live position with its lock and exit-optimizer memory.
type slot struct {
	mu     sync.Mutex
	pos    *model.Position
	window exit.Window
	target decimal.Decimal // committed notional for exposure limits
}

// Engine is the explicit lifecycle context. Build it with New and tear it
// down with Shutdown; nothing is process-global.
type Engine struct {
	cfg     Config
	feed    PriceFeed
	ledger  store.Ledger
	limiter *correlation.ExposureLimiter
	risk    *risk.Monitor
	exit    *exit.Optimizer
	book    *position.Book[*slot]
	account *account

	publisher Publisher
	now       func() time.Time
	newID     func() string
	logger    *slog.Logger

	createMu sync.Mutex // serializes duplicate, limit and margin checks

	mu      sync.RWMutex
	retired map[string]model.Status
	closed  bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithPublisher forwards every committed transition to p.
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithLogger replaces the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithIDs replaces the UUID generator for positions, fills and settlements.
func WithIDs(next func() string) Option {
	return func(e *Engine) { e.newID = next }
}

// New builds an engine around a price feed and a ledger.
func New(cfg Config, feed PriceFeed, ledger store.Ledger, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 1
	}
	e := &Engine{
		cfg:     cfg,
		feed:    feed,
		ledger:  ledger,
		limiter: correlation.NewExposureLimiter(cfg.MaxPerSymbol, cfg.MaxCorrelated, cfg.CorrelationMap),
		risk:    risk.NewMonitor(cfg.Position.Maintenance),
		exit:    exit.NewOptimizer(cfg.Exit),
		book:    position.NewBook[*slot](),
		account: newAccount(cfg.InitialBalance),
		now:     func() time.Time { return time.Now().UTC() },
		newID:   uuid.NewString,
		logger:  slog.Default(),
		retired: make(map[string]model.Status),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Shutdown stops the engine from accepting work and writes a final snapshot
// of every live position. Positions are left as they are; a restarted
// engine does not resume them.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	var errs []error
	for _, s := range e.book.List() {
		s.mu.Lock()
		snap := s.pos.Clone()
		s.mu.Unlock()
		if err := e.ledger.RecordPositionSnapshot(ctx, snap); err != nil {
			metrics.LedgerErrors.WithLabelValues("snapshot").Inc()
			errs = append(errs, fmt.Errorf("final snapshot %s: %w", snap.ID, err))
		}
	}
	e.logger.Info("engine shut down", "live_positions", e.book.Len())
	return errors.Join(errs...)
}

func (e *Engine) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}

// CreateRequest describes a position to open from a signal.
type CreateRequest struct {
	Signal        model.Signal
	Leverage      int
	Notional      decimal.Decimal
	EntryDeadline time.Time
	// PlannedClose defaults to EntryDeadline + HoldDuration.
	PlannedClose time.Time
}

// CreatePosition validates the request, reserves the margin for the full
// target notional, lays out the batch plan and attempts the first batch at
// the current mark price. It returns the new position ID.
func (e *Engine) CreatePosition(ctx context.Context, req CreateRequest) (string, error) {
	id, err := e.createPosition(ctx, req)
	if err != nil {
		metrics.Rejections.WithLabelValues(rejectCause(err)).Inc()
		e.logger.Warn("position rejected",
			"symbol", req.Signal.Symbol,
			"action", req.Signal.Action,
			"err", err,
		)
	}
	return id, err
}

func (e *Engine) createPosition(ctx context.Context, req CreateRequest) (string, error) {
	if e.isClosed() {
		return "", ErrEngineClosed
	}
	side, ok := req.Signal.Action.Side()
	if !ok {
		return "", fmt.Errorf("%w: %s on %s", ErrNotActionable, req.Signal.Action, req.Signal.Symbol)
	}
	sym, err := symbol.Parse(req.Signal.Symbol)
	if err != nil {
		return "", err
	}
	if req.Leverage < 1 || req.Leverage > e.cfg.MaxLeverage {
		return "", fmt.Errorf("%w: %d (max %d)", ErrInvalidLeverage, req.Leverage, e.cfg.MaxLeverage)
	}
	if !openable(req.Leverage, e.cfg.Position.Maintenance) {
		return "", fmt.Errorf("%w: %d leaves no margin above maintenance %s",
			ErrInvalidLeverage, req.Leverage, e.cfg.Position.Maintenance)
	}

	now := e.now()
	if !req.EntryDeadline.After(now) {
		return "", fmt.Errorf("%w: entry deadline %s is not after %s",
			ErrInvalidDeadline, req.EntryDeadline.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	plannedClose := req.PlannedClose
	if plannedClose.IsZero() {
		plannedClose = req.EntryDeadline.Add(e.cfg.HoldDuration)
	}
	if !plannedClose.After(req.EntryDeadline) {
		return "", fmt.Errorf("%w: planned close %s is not after entry deadline %s",
			ErrInvalidDeadline, plannedClose.Format(time.RFC3339), req.EntryDeadline.Format(time.RFC3339))
	}

	price, priceTime, err := e.feed.MarkPrice(ctx, sym.Ticker)
	if err != nil {
		metrics.AdapterErrors.WithLabelValues("price_feed").Inc()
		return "", fmt.Errorf("mark price for %s: %w", sym.Ticker, err)
	}
	if err := position.CheckFresh(priceTime, now, e.cfg.Position.StaleTolerance); err != nil {
		return "", err
	}

	sig := req.Signal
	sig.Symbol = sym.Ticker
	key := model.Key{Symbol: sym.Ticker, Side: side}

	e.createMu.Lock()
	if e.book.Has(key) {
		e.createMu.Unlock()
		return "", fmt.Errorf("%w: %s %s", position.ErrDuplicatePosition, key.Symbol, key.Side)
	}
	if err := e.limiter.CheckLimit(sym.Ticker, req.Notional, e.exposure()); err != nil {
		e.createMu.Unlock()
		return "", err
	}
	plan, err := entry.NewPlan(side, price, req.Notional, now, req.EntryDeadline, e.cfg.Entry)
	if err != nil {
		e.createMu.Unlock()
		return "", err
	}
	reserved, err := e.account.reserve(req.Notional, req.Leverage)
	if err != nil {
		e.createMu.Unlock()
		return "", err
	}

	id := e.newID()
	s := &slot{
		pos:    position.New(id, sig, side, req.Leverage, plan, reserved, plannedClose, now),
		target: req.Notional,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := e.book.Open(id, key, s); err != nil {
		e.account.release(reserved, reserved)
		e.createMu.Unlock()
		return "", err
	}
	e.createMu.Unlock()
	metrics.PositionsCreated.WithLabelValues(string(side)).Inc()
	metrics.OpenPositions.Inc()

	e.logger.Info("position created",
		"position_id", id,
		"symbol", sym.Ticker,
		"side", side,
		"leverage", req.Leverage,
		"notional", req.Notional.String(),
		"reserved_margin", reserved.String(),
		"reference_price", price.String(),
		"entry_deadline", req.EntryDeadline,
		"planned_close", plannedClose,
	)

	var c commit
	c.event(s.pos, "", s.pos.Status, model.ReasonCreated, price, now)
	e.stepEntry(s, &c, price, now)
	c.snapshot = true
	return id, e.flush(ctx, s, &c)
}

// exposure returns the committed notional per symbol across live positions.
func (e *Engine) exposure() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, s := range e.book.List() {
		sym := s.pos.Symbol // immutable after creation
		out[sym] = out[sym].Add(s.target)
	}
	return out
}

// ForceClose closes a live position at the current mark price. An opening
// position closes its filled part and drops the rest of its plan. A mark at
// or past the liquidation price settles as a liquidation instead. note is
// kept on the event and in the logs.
func (e *Engine) ForceClose(ctx context.Context, id, note string) (model.TransitionEvent, error) {
	if e.isClosed() {
		return model.TransitionEvent{}, ErrEngineClosed
	}
	s, err := e.lookup(id)
	if err != nil {
		return model.TransitionEvent{}, err
	}

	price, priceTime, err := e.feed.MarkPrice(ctx, s.pos.Symbol)
	if err != nil {
		metrics.AdapterErrors.WithLabelValues("price_feed").Inc()
		return model.TransitionEvent{}, fmt.Errorf("mark price for %s: %w", s.pos.Symbol, err)
	}
	now := e.now()
	if err := position.CheckFresh(priceTime, now, e.cfg.Position.StaleTolerance); err != nil {
		return model.TransitionEvent{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pos
	if p.Status.Terminal() {
		return model.TransitionEvent{}, fmt.Errorf("%w: %s is %s", ErrPositionClosed, id, p.Status)
	}

	if err := position.Mark(p, price, priceTime, now, e.cfg.Position); err != nil {
		return model.TransitionEvent{}, err
	}
	status, reason := model.StatusClosed, model.ReasonForceClose
	if trig := e.risk.Evaluate(p); trig.Status == model.StatusLiquidated {
		// Past the liquidation price the manual close settles as a liquidation.
		status, reason = trig.Status, trig.Reason
	}
	var c commit
	if err := e.closeLocked(s, &c, p.MarkPrice, now, status, reason); err != nil {
		return model.TransitionEvent{}, err
	}
	c.events[len(c.events)-1].Note = note
	e.logger.Info("position force-closed",
		"position_id", id,
		"symbol", p.Symbol,
		"status", p.Status,
		"price", price.String(),
		"realized_pnl", p.RealizedPnl.String(),
		"note", note,
	)
	ev := c.events[len(c.events)-1]
	return ev, e.flush(ctx, s, &c)
}

// ExtendDeadline moves the effective close deadline forward. The planned
// close time is kept; the extension is stored as an audited override. A
// deadline that has already passed cannot be extended: the next tick closes
// the position.
func (e *Engine) ExtendDeadline(ctx context.Context, id string, to time.Time, note string) (model.TransitionEvent, error) {
	if e.isClosed() {
		return model.TransitionEvent{}, ErrEngineClosed
	}
	s, err := e.lookup(id)
	if err != nil {
		return model.TransitionEvent{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.pos
	if p.Status.Terminal() || p.ExitPhase == model.PhaseExited {
		return model.TransitionEvent{}, fmt.Errorf("%w: %s is %s", ErrPositionClosed, id, p.Status)
	}
	now := e.now()
	current := p.Deadline()
	if !now.Before(current) {
		return model.TransitionEvent{}, fmt.Errorf("%w: deadline %s has already passed",
			ErrInvalidDeadline, current.Format(time.RFC3339))
	}
	if !to.After(current) {
		return model.TransitionEvent{}, fmt.Errorf("%w: extension to %s must be after %s",
			ErrInvalidDeadline, to.Format(time.RFC3339), current.Format(time.RFC3339))
	}
	p.DeadlineOverride = &model.DeadlineOverride{
		Previous:   current,
		ExtendedTo: to,
		Reason:     note,
		At:         now,
	}
	p.UpdatedAt = now

	var c commit
	c.event(p, p.Status, p.Status, model.ReasonExtended, p.MarkPrice, now)
	c.events[0].Note = note
	c.snapshot = true
	e.logger.Info("deadline extended",
		"position_id", id,
		"symbol", p.Symbol,
		"previous", current,
		"extended_to", to,
		"note", note,
	)
	return c.events[0], e.flush(ctx, s, &c)
}

// SettleFunding applies one funding period at rate to every filled live
// position on symbol. A breach of maintenance caused by funding is acted on
// by the next tick.
func (e *Engine) SettleFunding(ctx context.Context, sym string, rate decimal.Decimal) ([]model.FundingSettlement, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	var out []model.FundingSettlement
	var errs []error
	for _, s := range e.book.Symbol(sym) {
		s.mu.Lock()
		p := s.pos
		if p.Status.Terminal() || p.Quantity.IsZero() {
			s.mu.Unlock()
			continue
		}
		now := e.now()
		fs := position.ApplyFunding(p, e.newID(), rate, now, e.cfg.Position)
		metrics.FundingSettlements.WithLabelValues(string(p.Side)).Inc()
		e.logger.Info("funding settled",
			"position_id", p.ID,
			"symbol", p.Symbol,
			"rate", rate.String(),
			"fee", fs.Fee.String(),
			"accumulated", p.AccumulatedFundingFee.String(),
		)
		c := commit{funding: []model.FundingSettlement{fs}, snapshot: true}
		c.event(p, p.Status, p.Status, model.ReasonFunding, p.MarkPrice, now)
		if err := e.flush(ctx, s, &c); err != nil {
			errs = append(errs, err)
		}
		s.mu.Unlock()
		out = append(out, fs)
	}
	return out, errors.Join(errs...)
}

// OpenPositions returns a read-only snapshot of every live position,
// ordered by ID.
func (e *Engine) OpenPositions() []model.Position {
	slots := e.book.List()
	out := make([]model.Position, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		if !s.pos.Status.Terminal() {
			out = append(out, s.pos.Clone())
		}
		s.mu.Unlock()
	}
	return out
}

// Position returns a snapshot of one live position.
func (e *Engine) Position(id string) (model.Position, error) {
	s, err := e.lookup(id)
	if err != nil {
		return model.Position{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos.Clone(), nil
}

// Symbols returns every symbol with a live position.
func (e *Engine) Symbols() []string {
	return e.book.Symbols()
}

// Account returns the paper account balances.
func (e *Engine) Account() AccountSnapshot {
	return e.account.snapshot()
}

// lookup resolves a live slot, distinguishing retired IDs from unknown ones.
func (e *Engine) lookup(id string) (*slot, error) {
	s, err := e.book.Get(id)
	if err == nil {
		return s, nil
	}
	e.mu.RLock()
	status, ok := e.retired[id]
	e.mu.RUnlock()
	if ok {
		return nil, fmt.Errorf("%w: %s is %s", ErrPositionClosed, id, status)
	}
	return nil, err
}

// retire releases the account reservation of a terminal position and frees
// its (symbol, side) key. Caller holds s.mu.
func (e *Engine) retire(s *slot) {
	p := s.pos
	e.account.release(p.ReservedMargin, position.Released(p))
	e.mu.Lock()
	e.retired[p.ID] = p.Status
	e.mu.Unlock()
	e.book.Remove(p.ID)
	metrics.OpenPositions.Dec()
}

func rejectCause(err error) string {
	switch {
	case errors.Is(err, ErrNotActionable):
		return "not_actionable"
	case errors.Is(err, ErrInvalidDeadline):
		return "invalid_deadline"
	case errors.Is(err, ErrInvalidLeverage):
		return "invalid_leverage"
	case errors.Is(err, position.ErrDuplicatePosition):
		return "duplicate"
	case errors.Is(err, position.ErrStaleMarkPrice):
		return "stale_price"
	case errors.Is(err, entry.ErrInsufficientMargin):
		return "insufficient_margin"
	case errors.Is(err, entry.ErrInvalidBatchPlan):
		return "invalid_plan"
	case errors.Is(err, correlation.ErrPerSymbolLimitExceeded), errors.Is(err, correlation.ErrCorrelatedLimitExceeded):
		return "exposure_limit"
	case errors.Is(err, symbol.ErrInvalidSymbol), errors.Is(err, symbol.ErrInvalidQuote):
		return "invalid_symbol"
	}
	return "other"
}
