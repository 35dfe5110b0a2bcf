// Package feed provides the paper adapters that let the engine run end to
// end without exchange connectivity: a seeded random-walk price feed, a
// fixed funding rate and a synthetic signal source scored from the walk.
package feed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/model"
	"github.com/atmx/paper-engine/internal/signal"
)

// ErrUnknownSymbol is returned for a symbol the feed was not seeded with.
var ErrUnknownSymbol = errors.New("feed: unknown symbol")

// PriceScale is the number of decimal places on generated prices.
var PriceScale int32 = 4

// Step is the reference interval the volatility is quoted for.
const Step = 5 * time.Second

type walk struct {
	price   decimal.Decimal
	at      time.Time
	history []decimal.Decimal // recent prices, newest last
}

// RandomWalk is a deterministic geometric random walk per symbol. Each
// MarkPrice call advances the symbol by the time elapsed since its last
// observation, scaled from the per-Step volatility.
type RandomWalk struct {
	mu         sync.Mutex
	rng        *rand.Rand
	volatility float64
	now        func() time.Time
	walks      map[string]*walk
}

// NewRandomWalk seeds a walk for every symbol in start.
func NewRandomWalk(seed int64, volatility decimal.Decimal, start map[string]decimal.Decimal, now func() time.Time) *RandomWalk {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	t := now()
	walks := make(map[string]*walk, len(start))
	for sym, p := range start {
		walks[sym] = &walk{price: p, at: t, history: []decimal.Decimal{p}}
	}
	return &RandomWalk{
		rng:        rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15)),
		volatility: volatility.InexactFloat64(),
		now:        now,
		walks:      walks,
	}
}

// MarkPrice advances and returns the symbol's price.
func (r *RandomWalk) MarkPrice(_ context.Context, symbol string) (decimal.Decimal, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.walks[symbol]
	if !ok {
		return decimal.Zero, time.Time{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	now := r.now()
	if elapsed := now.Sub(w.at); elapsed > 0 {
		sigma := r.volatility * math.Sqrt(float64(elapsed)/float64(Step))
		factor := math.Exp(sigma*r.rng.NormFloat64() - sigma*sigma/2)
		w.price = w.price.Mul(decimal.NewFromFloat(factor)).Round(PriceScale)
		w.at = now
		w.history = append(w.history, w.price)
		if len(w.history) > historyLen {
			w.history = w.history[len(w.history)-historyLen:]
		}
	}
	return w.price, w.at, nil
}

const historyLen = 60

// momentum returns the fractional move over the retained history.
func (r *RandomWalk) momentum(symbol string) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.walks[symbol]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	first := w.history[0]
	if first.IsZero() {
		return 0, nil
	}
	return w.price.Sub(first).Div(first).InexactFloat64(), nil
}

func (r *RandomWalk) noise() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// FixedFunding returns the same rate for every symbol and period.
type FixedFunding struct {
	Rate decimal.Decimal
}

func (f FixedFunding) FundingRate(context.Context, string) (decimal.Decimal, error) {
	return f.Rate, nil
}

// Synthetic scores signals from the random walk: technical and momentum
// follow the recent price move, the remaining dimensions are noise around
// neutral.
type Synthetic struct {
	walk    *RandomWalk
	weights signal.Weights
	now     func() time.Time
	// Sensitivity maps a fractional move to score points (0.01 move × 2500 = +25).
	Sensitivity float64
}

// NewSynthetic creates a signal source over walk.
func NewSynthetic(walk *RandomWalk, weights signal.Weights) *Synthetic {
	return &Synthetic{walk: walk, weights: weights, now: walk.now, Sensitivity: 2500}
}

func (s *Synthetic) Signal(_ context.Context, symbol string) (model.Signal, error) {
	move, err := s.walk.momentum(symbol)
	if err != nil {
		return model.Signal{}, err
	}
	trend := clamp(50 + move*s.Sensitivity)

	var scores model.Vector
	scores[model.DimTechnical] = trend
	scores[model.DimMomentum] = clamp(50 + move*s.Sensitivity*1.5)
	scores[model.DimVolume] = clamp(35 + 30*s.walk.noise())
	scores[model.DimSentiment] = clamp(35 + 30*s.walk.noise())
	scores[model.DimOnChain] = clamp(35 + 30*s.walk.noise())
	return signal.Score(symbol, s.now(), scores, s.weights)
}

func clamp(x float64) float64 {
	return math.Max(0, math.Min(100, x))
}
