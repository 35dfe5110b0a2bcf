// Package signal combines per-dimension market scores into one composite
// score and a discrete action class.
//
// Scoring is a pure function: identical scores and weights always produce an
// identical composite, classification and confidence.
//
//	composite = Σ weight_i × score_i
//
// Classification thresholds are fixed:
//
//	≥75 strong_buy, [60,75) buy, [40,60) hold, [25,40) sell, <25 strong_sell
package signal

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/atmx/paper-engine/internal/model"
)

var (
	// ErrInvalidWeights is returned when a weight is out of [0,1] or the
	// weights do not sum to 1 within WeightTolerance.
	ErrInvalidWeights = errors.New("signal: weights must lie in [0,1] and sum to 1")

	// ErrInvalidScore is returned when a dimension score is outside [0,100].
	ErrInvalidScore = errors.New("signal: dimension score must lie in [0,100]")
)

// WeightTolerance is the allowed deviation of Σweights from 1.
const WeightTolerance = 1e-3

const (
	thresholdStrongBuy = 75.0
	thresholdBuy       = 60.0
	thresholdHold      = 40.0
	thresholdSell      = 25.0
)

// Weights is the validated weight set over the fixed dimension set.
type Weights model.Vector

// Validate checks bounds on every weight and the sum against WeightTolerance.
func (w Weights) Validate() error {
	for i, x := range w {
		if math.IsNaN(x) || x < 0 || x > 1 {
			return fmt.Errorf("%w: %s=%v", ErrInvalidWeights, model.Dimension(i), x)
		}
	}
	sum := model.Vector(w).Sum()
	if math.Abs(sum-1) > WeightTolerance {
		return fmt.Errorf("%w: sum=%v", ErrInvalidWeights, sum)
	}
	return nil
}

// DefaultWeights spreads weight across the dimensions, leaning on technicals.
func DefaultWeights() Weights {
	var w Weights
	w[model.DimTechnical] = 0.30
	w[model.DimMomentum] = 0.25
	w[model.DimVolume] = 0.15
	w[model.DimSentiment] = 0.15
	w[model.DimOnChain] = 0.15
	return w
}

// Score validates the inputs and produces a Signal.
func Score(symbol string, ts time.Time, scores model.Vector, weights Weights) (model.Signal, error) {
	if err := weights.Validate(); err != nil {
		return model.Signal{}, err
	}
	for i, s := range scores {
		if math.IsNaN(s) || s < 0 || s > 100 {
			return model.Signal{}, fmt.Errorf("%w: %s=%v", ErrInvalidScore, model.Dimension(i), s)
		}
	}

	composite := Composite(scores, weights)
	return model.Signal{
		Symbol:     symbol,
		Timestamp:  ts,
		Scores:     scores,
		Weights:    model.Vector(weights),
		Composite:  composite,
		Action:     Classify(composite),
		Confidence: confidence(scores, weights, composite),
	}, nil
}

// Composite returns Σ weight_i × score_i. Inputs are not validated.
func Composite(scores model.Vector, weights Weights) float64 {
	var c float64
	for i := range scores {
		c += weights[i] * scores[i]
	}
	return c
}

// Classify maps a composite score to its action class.
func Classify(composite float64) model.Action {
	switch {
	case composite >= thresholdStrongBuy:
		return model.ActionStrongBuy
	case composite >= thresholdBuy:
		return model.ActionBuy
	case composite >= thresholdHold:
		return model.ActionHold
	case composite >= thresholdSell:
		return model.ActionSell
	default:
		return model.ActionStrongSell
	}
}

// confidence is 1 minus the weighted standard deviation of the scores around
// the composite, normalized by 50 (the largest possible deviation).
func confidence(scores model.Vector, weights Weights, composite float64) float64 {
	var variance float64
	for i := range scores {
		diff := scores[i] - composite
		variance += weights[i] * diff * diff
	}
	c := 1 - math.Sqrt(variance)/50
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
