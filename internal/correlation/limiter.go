// Package correlation implements exposure limits that account for
// correlation between traded symbols.
//
// A trader long BTCUSDT, BTCUSDC and ETHUSDT carries mostly one risk. Symbols
// are grouped by base asset, and base assets can be folded into a wider
// named group (for example "majors" for BTC and ETH). Limits apply to the
// notional of a single symbol and to the aggregate notional of its group.
package correlation

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/symbol"
)

var (
	// ErrPerSymbolLimitExceeded is returned when a new position would push a
	// single symbol's open notional beyond the per-symbol maximum.
	ErrPerSymbolLimitExceeded = errors.New("correlation: per-symbol exposure limit exceeded")

	// ErrCorrelatedLimitExceeded is returned when a new position would push
	// the aggregate notional across correlated symbols beyond the maximum.
	ErrCorrelatedLimitExceeded = errors.New("correlation: correlated exposure limit exceeded")
)

// ExposureLimiter enforces notional limits with correlation awareness.
// A zero limit disables that check.
type ExposureLimiter struct {
	// MaxPerSymbol is the maximum open notional in any single symbol.
	MaxPerSymbol decimal.Decimal

	// MaxCorrelated is the maximum aggregate open notional across all
	// symbols in the same correlation group.
	MaxCorrelated decimal.Decimal

	// groups maps a base asset to its named group. Unmapped bases form
	// their own group.
	groups map[string]string
}

// NewExposureLimiter creates a limiter. groups maps group name → base assets.
func NewExposureLimiter(maxPerSymbol, maxCorrelated decimal.Decimal, groups map[string][]string) *ExposureLimiter {
	byBase := make(map[string]string)
	for name, bases := range groups {
		for _, b := range bases {
			byBase[b] = name
		}
	}
	return &ExposureLimiter{
		MaxPerSymbol:  maxPerSymbol,
		MaxCorrelated: maxCorrelated,
		groups:        byBase,
	}
}

// Group returns the correlation group of a ticker.
func (l *ExposureLimiter) Group(ticker string) string {
	base := symbol.Base(ticker)
	if g, ok := l.groups[base]; ok {
		return g
	}
	return base
}

// CheckLimit validates whether adding notionalDelta on target respects the
// limits, given the current open notional per symbol.
func (l *ExposureLimiter) CheckLimit(
	target string,
	notionalDelta decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	// 1. Per-symbol limit.
	next := existing[target].Add(notionalDelta).Abs()
	if l.MaxPerSymbol.IsPositive() && next.GreaterThan(l.MaxPerSymbol) {
		return fmt.Errorf("%w: %s would reach %s (max %s)",
			ErrPerSymbolLimitExceeded, target, next.StringFixed(2), l.MaxPerSymbol.StringFixed(2))
	}

	// 2. Correlated exposure across the target's group.
	if !l.MaxCorrelated.IsPositive() {
		return nil
	}
	group := l.Group(target)
	total := next
	for sym, notional := range existing {
		if sym == target {
			continue // already counted via next above
		}
		if l.Group(sym) == group {
			total = total.Add(notional.Abs())
		}
	}
	if total.GreaterThan(l.MaxCorrelated) {
		return fmt.Errorf("%w: group %s would reach %s (max %s)",
			ErrCorrelatedLimitExceeded, group, total.StringFixed(2), l.MaxCorrelated.StringFixed(2))
	}
	return nil
}
