// Package symbol parses and validates perpetual-swap tickers such as
// BTCUSDT or ETH-USDC, splitting them into base and quote assets.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Supported quote assets, longest first so USDT is matched before USD.
var quotes = []string{"USDT", "USDC", "FDUSD", "BUSD", "USD"}

// tickerRegex matches BASEQUOTE with an optional dash or slash separator.
var tickerRegex = regexp.MustCompile(`^([A-Z0-9]{2,12})[-/]?([A-Z]{3,5})$`)

var (
	ErrInvalidSymbol = errors.New("symbol: invalid ticker format")
	ErrInvalidQuote  = errors.New("symbol: unsupported quote asset")
)

// Symbol is a parsed ticker.
type Symbol struct {
	Ticker string `json:"ticker"` // normalized, no separator
	Base   string `json:"base"`
	Quote  string `json:"quote"`
}

// Parse validates a ticker and normalizes it to upper case without separator.
func Parse(ticker string) (*Symbol, error) {
	raw := strings.ToUpper(strings.TrimSpace(ticker))
	if sep := strings.IndexAny(raw, "-/"); sep >= 0 {
		matches := tickerRegex.FindStringSubmatch(raw)
		if matches == nil {
			return nil, fmt.Errorf("%w: %s (expected BASEQUOTE, e.g. BTCUSDT)", ErrInvalidSymbol, ticker)
		}
		if !knownQuote(matches[2]) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidQuote, matches[2])
		}
		return &Symbol{Ticker: matches[1] + matches[2], Base: matches[1], Quote: matches[2]}, nil
	}

	if !tickerRegex.MatchString(raw) {
		return nil, fmt.Errorf("%w: %s (expected BASEQUOTE, e.g. BTCUSDT)", ErrInvalidSymbol, ticker)
	}
	for _, q := range quotes {
		if strings.HasSuffix(raw, q) && len(raw) > len(q)+1 {
			return &Symbol{Ticker: raw, Base: strings.TrimSuffix(raw, q), Quote: q}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrInvalidQuote, ticker)
}

// Base returns the base asset of ticker, or the ticker itself when it does
// not parse.
func Base(ticker string) string {
	s, err := Parse(ticker)
	if err != nil {
		return ticker
	}
	return s.Base
}

func knownQuote(q string) bool {
	for _, k := range quotes {
		if k == q {
			return true
		}
	}
	return false
}
