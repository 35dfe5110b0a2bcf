package symbol

import (
	"errors"
	"testing"
)

func TestParse_ValidTickers(t *testing.T) {
	tests := []struct {
		in          string
		ticker      string
		base, quote string
	}{
		{"BTCUSDT", "BTCUSDT", "BTC", "USDT"},
		{"ethusdc", "ETHUSDC", "ETH", "USDC"},
		{"SOL-USDT", "SOLUSDT", "SOL", "USDT"},
		{"1000PEPE/USDT", "1000PEPEUSDT", "1000PEPE", "USDT"},
		{"XRPUSD", "XRPUSD", "XRP", "USD"},
	}
	for _, tt := range tests {
		s, err := Parse(tt.in)
		if err != nil {
			t.Errorf("Parse(%q): unexpected error %v", tt.in, err)
			continue
		}
		if s.Ticker != tt.ticker || s.Base != tt.base || s.Quote != tt.quote {
			t.Errorf("Parse(%q) = %+v, want %s %s/%s", tt.in, s, tt.ticker, tt.base, tt.quote)
		}
	}
}

func TestParse_InvalidTickers(t *testing.T) {
	tests := []struct {
		in   string
		want error
	}{
		{"", ErrInvalidSymbol},
		{"BTC", ErrInvalidSymbol},
		{"BTC_USDT", ErrInvalidSymbol},
		{"BTCEUR", ErrInvalidQuote},
		{"BTC-EUR", ErrInvalidQuote},
	}
	for _, tt := range tests {
		_, err := Parse(tt.in)
		if !errors.Is(err, tt.want) {
			t.Errorf("Parse(%q): expected %v, got %v", tt.in, tt.want, err)
		}
	}
}

func TestBase_FallsBackToTicker(t *testing.T) {
	if got := Base("ETHUSDT"); got != "ETH" {
		t.Errorf("Base(ETHUSDT) = %s", got)
	}
	if got := Base("???"); got != "???" {
		t.Errorf("Base(???) = %s", got)
	}
}
