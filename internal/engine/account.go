package engine

import (
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/paper-engine/internal/entry"
)

// AccountSnapshot is the paper account state.
type AccountSnapshot struct {
	Equity      decimal.Decimal `json:"equity"`    // available + reserved
	Available   decimal.Decimal `json:"available"` // free for new positions
	Reserved    decimal.Decimal `json:"reserved"`  // margin held by live positions
	RealizedPnl decimal.Decimal `json:"realized_pnl"`
}

// account holds the paper balance. Margin for the full target notional is
// reserved when a position is planned and released with its realized PnL
// when the position terminates.
type account struct {
	mu        sync.Mutex
	available decimal.Decimal
	reserved  decimal.Decimal
	realized  decimal.Decimal
}

func newAccount(balance decimal.Decimal) *account {
	return &account{available: balance}
}

func (a *account) reserve(notional decimal.Decimal, leverage int) (decimal.Decimal, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	margin, err := entry.CheckMargin(a.available, notional, leverage)
	if err != nil {
		return decimal.Zero, err
	}
	a.available = a.available.Sub(margin)
	a.reserved = a.reserved.Add(margin)
	return margin, nil
}

// release frees reserved and credits returned (reserved + realized PnL,
// floored at zero) back to the available balance.
func (a *account) release(reserved, returned decimal.Decimal) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.reserved = a.reserved.Sub(reserved)
	a.available = a.available.Add(returned)
	a.realized = a.realized.Add(returned.Sub(reserved))
}

func (a *account) snapshot() AccountSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return AccountSnapshot{
		Equity:      a.available.Add(a.reserved),
		Available:   a.available,
		Reserved:    a.reserved,
		RealizedPnl: a.realized,
	}
}
