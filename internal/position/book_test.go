package position

import (
	"errors"
	"testing"

	"github.com/atmx/paper-engine/internal/model"
)

func TestBook_DuplicateKeyRejected(t *testing.T) {
	b := NewBook[string]()
	key := model.Key{Symbol: "BTCUSDT", Side: model.SideLong}

	if err := b.Open("a", key, "first"); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Open("b", key, "second"); !errors.Is(err, ErrDuplicatePosition) {
		t.Errorf("expected ErrDuplicatePosition, got %v", err)
	}

	// Opposite side on the same symbol is a different key.
	if err := b.Open("c", model.Key{Symbol: "BTCUSDT", Side: model.SideShort}, "hedge"); err != nil {
		t.Errorf("short side should be allowed, got %v", err)
	}
}

func TestBook_RemoveFreesKey(t *testing.T) {
	b := NewBook[int]()
	key := model.Key{Symbol: "ETHUSDT", Side: model.SideShort}
	b.Open("a", key, 1)
	b.Remove("a")

	if b.Has(key) {
		t.Error("key should be free after Remove")
	}
	if _, err := b.Get("a"); !errors.Is(err, ErrPositionNotFound) {
		t.Errorf("expected ErrPositionNotFound, got %v", err)
	}
	if err := b.Open("b", key, 2); err != nil {
		t.Errorf("reopen after remove should succeed, got %v", err)
	}
}

func TestBook_SymbolOrdering(t *testing.T) {
	b := NewBook[string]()
	b.Open("s", model.Key{Symbol: "BTCUSDT", Side: model.SideShort}, "short")
	b.Open("l", model.Key{Symbol: "BTCUSDT", Side: model.SideLong}, "long")
	b.Open("e", model.Key{Symbol: "ETHUSDT", Side: model.SideLong}, "eth")

	got := b.Symbol("BTCUSDT")
	if len(got) != 2 || got[0] != "long" || got[1] != "short" {
		t.Errorf("Symbol = %v, want [long short]", got)
	}
	syms := b.Symbols()
	if len(syms) != 2 || syms[0] != "BTCUSDT" || syms[1] != "ETHUSDT" {
		t.Errorf("Symbols = %v", syms)
	}
	if b.Len() != 3 {
		t.Errorf("Len = %d", b.Len())
	}
}
