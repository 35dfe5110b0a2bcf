package position

import (
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/paper-engine/internal/model"
)

// Book indexes live entries by ID and by (symbol, side). At most one entry
// may exist per key. The payload type is chosen by the owner so it can carry
// its own lock and per-position state alongside the position.
type Book[T any] struct {
	mu    sync.RWMutex
	byID  map[string]T
	keys  map[string]model.Key
	byKey map[model.Key]string
}

// NewBook creates an empty book.
func NewBook[T any]() *Book[T] {
	return &Book[T]{
		byID:  make(map[string]T),
		keys:  make(map[string]model.Key),
		byKey: make(map[model.Key]string),
	}
}

// Open registers an entry, failing with ErrDuplicatePosition when the key
// is already taken.
func (b *Book[T]) Open(id string, key model.Key, v T) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.byKey[key]; ok {
		return fmt.Errorf("%w: %s %s held by %s", ErrDuplicatePosition, key.Symbol, key.Side, existing)
	}
	b.byID[id] = v
	b.keys[id] = key
	b.byKey[key] = id
	return nil
}

// Get returns the entry for id.
func (b *Book[T]) Get(id string) (T, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	v, ok := b.byID[id]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s", ErrPositionNotFound, id)
	}
	return v, nil
}

// Has reports whether key is taken.
func (b *Book[T]) Has(key model.Key) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.byKey[key]
	return ok
}

// Remove drops the entry for id and frees its key.
func (b *Book[T]) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	key, ok := b.keys[id]
	if !ok {
		return
	}
	delete(b.byID, id)
	delete(b.keys, id)
	if b.byKey[key] == id {
		delete(b.byKey, key)
	}
}

// Symbol returns the entries for symbol, long before short.
func (b *Book[T]) Symbol(symbol string) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []T
	for _, side := range []model.Side{model.SideLong, model.SideShort} {
		if id, ok := b.byKey[model.Key{Symbol: symbol, Side: side}]; ok {
			out = append(out, b.byID[id])
		}
	}
	return out
}

// Symbols returns every symbol with at least one entry, sorted.
func (b *Book[T]) Symbols() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for key := range b.byKey {
		if !seen[key.Symbol] {
			seen[key.Symbol] = true
			out = append(out, key.Symbol)
		}
	}
	sort.Strings(out)
	return out
}

// List returns all entries ordered by ID.
func (b *Book[T]) List() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.byID))
	for id := range b.byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]T, 0, len(ids))
	for _, id := range ids {
		out = append(out, b.byID[id])
	}
	return out
}

// Len returns the number of entries.
func (b *Book[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.byID)
}
