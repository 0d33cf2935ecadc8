package oracle

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FeedBinding maps an asset symbol to an oracle feed identifier.
type FeedBinding struct {
	Symbol       string    `json:"symbol"`
	FeedID       string    `json:"feed_id"`
	Authority    uuid.UUID `json:"authority"`
	RegisteredAt int64     `json:"registered_at"`
}

// FeedRegistry holds symbol to feed bindings. Bindings are written once by
// an authority and read by every price lookup afterwards.
type FeedRegistry struct {
	mu       sync.RWMutex
	bindings map[string]FeedBinding
}

func NewFeedRegistry() *FeedRegistry {
	return &FeedRegistry{
		bindings: make(map[string]FeedBinding),
	}
}

// StoreFeed registers a binding. Re-registering the same feed is a no-op;
// rebinding a symbol to a different feed fails.
func (r *FeedRegistry) StoreFeed(b FeedBinding) error {
	symbol := normalizeSymbol(b.Symbol)
	if symbol == "" {
		return fmt.Errorf("empty symbol")
	}
	if b.FeedID == "" {
		return fmt.Errorf("empty feed id for %s", symbol)
	}
	b.Symbol = symbol

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bindings[symbol]; ok {
		if existing.FeedID == b.FeedID {
			return nil
		}
		return fmt.Errorf("%w: %s -> %s", ErrFeedConflict, symbol, existing.FeedID)
	}
	r.bindings[symbol] = b
	return nil
}

func (r *FeedRegistry) ResolveFeed(symbol string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bindings[normalizeSymbol(symbol)]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrFeedNotFound, symbol)
	}
	return b.FeedID, nil
}

// Bindings returns every binding sorted by symbol, for snapshots.
func (r *FeedRegistry) Bindings() []FeedBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]FeedBinding, 0, len(r.bindings))
	for _, b := range r.bindings {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Restore replaces all bindings, used on snapshot recovery.
func (r *FeedRegistry) Restore(bindings []FeedBinding) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.bindings = make(map[string]FeedBinding, len(bindings))
	for _, b := range bindings {
		r.bindings[normalizeSymbol(b.Symbol)] = b
	}
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
