package oracle

import (
	"context"
	"fmt"
	"sync"
)

// StaticOracle serves prices set in memory. Used by tests and by the
// service when no price cache is configured.
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]Price
}

func NewStaticOracle() *StaticOracle {
	return &StaticOracle{prices: make(map[string]Price)}
}

func (o *StaticOracle) Set(p Price) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[p.FeedID] = p
}

func (o *StaticOracle) GetPrice(_ context.Context, feedID string) (Price, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	p, ok := o.prices[feedID]
	if !ok {
		return Price{}, fmt.Errorf("%w: no reading for %s", ErrInvalidPriceFeed, feedID)
	}
	return p, nil
}
