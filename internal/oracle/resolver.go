package oracle

import (
	"context"
	"errors"
	"fmt"

	fpmath "LendLedger/internal/math"

	"github.com/rs/zerolog"
)

// DefaultMaxPriceAge is how old (seconds) a reading may be before it is
// treated as stale.
const DefaultMaxPriceAge int64 = 100

// Resolver turns an asset symbol into a validated, normalized price by
// going through the feed registry and the oracle.
type Resolver struct {
	registry         *FeedRegistry
	oracle           Oracle
	maxAge           int64
	maxConfidenceBps uint64
	logger           zerolog.Logger
	onFailure        func(asset string)
}

type ResolverOption func(*Resolver)

// WithMaxAge overrides DefaultMaxPriceAge.
func WithMaxAge(seconds int64) ResolverOption {
	return func(r *Resolver) { r.maxAge = seconds }
}

// WithMaxConfidence rejects readings whose confidence interval exceeds the
// given fraction (bps) of the price. Zero disables the check.
func WithMaxConfidence(bps uint64) ResolverOption {
	return func(r *Resolver) { r.maxConfidenceBps = bps }
}

func WithLogger(logger zerolog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// WithFailureHook is called with the asset symbol on every rejected lookup.
func WithFailureHook(fn func(asset string)) ResolverOption {
	return func(r *Resolver) { r.onFailure = fn }
}

func NewResolver(registry *FeedRegistry, oracle Oracle, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		registry: registry,
		oracle:   oracle,
		maxAge:   DefaultMaxPriceAge,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AssetPrice returns the price of one whole unit of asset at PriceScale.
// Every failure is reported as ErrInvalidPriceFeed.
func (r *Resolver) AssetPrice(ctx context.Context, asset string, now int64) (uint64, error) {
	price, err := r.assetPrice(ctx, asset, now)
	if err != nil {
		r.logger.Warn().Err(err).Str("asset", asset).Msg("price lookup rejected")
		if r.onFailure != nil {
			r.onFailure(asset)
		}
		if !errors.Is(err, ErrInvalidPriceFeed) {
			err = fmt.Errorf("%w: %s: %v", ErrInvalidPriceFeed, asset, err)
		}
		return 0, err
	}
	return price, nil
}

func (r *Resolver) assetPrice(ctx context.Context, asset string, now int64) (uint64, error) {
	feedID, err := r.registry.ResolveFeed(asset)
	if err != nil {
		return 0, err
	}

	reading, err := r.oracle.GetPrice(ctx, feedID)
	if err != nil {
		return 0, err
	}

	if r.maxAge > 0 && now-reading.PublishTime > r.maxAge {
		return 0, fmt.Errorf("%w: %s published at %d, now %d (max age %ds)",
			ErrInvalidPriceFeed, feedID, reading.PublishTime, now, r.maxAge)
	}

	price, conf, err := reading.Normalize()
	if err != nil {
		return 0, err
	}

	if r.maxConfidenceBps > 0 {
		limit, err := fpmath.ApplyBps(price, r.maxConfidenceBps, fpmath.RoundDown)
		if err != nil {
			return 0, err
		}
		if conf > limit {
			return 0, fmt.Errorf("%w: %s confidence %d exceeds %s of price",
				ErrInvalidPriceFeed, feedID, conf, fpmath.FormatBps(r.maxConfidenceBps))
		}
	}

	return price, nil
}
