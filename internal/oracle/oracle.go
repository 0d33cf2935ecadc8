package oracle

import (
	"context"
	"errors"
	"fmt"

	fpmath "LendLedger/internal/math"
)

var (
	// ErrInvalidPriceFeed covers every unusable reading: unknown feed,
	// stale publish time, non-positive price or too wide a confidence band.
	ErrInvalidPriceFeed = errors.New("invalid price feed")
	ErrFeedNotFound     = errors.New("feed not registered")
	ErrFeedConflict     = errors.New("symbol already bound to a different feed")
)

// Price is a raw oracle reading: Value * 10^Expo quote units per whole
// asset unit, with Conf expressed at the same exponent.
type Price struct {
	FeedID      string `json:"feed_id"`
	Value       int64  `json:"value"`
	Expo        int32  `json:"expo"`
	Conf        uint64 `json:"conf"`
	PublishTime int64  `json:"publish_time"`
}

// Oracle returns the latest reading for a feed.
type Oracle interface {
	GetPrice(ctx context.Context, feedID string) (Price, error)
}

// Normalize rescales a reading to fpmath.PriceScale and returns the scaled
// price and confidence. Values below one scaled unit round down to zero.
func (p Price) Normalize() (price uint64, conf uint64, err error) {
	if p.Value <= 0 {
		return 0, 0, fmt.Errorf("%w: non-positive price %d for %s", ErrInvalidPriceFeed, p.Value, p.FeedID)
	}

	// PriceScale is 1e8, i.e. exponent -8
	shift := int(p.Expo) + 8
	switch {
	case shift >= 0:
		if shift > 19 {
			return 0, 0, fpmath.ErrMathOverflow
		}
		mul, err := fpmath.Pow10(uint8(shift))
		if err != nil {
			return 0, 0, err
		}
		if price, err = fpmath.CheckedMul(uint64(p.Value), mul); err != nil {
			return 0, 0, err
		}
		if conf, err = fpmath.CheckedMul(p.Conf, mul); err != nil {
			return 0, 0, err
		}
	default:
		if -shift > 19 {
			return 0, 0, fmt.Errorf("%w: exponent %d out of range", ErrInvalidPriceFeed, p.Expo)
		}
		div, err := fpmath.Pow10(uint8(-shift))
		if err != nil {
			return 0, 0, err
		}
		price = uint64(p.Value) / div
		conf = (p.Conf + div - 1) / div
	}

	if price == 0 {
		return 0, 0, fmt.Errorf("%w: price %d*10^%d below resolution", ErrInvalidPriceFeed, p.Value, p.Expo)
	}
	return price, conf, nil
}
