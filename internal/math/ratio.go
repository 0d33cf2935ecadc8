package math

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

// Ratio returns num/den expressed at the given scale (num*scale/den).
func Ratio(num, den, scale uint64, mode RoundingMode) (uint64, error) {
	return MulDiv(num, scale, den, mode)
}

// ApplyBps returns amount * bps / BpsScale.
func ApplyBps(amount, bps uint64, mode RoundingMode) (uint64, error) {
	return MulDiv(amount, bps, BpsScale, mode)
}

// ParseBps converts a human-readable fraction ("0.75", "5%") into basis points.
// Precision beyond one basis point is rejected rather than silently truncated.
func ParseBps(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty fraction")
	}

	percent := false
	if s[len(s)-1] == '%' {
		percent = true
		s = s[:len(s)-1]
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse fraction %q: %w", s, err)
	}
	if percent {
		d = d.Div(decimal.NewFromInt(100))
	}
	if d.IsNegative() {
		return 0, fmt.Errorf("negative fraction %s", d)
	}

	bps := d.Mul(decimal.NewFromInt(int64(BpsScale)))
	if !bps.IsInteger() {
		return 0, fmt.Errorf("fraction %s finer than one basis point", d)
	}
	if bps.GreaterThan(decimal.NewFromInt(1 << 62)) {
		return 0, ErrMathOverflow
	}
	return uint64(bps.IntPart()), nil
}

// FormatScaled renders a fixed-point integer with the given scale as a
// decimal string, e.g. FormatScaled(1_250_000, HealthScale) == "1.25".
func FormatScaled(v, scale uint64) string {
	if scale == 0 {
		return "0"
	}
	d := decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
	return d.Div(decimal.NewFromBigInt(new(big.Int).SetUint64(scale), 0)).String()
}

// FormatBps renders basis points as a fraction string.
func FormatBps(bps uint64) string {
	return FormatScaled(bps, BpsScale)
}
