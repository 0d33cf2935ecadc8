// internal/math/fixedpoint.go
package math

import (
	"errors"

	"github.com/holiman/uint256"
)

var (
	ErrMathOverflow   = errors.New("math overflow")
	ErrDivisionByZero = errors.New("division by zero")
)

// Fixed-point scales shared by every component. Ratios (LTV, threshold,
// bonus, close factor) are basis points; interest rates are annual bps.
const (
	BpsScale       uint64 = 10_000
	SecondsPerYear uint64 = 31_536_000
	RateScale      uint64 = BpsScale * SecondsPerYear

	PriceScale  uint64 = 100_000_000 // 1e-8 quote units per native unit
	ValueScale  uint64 = 1_000_000   // 1e-6 quote units
	HealthScale uint64 = 1_000_000   // 1.0 health factor
)

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding
	RoundDown
	RoundUp
)

func (m RoundingMode) String() string {
	switch m {
	case RoundHalfEven:
		return "half_even"
	case RoundDown:
		return "down"
	case RoundUp:
		return "up"
	default:
		return "unknown"
	}
}

func CheckedAdd(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ErrMathOverflow
	}
	return sum, nil
}

// CheckedSub fails on underflow instead of wrapping.
func CheckedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrMathOverflow
	}
	return a - b, nil
}

func CheckedMul(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	p := a * b
	if p/b != a {
		return 0, ErrMathOverflow
	}
	return p, nil
}

// MulDiv computes a*b/c with a 256-bit intermediate so the product never
// overflows. The quotient must fit back into uint64.
func MulDiv(a, b, c uint64, mode RoundingMode) (uint64, error) {
	if c == 0 {
		return 0, ErrDivisionByZero
	}

	x := uint256.NewInt(a)
	y := uint256.NewInt(b)
	d := uint256.NewInt(c)

	quotient, overflow := new(uint256.Int).MulDivOverflow(x, y, d)
	if overflow {
		return 0, ErrMathOverflow
	}
	remainder := new(uint256.Int).MulMod(x, y, d)

	if roundUp(remainder, d, quotient, mode) {
		quotient.AddUint64(quotient, 1)
	}
	if !quotient.IsUint64() {
		return 0, ErrMathOverflow
	}
	return quotient.Uint64(), nil
}

// MulDivWide is MulDiv for a three-factor numerator a*b*c/d. Used by accrual
// where borrowed*rate*elapsed can exceed 128 bits of intermediate.
func MulDivWide(a, b, c, d uint64, mode RoundingMode) (uint64, error) {
	if d == 0 {
		return 0, ErrDivisionByZero
	}

	num := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	num, overflow := new(uint256.Int).MulOverflow(num, uint256.NewInt(c))
	if overflow {
		return 0, ErrMathOverflow
	}
	den := uint256.NewInt(d)

	quotient, remainder := new(uint256.Int), new(uint256.Int)
	quotient.DivMod(num, den, remainder)

	if roundUp(remainder, den, quotient, mode) {
		quotient.AddUint64(quotient, 1)
	}
	if !quotient.IsUint64() {
		return 0, ErrMathOverflow
	}
	return quotient.Uint64(), nil
}

func roundUp(remainder, denominator, quotient *uint256.Int, mode RoundingMode) bool {
	if remainder.IsZero() {
		return false
	}

	switch mode {
	case RoundUp:
		return true
	case RoundHalfEven:
		twice := new(uint256.Int).Lsh(remainder, 1)
		cmp := twice.Cmp(denominator)
		if cmp > 0 {
			return true
		}
		// Exactly half: round to even
		return cmp == 0 && quotient.Uint64()%2 != 0
	default:
		return false
	}
}

// Pow10 returns 10^n for the native-unit decimals of an asset.
func Pow10(n uint8) (uint64, error) {
	result := uint64(1)
	for i := uint8(0); i < n; i++ {
		var err error
		if result, err = CheckedMul(result, 10); err != nil {
			return 0, err
		}
	}
	return result, nil
}
