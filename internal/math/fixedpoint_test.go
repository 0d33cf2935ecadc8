package math_test

import (
	"math"
	"testing"

	fpmath "LendLedger/internal/math"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Test: checked arithmetic
// ============================================================================

func TestCheckedAdd(t *testing.T) {
	sum, err := fpmath.CheckedAdd(40, 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), sum)

	_, err = fpmath.CheckedAdd(math.MaxUint64, 1)
	assert.ErrorIs(t, err, fpmath.ErrMathOverflow)
}

func TestCheckedSub_Underflow(t *testing.T) {
	diff, err := fpmath.CheckedSub(10, 10)
	require.NoError(t, err)
	assert.Zero(t, diff)

	_, err = fpmath.CheckedSub(1, 2)
	assert.ErrorIs(t, err, fpmath.ErrMathOverflow)
}

func TestCheckedMul(t *testing.T) {
	p, err := fpmath.CheckedMul(1<<32, 1<<31)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<63), p)

	_, err = fpmath.CheckedMul(1<<32, 1<<32)
	assert.ErrorIs(t, err, fpmath.ErrMathOverflow)

	p, err = fpmath.CheckedMul(0, math.MaxUint64)
	require.NoError(t, err)
	assert.Zero(t, p)
}

// ============================================================================
// Test: MulDiv
// ============================================================================

func TestMulDiv_WideIntermediate(t *testing.T) {
	// a*b overflows 64 bits, the quotient does not
	got, err := fpmath.MulDiv(math.MaxUint64, math.MaxUint64, math.MaxUint64, fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, uint64(math.MaxUint64), got)
}

func TestMulDiv_QuotientOverflow(t *testing.T) {
	_, err := fpmath.MulDiv(math.MaxUint64, 2, 1, fpmath.RoundDown)
	assert.ErrorIs(t, err, fpmath.ErrMathOverflow)
}

func TestMulDiv_DivisionByZero(t *testing.T) {
	_, err := fpmath.MulDiv(1, 1, 0, fpmath.RoundDown)
	assert.ErrorIs(t, err, fpmath.ErrDivisionByZero)
}

func TestMulDiv_Rounding(t *testing.T) {
	tests := []struct {
		name    string
		a, b, c uint64
		mode    fpmath.RoundingMode
		want    uint64
	}{
		{"down truncates", 10, 1, 3, fpmath.RoundDown, 3},
		{"up ceils", 10, 1, 3, fpmath.RoundUp, 4},
		{"up exact", 9, 1, 3, fpmath.RoundUp, 3},
		{"half even rounds half to even (down)", 5, 1, 2, fpmath.RoundHalfEven, 2},
		{"half even rounds half to even (up)", 7, 1, 2, fpmath.RoundHalfEven, 4},
		{"half even above half", 5, 1, 3, fpmath.RoundHalfEven, 2},
		{"half even below half", 4, 1, 3, fpmath.RoundHalfEven, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := fpmath.MulDiv(tt.a, tt.b, tt.c, tt.mode)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMulDivWide_ThreeFactors(t *testing.T) {
	// 1e18 * 1e6 * 3e7 overflows 128 bits of product only after the third factor
	got, err := fpmath.MulDivWide(1e18, 1e6, 3e7, 1e18, fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, uint64(3e13), got)

	got, err = fpmath.MulDivWide(7, 1, 1, 2, fpmath.RoundUp)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), got)
}

func TestPow10(t *testing.T) {
	v, err := fpmath.Pow10(9)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000_000_000), v)

	_, err = fpmath.Pow10(20)
	assert.ErrorIs(t, err, fpmath.ErrMathOverflow)
}

// ============================================================================
// Test: ratios and decimal helpers
// ============================================================================

func TestApplyBps(t *testing.T) {
	got, err := fpmath.ApplyBps(1_000, 7_500, fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, uint64(750), got)
}

func TestRatio(t *testing.T) {
	got, err := fpmath.Ratio(1, 3, fpmath.BpsScale, fpmath.RoundDown)
	require.NoError(t, err)
	assert.Equal(t, uint64(3_333), got)
}

func TestParseBps(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"0.75", 7_500, false},
		{"5%", 500, false},
		{"1", 10_000, false},
		{"0.0001", 1, false},
		{"0.00005", 0, true},
		{"-0.1", 0, true},
		{"abc", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := fpmath.ParseBps(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatScaled(t *testing.T) {
	assert.Equal(t, "1.25", fpmath.FormatScaled(1_250_000, fpmath.HealthScale))
	assert.Equal(t, "0.75", fpmath.FormatBps(7_500))
}
