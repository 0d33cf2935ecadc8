package state

import (
	"fmt"

	fpmath "LendLedger/internal/math"
)

// Rate model names accepted in RiskParams.RateModel.
const (
	RateModelFixed  = "fixed"
	RateModelKinked = "kinked"
)

// RiskParams are the per-pool parameters. Ratios are basis points
// (decimal_precision=4, scale=10_000); InterestRate is an annual rate in bps.
type RiskParams struct {
	MaxLTV                 uint64 `json:"max_ltv"`
	LiquidationThreshold   uint64 `json:"liquidation_threshold"`
	LiquidationBonus       uint64 `json:"liquidation_bonus"`
	LiquidationCloseFactor uint64 `json:"liquidation_close_factor"`
	InterestRate           uint64 `json:"interest_rate"`

	RateModel          string `json:"rate_model,omitempty"`
	OptimalUtilization uint64 `json:"optimal_utilization,omitempty"` // kinked only
	Slope1             uint64 `json:"slope1,omitempty"`              // kinked only
	Slope2             uint64 `json:"slope2,omitempty"`              // kinked only
}

// MaxInterestRate bounds the annual rate at 1000%.
const MaxInterestRate uint64 = 100 * fpmath.BpsScale

var (
	// DefaultRiskParams mirror the reference deployment (max_ltv 7500).
	DefaultRiskParams = map[string]RiskParams{
		"SOL": {
			MaxLTV:                 7_500,
			LiquidationThreshold:   8_000,
			LiquidationBonus:       500,
			LiquidationCloseFactor: 5_000,
			InterestRate:           500,
			RateModel:              RateModelFixed,
		},
		"USDC": {
			MaxLTV:                 8_000,
			LiquidationThreshold:   8_500,
			LiquidationBonus:       500,
			LiquidationCloseFactor: 5_000,
			InterestRate:           500,
			RateModel:              RateModelKinked,
			OptimalUtilization:     8_000,
			Slope1:                 400,
			Slope2:                 7_500,
		},
	}
)

// ValidateRiskParams checks that risk parameters are within valid ranges:
// 0 < max_ltv <= liquidation_threshold < 10_000, bonus < 10_000,
// 0 < close_factor <= 10_000.
func ValidateRiskParams(params RiskParams) error {
	if params.MaxLTV == 0 {
		return fmt.Errorf("%w: max_ltv must be > 0", ErrInvalidRiskParams)
	}
	if params.LiquidationThreshold < params.MaxLTV {
		return fmt.Errorf("%w: liquidation_threshold (%d) must be >= max_ltv (%d)",
			ErrInvalidRiskParams, params.LiquidationThreshold, params.MaxLTV)
	}
	if params.LiquidationThreshold >= fpmath.BpsScale {
		return fmt.Errorf("%w: liquidation_threshold must be < %d, got %d",
			ErrInvalidRiskParams, fpmath.BpsScale, params.LiquidationThreshold)
	}
	if params.LiquidationBonus >= fpmath.BpsScale {
		return fmt.Errorf("%w: liquidation_bonus must be < %d, got %d",
			ErrInvalidRiskParams, fpmath.BpsScale, params.LiquidationBonus)
	}
	if params.LiquidationCloseFactor == 0 || params.LiquidationCloseFactor > fpmath.BpsScale {
		return fmt.Errorf("%w: liquidation_close_factor must be in (0, %d], got %d",
			ErrInvalidRiskParams, fpmath.BpsScale, params.LiquidationCloseFactor)
	}
	if params.InterestRate > MaxInterestRate {
		return fmt.Errorf("%w: interest_rate must be <= %d, got %d",
			ErrInvalidRiskParams, MaxInterestRate, params.InterestRate)
	}

	switch params.RateModel {
	case "", RateModelFixed:
	case RateModelKinked:
		if params.OptimalUtilization == 0 || params.OptimalUtilization >= fpmath.BpsScale {
			return fmt.Errorf("%w: optimal_utilization must be in (0, %d), got %d",
				ErrInvalidRiskParams, fpmath.BpsScale, params.OptimalUtilization)
		}
		if params.InterestRate+params.Slope1+params.Slope2 > MaxInterestRate {
			return fmt.Errorf("%w: kinked curve peaks above %d", ErrInvalidRiskParams, MaxInterestRate)
		}
	default:
		return fmt.Errorf("%w: unknown rate_model %q", ErrInvalidRiskParams, params.RateModel)
	}
	return nil
}
