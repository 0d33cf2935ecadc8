package state

import (
	fpmath "LendLedger/internal/math"
)

// RateModel returns a pool's current annual borrow rate in bps.
type RateModel interface {
	BorrowRate(p *Pool) (uint64, error)
}

// FixedRate charges Params.InterestRate regardless of utilization.
type FixedRate struct{}

func (FixedRate) BorrowRate(p *Pool) (uint64, error) {
	return p.Params.InterestRate, nil
}

// KinkedRate is a two-slope utilization curve:
//
//	u <= optimal: base + slope1 * u / optimal
//	u >  optimal: base + slope1 + slope2 * (u - optimal) / (1 - optimal)
type KinkedRate struct{}

func (KinkedRate) BorrowRate(p *Pool) (uint64, error) {
	params := p.Params
	base := params.InterestRate
	optimal := params.OptimalUtilization
	if optimal == 0 || optimal >= fpmath.BpsScale {
		return base, nil
	}

	u := p.Utilization()
	if u <= optimal {
		slope, err := fpmath.MulDiv(params.Slope1, u, optimal, fpmath.RoundDown)
		if err != nil {
			return 0, err
		}
		return fpmath.CheckedAdd(base, slope)
	}

	steep, err := fpmath.MulDiv(params.Slope2, u-optimal, fpmath.BpsScale-optimal, fpmath.RoundDown)
	if err != nil {
		return 0, err
	}
	rate, err := fpmath.CheckedAdd(base, params.Slope1)
	if err != nil {
		return 0, err
	}
	return fpmath.CheckedAdd(rate, steep)
}

// ParamRateModel dispatches on Params.RateModel.
type ParamRateModel struct{}

func (ParamRateModel) BorrowRate(p *Pool) (uint64, error) {
	if p.Params.RateModel == RateModelKinked {
		return KinkedRate{}.BorrowRate(p)
	}
	return FixedRate{}.BorrowRate(p)
}

// Accrue brings the pool's totals up to now with simple interest:
//
//	interest = total_borrowed * rate * Δt / RateScale
//
// The same interest is credited to total_deposited. Calls with
// now <= LastUpdated change nothing.
func Accrue(p *Pool, now int64, model RateModel) (uint64, error) {
	if now <= p.LastUpdated {
		return 0, nil
	}
	elapsed := uint64(now - p.LastUpdated)

	var interest uint64
	if p.TotalBorrowed > 0 {
		rate, err := model.BorrowRate(p)
		if err != nil {
			return 0, err
		}
		interest, err = fpmath.MulDivWide(p.TotalBorrowed, rate, elapsed, fpmath.RateScale, fpmath.RoundDown)
		if err != nil {
			return 0, err
		}
	}

	if interest > 0 {
		borrowed, err := fpmath.CheckedAdd(p.TotalBorrowed, interest)
		if err != nil {
			return 0, err
		}
		deposited, err := fpmath.CheckedAdd(p.TotalDeposited, interest)
		if err != nil {
			return 0, err
		}
		p.TotalBorrowed = borrowed
		p.TotalDeposited = deposited
	}

	p.LastUpdated = now
	return interest, nil
}
