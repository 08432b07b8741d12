package lending

import (
	"fmt"

	"github.com/holiman/uint256"
)

// InterestRateParams shape the vertex rate curve of a market. Slopes are the
// rate per compounding period at 100% utilisation of their segment.
type InterestRateParams struct {
	// BaseRatePerPeriod applies below the vertex; VertexRatePerPeriod above
	// it, scaled by the multiplier.
	BaseRatePerPeriod   Wad
	VertexRatePerPeriod Wad
	// VertexPoint is the utilisation where the curve steepens.
	VertexPoint Wad
	// IncreaseThreshold is the utilisation above which the multiplier grows.
	IncreaseThreshold Wad
	// AdjustmentVelocity and DecayRate are multiplier change per second.
	AdjustmentVelocity Wad
	DecayRate          Wad
	MultiplierMin      Wad
	MultiplierMax      Wad
}

// Validate checks the curve is well formed.
func (p InterestRateParams) Validate() error {
	one := One()
	switch {
	case p.VertexPoint.IsZero() || p.VertexPoint.Gt(one):
		return fmt.Errorf("%w: vertex point must be in (0, 1]", ErrInvalidParameter)
	case p.IncreaseThreshold.Lt(p.VertexPoint) || p.IncreaseThreshold.Gt(one):
		return fmt.Errorf("%w: increase threshold must be in [vertex, 1]", ErrInvalidParameter)
	case p.MultiplierMin.IsZero() || p.MultiplierMin.Gt(one):
		return fmt.Errorf("%w: multiplier min must be in (0, 1]", ErrInvalidParameter)
	case p.MultiplierMax.Lt(one):
		return fmt.Errorf("%w: multiplier max must be at least 1", ErrInvalidParameter)
	}
	return nil
}

// InterestRateState is the persistent state of a market's dynamic interest
// model. Only BorrowRateWithUpdate mutates it.
type InterestRateState struct {
	Params     InterestRateParams
	Multiplier Wad
	LastUpdate uint64
	// ThresholdCrossedAt is when utilisation last moved above the increase
	// threshold; zero while below it.
	ThresholdCrossedAt uint64
}

// NewInterestRateState starts a model at multiplier 1.0.
func NewInterestRateState(params InterestRateParams, now uint64) *InterestRateState {
	return &InterestRateState{
		Params:     params,
		Multiplier: One().Clamp(params.MultiplierMin, params.MultiplierMax),
		LastUpdate: now,
	}
}

// Utilization returns borrows / (cash + borrows - reserves), capped at 1.
func Utilization(cash, borrows, reserves *uint256.Int) Wad {
	if isZero(borrows) {
		return Wad{}
	}
	total, overflow := new(uint256.Int).AddOverflow(clone(cash), borrows)
	if overflow {
		return One()
	}
	total = subSat(total, reserves)
	if total.IsZero() || total.Lt(borrows) {
		return One()
	}
	u, err := ratioDown(borrows, total)
	if err != nil {
		return One()
	}
	return u
}

func (s *InterestRateState) rateAt(u, multiplier Wad) Wad {
	p := s.Params
	if !u.Gt(p.VertexPoint) {
		return u.MulDown(p.BaseRatePerPeriod)
	}
	base := p.VertexPoint.MulDown(p.BaseRatePerPeriod)
	excess := u.SubSat(p.VertexPoint)
	return base.Add(excess.MulDown(p.VertexRatePerPeriod).MulDown(multiplier))
}

// BorrowRate is the rate per period for the given balances, using the stored
// multiplier. It does not mutate the model.
func (s *InterestRateState) BorrowRate(cash, borrows, reserves *uint256.Int) Wad {
	return s.rateAt(Utilization(cash, borrows, reserves), s.Multiplier)
}

// BorrowRateWithUpdate advances the multiplier by the time elapsed since the
// last update and returns the rate under the new multiplier. A second call at
// the same timestamp is a no-op returning the same rate.
func (s *InterestRateState) BorrowRateWithUpdate(cash, borrows, reserves *uint256.Int, now uint64) Wad {
	u := Utilization(cash, borrows, reserves)
	if now > s.LastUpdate {
		elapsed := now - s.LastUpdate
		p := s.Params
		switch {
		case u.Gt(p.IncreaseThreshold):
			if s.ThresholdCrossedAt == 0 {
				s.ThresholdCrossedAt = s.LastUpdate
			}
			s.Multiplier = s.Multiplier.Add(p.AdjustmentVelocity.MulUint64(elapsed)).Min(p.MultiplierMax)
		case !u.Gt(p.VertexPoint):
			s.ThresholdCrossedAt = 0
			step := p.DecayRate.MulUint64(elapsed)
			one := One()
			if s.Multiplier.Gt(one) {
				s.Multiplier = s.Multiplier.SubSat(step).Max(one)
			} else if s.Multiplier.Lt(one) {
				s.Multiplier = s.Multiplier.Add(step).Min(one)
			}
			s.Multiplier = s.Multiplier.Clamp(p.MultiplierMin, p.MultiplierMax)
		default:
			// Between vertex and threshold the multiplier holds.
			s.ThresholdCrossedAt = 0
		}
		s.LastUpdate = now
	}
	return s.rateAt(u, s.Multiplier)
}

// SupplyRate is u * borrowRate * (1 - reserveFactor).
func (s *InterestRateState) SupplyRate(cash, borrows, reserves *uint256.Int, reserveFactor Wad) Wad {
	u := Utilization(cash, borrows, reserves)
	rate := s.rateAt(u, s.Multiplier)
	return u.MulDown(rate).MulDown(One().SubSat(reserveFactor))
}

// Clone returns a copy of the model state.
func (s *InterestRateState) Clone() *InterestRateState {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
