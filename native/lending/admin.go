package lending

import (
	"fmt"

	"github.com/holiman/uint256"

	"lendmarket/core/events"
	"lendmarket/crypto"
)

// maxDecimals keeps 10^decimals products inside 256 bits.
const maxDecimals = 36

func validateCollateral(c CollateralParams) error {
	one := One()
	if !c.IsCollateral() {
		return nil
	}
	switch {
	case c.CollRatio.Gt(one):
		return fmt.Errorf("%w: collateral ratio above 1", ErrInvalidParameter)
	case c.CollReqHard.Lt(one):
		return fmt.Errorf("%w: hard requirement below 1", ErrInvalidParameter)
	case !c.CollReqSoft.Gt(c.CollReqHard):
		return fmt.Errorf("%w: soft requirement must exceed hard requirement", ErrInvalidParameter)
	case c.CollRatio.MulDown(c.CollReqSoft).Lt(one):
		// Keeps every shortfall at a non-zero severity.
		return fmt.Errorf("%w: collateral ratio times soft requirement below 1", ErrInvalidParameter)
	case c.LiqBaseIncentive.Lt(one):
		return fmt.Errorf("%w: liquidation incentive below 1", ErrInvalidParameter)
	case !c.LiqFee.Lt(one):
		return fmt.Errorf("%w: liquidation fee must be below 1", ErrInvalidParameter)
	case c.BaseCFactor.IsZero() || c.BaseCFactor.Gt(one):
		return fmt.Errorf("%w: base close factor must be in (0, 1]", ErrInvalidParameter)
	}
	return nil
}

func validateMarketParams(p MarketParams) error {
	if p.ID == "" {
		return fmt.Errorf("%w: market id required", ErrInvalidParameter)
	}
	if p.Decimals > maxDecimals {
		return fmt.Errorf("%w: decimals %d above %d", ErrInvalidParameter, p.Decimals, maxDecimals)
	}
	if p.ReserveFactor.Gt(One()) {
		return fmt.Errorf("%w: reserve factor above 1", ErrInvalidParameter)
	}
	if err := validateCollateral(p.Collateral); err != nil {
		return err
	}
	return p.InterestRate.Validate()
}

func validateProtocol(p ProtocolParams) error {
	switch {
	case p.MinIncentive.Lt(One()):
		return fmt.Errorf("%w: minimum incentive below 1", ErrInvalidParameter)
	case p.MaxIncentive.Lt(p.MinIncentive):
		return fmt.Errorf("%w: maximum incentive below minimum", ErrInvalidParameter)
	case p.FeeCollector.IsZero():
		return fmt.Errorf("%w: fee collector required", ErrInvalidParameter)
	}
	return nil
}

func (x *execution) paramsUpdated(id, param string, by crypto.Address) {
	x.emit(events.ParamsUpdated{Market: id, Param: param, By: by})
	x.engine.logger.Info("lending params updated", "market", id, "param", param, "by", by.String())
}

// ListMarket creates a market with exchange rate and debt index at 1.0.
func (e *Engine) ListMarket(caller crypto.Address, params MarketParams) error {
	params.ID = normalizeMarketID(params.ID)
	return e.administer("list_market", func(x *execution) error {
		if err := e.requireRole(caller, RoleAdmin); err != nil {
			return err
		}
		if err := validateMarketParams(params); err != nil {
			return err
		}
		exists, err := x.store.marketExists(params.ID)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", ErrMarketListed, params.ID)
		}
		m := &Market{
			ID:            params.ID,
			Decimals:      params.Decimals,
			DebtIndex:     One(),
			ExchangeRate:  One(),
			LastAccrual:   x.now,
			Listed:        true,
			Borrowable:    params.Borrowable,
			CollateralCap: clone(params.CollateralCap),
			Collateral:    params.Collateral,
			ReserveFactor: params.ReserveFactor,
		}
		m.ensureDefaults()
		if err := x.saveMarket(m); err != nil {
			return err
		}
		if err := x.store.putInterestState(m.ID, NewInterestRateState(params.InterestRate, x.now)); err != nil {
			return err
		}
		if err := x.store.indexMarket(m.ID); err != nil {
			return err
		}
		x.emit(events.MarketListed{Market: m.ID, Decimals: m.Decimals})
		e.logger.Info("lending market listed", "market", m.ID, "decimals", m.Decimals, "borrowable", m.Borrowable)
		return nil
	})
}

// updateMarket accrues market id under the old settings, applies fn and
// saves the result.
func (e *Engine) updateMarket(caller crypto.Address, market, param string, fn func(x *execution, m *Market) error) error {
	id := normalizeMarketID(market)
	return e.administer("set_"+param, func(x *execution) error {
		if err := e.requireRole(caller, RoleAdmin); err != nil {
			return err
		}
		if err := x.prepare(id); err != nil {
			return err
		}
		m, err := x.store.market(id)
		if err != nil {
			return err
		}
		if err := fn(x, m); err != nil {
			return err
		}
		if err := x.saveMarket(m); err != nil {
			return err
		}
		x.paramsUpdated(id, param, caller)
		return nil
	})
}

// SetCollateralParams replaces the collateral and liquidation settings of a
// market. A zero collateral ratio disables it as collateral.
func (e *Engine) SetCollateralParams(caller crypto.Address, market string, params CollateralParams) error {
	return e.updateMarket(caller, market, "collateral", func(_ *execution, m *Market) error {
		if err := validateCollateral(params); err != nil {
			return err
		}
		m.Collateral = params
		return nil
	})
}

// SetCollateralCap bounds the shares that may be posted as collateral.
func (e *Engine) SetCollateralCap(caller crypto.Address, market string, limit *uint256.Int) error {
	return e.updateMarket(caller, market, "collateral_cap", func(_ *execution, m *Market) error {
		m.CollateralCap = clone(limit)
		return nil
	})
}

// SetReserveFactor changes the protocol share of future interest.
func (e *Engine) SetReserveFactor(caller crypto.Address, market string, factor Wad) error {
	return e.updateMarket(caller, market, "reserve_factor", func(_ *execution, m *Market) error {
		if factor.Gt(One()) {
			return fmt.Errorf("%w: reserve factor above 1", ErrInvalidParameter)
		}
		m.ReserveFactor = factor
		return nil
	})
}

func (e *Engine) SetBorrowable(caller crypto.Address, market string, borrowable bool) error {
	return e.updateMarket(caller, market, "borrowable", func(_ *execution, m *Market) error {
		m.Borrowable = borrowable
		return nil
	})
}

// SetInterestRateParams swaps the rate curve. Interest owed so far accrues
// under the previous curve, and the multiplier is brought up to date under
// the previous curve before being kept within the new bounds.
func (e *Engine) SetInterestRateParams(caller crypto.Address, market string, params InterestRateParams) error {
	return e.updateMarket(caller, market, "interest_rate", func(x *execution, m *Market) error {
		if err := params.Validate(); err != nil {
			return err
		}
		irm, err := x.store.interestState(m.ID)
		if err != nil {
			return err
		}
		irm.BorrowRateWithUpdate(m.Cash, m.TotalBorrows, m.TotalReserves, x.now)
		irm.Params = params
		irm.Multiplier = irm.Multiplier.Clamp(params.MultiplierMin, params.MultiplierMax)
		return x.store.putInterestState(m.ID, irm)
	})
}

// SetMarketPauses replaces the per-flow pause switches of a market. Emergency
// operators may call it as well as admins.
func (e *Engine) SetMarketPauses(caller crypto.Address, market string, pauses Pauses) error {
	id := normalizeMarketID(market)
	return e.administer("set_pauses", func(x *execution) error {
		if err := e.requireRole(caller, RoleEmergency, RoleAdmin); err != nil {
			return err
		}
		m, err := x.store.market(id)
		if err != nil {
			return err
		}
		m.Pauses = pauses
		if err := x.store.putMarket(m); err != nil {
			return err
		}
		x.paramsUpdated(id, "pauses", caller)
		return nil
	})
}

// SetProtocolParams replaces the market-independent risk settings.
func (e *Engine) SetProtocolParams(caller crypto.Address, params ProtocolParams) error {
	return e.administer("set_protocol", func(x *execution) error {
		if err := e.requireRole(caller, RoleAdmin); err != nil {
			return err
		}
		if err := validateProtocol(params); err != nil {
			return err
		}
		if err := x.store.putProtocol(params); err != nil {
			return err
		}
		x.paramsUpdated("", "protocol", caller)
		return nil
	})
}

// Protocol returns the active protocol settings.
func (e *Engine) Protocol() (ProtocolParams, error) {
	var out ProtocolParams
	err := e.view(func(x *execution) error {
		var err error
		out, err = x.store.protocol()
		return err
	})
	return out, err
}

// WithdrawReserves moves accumulated reserves of a market to the given
// account. The exchange rate is unaffected.
func (e *Engine) WithdrawReserves(caller crypto.Address, market string, amount *uint256.Int, to crypto.Address) error {
	id := normalizeMarketID(market)
	return e.administer("withdraw_reserves", func(x *execution) error {
		if err := e.requireRole(caller, RoleAdmin); err != nil {
			return err
		}
		if isZero(amount) || to.IsZero() {
			return fmt.Errorf("%w: amount and recipient required", ErrInvalidAmount)
		}
		if err := x.prepare(id); err != nil {
			return err
		}
		m, err := x.store.market(id)
		if err != nil {
			return err
		}
		if m.TotalReserves.Lt(amount) {
			return fmt.Errorf("%w: reserves %s, requested %s", ErrInsufficientCash, m.TotalReserves.Dec(), amount.Dec())
		}
		if m.Cash.Lt(amount) {
			return fmt.Errorf("%w: cash %s, requested %s", ErrInsufficientCash, m.Cash.Dec(), amount.Dec())
		}
		m.TotalReserves = subSat(m.TotalReserves, amount)
		m.Cash = subSat(m.Cash, amount)
		if err := x.debit(id, e.moduleAddress, amount); err != nil {
			return err
		}
		if err := x.credit(id, to, amount); err != nil {
			return err
		}
		if err := x.saveMarket(m); err != nil {
			return err
		}
		x.emit(events.ReservesWithdrawn{Market: id, To: to, Amount: clone(amount)})
		e.logger.Info("lending reserves withdrawn", "market", id, "amount", amount.Dec(), "to", to.String())
		return nil
	})
}
