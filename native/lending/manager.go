package lending

import (
	"fmt"
	"slices"

	"github.com/holiman/uint256"

	"lendmarket/crypto"
)

func canMint(m *Market) error {
	if m.Pauses.Mint {
		return fmt.Errorf("%w: mint on %s", ErrPaused, m.ID)
	}
	return nil
}

func canRedeemMarket(m *Market) error {
	if m.Pauses.Redeem {
		return fmt.Errorf("%w: redeem on %s", ErrPaused, m.ID)
	}
	return nil
}

func canTransferMarket(m *Market) error {
	if m.Pauses.Transfer {
		return fmt.Errorf("%w: transfer on %s", ErrPaused, m.ID)
	}
	return nil
}

func canSeizeMarket(m *Market) error {
	if m.Pauses.Seize {
		return fmt.Errorf("%w: seize on %s", ErrPaused, m.ID)
	}
	return nil
}

// canRepay ignores pauses.
func canRepay(m *Market) error {
	if !m.Listed {
		return fmt.Errorf("%w: %s", ErrMarketNotListed, m.ID)
	}
	return nil
}

func canPostCollateral(m *Market) error {
	if err := canMint(m); err != nil {
		return err
	}
	if !m.Collateral.IsCollateral() {
		return fmt.Errorf("%w: %s", ErrNotCollateral, m.ID)
	}
	return nil
}

func (x *execution) canBorrow(account crypto.Address, m *Market, amount *uint256.Int) error {
	if !m.Borrowable {
		return fmt.Errorf("%w: %s", ErrNotBorrowable, m.ID)
	}
	if m.Pauses.Borrow {
		return fmt.Errorf("%w: borrow on %s", ErrPaused, m.ID)
	}
	if m.AvailableCash().Lt(amount) {
		return fmt.Errorf("%w: %s available, %s requested", ErrInsufficientCash, m.AvailableCash().Dec(), amount.Dec())
	}
	return x.requireLiquidity(account, m.ID, nil, amount)
}

// requireLiquidity fails with ErrInsufficientLiquidity when the hypothetical
// change leaves the account in shortfall.
func (x *execution) requireLiquidity(account crypto.Address, id string, redeemShares, borrowAmount *uint256.Int) error {
	status, err := x.hypothetical(account, id, redeemShares, borrowAmount)
	if err != nil {
		return err
	}
	if !status.Shortfall.IsZero() {
		return fmt.Errorf("%w: shortfall %s", ErrInsufficientLiquidity, status.Shortfall.Dec())
	}
	return nil
}

// hypothetical values every position of account after removing redeemShares
// of posted collateral from, and adding borrowAmount of debt to, market id.
// Collateral is valued at the lower price and debt at the higher one.
func (x *execution) hypothetical(account crypto.Address, id string, redeemShares, borrowAmount *uint256.Int) (*LiquidityStatus, error) {
	ids, err := x.store.accountMarkets(account)
	if err != nil {
		return nil, err
	}
	if id != "" && !slices.Contains(ids, id) {
		ids = append(ids, id)
	}

	status := &LiquidityStatus{
		CollateralValue: zero(),
		DebtValue:       zero(),
		Excess:          zero(),
		Shortfall:       zero(),
		SoftRequirement: zero(),
		HardRequirement: zero(),
	}
	for _, mid := range ids {
		m, err := x.accrue(mid)
		if err != nil {
			return nil, err
		}
		pos, err := x.store.position(mid, account)
		if err != nil {
			return nil, err
		}
		posted := pos.Posted
		debt, err := debtOf(pos, m)
		if err != nil {
			return nil, err
		}
		if mid == id {
			posted = subSat(posted, redeemShares)
			if !isZero(borrowAmount) {
				if debt, err = addAmount(debt, borrowAmount); err != nil {
					return nil, err
				}
			}
		}
		if !posted.IsZero() && m.Collateral.IsCollateral() {
			if err := x.addCollateralValue(status, m, posted); err != nil {
				return nil, err
			}
		}
		if !debt.IsZero() {
			value, err := x.debtValue(m, debt)
			if err != nil {
				return nil, err
			}
			if status.DebtValue, err = addAmount(status.DebtValue, value); err != nil {
				return nil, err
			}
		}
	}

	if status.CollateralValue.Lt(status.DebtValue) {
		status.Shortfall = new(uint256.Int).Sub(status.DebtValue, status.CollateralValue)
	} else {
		status.Excess = new(uint256.Int).Sub(status.CollateralValue, status.DebtValue)
	}
	lf, err := lFactor(status.DebtValue, status.SoftRequirement, status.HardRequirement)
	if err != nil {
		return nil, err
	}
	status.LFactor = lf
	return status, nil
}

// collateralUSD is the USD value of posted shares at the lower price,
// rounded down.
func (x *execution) collateralUSD(m *Market, shares *uint256.Int) (*uint256.Int, error) {
	underlying, err := mulWadDown(shares, m.ExchangeRate)
	if err != nil {
		return nil, err
	}
	price, err := x.price(m.ID, true)
	if err != nil {
		return nil, err
	}
	return mulDivDown(underlying, price, pow10(m.Decimals))
}

func (x *execution) addCollateralValue(status *LiquidityStatus, m *Market, posted *uint256.Int) error {
	value, err := x.collateralUSD(m, posted)
	if err != nil {
		return err
	}
	c := m.Collateral
	power, err := mulWadDown(value, c.CollRatio)
	if err != nil {
		return err
	}
	soft, err := divWadDown(value, c.CollReqSoft)
	if err != nil {
		return err
	}
	hard, err := divWadDown(value, c.CollReqHard)
	if err != nil {
		return err
	}
	if status.CollateralValue, err = addAmount(status.CollateralValue, power); err != nil {
		return err
	}
	if status.SoftRequirement, err = addAmount(status.SoftRequirement, soft); err != nil {
		return err
	}
	status.HardRequirement, err = addAmount(status.HardRequirement, hard)
	return err
}

// debtValue is the USD value of debt at the higher price, rounded up.
func (x *execution) debtValue(m *Market, debt *uint256.Int) (*uint256.Int, error) {
	price, err := x.price(m.ID, false)
	if err != nil {
		return nil, err
	}
	return mulDivUp(debt, price, pow10(m.Decimals))
}

// lFactor maps debt between the soft and hard requirements onto [0, 1].
func lFactor(debt, soft, hard *uint256.Int) (Wad, error) {
	switch {
	case debt.IsZero() || !debt.Gt(soft):
		return Wad{}, nil
	case !debt.Lt(hard):
		return One(), nil
	}
	span := new(uint256.Int).Sub(hard, soft)
	return ratioDown(new(uint256.Int).Sub(debt, soft), span)
}

// HypotheticalLiquidityOf returns the excess liquidity or shortfall of account
// if it redeemed redeemShares of posted collateral from market and borrowed
// borrowAmount more of it. Exactly one of the results is non-zero unless both
// are zero.
func (e *Engine) HypotheticalLiquidityOf(account crypto.Address, market string, redeemShares, borrowAmount *uint256.Int) (*uint256.Int, *uint256.Int, error) {
	id := normalizeMarketID(market)
	var status *LiquidityStatus
	err := e.view(func(x *execution) error {
		if id != "" {
			if _, err := x.store.market(id); err != nil {
				return err
			}
		}
		var err error
		status, err = x.hypothetical(account, id, redeemShares, borrowAmount)
		return err
	})
	if err != nil {
		return nil, nil, err
	}
	return status.Excess, status.Shortfall, nil
}

// LiquidityStatusOf values the current positions of account, including the
// liquidation severity.
func (e *Engine) LiquidityStatusOf(account crypto.Address) (*LiquidityStatus, error) {
	var status *LiquidityStatus
	err := e.view(func(x *execution) error {
		var err error
		status, err = x.hypothetical(account, "", nil, nil)
		return err
	})
	return status, err
}

// simulate runs a mutating step against a throwaway transaction and reports
// only whether it would succeed.
func (e *Engine) simulate(id string, fn func(x *execution) error) error {
	return e.view(func(x *execution) error {
		if err := x.prepare(id); err != nil {
			return err
		}
		return fn(x)
	})
}

// CanMint reports whether account could supply amount to market now.
func (e *Engine) CanMint(account crypto.Address, market string, amount *uint256.Int) error {
	id := normalizeMarketID(market)
	return e.simulate(id, func(x *execution) error {
		_, err := x.mint(account, id, amount)
		return err
	})
}

// CanRedeem reports whether account could redeem shares of market now.
func (e *Engine) CanRedeem(account crypto.Address, market string, shares *uint256.Int) error {
	id := normalizeMarketID(market)
	return e.simulate(id, func(x *execution) error {
		return x.redeemShares(account, id, shares)
	})
}

// CanBorrow reports whether account could borrow amount of market now.
func (e *Engine) CanBorrow(account crypto.Address, market string, amount *uint256.Int) error {
	id := normalizeMarketID(market)
	return e.simulate(id, func(x *execution) error {
		return x.borrow(account, id, amount)
	})
}

// CanRepay reports whether payer could repay amount of borrower's debt.
func (e *Engine) CanRepay(payer, borrower crypto.Address, market string, amount *uint256.Int) error {
	id := normalizeMarketID(market)
	return e.simulate(id, func(x *execution) error {
		_, err := x.repay(payer, borrower, id, amount, false)
		return err
	})
}

// CanTransfer reports whether from could move shares of market to to.
func (e *Engine) CanTransfer(from, to crypto.Address, market string, shares *uint256.Int) error {
	id := normalizeMarketID(market)
	return e.simulate(id, func(x *execution) error {
		return x.transfer(from, to, id, shares)
	})
}

// CanSeize reports whether collateral of borrower in collateralMarket may be
// seized by liquidator to cover debt in debtMarket.
func (e *Engine) CanSeize(liquidator, borrower crypto.Address, debtMarket, collateralMarket string) error {
	debtID := normalizeMarketID(debtMarket)
	collID := normalizeMarketID(collateralMarket)
	return e.view(func(x *execution) error {
		return x.canSeize(liquidator, borrower, debtID, collID)
	})
}

func (x *execution) canSeize(liquidator, borrower crypto.Address, debtID, collID string) error {
	if liquidator.Equal(borrower) {
		return ErrSelfLiquidation
	}
	debtMarket, err := x.store.market(debtID)
	if err != nil {
		return err
	}
	if err := canSeizeMarket(debtMarket); err != nil {
		return err
	}
	coll, err := x.store.market(collID)
	if err != nil {
		return err
	}
	if err := canSeizeMarket(coll); err != nil {
		return err
	}
	if !coll.Collateral.IsCollateral() {
		return fmt.Errorf("%w: %s", ErrNotCollateral, collID)
	}
	return nil
}

// PostCollateral pledges unposted shares of market as collateral.
func (e *Engine) PostCollateral(account crypto.Address, market string, shares *uint256.Int) error {
	id := normalizeMarketID(market)
	return e.mutate("post_collateral", func(x *execution) error {
		if err := x.prepare(id); err != nil {
			return err
		}
		return x.postCollateral(account, id, shares)
	})
}

// RemoveCollateral releases posted shares of market back to the account's
// free balance.
func (e *Engine) RemoveCollateral(account crypto.Address, market string, shares *uint256.Int) error {
	id := normalizeMarketID(market)
	return e.mutate("remove_collateral", func(x *execution) error {
		if err := x.prepare(id); err != nil {
			return err
		}
		return x.removeCollateral(account, id, shares)
	})
}

// Market returns the market with interest accrued to now.
func (e *Engine) Market(market string) (*Market, error) {
	id := normalizeMarketID(market)
	var out *Market
	err := e.view(func(x *execution) error {
		m, err := x.accrue(id)
		if err != nil {
			return err
		}
		out = m.Clone()
		return nil
	})
	return out, err
}

// Markets returns every listed market in listing order.
func (e *Engine) Markets() ([]*Market, error) {
	var out []*Market
	err := e.view(func(x *execution) error {
		ids, err := x.store.marketIDs()
		if err != nil {
			return err
		}
		for _, id := range ids {
			m, err := x.accrue(id)
			if err != nil {
				return err
			}
			out = append(out, m.Clone())
		}
		return nil
	})
	return out, err
}

// Account returns a snapshot per market the account has interacted with.
func (e *Engine) Account(account crypto.Address) ([]AccountSnapshot, error) {
	var out []AccountSnapshot
	err := e.view(func(x *execution) error {
		ids, err := x.store.accountMarkets(account)
		if err != nil {
			return err
		}
		for _, id := range ids {
			m, err := x.accrue(id)
			if err != nil {
				return err
			}
			pos, err := x.store.position(id, account)
			if err != nil {
				return err
			}
			debt, err := debtOf(pos, m)
			if err != nil {
				return err
			}
			underlying, err := mulWadDown(pos.Shares, m.ExchangeRate)
			if err != nil {
				return err
			}
			out = append(out, AccountSnapshot{
				Market:     id,
				Shares:     clone(pos.Shares),
				Posted:     clone(pos.Posted),
				Underlying: underlying,
				Debt:       debt,
			})
		}
		return nil
	})
	return out, err
}

// Rates returns the current utilisation and rates of market.
func (e *Engine) Rates(market string) (RateSnapshot, error) {
	id := normalizeMarketID(market)
	var out RateSnapshot
	err := e.view(func(x *execution) error {
		m, err := x.accrue(id)
		if err != nil {
			return err
		}
		irm, err := x.store.interestState(id)
		if err != nil {
			return err
		}
		out = rateSnapshot(m, irm)
		return nil
	})
	return out, err
}

// InterestRateState returns the persisted rate model of market.
func (e *Engine) InterestRateState(market string) (*InterestRateState, error) {
	id := normalizeMarketID(market)
	var out *InterestRateState
	err := e.view(func(x *execution) error {
		if _, err := x.accrue(id); err != nil {
			return err
		}
		st, err := x.store.interestState(id)
		if err != nil {
			return err
		}
		out = st.Clone()
		return nil
	})
	return out, err
}
