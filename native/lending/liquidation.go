package lending

import (
	"fmt"

	"github.com/holiman/uint256"

	"lendmarket/core/events"
	"lendmarket/crypto"
)

// closeFactor is base + curve*lF, kept within [base, 1].
func closeFactor(c CollateralParams, lf Wad) Wad {
	return c.BaseCFactor.Add(c.CFactorCurve.MulDown(lf)).Clamp(c.BaseCFactor, One())
}

// liquidationIncentive is base + curve*lF, kept within the protocol bounds.
func liquidationIncentive(c CollateralParams, p ProtocolParams, lf Wad) Wad {
	return c.LiqBaseIncentive.Add(c.LiqCurve.MulDown(lf)).Clamp(p.MinIncentive, p.MaxIncentive)
}

// seizeRatio is collateral shares per debt unit, after decimal adjustment:
// incentive * debtPrice / (collateralPrice * exchangeRate).
func seizeRatio(incentive Wad, debtPrice, collPrice *uint256.Int, exchange Wad) (Wad, error) {
	scaled, err := mulDivDown(incentive.Raw(), debtPrice, collPrice)
	if err != nil {
		return Wad{}, err
	}
	r, err := mulDivDown(scaled, wadUnit, exchange.Raw())
	if err != nil {
		return Wad{}, err
	}
	return WadFromRaw(r), nil
}

// sizeLiquidation computes the debt to close and the shares to seize. With
// exact unset the maximum closable amount is used and amount is ignored.
// Both modes share every step after the close amount is chosen.
func (x *execution) sizeLiquidation(liquidator, borrower crypto.Address, debtID, collID string, amount *uint256.Int, exact bool) (*LiquidationResult, error) {
	if err := x.canSeize(liquidator, borrower, debtID, collID); err != nil {
		return nil, err
	}
	status, err := x.hypothetical(borrower, "", nil, nil)
	if err != nil {
		return nil, err
	}
	if status.Shortfall.IsZero() {
		return nil, ErrNoShortfall
	}

	debtMarket, err := x.accrue(debtID)
	if err != nil {
		return nil, err
	}
	debtPos, err := x.store.position(debtID, borrower)
	if err != nil {
		return nil, err
	}
	debt, err := debtOf(debtPos, debtMarket)
	if err != nil {
		return nil, err
	}
	if debt.IsZero() {
		return nil, fmt.Errorf("%w: %s in %s", ErrNoDebt, borrower, debtID)
	}
	coll, err := x.accrue(collID)
	if err != nil {
		return nil, err
	}
	collPos, err := x.store.position(collID, borrower)
	if err != nil {
		return nil, err
	}
	if collPos.Posted.IsZero() {
		return nil, fmt.Errorf("%w: nothing posted in %s", ErrNotCollateral, collID)
	}
	proto, err := x.store.protocol()
	if err != nil {
		return nil, err
	}

	c := coll.Collateral
	res := &LiquidationResult{
		DebtMarket:       debtID,
		CollateralMarket: collID,
		LFactor:          status.LFactor,
		CFactor:          closeFactor(c, status.LFactor),
		Incentive:        liquidationIncentive(c, proto, status.LFactor),
	}
	if res.MaxDebtToClose, err = mulWadDown(debt, res.CFactor); err != nil {
		return nil, err
	}
	closeAmount := res.MaxDebtToClose
	if exact {
		switch {
		case isZero(amount):
			return nil, fmt.Errorf("%w: close amount must be positive", ErrInvalidAmount)
		case amount.Gt(res.MaxDebtToClose):
			return nil, fmt.Errorf("%w: %s above %s", ErrCloseAmountExceedsMax, amount.Dec(), res.MaxDebtToClose.Dec())
		}
		closeAmount = clone(amount)
	}
	if closeAmount.IsZero() {
		return nil, fmt.Errorf("%w: nothing closable", ErrInvalidAmount)
	}

	debtPrice, err := x.price(debtID, false)
	if err != nil {
		return nil, err
	}
	collPrice, err := x.price(collID, true)
	if err != nil {
		return nil, err
	}
	ratio, err := seizeRatio(res.Incentive, debtPrice, collPrice, coll.ExchangeRate)
	if err != nil {
		return nil, err
	}
	adjusted, err := mulDivDown(closeAmount, pow10(coll.Decimals), pow10(debtMarket.Decimals))
	if err != nil {
		return nil, err
	}
	seize, err := mulWadDown(adjusted, ratio)
	if err != nil {
		return nil, err
	}
	if seize.IsZero() {
		return nil, fmt.Errorf("%w: %s %s seizes no %s shares", ErrInvalidAmount, closeAmount.Dec(), debtID, collID)
	}
	if seize.Gt(collPos.Posted) {
		if closeAmount, err = mulDivDown(closeAmount, collPos.Posted, seize); err != nil {
			return nil, err
		}
		seize = clone(collPos.Posted)
		res.BadDebt = true
	}
	res.DebtToClose = closeAmount
	res.SharesSeized = seize
	if res.ProtocolShares, err = mulWadDown(seize, c.LiqFee); err != nil {
		return nil, err
	}
	res.LiquidatorShares = new(uint256.Int).Sub(seize, res.ProtocolShares)
	return res, nil
}

// prepareLiquidation accrues every market the borrower touches before any
// balance moves.
func (x *execution) prepareLiquidation(borrower crypto.Address, debtID, collID string) error {
	ids, err := x.store.accountMarkets(borrower)
	if err != nil {
		return err
	}
	return x.prepare(append(ids, debtID, collID)...)
}

func (x *execution) liquidate(liquidator, borrower crypto.Address, debtID, collID string, amount *uint256.Int, exact bool) (*LiquidationResult, error) {
	if err := x.prepareLiquidation(borrower, debtID, collID); err != nil {
		return nil, err
	}
	res, err := x.sizeLiquidation(liquidator, borrower, debtID, collID, amount, exact)
	if err != nil {
		return nil, err
	}
	proto, err := x.store.protocol()
	if err != nil {
		return nil, err
	}

	debtSide := x.position(DebtKind, debtID)
	if err := debtSide.Seize(liquidator, borrower, res.DebtToClose); err != nil {
		return nil, err
	}
	collSide := x.position(SupplyKind, collID)
	if err := collSide.Seize(liquidator, borrower, res.LiquidatorShares); err != nil {
		return nil, err
	}
	if err := collSide.Seize(proto.FeeCollector, borrower, res.ProtocolShares); err != nil {
		return nil, err
	}

	x.emit(events.Liquidated{
		DebtMarket:       debtID,
		CollateralMarket: collID,
		Liquidator:       liquidator,
		Borrower:         borrower,
		DebtClosed:       clone(res.DebtToClose),
		SharesSeized:     clone(res.SharesSeized),
		ProtocolShares:   clone(res.ProtocolShares),
		BadDebt:          res.BadDebt,
	})
	if res.BadDebt {
		if err := x.socialize(borrower, res); err != nil {
			return nil, err
		}
	}
	x.engine.logger.Info("lending liquidation",
		"debtMarket", debtID,
		"collateralMarket", collID,
		"borrower", borrower.String(),
		"closed", res.DebtToClose.Dec(),
		"seized", res.SharesSeized.Dec(),
		"badDebt", res.BadDebt)
	return res, nil
}

// socialize writes off the remaining debt of a borrower left without any
// posted collateral. Each written-off amount leaves the market's borrows, so
// the exchange rate falls by writeOff / totalShares.
func (x *execution) socialize(borrower crypto.Address, res *LiquidationResult) error {
	ids, err := x.store.accountMarkets(borrower)
	if err != nil {
		return err
	}
	for _, id := range ids {
		pos, err := x.store.position(id, borrower)
		if err != nil {
			return err
		}
		if !pos.Posted.IsZero() {
			return nil
		}
	}
	res.WrittenOff = make(map[string]*uint256.Int)
	for _, id := range ids {
		m, err := x.store.market(id)
		if err != nil {
			return err
		}
		pos, err := x.store.position(id, borrower)
		if err != nil {
			return err
		}
		debt, err := debtOf(pos, m)
		if err != nil {
			return err
		}
		if debt.IsZero() {
			continue
		}
		before := m.ExchangeRate
		m.TotalBorrows = subSat(m.TotalBorrows, debt)
		pos.DebtPrincipal = zero()
		pos.DebtIndex = Wad{}
		if err := x.savePosition(id, borrower, pos); err != nil {
			return err
		}
		if err := x.saveMarket(m); err != nil {
			return err
		}
		res.WrittenOff[id] = debt
		x.emit(events.BadDebtSocialized{
			Market:          id,
			Borrower:        borrower,
			Amount:          clone(debt),
			ExchangeRateOld: before.Raw(),
			ExchangeRateNew: m.ExchangeRate.Raw(),
		})
		x.engine.metrics.RecordBadDebt(id, debt.Float64())
		x.engine.logger.Info("lending bad debt socialized",
			"market", id,
			"borrower", borrower.String(),
			"amount", debt.Dec(),
			"exchangeRate", m.ExchangeRate.String())
	}
	return nil
}

// CanLiquidate sizes a liquidation without executing it. With exact unset the
// maximum closable amount is used.
func (e *Engine) CanLiquidate(liquidator, borrower crypto.Address, debtMarket, collateralMarket string, amount *uint256.Int, exact bool) (*LiquidationResult, error) {
	debtID := normalizeMarketID(debtMarket)
	collID := normalizeMarketID(collateralMarket)
	var res *LiquidationResult
	err := e.view(func(x *execution) error {
		if err := x.prepareLiquidation(borrower, debtID, collID); err != nil {
			return err
		}
		var err error
		res, err = x.sizeLiquidation(liquidator, borrower, debtID, collID, amount, exact)
		return err
	})
	return res, err
}

// Liquidate closes the maximum debt the borrower's severity allows.
func (e *Engine) Liquidate(liquidator, borrower crypto.Address, debtMarket, collateralMarket string) (*LiquidationResult, error) {
	return e.runLiquidation("liquidate", liquidator, borrower, debtMarket, collateralMarket, nil, false)
}

// LiquidateExact closes exactly amount of debt, which must not exceed the
// maximum.
func (e *Engine) LiquidateExact(liquidator, borrower crypto.Address, debtMarket, collateralMarket string, amount *uint256.Int) (*LiquidationResult, error) {
	return e.runLiquidation("liquidate_exact", liquidator, borrower, debtMarket, collateralMarket, amount, true)
}

func (e *Engine) runLiquidation(op string, liquidator, borrower crypto.Address, debtMarket, collateralMarket string, amount *uint256.Int, exact bool) (*LiquidationResult, error) {
	debtID := normalizeMarketID(debtMarket)
	collID := normalizeMarketID(collateralMarket)
	var res *LiquidationResult
	err := e.mutate(op, func(x *execution) error {
		var err error
		res, err = x.liquidate(liquidator, borrower, debtID, collID, amount, exact)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.metrics.RecordLiquidation(debtID, collID, res.BadDebt)
	return res, nil
}

// LiquidateAndSwap liquidates, redeems the liquidator's reward into the
// collateral underlying and swaps it into the debt asset. A nil or zero
// amount closes the maximum. The swap output must reach minOut.
func (e *Engine) LiquidateAndSwap(liquidator, borrower crypto.Address, debtMarket, collateralMarket string, amount, minOut *uint256.Int) (*LiquidationResult, *uint256.Int, error) {
	debtID := normalizeMarketID(debtMarket)
	collID := normalizeMarketID(collateralMarket)
	var (
		res *LiquidationResult
		out *uint256.Int
	)
	err := e.mutate("liquidate_swap", func(x *execution) error {
		if e.swapper == nil {
			return fmt.Errorf("%w: no swapper configured", ErrInvalidParameter)
		}
		var err error
		res, err = x.liquidate(liquidator, borrower, debtID, collID, amount, !isZero(amount))
		if err != nil {
			return err
		}
		if res.LiquidatorShares.IsZero() {
			out = zero()
			return nil
		}
		payout, err := x.redeemSharesFor(liquidator, collID, res.LiquidatorShares)
		if err != nil {
			return err
		}
		if err := x.debit(collID, liquidator, payout); err != nil {
			return err
		}
		if err := x.credit(collID, e.swapVenue, payout); err != nil {
			return err
		}
		out, err = e.swapper.Swap(SwapInstruction{
			AssetIn:   collID,
			AssetOut:  debtID,
			AmountIn:  clone(payout),
			MinOut:    clone(minOut),
			Recipient: liquidator,
		})
		if err != nil {
			return fmt.Errorf("lending: swap: %w", err)
		}
		if isZero(out) || out.Lt(clone(minOut)) {
			return fmt.Errorf("%w: got %s, want at least %s", ErrSlippage, clone(out).Dec(), clone(minOut).Dec())
		}
		if err := x.debit(debtID, e.swapVenue, out); err != nil {
			return err
		}
		if err := x.credit(debtID, liquidator, out); err != nil {
			return err
		}
		x.emit(events.LiquidationSwapped{
			Liquidator: liquidator,
			AssetIn:    collID,
			AssetOut:   debtID,
			AmountIn:   payout,
			AmountOut:  clone(out),
			MinOut:     clone(minOut),
		})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	e.metrics.RecordLiquidation(debtID, collID, res.BadDebt)
	return res, out, nil
}
