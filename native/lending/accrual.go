package lending

import (
	"lendmarket/core/events"
)

// accrue applies the interest owed since the last accrual. Whole compounding
// periods are applied and the leftover seconds carry over, so calling it
// again inside the same period is a no-op and nested callers share a single
// accrual.
func (x *execution) accrue(id string) (*Market, error) {
	m, err := x.store.market(id)
	if err != nil {
		return nil, err
	}
	if x.now <= m.LastAccrual {
		return m, nil
	}
	periods := (x.now - m.LastAccrual) / CompoundingPeriod
	if periods == 0 {
		return m, nil
	}
	irm, err := x.store.interestState(id)
	if err != nil {
		return nil, err
	}
	rate := irm.BorrowRateWithUpdate(m.Cash, m.TotalBorrows, m.TotalReserves, x.now)
	if err := x.store.putInterestState(id, irm); err != nil {
		return nil, err
	}

	factor := rate.MulUint64(periods)
	interest, err := mulWadDown(m.TotalBorrows, factor)
	if err != nil {
		return nil, err
	}
	reserves, err := mulWadDown(interest, m.ReserveFactor)
	if err != nil {
		return nil, err
	}
	if m.TotalBorrows, err = addAmount(m.TotalBorrows, interest); err != nil {
		return nil, err
	}
	if m.TotalReserves, err = addAmount(m.TotalReserves, reserves); err != nil {
		return nil, err
	}
	m.DebtIndex = m.DebtIndex.Add(m.DebtIndex.MulDown(factor))
	m.LastAccrual += periods * CompoundingPeriod
	if err := x.saveMarket(m); err != nil {
		return nil, err
	}

	x.accrued = append(x.accrued, id)
	x.emit(events.InterestAccrued{
		Market:       id,
		Periods:      periods,
		Interest:     interest,
		Reserves:     reserves,
		BorrowRate:   rate.Raw(),
		DebtIndex:    m.DebtIndex.Raw(),
		ExchangeRate: m.ExchangeRate.Raw(),
	})
	x.engine.logger.Debug("lending interest accrued",
		"market", id,
		"periods", periods,
		"interest", interest.Dec(),
		"borrowRate", rate.String(),
		"multiplier", irm.Multiplier.String())
	return m, nil
}

// AccrueInterest brings a market up to date without any other change.
func (e *Engine) AccrueInterest(market string) error {
	id := normalizeMarketID(market)
	return e.mutate("accrue", func(x *execution) error {
		return x.prepare(id)
	})
}
