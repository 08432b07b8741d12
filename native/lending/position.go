package lending

import (
	"fmt"

	"github.com/holiman/uint256"

	"lendmarket/core/events"
	"lendmarket/crypto"
)

// PositionKind tags the two position variants.
type PositionKind uint8

const (
	// SupplyKind positions are exchange-rate accounted shares.
	SupplyKind PositionKind = iota
	// DebtKind positions are principal-index accounted borrows.
	DebtKind
)

func (k PositionKind) String() string {
	if k == DebtKind {
		return "debt"
	}
	return "supply"
}

// Position is the capability set shared by supply and debt positions of one
// market.
type Position interface {
	Kind() PositionKind
	Market() string
	// BalanceOf is shares for supply positions and the live debt for debt
	// positions.
	BalanceOf(account crypto.Address) (*uint256.Int, error)
	// Seize moves value from borrower to liquidator: posted shares for
	// supply positions, a repayment funded by the liquidator for debt
	// positions.
	Seize(liquidator, borrower crypto.Address, amount *uint256.Int) error
	Accrue() error
}

type supplyPosition struct {
	x  *execution
	id string
}

func (p supplyPosition) Kind() PositionKind { return SupplyKind }
func (p supplyPosition) Market() string     { return p.id }
func (p supplyPosition) Accrue() error {
	_, err := p.x.accrue(p.id)
	return err
}

func (p supplyPosition) BalanceOf(account crypto.Address) (*uint256.Int, error) {
	pos, err := p.x.store.position(p.id, account)
	if err != nil {
		return nil, err
	}
	return clone(pos.Shares), nil
}

func (p supplyPosition) Seize(liquidator, borrower crypto.Address, shares *uint256.Int) error {
	return p.x.seizeShares(liquidator, borrower, p.id, shares)
}

type debtPosition struct {
	x  *execution
	id string
}

func (p debtPosition) Kind() PositionKind { return DebtKind }
func (p debtPosition) Market() string     { return p.id }
func (p debtPosition) Accrue() error {
	_, err := p.x.accrue(p.id)
	return err
}

func (p debtPosition) BalanceOf(account crypto.Address) (*uint256.Int, error) {
	m, err := p.x.accrue(p.id)
	if err != nil {
		return nil, err
	}
	pos, err := p.x.store.position(p.id, account)
	if err != nil {
		return nil, err
	}
	return debtOf(pos, m)
}

func (p debtPosition) Seize(liquidator, borrower crypto.Address, amount *uint256.Int) error {
	if isZero(amount) {
		return nil
	}
	_, err := p.x.repay(liquidator, borrower, p.id, amount, true)
	return err
}

func (x *execution) position(kind PositionKind, id string) Position {
	if kind == DebtKind {
		return debtPosition{x: x, id: id}
	}
	return supplyPosition{x: x, id: id}
}

// debtOf is principal * marketIndex / snapshotIndex, rounded up.
func debtOf(pos *AccountPosition, m *Market) (*uint256.Int, error) {
	if isZero(pos.DebtPrincipal) || pos.DebtIndex.IsZero() {
		return zero(), nil
	}
	return mulDivUp(pos.DebtPrincipal, m.DebtIndex.Raw(), pos.DebtIndex.Raw())
}

func (x *execution) savePosition(id string, account crypto.Address, pos *AccountPosition) error {
	return x.store.putPosition(id, account, pos)
}

func (x *execution) mint(account crypto.Address, id string, amount *uint256.Int) (*uint256.Int, error) {
	if isZero(amount) {
		return nil, fmt.Errorf("%w: mint amount must be positive", ErrInvalidAmount)
	}
	m, err := x.store.market(id)
	if err != nil {
		return nil, err
	}
	if err := canMint(m); err != nil {
		return nil, err
	}
	shares, err := divWadDown(amount, m.ExchangeRate)
	if err != nil {
		return nil, err
	}
	if shares.IsZero() {
		return nil, fmt.Errorf("%w: amount below one share", ErrInvalidAmount)
	}
	if err := x.debit(id, account, amount); err != nil {
		return nil, err
	}
	if err := x.credit(id, x.engine.moduleAddress, amount); err != nil {
		return nil, err
	}

	pos, err := x.store.position(id, account)
	if err != nil {
		return nil, err
	}
	if pos.Shares, err = addAmount(pos.Shares, shares); err != nil {
		return nil, err
	}
	if m.Cash, err = addAmount(m.Cash, amount); err != nil {
		return nil, err
	}
	if m.TotalShares, err = addAmount(m.TotalShares, shares); err != nil {
		return nil, err
	}
	if err := x.savePosition(id, account, pos); err != nil {
		return nil, err
	}
	if err := x.saveMarket(m); err != nil {
		return nil, err
	}
	x.emit(events.Minted{Market: id, Account: account, Amount: clone(amount), Shares: clone(shares)})
	return shares, nil
}

// redeem burns shares for payout underlying. Unposted shares go first; any
// remainder comes out of posted collateral and must pass the liquidity check.
func (x *execution) redeem(account crypto.Address, id string, shares, payout *uint256.Int) error {
	m, err := x.store.market(id)
	if err != nil {
		return err
	}
	if err := canRedeemMarket(m); err != nil {
		return err
	}
	pos, err := x.store.position(id, account)
	if err != nil {
		return err
	}
	if pos.Shares.Lt(shares) {
		return fmt.Errorf("%w: have %s shares, need %s", ErrInsufficientBalance, pos.Shares.Dec(), shares.Dec())
	}
	cut := subSat(shares, pos.Unposted())
	if !cut.IsZero() {
		if err := x.releaseCollateral(account, id, pos, cut); err != nil {
			return err
		}
	}
	if m.AvailableCash().Lt(payout) {
		return fmt.Errorf("%w: %s available, %s requested", ErrInsufficientCash, m.AvailableCash().Dec(), payout.Dec())
	}

	pos.Shares = subSat(pos.Shares, shares)
	pos.Posted = subSat(pos.Posted, cut)
	m.TotalShares = subSat(m.TotalShares, shares)
	m.TotalCollateral = subSat(m.TotalCollateral, cut)
	m.Cash = subSat(m.Cash, payout)
	if err := x.debit(id, x.engine.moduleAddress, payout); err != nil {
		return err
	}
	if err := x.credit(id, account, payout); err != nil {
		return err
	}
	if err := x.savePosition(id, account, pos); err != nil {
		return err
	}
	if err := x.saveMarket(m); err != nil {
		return err
	}
	if !cut.IsZero() {
		x.emit(events.CollateralRemoved{Market: id, Account: account, Shares: clone(cut)})
	}
	x.emit(events.Redeemed{Market: id, Account: account, Amount: clone(payout), Shares: clone(shares)})
	return nil
}

func (x *execution) borrow(account crypto.Address, id string, amount *uint256.Int) error {
	if isZero(amount) {
		return fmt.Errorf("%w: borrow amount must be positive", ErrInvalidAmount)
	}
	m, err := x.store.market(id)
	if err != nil {
		return err
	}
	if err := x.canBorrow(account, m, amount); err != nil {
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
	if pos.DebtPrincipal, err = addAmount(debt, amount); err != nil {
		return err
	}
	pos.DebtIndex = m.DebtIndex
	if m.TotalBorrows, err = addAmount(m.TotalBorrows, amount); err != nil {
		return err
	}
	m.Cash = subSat(m.Cash, amount)
	if err := x.debit(id, x.engine.moduleAddress, amount); err != nil {
		return err
	}
	if err := x.credit(id, account, amount); err != nil {
		return err
	}
	if err := x.savePosition(id, account, pos); err != nil {
		return err
	}
	if err := x.saveMarket(m); err != nil {
		return err
	}
	x.emit(events.Borrowed{
		Market:       id,
		Account:      account,
		Amount:       clone(amount),
		AccountDebt:  clone(pos.DebtPrincipal),
		TotalBorrows: clone(m.TotalBorrows),
	})
	return nil
}

// repay settles up to amount of borrower's debt with payer's underlying. A
// zero amount repays everything. When exact is set the amount must not exceed
// the debt.
func (x *execution) repay(payer, borrower crypto.Address, id string, amount *uint256.Int, exact bool) (*uint256.Int, error) {
	m, err := x.store.market(id)
	if err != nil {
		return nil, err
	}
	if err := canRepay(m); err != nil {
		return nil, err
	}
	pos, err := x.store.position(id, borrower)
	if err != nil {
		return nil, err
	}
	debt, err := debtOf(pos, m)
	if err != nil {
		return nil, err
	}
	if debt.IsZero() {
		return nil, ErrNoDebt
	}
	pay := clone(amount)
	if pay.IsZero() || pay.Gt(debt) {
		if exact && !pay.IsZero() {
			return nil, fmt.Errorf("%w: repay %s exceeds debt %s", ErrInvalidAmount, pay.Dec(), debt.Dec())
		}
		pay = debt
	}
	if err := x.debit(id, payer, pay); err != nil {
		return nil, err
	}
	if err := x.credit(id, x.engine.moduleAddress, pay); err != nil {
		return nil, err
	}
	pos.DebtPrincipal = new(uint256.Int).Sub(debt, pay)
	pos.DebtIndex = m.DebtIndex
	if pos.DebtPrincipal.IsZero() {
		pos.DebtIndex = Wad{}
	}
	m.TotalBorrows = subSat(m.TotalBorrows, pay)
	if m.Cash, err = addAmount(m.Cash, pay); err != nil {
		return nil, err
	}
	if err := x.savePosition(id, borrower, pos); err != nil {
		return nil, err
	}
	if err := x.saveMarket(m); err != nil {
		return nil, err
	}
	x.emit(events.Repaid{Market: id, Payer: payer, Borrower: borrower, Amount: clone(pay), Remaining: clone(pos.DebtPrincipal)})
	return pay, nil
}

func (x *execution) transfer(from, to crypto.Address, id string, shares *uint256.Int) error {
	if isZero(shares) {
		return fmt.Errorf("%w: transfer amount must be positive", ErrInvalidAmount)
	}
	if from.Equal(to) {
		return fmt.Errorf("%w: sender and recipient are the same", ErrInvalidParameter)
	}
	m, err := x.store.market(id)
	if err != nil {
		return err
	}
	if err := canTransferMarket(m); err != nil {
		return err
	}
	src, err := x.store.position(id, from)
	if err != nil {
		return err
	}
	if src.Shares.Lt(shares) {
		return fmt.Errorf("%w: have %s shares, need %s", ErrInsufficientBalance, src.Shares.Dec(), shares.Dec())
	}
	cut := subSat(shares, src.Unposted())
	if !cut.IsZero() {
		if err := x.releaseCollateral(from, id, src, cut); err != nil {
			return err
		}
	}
	src.Shares = subSat(src.Shares, shares)
	src.Posted = subSat(src.Posted, cut)
	m.TotalCollateral = subSat(m.TotalCollateral, cut)
	if err := x.savePosition(id, from, src); err != nil {
		return err
	}
	dst, err := x.store.position(id, to)
	if err != nil {
		return err
	}
	if dst.Shares, err = addAmount(dst.Shares, shares); err != nil {
		return err
	}
	if err := x.savePosition(id, to, dst); err != nil {
		return err
	}
	if err := x.saveMarket(m); err != nil {
		return err
	}
	if !cut.IsZero() {
		x.emit(events.CollateralRemoved{Market: id, Account: from, Shares: clone(cut)})
	}
	x.emit(events.Transferred{Market: id, From: from, To: to, Shares: clone(shares)})
	return nil
}

// seizeShares moves posted collateral of borrower to the unposted balance of
// recipient.
func (x *execution) seizeShares(recipient, borrower crypto.Address, id string, shares *uint256.Int) error {
	if isZero(shares) {
		return nil
	}
	if recipient.Equal(borrower) {
		return ErrSelfLiquidation
	}
	m, err := x.store.market(id)
	if err != nil {
		return err
	}
	if err := canSeizeMarket(m); err != nil {
		return err
	}
	src, err := x.store.position(id, borrower)
	if err != nil {
		return err
	}
	if src.Posted.Lt(shares) {
		return fmt.Errorf("%w: %s posted, %s to seize", ErrInsufficientBalance, src.Posted.Dec(), shares.Dec())
	}
	src.Shares = subSat(src.Shares, shares)
	src.Posted = subSat(src.Posted, shares)
	m.TotalCollateral = subSat(m.TotalCollateral, shares)
	if err := x.savePosition(id, borrower, src); err != nil {
		return err
	}
	dst, err := x.store.position(id, recipient)
	if err != nil {
		return err
	}
	if dst.Shares, err = addAmount(dst.Shares, shares); err != nil {
		return err
	}
	if err := x.savePosition(id, recipient, dst); err != nil {
		return err
	}
	return x.saveMarket(m)
}

func (x *execution) postCollateral(account crypto.Address, id string, shares *uint256.Int) error {
	if isZero(shares) {
		return fmt.Errorf("%w: collateral amount must be positive", ErrInvalidAmount)
	}
	m, err := x.store.market(id)
	if err != nil {
		return err
	}
	if err := canPostCollateral(m); err != nil {
		return err
	}
	pos, err := x.store.position(id, account)
	if err != nil {
		return err
	}
	if pos.Unposted().Lt(shares) {
		return fmt.Errorf("%w: %s unposted shares, %s requested", ErrInsufficientBalance, pos.Unposted().Dec(), shares.Dec())
	}
	total, err := addAmount(m.TotalCollateral, shares)
	if err != nil {
		return err
	}
	if total.Gt(m.CollateralCap) {
		return fmt.Errorf("%w: cap %s, would reach %s", ErrCollateralCapExceeded, m.CollateralCap.Dec(), total.Dec())
	}
	m.TotalCollateral = total
	pos.Posted = new(uint256.Int).Add(pos.Posted, shares)
	pos.PostedAt = x.now
	if err := x.savePosition(id, account, pos); err != nil {
		return err
	}
	if err := x.saveMarket(m); err != nil {
		return err
	}
	x.emit(events.CollateralPosted{Market: id, Account: account, Shares: clone(shares)})
	return nil
}

func (x *execution) removeCollateral(account crypto.Address, id string, shares *uint256.Int) error {
	if isZero(shares) {
		return fmt.Errorf("%w: collateral amount must be positive", ErrInvalidAmount)
	}
	m, err := x.store.market(id)
	if err != nil {
		return err
	}
	if err := canRedeemMarket(m); err != nil {
		return err
	}
	pos, err := x.store.position(id, account)
	if err != nil {
		return err
	}
	if pos.Posted.Lt(shares) {
		return fmt.Errorf("%w: %s posted, %s requested", ErrInsufficientBalance, pos.Posted.Dec(), shares.Dec())
	}
	if err := x.releaseCollateral(account, id, pos, shares); err != nil {
		return err
	}
	pos.Posted = subSat(pos.Posted, shares)
	m.TotalCollateral = subSat(m.TotalCollateral, shares)
	if err := x.savePosition(id, account, pos); err != nil {
		return err
	}
	if err := x.saveMarket(m); err != nil {
		return err
	}
	x.emit(events.CollateralRemoved{Market: id, Account: account, Shares: clone(shares)})
	return nil
}

// releaseCollateral checks that shares of posted collateral may leave the
// account: the hold period must be over and the account must stay solvent.
func (x *execution) releaseCollateral(account crypto.Address, id string, pos *AccountPosition, shares *uint256.Int) error {
	proto, err := x.store.protocol()
	if err != nil {
		return err
	}
	if proto.MinHoldSeconds > 0 && x.now < pos.PostedAt+proto.MinHoldSeconds {
		return fmt.Errorf("%w: releasable at %d", ErrMinimumHold, pos.PostedAt+proto.MinHoldSeconds)
	}
	return x.requireLiquidity(account, id, shares, nil)
}

func (x *execution) redeemShares(account crypto.Address, id string, shares *uint256.Int) error {
	_, err := x.redeemSharesFor(account, id, shares)
	return err
}

// redeemSharesFor pays out shares at the current rate, rounded down.
func (x *execution) redeemSharesFor(account crypto.Address, id string, shares *uint256.Int) (*uint256.Int, error) {
	if isZero(shares) {
		return nil, fmt.Errorf("%w: redeem amount must be positive", ErrInvalidAmount)
	}
	m, err := x.store.market(id)
	if err != nil {
		return nil, err
	}
	payout, err := mulWadDown(shares, m.ExchangeRate)
	if err != nil {
		return nil, err
	}
	if payout.IsZero() {
		return nil, fmt.Errorf("%w: shares worth nothing", ErrInvalidAmount)
	}
	if err := x.redeem(account, id, shares, payout); err != nil {
		return nil, err
	}
	return payout, nil
}

// redeemUnderlying burns the shares needed for amount, rounded up.
func (x *execution) redeemUnderlying(account crypto.Address, id string, amount *uint256.Int) (*uint256.Int, error) {
	if isZero(amount) {
		return nil, fmt.Errorf("%w: redeem amount must be positive", ErrInvalidAmount)
	}
	m, err := x.store.market(id)
	if err != nil {
		return nil, err
	}
	shares, err := divWadUp(amount, m.ExchangeRate)
	if err != nil {
		return nil, err
	}
	if err := x.redeem(account, id, shares, amount); err != nil {
		return nil, err
	}
	return shares, nil
}

// Mint supplies amount of the market's underlying and returns the shares
// credited, rounded down.
func (e *Engine) Mint(account crypto.Address, market string, amount *uint256.Int) (*uint256.Int, error) {
	id := normalizeMarketID(market)
	var shares *uint256.Int
	err := e.mutate("mint", func(x *execution) error {
		if err := x.prepare(id); err != nil {
			return err
		}
		var err error
		shares, err = x.mint(account, id, amount)
		return err
	})
	return shares, err
}

// Redeem burns shares and returns the underlying paid out.
func (e *Engine) Redeem(account crypto.Address, market string, shares *uint256.Int) (*uint256.Int, error) {
	id := normalizeMarketID(market)
	var payout *uint256.Int
	err := e.mutate("redeem", func(x *execution) error {
		if err := x.prepare(id); err != nil {
			return err
		}
		var err error
		payout, err = x.redeemSharesFor(account, id, shares)
		return err
	})
	return payout, err
}

// RedeemUnderlying withdraws exactly amount of underlying and returns the
// shares burned.
func (e *Engine) RedeemUnderlying(account crypto.Address, market string, amount *uint256.Int) (*uint256.Int, error) {
	id := normalizeMarketID(market)
	var shares *uint256.Int
	err := e.mutate("redeem_underlying", func(x *execution) error {
		if err := x.prepare(id); err != nil {
			return err
		}
		var err error
		shares, err = x.redeemUnderlying(account, id, amount)
		return err
	})
	return shares, err
}

// Borrow draws amount of the market's underlying against posted collateral.
func (e *Engine) Borrow(account crypto.Address, market string, amount *uint256.Int) error {
	id := normalizeMarketID(market)
	return e.mutate("borrow", func(x *execution) error {
		if err := x.prepare(id); err != nil {
			return err
		}
		return x.borrow(account, id, amount)
	})
}

// Repay settles the caller's own debt. A zero or oversized amount repays it
// all. It returns the amount actually repaid.
func (e *Engine) Repay(account crypto.Address, market string, amount *uint256.Int) (*uint256.Int, error) {
	return e.RepayFor(account, account, market, amount)
}

// RepayFor settles borrower's debt with payer's funds.
func (e *Engine) RepayFor(payer, borrower crypto.Address, market string, amount *uint256.Int) (*uint256.Int, error) {
	id := normalizeMarketID(market)
	var paid *uint256.Int
	err := e.mutate("repay", func(x *execution) error {
		if err := x.prepare(id); err != nil {
			return err
		}
		var err error
		paid, err = x.repay(payer, borrower, id, amount, false)
		return err
	})
	return paid, err
}

// Transfer moves supply shares between accounts.
func (e *Engine) Transfer(from, to crypto.Address, market string, shares *uint256.Int) error {
	id := normalizeMarketID(market)
	return e.mutate("transfer", func(x *execution) error {
		if err := x.prepare(id); err != nil {
			return err
		}
		return x.transfer(from, to, id, shares)
	})
}

// BalanceOf returns the supply shares or live debt of account in market.
func (e *Engine) BalanceOf(kind PositionKind, account crypto.Address, market string) (*uint256.Int, error) {
	id := normalizeMarketID(market)
	var bal *uint256.Int
	err := e.view(func(x *execution) error {
		var err error
		bal, err = x.position(kind, id).BalanceOf(account)
		return err
	})
	return bal, err
}

// Underlying returns the ledger balance of account in asset.
func (e *Engine) Underlying(account crypto.Address, asset string) (*uint256.Int, error) {
	var bal *uint256.Int
	err := e.view(func(x *execution) error {
		var err error
		bal, err = x.ledger.Balance(normalizeMarketID(asset), account)
		return err
	})
	return bal, err
}
