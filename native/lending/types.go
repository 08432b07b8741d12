package lending

import (
	"strings"

	"github.com/holiman/uint256"

	"lendmarket/crypto"
)

// CompoundingPeriod is the accrual granularity in seconds. Rates are quoted
// per period.
const CompoundingPeriod uint64 = 600

// Pauses exposes fine-grained switches for pausing individual market flows.
// Mint also gates posting collateral; Redeem also gates removing it.
type Pauses struct {
	Mint     bool
	Borrow   bool
	Redeem   bool
	Transfer bool
	Seize    bool
}

// CollateralParams configures how a market's supply shares back debt and how
// they are liquidated. A zero CollRatio means the market is not collateral.
type CollateralParams struct {
	// CollRatio is the share of collateral value counted toward borrowing
	// power.
	CollRatio Wad
	// CollReqSoft and CollReqHard are the collateral-to-debt requirements at
	// which liquidation severity starts (soft) and peaks (hard).
	CollReqSoft Wad
	CollReqHard Wad
	// LiqBaseIncentive is the collateral premium paid at minimal severity,
	// e.g. 1.05 for a 5% bonus. LiqCurve adds to it as severity grows.
	LiqBaseIncentive Wad
	LiqCurve         Wad
	// LiqFee is the fraction of seized collateral routed to the protocol.
	LiqFee Wad
	// BaseCFactor is the fraction of debt closable at minimal severity;
	// CFactorCurve scales it up with severity.
	BaseCFactor  Wad
	CFactorCurve Wad
}

// IsCollateral reports whether the market counts toward borrowing power.
func (p CollateralParams) IsCollateral() bool { return !p.CollRatio.IsZero() }

// Market captures the accounting state of one listed underlying asset. Amount
// fields are raw token units; rates and indexes are Wads.
type Market struct {
	ID       string
	Decimals uint8

	Cash          *uint256.Int
	TotalBorrows  *uint256.Int
	TotalReserves *uint256.Int
	// TotalShares is the supply share count; TotalCollateral is the part of
	// it posted as collateral.
	TotalShares     *uint256.Int
	TotalCollateral *uint256.Int

	DebtIndex    Wad
	ExchangeRate Wad
	LastAccrual  uint64

	Listed     bool
	Borrowable bool
	Pauses     Pauses

	CollateralCap *uint256.Int
	Collateral    CollateralParams
	ReserveFactor Wad
}

func (m *Market) ensureDefaults() {
	if m.Cash == nil {
		m.Cash = zero()
	}
	if m.TotalBorrows == nil {
		m.TotalBorrows = zero()
	}
	if m.TotalReserves == nil {
		m.TotalReserves = zero()
	}
	if m.TotalShares == nil {
		m.TotalShares = zero()
	}
	if m.TotalCollateral == nil {
		m.TotalCollateral = zero()
	}
	if m.CollateralCap == nil {
		m.CollateralCap = zero()
	}
}

// Clone returns a deep copy of the market.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	c := *m
	c.Cash = clone(m.Cash)
	c.TotalBorrows = clone(m.TotalBorrows)
	c.TotalReserves = clone(m.TotalReserves)
	c.TotalShares = clone(m.TotalShares)
	c.TotalCollateral = clone(m.TotalCollateral)
	c.CollateralCap = clone(m.CollateralCap)
	return &c
}

// AvailableCash is the cash not earmarked as protocol reserves.
func (m *Market) AvailableCash() *uint256.Int {
	return subSat(m.Cash, m.TotalReserves)
}

// AccountPosition is the per (account, market) record. Positions are created
// on first interaction and only ever zeroed.
type AccountPosition struct {
	Shares *uint256.Int
	// Posted is the subset of Shares pledged as collateral.
	Posted *uint256.Int
	// DebtPrincipal is the debt as of DebtIndex; the live balance is
	// DebtPrincipal * market.DebtIndex / DebtIndex.
	DebtPrincipal *uint256.Int
	DebtIndex     Wad
	// PostedAt is the last time collateral was posted, used for the minimum
	// hold period.
	PostedAt uint64
}

func (p *AccountPosition) ensureDefaults() {
	if p.Shares == nil {
		p.Shares = zero()
	}
	if p.Posted == nil {
		p.Posted = zero()
	}
	if p.DebtPrincipal == nil {
		p.DebtPrincipal = zero()
	}
}

// Unposted returns the shares that are free to move.
func (p *AccountPosition) Unposted() *uint256.Int {
	return subSat(p.Shares, p.Posted)
}

// ProtocolParams are the market-independent risk settings.
type ProtocolParams struct {
	// MinIncentive and MaxIncentive clamp every liquidation incentive.
	MinIncentive Wad
	MaxIncentive Wad
	// FeeCollector receives the protocol cut of seized collateral.
	FeeCollector crypto.Address
	// MinHoldSeconds blocks removing collateral shortly after posting it.
	MinHoldSeconds uint64
}

// DefaultProtocolParams returns the settings used until governance overrides
// them.
func DefaultProtocolParams() ProtocolParams {
	return ProtocolParams{
		MinIncentive:   MustParseWad("1.01"),
		MaxIncentive:   MustParseWad("1.3"),
		FeeCollector:   crypto.ModuleAddress("fees"),
		MinHoldSeconds: 1200,
	}
}

// MarketParams is the complete configuration supplied when listing a market.
type MarketParams struct {
	ID            string
	Decimals      uint8
	Borrowable    bool
	Collateral    CollateralParams
	CollateralCap *uint256.Int
	ReserveFactor Wad
	InterestRate  InterestRateParams
}

func normalizeMarketID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// LiquidityStatus is the result of valuing every position of an account.
// Values are USD scaled by 1e18.
type LiquidityStatus struct {
	CollateralValue *uint256.Int
	DebtValue       *uint256.Int
	// Excess and Shortfall are never both non-zero.
	Excess    *uint256.Int
	Shortfall *uint256.Int
	// SoftRequirement and HardRequirement are the debt values at which
	// liquidation severity starts and saturates.
	SoftRequirement *uint256.Int
	HardRequirement *uint256.Int
	// LFactor is the normalised severity in [0, 1].
	LFactor Wad
}

// LiquidationResult describes the sizing of a liquidation.
type LiquidationResult struct {
	DebtMarket       string
	CollateralMarket string
	// DebtToClose is the debt repaid by the liquidator.
	DebtToClose    *uint256.Int
	MaxDebtToClose *uint256.Int
	// SharesSeized is the collateral taken from the borrower, split into
	// LiquidatorShares and ProtocolShares.
	SharesSeized     *uint256.Int
	LiquidatorShares *uint256.Int
	ProtocolShares   *uint256.Int
	LFactor          Wad
	CFactor          Wad
	Incentive        Wad
	// BadDebt flags a seizure capped by the borrower's posted collateral.
	BadDebt bool
	// WrittenOff is the debt socialised per market when the borrower has no
	// collateral left.
	WrittenOff map[string]*uint256.Int
}

// AccountSnapshot is the live view of one account position.
type AccountSnapshot struct {
	Market     string
	Shares     *uint256.Int
	Posted     *uint256.Int
	Underlying *uint256.Int
	Debt       *uint256.Int
}

// RateSnapshot is the current rate curve position of a market.
type RateSnapshot struct {
	Market      string
	Utilization Wad
	BorrowRate  Wad
	SupplyRate  Wad
	Multiplier  Wad
}
