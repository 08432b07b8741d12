package events

import (
	"strconv"
	"strings"

	"github.com/holiman/uint256"

	"lendmarket/core/types"
	"lendmarket/crypto"
)

const (
	TypeMarketListed       = "market.listed"
	TypeMinted             = "lending.minted"
	TypeRedeemed           = "lending.redeemed"
	TypeBorrowed           = "lending.borrowed"
	TypeRepaid             = "lending.repaid"
	TypeTransferred        = "lending.transferred"
	TypeCollateralPosted   = "lending.collateral_posted"
	TypeCollateralRemoved  = "lending.collateral_removed"
	TypeLiquidated         = "lending.liquidated"
	TypeBadDebt            = "lending.bad_debt"
	TypeInterestAccrued    = "lending.interest_accrued"
	TypeParamsUpdated      = "lending.params_updated"
	TypeReservesWithdrawn  = "lending.reserves_withdrawn"
	TypeLiquidationSwapped = "lending.liquidation_swapped"
)

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func normalizeMarket(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

type MarketListed struct {
	Market   string
	Decimals uint8
}

func (MarketListed) EventType() string { return TypeMarketListed }

func (e MarketListed) Event() *types.Event {
	return &types.Event{Type: TypeMarketListed, Attributes: map[string]string{
		"market":   normalizeMarket(e.Market),
		"decimals": strconv.Itoa(int(e.Decimals)),
	}}
}

// Minted records underlying supplied in exchange for supply shares.
type Minted struct {
	Market  string
	Account crypto.Address
	Amount  *uint256.Int
	Shares  *uint256.Int
}

func (Minted) EventType() string { return TypeMinted }

func (e Minted) Event() *types.Event {
	return &types.Event{Type: TypeMinted, Attributes: map[string]string{
		"market":  normalizeMarket(e.Market),
		"account": e.Account.String(),
		"amount":  formatAmount(e.Amount),
		"shares":  formatAmount(e.Shares),
	}}
}

type Redeemed struct {
	Market  string
	Account crypto.Address
	Amount  *uint256.Int
	Shares  *uint256.Int
}

func (Redeemed) EventType() string { return TypeRedeemed }

func (e Redeemed) Event() *types.Event {
	return &types.Event{Type: TypeRedeemed, Attributes: map[string]string{
		"market":  normalizeMarket(e.Market),
		"account": e.Account.String(),
		"amount":  formatAmount(e.Amount),
		"shares":  formatAmount(e.Shares),
	}}
}

type Borrowed struct {
	Market       string
	Account      crypto.Address
	Amount       *uint256.Int
	AccountDebt  *uint256.Int
	TotalBorrows *uint256.Int
}

func (Borrowed) EventType() string { return TypeBorrowed }

func (e Borrowed) Event() *types.Event {
	return &types.Event{Type: TypeBorrowed, Attributes: map[string]string{
		"market":       normalizeMarket(e.Market),
		"account":      e.Account.String(),
		"amount":       formatAmount(e.Amount),
		"accountDebt":  formatAmount(e.AccountDebt),
		"totalBorrows": formatAmount(e.TotalBorrows),
	}}
}

// Repaid is emitted for both self repayments and repayments on behalf of
// another borrower.
type Repaid struct {
	Market    string
	Payer     crypto.Address
	Borrower  crypto.Address
	Amount    *uint256.Int
	Remaining *uint256.Int
}

func (Repaid) EventType() string { return TypeRepaid }

func (e Repaid) Event() *types.Event {
	return &types.Event{Type: TypeRepaid, Attributes: map[string]string{
		"market":    normalizeMarket(e.Market),
		"payer":     e.Payer.String(),
		"borrower":  e.Borrower.String(),
		"amount":    formatAmount(e.Amount),
		"remaining": formatAmount(e.Remaining),
	}}
}

type Transferred struct {
	Market string
	From   crypto.Address
	To     crypto.Address
	Shares *uint256.Int
}

func (Transferred) EventType() string { return TypeTransferred }

func (e Transferred) Event() *types.Event {
	return &types.Event{Type: TypeTransferred, Attributes: map[string]string{
		"market": normalizeMarket(e.Market),
		"from":   e.From.String(),
		"to":     e.To.String(),
		"shares": formatAmount(e.Shares),
	}}
}

type CollateralPosted struct {
	Market  string
	Account crypto.Address
	Shares  *uint256.Int
}

func (CollateralPosted) EventType() string { return TypeCollateralPosted }

func (e CollateralPosted) Event() *types.Event {
	return &types.Event{Type: TypeCollateralPosted, Attributes: map[string]string{
		"market":  normalizeMarket(e.Market),
		"account": e.Account.String(),
		"shares":  formatAmount(e.Shares),
	}}
}

type CollateralRemoved struct {
	Market  string
	Account crypto.Address
	Shares  *uint256.Int
}

func (CollateralRemoved) EventType() string { return TypeCollateralRemoved }

func (e CollateralRemoved) Event() *types.Event {
	return &types.Event{Type: TypeCollateralRemoved, Attributes: map[string]string{
		"market":  normalizeMarket(e.Market),
		"account": e.Account.String(),
		"shares":  formatAmount(e.Shares),
	}}
}

// Liquidated captures the outcome of a single liquidation call.
type Liquidated struct {
	DebtMarket       string
	CollateralMarket string
	Liquidator       crypto.Address
	Borrower         crypto.Address
	DebtClosed       *uint256.Int
	SharesSeized     *uint256.Int
	ProtocolShares   *uint256.Int
	BadDebt          bool
}

func (Liquidated) EventType() string { return TypeLiquidated }

func (e Liquidated) Event() *types.Event {
	return &types.Event{Type: TypeLiquidated, Attributes: map[string]string{
		"debtMarket":       normalizeMarket(e.DebtMarket),
		"collateralMarket": normalizeMarket(e.CollateralMarket),
		"liquidator":       e.Liquidator.String(),
		"borrower":         e.Borrower.String(),
		"debtClosed":       formatAmount(e.DebtClosed),
		"sharesSeized":     formatAmount(e.SharesSeized),
		"protocolShares":   formatAmount(e.ProtocolShares),
		"badDebt":          strconv.FormatBool(e.BadDebt),
	}}
}

// BadDebtSocialized records debt written off against suppliers.
type BadDebtSocialized struct {
	Market          string
	Borrower        crypto.Address
	Amount          *uint256.Int
	ExchangeRateOld *uint256.Int
	ExchangeRateNew *uint256.Int
}

func (BadDebtSocialized) EventType() string { return TypeBadDebt }

func (e BadDebtSocialized) Event() *types.Event {
	return &types.Event{Type: TypeBadDebt, Attributes: map[string]string{
		"market":          normalizeMarket(e.Market),
		"borrower":        e.Borrower.String(),
		"amount":          formatAmount(e.Amount),
		"exchangeRateOld": formatAmount(e.ExchangeRateOld),
		"exchangeRateNew": formatAmount(e.ExchangeRateNew),
	}}
}

type InterestAccrued struct {
	Market       string
	Periods      uint64
	Interest     *uint256.Int
	Reserves     *uint256.Int
	BorrowRate   *uint256.Int
	DebtIndex    *uint256.Int
	ExchangeRate *uint256.Int
}

func (InterestAccrued) EventType() string { return TypeInterestAccrued }

func (e InterestAccrued) Event() *types.Event {
	return &types.Event{Type: TypeInterestAccrued, Attributes: map[string]string{
		"market":       normalizeMarket(e.Market),
		"periods":      strconv.FormatUint(e.Periods, 10),
		"interest":     formatAmount(e.Interest),
		"reserves":     formatAmount(e.Reserves),
		"borrowRate":   formatAmount(e.BorrowRate),
		"debtIndex":    formatAmount(e.DebtIndex),
		"exchangeRate": formatAmount(e.ExchangeRate),
	}}
}

type ParamsUpdated struct {
	Market string
	Param  string
	By     crypto.Address
}

func (ParamsUpdated) EventType() string { return TypeParamsUpdated }

func (e ParamsUpdated) Event() *types.Event {
	return &types.Event{Type: TypeParamsUpdated, Attributes: map[string]string{
		"market": normalizeMarket(e.Market),
		"param":  strings.TrimSpace(e.Param),
		"by":     e.By.String(),
	}}
}

type ReservesWithdrawn struct {
	Market string
	To     crypto.Address
	Amount *uint256.Int
}

func (ReservesWithdrawn) EventType() string { return TypeReservesWithdrawn }

func (e ReservesWithdrawn) Event() *types.Event {
	return &types.Event{Type: TypeReservesWithdrawn, Attributes: map[string]string{
		"market": normalizeMarket(e.Market),
		"to":     e.To.String(),
		"amount": formatAmount(e.Amount),
	}}
}

// LiquidationSwapped records the conversion leg of a liquidate-and-swap call.
type LiquidationSwapped struct {
	Liquidator crypto.Address
	AssetIn    string
	AssetOut   string
	AmountIn   *uint256.Int
	AmountOut  *uint256.Int
	MinOut     *uint256.Int
}

func (LiquidationSwapped) EventType() string { return TypeLiquidationSwapped }

func (e LiquidationSwapped) Event() *types.Event {
	return &types.Event{Type: TypeLiquidationSwapped, Attributes: map[string]string{
		"liquidator": e.Liquidator.String(),
		"assetIn":    normalizeMarket(e.AssetIn),
		"assetOut":   normalizeMarket(e.AssetOut),
		"amountIn":   formatAmount(e.AmountIn),
		"amountOut":  formatAmount(e.AmountOut),
		"minOut":     formatAmount(e.MinOut),
	}}
}

// Convertible is implemented by events that render to the generic
// attribute form consumed by indexers and the audit log.
type Convertible interface {
	EventType() string
	Event() *types.Event
}
