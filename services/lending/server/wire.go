package server

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"lendmarket/crypto"
	"lendmarket/native/lending"
)

// Amounts cross the wire as base-10 strings of raw token units. Rates and
// ratios are WAD decimals such as "0.8".

func formatAmount(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func parseAmount(field, raw string) (*uint256.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: %s required", lending.ErrInvalidAmount, field)
	}
	v, err := uint256.FromDecimal(trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", lending.ErrInvalidAmount, field, err)
	}
	return v, nil
}

// parseOptionalAmount returns nil for an empty field.
func parseOptionalAmount(field, raw string) (*uint256.Int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	return parseAmount(field, raw)
}

func parseAddress(field, raw string) (crypto.Address, error) {
	addr, err := crypto.DecodeAddress(strings.TrimSpace(raw))
	if err != nil {
		return crypto.Address{}, fmt.Errorf("%w: %s: %v", lending.ErrInvalidParameter, field, err)
	}
	return addr, nil
}

type collateralJSON struct {
	CollRatio        lending.Wad `json:"collRatio"`
	CollReqSoft      lending.Wad `json:"collReqSoft"`
	CollReqHard      lending.Wad `json:"collReqHard"`
	LiqBaseIncentive lending.Wad `json:"liqBaseIncentive"`
	LiqCurve         lending.Wad `json:"liqCurve"`
	LiqFee           lending.Wad `json:"liqFee"`
	BaseCFactor      lending.Wad `json:"baseCFactor"`
	CFactorCurve     lending.Wad `json:"cFactorCurve"`
}

type pausesJSON struct {
	Mint     bool `json:"mint"`
	Borrow   bool `json:"borrow"`
	Redeem   bool `json:"redeem"`
	Transfer bool `json:"transfer"`
	Seize    bool `json:"seize"`
}

func (p pausesJSON) toPauses() lending.Pauses {
	return lending.Pauses{Mint: p.Mint, Borrow: p.Borrow, Redeem: p.Redeem, Transfer: p.Transfer, Seize: p.Seize}
}

type marketJSON struct {
	ID              string         `json:"id"`
	Decimals        uint8          `json:"decimals"`
	Cash            string         `json:"cash"`
	TotalBorrows    string         `json:"totalBorrows"`
	TotalReserves   string         `json:"totalReserves"`
	TotalShares     string         `json:"totalShares"`
	TotalCollateral string         `json:"totalCollateral"`
	DebtIndex       lending.Wad    `json:"debtIndex"`
	ExchangeRate    lending.Wad    `json:"exchangeRate"`
	LastAccrual     uint64         `json:"lastAccrual"`
	Borrowable      bool           `json:"borrowable"`
	Collateral      collateralJSON `json:"collateral"`
	CollateralCap   string         `json:"collateralCap"`
	ReserveFactor   lending.Wad    `json:"reserveFactor"`
	Pauses          pausesJSON     `json:"pauses"`
}

func toMarketJSON(m *lending.Market) marketJSON {
	c := m.Collateral
	return marketJSON{
		ID:              m.ID,
		Decimals:        m.Decimals,
		Cash:            formatAmount(m.Cash),
		TotalBorrows:    formatAmount(m.TotalBorrows),
		TotalReserves:   formatAmount(m.TotalReserves),
		TotalShares:     formatAmount(m.TotalShares),
		TotalCollateral: formatAmount(m.TotalCollateral),
		DebtIndex:       m.DebtIndex,
		ExchangeRate:    m.ExchangeRate,
		LastAccrual:     m.LastAccrual,
		Borrowable:      m.Borrowable,
		Collateral: collateralJSON{
			CollRatio:        c.CollRatio,
			CollReqSoft:      c.CollReqSoft,
			CollReqHard:      c.CollReqHard,
			LiqBaseIncentive: c.LiqBaseIncentive,
			LiqCurve:         c.LiqCurve,
			LiqFee:           c.LiqFee,
			BaseCFactor:      c.BaseCFactor,
			CFactorCurve:     c.CFactorCurve,
		},
		CollateralCap: formatAmount(m.CollateralCap),
		ReserveFactor: m.ReserveFactor,
		Pauses: pausesJSON{
			Mint:     m.Pauses.Mint,
			Borrow:   m.Pauses.Borrow,
			Redeem:   m.Pauses.Redeem,
			Transfer: m.Pauses.Transfer,
			Seize:    m.Pauses.Seize,
		},
	}
}

type ratesJSON struct {
	Market             string      `json:"market"`
	Utilization        lending.Wad `json:"utilization"`
	BorrowRate         lending.Wad `json:"borrowRatePerPeriod"`
	SupplyRate         lending.Wad `json:"supplyRatePerPeriod"`
	Multiplier         lending.Wad `json:"multiplier"`
	LastUpdate         uint64      `json:"lastUpdate"`
	ThresholdCrossedAt uint64      `json:"thresholdCrossedAt,omitempty"`
	PeriodSeconds      uint64      `json:"periodSeconds"`
}

type positionJSON struct {
	Market     string `json:"market"`
	Shares     string `json:"shares"`
	Posted     string `json:"posted"`
	Underlying string `json:"underlying"`
	Debt       string `json:"debt"`
}

type accountJSON struct {
	Address   string            `json:"address"`
	Positions []positionJSON    `json:"positions"`
	Wallet    map[string]string `json:"wallet"`
}

func toAccountJSON(addr crypto.Address, snaps []lending.AccountSnapshot) accountJSON {
	out := accountJSON{
		Address:   addr.String(),
		Positions: make([]positionJSON, 0, len(snaps)),
		Wallet:    make(map[string]string),
	}
	for _, s := range snaps {
		out.Positions = append(out.Positions, positionJSON{
			Market:     s.Market,
			Shares:     formatAmount(s.Shares),
			Posted:     formatAmount(s.Posted),
			Underlying: formatAmount(s.Underlying),
			Debt:       formatAmount(s.Debt),
		})
	}
	return out
}

type liquidityJSON struct {
	CollateralValue string      `json:"collateralValue"`
	DebtValue       string      `json:"debtValue"`
	Excess          string      `json:"excess"`
	Shortfall       string      `json:"shortfall"`
	SoftRequirement string      `json:"softRequirement"`
	HardRequirement string      `json:"hardRequirement"`
	LFactor         lending.Wad `json:"lFactor"`
}

func toLiquidityJSON(s *lending.LiquidityStatus) liquidityJSON {
	return liquidityJSON{
		CollateralValue: formatAmount(s.CollateralValue),
		DebtValue:       formatAmount(s.DebtValue),
		Excess:          formatAmount(s.Excess),
		Shortfall:       formatAmount(s.Shortfall),
		SoftRequirement: formatAmount(s.SoftRequirement),
		HardRequirement: formatAmount(s.HardRequirement),
		LFactor:         s.LFactor,
	}
}

type hypotheticalJSON struct {
	Excess    string `json:"excess"`
	Shortfall string `json:"shortfall"`
}

type liquidationJSON struct {
	DebtMarket       string            `json:"debtMarket"`
	CollateralMarket string            `json:"collateralMarket"`
	DebtToClose      string            `json:"debtToClose"`
	MaxDebtToClose   string            `json:"maxDebtToClose"`
	SharesSeized     string            `json:"sharesSeized"`
	LiquidatorShares string            `json:"liquidatorShares"`
	ProtocolShares   string            `json:"protocolShares"`
	LFactor          lending.Wad       `json:"lFactor"`
	CFactor          lending.Wad       `json:"cFactor"`
	Incentive        lending.Wad       `json:"incentive"`
	BadDebt          bool              `json:"badDebt"`
	WrittenOff       map[string]string `json:"writtenOff,omitempty"`
	SwapOutput       string            `json:"swapOutput,omitempty"`
}

func toLiquidationJSON(res *lending.LiquidationResult) liquidationJSON {
	out := liquidationJSON{
		DebtMarket:       res.DebtMarket,
		CollateralMarket: res.CollateralMarket,
		DebtToClose:      formatAmount(res.DebtToClose),
		MaxDebtToClose:   formatAmount(res.MaxDebtToClose),
		SharesSeized:     formatAmount(res.SharesSeized),
		LiquidatorShares: formatAmount(res.LiquidatorShares),
		ProtocolShares:   formatAmount(res.ProtocolShares),
		LFactor:          res.LFactor,
		CFactor:          res.CFactor,
		Incentive:        res.Incentive,
		BadDebt:          res.BadDebt,
	}
	if len(res.WrittenOff) > 0 {
		out.WrittenOff = make(map[string]string, len(res.WrittenOff))
		for market, amt := range res.WrittenOff {
			out.WrittenOff[market] = formatAmount(amt)
		}
	}
	return out
}

// Request bodies.

type amountRequest struct {
	Market string `json:"market"`
	Amount string `json:"amount"`
}

type sharesRequest struct {
	Market string `json:"market"`
	Shares string `json:"shares"`
}

// redeemRequest burns either an exact share count or the shares needed for
// an exact underlying amount. Exactly one must be set.
type redeemRequest struct {
	Market string `json:"market"`
	Shares string `json:"shares,omitempty"`
	Amount string `json:"amount,omitempty"`
}

type repayRequest struct {
	Market   string `json:"market"`
	Amount   string `json:"amount"`
	Borrower string `json:"borrower,omitempty"`
}

type transferRequest struct {
	Market string `json:"market"`
	To     string `json:"to"`
	Shares string `json:"shares"`
}

// liquidateRequest closes the maximum allowed debt when Amount is empty.
// A non-empty MinOut converts the reward through the swap venue. Liquidator
// is only read by the preview endpoint; actions use the token subject.
type liquidateRequest struct {
	Liquidator       string `json:"liquidator,omitempty"`
	Borrower         string `json:"borrower"`
	DebtMarket       string `json:"debtMarket"`
	CollateralMarket string `json:"collateralMarket"`
	Amount           string `json:"amount,omitempty"`
	MinOut           string `json:"minOut,omitempty"`
}

type hypotheticalRequest struct {
	Market       string `json:"market"`
	RedeemShares string `json:"redeemShares,omitempty"`
	BorrowAmount string `json:"borrowAmount,omitempty"`
}

type pausesRequest struct {
	Market string     `json:"market"`
	Pauses pausesJSON `json:"pauses"`
}

type moduleRequest struct {
	Paused bool `json:"paused"`
}

type depositRequest struct {
	Reference string `json:"reference"`
	Account   string `json:"account"`
	Asset     string `json:"asset"`
	Amount    string `json:"amount"`
}

type depositJSON struct {
	Reference string `json:"reference"`
	Asset     string `json:"asset"`
	Account   string `json:"account"`
	Amount    string `json:"amount"`
	Credited  bool   `json:"credited"`
}

type priceRequest struct {
	Asset string `json:"asset"`
	USD   string `json:"usd"`
}

type reservesRequest struct {
	Market string `json:"market"`
	Amount string `json:"amount"`
	To     string `json:"to"`
}
