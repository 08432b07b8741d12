package lending

import (
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"lendmarket/crypto"
)

// MarketConfig is the TOML form of a market listing. Wad fields are decimal
// strings such as "0.8"; amounts are base-10 integer strings.
type MarketConfig struct {
	ID               string             `toml:"ID"`
	Decimals         uint8              `toml:"Decimals"`
	Borrowable       bool               `toml:"Borrowable"`
	CollateralCap    string             `toml:"CollateralCap"`
	ReserveFactorBps uint64             `toml:"ReserveFactorBps"`
	Collateral       CollateralConfig   `toml:"collateral"`
	InterestRate     InterestRateConfig `toml:"interest"`
}

// CollateralConfig mirrors CollateralParams.
type CollateralConfig struct {
	CollRatio        Wad    `toml:"CollRatio"`
	CollReqSoft      Wad    `toml:"CollReqSoft"`
	CollReqHard      Wad    `toml:"CollReqHard"`
	LiqBaseIncentive Wad    `toml:"LiqBaseIncentive"`
	LiqCurve         Wad    `toml:"LiqCurve"`
	LiqFeeBps        uint64 `toml:"LiqFeeBps"`
	BaseCFactor      Wad    `toml:"BaseCFactor"`
	CFactorCurve     Wad    `toml:"CFactorCurve"`
}

// InterestRateConfig mirrors InterestRateParams.
type InterestRateConfig struct {
	BaseRatePerPeriod   Wad `toml:"BaseRatePerPeriod"`
	VertexRatePerPeriod Wad `toml:"VertexRatePerPeriod"`
	VertexPoint         Wad `toml:"VertexPoint"`
	IncreaseThreshold   Wad `toml:"IncreaseThreshold"`
	AdjustmentVelocity  Wad `toml:"AdjustmentVelocity"`
	DecayRate           Wad `toml:"DecayRate"`
	MultiplierMin       Wad `toml:"MultiplierMin"`
	MultiplierMax       Wad `toml:"MultiplierMax"`
}

// Params converts the configuration and validates it.
func (c MarketConfig) Params() (MarketParams, error) {
	id := normalizeMarketID(c.ID)
	if id == "" {
		return MarketParams{}, fmt.Errorf("%w: market ID required", ErrInvalidParameter)
	}
	if c.ReserveFactorBps > 10_000 {
		return MarketParams{}, fmt.Errorf("%w: market %s: ReserveFactorBps above 10000", ErrInvalidParameter, id)
	}
	if c.Collateral.LiqFeeBps > 10_000 {
		return MarketParams{}, fmt.Errorf("%w: market %s: LiqFeeBps above 10000", ErrInvalidParameter, id)
	}
	capacity := zero()
	if s := strings.TrimSpace(c.CollateralCap); s != "" {
		parsed, err := uint256.FromDecimal(s)
		if err != nil {
			return MarketParams{}, fmt.Errorf("%w: market %s: CollateralCap: %v", ErrInvalidParameter, id, err)
		}
		capacity = parsed
	}
	if !c.Collateral.CollRatio.IsZero() && capacity.IsZero() {
		return MarketParams{}, fmt.Errorf("%w: market %s: CollateralCap required for a collateral market", ErrInvalidParameter, id)
	}
	params := MarketParams{
		ID:            id,
		Decimals:      c.Decimals,
		Borrowable:    c.Borrowable,
		CollateralCap: capacity,
		ReserveFactor: WadFromBps(c.ReserveFactorBps),
		Collateral: CollateralParams{
			CollRatio:        c.Collateral.CollRatio,
			CollReqSoft:      c.Collateral.CollReqSoft,
			CollReqHard:      c.Collateral.CollReqHard,
			LiqBaseIncentive: c.Collateral.LiqBaseIncentive,
			LiqCurve:         c.Collateral.LiqCurve,
			LiqFee:           WadFromBps(c.Collateral.LiqFeeBps),
			BaseCFactor:      c.Collateral.BaseCFactor,
			CFactorCurve:     c.Collateral.CFactorCurve,
		},
		InterestRate: InterestRateParams(c.InterestRate),
	}
	if err := validateMarketParams(params); err != nil {
		return MarketParams{}, fmt.Errorf("market %s: %w", id, err)
	}
	return params, nil
}

// ProtocolConfig is the TOML form of ProtocolParams. Zero values fall back to
// the defaults.
type ProtocolConfig struct {
	MinIncentive   Wad    `toml:"MinIncentive"`
	MaxIncentive   Wad    `toml:"MaxIncentive"`
	FeeCollector   string `toml:"FeeCollector"`
	MinHoldSeconds uint64 `toml:"MinHoldSeconds"`
}

// Params converts the configuration and validates it.
func (c ProtocolConfig) Params() (ProtocolParams, error) {
	p := DefaultProtocolParams()
	if !c.MinIncentive.IsZero() {
		p.MinIncentive = c.MinIncentive
	}
	if !c.MaxIncentive.IsZero() {
		p.MaxIncentive = c.MaxIncentive
	}
	if c.MinHoldSeconds != 0 {
		p.MinHoldSeconds = c.MinHoldSeconds
	}
	if s := strings.TrimSpace(c.FeeCollector); s != "" {
		addr, err := crypto.DecodeAddress(s)
		if err != nil {
			return ProtocolParams{}, fmt.Errorf("%w: FeeCollector: %v", ErrInvalidParameter, err)
		}
		p.FeeCollector = addr
	}
	if err := validateProtocol(p); err != nil {
		return ProtocolParams{}, err
	}
	return p, nil
}
