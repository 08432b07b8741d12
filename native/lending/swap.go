package lending

import (
	"fmt"

	"github.com/holiman/uint256"

	"lendmarket/core/pricing"
	"lendmarket/crypto"
)

// SwapInstruction asks the swap venue to convert AmountIn of AssetIn into
// AssetOut for Recipient.
type SwapInstruction struct {
	AssetIn   string
	AssetOut  string
	AmountIn  *uint256.Int
	MinOut    *uint256.Int
	Recipient crypto.Address
}

// Swapper quotes conversions during liquidate-and-swap. The engine settles
// both legs against the venue's ledger account inside the liquidation
// transaction, so the venue must hold enough of AssetOut.
type Swapper interface {
	Swap(instr SwapInstruction) (*uint256.Int, error)
}

// OracleSwapper quotes swaps at router prices less a fee. The input leg is
// valued at the lower price and the output leg at the higher one.
type OracleSwapper struct {
	prices   PriceRouter
	decimals map[string]uint8
	keep     Wad
}

// NewOracleSwapper builds a swapper for the given asset decimals. feeBps is
// withheld from every output.
func NewOracleSwapper(prices PriceRouter, decimals map[string]uint8, feeBps uint64) (*OracleSwapper, error) {
	if feeBps >= 10_000 {
		return nil, fmt.Errorf("%w: swap fee %d bps", ErrInvalidParameter, feeBps)
	}
	normalized := make(map[string]uint8, len(decimals))
	for asset, dec := range decimals {
		normalized[normalizeMarketID(asset)] = dec
	}
	return &OracleSwapper{
		prices:   prices,
		decimals: normalized,
		keep:     WadFromBps(10_000 - feeBps),
	}, nil
}

// Swap implements Swapper.
func (s *OracleSwapper) Swap(instr SwapInstruction) (*uint256.Int, error) {
	in, out := normalizeMarketID(instr.AssetIn), normalizeMarketID(instr.AssetOut)
	decIn, ok := s.decimals[in]
	if !ok {
		return nil, fmt.Errorf("%w: no decimals for %s", ErrInvalidParameter, in)
	}
	decOut, ok := s.decimals[out]
	if !ok {
		return nil, fmt.Errorf("%w: no decimals for %s", ErrInvalidParameter, out)
	}
	if isZero(instr.AmountIn) {
		return nil, ErrInvalidAmount
	}
	priceIn, err := s.quote(in, true)
	if err != nil {
		return nil, err
	}
	priceOut, err := s.quote(out, false)
	if err != nil {
		return nil, err
	}
	value, err := mulDivDown(instr.AmountIn, priceIn, pow10(decIn))
	if err != nil {
		return nil, err
	}
	gross, err := mulDivDown(value, pow10(decOut), priceOut)
	if err != nil {
		return nil, err
	}
	return mulWadDown(gross, s.keep)
}

func (s *OracleSwapper) quote(asset string, preferLower bool) (*uint256.Int, error) {
	if s.prices == nil {
		return nil, fmt.Errorf("%w: no price router", ErrPriceUnavailable)
	}
	p, code := s.prices.GetPrice(asset, true, preferLower)
	switch {
	case code == pricing.CodeStale:
		return nil, fmt.Errorf("%w: %s", ErrPriceStale, asset)
	case code != pricing.CodeOK || isZero(p):
		return nil, fmt.Errorf("%w: %s (%s)", ErrPriceUnavailable, asset, code)
	}
	return p, nil
}
