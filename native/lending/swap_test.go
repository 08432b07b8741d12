package lending

import (
	"testing"
	"time"
)

func TestOracleSwapperQuotesAtRouterPrices(t *testing.T) {
	h := newHarness(t)
	swapper, err := NewOracleSwapper(h.router, map[string]uint8{"eth": 18, "usdc": 6}, 30)
	if err != nil {
		t.Fatalf("new swapper: %v", err)
	}
	out, err := swapper.Swap(SwapInstruction{AssetIn: "ETH", AssetOut: "USDC", AmountIn: units(1, 18)})
	if err != nil {
		t.Fatalf("swap: %v", err)
	}
	// 2000 USDC less 30 bps.
	expectAmount(t, "eth to usdc", out, units(1994, 6))

	back, err := swapper.Swap(SwapInstruction{AssetIn: "usdc", AssetOut: "eth", AmountIn: units(2000, 6)})
	if err != nil {
		t.Fatalf("swap back: %v", err)
	}
	expectAmount(t, "usdc to eth", back, units(997, 15))
}

func TestOracleSwapperRejects(t *testing.T) {
	h := newHarness(t)
	if _, err := NewOracleSwapper(h.router, nil, 10_000); err == nil {
		t.Fatalf("expected full fee to be rejected")
	}
	swapper, err := NewOracleSwapper(h.router, map[string]uint8{"ETH": 18, "USDC": 6}, 0)
	if err != nil {
		t.Fatalf("new swapper: %v", err)
	}
	_, err = swapper.Swap(SwapInstruction{AssetIn: "DAI", AssetOut: "USDC", AmountIn: units(1, 18)})
	expectErr(t, err, ErrInvalidParameter)
	_, err = swapper.Swap(SwapInstruction{AssetIn: "ETH", AssetOut: "USDC"})
	expectErr(t, err, ErrInvalidAmount)

	h.now = h.now.Add(25 * time.Hour)
	_, err = swapper.Swap(SwapInstruction{AssetIn: "ETH", AssetOut: "USDC", AmountIn: units(1, 18)})
	expectErr(t, err, ErrPriceStale)
}

func TestLiquidateAndSwapThroughOracleSwapper(t *testing.T) {
	h, alice, liquidator := liquidatableHarness(t)
	venue := makeAddress(0x5A)
	h.fund(venue, "USDC", units(1_000_000, 6))
	swapper, err := NewOracleSwapper(h.router, map[string]uint8{"ETH": 18, "USDC": 6}, 0)
	if err != nil {
		t.Fatalf("new swapper: %v", err)
	}
	h.engine.SetSwapper(swapper, venue)

	res, out, err := h.engine.LiquidateAndSwap(liquidator, alice, "USDC", "ETH", nil, units(1, 6))
	if err != nil {
		t.Fatalf("liquidate and swap: %v", err)
	}
	direct, err := swapper.Swap(SwapInstruction{AssetIn: "ETH", AssetOut: "USDC", AmountIn: res.LiquidatorShares})
	if err != nil {
		t.Fatalf("direct quote: %v", err)
	}
	expectAmount(t, "swap output", out, direct)
}
