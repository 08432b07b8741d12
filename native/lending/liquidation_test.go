package lending

import (
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"lendmarket/core/events"
	"lendmarket/crypto"
)

func TestCloseFactorSizing(t *testing.T) {
	c := testCollateral()
	c.BaseCFactor = MustParseWad("0.5")
	c.CFactorCurve = Wad{}

	cf := closeFactor(c, One())
	if !cf.Eq(c.BaseCFactor) {
		t.Fatalf("close factor with flat curve: got %s want %s", cf, c.BaseCFactor)
	}
	maxClose, err := mulWadDown(amount(1000), cf)
	if err != nil {
		t.Fatalf("max close: %v", err)
	}
	expectAmount(t, "max close", maxClose, amount(500))

	c.CFactorCurve = MustParseWad("0.8")
	if got := closeFactor(c, One()); !got.Eq(One()) {
		t.Fatalf("close factor must clamp to 1, got %s", got)
	}
	if got := closeFactor(c, MustParseWad("0.25")); !got.Eq(MustParseWad("0.7")) {
		t.Fatalf("unexpected close factor %s", got)
	}
}

func TestIncentiveClampedToProtocolBounds(t *testing.T) {
	c := testCollateral()
	p := DefaultProtocolParams()

	c.LiqBaseIncentive = One()
	if got := liquidationIncentive(c, p, Wad{}); !got.Eq(p.MinIncentive) {
		t.Fatalf("incentive below min: got %s", got)
	}
	c.LiqBaseIncentive = MustParseWad("1.2")
	c.LiqCurve = MustParseWad("0.5")
	if got := liquidationIncentive(c, p, One()); !got.Eq(p.MaxIncentive) {
		t.Fatalf("incentive above max: got %s", got)
	}
}

func TestLFactorBands(t *testing.T) {
	soft, hard := usd(80), usd(90)
	cases := []struct {
		debt *uint256.Int
		want Wad
	}{
		{usd(70), Wad{}},
		{usd(80), Wad{}},
		{usd(85), MustParseWad("0.5")},
		{usd(90), One()},
		{usd(500), One()},
	}
	for _, tc := range cases {
		got, err := lFactor(tc.debt, soft, hard)
		if err != nil {
			t.Fatalf("lfactor: %v", err)
		}
		if !got.Eq(tc.want) {
			t.Fatalf("lfactor(%s): got %s want %s", tc.debt.Dec(), got, tc.want)
		}
	}
}

func TestLiquidateRejectsHealthyAndSelf(t *testing.T) {
	h := newHarness(t)
	bob := makeAddress(0x02)
	alice := makeAddress(0x03)
	liquidator := makeAddress(0x09)
	h.openBorrow(bob, alice)

	_, err := h.engine.Liquidate(liquidator, alice, "USDC", "ETH")
	expectErr(t, err, ErrNoShortfall)
	if KindOf(err) != KindLiquidation {
		t.Fatalf("unexpected kind %s", KindOf(err))
	}
	_, err = h.engine.Liquidate(alice, alice, "USDC", "ETH")
	expectErr(t, err, ErrSelfLiquidation)
}

func TestLiquidateRejectsStalePrice(t *testing.T) {
	h := newHarness(t)
	bob := makeAddress(0x02)
	alice := makeAddress(0x03)
	liquidator := makeAddress(0x09)
	h.openBorrow(bob, alice)

	// Move the clock without refreshing the feed.
	h.now = h.now.Add(25 * time.Hour)
	_, err := h.engine.Liquidate(liquidator, alice, "USDC", "ETH")
	expectErr(t, err, ErrPriceStale)
	if KindOf(err) != KindOracle {
		t.Fatalf("unexpected kind %s", KindOf(err))
	}
}

func TestLiquidateBadDebtSocializesRemainder(t *testing.T) {
	h := newHarness(t)
	bob := makeAddress(0x02)
	alice := makeAddress(0x03)
	liquidator := makeAddress(0x09)
	h.openBorrow(bob, alice)
	h.fund(liquidator, "USDC", units(10_000, 6))

	h.setPrice("ETH", 100)
	before := h.market("USDC")
	if !before.ExchangeRate.Eq(One()) {
		t.Fatalf("unexpected starting rate %s", before.ExchangeRate)
	}
	h.recorder.Events = nil

	res, err := h.engine.Liquidate(liquidator, alice, "USDC", "ETH")
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	if !res.BadDebt {
		t.Fatalf("expected bad debt flag")
	}
	if !res.LFactor.Eq(One()) || !res.CFactor.Eq(One()) {
		t.Fatalf("unexpected factors lf=%s cf=%s", res.LFactor, res.CFactor)
	}
	if !res.Incentive.Eq(MustParseWad("1.1")) {
		t.Fatalf("unexpected incentive %s", res.Incentive)
	}
	expectAmount(t, "debt closed", res.DebtToClose, amount(90_909_090))
	expectAmount(t, "shares seized", res.SharesSeized, units(1, 18))
	expectAmount(t, "protocol shares", res.ProtocolShares, units(1, 17))
	expectAmount(t, "liquidator shares", res.LiquidatorShares, units(9, 17))
	expectAmount(t, "written off", res.WrittenOff["USDC"], amount(1_409_090_910))

	after := h.market("USDC")
	expectAmount(t, "total borrows", after.TotalBorrows, amount(0))
	if !after.ExchangeRate.Eq(WadFromUint64(985_909_090_900_000_000)) {
		t.Fatalf("unexpected rate after write-off %s", after.ExchangeRate)
	}
	drop := new(uint256.Int).Sub(before.ExchangeRate.Raw(), after.ExchangeRate.Raw())
	want, _ := mulDivDown(amount(1_409_090_910), wadUnit, after.TotalShares)
	expectAmount(t, "rate drop", drop, want)

	pos := h.position("ETH", alice)
	expectAmount(t, "borrower posted", pos.Posted, amount(0))
	expectAmount(t, "borrower debt", h.position("USDC", alice).DebtPrincipal, amount(0))
	expectAmount(t, "liquidator shares held", h.position("ETH", liquidator).Shares, units(9, 17))
	proto, err := h.engine.Protocol()
	if err != nil {
		t.Fatalf("protocol: %v", err)
	}
	expectAmount(t, "fee collector shares", h.position("ETH", proto.FeeCollector).Shares, units(1, 17))
	expectAmount(t, "liquidator usdc", h.balance(liquidator, "USDC"), new(uint256.Int).Sub(units(10_000, 6), amount(90_909_090)))

	var sawBadDebt bool
	for _, evt := range h.recorder.Events {
		if bd, ok := evt.(events.BadDebtSocialized); ok {
			sawBadDebt = true
			expectAmount(t, "event amount", bd.Amount, amount(1_409_090_910))
		}
	}
	if !sawBadDebt {
		t.Fatalf("expected bad debt event, got %v", h.recorder.Types())
	}
}

func liquidatableHarness(t *testing.T) (*harness, crypto.Address, crypto.Address) {
	h := newHarness(t)
	bob := makeAddress(0x02)
	alice := makeAddress(0x03)
	liquidator := makeAddress(0x09)
	h.openBorrow(bob, alice)
	h.fund(liquidator, "USDC", units(10_000, 6))
	h.setPrice("ETH", 1800)
	return h, alice, liquidator
}

func TestLiquidateExactMatchesMax(t *testing.T) {
	hMax, alice, liquidator := liquidatableHarness(t)
	hExact, _, _ := liquidatableHarness(t)

	preview, err := hMax.engine.CanLiquidate(liquidator, alice, "USDC", "ETH", nil, false)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.BadDebt {
		t.Fatalf("unexpected bad debt in preview")
	}
	if !preview.LFactor.Gt(Wad{}) || !preview.LFactor.Lt(One()) {
		t.Fatalf("expected partial severity, got %s", preview.LFactor)
	}

	viaMax, err := hMax.engine.Liquidate(liquidator, alice, "USDC", "ETH")
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}
	_, err = hExact.engine.LiquidateExact(liquidator, alice, "USDC", "ETH", new(uint256.Int).AddUint64(viaMax.MaxDebtToClose, 1))
	expectErr(t, err, ErrCloseAmountExceedsMax)
	viaExact, err := hExact.engine.LiquidateExact(liquidator, alice, "USDC", "ETH", viaMax.MaxDebtToClose)
	if err != nil {
		t.Fatalf("liquidate exact: %v", err)
	}

	for _, r := range []*LiquidationResult{preview, viaExact} {
		expectAmount(t, "debt closed", r.DebtToClose, viaMax.DebtToClose)
		expectAmount(t, "seized", r.SharesSeized, viaMax.SharesSeized)
		expectAmount(t, "protocol", r.ProtocolShares, viaMax.ProtocolShares)
		expectAmount(t, "liquidator", r.LiquidatorShares, viaMax.LiquidatorShares)
	}
	if viaMax.WrittenOff != nil {
		t.Fatalf("unexpected write-off %v", viaMax.WrittenOff)
	}
}

func TestLiquidateExactRejectsZero(t *testing.T) {
	h, alice, liquidator := liquidatableHarness(t)
	_, err := h.engine.LiquidateExact(liquidator, alice, "USDC", "ETH", amount(0))
	expectErr(t, err, ErrInvalidAmount)
}

func TestLiquidateExactRejectsDustThatSeizesNothing(t *testing.T) {
	h := newHarness(t)
	h.router.AddFeed("GOLD", h.feed)
	h.setPrice("GOLD", 2000)
	gold := MarketParams{
		ID:            "gold",
		Decimals:      2,
		CollateralCap: units(1_000, 2),
		Collateral:    testCollateral(),
		ReserveFactor: MustParseWad("0.1"),
		InterestRate:  testRateParams(),
	}
	if err := h.engine.ListMarket(h.admin, gold); err != nil {
		t.Fatalf("list gold: %v", err)
	}

	alice := makeAddress(0x03)
	liquidator := makeAddress(0x09)
	h.supply(makeAddress(0x02), "USDC", units(100_000, 6))
	shares := h.supply(alice, "GOLD", units(1, 2))
	if err := h.engine.PostCollateral(alice, "GOLD", shares); err != nil {
		t.Fatalf("post collateral: %v", err)
	}
	if err := h.engine.Borrow(alice, "USDC", units(1500, 6)); err != nil {
		t.Fatalf("borrow: %v", err)
	}
	h.fund(liquidator, "USDC", units(10_000, 6))
	h.setPrice("GOLD", 1800)

	_, err := h.engine.CanLiquidate(liquidator, alice, "USDC", "GOLD", amount(1), true)
	expectErr(t, err, ErrInvalidAmount)
	_, err = h.engine.LiquidateExact(liquidator, alice, "USDC", "GOLD", amount(1))
	expectErr(t, err, ErrInvalidAmount)

	expectAmount(t, "liquidator balance", h.balance(liquidator, "USDC"), units(10_000, 6))
	expectAmount(t, "posted", h.position("GOLD", alice).Posted, shares)
	expectAmount(t, "debt principal", h.position("USDC", alice).DebtPrincipal, units(1500, 6))

	if _, err := h.engine.Liquidate(liquidator, alice, "USDC", "GOLD"); err != nil {
		t.Fatalf("liquidate max: %v", err)
	}
}

// fixedSwapper converts ETH wei into USDC units at price.
type fixedSwapper struct {
	price Wad
	calls int
	hook  func() error
}

func (s *fixedSwapper) Swap(instr SwapInstruction) (*uint256.Int, error) {
	s.calls++
	if s.hook != nil {
		if err := s.hook(); err != nil {
			return nil, err
		}
	}
	out, err := mulDivDown(instr.AmountIn, s.price.Raw(), pow10(12+18))
	if err != nil {
		return nil, err
	}
	return out, nil
}

func TestLiquidateAndSwap(t *testing.T) {
	h, alice, liquidator := liquidatableHarness(t)
	venue := makeAddress(0x5A)
	h.fund(venue, "USDC", units(1_000_000, 6))
	swapper := &fixedSwapper{price: MustParseWad("1800")}
	h.engine.SetSwapper(swapper, venue)

	preview, err := h.engine.CanLiquidate(liquidator, alice, "USDC", "ETH", nil, false)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	startUSDC := h.balance(liquidator, "USDC")

	res, out, err := h.engine.LiquidateAndSwap(liquidator, alice, "USDC", "ETH", nil, units(1, 6))
	if err != nil {
		t.Fatalf("liquidate and swap: %v", err)
	}
	expectAmount(t, "debt closed", res.DebtToClose, preview.DebtToClose)
	if swapper.calls != 1 {
		t.Fatalf("expected one swap, got %d", swapper.calls)
	}
	// ETH has no borrows, so one share still redeems for one unit.
	wantOut, err := mulDivDown(res.LiquidatorShares, usd(1800), pow10(30))
	if err != nil {
		t.Fatalf("expected output: %v", err)
	}
	expectAmount(t, "swap output", out, wantOut)
	want := new(uint256.Int).Sub(startUSDC, res.DebtToClose)
	want.Add(want, out)
	expectAmount(t, "liquidator usdc", h.balance(liquidator, "USDC"), want)
	expectAmount(t, "liquidator eth shares", h.position("ETH", liquidator).Shares, amount(0))
}

func TestLiquidateAndSwapSlippageReverts(t *testing.T) {
	h, alice, liquidator := liquidatableHarness(t)
	venue := makeAddress(0x5A)
	h.fund(venue, "USDC", units(1_000_000, 6))
	h.engine.SetSwapper(&fixedSwapper{price: MustParseWad("1")}, venue)

	debtBefore := h.position("USDC", alice).DebtPrincipal
	_, _, err := h.engine.LiquidateAndSwap(liquidator, alice, "USDC", "ETH", nil, units(500, 6))
	expectErr(t, err, ErrSlippage)
	expectAmount(t, "borrower debt", h.position("USDC", alice).DebtPrincipal, debtBefore)
	expectAmount(t, "liquidator usdc", h.balance(liquidator, "USDC"), units(10_000, 6))
	expectAmount(t, "posted", h.position("ETH", alice).Posted, units(1, 18))
}

func TestSwapperCannotReenter(t *testing.T) {
	h, alice, liquidator := liquidatableHarness(t)
	venue := makeAddress(0x5A)
	h.fund(venue, "USDC", units(1_000_000, 6))
	h.fund(liquidator, "ETH", units(1, 18))
	swapper := &fixedSwapper{price: MustParseWad("1800")}
	swapper.hook = func() error {
		_, err := h.engine.Mint(liquidator, "ETH", units(1, 18))
		return err
	}
	h.engine.SetSwapper(swapper, venue)

	_, _, err := h.engine.LiquidateAndSwap(liquidator, alice, "USDC", "ETH", nil, amount(1))
	if !errors.Is(err, ErrReentrant) {
		t.Fatalf("expected reentrancy error, got %v", err)
	}
	if KindOf(err) != KindReentrancy {
		t.Fatalf("unexpected kind %s", KindOf(err))
	}
	expectAmount(t, "posted", h.position("ETH", alice).Posted, units(1, 18))
	expectAmount(t, "liquidator eth", h.balance(liquidator, "ETH"), units(1, 18))

	// The guard is released once the failed call returns.
	if _, err := h.engine.Mint(liquidator, "ETH", units(1, 18)); err != nil {
		t.Fatalf("mint after reentrancy failure: %v", err)
	}
}
