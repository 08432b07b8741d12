package lending

import (
	"errors"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"lendmarket/core/events"
	"lendmarket/core/pricing"
	"lendmarket/core/state"
	"lendmarket/crypto"
	"lendmarket/native/bank"
	"lendmarket/storage"
)

type harness struct {
	t        *testing.T
	state    *state.Manager
	engine   *Engine
	feed     *pricing.StaticFeed
	router   *pricing.Router
	recorder *events.Recorder
	now      time.Time
	admin    crypto.Address
}

func makeAddress(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	for i := range raw {
		raw[i] = b
	}
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func amount(n uint64) *uint256.Int { return uint256.NewInt(n) }

// units returns n whole tokens with the given decimals.
func units(n uint64, decimals uint8) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(n), pow10(decimals))
}

func usd(n uint64) *uint256.Int { return units(n, 18) }

func usdcParams() MarketParams {
	return MarketParams{
		ID:            "usdc",
		Decimals:      6,
		Borrowable:    true,
		ReserveFactor: MustParseWad("0.1"),
		InterestRate:  testRateParams(),
	}
}

func ethParams() MarketParams {
	return MarketParams{
		ID:            "eth",
		Decimals:      18,
		CollateralCap: units(1_000_000, 18),
		Collateral:    testCollateral(),
		ReserveFactor: MustParseWad("0.1"),
		InterestRate:  testRateParams(),
	}
}

func testCollateral() CollateralParams {
	return CollateralParams{
		CollRatio:        MustParseWad("0.8"),
		CollReqSoft:      MustParseWad("1.25"),
		CollReqHard:      MustParseWad("1.1"),
		LiqBaseIncentive: MustParseWad("1.05"),
		LiqCurve:         MustParseWad("0.05"),
		LiqFee:           MustParseWad("0.1"),
		BaseCFactor:      MustParseWad("0.5"),
		CFactorCurve:     MustParseWad("0.5"),
	}
}

func testRateParams() InterestRateParams {
	return InterestRateParams{
		BaseRatePerPeriod:   MustParseWad("0.00002"),
		VertexRatePerPeriod: MustParseWad("0.0005"),
		VertexPoint:         MustParseWad("0.8"),
		IncreaseThreshold:   MustParseWad("0.9"),
		AdjustmentVelocity:  MustParseWad("0.0001"),
		DecayRate:           MustParseWad("0.0001"),
		MultiplierMin:       MustParseWad("0.5"),
		MultiplierMax:       MustParseWad("3"),
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		state:    state.NewManager(storage.NewMemDB()),
		feed:     pricing.NewStaticFeed(),
		recorder: &events.Recorder{},
		now:      time.Unix(1_700_000_000, 0),
		admin:    makeAddress(0xAD),
	}
	if err := h.state.GrantRole(RoleAdmin, h.admin.Bytes()); err != nil {
		t.Fatalf("grant admin: %v", err)
	}
	h.router = pricing.NewRouter(pricing.RouterConfig{MaxAge: 24 * time.Hour})
	h.router.SetClock(func() time.Time { return h.now })
	h.router.AddFeed("USDC", h.feed)
	h.router.AddFeed("ETH", h.feed)

	h.engine = NewEngine(h.state, h.state, h.router)
	h.engine.SetClock(func() time.Time { return h.now })
	h.engine.SetEmitter(h.recorder)

	h.setPrice("USDC", 1)
	h.setPrice("ETH", 2000)
	if err := h.engine.ListMarket(h.admin, usdcParams()); err != nil {
		t.Fatalf("list usdc: %v", err)
	}
	if err := h.engine.ListMarket(h.admin, ethParams()); err != nil {
		t.Fatalf("list eth: %v", err)
	}
	return h
}

func (h *harness) setPrice(asset string, dollars uint64) {
	h.t.Helper()
	if err := h.feed.Set(asset, usd(dollars), h.now); err != nil {
		h.t.Fatalf("set price %s: %v", asset, err)
	}
}

// advance moves the clock and refreshes every price at the new time.
func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
	for _, asset := range []string{"USDC", "ETH"} {
		obs, err := h.feed.Latest(asset)
		if err != nil {
			h.t.Fatalf("latest %s: %v", asset, err)
		}
		if err := h.feed.Set(asset, obs.Price, h.now); err != nil {
			h.t.Fatalf("refresh %s: %v", asset, err)
		}
	}
}

func (h *harness) fund(addr crypto.Address, asset string, amt *uint256.Int) {
	h.t.Helper()
	if err := bank.NewLedger(h.state).Credit(asset, addr, amt); err != nil {
		h.t.Fatalf("fund %s: %v", asset, err)
	}
}

func (h *harness) balance(addr crypto.Address, asset string) *uint256.Int {
	h.t.Helper()
	bal, err := h.engine.Underlying(addr, asset)
	if err != nil {
		h.t.Fatalf("balance %s: %v", asset, err)
	}
	return bal
}

func (h *harness) market(id string) *Market {
	h.t.Helper()
	m, err := h.engine.Market(id)
	if err != nil {
		h.t.Fatalf("market %s: %v", id, err)
	}
	return m
}

func (h *harness) position(id string, addr crypto.Address) *AccountPosition {
	h.t.Helper()
	pos, err := store{kv: h.state}.position(normalizeMarketID(id), addr)
	if err != nil {
		h.t.Fatalf("position %s: %v", id, err)
	}
	return pos
}

// supply funds addr and mints amt of asset.
func (h *harness) supply(addr crypto.Address, asset string, amt *uint256.Int) *uint256.Int {
	h.t.Helper()
	h.fund(addr, asset, amt)
	shares, err := h.engine.Mint(addr, asset, amt)
	if err != nil {
		h.t.Fatalf("mint %s: %v", asset, err)
	}
	return shares
}

// openBorrow gives borrower 1 ETH of collateral and a 1500 USDC loan against
// a 100k USDC pool supplied by supplier.
func (h *harness) openBorrow(supplier, borrower crypto.Address) {
	h.t.Helper()
	h.supply(supplier, "USDC", units(100_000, 6))
	shares := h.supply(borrower, "ETH", units(1, 18))
	if err := h.engine.PostCollateral(borrower, "ETH", shares); err != nil {
		h.t.Fatalf("post collateral: %v", err)
	}
	if err := h.engine.Borrow(borrower, "USDC", units(1500, 6)); err != nil {
		h.t.Fatalf("borrow: %v", err)
	}
}

func expectErr(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

func expectAmount(t *testing.T, name string, got, want *uint256.Int) {
	t.Helper()
	if got == nil || !got.Eq(want) {
		t.Fatalf("unexpected %s: got %v want %s", name, got, want.Dec())
	}
}
