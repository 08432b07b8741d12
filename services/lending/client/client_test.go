package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"lendmarket/core/pricing"
	"lendmarket/core/state"
	"lendmarket/crypto"
	"lendmarket/native/bank"
	"lendmarket/native/lending"
	"lendmarket/services/lending/server"
	"lendmarket/storage"
)

const testSecret = "client-secret"

func testAddress(b byte) crypto.Address {
	raw := make([]byte, crypto.AddressLength)
	for i := range raw {
		raw[i] = b
	}
	return crypto.NewAddress(crypto.AccountPrefix, raw)
}

func units(n uint64, decimals uint8) *uint256.Int {
	scale := new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(uint64(decimals)))
	return new(uint256.Int).Mul(uint256.NewInt(n), scale)
}

type harness struct {
	t     *testing.T
	state *state.Manager
	url   string
	admin crypto.Address
}

func rateParams() lending.InterestRateParams {
	return lending.InterestRateParams{
		BaseRatePerPeriod:   lending.MustParseWad("0.00002"),
		VertexRatePerPeriod: lending.MustParseWad("0.0005"),
		VertexPoint:         lending.MustParseWad("0.8"),
		IncreaseThreshold:   lending.MustParseWad("0.9"),
		AdjustmentVelocity:  lending.MustParseWad("0.0001"),
		DecayRate:           lending.MustParseWad("0.0001"),
		MultiplierMin:       lending.MustParseWad("0.5"),
		MultiplierMax:       lending.MustParseWad("3"),
	}
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	now := time.Unix(1_700_000_000, 0)
	clock := func() time.Time { return now }
	h := &harness{t: t, state: state.NewManager(storage.NewMemDB()), admin: testAddress(0xAD)}
	require.NoError(t, h.state.GrantRole(lending.RoleAdmin, h.admin.Bytes()))

	feed := pricing.NewStaticFeed()
	router := pricing.NewRouter(pricing.RouterConfig{MaxAge: time.Hour})
	router.SetClock(clock)
	router.AddFeed("USDC", feed)
	router.AddFeed("ETH", feed)
	require.NoError(t, feed.Set("USDC", units(1, 18), now))
	require.NoError(t, feed.Set("ETH", units(2000, 18), now))

	engine := lending.NewEngine(h.state, h.state, router)
	engine.SetClock(clock)
	require.NoError(t, engine.ListMarket(h.admin, lending.MarketParams{
		ID:            "USDC",
		Decimals:      6,
		Borrowable:    true,
		ReserveFactor: lending.MustParseWad("0.1"),
		InterestRate:  rateParams(),
	}))
	require.NoError(t, engine.ListMarket(h.admin, lending.MarketParams{
		ID:            "ETH",
		Decimals:      18,
		CollateralCap: units(1_000, 18),
		Collateral: lending.CollateralParams{
			CollRatio:        lending.MustParseWad("0.8"),
			CollReqSoft:      lending.MustParseWad("1.25"),
			CollReqHard:      lending.MustParseWad("1.1"),
			LiqBaseIncentive: lending.MustParseWad("1.05"),
			LiqCurve:         lending.MustParseWad("0.05"),
			LiqFee:           lending.MustParseWad("0.1"),
			BaseCFactor:      lending.MustParseWad("0.5"),
			CFactorCurve:     lending.MustParseWad("0.5"),
		},
		ReserveFactor: lending.MustParseWad("0.1"),
		InterestRate:  rateParams(),
	}))

	auth, err := server.NewAuthenticator(server.AuthConfig{HMACSecret: testSecret}, nil)
	require.NoError(t, err)
	srv, err := server.New(server.Config{
		Engine:   engine,
		Roles:    h.state,
		Prices:   feed,
		Module:   &server.ModuleSwitch{},
		Deposits: bank.NewBridge(h.state, nil),
		Auth:     auth,
		Clock:    clock,
	})
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	h.url = ts.URL
	return h
}

func (h *harness) client(addr *crypto.Address) *Client {
	h.t.Helper()
	var opts []Option
	if addr != nil {
		claims := jwt.MapClaims{"sub": addr.String(), "exp": time.Now().Add(time.Hour).Unix()}
		signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
		require.NoError(h.t, err)
		opts = append(opts, WithToken(signed))
	}
	c, err := New(h.url, opts...)
	require.NoError(h.t, err)
	return c
}

func (h *harness) fund(addr crypto.Address, asset string, amount *uint256.Int) {
	h.t.Helper()
	require.NoError(h.t, bank.NewLedger(h.state).Credit(asset, addr, amount))
}

func TestClientLendingRoundTrip(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	supplier, borrower, liquidator := testAddress(0x01), testAddress(0x02), testAddress(0x03)

	markets, err := h.client(nil).Markets(ctx)
	require.NoError(t, err)
	require.Len(t, markets, 2)
	require.Equal(t, "0.8", markets[1].Collateral.CollRatio)

	deposit, err := h.client(&h.admin).Deposit(ctx, "seed-1", supplier.String(), "usdc", units(100_000, 6).Dec())
	require.NoError(t, err)
	require.True(t, deposit.Credited)
	deposit, err = h.client(&h.admin).Deposit(ctx, "seed-1", supplier.String(), "usdc", units(100_000, 6).Dec())
	require.NoError(t, err)
	require.False(t, deposit.Credited)
	shares, err := h.client(&supplier).Mint(ctx, "usdc", units(100_000, 6).Dec())
	require.NoError(t, err)
	require.Equal(t, units(100_000, 6).Dec(), shares)

	h.fund(borrower, "ETH", units(1, 18))
	bc := h.client(&borrower)
	ethShares, err := bc.Mint(ctx, "eth", units(1, 18).Dec())
	require.NoError(t, err)
	require.NoError(t, bc.PostCollateral(ctx, "eth", ethShares))
	borrowed, err := bc.Borrow(ctx, "usdc", units(1500, 6).Dec())
	require.NoError(t, err)
	require.Equal(t, units(1500, 6).Dec(), borrowed)

	liquidity, err := h.client(nil).Liquidity(ctx, borrower.String())
	require.NoError(t, err)
	require.Equal(t, units(100, 18).Dec(), liquidity.Excess)

	account, err := h.client(nil).Account(ctx, borrower.String())
	require.NoError(t, err)
	require.Equal(t, units(1500, 6).Dec(), account.Wallet["USDC"])

	require.NoError(t, h.client(&h.admin).PushPrice(ctx, "eth", "1800"))

	req := LiquidationRequest{
		Liquidator:       liquidator.String(),
		Borrower:         borrower.String(),
		DebtMarket:       "usdc",
		CollateralMarket: "eth",
	}
	preview, err := h.client(nil).PreviewLiquidation(ctx, req)
	require.NoError(t, err)
	require.False(t, preview.BadDebt)

	h.fund(liquidator, "USDC", units(10_000, 6))
	executed, err := h.client(&liquidator).Liquidate(ctx, req)
	require.NoError(t, err)
	require.Equal(t, preview.DebtToClose, executed.DebtToClose)
	require.Equal(t, preview.SharesSeized, executed.SharesSeized)

	rates, err := h.client(nil).Rates(ctx, "usdc")
	require.NoError(t, err)
	require.Equal(t, "USDC", rates.Market)
	require.Equal(t, uint64(600), rates.PeriodSeconds)
}

func TestClientSurfacesAPIErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.client(nil).Market(ctx, "doge")
	require.Error(t, err)
	require.True(t, IsCode(err, "market_not_listed"))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusNotFound, apiErr.Status)
	require.NotEmpty(t, apiErr.RequestID)

	_, err = h.client(nil).Borrow(ctx, "usdc", "1")
	require.True(t, IsCode(err, "unauthenticated"))

	alice := testAddress(0x04)
	err = h.client(&alice).SetModulePaused(ctx, true)
	require.True(t, IsCode(err, "unauthorized"))
}

func TestNewRejectsUnsupportedScheme(t *testing.T) {
	_, err := New("ftp://example.com")
	require.ErrorContains(t, err, "unsupported scheme")
}
