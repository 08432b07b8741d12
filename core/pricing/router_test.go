package pricing

import (
	"testing"
	"time"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

func usd(whole uint64) *uint256.Int {
	return new(uint256.Int).Mul(uint256.NewInt(whole), wad)
}

func TestRouterSingleFeed(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	feed := NewStaticFeed()
	require.NoError(t, feed.Set("eth", usd(2000), now.Add(-time.Minute)))

	router := NewRouter(RouterConfig{MaxAge: 5 * time.Minute})
	router.SetClock(func() time.Time { return now })
	router.AddFeed("ETH", feed)

	price, code := router.GetPrice(" eth ", true, true)
	require.Equal(t, CodeOK, code)
	require.Equal(t, usd(2000), price)

	_, code = router.GetPrice("BTC", true, true)
	require.Equal(t, CodeBad, code)
}

func TestRouterRejectsStale(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	feed := NewStaticFeed()
	require.NoError(t, feed.Set("ETH", usd(2000), now.Add(-10*time.Minute)))

	router := NewRouter(RouterConfig{MaxAge: 5 * time.Minute})
	router.SetClock(func() time.Time { return now })
	router.AddFeed("ETH", feed)

	price, code := router.GetPrice("ETH", true, false)
	require.Equal(t, CodeStale, code)
	require.Nil(t, price)
}

func TestRouterDeviationBands(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	a, b := NewStaticFeed(), NewStaticFeed()
	require.NoError(t, a.Set("ETH", usd(2000), now))
	require.NoError(t, b.Set("ETH", usd(2040), now))

	router := NewRouter(RouterConfig{CautionDeviationBps: 100, BadDeviationBps: 500})
	router.SetClock(func() time.Time { return now })
	router.AddFeed("ETH", a)
	router.AddFeed("ETH", b)

	// 2% apart: caution, but both sides are still reported.
	lo, code := router.GetPrice("ETH", true, true)
	require.Equal(t, CodeCaution, code)
	require.Equal(t, usd(2000), lo)
	hi, _ := router.GetPrice("ETH", true, false)
	require.Equal(t, usd(2040), hi)

	require.NoError(t, b.Set("ETH", usd(2200), now))
	_, code = router.GetPrice("ETH", true, true)
	require.Equal(t, CodeBad, code)

	require.NoError(t, b.Set("ETH", usd(2001), now))
	_, code = router.GetPrice("ETH", true, true)
	require.Equal(t, CodeOK, code)
}

func TestRouterQuoteAssetConversion(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	feed := NewStaticFeed()
	require.NoError(t, feed.Set("ETH", usd(2000), now))
	require.NoError(t, feed.Set("USDC", usd(1), now))

	router := NewRouter(RouterConfig{QuoteAsset: "eth"})
	router.SetClock(func() time.Time { return now })
	router.AddFeed("ETH", feed)
	router.AddFeed("USDC", feed)

	price, code := router.GetPrice("USDC", false, true)
	require.Equal(t, CodeOK, code)
	// 1/2000 ETH scaled by 1e18.
	require.Equal(t, uint256.NewInt(500_000_000_000_000), price)
}
