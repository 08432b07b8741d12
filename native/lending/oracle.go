package lending

import (
	"fmt"

	"github.com/holiman/uint256"

	"lendmarket/core/pricing"
)

// PriceRouter is the oracle collaborator. Prices are USD per whole token
// scaled by 1e18. Any non-zero code makes the price unusable.
type PriceRouter interface {
	GetPrice(asset string, inUSD, preferLower bool) (*uint256.Int, pricing.ErrorCode)
}

// price resolves a usable USD price or fails the whole operation.
func (x *execution) price(asset string, preferLower bool) (*uint256.Int, error) {
	if x.engine.prices == nil {
		return nil, fmt.Errorf("%w: no price router", ErrPriceUnavailable)
	}
	key := priceCacheKey{asset: asset, lower: preferLower}
	if p, ok := x.prices[key]; ok {
		return p, nil
	}
	p, code := x.engine.prices.GetPrice(asset, true, preferLower)
	if code != pricing.CodeOK || isZero(p) {
		x.engine.metrics.RecordPriceRejection(asset, code.String())
		x.engine.logger.Warn("lending price rejected", "market", asset, "code", code.String())
		if code == pricing.CodeStale {
			return nil, fmt.Errorf("%w: %s", ErrPriceStale, asset)
		}
		return nil, fmt.Errorf("%w: %s (%s)", ErrPriceUnavailable, asset, code)
	}
	x.prices[key] = p
	return p, nil
}

type priceCacheKey struct {
	asset string
	lower bool
}
