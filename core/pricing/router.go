package pricing

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// ErrorCode classifies the usability of a routed price.
type ErrorCode uint8

const (
	// CodeOK means every guard passed.
	CodeOK ErrorCode = iota
	// CodeCaution flags feeds that disagree beyond the caution band.
	CodeCaution
	// CodeBad flags unusable prices: no feed answered or the feeds diverge
	// beyond the bad band.
	CodeBad
	// CodeStale means feeds exist but every observation is older than the
	// freshness window.
	CodeStale
)

func (c ErrorCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeCaution:
		return "caution"
	case CodeBad:
		return "bad"
	case CodeStale:
		return "stale"
	default:
		return fmt.Sprintf("code(%d)", uint8(c))
	}
}

var (
	ErrNoObservation = errors.New("pricing: no observation")
	ErrInvalidPrice  = errors.New("pricing: price must be positive")
)

var wad = uint256.NewInt(1_000_000_000_000_000_000)

// Observation is a USD price for one whole unit of an asset, scaled by 1e18,
// together with the time it was observed.
type Observation struct {
	Price     *uint256.Int
	Timestamp time.Time
}

// Feed is a single price source.
type Feed interface {
	Latest(asset string) (Observation, error)
}

// RouterConfig holds the guardrails applied to every routed price.
type RouterConfig struct {
	// MaxAge drops observations older than this window. Zero disables the check.
	MaxAge time.Duration
	// CautionDeviationBps and BadDeviationBps bound how far the highest and
	// lowest fresh observations may diverge, relative to the lowest.
	CautionDeviationBps uint32
	BadDeviationBps     uint32
	// QuoteAsset denominates prices requested with inUSD=false.
	QuoteAsset string
}

// Router aggregates one or more feeds per asset.
type Router struct {
	mu    sync.RWMutex
	cfg   RouterConfig
	feeds map[string][]Feed
	clock func() time.Time
}

// NewRouter constructs an empty router.
func NewRouter(cfg RouterConfig) *Router {
	cfg.QuoteAsset = normalizeAsset(cfg.QuoteAsset)
	return &Router{cfg: cfg, feeds: make(map[string][]Feed), clock: time.Now}
}

// SetClock overrides the time source used for staleness checks.
func (r *Router) SetClock(clock func() time.Time) {
	if r == nil || clock == nil {
		return
	}
	r.mu.Lock()
	r.clock = clock
	r.mu.Unlock()
}

// AddFeed registers an additional source for asset.
func (r *Router) AddFeed(asset string, feed Feed) {
	if r == nil || feed == nil {
		return
	}
	asset = normalizeAsset(asset)
	r.mu.Lock()
	r.feeds[asset] = append(r.feeds[asset], feed)
	r.mu.Unlock()
}

// Assets lists every asset with at least one feed.
func (r *Router) Assets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.feeds))
	for asset := range r.feeds {
		out = append(out, asset)
	}
	return out
}

// GetPrice resolves asset's price. With several fresh feeds the lower or
// higher observation is returned according to preferLower. Any non-zero code
// means the price must not be used.
func (r *Router) GetPrice(asset string, inUSD, preferLower bool) (*uint256.Int, ErrorCode) {
	if r == nil {
		return nil, CodeBad
	}
	price, code := r.usdPrice(normalizeAsset(asset), preferLower)
	if code != CodeOK || inUSD {
		return price, code
	}
	if r.cfg.QuoteAsset == "" {
		return nil, CodeBad
	}
	// Denominator picks the opposite side so the conservative choice holds
	// for the ratio as a whole.
	quote, code := r.usdPrice(r.cfg.QuoteAsset, !preferLower)
	if code != CodeOK {
		return nil, code
	}
	converted, overflow := new(uint256.Int).MulDivOverflow(price, wad, quote)
	if overflow || converted.IsZero() {
		return nil, CodeBad
	}
	return converted, CodeOK
}

func (r *Router) usdPrice(asset string, preferLower bool) (*uint256.Int, ErrorCode) {
	r.mu.RLock()
	feeds := append([]Feed(nil), r.feeds[asset]...)
	now := r.clock()
	cfg := r.cfg
	r.mu.RUnlock()

	if len(feeds) == 0 {
		return nil, CodeBad
	}
	var (
		lo, hi *uint256.Int
		fresh  int
		stale  int
	)
	for _, feed := range feeds {
		obs, err := feed.Latest(asset)
		if err != nil || obs.Price == nil || obs.Price.IsZero() {
			continue
		}
		if cfg.MaxAge > 0 && ageOf(obs.Timestamp, now) > cfg.MaxAge {
			stale++
			continue
		}
		fresh++
		if lo == nil || obs.Price.Lt(lo) {
			lo = obs.Price
		}
		if hi == nil || obs.Price.Gt(hi) {
			hi = obs.Price
		}
	}
	if fresh == 0 {
		if stale > 0 {
			return nil, CodeStale
		}
		return nil, CodeBad
	}
	code := CodeOK
	if fresh > 1 {
		deviation := deviationBps(lo, hi)
		switch {
		case cfg.BadDeviationBps > 0 && deviation >= uint64(cfg.BadDeviationBps):
			return nil, CodeBad
		case cfg.CautionDeviationBps > 0 && deviation >= uint64(cfg.CautionDeviationBps):
			code = CodeCaution
		}
	}
	if preferLower {
		return new(uint256.Int).Set(lo), code
	}
	return new(uint256.Int).Set(hi), code
}

func ageOf(observed, now time.Time) time.Duration {
	if observed.IsZero() {
		return time.Duration(math.MaxInt64)
	}
	if observed.After(now) {
		return 0
	}
	return now.Sub(observed)
}

func deviationBps(lo, hi *uint256.Int) uint64 {
	diff := new(uint256.Int).Sub(hi, lo)
	if diff.IsZero() {
		return 0
	}
	bps, overflow := new(uint256.Int).MulDivOverflow(diff, uint256.NewInt(10_000), lo)
	if overflow || !bps.IsUint64() {
		return math.MaxUint64
	}
	return bps.Uint64()
}

func normalizeAsset(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}
