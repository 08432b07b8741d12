package pricing

import (
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// StaticFeed serves prices pushed by an operator or a test.
type StaticFeed struct {
	mu     sync.RWMutex
	prices map[string]Observation
}

func NewStaticFeed() *StaticFeed {
	return &StaticFeed{prices: make(map[string]Observation)}
}

// Set records price for asset as observed at ts.
func (f *StaticFeed) Set(asset string, price *uint256.Int, ts time.Time) error {
	if price == nil || price.IsZero() {
		return ErrInvalidPrice
	}
	f.mu.Lock()
	f.prices[normalizeAsset(asset)] = Observation{Price: new(uint256.Int).Set(price), Timestamp: ts}
	f.mu.Unlock()
	return nil
}

// Latest implements Feed.
func (f *StaticFeed) Latest(asset string) (Observation, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	obs, ok := f.prices[normalizeAsset(asset)]
	if !ok {
		return Observation{}, ErrNoObservation
	}
	return Observation{Price: new(uint256.Int).Set(obs.Price), Timestamp: obs.Timestamp}, nil
}
