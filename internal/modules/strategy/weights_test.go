package strategy

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsbernar/tax-loss-direct-indexing/internal/domain"
)

func TestWeightsCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "weights.msgpack")
	cache := WeightsCache{
		"AAA": {Weight: 0.25, MarketPrice: 100},
		"BBB": {Weight: 0.10, MarketPrice: 42.5},
	}
	require.NoError(t, cache.Save(path))

	got, err := LoadWeightsCache(path)
	require.NoError(t, err)
	assert.Equal(t, cache, got)
}

func TestPriceAdjustedScalesAndRenormalizes(t *testing.T) {
	cache := WeightsCache{
		"UP":   {Weight: 0.2, MarketPrice: 100},
		"FLAT": {Weight: 0.2, MarketPrice: 50},
	}
	prices := map[string]domain.MarketPrice{
		"UP":   {Price: 110, LastUpdated: time.Now()},
		"FLAT": {Price: 50, LastUpdated: time.Now()},
	}

	adjusted := cache.PriceAdjusted(prices, zerolog.Nop())
	require.Len(t, adjusted, 2)

	// Total allocated fraction is preserved.
	assert.InDelta(t, 0.4, adjusted["UP"]+adjusted["FLAT"], 1e-9)
	// The appreciated ticker takes a proportionally larger share.
	assert.InDelta(t, 0.4*0.22/0.42, adjusted["UP"], 1e-9)
	assert.Greater(t, adjusted["UP"], adjusted["FLAT"])
}

func TestPriceAdjustedDropsStaleTickers(t *testing.T) {
	cache := WeightsCache{
		"FRESH": {Weight: 0.3, MarketPrice: 10},
		"STALE": {Weight: 0.3, MarketPrice: 10},
	}
	prices := map[string]domain.MarketPrice{
		"FRESH": {Price: 10, LastUpdated: time.Now()},
	}

	adjusted := cache.PriceAdjusted(prices, zerolog.Nop())
	require.Len(t, adjusted, 1)
	// The dropped ticker's allocation is not redistributed; it is left in
	// cash until the next full rebalance.
	assert.InDelta(t, 0.3, adjusted["FRESH"], 1e-9)
}

func TestPriceAdjustedEmpty(t *testing.T) {
	adjusted := WeightsCache{}.PriceAdjusted(nil, zerolog.Nop())
	assert.Empty(t, adjusted)
}
