package strategy

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tsbernar/tax-loss-direct-indexing/internal/domain"
)

// WeightRecord is one row of the cached weighting: the weight applied on
// the last run and the market price it was computed against.
type WeightRecord struct {
	Weight      float64 `msgpack:"weight"`
	MarketPrice float64 `msgpack:"market_price"`
}

// WeightsCache is the ticker-keyed weight table persisted between runs and
// used to re-derive a price-adjusted weight vector on non-rebalance runs.
type WeightsCache map[string]WeightRecord

// LoadWeightsCache reads the cached weight table.
func LoadWeightsCache(path string) (WeightsCache, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read weights cache: %w", err)
	}

	var cache WeightsCache
	if err := msgpack.Unmarshal(data, &cache); err != nil {
		return nil, fmt.Errorf("failed to decode weights cache: %w", err)
	}
	return cache, nil
}

// Save writes the cached weight table.
func (c WeightsCache) Save(path string) error {
	data, err := msgpack.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode weights cache: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write weights cache: %w", err)
	}
	return nil
}

// PriceAdjusted recomputes the cached weights for price drift since the
// last weighting, preserving market-cap-weight parity: each weight scales
// by its price ratio and the vector is renormalized so the total allocated
// fraction is unchanged. Tickers without a fresh price are dropped with a
// warning; splits and renames are the caller's input-validation problem.
func (c WeightsCache) PriceAdjusted(prices map[string]domain.MarketPrice, log zerolog.Logger) map[string]float64 {
	totalOld := 0.0
	totalScaled := 0.0
	scaled := make(map[string]float64, len(c))

	for ticker, rec := range c {
		mp, ok := prices[ticker]
		if !ok || rec.MarketPrice <= 0 {
			log.Warn().Str("ticker", ticker).Msg("Dropping cached weight without fresh market price")
			continue
		}
		s := rec.Weight * (mp.Price / rec.MarketPrice)
		scaled[ticker] = s
		totalOld += rec.Weight
		totalScaled += s
	}

	if totalScaled == 0 {
		return map[string]float64{}
	}

	adjusted := make(map[string]float64, len(scaled))
	for ticker, s := range scaled {
		adjusted[ticker] = s * totalOld / totalScaled
	}
	return adjusted
}
