package planning

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsbernar/tax-loss-direct-indexing/internal/domain"
	"github.com/tsbernar/tax-loss-direct-indexing/internal/modules/portfolio"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func pricedPortfolio(prices map[string]float64) *portfolio.Portfolio {
	p := portfolio.New()
	for ticker, price := range prices {
		p.Prices[ticker] = domain.MarketPrice{Price: price, LastUpdated: time.Now()}
	}
	return p
}

func TestPlanBuysTheDifference(t *testing.T) {
	desired := pricedPortfolio(map[string]float64{"XYZ": 20})
	desired.Buy("XYZ", d("10"), 20, 0)
	current := portfolio.New()

	planner := NewPlanner(zerolog.Nop())
	trades, err := planner.Plan(desired, current, nil)
	require.NoError(t, err)

	require.Len(t, trades, 1)
	assert.Equal(t, "XYZ", trades[0].Symbol)
	assert.Equal(t, domain.SideBuy, trades[0].Side)
	assert.True(t, trades[0].Qty.Equal(d("10")))
	assert.True(t, trades[0].Price.Equal(d("20")))
	assert.NotEmpty(t, trades[0].ID)
}

func TestPlanSellsTheDifference(t *testing.T) {
	desired := pricedPortfolio(map[string]float64{"XYZ": 15})
	desired.Buy("XYZ", d("4"), 15, 0)
	current := pricedPortfolio(map[string]float64{"XYZ": 15})
	current.Buy("XYZ", d("10"), 20, 0)

	planner := NewPlanner(zerolog.Nop())
	trades, err := planner.Plan(desired, current, nil)
	require.NoError(t, err)

	require.Len(t, trades, 1)
	assert.Equal(t, domain.SideSell, trades[0].Side)
	assert.True(t, trades[0].Qty.Equal(d("6")))
}

func TestPlanSkipsMatchingPositions(t *testing.T) {
	desired := pricedPortfolio(map[string]float64{"XYZ": 20})
	desired.Buy("XYZ", d("10"), 20, 0)
	current := pricedPortfolio(map[string]float64{"XYZ": 20})
	current.Buy("XYZ", d("10"), 18, 0)

	planner := NewPlanner(zerolog.Nop())
	trades, err := planner.Plan(desired, current, nil)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestPlanDropsBlacklistedBuys(t *testing.T) {
	desired := pricedPortfolio(map[string]float64{"BAN": 20, "OK": 10})
	desired.Buy("BAN", d("10"), 20, 0)
	desired.Buy("OK", d("5"), 10, 0)
	current := portfolio.New()

	planner := NewPlanner(zerolog.Nop())
	trades, err := planner.Plan(desired, current, map[string]struct{}{"BAN": {}})
	require.NoError(t, err)

	require.Len(t, trades, 1)
	assert.Equal(t, "OK", trades[0].Symbol)
}

func TestPlanAllowsBlacklistedSells(t *testing.T) {
	desired := pricedPortfolio(map[string]float64{"BAN": 20})
	current := pricedPortfolio(map[string]float64{"BAN": 20})
	current.Buy("BAN", d("10"), 25, 0)

	planner := NewPlanner(zerolog.Nop())
	trades, err := planner.Plan(desired, current, map[string]struct{}{"BAN": {}})
	require.NoError(t, err)

	require.Len(t, trades, 1)
	assert.Equal(t, domain.SideSell, trades[0].Side)
	assert.True(t, trades[0].Qty.Equal(d("10")))
}

func TestPlanRequiresDesiredPrice(t *testing.T) {
	desired := portfolio.New()
	desired.Buy("XYZ", d("10"), 20, 0)
	desired.Prices = map[string]domain.MarketPrice{} // price lost
	current := portfolio.New()

	planner := NewPlanner(zerolog.Nop())
	_, err := planner.Plan(desired, current, nil)
	var mpe *portfolio.MissingPriceError
	require.ErrorAs(t, err, &mpe)
	assert.Equal(t, "XYZ", mpe.Ticker)
}

func TestPlanLiquidatesDroppedTicker(t *testing.T) {
	// Ticker absent from the desired portfolio but present in the current
	// one sells down to zero, priced at the desired portfolio's quote.
	desired := pricedPortfolio(map[string]float64{"XYZ": 20})
	current := pricedPortfolio(map[string]float64{"XYZ": 22})
	current.Buy("XYZ", d("6"), 25, 0)

	planner := NewPlanner(zerolog.Nop())
	trades, err := planner.Plan(desired, current, nil)
	require.NoError(t, err)

	require.Len(t, trades, 1)
	assert.Equal(t, domain.SideSell, trades[0].Side)
	assert.True(t, trades[0].Qty.Equal(d("6")))
	assert.True(t, trades[0].Price.Equal(d("20")))
}
