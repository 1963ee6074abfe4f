package paper

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

func testAccount() *portfolio.Portfolio {
	p := portfolio.New()
	p.Cash = 1000
	p.Buy("AAA", d("10"), 10, 0)
	p.Prices["AAA"] = domain.MarketPrice{Price: 10, LastUpdated: time.Now()}
	return p
}

func TestTryExecuteFillsWhenOpen(t *testing.T) {
	g := New(testAccount(), AlwaysOpen, zerolog.Nop())

	desired := []domain.Trade{domain.NewTrade("AAA", d("5"), d("10"), domain.SideBuy)}
	executed, err := g.TryExecute(desired)
	require.NoError(t, err)
	require.Len(t, executed, 1)

	assert.NotEmpty(t, executed[0].ExchangeTradeID)
	assert.Equal(t, "AAA", executed[0].ExchangeSymbol)
	assert.False(t, executed[0].ExchangeTS.IsZero())

	account, err := g.GetCurrentPortfolio()
	require.NoError(t, err)
	assert.True(t, account.TotalShares("AAA").Equal(d("15")))
	assert.InDelta(t, 850.0, account.Cash, 1e-9)
}

func TestTryExecuteMarketClosed(t *testing.T) {
	g := New(testAccount(), func(time.Time) bool { return false }, zerolog.Nop())

	executed, err := g.TryExecute([]domain.Trade{
		domain.NewTrade("AAA", d("5"), d("10"), domain.SideBuy),
	})
	require.NoError(t, err)
	assert.Empty(t, executed)

	account, err := g.GetCurrentPortfolio()
	require.NoError(t, err)
	assert.True(t, account.TotalShares("AAA").Equal(d("10")))
}

func TestTryExecuteRejectsOversell(t *testing.T) {
	g := New(testAccount(), AlwaysOpen, zerolog.Nop())

	executed, err := g.TryExecute([]domain.Trade{
		domain.NewTrade("AAA", d("99"), d("10"), domain.SideSell),
		domain.NewTrade("AAA", d("2"), d("10"), domain.SideSell),
	})
	require.NoError(t, err)
	require.Len(t, executed, 1)
	assert.True(t, executed[0].Qty.Equal(d("2")))
}

func TestGetCurrentPortfolioIsACopy(t *testing.T) {
	g := New(testAccount(), AlwaysOpen, zerolog.Nop())

	copy1, err := g.GetCurrentPortfolio()
	require.NoError(t, err)
	copy1.Buy("AAA", d("100"), 10, 0)

	copy2, err := g.GetCurrentPortfolio()
	require.NoError(t, err)
	assert.True(t, copy2.TotalShares("AAA").Equal(d("10")))
}

func TestGetTradesSinceOrdering(t *testing.T) {
	g := New(testAccount(), AlwaysOpen, zerolog.Nop())
	now := time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)

	clock := now
	g.SetClock(func() time.Time { return clock })

	_, err := g.TryExecute([]domain.Trade{domain.NewTrade("AAA", d("1"), d("10"), domain.SideBuy)})
	require.NoError(t, err)

	clock = now.Add(time.Hour)
	_, err = g.TryExecute([]domain.Trade{domain.NewTrade("AAA", d("2"), d("10"), domain.SideBuy)})
	require.NoError(t, err)

	fills, err := g.GetTrades(now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.True(t, fills[0].Qty.Equal(d("2")))

	fills, err = g.GetTrades(now)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	// Most recent first.
	assert.True(t, fills[0].Qty.Equal(d("2")))
	assert.True(t, fills[1].Qty.Equal(d("1")))
}

func TestNYSEHours(t *testing.T) {
	// Wednesday 2024-05-01.
	assert.True(t, NYSEHours(time.Date(2024, 5, 1, 15, 0, 0, 0, time.UTC)))
	assert.False(t, NYSEHours(time.Date(2024, 5, 1, 13, 0, 0, 0, time.UTC)))
	assert.False(t, NYSEHours(time.Date(2024, 5, 1, 21, 30, 0, 0, time.UTC)))
	// Saturday.
	assert.False(t, NYSEHours(time.Date(2024, 5, 4, 15, 0, 0, 0, time.UTC)))
}
