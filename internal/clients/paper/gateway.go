// Package paper implements a simulated brokerage gateway. It maintains its
// own copy of the account (the "broker truth") so reconciliation and drift
// repair can be exercised without a live connection.
package paper

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tsbernar/tax-loss-direct-indexing/internal/domain"
	"github.com/tsbernar/tax-loss-direct-indexing/internal/modules/portfolio"
)

// MarketCalendar reports whether the market accepts orders at an instant.
type MarketCalendar func(t time.Time) bool

// NYSEHours approximates the regular session: weekdays 14:30–21:00 UTC.
// Holidays are not modeled.
func NYSEHours(t time.Time) bool {
	utc := t.UTC()
	switch utc.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	minutes := utc.Hour()*60 + utc.Minute()
	return minutes >= 14*60+30 && minutes < 21*60
}

// AlwaysOpen is a calendar for tests and backfills.
func AlwaysOpen(time.Time) bool { return true }

// Gateway is an in-process paper broker. All fills are immediate and at the
// requested price; there is no slippage or partial-fill model.
type Gateway struct {
	mu       sync.Mutex
	account  *portfolio.Portfolio
	fills    []domain.Trade
	calendar MarketCalendar
	clock    func() time.Time
	log      zerolog.Logger
}

// New creates a paper gateway seeded with the given account state. The
// gateway takes ownership of the portfolio.
func New(account *portfolio.Portfolio, calendar MarketCalendar, log zerolog.Logger) *Gateway {
	return &Gateway{
		account:  account,
		calendar: calendar,
		clock:    time.Now,
		log:      log.With().Str("client", "paper_gateway").Logger(),
	}
}

// SetClock overrides the gateway clock, for tests.
func (g *Gateway) SetClock(clock func() time.Time) { g.clock = clock }

// GetCurrentPortfolio returns a deep copy of the broker-side account.
func (g *Gateway) GetCurrentPortfolio() (*portfolio.Portfolio, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	data, err := g.account.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("snapshot broker account: %w", err)
	}
	return portfolio.FromJSON(data)
}

// GetMarketPrices returns the broker's last-known quotes for the requested
// tickers, stamped with the current clock. Unknown tickers are omitted.
func (g *Gateway) GetMarketPrices(tickers []string) (map[string]domain.MarketPrice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	prices := make(map[string]domain.MarketPrice, len(tickers))
	for _, ticker := range tickers {
		if mp, ok := g.account.Prices[ticker]; ok {
			prices[ticker] = domain.MarketPrice{Price: mp.Price, LastUpdated: now}
		}
	}
	return prices, nil
}

// SetPrice updates the broker-side quote for a ticker.
func (g *Gateway) SetPrice(ticker string, price float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.account.Prices[ticker] = domain.MarketPrice{Price: price, LastUpdated: g.clock()}
}

// TryExecute fills the desired trades against the paper account. A closed
// market returns an empty confirmation list, never an error. Trades that the
// account cannot honor (overselling) are skipped with a warning; everything
// else fills immediately at the requested price.
func (g *Gateway) TryExecute(desired []domain.Trade) ([]domain.Trade, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	if !g.calendar(now) {
		g.log.Info().Time("now", now).Msg("Market closed, no trades executed")
		return []domain.Trade{}, nil
	}

	executed := make([]domain.Trade, 0, len(desired))
	for _, t := range desired {
		price := t.Price.InexactFloat64()
		fee := t.Fee.InexactFloat64()

		switch t.Side {
		case domain.SideBuy:
			g.account.Buy(t.Symbol, t.Qty, price, fee)
		case domain.SideSell:
			if _, err := g.account.Sell(t.Symbol, t.Qty, price, fee); err != nil {
				g.log.Warn().Err(err).Str("trade", t.String()).Msg("Rejecting sell")
				continue
			}
		default:
			g.log.Warn().Str("trade", t.String()).Msg("Rejecting trade with unknown side")
			continue
		}

		fill := t
		fill.ExchangeSymbol = t.Symbol
		fill.ExchangeTradeID = uuid.NewString()
		fill.ExchangeTS = now
		executed = append(executed, fill)
		g.fills = append(g.fills, fill)
	}

	g.log.Info().Int("desired", len(desired)).Int("executed", len(executed)).Msg("Paper execution")
	return executed, nil
}

// GetTrades returns fills executed at or after since, most recent first.
func (g *Gateway) GetTrades(since time.Time) ([]domain.Trade, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []domain.Trade
	for _, t := range g.fills {
		if !t.ExchangeTS.Before(since) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ExchangeTS.After(out[j].ExchangeTS) })
	return out, nil
}
