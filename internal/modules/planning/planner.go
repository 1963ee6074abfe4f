// Package planning diffs a desired portfolio against the current one to
// produce a minimal trade list.
package planning

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tsbernar/tax-loss-direct-indexing/internal/domain"
	"github.com/tsbernar/tax-loss-direct-indexing/internal/modules/portfolio"
)

// Planner turns portfolio deltas into trades.
type Planner struct {
	log zerolog.Logger
}

// NewPlanner creates a planner.
func NewPlanner(log zerolog.Logger) *Planner {
	return &Planner{log: log.With().Str("component", "planner").Logger()}
}

// Plan computes one trade per ticker whose share count differs between the
// desired and current portfolios. Trades are priced at the desired
// portfolio's recorded market prices (optimization-time prices, not live
// quotes). Buys of blacklisted tickers are dropped entirely; holding or
// selling a blacklisted ticker remains permitted.
func (p *Planner) Plan(
	desired, current *portfolio.Portfolio,
	blacklist map[string]struct{},
) ([]domain.Trade, error) {
	tickers := unionTickers(desired, current)

	var trades []domain.Trade
	for _, ticker := range tickers {
		qty := desired.TotalShares(ticker).Sub(current.TotalShares(ticker))
		if qty.IsZero() {
			continue
		}

		side := domain.SideBuy
		if qty.IsNegative() {
			side = domain.SideSell
			qty = qty.Neg()
		}

		if side == domain.SideBuy {
			if _, banned := blacklist[ticker]; banned {
				p.log.Info().
					Str("ticker", ticker).
					Str("qty", qty.String()).
					Msg("Dropping buy of blacklisted ticker")
				continue
			}
		}

		mp, ok := desired.Prices[ticker]
		if !ok {
			return nil, &portfolio.MissingPriceError{Ticker: ticker}
		}
		price := decimal.NewFromFloat(mp.Price)

		if side == domain.SideSell {
			if err := p.logExpectedGain(current, ticker, qty, mp.Price); err != nil {
				return nil, err
			}
		}

		trades = append(trades, domain.NewTrade(ticker, qty, price, side))
	}

	p.log.Info().Int("trades", len(trades)).Msg("Planned transactions")
	return trades, nil
}

// logExpectedGain computes the realized gain/loss a planned sell would
// produce under HIFO disposal. The value is diagnostic only and never feeds
// back into trade selection, but the lot lookup must consume exactly the
// requested shares or the plan is inconsistent with the ledger.
func (p *Planner) logExpectedGain(current *portfolio.Portfolio, ticker string, qty decimal.Decimal, price float64) error {
	cb, ok := current.CostBasis[ticker]
	if !ok {
		return fmt.Errorf("planned sell of %s but ticker not in current portfolio", ticker)
	}

	hifo := cb.HIFOBasis(qty)
	if !hifo.Shares.Equal(qty) {
		return fmt.Errorf("HIFO basis for %s consumed %s shares, requested %s", ticker, hifo.Shares, qty)
	}

	expected := qty.InexactFloat64() * (price - hifo.Price)
	p.log.Info().
		Str("ticker", ticker).
		Str("qty", qty.String()).
		Float64("hifo_price", hifo.Price).
		Float64("expected_gain", expected).
		Msg("Planned sell")
	return nil
}

func unionTickers(a, b *portfolio.Portfolio) []string {
	seen := make(map[string]struct{})
	for t := range a.CostBasis {
		seen[t] = struct{}{}
	}
	for t := range b.CostBasis {
		seen[t] = struct{}{}
	}

	tickers := make([]string, 0, len(seen))
	for t := range seen {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	return tickers
}
