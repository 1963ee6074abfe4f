package portfolio

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/shopspring/decimal"

	"github.com/tsbernar/tax-loss-direct-indexing/internal/domain"
)

// ErrInsufficientShares signals an attempt to sell more shares than held.
// This is a programming-contract violation, not a recoverable business error.
var ErrInsufficientShares = errors.New("insufficient shares")

// MissingPriceError is returned when NAV or valuation is requested for a
// held ticker that has no market price.
type MissingPriceError struct {
	Ticker string
}

func (e *MissingPriceError) Error() string {
	return fmt.Sprintf("no market price for %s", e.Ticker)
}

// Portfolio aggregates cash, the per-ticker tax-lot ledger and live market
// prices into one valuation object. It exclusively owns its maps; nothing
// is shared between Portfolio instances.
type Portfolio struct {
	Cash      float64
	CostBasis map[string]*CostBasisInfo
	Prices    map[string]domain.MarketPrice
}

// New creates an empty portfolio.
func New() *Portfolio {
	return &Portfolio{
		CostBasis: make(map[string]*CostBasisInfo),
		Prices:    make(map[string]domain.MarketPrice),
	}
}

// NAV is cash plus the market value of all holdings. It fails when any
// ticker with nonzero shares lacks a market price.
func (p *Portfolio) NAV() (float64, error) {
	nav := p.Cash
	for ticker, cb := range p.CostBasis {
		shares := cb.TotalShares()
		if !shares.IsPositive() {
			continue
		}
		mp, ok := p.Prices[ticker]
		if !ok {
			return 0, &MissingPriceError{Ticker: ticker}
		}
		nav += shares.InexactFloat64() * mp.Price
	}
	return nav, nil
}

// TotalShares returns the held share count for a ticker (zero if not held).
func (p *Portfolio) TotalShares(ticker string) decimal.Decimal {
	cb, ok := p.CostBasis[ticker]
	if !ok {
		return decimal.Zero
	}
	return cb.TotalShares()
}

// MarketValue is shares times market price, zero when not held or unpriced.
func (p *Portfolio) MarketValue(ticker string) float64 {
	cb, ok := p.CostBasis[ticker]
	if !ok {
		return 0
	}
	mp, ok := p.Prices[ticker]
	if !ok {
		return 0
	}
	return cb.TotalShares().InexactFloat64() * mp.Price
}

// Weight is the ticker's share of NAV, zero for tickers not held.
func (p *Portfolio) Weight(ticker string) (float64, error) {
	if _, ok := p.CostBasis[ticker]; !ok {
		return 0, nil
	}
	nav, err := p.NAV()
	if err != nil {
		return 0, err
	}
	if nav == 0 {
		return 0, nil
	}
	return p.MarketValue(ticker) / nav, nil
}

// Tickers returns the held tickers in sorted order.
func (p *Portfolio) Tickers() []string {
	tickers := make([]string, 0, len(p.CostBasis))
	for t := range p.CostBasis {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)
	return tickers
}

// Buy appends a tax lot and debits shares*price + fee from cash. Cash is
// not bounds-checked; overspending leaves a negative cash balance that
// upstream constraints are responsible for preventing.
func (p *Portfolio) Buy(ticker string, shares decimal.Decimal, price float64, fee float64) {
	cb, ok := p.CostBasis[ticker]
	if !ok {
		cb = NewCostBasisInfo(ticker, nil)
		p.CostBasis[ticker] = cb
	}
	shares = RoundToIncrement(shares, DefaultShareIncrement)
	cb.AppendLot(shares, price, today())
	p.Cash -= shares.InexactFloat64()*price + fee
}

// Sell disposes shares highest-cost-first, credits cash and returns the
// realized gain (negative for a loss). Selling more than held fails with
// ErrInsufficientShares.
func (p *Portfolio) Sell(ticker string, shares decimal.Decimal, price float64, fee float64) (float64, error) {
	cb, ok := p.CostBasis[ticker]
	if !ok {
		return 0, fmt.Errorf("sell %s: ticker not held: %w", ticker, ErrInsufficientShares)
	}

	shares = RoundToIncrement(shares, DefaultShareIncrement)
	if shares.GreaterThan(cb.TotalShares()) {
		return 0, fmt.Errorf("sell %s: %s held, %s requested: %w",
			ticker, cb.TotalShares(), shares, ErrInsufficientShares)
	}

	cb.sort()
	remaining := shares
	basisRemoved := 0.0

	// Consume whole lots from the highest-cost end.
	for len(cb.TaxLots) > 0 && remaining.GreaterThanOrEqual(cb.TaxLots[0].Shares) {
		lot := cb.TaxLots[0]
		cb.TaxLots = cb.TaxLots[1:]
		remaining = remaining.Sub(lot.Shares)
		basisRemoved += lot.Shares.InexactFloat64() * lot.Price
	}

	// Partially deplete the next lot in place.
	if remaining.IsPositive() {
		lot := &cb.TaxLots[0]
		lot.Shares = RoundToIncrement(lot.Shares.Sub(remaining), DefaultShareIncrement)
		basisRemoved += remaining.InexactFloat64() * lot.Price
	}

	proceeds := shares.InexactFloat64() * price
	p.Cash += proceeds - fee
	return proceeds - basisRemoved, nil
}

// Update applies a batch of trades in order, dispatching on Side.
func (p *Portfolio) Update(trades []domain.Trade) error {
	for _, t := range trades {
		price := t.Price.InexactFloat64()
		fee := t.Fee.InexactFloat64()
		switch t.Side {
		case domain.SideBuy:
			p.Buy(t.Symbol, t.Qty, price, fee)
		case domain.SideSell:
			if _, err := p.Sell(t.Symbol, t.Qty, price, fee); err != nil {
				return fmt.Errorf("update: %w", err)
			}
		default:
			return fmt.Errorf("update: trade %s has unknown side", t.ID)
		}
	}
	return nil
}

// PositionsMatch reports whether both portfolios hold the same total shares
// per ticker. Cash and lot structure are not compared.
func (p *Portfolio) PositionsMatch(other *Portfolio) bool {
	for ticker := range p.CostBasis {
		if !p.TotalShares(ticker).Equal(other.TotalShares(ticker)) {
			return false
		}
	}
	for ticker := range other.CostBasis {
		if !p.TotalShares(ticker).Equal(other.TotalShares(ticker)) {
			return false
		}
	}
	return true
}

// FromWeights builds the portfolio that a normalized weight vector says we
// should hold at the given NAV. Share counts round down to the increment,
// then the residual cash from rounding is swept into extra minimum-increment
// purchases, cheapest-to-close first. Blacklisted tickers keep their floor
// allocation but are excluded from the sweep, since sweep purchases are
// always buys.
func FromWeights(
	weights map[string]float64,
	nav float64,
	prices map[string]domain.MarketPrice,
	blacklist map[string]struct{},
) (*Portfolio, error) {
	totalWeight := 0.0
	for _, w := range weights {
		totalWeight += w
	}
	if totalWeight > 1+1e-6 {
		return nil, fmt.Errorf("weights sum to %.6f, must be <= 1", totalWeight)
	}

	p := New()
	p.Cash = nav
	for ticker, mp := range prices {
		p.Prices[ticker] = mp
	}

	tickers := make([]string, 0, len(weights))
	for t := range weights {
		tickers = append(tickers, t)
	}
	sort.Strings(tickers)

	for _, ticker := range tickers {
		weight := weights[ticker]
		if weight <= 0 {
			continue
		}
		mp, ok := p.Prices[ticker]
		if !ok {
			return nil, &MissingPriceError{Ticker: ticker}
		}
		shares := FloorToIncrement(decimal.NewFromFloat(weight*nav/mp.Price), DefaultShareIncrement)
		if shares.IsPositive() {
			p.Buy(ticker, shares, mp.Price, 0)
		}
	}

	p.sweepResidualCash(weights, nav, tickers, blacklist)
	return p, nil
}

// sweepResidualCash spends rounding leftovers on one share increment at a
// time, preferring the ticker whose under-allocation is most nearly closed
// by a single increment, until no eligible ticker is affordable.
func (p *Portfolio) sweepResidualCash(
	weights map[string]float64,
	nav float64,
	tickers []string,
	blacklist map[string]struct{},
) {
	increment := DefaultShareIncrement.InexactFloat64()

	for {
		bestTicker := ""
		bestKey := math.Inf(1)
		bestPrice := 0.0

		for _, ticker := range tickers {
			if _, banned := blacklist[ticker]; banned {
				continue
			}
			mp, ok := p.Prices[ticker]
			if !ok {
				continue
			}
			cost := mp.Price * increment
			if cost <= 0 || cost > p.Cash+1e-9 {
				continue
			}
			underAllocated := weights[ticker]*nav - p.MarketValue(ticker)
			if underAllocated <= 0 {
				continue
			}
			key := cost - underAllocated
			if key < bestKey {
				bestKey = key
				bestTicker = ticker
				bestPrice = mp.Price
			}
		}

		if bestTicker == "" {
			return
		}
		p.Buy(bestTicker, DefaultShareIncrement, bestPrice, 0)
	}
}

// PositionRow is one line of the reporting view.
type PositionRow struct {
	Ticker         string
	TotalShares    decimal.Decimal
	SharesWithLoss decimal.Decimal
	TotalLoss      float64
	TotalGain      float64
	MarketPrice    float64
	MarketValue    float64
	WeightPct      float64
}

// PositionsTable produces the reporting view. With lossSorted, rows order by
// ascending total gain/loss (biggest losses first) then descending weight;
// otherwise purely by descending weight. maxRows <= 0 means all rows.
func (p *Portfolio) PositionsTable(maxRows int, lossSorted bool) []PositionRow {
	nav, err := p.NAV()
	if err != nil || nav == 0 {
		nav = math.NaN()
	}

	rows := make([]PositionRow, 0, len(p.CostBasis))
	for ticker, cb := range p.CostBasis {
		row := PositionRow{Ticker: ticker, TotalShares: cb.TotalShares()}
		if mp, ok := p.Prices[ticker]; ok {
			lossBasis := cb.TotalLossBasis(mp.Price)
			totalBasis := cb.TotalBasis()
			row.SharesWithLoss = lossBasis.Shares
			row.TotalLoss = lossBasis.Shares.InexactFloat64() * (mp.Price - lossBasis.Price)
			row.TotalGain = totalBasis.Shares.InexactFloat64() * (mp.Price - totalBasis.Price)
			row.MarketPrice = mp.Price
			row.MarketValue = mp.Price * cb.TotalShares().InexactFloat64()
			row.WeightPct = row.MarketValue / nav * 100
		}
		rows = append(rows, row)
	}

	if lossSorted {
		sort.SliceStable(rows, func(i, j int) bool {
			if rows[i].TotalGain != rows[j].TotalGain {
				return rows[i].TotalGain < rows[j].TotalGain
			}
			return rows[i].WeightPct > rows[j].WeightPct
		})
	} else {
		sort.SliceStable(rows, func(i, j int) bool {
			return rows[i].WeightPct > rows[j].WeightPct
		})
	}

	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	return rows
}

// Head renders NAV, cash and the top positions as text.
func (p *Portfolio) Head(maxRows int) string {
	var b strings.Builder
	nav, err := p.NAV()
	if err != nil {
		fmt.Fprintf(&b, "Portfolio:\n nav:  unavailable (%v)\n cash: $%.2f\n", err, p.Cash)
		return b.String()
	}
	fmt.Fprintf(&b, "Portfolio:\n nav:  $%.2f\n cash: $%.2f\n\n", nav, p.Cash)

	w := tabwriter.NewWriter(&b, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ticker\tshares\tshares_with_loss\ttotal_loss\tprice\tvalue\t%")
	for _, row := range p.PositionsTable(maxRows, false) {
		fmt.Fprintf(w, "%s\t%s\t%s\t$%.2f\t$%.2f\t$%.2f\t%.2f\n",
			row.Ticker, row.TotalShares, row.SharesWithLoss,
			row.TotalLoss, row.MarketPrice, row.MarketValue, row.WeightPct)
	}
	w.Flush()
	return b.String()
}

func (p *Portfolio) String() string {
	return p.Head(0)
}
