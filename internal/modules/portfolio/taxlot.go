// Package portfolio implements the tax-lot ledger and the portfolio
// aggregate built on top of it. Share counts are fixed-point decimals
// quantized to a minimum tradeable increment; monetary values are floats.
package portfolio

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultShareIncrement is the minimum tradeable share quantity.
// All lot share counts are kept at this granularity.
var DefaultShareIncrement = decimal.RequireFromString("0.1")

// TaxLot is a single acquisition record. Shares is the only mutable field:
// it is reduced in place when a lot is partially sold.
type TaxLot struct {
	Shares decimal.Decimal
	Price  float64
	Date   time.Time
}

// NewTaxLot creates a lot dated today with shares rounded to the increment.
func NewTaxLot(shares decimal.Decimal, price float64) TaxLot {
	return TaxLot{
		Shares: RoundToIncrement(shares, DefaultShareIncrement),
		Price:  price,
		Date:   today(),
	}
}

// RoundToIncrement rounds shares to the nearest multiple of the increment.
func RoundToIncrement(shares, increment decimal.Decimal) decimal.Decimal {
	return shares.Div(increment).Round(0).Mul(increment)
}

// FloorToIncrement rounds shares down to a multiple of the increment.
// Buy-side construction always rounds down to avoid overspending.
func FloorToIncrement(shares, increment decimal.Decimal) decimal.Decimal {
	return shares.Div(increment).Floor().Mul(increment)
}

func today() time.Time {
	y, m, d := time.Now().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// CostBasisInfo tracks the acquisition lots for one ticker. Lots are kept
// sorted by descending price so that disposal is highest-in-first-out.
type CostBasisInfo struct {
	Ticker  string
	TaxLots []TaxLot
}

// NewCostBasisInfo creates a ledger entry for a ticker and sorts its lots.
func NewCostBasisInfo(ticker string, lots []TaxLot) *CostBasisInfo {
	c := &CostBasisInfo{Ticker: ticker, TaxLots: lots}
	c.sort()
	return c
}

// sort orders lots highest price first.
func (c *CostBasisInfo) sort() {
	sort.SliceStable(c.TaxLots, func(i, j int) bool {
		return c.TaxLots[i].Price > c.TaxLots[j].Price
	})
}

// TotalShares is the sum of shares across all lots.
func (c *CostBasisInfo) TotalShares() decimal.Decimal {
	total := decimal.Zero
	for _, lot := range c.TaxLots {
		total = total.Add(lot.Shares)
	}
	return total
}

// AppendLot records a new acquisition. The caller is responsible for the
// corresponding cash debit.
func (c *CostBasisInfo) AppendLot(shares decimal.Decimal, price float64, date time.Time) {
	c.TaxLots = append(c.TaxLots, TaxLot{
		Shares: RoundToIncrement(shares, DefaultShareIncrement),
		Price:  price,
		Date:   date,
	})
	c.sort()
}

// TotalBasis returns a synthetic lot holding all shares at their
// shares-weighted average price. Price is 0 when nothing is held.
func (c *CostBasisInfo) TotalBasis() TaxLot {
	totalCost := 0.0
	totalShares := decimal.Zero
	for _, lot := range c.TaxLots {
		totalCost += lot.Shares.InexactFloat64() * lot.Price
		totalShares = totalShares.Add(lot.Shares)
	}
	return syntheticLot(totalShares, totalCost)
}

// TotalLossBasis returns a synthetic lot over only the lots whose basis
// exceeds price, i.e. the currently underwater shares.
func (c *CostBasisInfo) TotalLossBasis(price float64) TaxLot {
	totalCost := 0.0
	totalShares := decimal.Zero
	for _, lot := range c.TaxLots {
		if lot.Price > price {
			totalCost += lot.Shares.InexactFloat64() * lot.Price
			totalShares = totalShares.Add(lot.Shares)
		}
	}
	return syntheticLot(totalShares, totalCost)
}

// HIFOBasis returns the weighted-average price of the highest-cost shares
// units without mutating the lot list. It re-sorts before walking because
// callers (the optimizer in particular) invoke it speculatively, many
// thousands of times per solve.
func (c *CostBasisInfo) HIFOBasis(shares decimal.Decimal) TaxLot {
	c.sort()

	remaining := shares
	totalCost := 0.0
	totalShares := decimal.Zero

	for _, lot := range c.TaxLots {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		fromLot := decimal.Min(lot.Shares, remaining)
		remaining = remaining.Sub(fromLot)
		totalCost += fromLot.InexactFloat64() * lot.Price
		totalShares = totalShares.Add(fromLot)
	}

	return syntheticLot(totalShares, totalCost)
}

func syntheticLot(shares decimal.Decimal, totalCost float64) TaxLot {
	price := 0.0
	if shares.IsPositive() {
		price = totalCost / shares.InexactFloat64()
	}
	return TaxLot{Shares: shares, Price: price, Date: today()}
}
