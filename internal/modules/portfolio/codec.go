package portfolio

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tsbernar/tax-loss-direct-indexing/internal/domain"
)

// Snapshot wire format. Shares are serialized as exact decimal strings so
// repeated load/save cycles cannot drift; dates are ISO dates.
const lotDateFormat = "2006-01-02"

type taxLotJSON struct {
	Shares string  `json:"shares"`
	Price  float64 `json:"price"`
	Date   string  `json:"date"`
}

type costBasisJSON struct {
	Ticker  string       `json:"ticker"`
	TaxLots []taxLotJSON `json:"tax_lots"`
}

type marketPriceJSON struct {
	Price       float64   `json:"price"`
	LastUpdated time.Time `json:"last_updated"`
}

type snapshotJSON struct {
	Cash              float64                    `json:"cash"`
	TickerToCostBasis map[string]costBasisJSON   `json:"ticker_to_cost_basis"`
	TickerToMarket    map[string]marketPriceJSON `json:"ticker_to_market_price"`
}

// ToJSON serializes the full portfolio state.
func (p *Portfolio) ToJSON() ([]byte, error) {
	snap := snapshotJSON{
		Cash:              p.Cash,
		TickerToCostBasis: make(map[string]costBasisJSON, len(p.CostBasis)),
		TickerToMarket:    make(map[string]marketPriceJSON, len(p.Prices)),
	}

	for ticker, cb := range p.CostBasis {
		lots := make([]taxLotJSON, 0, len(cb.TaxLots))
		for _, lot := range cb.TaxLots {
			lots = append(lots, taxLotJSON{
				Shares: lot.Shares.String(),
				Price:  lot.Price,
				Date:   lot.Date.Format(lotDateFormat),
			})
		}
		snap.TickerToCostBasis[ticker] = costBasisJSON{Ticker: cb.Ticker, TaxLots: lots}
	}

	for ticker, mp := range p.Prices {
		snap.TickerToMarket[ticker] = marketPriceJSON{Price: mp.Price, LastUpdated: mp.LastUpdated}
	}

	return json.MarshalIndent(snap, "", "  ")
}

// FromJSON reconstructs a portfolio from its serialized state.
func FromJSON(data []byte) (*Portfolio, error) {
	var snap snapshotJSON
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode portfolio snapshot: %w", err)
	}

	p := New()
	p.Cash = snap.Cash

	for ticker, cbJSON := range snap.TickerToCostBasis {
		lots := make([]TaxLot, 0, len(cbJSON.TaxLots))
		for _, lotJSON := range cbJSON.TaxLots {
			shares, err := decimal.NewFromString(lotJSON.Shares)
			if err != nil {
				return nil, fmt.Errorf("invalid lot shares %q for %s: %w", lotJSON.Shares, ticker, err)
			}
			date, err := time.Parse(lotDateFormat, lotJSON.Date)
			if err != nil {
				return nil, fmt.Errorf("invalid lot date %q for %s: %w", lotJSON.Date, ticker, err)
			}
			lots = append(lots, TaxLot{Shares: shares, Price: lotJSON.Price, Date: date})
		}
		p.CostBasis[ticker] = NewCostBasisInfo(cbJSON.Ticker, lots)
	}

	for ticker, mpJSON := range snap.TickerToMarket {
		p.Prices[ticker] = domain.MarketPrice{Price: mpJSON.Price, LastUpdated: mpJSON.LastUpdated}
	}

	return p, nil
}

// LoadSnapshot reads a portfolio snapshot file.
func LoadSnapshot(path string) (*Portfolio, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read portfolio snapshot: %w", err)
	}
	return FromJSON(data)
}

// SaveSnapshot writes the portfolio state, rotating any existing file to a
// timestamped sibling for audit and rollback.
func (p *Portfolio) SaveSnapshot(path string) error {
	data, err := p.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to encode portfolio snapshot: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		rotated := fmt.Sprintf("%s.%s", path, time.Now().Format("20060102T150405"))
		if err := os.Rename(path, rotated); err != nil {
			return fmt.Errorf("failed to rotate previous snapshot: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write portfolio snapshot: %w", err)
	}
	return nil
}
