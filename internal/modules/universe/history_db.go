// Package universe provides access to the historical price data backing
// the optimizer's return series.
package universe

import (
	"database/sql"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"
)

// HistoryDB provides access to historical daily closes.
type HistoryDB struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewHistoryDB creates a new history database accessor.
func NewHistoryDB(db *sql.DB, log zerolog.Logger) *HistoryDB {
	return &HistoryDB{
		db:  db,
		log: log.With().Str("component", "history_db").Logger(),
	}
}

// EnsureSchema creates the daily_prices table when missing.
func (h *HistoryDB) EnsureSchema() error {
	_, err := h.db.Exec(`
		CREATE TABLE IF NOT EXISTS daily_prices (
			ticker TEXT NOT NULL,
			date   TEXT NOT NULL,
			close  REAL NOT NULL,
			PRIMARY KEY (ticker, date)
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create daily_prices table: %w", err)
	}
	return nil
}

// SaveDailyClose upserts one close observation (date formatted YYYY-MM-DD).
func (h *HistoryDB) SaveDailyClose(ticker, date string, close float64) error {
	_, err := h.db.Exec(`
		INSERT INTO daily_prices (ticker, date, close)
		VALUES (?, ?, ?)
		ON CONFLICT (ticker, date) DO UPDATE SET close = excluded.close
	`, ticker, date, close)
	if err != nil {
		return fmt.Errorf("failed to save daily close for %s: %w", ticker, err)
	}
	return nil
}

// PriceMatrix is a dense date-by-ticker matrix of daily closes.
type PriceMatrix struct {
	Tickers []string
	Dates   []string
	Prices  *mat.Dense // rows = dates ascending, cols = Tickers
}

// PriceMatrix loads closes for the requested tickers on or after fromDate
// (YYYY-MM-DD). Tickers with incomplete coverage over the observed date set
// are dropped with a warning rather than interpolated.
func (h *HistoryDB) PriceMatrix(tickers []string, fromDate string) (*PriceMatrix, error) {
	closes := make(map[string]map[string]float64, len(tickers))
	dateSet := make(map[string]struct{})

	for _, ticker := range tickers {
		rows, err := h.db.Query(`
			SELECT date, close FROM daily_prices
			WHERE ticker = ? AND date >= ?
			ORDER BY date ASC
		`, ticker, fromDate)
		if err != nil {
			return nil, fmt.Errorf("failed to query daily prices for %s: %w", ticker, err)
		}

		byDate := make(map[string]float64)
		for rows.Next() {
			var date string
			var close float64
			if err := rows.Scan(&date, &close); err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan daily price: %w", err)
			}
			byDate[date] = close
			dateSet[date] = struct{}{}
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("error iterating daily prices: %w", err)
		}
		rows.Close()

		closes[ticker] = byDate
	}

	dates := make([]string, 0, len(dateSet))
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	if len(dates) == 0 {
		return nil, fmt.Errorf("no price history on or after %s", fromDate)
	}

	var kept []string
	for _, ticker := range tickers {
		if len(closes[ticker]) == len(dates) {
			kept = append(kept, ticker)
			continue
		}
		h.log.Warn().
			Str("ticker", ticker).
			Int("observations", len(closes[ticker])).
			Int("dates", len(dates)).
			Msg("Dropping ticker with incomplete price history")
	}
	if len(kept) == 0 {
		return nil, fmt.Errorf("no ticker has complete price history since %s", fromDate)
	}

	prices := mat.NewDense(len(dates), len(kept), nil)
	for j, ticker := range kept {
		for i, date := range dates {
			prices.Set(i, j, closes[ticker][date])
		}
	}

	return &PriceMatrix{Tickers: kept, Dates: dates, Prices: prices}, nil
}

// Returns computes the daily percentage-change matrix, one fewer row than
// the price matrix.
func (m *PriceMatrix) Returns() *mat.Dense {
	rows, cols := m.Prices.Dims()
	returns := mat.NewDense(rows-1, cols, nil)
	for i := 1; i < rows; i++ {
		for j := 0; j < cols; j++ {
			prev := m.Prices.At(i-1, j)
			returns.Set(i-1, j, m.Prices.At(i, j)/prev-1)
		}
	}
	return returns
}

// TickerColumn returns the column index for a ticker, or -1.
func (m *PriceMatrix) TickerColumn(ticker string) int {
	for j, t := range m.Tickers {
		if t == ticker {
			return j
		}
	}
	return -1
}
