// Package trades persists executed trades for audit and drift repair.
package trades

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/tsbernar/tax-loss-direct-indexing/internal/domain"
)

// Repository handles trade journal database operations.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new trade repository.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "trades").Logger(),
	}
}

// EnsureSchema creates the trades table when missing.
func (r *Repository) EnsureSchema() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS trades (
			id                TEXT PRIMARY KEY,
			symbol            TEXT NOT NULL,
			qty               TEXT NOT NULL,
			price             TEXT NOT NULL,
			side              TEXT NOT NULL,
			fee               TEXT NOT NULL,
			exchange_symbol   TEXT,
			exchange_trade_id TEXT,
			order_id          TEXT,
			created_at        TEXT NOT NULL,
			exchange_ts       TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create trades table: %w", err)
	}
	return nil
}

// Save inserts executed trades. Quantities and prices are stored as exact
// decimal strings.
func (r *Repository) Save(trades []domain.Trade) error {
	for _, t := range trades {
		var exchangeTS any
		if !t.ExchangeTS.IsZero() {
			exchangeTS = t.ExchangeTS.UTC().Format(time.RFC3339Nano)
		}

		_, err := r.db.Exec(`
			INSERT INTO trades
			(id, symbol, qty, price, side, fee, exchange_symbol, exchange_trade_id, order_id, created_at, exchange_ts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			t.ID,
			t.Symbol,
			t.Qty.String(),
			t.Price.String(),
			t.Side.String(),
			t.Fee.String(),
			nullString(t.ExchangeSymbol),
			nullString(t.ExchangeTradeID),
			nullString(t.OrderID),
			t.CreatedAt.UTC().Format(time.RFC3339Nano),
			exchangeTS,
		)
		if err != nil {
			return fmt.Errorf("failed to insert trade %s: %w", t.ID, err)
		}
	}

	r.log.Info().Int("count", len(trades)).Msg("Trades journaled")
	return nil
}

// ListSince returns trades created at or after since, most recent first,
// which is the order the repair algorithm consumes them in.
func (r *Repository) ListSince(since time.Time) ([]domain.Trade, error) {
	rows, err := r.db.Query(`
		SELECT id, symbol, qty, price, side, fee, exchange_symbol, exchange_trade_id, order_id, created_at, exchange_ts
		FROM trades
		WHERE created_at >= ?
		ORDER BY created_at DESC
	`, since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var trades []domain.Trade
	for rows.Next() {
		trade, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trades: %w", err)
	}

	return trades, nil
}

func scanTrade(rows *sql.Rows) (domain.Trade, error) {
	var (
		t                                domain.Trade
		qty, price, side, fee, createdAt string
		exchangeSymbol, exchangeTradeID  sql.NullString
		orderID, exchangeTS              sql.NullString
	)

	err := rows.Scan(&t.ID, &t.Symbol, &qty, &price, &side, &fee,
		&exchangeSymbol, &exchangeTradeID, &orderID, &createdAt, &exchangeTS)
	if err != nil {
		return t, fmt.Errorf("failed to scan trade: %w", err)
	}

	if t.Qty, err = decimal.NewFromString(qty); err != nil {
		return t, fmt.Errorf("invalid qty %q: %w", qty, err)
	}
	if t.Price, err = decimal.NewFromString(price); err != nil {
		return t, fmt.Errorf("invalid price %q: %w", price, err)
	}
	if t.Fee, err = decimal.NewFromString(fee); err != nil {
		return t, fmt.Errorf("invalid fee %q: %w", fee, err)
	}
	if t.Side, err = domain.SideFromString(side); err != nil {
		return t, err
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return t, fmt.Errorf("invalid created_at %q: %w", createdAt, err)
	}

	t.ExchangeSymbol = exchangeSymbol.String
	t.ExchangeTradeID = exchangeTradeID.String
	t.OrderID = orderID.String
	if exchangeTS.Valid {
		if t.ExchangeTS, err = time.Parse(time.RFC3339Nano, exchangeTS.String); err != nil {
			return t, fmt.Errorf("invalid exchange_ts %q: %w", exchangeTS.String, err)
		}
	}

	return t, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
