// Package domain holds the value objects shared across modules.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Side is the trade direction. The integer values double as the signed
// quantity multiplier used when diffing portfolios: a positive share delta
// is a BUY, a negative one a SELL.
type Side int

const (
	SideUnknown Side = 0
	SideBuy     Side = 1
	SideSell    Side = -1
)

func (s Side) String() string {
	switch s {
	case SideBuy:
		return "BUY"
	case SideSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

// SideFromString parses a side name (case-insensitive). Unrecognized values
// map to SideUnknown with an error so callers can decide how loudly to fail.
func SideFromString(value string) (Side, error) {
	switch strings.ToUpper(strings.TrimSpace(value)) {
	case "BUY":
		return SideBuy, nil
	case "SELL":
		return SideSell, nil
	case "UNKNOWN":
		return SideUnknown, nil
	default:
		return SideUnknown, fmt.Errorf("invalid trade side: %q", value)
	}
}

// MarketPrice is an externally observed quote. The core never invents
// prices; these always come from the gateway or a persisted snapshot.
type MarketPrice struct {
	Price       float64   `json:"price"`
	LastUpdated time.Time `json:"last_updated"`
}

// Trade is a value object describing one execution (desired or confirmed).
// It is immutable once created except for the exchange-populated fields
// (ExchangeTradeID, ExchangeTS), which the gateway fills in asynchronously.
type Trade struct {
	ID              string
	Symbol          string
	Qty             decimal.Decimal
	Price           decimal.Decimal
	Side            Side
	Fee             decimal.Decimal
	ExchangeSymbol  string
	ExchangeTradeID string
	OrderID         string
	CreatedAt       time.Time
	ExchangeTS      time.Time
}

// NewTrade creates a trade with a locally generated unique id.
func NewTrade(symbol string, qty, price decimal.Decimal, side Side) Trade {
	return Trade{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Qty:       qty,
		Price:     price,
		Side:      side,
		Fee:       decimal.Zero,
		CreatedAt: time.Now(),
	}
}

func (t Trade) String() string {
	return fmt.Sprintf("%s %s %s @ %s (id=%s)", t.Side, t.Qty, t.Symbol, t.Price, t.ID)
}
