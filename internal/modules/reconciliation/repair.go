// Package reconciliation detects drift between the cached ledger and the
// externally observed portfolio, and replays missed trades to repair it.
package reconciliation

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/tsbernar/tax-loss-direct-indexing/internal/domain"
	"github.com/tsbernar/tax-loss-direct-indexing/internal/modules/portfolio"
)

// ErrNoRepair means the supplied trades cannot explain the observed drift.
// The caller must not trade against the unreconciled ledger.
var ErrNoRepair = errors.New("no repair possible")

// State is the reconciliation state machine: positions either match or
// they do not.
type State int

const (
	StateConsistent State = iota
	StateDrifted
)

func (s State) String() string {
	if s == StateConsistent {
		return "CONSISTENT"
	}
	return "DRIFTED"
}

// Service compares cached ledger state with gateway ground truth.
type Service struct {
	log zerolog.Logger
}

// NewService creates a reconciliation service.
func NewService(log zerolog.Logger) *Service {
	return &Service{log: log.With().Str("service", "reconciliation").Logger()}
}

// Check reports whether the cached portfolio's positions match the
// externally observed ones.
func (s *Service) Check(cached, observed *portfolio.Portfolio) State {
	if cached.PositionsMatch(observed) {
		return StateConsistent
	}
	return StateDrifted
}

// Repair replays candidate missing trades, sorted most-recent-first,
// against the stale portfolio until its positions match the target.
//
// This is a heuristic, not a general reconciliation: it only succeeds when
// the drift is explained by a suffix of missed trades applied in order. If
// missed trades are interleaved with trades already applied, no repair is
// found and ErrNoRepair is returned. If the stale portfolio already matches
// the target, it is returned unchanged with no trades consumed.
func (s *Service) Repair(
	stale, target *portfolio.Portfolio,
	missing []domain.Trade,
) (*portfolio.Portfolio, error) {
	remaining := missing

	for {
		if stale.PositionsMatch(target) {
			s.log.Info().
				Int("trades_applied", len(missing)-len(remaining)).
				Msg("Repair succeeded")
			return stale, nil
		}
		if len(remaining) == 0 {
			s.log.Error().Int("trades_tried", len(missing)).Msg("Repair exhausted candidate trades")
			return nil, ErrNoRepair
		}

		trade := remaining[0]
		remaining = remaining[1:]

		switch trade.Side {
		case domain.SideBuy:
			stale.Buy(trade.Symbol, trade.Qty, trade.Price.InexactFloat64(), trade.Fee.InexactFloat64())
		case domain.SideSell:
			if trade.Qty.GreaterThan(stale.TotalShares(trade.Symbol)) {
				// This candidate suffix cannot explain the drift.
				s.log.Error().
					Str("trade", trade.String()).
					Msg("Replay sell exceeds held shares, aborting repair")
				return nil, ErrNoRepair
			}
			if _, err := stale.Sell(trade.Symbol, trade.Qty, trade.Price.InexactFloat64(), trade.Fee.InexactFloat64()); err != nil {
				return nil, err
			}
		default:
			// Unknown sides contribute no ledger mutation.
			s.log.Warn().Str("trade", trade.String()).Msg("Skipping trade with unknown side during replay")
		}

		s.log.Debug().Str("trade", trade.String()).Msg("Replayed trade")
	}
}
