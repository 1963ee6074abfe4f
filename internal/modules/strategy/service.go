// Package strategy orchestrates one direct-indexing tax-loss-harvesting
// run: reconcile, optimize, plan, execute, persist.
package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/mat"

	"github.com/tsbernar/tax-loss-direct-indexing/internal/domain"
	"github.com/tsbernar/tax-loss-direct-indexing/internal/modules/optimization"
	"github.com/tsbernar/tax-loss-direct-indexing/internal/modules/planning"
	"github.com/tsbernar/tax-loss-direct-indexing/internal/modules/portfolio"
	"github.com/tsbernar/tax-loss-direct-indexing/internal/modules/reconciliation"
	"github.com/tsbernar/tax-loss-direct-indexing/internal/modules/trades"
	"github.com/tsbernar/tax-loss-direct-indexing/internal/modules/universe"
)

// Gateway is the brokerage/execution collaborator. The core consumes this
// interface and never implements broker specifics itself. TryExecute
// returns only confirmed trades and must return an empty list when the
// market is closed.
type Gateway interface {
	GetCurrentPortfolio() (*portfolio.Portfolio, error)
	GetMarketPrices(tickers []string) (map[string]domain.MarketPrice, error)
	TryExecute(desired []domain.Trade) ([]domain.Trade, error)
	GetTrades(since time.Time) ([]domain.Trade, error)
}

// Notifier delivers the end-of-run summary. Formatting and transport are
// out of core scope.
type Notifier interface {
	Notify(subject, body string) error
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	Log zerolog.Logger
}

func (n LogNotifier) Notify(subject, body string) error {
	n.Log.Info().Str("subject", subject).Msg(body)
	return nil
}

// Config holds the strategy parameters for one deployment.
type Config struct {
	PortfolioFile    string
	BlacklistFile    string
	WeightsCacheFile string
	IndexWeightsFile string

	Rebalance bool
	DryRun    bool

	BenchmarkTicker string
	MaxStocks       int
	LookbackDays    int

	TaxCoefficient    float64
	MaxDeviation      float64
	CashConstraint    float64
	MaxTotalDeviation float64
	TrackingErrorFunc string

	WashSaleDays       int
	CashDriftTolerance float64
	RepairLookbackDays int
}

// Service runs the strategy. One run at a time: the HIFO ledger must not be
// mutated concurrently, so overlapping scheduled runs are rejected.
type Service struct {
	cfg      Config
	gateway  Gateway
	history  *universe.HistoryDB
	journal  *trades.Repository
	planner  *planning.Planner
	recon    *reconciliation.Service
	notifier Notifier
	log      zerolog.Logger

	running atomic.Bool
}

// NewService wires the strategy orchestrator.
func NewService(
	cfg Config,
	gateway Gateway,
	history *universe.HistoryDB,
	journal *trades.Repository,
	planner *planning.Planner,
	recon *reconciliation.Service,
	notifier Notifier,
	log zerolog.Logger,
) *Service {
	return &Service{
		cfg:      cfg,
		gateway:  gateway,
		history:  history,
		journal:  journal,
		planner:  planner,
		recon:    recon,
		notifier: notifier,
		log:      log.With().Str("service", "strategy").Logger(),
	}
}

// Name implements scheduler.Job.
func (s *Service) Name() string { return "strategy" }

// Run executes one full strategy cycle. Any fatal condition aborts the run
// before anything is persisted; persistence only happens after a successful
// planning and execution cycle.
func (s *Service) Run() error {
	if !s.running.CompareAndSwap(false, true) {
		return fmt.Errorf("strategy run already in progress")
	}
	defer s.running.Store(false)

	now := time.Now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)

	// 1. Cached state.
	pf, err := portfolio.LoadSnapshot(s.cfg.PortfolioFile)
	if err != nil {
		return fmt.Errorf("load cached portfolio: %w", err)
	}

	indexWeights, err := s.loadIndexWeights()
	if err != nil {
		return fmt.Errorf("load index weights: %w", err)
	}

	blacklist, err := LoadBlacklist(s.cfg.BlacklistFile)
	if err != nil {
		return fmt.Errorf("load blacklist: %w", err)
	}
	activeBlacklist := blacklist.Active(today)

	// 2. Fresh prices for everything we hold or may target.
	tickers := unionTickers(pf.Tickers(), keys(indexWeights), s.cfg.BenchmarkTicker)
	prices, err := s.gateway.GetMarketPrices(tickers)
	if err != nil {
		return fmt.Errorf("refresh market prices: %w", err)
	}
	for ticker, mp := range prices {
		pf.Prices[ticker] = mp
	}

	// 3. Reconcile against gateway ground truth.
	pf, err = s.reconcile(pf, now)
	if err != nil {
		return err
	}

	nav, err := pf.NAV()
	if err != nil {
		return fmt.Errorf("valuation: %w", err)
	}

	// 4. Target weights: fresh solve, or price drift adjustment only.
	var weightVector map[string]float64
	if s.cfg.Rebalance {
		weightVector, err = s.optimizeWeights(pf, indexWeights, activeBlacklist)
		if err != nil {
			return fmt.Errorf("optimize: %w", err)
		}
	} else {
		cache, err := LoadWeightsCache(s.cfg.WeightsCacheFile)
		if err != nil {
			return fmt.Errorf("load cached weights: %w", err)
		}
		weightVector = cache.PriceAdjusted(pf.Prices, s.log)
	}

	desired, err := portfolio.FromWeights(weightVector, nav, pf.Prices, activeBlacklist)
	if err != nil {
		return fmt.Errorf("build desired portfolio: %w", err)
	}

	// 5. Diff into a trade list.
	planned, err := s.planner.Plan(desired, pf, activeBlacklist)
	if err != nil {
		return fmt.Errorf("plan transactions: %w", err)
	}

	if s.cfg.DryRun {
		for _, t := range planned {
			s.log.Info().Str("trade", t.String()).Msg("Dry run, not executing")
		}
		return s.notifier.Notify("harvester dry run",
			fmt.Sprintf("planned %d trades, nav $%.2f\n%s", len(planned), nav, pf.Head(10)))
	}

	// 6. Execute. Partial fills and timeouts are non-fatal: the ledger is
	// updated with whatever was actually confirmed.
	executed, err := s.gateway.TryExecute(planned)
	if err != nil {
		s.log.Warn().Err(err).Msg("Execution problem, continuing with confirmed trades")
	}
	if len(executed) != len(planned) {
		s.log.Warn().
			Int("planned", len(planned)).
			Int("executed", len(executed)).
			Msg("Executed trade count mismatch")
	}

	// 7. Mutate ledger, persist, blacklist sells, notify.
	if err := pf.Update(executed); err != nil {
		return fmt.Errorf("apply executed trades: %w", err)
	}

	if err := s.journal.Save(executed); err != nil {
		s.log.Error().Err(err).Msg("Failed to journal executed trades")
	}

	var sold []string
	for _, t := range executed {
		if t.Side == domain.SideSell {
			sold = append(sold, t.Symbol)
		}
	}
	blacklist.Extend(sold, today.AddDate(0, 0, s.cfg.WashSaleDays))
	if err := blacklist.Save(s.cfg.BlacklistFile); err != nil {
		return fmt.Errorf("save blacklist: %w", err)
	}

	cache := make(WeightsCache, len(weightVector))
	for ticker, weight := range weightVector {
		if mp, ok := pf.Prices[ticker]; ok {
			cache[ticker] = WeightRecord{Weight: weight, MarketPrice: mp.Price}
		}
	}
	if err := cache.Save(s.cfg.WeightsCacheFile); err != nil {
		return fmt.Errorf("save weights cache: %w", err)
	}

	if err := pf.SaveSnapshot(s.cfg.PortfolioFile); err != nil {
		return fmt.Errorf("save portfolio snapshot: %w", err)
	}

	finalNAV, err := pf.NAV()
	if err != nil {
		return fmt.Errorf("post-run valuation: %w", err)
	}

	s.log.Info().
		Int("planned", len(planned)).
		Int("executed", len(executed)).
		Float64("nav", finalNAV).
		Msg("Strategy run complete")

	return s.notifier.Notify("harvester run complete",
		fmt.Sprintf("executed %d/%d trades, nav $%.2f\n%s",
			len(executed), len(planned), finalNAV, pf.Head(10)))
}

// reconcile compares the cached ledger with gateway ground truth, repairs
// position drift by replaying missed trades, and applies cash drift within
// tolerance. Repair failure or excess cash drift is fatal: we never trade
// against an unreconciled ledger.
func (s *Service) reconcile(pf *portfolio.Portfolio, now time.Time) (*portfolio.Portfolio, error) {
	observed, err := s.gateway.GetCurrentPortfolio()
	if err != nil {
		return nil, fmt.Errorf("get current portfolio: %w", err)
	}

	if s.recon.Check(pf, observed) == reconciliation.StateDrifted {
		s.log.Warn().Msg("Cached portfolio drifted from gateway, attempting repair")

		since := now.AddDate(0, 0, -s.cfg.RepairLookbackDays)
		missing, err := s.gateway.GetTrades(since)
		if err != nil {
			return nil, fmt.Errorf("get trades for repair: %w", err)
		}

		repaired, err := s.repairFrom(pf, observed, missing)
		if errors.Is(err, reconciliation.ErrNoRepair) {
			// The gateway's fill history can be shorter than the drift
			// window; the local journal keeps everything we executed.
			journaled, jerr := s.journal.ListSince(since)
			if jerr != nil {
				return nil, fmt.Errorf("list journaled trades for repair: %w", jerr)
			}
			s.log.Warn().
				Int("trades", len(journaled)).
				Msg("Gateway fills do not explain drift, replaying journal")
			repaired, err = s.repairFrom(pf, observed, journaled)
		}
		if err != nil {
			return nil, fmt.Errorf("reconciliation failed: %w", err)
		}
		pf = repaired
	}

	cashDrift := observed.Cash - pf.Cash
	if math.Abs(cashDrift) > s.cfg.CashDriftTolerance {
		return nil, fmt.Errorf("cash drift $%.2f exceeds tolerance $%.2f, investigate before trading",
			cashDrift, s.cfg.CashDriftTolerance)
	}
	if cashDrift != 0 {
		s.log.Info().Float64("drift", cashDrift).Msg("Applying cash drift within tolerance")
		pf.Cash = observed.Cash
	}

	return pf, nil
}

// repairFrom replays candidate trades against a copy of the cached ledger,
// so a failed attempt leaves the original untouched for the next candidate
// set.
func (s *Service) repairFrom(
	pf, observed *portfolio.Portfolio,
	candidates []domain.Trade,
) (*portfolio.Portfolio, error) {
	data, err := pf.ToJSON()
	if err != nil {
		return nil, err
	}
	clone, err := portfolio.FromJSON(data)
	if err != nil {
		return nil, err
	}
	return s.recon.Repair(clone, observed, candidates)
}

// optimizeWeights builds return series from the history DB and solves for
// target weights. A non-converged solve aborts the run.
func (s *Service) optimizeWeights(
	pf *portfolio.Portfolio,
	indexWeights map[string]float64,
	activeBlacklist map[string]struct{},
) (map[string]float64, error) {
	fromDate := time.Now().AddDate(0, 0, -s.cfg.LookbackDays).Format("2006-01-02")

	matrixTickers := unionTickers(keys(indexWeights), nil, s.cfg.BenchmarkTicker)
	pm, err := s.history.PriceMatrix(matrixTickers, fromDate)
	if err != nil {
		return nil, err
	}
	returns := pm.Returns()

	benchCol := pm.TickerColumn(s.cfg.BenchmarkTicker)
	if benchCol < 0 {
		return nil, fmt.Errorf("no price history for benchmark %s", s.cfg.BenchmarkTicker)
	}
	numReturns, _ := returns.Dims()
	indexReturns := mat.Col(nil, benchCol, returns)

	// Components are the index constituents with complete history.
	var components []string
	for _, ticker := range pm.Tickers {
		if _, ok := indexWeights[ticker]; ok {
			components = append(components, ticker)
		}
	}
	if len(components) == 0 {
		return nil, fmt.Errorf("no index constituents have price history since %s", fromDate)
	}

	componentReturns := mat.NewDense(numReturns, len(components), nil)
	trueWeights := make([]float64, len(components))
	for j, ticker := range components {
		col := pm.TickerColumn(ticker)
		componentReturns.SetCol(j, mat.Col(nil, col, returns))
		trueWeights[j] = indexWeights[ticker]
	}

	// Blacklisted tickers may shrink but not grow.
	blacklistBounds := make(map[string]optimization.Bounds, len(activeBlacklist))
	for ticker := range activeBlacklist {
		w, err := pf.Weight(ticker)
		if err != nil {
			return nil, err
		}
		blacklistBounds[ticker] = optimization.Bounds{Min: 0, Max: w}
	}
	// Cap the benchmark ETF itself so replication prefers constituents.
	if _, ok := blacklistBounds[s.cfg.BenchmarkTicker]; !ok {
		blacklistBounds[s.cfg.BenchmarkTicker] = optimization.Bounds{Min: 0, Max: 0.1}
	}

	opt, err := optimization.NewMinimizeOptimizer(optimization.Config{
		IndexReturns:      indexReturns,
		ComponentReturns:  componentReturns,
		Tickers:           components,
		TrueWeights:       trueWeights,
		TaxCoefficient:    s.cfg.TaxCoefficient,
		StartingPortfolio: pf,
		InitialGuess:      trueWeights,
		MaxDeviation:      s.cfg.MaxDeviation,
		TickerBlacklist:   blacklistBounds,
		CashConstraint:    s.cfg.CashConstraint,
		TrackingErrorFunc: s.cfg.TrackingErrorFunc,
		MaxTotalDeviation: s.cfg.MaxTotalDeviation,
	}, s.log)
	if err != nil {
		return nil, err
	}

	result, err := opt.Optimize()
	if err != nil {
		return nil, err
	}
	return result.WeightByTicker, nil
}

// loadIndexWeights reads the target index weight file ({ticker: weight})
// and keeps the MaxStocks heaviest constituents.
func (s *Service) loadIndexWeights() (map[string]float64, error) {
	data, err := os.ReadFile(s.cfg.IndexWeightsFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read index weights: %w", err)
	}

	var weights map[string]float64
	if err := json.Unmarshal(data, &weights); err != nil {
		return nil, fmt.Errorf("failed to decode index weights: %w", err)
	}

	if s.cfg.MaxStocks > 0 && len(weights) > s.cfg.MaxStocks {
		tickers := keys(weights)
		sort.Slice(tickers, func(i, j int) bool { return weights[tickers[i]] > weights[tickers[j]] })
		trimmed := make(map[string]float64, s.cfg.MaxStocks)
		for _, ticker := range tickers[:s.cfg.MaxStocks] {
			trimmed[ticker] = weights[ticker]
		}
		weights = trimmed
	}

	s.log.Info().Int("tickers", len(weights)).Msg("Loaded index weights")
	return weights, nil
}

func keys(m map[string]float64) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func unionTickers(a, b []string, extra string) []string {
	seen := make(map[string]struct{}, len(a)+len(b)+1)
	for _, t := range a {
		seen[t] = struct{}{}
	}
	for _, t := range b {
		seen[t] = struct{}{}
	}
	if extra != "" {
		seen[extra] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
