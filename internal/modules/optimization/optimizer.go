// Package optimization solves for index-replicating weight vectors that
// trade off tracking error against harvested tax-loss value.
package optimization

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/tsbernar/tax-loss-direct-indexing/internal/modules/portfolio"
)

// ErrNotConverged is fatal for the calling strategy: a non-converged weight
// vector is never applied, and retrying the same nonconvex solve with
// identical inputs is not expected to help.
var ErrNotConverged = errors.New("optimization did not converge")

const (
	// Quadratic penalty applied to violated constraints.
	penaltyWeight = 1000.0
	// Degenerate (min == max) bounds are widened by this epsilon because
	// the solver cannot handle a zero-width bound.
	boundEpsilon = 1e-6
	// The solver default iteration budget is too small for the combined
	// tax+tracking objective; bound it generously instead.
	maxIterations  = 4000
	maxEvaluations = 400_000
)

// Bounds is an explicit per-ticker weight range, used by the blacklist to
// forbid increasing a position while still allowing it to shrink.
type Bounds struct {
	Min float64
	Max float64
}

// Config describes one solve.
type Config struct {
	// IndexReturns is the benchmark daily return series.
	IndexReturns []float64
	// ComponentReturns has one row per date and one column per ticker,
	// column order matching Tickers.
	ComponentReturns *mat.Dense
	// Tickers in component-column order.
	Tickers []string
	// TrueWeights are the real index weights per ticker.
	TrueWeights []float64
	// TaxCoefficient scales the harvested-loss term of the objective.
	TaxCoefficient float64
	// StartingPortfolio supplies current weights, prices and HIFO lots.
	StartingPortfolio *portfolio.Portfolio
	// InitialGuess seeds the solver (typically current or true weights).
	InitialGuess []float64
	// MaxDeviation bounds each weight to true_weight +/- MaxDeviation.
	MaxDeviation float64
	// TickerBlacklist overrides per-ticker bounds.
	TickerBlacklist map[string]Bounds
	// CashConstraint is the minimum fraction of NAV that must stay invested.
	CashConstraint float64
	// TrackingErrorFunc names the tracking-error metric.
	TrackingErrorFunc string
	// MaxTotalDeviation budgets sum(|w_i - true_weight_i|).
	MaxTotalDeviation float64
}

// TickerWeight pairs a ticker with its solved weight.
type TickerWeight struct {
	Ticker string
	Weight float64
}

// Result is the solved weight vector (ascending by weight) plus the raw
// solver result for diagnostics.
type Result struct {
	Weights        []TickerWeight
	WeightByTicker map[string]float64
	Raw            *optimize.Result
}

// MinimizeOptimizer is the gonum-backed index optimizer. The optimization
// vector is [weights; slack], twice the ticker count: the slack variables
// reformulate the absolute-value total-deviation budget as smooth
// constraints.
type MinimizeOptimizer struct {
	cfg      Config
	tracking TrackingErrorFunc
	log      zerolog.Logger

	// Precomputed views of the starting portfolio. The objective reads
	// these (and HIFOBasis) thousands of times per solve and must never
	// mutate the portfolio.
	startWeights []float64
	startPrices  []float64
	nav          float64
	compRows     [][]float64
}

// NewMinimizeOptimizer validates the configuration and precomputes the
// starting-portfolio views used by the objective hot path.
func NewMinimizeOptimizer(cfg Config, log zerolog.Logger) (*MinimizeOptimizer, error) {
	tracking, err := TrackingErrorFuncFromString(cfg.TrackingErrorFunc)
	if err != nil {
		return nil, err
	}

	n := len(cfg.Tickers)
	if n == 0 {
		return nil, fmt.Errorf("no tickers provided")
	}
	if len(cfg.TrueWeights) != n {
		return nil, fmt.Errorf("true weights size %d does not match tickers count %d", len(cfg.TrueWeights), n)
	}
	if len(cfg.InitialGuess) != n {
		return nil, fmt.Errorf("initial guess size %d does not match tickers count %d", len(cfg.InitialGuess), n)
	}

	rows, cols := cfg.ComponentReturns.Dims()
	if cols != n {
		return nil, fmt.Errorf("component returns have %d columns, expected %d", cols, n)
	}
	if rows != len(cfg.IndexReturns) {
		return nil, fmt.Errorf("component returns have %d rows, index returns %d", rows, len(cfg.IndexReturns))
	}

	nav, err := cfg.StartingPortfolio.NAV()
	if err != nil {
		return nil, fmt.Errorf("starting portfolio: %w", err)
	}
	if nav <= 0 {
		return nil, fmt.Errorf("starting portfolio NAV must be positive, got %f", nav)
	}

	o := &MinimizeOptimizer{
		cfg:          cfg,
		tracking:     tracking,
		log:          log.With().Str("component", "optimizer").Logger(),
		startWeights: make([]float64, n),
		startPrices:  make([]float64, n),
		nav:          nav,
		compRows:     make([][]float64, rows),
	}

	for i, ticker := range cfg.Tickers {
		w, err := cfg.StartingPortfolio.Weight(ticker)
		if err != nil {
			return nil, fmt.Errorf("starting portfolio: %w", err)
		}
		o.startWeights[i] = w

		mp, ok := cfg.StartingPortfolio.Prices[ticker]
		if !ok {
			return nil, &portfolio.MissingPriceError{Ticker: ticker}
		}
		// Share-change arithmetic divides by the starting price.
		if mp.Price <= 0 {
			return nil, fmt.Errorf("non-positive market price %f for %s", mp.Price, ticker)
		}
		o.startPrices[i] = mp.Price
	}

	for t := 0; t < rows; t++ {
		o.compRows[t] = mat.Row(nil, t, cfg.ComponentReturns)
	}

	return o, nil
}

// Optimize runs the solve and returns the weight half of the solution
// sorted ascending by value, plus the raw solver result.
func (o *MinimizeOptimizer) Optimize() (*Result, error) {
	n := len(o.cfg.Tickers)
	lower, upper := o.bounds()

	// x = [weights; slack]. Slack starts at an even split of the budget.
	x0 := make([]float64, 2*n)
	copy(x0, o.cfg.InitialGuess)
	for i := n; i < 2*n; i++ {
		x0[i] = o.cfg.MaxTotalDeviation / float64(n)
	}

	evals := 0
	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			w := projectTo(x[:n], lower, upper)
			e := projectSlack(x[n:], o.cfg.MaxTotalDeviation)

			trackingError := o.trackingError(w)
			taxLoss := o.taxLossPctHarvested(w)
			score := trackingError - o.cfg.TaxCoefficient*taxLoss
			score += o.constraintPenalty(w, e)

			evals++
			if evals%500 == 0 {
				o.log.Debug().
					Float64("tracking_error", trackingError).
					Float64("tax_loss_harvested", taxLoss).
					Float64("score", score).
					Int("evals", evals).
					Msg("Objective sample")
			}
			return score
		},
	}

	settings := &optimize.Settings{
		MajorIterations: maxIterations,
		FuncEvaluations: maxEvaluations,
	}

	result, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if err != nil {
		return nil, fmt.Errorf("optimization failed: %w", err)
	}

	successStatuses := map[optimize.Status]bool{
		optimize.Success:             true,
		optimize.FunctionConvergence: true,
		optimize.GradientThreshold:   true,
	}
	if !successStatuses[result.Status] {
		return nil, fmt.Errorf("status=%v after %d evaluations: %w", result.Status, evals, ErrNotConverged)
	}

	final := projectTo(result.X[:n], lower, upper)

	// The cash band is penalty-enforced, so a converged solve can sit
	// marginally above full investment. Scale back onto the band; the
	// portfolio constructed from these weights rejects sums over 1.
	if sum := floats.Sum(final); sum > 1 {
		floats.Scale(1/sum, final)
	}

	weights := make([]TickerWeight, n)
	byTicker := make(map[string]float64, n)
	for i, ticker := range o.cfg.Tickers {
		weights[i] = TickerWeight{Ticker: ticker, Weight: final[i]}
		byTicker[ticker] = final[i]
	}
	sort.SliceStable(weights, func(i, j int) bool { return weights[i].Weight < weights[j].Weight })

	o.log.Info().
		Int("tickers", n).
		Int("evals", evals).
		Str("status", result.Status.String()).
		Float64("score", result.F).
		Msg("Optimization converged")

	return &Result{Weights: weights, WeightByTicker: byTicker, Raw: result}, nil
}

// bounds builds the per-ticker weight ranges: blacklist overrides, otherwise
// true weight +/- MaxDeviation clipped at zero, with degenerate ranges
// widened by an epsilon.
func (o *MinimizeOptimizer) bounds() (lower, upper []float64) {
	n := len(o.cfg.Tickers)
	lower = make([]float64, n)
	upper = make([]float64, n)

	for i, ticker := range o.cfg.Tickers {
		if b, ok := o.cfg.TickerBlacklist[ticker]; ok {
			lower[i], upper[i] = b.Min, b.Max
		} else {
			tw := o.cfg.TrueWeights[i]
			lower[i] = math.Max(0, tw-o.cfg.MaxDeviation)
			upper[i] = tw + o.cfg.MaxDeviation
		}
		if upper[i]-lower[i] < boundEpsilon {
			upper[i] = lower[i] + boundEpsilon
		}
	}
	return lower, upper
}

// trackingError evaluates the configured metric on the scaled deviation
// series between benchmark and weighted component returns.
func (o *MinimizeOptimizer) trackingError(w []float64) float64 {
	diffs := make([]float64, len(o.compRows))
	for t, row := range o.compRows {
		diffs[t] = (o.cfg.IndexReturns[t] - floats.Dot(row, w)) * 100
	}
	return o.tracking.value(diffs)
}

// taxLossPctHarvested converts the weight deltas of a candidate vector into
// prospective sells, prices each sell against its HIFO cost basis and
// returns the harvested loss as a fraction of NAV. Losses are positive,
// gains negative. Evaluated fresh on every objective call; this is the
// documented hot path.
func (o *MinimizeOptimizer) taxLossPctHarvested(w []float64) float64 {
	totalTaxLoss := 0.0

	for i, ticker := range o.cfg.Tickers {
		shareChange := (w[i] - o.startWeights[i]) / o.startPrices[i] * o.nav
		if shareChange >= 0 {
			continue
		}
		cb, ok := o.cfg.StartingPortfolio.CostBasis[ticker]
		if !ok {
			continue
		}
		hifo := cb.HIFOBasis(decimal.NewFromFloat(-shareChange))
		totalTaxLoss += (o.startPrices[i] - hifo.Price) * shareChange
	}

	return totalTaxLoss / o.nav
}

// constraintPenalty encodes the cash-usage band, the slack identity
// min(e_i-(w_i-c_i), e_i+(w_i-c_i)) >= 0 and the equality
// sum(e) == MaxTotalDeviation as quadratic penalties.
func (o *MinimizeOptimizer) constraintPenalty(w, e []float64) float64 {
	penalty := 0.0

	sumW := floats.Sum(w)
	if sumW < o.cfg.CashConstraint {
		d := o.cfg.CashConstraint - sumW
		penalty += penaltyWeight * d * d
	}
	if sumW > 1.0 {
		d := sumW - 1.0
		penalty += penaltyWeight * d * d
	}

	sumE := floats.Sum(e) - o.cfg.MaxTotalDeviation
	penalty += penaltyWeight * sumE * sumE

	for i := range w {
		d := w[i] - o.cfg.TrueWeights[i]
		g := math.Min(e[i]-d, e[i]+d)
		if g < 0 {
			penalty += penaltyWeight * g * g
		}
	}

	return penalty
}

func projectTo(x, lower, upper []float64) []float64 {
	projected := make([]float64, len(x))
	for i, v := range x {
		projected[i] = math.Max(lower[i], math.Min(upper[i], v))
	}
	return projected
}

func projectSlack(e []float64, budget float64) []float64 {
	projected := make([]float64, len(e))
	for i, v := range e {
		projected[i] = math.Max(0, math.Min(budget, v))
	}
	return projected
}
