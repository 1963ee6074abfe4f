package optimization

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/tsbernar/tax-loss-direct-indexing/internal/domain"
	"github.com/tsbernar/tax-loss-direct-indexing/internal/modules/portfolio"
)

func startingPortfolio() *portfolio.Portfolio {
	p := portfolio.New()
	p.Cash = 1000
	p.Buy("AAA", decimal.NewFromInt(10), 10, 0) // cash 900, nav 1000
	p.Prices["AAA"] = domain.MarketPrice{Price: 10}
	return p
}

// singleTickerConfig builds a solve where the component return series is
// exactly twice the benchmark's, so the tracking-error optimum sits at
// weight 0.5, strictly inside the allowed band around the true weight.
func singleTickerConfig() Config {
	index := []float64{0.01, -0.02, 0.015, 0.005, -0.01, 0.02}
	comp := mat.NewDense(len(index), 1, nil)
	for i, r := range index {
		comp.Set(i, 0, 2*r)
	}

	return Config{
		IndexReturns:      index,
		ComponentReturns:  comp,
		Tickers:           []string{"AAA"},
		TrueWeights:       []float64{0.5},
		TaxCoefficient:    0,
		StartingPortfolio: startingPortfolio(),
		InitialGuess:      []float64{0.5},
		MaxDeviation:      0.03,
		CashConstraint:    0,
		TrackingErrorFunc: "least_squared",
		MaxTotalDeviation: 0.8,
	}
}

func TestOptimizeFindsInteriorOptimum(t *testing.T) {
	opt, err := NewMinimizeOptimizer(singleTickerConfig(), zerolog.Nop())
	require.NoError(t, err)

	result, err := opt.Optimize()
	require.NoError(t, err)

	require.Contains(t, result.WeightByTicker, "AAA")
	assert.InDelta(t, 0.5, result.WeightByTicker["AAA"], 0.02)
	require.Len(t, result.Weights, 1)
	assert.Equal(t, "AAA", result.Weights[0].Ticker)
}

func TestOptimizeRespectsBlacklistBounds(t *testing.T) {
	cfg := singleTickerConfig()
	cfg.TickerBlacklist = map[string]Bounds{"AAA": {Min: 0, Max: 0.1}}

	opt, err := NewMinimizeOptimizer(cfg, zerolog.Nop())
	require.NoError(t, err)

	result, err := opt.Optimize()
	require.NoError(t, err)
	assert.LessOrEqual(t, result.WeightByTicker["AAA"], 0.1+2*boundEpsilon)
}

func TestOptimizeScalesWeightsOntoCashBand(t *testing.T) {
	// Component returns run below the benchmark's, so the pure tracking
	// optimum wants more than full investment (sum of weights 1.06, within
	// the per-ticker bands). The solved vector must still be spendable:
	// portfolio construction rejects weight sums over 1 outright.
	index := []float64{0.01, -0.02, 0.015, 0.005, -0.01, 0.02}
	comp := mat.NewDense(len(index), 2, nil)
	for i, r := range index {
		comp.Set(i, 0, r/1.06)
		comp.Set(i, 1, r/1.06)
	}

	p := portfolio.New()
	p.Cash = 1000
	p.Buy("AAA", decimal.NewFromInt(10), 10, 0)
	p.Buy("BBB", decimal.NewFromInt(10), 10, 0)
	p.Prices["AAA"] = domain.MarketPrice{Price: 10}
	p.Prices["BBB"] = domain.MarketPrice{Price: 10}

	opt, err := NewMinimizeOptimizer(Config{
		IndexReturns:      index,
		ComponentReturns:  comp,
		Tickers:           []string{"AAA", "BBB"},
		TrueWeights:       []float64{0.5, 0.5},
		TaxCoefficient:    0,
		StartingPortfolio: p,
		InitialGuess:      []float64{0.5, 0.5},
		MaxDeviation:      0.03,
		CashConstraint:    0.95,
		TrackingErrorFunc: "least_squared",
		MaxTotalDeviation: 0.8,
	}, zerolog.Nop())
	require.NoError(t, err)

	result, err := opt.Optimize()
	require.NoError(t, err)

	sum := result.WeightByTicker["AAA"] + result.WeightByTicker["BBB"]
	assert.LessOrEqual(t, sum, 1.0+1e-9)
	assert.Greater(t, sum, 0.95)

	_, err = portfolio.FromWeights(result.WeightByTicker, 1000, p.Prices, nil)
	require.NoError(t, err)
}

func TestNewOptimizerRejectsDimensionMismatch(t *testing.T) {
	cfg := singleTickerConfig()
	cfg.TrueWeights = []float64{0.5, 0.5}

	_, err := NewMinimizeOptimizer(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "true weights")
}

func TestNewOptimizerRejectsUnknownTrackingFunc(t *testing.T) {
	cfg := singleTickerConfig()
	cfg.TrackingErrorFunc = "bogus"

	_, err := NewMinimizeOptimizer(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tracking error func")
}

func TestNewOptimizerRejectsMissingPrice(t *testing.T) {
	cfg := singleTickerConfig()
	delete(cfg.StartingPortfolio.Prices, "AAA")

	_, err := NewMinimizeOptimizer(cfg, zerolog.Nop())
	require.Error(t, err)
	var mpe *portfolio.MissingPriceError
	assert.ErrorAs(t, err, &mpe)
}

func TestNewOptimizerRejectsNonPositivePrice(t *testing.T) {
	cfg := singleTickerConfig()
	cfg.StartingPortfolio.Prices["AAA"] = domain.MarketPrice{Price: 0}

	_, err := NewMinimizeOptimizer(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "market price")
}

func TestTaxLossPreferenceShiftsWeight(t *testing.T) {
	// The starting lot is deeply underwater ($30 basis, $10 market). With a
	// large tax coefficient the solver prefers a lower weight (selling,
	// harvesting the loss) over the pure tracking optimum.
	mkCfg := func(taxCoeff float64) Config {
		cfg := singleTickerConfig()
		p := portfolio.New()
		p.Cash = 2000
		p.Buy("AAA", decimal.NewFromInt(60), 30, 0) // cash 200
		p.Prices["AAA"] = domain.MarketPrice{Price: 10}
		// Start weight 0.75, above the whole allowed band, so every
		// candidate implies selling and harvesting part of the loss.
		cfg.StartingPortfolio = p
		cfg.TaxCoefficient = taxCoeff
		return cfg
	}

	solve := func(taxCoeff float64) float64 {
		opt, err := NewMinimizeOptimizer(mkCfg(taxCoeff), zerolog.Nop())
		require.NoError(t, err)
		result, err := opt.Optimize()
		require.NoError(t, err)
		return result.WeightByTicker["AAA"]
	}

	assert.Less(t, solve(100), solve(0))
}

func TestTrackingErrorFuncFromString(t *testing.T) {
	f, err := TrackingErrorFuncFromString("least_squared")
	require.NoError(t, err)
	assert.Equal(t, LeastSquared, f)

	f, err = TrackingErrorFuncFromString("var_tracking_diff")
	require.NoError(t, err)
	assert.Equal(t, VarTrackingDiff, f)

	_, err = TrackingErrorFuncFromString("nope")
	require.Error(t, err)
}

func TestTrackingErrorValue(t *testing.T) {
	diffs := []float64{1, -1, 3, -3}

	// Mean square of the series.
	assert.InDelta(t, 5.0, LeastSquared.value(diffs), 1e-9)
	// Zero-mean series: variance equals mean square.
	assert.InDelta(t, 5.0, VarTrackingDiff.value(diffs), 1e-9)

	// Constant offset has zero variance but nonzero mean square.
	offset := []float64{2, 2, 2}
	assert.InDelta(t, 4.0, LeastSquared.value(offset), 1e-9)
	assert.InDelta(t, 0.0, VarTrackingDiff.value(offset), 1e-9)
}
