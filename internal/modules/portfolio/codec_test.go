package portfolio

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsbernar/tax-loss-direct-indexing/internal/domain"
)

func snapshotFixture() *Portfolio {
	p := New()
	p.Cash = 123.45
	p.CostBasis["AAA"] = NewCostBasisInfo("AAA", []TaxLot{
		{Shares: d("5.5"), Price: 20, Date: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		{Shares: d("2.1"), Price: 31.5, Date: time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)},
	})
	p.Prices["AAA"] = domain.MarketPrice{
		Price:       25,
		LastUpdated: time.Date(2024, 7, 1, 12, 0, 0, 0, time.UTC),
	}
	return p
}

func TestSnapshotRoundTrip(t *testing.T) {
	p := snapshotFixture()

	data, err := p.ToJSON()
	require.NoError(t, err)

	got, err := FromJSON(data)
	require.NoError(t, err)

	assert.Equal(t, p.Cash, got.Cash)
	require.Contains(t, got.CostBasis, "AAA")
	require.Len(t, got.CostBasis["AAA"].TaxLots, 2)
	// Lots come back sorted highest price first regardless of stored order.
	assert.True(t, got.CostBasis["AAA"].TaxLots[0].Shares.Equal(d("2.1")))
	assert.Equal(t, 31.5, got.CostBasis["AAA"].TaxLots[0].Price)
	assert.True(t, got.CostBasis["AAA"].TotalShares().Equal(p.CostBasis["AAA"].TotalShares()))
	assert.Equal(t, p.Prices["AAA"], got.Prices["AAA"])
}

func TestSnapshotSharesAreExactStrings(t *testing.T) {
	p := snapshotFixture()

	data, err := p.ToJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"shares": "5.5"`)
}

func TestSaveSnapshotRotatesPrevious(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "portfolio.json")
	p := snapshotFixture()

	require.NoError(t, p.SaveSnapshot(path))
	p.Cash = 999
	require.NoError(t, p.SaveSnapshot(path))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	got, err := LoadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, 999.0, got.Cash)
}

func TestLoadSnapshotMissingFile(t *testing.T) {
	_, err := LoadSnapshot(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}
