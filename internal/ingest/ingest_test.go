package ingest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestNormalizer() *Normalizer {
	return NewNormalizer(zerolog.Nop())
}

func TestMeltBasic(t *testing.T) {
	records := [][]string{
		{"hang_muc", "2004", "2005"},
		{"Tong_luong_mua", "1800.5", "1750"},
	}
	observations, err := newTestNormalizer().Melt(records)
	require.NoError(t, err)
	require.Len(t, observations, 2)

	assert.Equal(t, "Tong_luong_mua", observations[0].Label)
	assert.Equal(t, 2004, observations[0].Year)
	require.NotNil(t, observations[0].Value)
	assert.Equal(t, 1800.5, *observations[0].Value)
}

func TestMeltIgnoresNonYearColumns(t *testing.T) {
	records := [][]string{
		{"hang_muc", "unit", "2004", "notes"},
		{"Area (Thousand ha)", "ha", "500", "x"},
	}
	observations, err := newTestNormalizer().Melt(records)
	require.NoError(t, err)
	require.Len(t, observations, 1)
	assert.Equal(t, 2004, observations[0].Year)
}

func TestMeltNoYearColumns(t *testing.T) {
	records := [][]string{
		{"hang_muc", "unit", "notes"},
		{"row", "a", "b"},
	}
	_, err := newTestNormalizer().Melt(records)
	assert.ErrorIs(t, err, ErrNoYearColumns)
}

func TestMeltEmptyTable(t *testing.T) {
	_, err := newTestNormalizer().Melt(nil)
	assert.ErrorIs(t, err, ErrEmptyTable)
}

func TestMeltDropsBlacklistedLabels(t *testing.T) {
	records := [][]string{
		{"hang_muc", "2004"},
		{"nan", "1"},
		{"NaN", "2"},
		{"hang_muc", "3"},
		{"Hang_muc", "4"},
		{"", "5"},
		{"kept", "6"},
	}
	observations, err := newTestNormalizer().Melt(records)
	require.NoError(t, err)
	require.Len(t, observations, 1)
	assert.Equal(t, "kept", observations[0].Label)
}

func TestMeltHeaderEchoGuard(t *testing.T) {
	// A cell equal to its own year column means a header row leaked into
	// the data; the cell is dropped, not stored as a value.
	records := [][]string{
		{"hang_muc", "2004", "2005"},
		{"leaked_header", "2004", "300"},
	}
	observations, err := newTestNormalizer().Melt(records)
	require.NoError(t, err)
	require.Len(t, observations, 1)
	assert.Equal(t, 2005, observations[0].Year)
	assert.Equal(t, 300.0, *observations[0].Value)
}

func TestMeltFirstOccurrenceWins(t *testing.T) {
	records := [][]string{
		{"hang_muc", "2004"},
		{"dup", "10"},
		{"dup", "99"},
	}
	observations, err := newTestNormalizer().Melt(records)
	require.NoError(t, err)
	require.Len(t, observations, 1)
	assert.Equal(t, 10.0, *observations[0].Value)
}

func TestMeltNonNumericCellBecomesNull(t *testing.T) {
	records := [][]string{
		{"hang_muc", "2004", "2005"},
		{"metric", "n/a", "7"},
	}
	observations, err := newTestNormalizer().Melt(records)
	require.NoError(t, err)
	require.Len(t, observations, 2)
	assert.Nil(t, observations[0].Value)
	assert.Equal(t, 7.0, *observations[1].Value)
}

func TestMeltFileCSVWithBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wide.csv")
	content := "\ufeffhang_muc,2004\nTong_luong_mua,1800\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	observations, err := newTestNormalizer().MeltFile(path)
	require.NoError(t, err)
	require.Len(t, observations, 1)
	assert.Equal(t, "Tong_luong_mua", observations[0].Label)
}

func TestMarketTable(t *testing.T) {
	records := [][]string{
		{"Year", "Importer", "Trade Value(million_USD)", "Quantity(tons)"},
		{"2020", "Germany", "512.3", "210000"},
		{"2020", "", "1", "2"},
		{"bad", "Italy", "1", "2"},
	}
	rows, err := newTestNormalizer().MarketTable(records)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Germany", rows[0].Importer)
	assert.Equal(t, 2020, rows[0].Year)
	assert.Equal(t, 512.3, *rows[0].TradeValueMillionUSD)
	assert.Equal(t, 210000.0, *rows[0].QuantityTons)
}

func TestMarketTableMissingColumn(t *testing.T) {
	records := [][]string{
		{"Year", "Importer", "Trade Value(million_USD)"},
		{"2020", "Germany", "512.3"},
	}
	_, err := newTestNormalizer().MarketTable(records)
	assert.ErrorIs(t, err, ErrMissingColumn)
	assert.ErrorContains(t, err, "Quantity(tons)")
}
