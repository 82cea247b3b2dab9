package series

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForecastEmptySeries(t *testing.T) {
	assert.Equal(t, 0.0, Forecast(nil, 3))
}

func TestForecastSinglePointIsFlat(t *testing.T) {
	assert.Equal(t, 500.0, Forecast([]float64{500}, 3))
}

func TestForecastLinearTrend(t *testing.T) {
	// A clean +10 trend projects two steps past 130.
	got := Forecast([]float64{100, 110, 120, 130}, 2)
	assert.InDelta(t, 150, got, 1.0)
}

func TestForecastPathMonotoneForRisingTrend(t *testing.T) {
	path := ForecastPath([]float64{100, 110, 120, 130}, 3)
	require.Len(t, path, 3)
	for i := 1; i < len(path); i++ {
		assert.Greater(t, path[i], path[i-1])
	}
	assert.InDelta(t, Forecast([]float64{100, 110, 120, 130}, 3), path[2], 1e-9)
}

func TestForecastPathShortSeries(t *testing.T) {
	path := ForecastPath([]float64{7}, 2)
	assert.Equal(t, []float64{7, 7}, path)

	path = ForecastPath(nil, 2)
	assert.Equal(t, []float64{0, 0}, path)
}

func TestForecastPathZeroSteps(t *testing.T) {
	assert.Nil(t, ForecastPath([]float64{1, 2}, 0))
}

func TestComputeGrowthStats(t *testing.T) {
	stats := ComputeGrowthStats([]float64{100, 200, 300})
	require.NotNil(t, stats.Current)
	assert.Equal(t, 300.0, *stats.Current)
	assert.InDelta(t, 200, stats.Avg, 1e-9)
	assert.Equal(t, 100.0, stats.Min)
	assert.Equal(t, 300.0, stats.Max)
	assert.InDelta(t, 200, stats.GrowthRate, 1e-9)
	assert.InDelta(t, 50, stats.ChangePct, 1e-9)
}

func TestComputeGrowthStatsIgnoresMissing(t *testing.T) {
	stats := ComputeGrowthStats([]float64{math.NaN(), 10, math.NaN(), 20})
	require.NotNil(t, stats.Current)
	assert.Equal(t, 20.0, *stats.Current)
	assert.InDelta(t, 15, stats.Avg, 1e-9)
}

func TestComputeGrowthStatsEmpty(t *testing.T) {
	stats := ComputeGrowthStats(nil)
	assert.Nil(t, stats.Current)
}
