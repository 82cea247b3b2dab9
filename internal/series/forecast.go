package series

import "math"

const (
	// Holt smoothing parameters.
	alpha = 0.3
	beta  = 0.1
)

// ForecastMethod is the provenance tag attached to projected values.
const ForecastMethod = "exponential_smoothing"

// Forecast projects a complete (no-missing) series the given number of
// periods ahead using double exponential smoothing (Holt's linear trend)
// and returns only the final horizon value.
//
// Series shorter than 2 points return the single known value, or 0 for an
// empty series; this is a documented boundary case, not an error.
func Forecast(values []float64, steps int) float64 {
	if len(values) == 0 {
		return 0
	}
	if len(values) < 2 {
		return values[0]
	}

	level, trend := smooth(values)
	return level + float64(steps)*trend
}

// ForecastPath is the per-period generalization of Forecast: one projected
// value for each intermediate future period 1..steps.
func ForecastPath(values []float64, steps int) []float64 {
	if steps <= 0 {
		return nil
	}
	out := make([]float64, steps)
	if len(values) < 2 {
		flat := 0.0
		if len(values) == 1 {
			flat = values[0]
		}
		for i := range out {
			out[i] = flat
		}
		return out
	}

	level, trend := smooth(values)
	for i := 1; i <= steps; i++ {
		out[i-1] = level + float64(i)*trend
	}
	return out
}

func smooth(values []float64) (level, trend float64) {
	level = values[0]
	trend = (values[len(values)-1] - values[0]) / float64(len(values)-1)
	for _, v := range values[1:] {
		prevLevel := level
		level = alpha*v + (1-alpha)*(level+trend)
		trend = beta*(level-prevLevel) + (1-beta)*trend
	}
	return level, trend
}

// GrowthStats summarizes a served series for dashboard stat blocks.
type GrowthStats struct {
	Current    *float64
	Avg        float64
	Min        float64
	Max        float64
	GrowthRate float64
	ChangePct  float64
}

// ComputeGrowthStats calculates summary statistics over the known values of
// a series. Current defaults to the last value; GrowthRate is first-to-last
// percent change and ChangePct the deviation of current from the average.
func ComputeGrowthStats(values []float64) GrowthStats {
	known := make([]float64, 0, len(values))
	for _, v := range values {
		if !Missing(v) {
			known = append(known, v)
		}
	}
	if len(known) == 0 {
		return GrowthStats{}
	}

	current := known[len(known)-1]
	sum := 0.0
	min := known[0]
	max := known[0]
	for _, v := range known {
		sum += v
		min = math.Min(min, v)
		max = math.Max(max, v)
	}
	avg := sum / float64(len(known))

	stats := GrowthStats{
		Current: &current,
		Avg:     avg,
		Min:     min,
		Max:     max,
	}
	if len(known) > 1 && known[0] != 0 {
		stats.GrowthRate = (known[len(known)-1] - known[0]) / known[0] * 100
	}
	if avg != 0 {
		stats.ChangePct = (current - avg) / avg * 100
	}
	return stats
}
