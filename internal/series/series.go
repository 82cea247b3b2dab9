package series

import (
	"math"
)

const (
	defaultOrder   = 2
	defaultDamping = 0.8
	recentWindow   = 5
)

// Method selects how interior gaps are filled.
type Method string

const (
	MethodPolynomial Method = "polynomial"
	MethodLinear     Method = "linear"
)

// Options controls gap interpolation.
type Options struct {
	Method  Method
	Order   int
	Damping float64
}

func (o Options) withDefaults() Options {
	if o.Method == "" {
		o.Method = MethodPolynomial
	}
	if o.Order <= 0 {
		o.Order = defaultOrder
	}
	if o.Damping <= 0 || o.Damping > 1 {
		o.Damping = defaultDamping
	}
	return o
}

// Missing reports whether v is the missing-value sentinel.
func Missing(v float64) bool {
	return math.IsNaN(v)
}

// FromNullable converts nullable column values to a NaN-sentinel series.
func FromNullable(values []*float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		if v == nil {
			out[i] = math.NaN()
		} else {
			out[i] = *v
		}
	}
	return out
}

// ToNullable converts a NaN-sentinel series back to nullable values.
func ToNullable(values []float64) []*float64 {
	out := make([]*float64, len(values))
	for i, v := range values {
		if Missing(v) {
			continue
		}
		value := v
		out[i] = &value
	}
	return out
}

// HasMissing reports whether any value in the series is missing.
func HasMissing(values []float64) bool {
	for _, v := range values {
		if Missing(v) {
			return true
		}
	}
	return false
}

// Interpolate fills gaps in an ordered-by-period series and returns a new
// slice. Interior gaps are filled by a polynomial (or linear) fit over all
// known points; trailing and leading gaps are projected from the most recent
// observed growth rate, scaled by the damping factor. Any still-missing
// values fall back to linear interpolation with boundary extrapolation.
// Negative results are not clamped here.
func Interpolate(values []float64, opts Options) []float64 {
	opts = opts.withDefaults()

	out := make([]float64, len(values))
	copy(out, values)
	if !HasMissing(out) {
		return out
	}

	fillInterior(out, opts)
	fillTrailing(out, opts.Damping)
	fillLeading(out, opts.Damping)
	if HasMissing(out) {
		fillLinear(out)
	}
	return out
}

// fillInterior fills gaps that have known values on both sides.
func fillInterior(values []float64, opts Options) {
	first, last, count := validBounds(values)
	if count < 2 {
		return
	}

	if opts.Method == MethodLinear {
		interpolateSegments(values, first, last)
		return
	}

	order := opts.Order
	if order > count-1 {
		order = count - 1
	}
	coef, ok := polyfit(values, order)
	if !ok {
		interpolateSegments(values, first, last)
		return
	}
	for i := first + 1; i < last; i++ {
		if Missing(values[i]) {
			values[i] = polyval(coef, float64(i))
		}
	}
}

// fillTrailing projects values after the last known point, one step at a
// time, from the growth rate between the two most recent known values.
func fillTrailing(values []float64, damping float64) {
	_, last, count := validBounds(values)
	if count < 2 || last >= len(values)-1 {
		return
	}

	recent := lastValid(values, recentWindow)
	prev := recent[len(recent)-2]
	if prev == 0 {
		return
	}
	growth := (recent[len(recent)-1] - prev) / prev
	for i := last + 1; i < len(values); i++ {
		if Missing(values[i]) {
			values[i] = values[i-1] * (1 + growth*damping)
		}
	}
}

// fillLeading projects values before the first known point backwards, with a
// smaller effective damping than the forward direction.
func fillLeading(values []float64, damping float64) {
	first, _, count := validBounds(values)
	if count < 2 || first <= 0 {
		return
	}

	early := firstValid(values, recentWindow)
	if early[0] == 0 {
		return
	}
	growth := (early[1] - early[0]) / early[0]
	for i := first - 1; i >= 0; i-- {
		if Missing(values[i]) {
			values[i] = values[i+1] / (1 + growth*(1-damping*0.1))
		}
	}
}

// fillLinear is the last-resort pass: straight-line interpolation between
// known neighbors and flat/slope extrapolation at the boundaries.
func fillLinear(values []float64) {
	first, last, count := validBounds(values)
	if count == 0 {
		return
	}
	if count == 1 {
		for i := range values {
			values[i] = values[first]
		}
		return
	}

	interpolateSegments(values, first, last)

	// Boundary extrapolation from the nearest known slope.
	for i := first - 1; i >= 0; i-- {
		slope := values[first+1] - values[first]
		values[i] = values[i+1] - slope
	}
	for i := last + 1; i < len(values); i++ {
		slope := values[last] - values[last-1]
		values[i] = values[i-1] + slope
	}
}

// interpolateSegments fills each missing run between first and last linearly
// against its bracketing known values.
func interpolateSegments(values []float64, first, last int) {
	i := first + 1
	for i < last {
		if !Missing(values[i]) {
			i++
			continue
		}
		j := i
		for j < last && Missing(values[j]) {
			j++
		}
		left := values[i-1]
		right := values[j]
		span := float64(j - (i - 1))
		for k := i; k < j; k++ {
			frac := float64(k-(i-1)) / span
			values[k] = left + frac*(right-left)
		}
		i = j
	}
}

func validBounds(values []float64) (first, last, count int) {
	first, last = -1, -1
	for i, v := range values {
		if Missing(v) {
			continue
		}
		if first == -1 {
			first = i
		}
		last = i
		count++
	}
	return first, last, count
}

func lastValid(values []float64, n int) []float64 {
	out := make([]float64, 0, n)
	for i := len(values) - 1; i >= 0 && len(out) < n; i-- {
		if !Missing(values[i]) {
			out = append(out, values[i])
		}
	}
	// reverse into chronological order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func firstValid(values []float64, n int) []float64 {
	out := make([]float64, 0, n)
	for _, v := range values {
		if !Missing(v) {
			out = append(out, v)
			if len(out) == n {
				break
			}
		}
	}
	return out
}

// polyfit least-squares fits a polynomial of the given order over the known
// points of values, indexed by position. Returns false when the normal
// equations are singular.
func polyfit(values []float64, order int) ([]float64, bool) {
	n := order + 1
	a := make([][]float64, n)
	for i := range a {
		a[i] = make([]float64, n+1)
	}
	for x, y := range values {
		if Missing(y) {
			continue
		}
		xf := float64(x)
		pow := make([]float64, 2*order+1)
		pow[0] = 1
		for p := 1; p <= 2*order; p++ {
			pow[p] = pow[p-1] * xf
		}
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				a[i][j] += pow[i+j]
			}
			a[i][n] += pow[i] * y
		}
	}
	return solve(a)
}

func polyval(coef []float64, x float64) float64 {
	result := 0.0
	for i := len(coef) - 1; i >= 0; i-- {
		result = result*x + coef[i]
	}
	return result
}

// solve runs Gaussian elimination with partial pivoting on an augmented
// matrix and returns the solution vector.
func solve(a [][]float64) ([]float64, bool) {
	n := len(a)
	for col := 0; col < n; col++ {
		pivot := col
		for row := col + 1; row < n; row++ {
			if math.Abs(a[row][col]) > math.Abs(a[pivot][col]) {
				pivot = row
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return nil, false
		}
		a[col], a[pivot] = a[pivot], a[col]
		for row := col + 1; row < n; row++ {
			factor := a[row][col] / a[col][col]
			for k := col; k <= n; k++ {
				a[row][k] -= factor * a[col][k]
			}
		}
	}
	out := make([]float64, n)
	for row := n - 1; row >= 0; row-- {
		sum := a[row][n]
		for k := row + 1; k < n; k++ {
			sum -= a[row][k] * out[k]
		}
		out[row] = sum / a[row][row]
	}
	return out, true
}
