package align

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// ErrNoEdge is returned when a profile has no rising edge
var ErrNoEdge = errors.New("align: no edge found in profile")

// Edge is the result of an edge fit
type Edge struct {
	// X is the center of the window with the steepest rise
	X float64

	// X0 is where the steepest rise, extrapolated, meets the baseline.
	// It is clipped to the measured range.
	X0 float64

	// Slope is the steepest derivative
	Slope float64
}

// FindEdge locates the rising edge of an intensity profile.  The derivative
// is a linear regression over a sliding window of npoints samples.
func FindEdge(x, y []float64, npoints int) (Edge, error) {
	n := len(x)
	if n != len(y) || n < 2 {
		return Edge{}, ErrNoEdge
	}
	if npoints < 2 {
		npoints = 2
	}
	if npoints > n {
		npoints = n
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i, j := range idx {
		xs[i], ys[i] = x[j], y[j]
	}

	ymax := floats.Max(ys)
	ymin := floats.Min(ys)
	threshold := 0.05 * ymax

	best := -1
	var bestSlope, bestX, bestY float64
	for lo := 0; lo+npoints <= n; lo++ {
		wx, wy := xs[lo:lo+npoints], ys[lo:lo+npoints]
		alpha, beta := stat.LinearRegression(wx, wy, nil, false)
		xc := stat.Mean(wx, nil)
		yc := alpha + beta*xc
		if yc <= threshold || math.IsNaN(beta) {
			continue
		}
		if best < 0 || beta > bestSlope {
			best, bestSlope, bestX, bestY = lo, beta, xc, yc
		}
	}
	if best < 0 || bestSlope <= 0 {
		return Edge{}, ErrNoEdge
	}
	x0 := bestX - (bestY-ymin)/bestSlope
	x0 = math.Max(xs[0], math.Min(xs[n-1], x0))
	return Edge{X: bestX, X0: x0, Slope: bestSlope}, nil
}
