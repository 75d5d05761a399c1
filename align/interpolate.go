package align

import (
	"math"
	"sort"
)

// Point is one support point of the offset table
type Point struct {
	Phi, Z, Offset float64
}

type column struct {
	phi float64
	z   []float64
	off []float64
}

// columns groups points by phi, with each column sorted by z.  Every point
// also appears at phi-360 and phi+360.
func columns(points []Point) []column {
	byPhi := map[float64]*column{}
	for _, p := range points {
		for _, shift := range []float64{-360, 0, 360} {
			phi := math.Mod(p.Phi, 360) + shift
			c, ok := byPhi[phi]
			if !ok {
				c = &column{phi: phi}
				byPhi[phi] = c
			}
			c.z = append(c.z, p.Z)
			c.off = append(c.off, p.Offset)
		}
	}
	out := make([]column, 0, len(byPhi))
	for _, c := range byPhi {
		sort.Sort(byZ{c})
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].phi < out[j].phi })
	return out
}

type byZ struct{ *column }

func (b byZ) Len() int           { return len(b.z) }
func (b byZ) Less(i, j int) bool { return b.z[i] < b.z[j] }
func (b byZ) Swap(i, j int) {
	b.z[i], b.z[j] = b.z[j], b.z[i]
	b.off[i], b.off[j] = b.off[j], b.off[i]
}

// lerp interpolates linearly, extrapolating from the end segments
func lerp(xs, ys []float64, x float64) float64 {
	n := len(xs)
	if n == 1 {
		return ys[0]
	}
	i := sort.SearchFloat64s(xs, x)
	if i < n && xs[i] == x {
		return ys[i]
	}
	switch {
	case i == 0:
		i = 1
	case i == n:
		i = n - 1
	}
	x1, x2, y1, y2 := xs[i-1], xs[i], ys[i-1], ys[i]
	if x2 == x1 {
		return y1
	}
	return y1 + (y2-y1)*(x-x1)/(x2-x1)
}

// bracket returns the columns on either side of phi, the same column twice
// when phi falls on one
func bracket(cols []column, phi float64) (lo, hi *column) {
	phi = math.Mod(phi, 360)
	i := sort.Search(len(cols), func(i int) bool { return cols[i].phi >= phi })
	if i < len(cols) && cols[i].phi == phi {
		return &cols[i], &cols[i]
	}
	if i == 0 || i == len(cols) {
		return nil, nil
	}
	return &cols[i-1], &cols[i]
}

// Interpolate2D returns the offset at (phi, z).  Angles are periodic.
// Inside the support the result is bilinear in phi and z, outside it is
// extrapolated linearly in z.  It returns NaN when there are no points.
func Interpolate2D(points []Point, phi, z float64) float64 {
	if len(points) == 0 {
		return math.NaN()
	}
	lo, hi := bracket(columns(points), phi)
	if lo == nil {
		return math.NaN()
	}
	olo := lerp(lo.z, lo.off, z)
	if lo == hi {
		return olo
	}
	ohi := lerp(hi.z, hi.off, z)
	phi = math.Mod(phi, 360)
	return olo + (ohi-olo)*(phi-lo.phi)/(hi.phi-lo.phi)
}

// WithinRange reports whether (phi, z) is supported well enough to skip a
// new scan: the bracketing support angles are at most dphi apart and z lies
// within the measured z range at both of them.
func WithinRange(points []Point, phi, z, dphi float64) bool {
	if len(points) == 0 {
		return false
	}
	lo, hi := bracket(columns(points), phi)
	if lo == nil || hi.phi-lo.phi > dphi {
		return false
	}
	for _, c := range []*column{lo, hi} {
		if z < c.z[0] || z > c.z[len(c.z)-1] {
			return false
		}
	}
	return true
}
