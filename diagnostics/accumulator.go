package diagnostics

import "math"

// Accumulator gathers the samples of one variable during one image
type Accumulator struct {
	Sum, Sum2 float64
	Count     int
	Last      float64
}

// Add includes v
func (a *Accumulator) Add(v float64) {
	a.Sum += v
	a.Sum2 += v * v
	a.Count++
	a.Last = v
}

// Average is the mean of the samples, NaN when there are none
func (a Accumulator) Average() float64 {
	if a.Count == 0 {
		return math.NaN()
	}
	return a.Sum / float64(a.Count)
}

// SDev is the population standard deviation of the samples
func (a Accumulator) SDev() float64 {
	if a.Count == 0 {
		return math.NaN()
	}
	n := float64(a.Count)
	mean := a.Sum / n
	v := a.Sum2/n - mean*mean
	if v < 0 {
		// rounding
		v = 0
	}
	return math.Sqrt(v)
}
