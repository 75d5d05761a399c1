// Package mathx provides small numerical helpers shared by the timing and formatting code
package mathx

import "math"

// Round rounds a float to the nearest "unit" (0.1 for tenth, 0.01 for hundredth, and so on).
func Round(x, unit float64) float64 {
	return math.Round(x/unit) * unit
}

// RoundSig rounds x to n significant digits
func RoundSig(x float64, n int) float64 {
	if x == 0 || math.IsNaN(x) || math.IsInf(x, 0) {
		return x
	}
	exp := math.Floor(math.Log10(math.Abs(x)))
	unit := math.Pow(10, exp-float64(n-1))
	return Round(x, unit)
}
