package param

import (
	"math"
)

// angle modes
const (
	SinglePass    = "Single pass"
	TwoInterlaced = "Two interlaced passes"
	FillingGaps   = "Filling gaps"
	UserDefined   = "User-defined list"
)

// AngleModes lists the supported angle modes
var AngleModes = []string{SinglePass, TwoInterlaced, FillingGaps, UserDefined}

// GoldenRatio is (sqrt(5)-1)/2, the step of the gap filling sequence
var GoldenRatio = (math.Sqrt(5) - 1) / 2

// steps is the number of values from min to max inclusive at step
func steps(min, max, step float64) int {
	if step <= 0 || max < min {
		return 1
	}
	return int(math.Floor((max-min)/step+1e-9)) + 1
}

// AngleChoices enumerates the rotation angles for mode.  count is used by
// Filling gaps; zero means as many angles as a single pass.
func AngleChoices(mode string, min, max, step float64, list []float64, count int) []float64 {
	switch mode {
	case TwoInterlaced:
		n := steps(min, max, step)
		out := make([]float64, 0, n)
		for off := 0; off < 2; off++ {
			for j := off; j < n; j += 2 {
				out = append(out, min+float64(j)*step)
			}
		}
		return out
	case FillingGaps:
		if count <= 0 {
			count = steps(min, max, step)
		}
		out := make([]float64, count)
		for j := range out {
			out[j] = min + math.Mod(float64(j)*GoldenRatio, 1)*(max-min)
		}
		return out
	case UserDefined:
		if len(list) == 0 {
			return []float64{min}
		}
		return append([]float64(nil), list...)
	default:
		n := steps(min, max, step)
		out := make([]float64, n)
		for j := range out {
			out[j] = min + float64(j)*step
		}
		return out
	}
}
