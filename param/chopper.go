package param

import (
	"math"
	"time"

	"github.com/biocars/lauecollect/util"
)

// ChopperConfig is the table of high-speed chopper modes.  Rows are parallel
// lists, one entry per mode.
type ChopperConfig struct {
	X      []float64 `koanf:"x"`
	Y      []float64 `koanf:"y"`
	Phase  []float64 `koanf:"phase"`
	Pulses []int     `koanf:"pulses"`
	MinDt  []float64 `koanf:"min_dt"`
	Usable []bool    `koanf:"usable"`

	// settling times after moving the chopper, calibrated on the beamline
	VerticalSettle float64 `koanf:"vertical_settle"`
	PhaseSettle    float64 `koanf:"phase_settle"`
	SlewRate       float64 `koanf:"slew_rate"` // phase units per second
}

// DefaultChopper is the chopper table installed at BioCARS
func DefaultChopper() ChopperConfig {
	return ChopperConfig{
		X:              []float64{0, 0, 0},
		Y:              []float64{0, 2.4, 4.8},
		Phase:          []float64{0, 11.6e-9, 31.2e-9},
		Pulses:         []int{1, 3, 11},
		MinDt:          []float64{0, 100e-9, 150e-6},
		Usable:         []bool{true, true, true},
		VerticalSettle: 5,
		PhaseSettle:    10,
		SlewRate:       1e-6,
	}
}

// Mode is one row of the chopper table
type Mode struct {
	Index  int
	X, Y   float64
	Phase  float64
	Pulses int
	MinDt  float64
	Usable bool
}

// Len is the number of modes
func (c ChopperConfig) Len() int {
	return len(c.Pulses)
}

func at(s []float64, i int) float64 {
	if i < len(s) {
		return s[i]
	}
	return 0
}

// Mode returns row i
func (c ChopperConfig) Mode(i int) Mode {
	m := Mode{Index: i, X: at(c.X, i), Y: at(c.Y, i), Phase: at(c.Phase, i), MinDt: at(c.MinDt, i)}
	if i < len(c.Pulses) {
		m.Pulses = c.Pulses[i]
	}
	m.Usable = i >= len(c.Usable) || c.Usable[i]
	return m
}

// ModeOfTimepoint picks the usable mode with the most pulses whose minimum
// time delay does not exceed t.  Ties go to the lowest index.  When no mode
// qualifies the first usable mode is returned, or 0.
func (c ChopperConfig) ModeOfTimepoint(t float64) int {
	best, bestPulses := -1, math.MinInt
	first := -1
	for i := 0; i < c.Len(); i++ {
		m := c.Mode(i)
		if !m.Usable {
			continue
		}
		if first < 0 {
			first = i
		}
		if m.MinDt <= t && m.Pulses > bestPulses {
			best, bestPulses = i, m.Pulses
		}
	}
	if best >= 0 {
		return best
	}
	if first >= 0 {
		return first
	}
	return 0
}

// SettlingTime is how long to wait after switching from mode a to mode b.
// A mode outside the table, such as an unknown starting position, counts as
// moving both the translation and the phase.
func (c ChopperConfig) SettlingTime(a, b int) time.Duration {
	if a == b {
		return 0
	}
	if a < 0 || b < 0 || a >= c.Len() || b >= c.Len() {
		return util.SecsToDuration(math.Max(c.VerticalSettle, c.PhaseSettle))
	}
	ma, mb := c.Mode(a), c.Mode(b)
	var secs float64
	if ma.Y != mb.Y || ma.X != mb.X {
		secs = c.VerticalSettle
	}
	if ma.Phase != mb.Phase {
		ps := c.PhaseSettle
		if c.SlewRate > 0 {
			ps += math.Abs(ma.Phase-mb.Phase) / c.SlewRate
		}
		secs = math.Max(secs, ps)
	}
	return util.SecsToDuration(secs)
}
