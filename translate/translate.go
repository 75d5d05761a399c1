// Package translate plans sample translation for a batch of images: where
// the sample sits during and between exposures, and the trajectories a
// triggered stage must follow to get it there.
package translate

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/biocars/lauecollect/motion"
)

// Mode selects how the sample moves
type Mode string

const (
	Off         Mode = "off"
	DuringImage Mode = "during image"
	AfterImage  Mode = "after image"
	Continuous  Mode = "continuous"
	LinearStage Mode = "linear stage"
	Grid        Mode = "grid"
)

// Modes lists the supported modes
var Modes = []Mode{Off, DuringImage, AfterImage, Continuous, LinearStage, Grid}

// ErrUnknownMode is returned for a mode outside Modes
var ErrUnknownMode = errors.New("translate: unknown mode")

// ErrNoPoints is returned when a grid or continuous plan has no points
var ErrNoPoints = errors.New("translate: no points configured")

// InterleavedSequence returns the order in which n spots are visited in m
// interleaved passes: 0, m, 2m, ... then 1, m+1, ...
func InterleavedSequence(m, n int) []int {
	if n <= 0 {
		return nil
	}
	if m <= 1 {
		m = 1
	}
	rows := (n + m - 1) / m
	out := make([]int, 0, n)
	for col := 0; col < m; col++ {
		for row := 0; row < rows; row++ {
			if v := row*m + col; v < n {
				out = append(out, v)
			}
		}
	}
	return out
}

// Config is the translate section of the configuration
type Config struct {
	Mode Mode `koanf:"mode"`

	// Start and End bound the line of spots
	Start [3]float64 `koanf:"start"`
	End   [3]float64 `koanf:"end"`

	// NSpots is the number of spots per image (during image) or per series
	// (after image)
	NSpots int `koanf:"nspots"`

	// Passes is the number of interleaved passes
	Passes int `koanf:"passes"`

	// ReturnAfterSeries returns the sample to Start after this many series
	ReturnAfterSeries int `koanf:"return_after_series"`

	// AfterImages is the number of images spent at each grid point
	AfterImages int `koanf:"after_images"`

	// Points is the grid point list, or the sample centers in continuous mode
	Points [][3]float64 `koanf:"points"`

	// Velocity of continuous translation in mm/s
	Velocity float64 `koanf:"velocity"`

	// Direction of continuous translation, normalised before use
	Direction [3]float64 `koanf:"direction"`
}

// DefaultConfig is a plan that does not move the sample
func DefaultConfig() Config {
	return Config{
		Mode:              Off,
		NSpots:            1,
		Passes:            1,
		ReturnAfterSeries: 1,
		AfterImages:       1,
		Direction:         [3]float64{1, 0, 0},
	}
}

func vec(a [3]float64) r3.Vec { return r3.Vec{X: a[0], Y: a[1], Z: a[2]} }

// Planner turns image numbers into sample positions
type Planner struct {
	Config
}

// NewPlanner validates c and returns a planner for it
func NewPlanner(c Config) (*Planner, error) {
	known := false
	for _, m := range Modes {
		if c.Mode == m {
			known = true
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, c.Mode)
	}
	if (c.Mode == Grid || c.Mode == Continuous) && len(c.Points) == 0 {
		return nil, fmt.Errorf("%w for mode %q", ErrNoPoints, c.Mode)
	}
	if c.NSpots < 1 {
		c.NSpots = 1
	}
	if c.Passes < 1 {
		c.Passes = 1
	}
	if c.ReturnAfterSeries < 1 {
		c.ReturnAfterSeries = 1
	}
	if c.AfterImages < 1 {
		c.AfterImages = 1
	}
	return &Planner{Config: c}, nil
}

// Enabled reports whether the sample moves at all
func (p *Planner) Enabled() bool { return p.Mode != Off }

// spot is the k'th of n evenly spaced points from Start to End
func (p *Planner) spot(k, n int) r3.Vec {
	start := vec(p.Start)
	if n < 2 {
		return start
	}
	step := r3.Scale(1/float64(n-1), r3.Sub(vec(p.End), start))
	return r3.Add(start, r3.Scale(float64(k), step))
}

// Spots returns the positions visited during image i, in firing order.
// Only during-image translation has more than one.
func (p *Planner) Spots(i int) []r3.Vec {
	if p.Mode != DuringImage {
		return []r3.Vec{p.Position(i)}
	}
	order := InterleavedSequence(p.Passes, p.NSpots)
	out := make([]r3.Vec, len(order))
	for j, k := range order {
		out[j] = p.spot(k, p.NSpots)
	}
	return out
}

// Position is where the sample sits at the start of image i (1-based)
func (p *Planner) Position(i int) r3.Vec {
	if i < 1 {
		i = 1
	}
	switch p.Mode {
	case DuringImage:
		return p.spot(InterleavedSequence(p.Passes, p.NSpots)[0], p.NSpots)
	case AfterImage:
		n := p.NSpots * p.ReturnAfterSeries
		k := (i - 1) % n
		order := InterleavedSequence(p.Passes, n)
		return p.spot(order[k], n)
	case Grid:
		k := ((i - 1) / p.AfterImages) % len(p.Points)
		return vec(p.Points[k])
	case Continuous:
		s, _ := p.Endpoints(i, 0)
		return s
	}
	return vec(p.Start)
}

// Positions returns the start position of each image in images
func (p *Planner) Positions(images []int) []r3.Vec {
	out := make([]r3.Vec, len(images))
	for j, i := range images {
		out[j] = p.Position(i)
	}
	return out
}

// Endpoints gives the start and end of a continuous fly-through of the
// sample center assigned to image i, for an exposure of t seconds
func (p *Planner) Endpoints(i int, t float64) (r3.Vec, r3.Vec) {
	if len(p.Points) == 0 {
		return vec(p.Start), vec(p.Start)
	}
	if i < 1 {
		i = 1
	}
	center := vec(p.Points[(i-1)%len(p.Points)])
	dir := vec(p.Direction)
	if n := r3.Norm(dir); n > 0 {
		dir = r3.Scale(1/n, dir)
	}
	half := r3.Scale(p.Velocity*t/2, dir)
	return r3.Sub(center, half), r3.Add(center, half)
}

// Trajectories builds one PVT table per axis (x, y, z) that visits the
// positions of images, one image every period seconds.  In continuous mode
// each image flies through its center during the exposure.
func (p *Planner) Trajectories(images []int, period, exposure float64) [3]motion.PVT {
	var out [3]motion.PVT
	add := func(t float64, pos, vel r3.Vec) {
		out[0].Append(t, pos.X, vel.X)
		out[1].Append(t, pos.Y, vel.Y)
		out[2].Append(t, pos.Z, vel.Z)
	}
	t := 0.0
	for _, i := range images {
		switch p.Mode {
		case Continuous:
			s, e := p.Endpoints(i, exposure)
			if exposure <= 0 {
				add(t, s, r3.Vec{})
				break
			}
			v := r3.Scale(1/exposure, r3.Sub(e, s))
			add(t, s, v)
			add(t+exposure, e, v)
		case DuringImage:
			spots := p.Spots(i)
			dt := period / float64(len(spots))
			for j, s := range spots {
				add(t+float64(j)*dt, s, r3.Vec{})
			}
		default:
			add(t, p.Position(i), r3.Vec{})
		}
		t += period
	}
	return out
}

// Arm loads the trajectories for images onto stage, axes named x, y and z.
// Nothing is armed when translation is off.
func (p *Planner) Arm(stage motion.TriggeredStage, axes [3]string, images []int, period, exposure float64) error {
	if !p.Enabled() || p.Mode == LinearStage {
		return nil
	}
	tr := p.Trajectories(images, period, exposure)
	for k, ax := range axes {
		if ax == "" {
			continue
		}
		if err := stage.Arm(ax, tr[k]); err != nil {
			return fmt.Errorf("arming %s: %w", ax, err)
		}
	}
	return nil
}

// LinearStagePVT is the delay-stage trajectory for a series of delays: the
// stage sits at each position for one period.  step converts a delay in
// seconds to stage units.
func LinearStagePVT(delays []float64, period, step float64) motion.PVT {
	var out motion.PVT
	for j, d := range delays {
		pos := 0.0
		if !math.IsNaN(d) && step != 0 {
			pos = d / step
		}
		out.Append(float64(j)*period, pos, 0)
	}
	return out
}
