package scheduler

import (
	"context"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/biocars/lauecollect/align"
	"github.com/biocars/lauecollect/param"
	"github.com/biocars/lauecollect/settings"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// moveTo drives the named motors and waits until none is moving
func (s *Supervisor) moveTo(ctx context.Context, targets map[string]float64) error {
	names := make([]string, 0, len(targets))
	for name := range targets {
		if _, ok := s.Motors[name]; !ok {
			return fmt.Errorf("%w: %s", ErrNoMotor, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.Motors[name].SetValue(targets[name]); err != nil {
			return fmt.Errorf("moving %s: %w", name, err)
		}
	}
	return s.until(ctx, false, func() (bool, error) {
		for _, name := range names {
			ch, err := s.Motors[name].Changing()
			if err != nil || ch {
				return false, err
			}
		}
		return true, nil
	})
}

func (s *Supervisor) intensity(ctx context.Context) (float64, error) {
	if s.Intensity == nil {
		return math.NaN(), ErrNoIntensity
	}
	rd := s.Intensity.Read(ctx)
	if !rd.OK {
		return math.NaN(), fmt.Errorf("reading intensity: %s", rd.Kind)
	}
	return rd.Value, nil
}

// collectionZ is the current sample height, 0 without a z motor
func (s *Supervisor) collectionZ() float64 {
	m, ok := s.Motors[GonZ]
	if !ok {
		return 0
	}
	z, err := m.Value()
	if err != nil {
		return 0
	}
	return z
}

// center moves the sample to the interpolated alignment position at phi
func (s *Supervisor) center(ctx context.Context, p *plan, phi float64) error {
	if math.IsNaN(phi) {
		return nil
	}
	x, y := p.engine.XY(phi, s.collectionZ())
	if math.IsNaN(x) || math.IsNaN(y) {
		return nil
	}
	return s.moveTo(ctx, map[string]float64{GonX: x, GonY: y})
}

// alignAt scans the sample edge at phi and records the fitted offsets
func (s *Supervisor) alignAt(ctx context.Context, p *plan, phi float64) error {
	if s.Intensity == nil {
		return ErrNoIntensity
	}
	s.setStatus("Aligning at %.3fdeg", phi)
	z0 := s.collectionZ()
	type scan struct{ offsets, intensities []float64 }
	scans := map[float64]*scan{}
	var zs []float64
	for _, pt := range p.cfg.Align.ScanParameters([]float64{phi}) {
		if s.isCancelled() {
			return ErrCancelled
		}
		r := align.RowAt(pt.Phi, pt.Z, pt.Offset)
		targets := map[string]float64{GonX: r.X, GonY: r.Y, GonZ: pt.Z}
		if _, ok := s.Motors[param.Angle]; ok {
			targets[param.Angle] = pt.Phi
		}
		if err := s.moveTo(ctx, targets); err != nil {
			return err
		}
		v, err := s.intensity(ctx)
		if err != nil {
			return err
		}
		if pt.Reference {
			log.Printf("scheduler: align reference at phi=%g z=%g: %g\n", pt.Phi, pt.Z, v)
			continue
		}
		sc, ok := scans[pt.Z]
		if !ok {
			sc = &scan{}
			scans[pt.Z] = sc
			zs = append(zs, pt.Z)
		}
		sc.offsets = append(sc.offsets, pt.Offset)
		sc.intensities = append(sc.intensities, v)
	}
	for _, z := range zs {
		sc := scans[z]
		if _, err := p.engine.Measure(phi, z, sc.offsets, sc.intensities); err != nil {
			log.Printf("scheduler: %v\n", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(p.alignPath()), 0755); err != nil {
		return err
	}
	if err := p.engine.Table.Save(p.alignPath()); err != nil {
		return err
	}
	if _, ok := s.Motors[GonZ]; ok {
		return s.moveTo(ctx, map[string]float64{GonZ: z0})
	}
	return nil
}

// alignSample scans every angle of the dataset not yet covered by the
// support table
func (s *Supervisor) alignSample(ctx context.Context, cfg settings.Configuration) error {
	cfg.Align.Enabled = true
	p, err := s.newPlan(cfg)
	if err != nil {
		return err
	}
	phis := p.engine.PhisToScan(p.ds.Model.Choices(param.Angle), s.collectionZ())
	for k, phi := range phis {
		s.setInfo("Alignment scan %d of %d", k+1, len(phis))
		if err := s.alignAt(ctx, p, phi); err != nil {
			return err
		}
	}
	return nil
}

// scanPositions are steps points across width centered on x0
func scanPositions(x0, width float64, steps int) []float64 {
	if steps < 2 || width == 0 {
		return []float64{x0}
	}
	return floats.Span(make([]float64, steps), x0-width/2, x0+width/2)
}

// centroid is the intensity weighted mean of xs above the scan minimum, x0
// when the scan is flat
func centroid(xs, ys []float64, x0 float64) float64 {
	w := make([]float64, len(ys))
	copy(w, ys)
	floats.AddConst(-floats.Min(ys), w)
	if floats.Sum(w) <= 0 {
		return x0
	}
	return stat.Mean(xs, w)
}

// runCheck performs one of the beam checks, or the sample photo.  A test
// run scans but leaves the motors where they were.
func (s *Supervisor) runCheck(ctx context.Context, cfg settings.Configuration, name string, test bool) error {
	c, ok := checks(cfg)[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAction, name)
	}
	op := name
	if test {
		op += " - Test"
	}
	fn := func() error {
		if name == SamplePhoto {
			return s.samplePhoto(ctx, cfg, c, test)
		}
		return s.beamCheck(ctx, name, c, test)
	}
	if s.Recovery == nil {
		return fn()
	}
	return s.Recovery.Guard(op, c.Motors, fn)
}

func (s *Supervisor) beamCheck(ctx context.Context, name string, c settings.Check, test bool) error {
	if s.Intensity == nil {
		return ErrNoIntensity
	}
	for _, mn := range c.Motors {
		m, ok := s.Motors[mn]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoMotor, mn)
		}
		x0, err := m.Value()
		if err != nil {
			return err
		}
		s.setStatus("%s: scanning %s", name, mn)
		xs := scanPositions(x0, c.Range, c.Steps)
		ys := make([]float64, len(xs))
		for k, x := range xs {
			if s.isCancelled() {
				if err := s.moveTo(ctx, map[string]float64{mn: x0}); err != nil {
					return err
				}
				return ErrCancelled
			}
			if err := s.moveTo(ctx, map[string]float64{mn: x}); err != nil {
				return err
			}
			if ys[k], err = s.intensity(ctx); err != nil {
				return err
			}
		}
		best := centroid(xs, ys, x0)
		target := best
		if test {
			target = x0
		}
		log.Printf("scheduler: %s: %s %.6g -> %.6g (centroid %.6g)\n", name, mn, x0, target, best)
		if err := s.moveTo(ctx, map[string]float64{mn: target}); err != nil {
			return err
		}
	}
	return nil
}

// PhotoFile is where the sample photo at phi is saved
func PhotoFile(o settings.Options, phi float64, test bool) string {
	name := fmt.Sprintf("%s_%.3fdeg", o.Basename, phi)
	if test {
		name += "_test"
	}
	return filepath.Join(filepath.FromSlash(o.Directory), "sample_photos", name+".jpg")
}

// samplePhoto moves the sample by the check range into the camera view,
// takes the photo and moves it back
func (s *Supervisor) samplePhoto(ctx context.Context, cfg settings.Configuration, c settings.Check, test bool) error {
	home := map[string]float64{}
	view := map[string]float64{}
	for _, mn := range c.Motors {
		m, ok := s.Motors[mn]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoMotor, mn)
		}
		x, err := m.Value()
		if err != nil {
			return err
		}
		home[mn], view[mn] = x, x+c.Range
	}
	phi := 0.0
	if m, ok := s.Motors[param.Angle]; ok {
		phi, _ = m.Value()
	}
	s.setStatus("Sample photo at %.3fdeg", phi)
	if err := s.moveTo(ctx, view); err != nil {
		return err
	}
	if s.Camera != nil {
		file := PhotoFile(cfg.Options, phi, test)
		if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
			return err
		}
		if err := s.Camera.Photo(ctx, file); err != nil {
			return fmt.Errorf("sample photo: %w", err)
		}
	}
	return s.moveTo(ctx, home)
}

// pump advances the sample pump by pump.steps
func (s *Supervisor) pump(ctx context.Context, cfg settings.Configuration) error {
	m, ok := s.Motors[PumpMotor]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoMotor, PumpMotor)
	}
	x, err := m.Value()
	if err != nil {
		return err
	}
	s.setStatus("Pumping sample")
	return s.moveTo(ctx, map[string]float64{PumpMotor: x + cfg.Pump.Steps})
}
