package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/biocars/lauecollect/align"
	"github.com/biocars/lauecollect/dataset"
	"github.com/biocars/lauecollect/detector"
	"github.com/biocars/lauecollect/diagnostics"
	"github.com/biocars/lauecollect/logfile"
	"github.com/biocars/lauecollect/metrics"
	"github.com/biocars/lauecollect/oscilloscope"
	"github.com/biocars/lauecollect/param"
	"github.com/biocars/lauecollect/sequencer"
	"github.com/biocars/lauecollect/settings"
	"github.com/biocars/lauecollect/timing"
	"github.com/biocars/lauecollect/translate"
)

// diagnostics PVs that fill the fixed log columns
const (
	ActDelayPV = "act_delay"
	XrayPV     = "xray"
	LaserPV    = "laser"
)

// counterMask is the width of the FPGA counters
const counterMask = 1<<24 - 1

// delayStageScale converts a pump-probe delay to delay stage travel in mm,
// the light passing the stage twice
const delayStageScale = 299792458e3 / 2

// plan is a dataset together with everything derived from the
// configuration for one collection
type plan struct {
	cfg     settings.Configuration
	ds      *dataset.Dataset
	log     *logfile.Writer
	planner *translate.Planner
	engine  *align.Engine
}

func (p *plan) alignPath() string {
	if filepath.IsAbs(p.cfg.Align.Filename) {
		return p.cfg.Align.Filename
	}
	return filepath.Join(p.cfg.Options.Directory, p.cfg.Align.Filename)
}

// LogPath is where the log of the dataset configured in o is written
func LogPath(o settings.Options) string {
	return filepath.Join(filepath.FromSlash(o.Directory), o.Basename+".log")
}

func (s *Supervisor) newPlan(cfg settings.Configuration) (*plan, error) {
	m, err := param.New(cfg.Param, cfg.Chopper)
	if err != nil {
		return nil, err
	}
	m.LinearStage = cfg.Timing.LinearStage
	if s.Composer != nil {
		m.Discretize = s.Composer.DiscretizeDelay
	}
	for _, name := range param.Names {
		if d, ok := s.Devices[name]; ok {
			if err := m.Bind(name, d); err != nil {
				return nil, err
			}
		}
	}
	ds := dataset.New(m, cfg.Options.Dataset())
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	planner, err := translate.NewPlanner(cfg.Translate)
	if err != nil {
		return nil, err
	}

	var vars []logfile.Variable
	for _, name := range m.Collected() {
		vars = append(vars, logfile.Variable{Name: name, Unit: m.Unit(name)})
	}
	var pvs []string
	if cfg.Diagnostics.Enabled {
		for _, pv := range cfg.Diagnostics.PVs {
			switch pv {
			case ActDelayPV, XrayPV, LaserPV:
			default:
				pvs = append(pvs, pv)
			}
		}
	}
	p := &plan{
		cfg: cfg,
		ds:  ds,
		log: &logfile.Writer{
			Path: LogPath(cfg.Options),
			Comments: []string{
				"dataset " + cfg.Options.Basename,
				"started " + time.Now().Format(logfile.TimeFormat),
			},
			Variables: vars,
			PVs:       pvs,
		},
		planner: planner,
		engine:  align.NewEngine(cfg.Align),
	}
	if cfg.Align.Enabled {
		if err := p.engine.Table.Load(p.alignPath()); err != nil {
			return nil, err
		}
	}
	return p, nil
}

// logged returns the files that have a log row
func (p *plan) logged() map[string]bool {
	files, err := p.log.Files()
	if err != nil {
		log.Printf("scheduler: reading log: %v\n", err)
	}
	out := make(map[string]bool, len(files))
	for f := range files {
		out[f] = true
	}
	return out
}

// sameValue compares variable values, NaN equal to NaN
func sameValue(a, b float64) bool {
	return a == b || math.IsNaN(a) && math.IsNaN(b)
}

// checks returns the interleaved checks of cfg by action name
func checks(cfg settings.Configuration) map[string]settings.Check {
	return map[string]settings.Check{
		XrayCheck:   cfg.XrayCheck,
		LaserCheck:  cfg.LaserCheck,
		TimingCheck: cfg.TimingCheck,
		SamplePhoto: cfg.SamplePhoto,
	}
}

// boundary is the first image after first that must start a new pass:
// the next period boundary of an enabled check or the next pumping
func (p *plan) boundary(first int) int {
	b := p.ds.NImages() + 1
	for _, c := range checks(p.cfg) {
		if !c.Enabled {
			continue
		}
		if n := p.ds.NextBoundary(c.Variable, first); n < b {
			b = n
		}
	}
	if e := p.cfg.Pump.Every; p.cfg.Pump.Enabled && e > 0 {
		if n := ((first-1)/e+1)*e + 1; n < b {
			b = n
		}
	}
	return b
}

// CollectionPass returns the next images to acquire in one hardware
// triggered batch, starting at the first image from start that is not
// collected.  The batch ends before an image that changes a wait variable,
// at the next check boundary, at an image already collected or when it
// reaches options.max_images_per_pass.
func (s *Supervisor) CollectionPass(cfg settings.Configuration, start int) ([]int, error) {
	p, err := s.newPlan(cfg)
	if err != nil {
		return nil, err
	}
	return p.pass(start), nil
}

func (p *plan) pass(start int) []int {
	if start < 1 {
		start = 1
	}
	n := p.ds.NImages()
	logged := p.logged()
	first := start
	for first <= n && p.ds.Collected(first, logged) {
		first++
	}
	if first > n {
		return nil
	}
	var waits []string
	for _, name := range param.Names {
		if p.ds.Model.Wait(name) {
			waits = append(waits, name)
		}
	}
	end := p.boundary(first)
	max := p.cfg.Options.MaxImagesPerPass
	prev := p.values(first)
	imgs := []int{first}
	for i := first + 1; i <= n && i < end; i++ {
		if max > 0 && len(imgs) >= max {
			break
		}
		if p.ds.Collected(i, logged) {
			break
		}
		vals := p.values(i)
		changed := false
		for _, name := range waits {
			if !sameValue(vals[name], prev[name]) {
				changed = true
				break
			}
		}
		if changed {
			break
		}
		imgs = append(imgs, i)
		prev = vals
	}
	return imgs
}

// values are the variable values of image i.  With a chopper bound, the
// chopper mode is the one the image is acquired in, also when it is picked
// from the delay.
func (p *plan) values(i int) map[string]float64 {
	vals := p.ds.Values(i)
	if p.ds.Model.Bound(param.ChopperMode) {
		vals[param.ChopperMode] = float64(p.ds.ChopperMode(i))
	}
	return vals
}

// beamOK consults the beam checker when the checklist or options ask for it
func (s *Supervisor) beamOK(cfg settings.Configuration) (bool, string) {
	if s.Beam == nil || !(cfg.Checklist.Enabled || cfg.Options.WaitForBeam) {
		return true, ""
	}
	return s.Beam.BeamOK()
}

func (s *Supervisor) collectDataset(ctx context.Context, cfg settings.Configuration) error {
	if s.Locker != nil {
		s.Locker.Lock()
		defer s.Locker.Unlock()
	}
	p, err := s.newPlan(cfg)
	if err != nil {
		return err
	}
	returns := s.startDataset(p)
	defer s.finishDataset(p, returns)

	imgs := p.pass(s.ImageNumber())
	for len(imgs) > 0 && !s.isCancelled() {
		for len(imgs) > 0 && !s.isCancelled() {
			ok, why := s.beamOK(cfg)
			if ok {
				break
			}
			s.setStatus("Waiting for beam: %s", why)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.beamPoll()):
			}
			imgs = p.pass(imgs[0])
		}
		if s.isCancelled() {
			return ErrCancelled
		}
		if len(imgs) == 0 {
			break
		}
		if err := s.acquireImages(ctx, p, imgs); err != nil {
			return err
		}
		if s.finishing() {
			break
		}
		imgs = p.pass(s.ImageNumber())
	}
	if s.isCancelled() {
		return ErrCancelled
	}
	return nil
}

// startDataset records the values of the variables to restore afterwards
func (s *Supervisor) startDataset(p *plan) map[string]float64 {
	s.nextCheck = map[string]int{}
	if s.lastCheck == nil {
		s.lastCheck = map[string]time.Time{}
	}
	if err := os.MkdirAll(filepath.FromSlash(p.ds.ImageDir()), 0755); err != nil {
		log.Printf("scheduler: %v\n", err)
	}
	returns := map[string]float64{}
	for _, name := range param.Names {
		v, ok := p.ds.Model.ReturnValue(name)
		if !ok || !p.ds.Model.Bound(name) {
			continue
		}
		if math.IsNaN(v) {
			cur, err := p.ds.Model.Value(name)
			if err != nil {
				log.Printf("scheduler: reading %s: %v\n", name, err)
				continue
			}
			v = cur
		}
		returns[name] = v
	}
	s.SetImageNumber(p.ds.FirstImageNumber(p.logged()))
	s.setInfo("%d images", p.ds.NImages())
	return returns
}

// LoadDataset points the image number at the first image of the configured
// dataset that is not collected yet, where collection resumes
func (s *Supervisor) LoadDataset() (int, error) {
	p, err := s.newPlan(s.Settings.Get())
	if err != nil {
		return 0, err
	}
	i := p.ds.FirstImageNumber(p.logged())
	s.SetImageNumber(i)
	return i, nil
}

// finishDataset restores the return values
func (s *Supervisor) finishDataset(p *plan, returns map[string]float64) {
	names := make([]string, 0, len(returns))
	for name := range returns {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := p.ds.Model.SetValue(name, returns[name]); err != nil {
			log.Printf("scheduler: returning %s: %v\n", name, err)
		}
	}
}

func (s *Supervisor) singleImage(ctx context.Context, cfg settings.Configuration) error {
	p, err := s.newPlan(cfg)
	if err != nil {
		return err
	}
	s.nextCheck = map[string]int{}
	if s.lastCheck == nil {
		s.lastCheck = map[string]time.Time{}
	}
	i := s.ImageNumber()
	if i > p.ds.NImages() {
		i = 1
	}
	return s.acquireImages(ctx, p, []int{i})
}

// Parameters are the timing parameters of image i
func (p *plan) parameters(i int) timing.Parameters {
	r := p.ds.Record(i)
	pulses := p.ds.Model.Chopper.Mode(r.ChopperMode).Pulses
	if pulses < 1 {
		pulses = 1
	}
	n := p.cfg.Timing.Interrupts
	if n < pulses+2 {
		n = pulses + 2
	}
	period := p.cfg.Timing.Period
	if period < 1 {
		period = 1
	}
	tp := timing.Parameters{
		Delay:          r.Delay,
		LaserOn:        r.LaserOn,
		XrayOn:         r.XrayOn,
		Pulses:         pulses,
		ChopperMode:    r.ChopperMode,
		ImageNumberInc: 1,
		Acquiring:      true,
		XdetOn:         true,
		Period:         period,
		N:              n,
	}
	switch p.cfg.Translate.Mode {
	case translate.DuringImage:
		tp.TransOn, tp.Translation = true, p.cfg.Translate.NSpots
	case translate.Continuous:
		tp.TransOn, tp.Translation = true, 1
	}
	return tp
}

// IdleParameters are the parameters of the packet the FPGA plays between
// acquisitions: no detector trigger, no image count
func IdleParameters(period int) timing.Parameters {
	if period < 1 {
		period = 1
	}
	return timing.Parameters{Delay: math.NaN(), N: 1, Period: period}
}

// imageCounter reports the dataset image the FPGA is acquiring
type imageCounter struct {
	seq   Sequencer
	base  int64
	first int
}

func (c imageCounter) ImageNumber() (int, error) {
	v, err := c.seq.ReportedValue(timing.ImageNumber)
	if err != nil {
		return 0, err
	}
	return c.first + int((v-c.base)&counterMask), nil
}

// due reports whether check name should run before image i
func (s *Supervisor) due(name string, c settings.Check, i int) bool {
	if !c.Enabled {
		return false
	}
	if next, ok := s.nextCheck[name]; ok && i < next {
		return false
	}
	if last, ok := s.lastCheck[name]; ok && time.Since(last) < time.Duration(c.Interval*float64(time.Second)) {
		return false
	}
	return true
}

// interleave runs the checks and pumping due before image i
func (s *Supervisor) interleave(ctx context.Context, p *plan, i int) error {
	for _, name := range []string{XrayCheck, LaserCheck, TimingCheck, SamplePhoto} {
		c := checks(p.cfg)[name]
		if !s.due(name, c, i) {
			continue
		}
		if err := s.runCheck(ctx, p.cfg, name, false); err != nil {
			return err
		}
		s.nextCheck[name] = p.ds.NextBoundary(c.Variable, i)
		s.lastCheck[name] = time.Now()
	}
	if e := p.cfg.Pump.Every; p.cfg.Pump.Enabled && e > 0 && i > 1 && (i-1)%e == 0 && s.nextCheck[PumpSample] != i {
		if err := s.pump(ctx, p.cfg); err != nil {
			return err
		}
		s.nextCheck[PumpSample] = i
	}
	return nil
}

// setWaitVariables drives the wait variables to their values for image i
// and blocks until they settle
func (s *Supervisor) setWaitVariables(ctx context.Context, p *plan, i int) (time.Duration, error) {
	t0 := time.Now()
	m := p.ds.Model
	vals := p.values(i)
	var moving []string
	var settle time.Duration
	for _, name := range param.Names {
		if !m.Wait(name) || !m.Bound(name) || math.IsNaN(vals[name]) {
			continue
		}
		if name == param.ChopperMode {
			cur, err := m.Value(name)
			if err != nil {
				return 0, fmt.Errorf("reading %s: %w", name, err)
			}
			if sameValue(cur, vals[name]) {
				continue
			}
			settle = m.Chopper.SettlingTime(modeIndex(cur), int(vals[name]))
		}
		if err := m.SetValue(name, vals[name]); err != nil {
			return 0, fmt.Errorf("setting %s: %w", name, err)
		}
		moving = append(moving, name)
	}
	if p.cfg.Align.Enabled {
		if err := s.center(ctx, p, vals[param.Angle]); err != nil {
			return 0, err
		}
	}
	if len(moving) > 0 {
		s.setStatus("Waiting for %s", strings.Join(moving, ", "))
	}
	err := s.until(ctx, true, func() (bool, error) {
		for _, name := range moving {
			ch, err := m.Changing(name)
			if err != nil {
				return false, fmt.Errorf("%s: %w", name, err)
			}
			if ch {
				return false, nil
			}
		}
		return true, nil
	})
	if err == nil && settle > 0 {
		s.setStatus("Waiting %v for the chopper to settle", settle)
		select {
		case <-ctx.Done():
			err = ctx.Err()
		case <-time.After(settle):
		}
	}
	return time.Since(t0), err
}

// modeIndex is the chopper mode a device reading stands for, -1 when it is
// not a mode
func modeIndex(v float64) int {
	if math.IsNaN(v) || v < 0 || v != math.Trunc(v) {
		return -1
	}
	return int(v)
}

// setVariables drives the software-timed variables that are neither wait
// variables nor advanced by the FPGA, when they change from image prev
func (s *Supervisor) setVariables(p *plan, i, prev int) error {
	m := p.ds.Model
	vals := p.values(i)
	var old map[string]float64
	if prev > 0 {
		old = p.values(prev)
	}
	for _, name := range param.Names {
		if m.Wait(name) || m.HardwareTriggered(name) || !m.Bound(name) || math.IsNaN(vals[name]) {
			continue
		}
		if old != nil && sameValue(old[name], vals[name]) {
			continue
		}
		if err := m.SetValue(name, vals[name]); err != nil {
			return fmt.Errorf("setting %s: %w", name, err)
		}
	}
	return nil
}

// batch is the state of one hardware-triggered acquisition
type batch struct {
	imgs      []int
	files     []string
	params    []timing.Parameters
	waited    time.Duration
	collector *diagnostics.Collector
	scopes    *diagnostics.Scopes
	rows      map[int]diagnostics.Row
	times     map[int]time.Time
	base      int64
	done      int
	mu        sync.Mutex
}

// AcquireImages collects imgs in one hardware-triggered batch
func (s *Supervisor) acquireImages(ctx context.Context, p *plan, imgs []int) error {
	first := imgs[0]
	s.SetImageNumber(first)
	s.setInfo("Images %d-%d of %d", first, imgs[len(imgs)-1], p.ds.NImages())

	if p.cfg.Align.Enabled {
		phi := p.ds.Value(param.Angle, first)
		if p.engine.NeedsScan(phi, s.collectionZ()) {
			if err := s.alignAt(ctx, p, phi); err != nil {
				return err
			}
		}
	}
	if err := s.interleave(ctx, p, first); err != nil {
		return err
	}
	waited, err := s.setWaitVariables(ctx, p, first)
	if err != nil {
		return err
	}
	if s.isCancelled() {
		return ErrCancelled
	}

	b := &batch{imgs: imgs, waited: waited, rows: map[int]diagnostics.Row{}, times: map[int]time.Time{}}
	for _, i := range imgs {
		b.files = append(b.files, p.ds.Filename(i))
		b.params = append(b.params, p.parameters(i))
	}
	if err := s.startImages(ctx, p, b); err != nil {
		return err
	}
	if err := s.acquisitionStart(p, b); err != nil {
		s.abortImages(b)
		return err
	}
	err = s.trackImages(ctx, p, b)
	if ferr := s.finishImages(ctx, p, b); err == nil {
		err = ferr
	}
	return err
}

// startImages prepares every participant of the batch in parallel
func (s *Supervisor) startImages(ctx context.Context, p *plan, b *batch) error {
	descs := make([]string, len(b.params))
	for k, tp := range b.params {
		descs[k] = tp.Descriptor()
	}
	period := float64(b.params[0].N*b.params[0].Period) * timing.BunchClockPeriod
	exposure := float64(b.params[0].Pulses*b.params[0].Period) * timing.BunchClockPeriod

	var wg sync.WaitGroup
	errs := make([]error, 4)
	run := func(k int, fn func() error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[k] = fn()
		}()
	}
	s.setStatus("Starting images %d-%d", b.imgs[0], b.imgs[len(b.imgs)-1])
	run(0, func() error {
		if err := s.Sequencer.Install(ctx, descs, sequencer.AcquisitionQueue, "", ""); err != nil {
			return fmt.Errorf("installing sequences: %w", err)
		}
		return s.until(ctx, false, func() (bool, error) {
			return s.Sequencer.QueueReady(sequencer.AcquisitionQueue)
		})
	})
	run(1, func() error {
		if s.Stage == nil {
			return nil
		}
		axes := [3]string{p.cfg.Hardware.Axis(GonX), p.cfg.Hardware.Axis(GonY), p.cfg.Hardware.Axis(GonZ)}
		if err := p.planner.Arm(s.Stage, axes, b.imgs, period, exposure); err != nil {
			return err
		}
		if !p.cfg.Timing.LinearStage {
			return nil
		}
		delays := make([]float64, len(b.params))
		for k, tp := range b.params {
			delays[k] = tp.Delay
		}
		return s.Stage.Arm(p.cfg.Hardware.Axis(DelayStage), translate.LinearStagePVT(delays, period, delayStageScale))
	})
	run(2, func() error {
		if !p.cfg.Diagnostics.ScopeEnabled || len(s.Scopes) == 0 {
			return nil
		}
		b.scopes = &diagnostics.Scopes{Config: p.cfg.Diagnostics, Scopes: s.Scopes}
		return b.scopes.Setup(b.files, b.params[0].Delay)
	})
	run(3, func() error {
		sources := s.Sources
		if !p.cfg.Diagnostics.Enabled {
			sources = nil
		}
		b.collector = diagnostics.NewCollector(p.cfg.Diagnostics, sources, &diagnostics.Tracker{}, func(r diagnostics.Row) {
			b.mu.Lock()
			b.rows[r.Image] = r
			b.mu.Unlock()
			s.setDiagnostics(diagnosticsStatus(r))
		})
		return nil
	})
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func diagnosticsStatus(r diagnostics.Row) string {
	names := make([]string, 0, len(r.Values))
	for name := range r.Values {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		st := r.Values[name]
		parts = append(parts, fmt.Sprintf("%s %.4g+-%.2g (%d)", name, st.Average, st.SDev, st.Count))
	}
	return fmt.Sprintf("image %d: %s", r.Image, strings.Join(parts, ", "))
}

// acquisitionStart arms the detector at the current trigger count and
// switches the FPGA to the acquisition queue
func (s *Supervisor) acquisitionStart(p *plan, b *batch) error {
	trig, err := s.Sequencer.ReportedValue(timing.XdetTrigCount)
	if err != nil {
		return fmt.Errorf("reading %s: %w", timing.XdetTrigCount, err)
	}
	base, err := s.Sequencer.ReportedValue(timing.ImageNumber)
	if err != nil {
		return fmt.Errorf("reading %s: %w", timing.ImageNumber, err)
	}
	b.base = base
	if err := s.Detector.Arm(b.files, trig); err != nil {
		return fmt.Errorf("arming detector: %w", err)
	}
	b.collector.Tracker.Counter = imageCounter{seq: s.Sequencer, base: base, first: b.imgs[0]}
	b.collector.Start(context.Background(), b.imgs)
	s.setStatus("Acquiring images %d-%d", b.imgs[0], b.imgs[len(b.imgs)-1])
	return s.Sequencer.SetNextQueue(sequencer.AcquisitionQueue)
}

// trackImages sets the software-timed variables ahead of the FPGA and
// follows the image number until every image is acquired
func (s *Supervisor) trackImages(ctx context.Context, p *plan, b *batch) error {
	prev := 0
	for k, i := range b.imgs {
		if err := s.setVariables(p, i, prev); err != nil {
			return err
		}
		prev = i
		err := s.until(ctx, false, func() (bool, error) {
			if s.isCancelled() {
				return false, ErrCancelled
			}
			if _, err := s.Detector.Saved(); errors.Is(err, detector.ErrSaveFailed) {
				return false, err
			}
			v, err := s.Sequencer.ReportedValue(timing.ImageNumber)
			if err != nil {
				return false, nil
			}
			return int((v-b.base)&counterMask) > k, nil
		})
		if err != nil {
			return err
		}
		b.done = k + 1
		b.times[i] = time.Now()
		s.SetImageNumber(i + 1)
		s.Metrics.Inc(metrics.ImagesAcquired)
		s.Metrics.Set(metrics.LastImageNumber, float64(i))
		s.setInfo("Image %d of %d: %s", i, p.ds.NImages(), path.Base(b.files[k]))
		if b.scopes != nil && b.scopes.Remaining() > 0 && k+1 == b.scopes.Armed() {
			if err := b.scopes.Next(); err != nil {
				log.Printf("scheduler: %v\n", err)
			}
		}
	}
	return nil
}

func (s *Supervisor) abortImages(b *batch) {
	if err := s.Sequencer.StopAcquisition(); err != nil {
		log.Printf("scheduler: %v\n", err)
	}
	if err := s.Detector.Stop(); err != nil {
		log.Printf("scheduler: %v\n", err)
	}
	if b.collector != nil {
		b.collector.Stop()
	}
	if b.scopes != nil {
		b.scopes.Stop()
	}
}

// finishImages stops the FPGA and the diagnostics, waits for the detector
// to save the acquired images and writes their log rows
func (s *Supervisor) finishImages(ctx context.Context, p *plan, b *batch) error {
	if err := s.Sequencer.StopAcquisition(); err != nil {
		log.Printf("scheduler: stopping acquisition: %v\n", err)
	}
	var saveErr error
	if b.done > 0 {
		s.setStatus("Saving images")
		saveErr = s.until(ctx, false, func() (bool, error) {
			n, err := s.Detector.Saved()
			if err != nil {
				return false, err
			}
			return n >= b.done, nil
		})
	}
	if err := s.Detector.Stop(); err != nil {
		log.Printf("scheduler: stopping detector: %v\n", err)
	}
	b.collector.Finish()
	if b.scopes != nil {
		if err := b.scopes.Stop(); err != nil {
			log.Printf("scheduler: %v\n", err)
		}
	}
	if s.Stage != nil && p.planner.Enabled() {
		for _, ax := range []string{GonX, GonY, GonZ} {
			s.Stage.Disarm(p.cfg.Hardware.Axis(ax))
		}
	}

	saved := b.done
	if saveErr != nil {
		n, _ := s.Detector.Saved()
		if n < saved {
			saved = n
		}
	}
	rows := make([]logfile.Row, 0, saved)
	b.mu.Lock()
	for k := 0; k < saved; k++ {
		rows = append(rows, s.logRow(p, b, k))
	}
	b.mu.Unlock()
	if err := p.log.Write(rows); err != nil {
		return fmt.Errorf("writing log: %w", err)
	}
	return saveErr
}

func (s *Supervisor) logRow(p *plan, b *batch, k int) logfile.Row {
	i := b.imgs[k]
	tp := b.params[k]
	m := p.ds.Model
	d := b.rows[i]
	vars := map[string]string{}
	vals := p.ds.Values(i)
	for _, name := range m.Collected() {
		vars[name] = m.FormattedValue(name, vals[name])
	}
	waited := 0.0
	if k == 0 {
		waited = b.waited.Seconds()
	}
	nom := 0
	if tp.XrayOn {
		nom = tp.Pulses
	}
	start, stop := tp.XrayGate()
	return logfile.Row{
		Time:            b.times[i],
		File:            path.Base(b.files[k]),
		Delay:           m.FormattedValue(param.Delay, tp.Delay),
		WaitingTime:     waited,
		BunchesPerPulse: float64(m.Chopper.Mode(tp.ChopperMode).Pulses),
		NomPulses:       float64(nom),
		NomDelay:        tp.Delay,
		ActDelay:        d.Stat(ActDelayPV),
		XRay:            d.Stat(XrayPV),
		XrayGateStart:   start,
		XrayGateStop:    stop,
		XrayOffset:      xrayOffset(b, k),
		Laser:           d.Stat(LaserPV),
		Variables:       vars,
		PVs:             d.Values,
		Comment:         p.cfg.Options.Comment,
	}
}

// xrayOffset is the baseline of the X-ray diode trace of image k of the
// batch, NaN without a trace
func xrayOffset(b *batch, k int) float64 {
	if b.scopes == nil {
		return math.NaN()
	}
	files := b.scopes.Files(XrayPV)
	if k >= len(files) {
		return math.NaN()
	}
	v, err := oscilloscope.TraceBaseline(files[k], XrayPV)
	if err != nil {
		return math.NaN()
	}
	return v
}
