package main

import (
	"context"
	"fmt"
	"log"
	"math"
	"sort"

	"github.com/biocars/lauecollect/autorecovery"
	"github.com/biocars/lauecollect/detector"
	"github.com/biocars/lauecollect/diagnostics"
	"github.com/biocars/lauecollect/fileserver"
	"github.com/biocars/lauecollect/metrics"
	"github.com/biocars/lauecollect/motion"
	"github.com/biocars/lauecollect/oscilloscope"
	"github.com/biocars/lauecollect/param"
	"github.com/biocars/lauecollect/scheduler"
	"github.com/biocars/lauecollect/sequencer"
	"github.com/biocars/lauecollect/settings"
	"github.com/biocars/lauecollect/temperature"
	"github.com/biocars/lauecollect/timing"
	"golang.org/x/time/rate"
)

// Beamline is everything the supervisor drives, built from the hardware
// section of the configuration
type Beamline struct {
	Supervisor *scheduler.Supervisor
	Client     *sequencer.Client
	Metrics    *metrics.Metrics
	Motors     map[string]*motion.Motor
}

// motorNames is every motor the configuration refers to, sorted
func motorNames(c settings.Configuration) []string {
	set := map[string]bool{
		scheduler.GonX: true, scheduler.GonY: true, scheduler.GonZ: true,
		scheduler.PumpMotor: true,
	}
	if c.Timing.LinearStage {
		set[scheduler.DelayStage] = true
	}
	for _, n := range c.Hardware.MotorNames {
		set[n] = true
	}
	for _, chk := range []settings.Check{c.XrayCheck, c.LaserCheck, c.TimingCheck, c.SamplePhoto} {
		for _, n := range chk.Motors {
			set[n] = true
		}
	}
	out := make([]string, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func buildMotors(c settings.Configuration) (map[string]*motion.Motor, error) {
	names := motorNames(c)
	var ctl motion.Controller
	switch c.Hardware.Motion {
	case "", "mock":
		axes := make([]string, len(names))
		for i, n := range names {
			axes[i] = c.Hardware.Axis(n)
		}
		ctl = motion.NewMock(axes...)
	default:
		return nil, fmt.Errorf("motion controller type %q not understood", c.Hardware.Motion)
	}
	out := make(map[string]*motion.Motor, len(names))
	for _, n := range names {
		out[n] = motion.NewMotor(n, ctl, c.Hardware.Axis(n))
	}
	return out, nil
}

// beamIntensity simulates the diode behind the sample: a gaussian peak with
// every scanned motor at zero
func beamIntensity(motors map[string]*motion.Motor, scanned []string) diagnostics.Source {
	return diagnostics.SourceFunc(func(ctx context.Context) (float64, error) {
		r2 := 0.0
		for _, n := range scanned {
			m, ok := motors[n]
			if !ok {
				continue
			}
			x, err := m.Value()
			if err != nil {
				return math.NaN(), err
			}
			r2 += x * x
		}
		return math.Exp(-r2 / 0.01), nil
	})
}

// sources maps the diagnostics PVs to motors and the temperature controller
func sources(pvs []string, motors map[string]*motion.Motor, temp temperature.Controller) map[string]diagnostics.Source {
	out := make(map[string]diagnostics.Source)
	for _, pv := range pvs {
		pv := pv
		switch {
		case pv == param.Temperature:
			out[pv] = diagnostics.SourceFunc(func(ctx context.Context) (float64, error) {
				t, err := temp.Temperature()
				return float64(t), err
			})
		case motors[pv] != nil:
			out[pv] = diagnostics.SourceFunc(func(ctx context.Context) (float64, error) {
				return motors[pv].Value()
			})
		default:
			log.Printf("lauecollect: no source for diagnostics PV %q, skipped\n", pv)
		}
	}
	return out
}

// triggerScopes fires the mock scopes once per detector trigger the timing
// system reports
func triggerScopes(ctx context.Context, counter detector.TriggerCounter, scopes []*oscilloscope.Mock) {
	lim := rate.NewLimiter(rate.Limit(50), 1)
	last := int64(-1)
	for lim.Wait(ctx) == nil {
		n, err := counter.ReportedValue(detector.TriggerRegister)
		if err != nil {
			continue
		}
		if last >= 0 {
			for i := last; i < n; i++ {
				for _, sc := range scopes {
					if _, err := sc.Trigger(); err != nil {
						log.Printf("lauecollect: scope %s: %v\n", sc.Name, err)
					}
				}
			}
		}
		last = n
	}
}

// BuildBeamline wires the supervisor to the devices the configuration names.
// Background pollers run until ctx is done.
func BuildBeamline(ctx context.Context, pub *settings.Publisher, m *metrics.Metrics) (*Beamline, error) {
	c := pub.Get()

	fs := fileserver.NewClient(c.Sequencer.Addr)
	fs.Metrics = m
	composer := timing.NewComposer(nil)
	composer.LinearStage = c.Timing.LinearStage
	composer.Metrics = m
	client := sequencer.NewClient(fs, composer, c.Sequencer.CacheDir)
	client.Metrics = m
	client.IdleSequences = []string{scheduler.IdleParameters(c.Timing.Period).Descriptor()}
	composer.Registry = timing.NewRegistry(timing.DefaultRegisters, client)
	if err := client.Update(ctx); err != nil {
		log.Printf("lauecollect: timing system not ready: %v\n", err)
	}

	motors, err := buildMotors(c)
	if err != nil {
		return nil, err
	}

	var det detector.Detector
	switch c.Hardware.Detector {
	case "", "mock":
		mock := detector.NewMock(client, detector.LogAlerter{})
		go mock.Run(ctx, 10)
		det = mock
	default:
		return nil, fmt.Errorf("detector type %q not understood", c.Hardware.Detector)
	}

	scopes := map[string]oscilloscope.Scope{}
	switch c.Hardware.Scope {
	case "", "mock":
		sc := oscilloscope.NewMock("xray", 1000)
		scopes[sc.Name] = sc
		go triggerScopes(ctx, client, []*oscilloscope.Mock{sc})
	case "none":
	default:
		return nil, fmt.Errorf("oscilloscope type %q not understood", c.Hardware.Scope)
	}

	tctl, err := temperature.New(c.Temp)
	if err != nil {
		return nil, err
	}

	var scanned []string
	for _, chk := range []settings.Check{c.XrayCheck, c.LaserCheck, c.TimingCheck} {
		scanned = append(scanned, chk.Motors...)
	}
	scanned = append(scanned, scheduler.GonX, scheduler.GonY)

	devices := map[string]param.Device{param.Temperature: temperature.NewDevice(tctl, c.Temp)}
	if mot, ok := motors[param.Angle]; ok {
		devices[param.Angle] = mot
	}

	sup := &scheduler.Supervisor{
		Settings:  pub,
		Sequencer: client,
		Composer:  composer,
		Detector:  det,
		Alerter:   detector.LogAlerter{},
		Stage:     motion.NewMockStage(),
		Motors:    motors,
		Devices:   devices,
		Scopes:    scopes,
		Sources:   sources(c.Diagnostics.PVs, motors, tctl),
		Intensity: beamIntensity(motors, scanned),
		Beam:      scheduler.BeamFunc(func() (bool, string) { return true, "" }),
		Recovery: autorecovery.New(settings.Dir(), func(name string) (autorecovery.Motor, bool) {
			mot, ok := motors[name]
			if !ok {
				return nil, false
			}
			return mot, true
		}),
		Metrics: m,
	}
	return &Beamline{Supervisor: sup, Client: client, Metrics: m, Motors: motors}, nil
}
