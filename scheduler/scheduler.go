// Package scheduler is the supervisor of data collection.  It breaks a
// dataset into hardware-triggered passes, changes the slow variables
// between them and interleaves alignment, beam checks and sample pumping.
//
// The supervisor is driven by a single action at a time.  Actions are
// started with Do (or Run, which blocks), cancelled with Cancel and the
// current dataset can be told to stop after its running pass with
// FinishSeries.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/biocars/lauecollect/autorecovery"
	"github.com/biocars/lauecollect/detector"
	"github.com/biocars/lauecollect/diagnostics"
	"github.com/biocars/lauecollect/metrics"
	"github.com/biocars/lauecollect/motion"
	"github.com/biocars/lauecollect/oscilloscope"
	"github.com/biocars/lauecollect/param"
	"github.com/biocars/lauecollect/settings"
	"github.com/biocars/lauecollect/timing"
	"github.com/google/uuid"
)

// actions
const (
	Idle            = ""
	SingleImage     = "Single Image"
	CollectDataset  = "Collect Dataset"
	AlignSample     = "Align Sample"
	XrayCheck       = "X-Ray Beam Check"
	XrayCheckTest   = "X-Ray Beam Check - Test"
	LaserCheck      = "Laser Beam Check"
	LaserCheckTest  = "Laser Beam Check - Test"
	TimingCheck     = "Timing Check"
	TimingCheckTest = "Timing Check - Test"
	SamplePhoto     = "Sample Photo"
	SamplePhotoTest = "Sample Photo - Test"
	PumpSample      = "Pumping Sample"
)

// Actions is the action vocabulary, Idle first
var Actions = []string{
	Idle, SingleImage, CollectDataset, AlignSample,
	XrayCheck, XrayCheckTest, LaserCheck, LaserCheckTest,
	TimingCheck, TimingCheckTest, SamplePhoto, SamplePhotoTest,
	PumpSample,
}

// motor names the supervisor moves itself
const (
	GonX       = "GonX"
	GonY       = "GonY"
	GonZ       = "GonZ"
	PumpMotor  = "Pump"
	DelayStage = "DelayStage"
)

var (
	// ErrUnknownAction is returned for actions outside the vocabulary
	ErrUnknownAction = errors.New("scheduler: unknown action")

	// ErrBusy is returned when an action is started while another runs
	ErrBusy = errors.New("scheduler: an action is already running")

	// ErrCancelled is returned by actions stopped with Cancel
	ErrCancelled = errors.New("scheduler: cancelled")

	// ErrNoMotor is returned when a procedure needs a motor that is not
	// configured
	ErrNoMotor = errors.New("scheduler: motor not configured")

	// ErrNoIntensity is returned by scans when no intensity source is set
	ErrNoIntensity = errors.New("scheduler: no intensity source")
)

// Valid reports whether action is in the vocabulary
func Valid(action string) bool {
	for _, a := range Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Sequencer is the timing system as the supervisor drives it.
// *sequencer.Client implements it.
type Sequencer interface {
	Install(ctx context.Context, sequences []string, queue, defaultQueue, nextQueue string) error
	QueueReady(queue string) (bool, error)
	SetNextQueue(queue string) error
	StopAcquisition() error
	ReportedValue(name string) (int64, error)
}

// BeamChecker reports whether the X-ray beam is usable, and why not
type BeamChecker interface {
	BeamOK() (bool, string)
}

// BeamFunc adapts a function to BeamChecker
type BeamFunc func() (bool, string)

// BeamOK calls f
func (f BeamFunc) BeamOK() (bool, string) { return f() }

// Camera takes a photo of the sample into file
type Camera interface {
	Photo(ctx context.Context, file string) error
}

// Status is what observers see of the supervisor
type Status struct {
	Action            string `json:"action"`
	Run               string `json:"run"`
	ImageNumber       int    `json:"image_number"`
	ImageInfo         string `json:"image_info"`
	AcquisitionStatus string `json:"acquisition_status"`
	DiagnosticsStatus string `json:"diagnostics_status"`
	Error             string `json:"error,omitempty"`
}

// Supervisor runs data collection actions
type Supervisor struct {
	Settings  *settings.Publisher
	Sequencer Sequencer
	Composer  *timing.Composer
	Detector  detector.Detector
	Alerter   detector.Alerter

	// Stage runs the triggered trajectories of sample translation
	Stage motion.TriggeredStage

	// Motors is the named set of motors checks and alignment may move
	Motors map[string]*motion.Motor

	// Devices realise the collection variables
	Devices map[string]param.Device

	Scopes  map[string]oscilloscope.Scope
	Sources map[string]diagnostics.Source

	// Intensity is read at every point of alignment and check scans
	Intensity diagnostics.Source

	Beam     BeamChecker
	Camera   Camera
	Recovery *autorecovery.Store
	Metrics  *metrics.Metrics

	// Locker, when set, is held for the duration of a dataset
	Locker sync.Locker

	// Poll is the interval of the polling loops, BeamPoll the interval at
	// which a missing beam is checked again
	Poll     time.Duration
	BeamPoll time.Duration

	mu        sync.Mutex
	status    Status
	done      chan struct{}
	cancelled bool
	finish    bool

	// check bookkeeping, by check name
	nextCheck map[string]int
	lastCheck map[string]time.Time
}

func (s *Supervisor) poll() time.Duration {
	if s.Poll > 0 {
		return s.Poll
	}
	return 20 * time.Millisecond
}

func (s *Supervisor) beamPoll() time.Duration {
	if s.BeamPoll > 0 {
		return s.BeamPoll
	}
	return time.Second
}

// Status returns a snapshot of the supervisor state
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Action is the running action, Idle when none
func (s *Supervisor) Action() string {
	return s.Status().Action
}

// ImageNumber is the image the next dataset pass or single image starts at
func (s *Supervisor) ImageNumber() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.ImageNumber < 1 {
		return 1
	}
	return s.status.ImageNumber
}

// SetImageNumber moves the image pointer
func (s *Supervisor) SetImageNumber(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.ImageNumber = i
}

func (s *Supervisor) setInfo(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.ImageInfo = fmt.Sprintf(format, args...)
}

func (s *Supervisor) setStatus(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.AcquisitionStatus = fmt.Sprintf(format, args...)
}

func (s *Supervisor) setDiagnostics(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status.DiagnosticsStatus = msg
}

// Cancel stops the running action at the next image boundary.  Sequences
// already started on the FPGA complete and their log rows are written.
func (s *Supervisor) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Action != Idle {
		s.cancelled = true
	}
}

// FinishSeries makes the running dataset stop after its current pass
func (s *Supervisor) FinishSeries() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Action != Idle {
		s.finish = true
	}
}

func (s *Supervisor) isCancelled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelled
}

func (s *Supervisor) finishing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finish || s.cancelled
}

// Wait blocks until no action is running
func (s *Supervisor) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (s *Supervisor) begin(action string) error {
	if !Valid(action) {
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Action != Idle {
		return fmt.Errorf("%w: %s", ErrBusy, s.status.Action)
	}
	s.status.Action = action
	s.status.Run = uuid.NewString()
	s.status.Error = ""
	s.cancelled = false
	s.finish = false
	s.done = make(chan struct{})
	return nil
}

// Do starts action in the background.  The Idle action cancels the running
// one.
func (s *Supervisor) Do(ctx context.Context, action string) error {
	if action == Idle {
		s.Cancel()
		return nil
	}
	if err := s.begin(action); err != nil {
		return err
	}
	go s.run(ctx, action)
	return nil
}

// Run executes action and returns when it is done
func (s *Supervisor) Run(ctx context.Context, action string) error {
	if action == Idle {
		return nil
	}
	if err := s.begin(action); err != nil {
		return err
	}
	return s.run(ctx, action)
}

// run wraps every action: errors and panics are logged and reported in the
// status, and the action returns to Idle
func (s *Supervisor) run(ctx context.Context, action string) (err error) {
	run := s.Status().Run
	s.Metrics.ActionStarted(action)
	log.Printf("scheduler: %s started (run %s)\n", action, run)
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("scheduler: %s: panic: %v", action, r)
		}
		s.Metrics.ActionFinished(action)
		switch {
		case errors.Is(err, ErrCancelled):
			log.Printf("scheduler: %s cancelled\n", action)
			s.setStatus("%s cancelled", action)
		case err != nil:
			log.Printf("scheduler: %s failed: %v\n", action, err)
			s.setStatus("%s failed", action)
		default:
			log.Printf("scheduler: %s done\n", action)
			s.setStatus("%s done", action)
		}
		s.mu.Lock()
		s.status.Action = Idle
		if err != nil {
			s.status.Error = err.Error()
		}
		close(s.done)
		s.mu.Unlock()
	}()

	cfg := s.Settings.Get()
	switch action {
	case SingleImage:
		return s.singleImage(ctx, cfg)
	case CollectDataset:
		return s.collectDataset(ctx, cfg)
	case AlignSample:
		return s.alignSample(ctx, cfg)
	case PumpSample:
		return s.pump(ctx, cfg)
	}
	name, test := checkName(action)
	return s.runCheck(ctx, cfg, name, test)
}

// checkName splits a check action into the check and its test flag
func checkName(action string) (string, bool) {
	if strings.HasSuffix(action, " - Test") {
		return strings.TrimSuffix(action, " - Test"), true
	}
	return action, false
}

// until polls cond until it holds.  Cancel interrupts the wait when
// cancellable is set.
func (s *Supervisor) until(ctx context.Context, cancellable bool, cond func() (bool, error)) error {
	t := time.NewTicker(s.poll())
	defer t.Stop()
	for {
		ok, err := cond()
		if err != nil || ok {
			return err
		}
		if cancellable && s.isCancelled() {
			return ErrCancelled
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}
