package oscilloscope

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
)

// Scope is an oscilloscope that saves one trace file per trigger in
// sequence mode
type Scope interface {
	// SetSampling sets the sampling rate in samples per second
	SetSampling(rate float64) error

	// SetTimeRange sets the duration of a trace in seconds
	SetTimeRange(seconds float64) error

	// SetTriggerDelay sets the trigger position in seconds
	SetTriggerDelay(seconds float64) error

	// SetFilenames gives the destination of the next traces, in order
	SetFilenames(names []string) error

	// Arm waits for n triggers in sequence mode
	Arm(n int) error

	// Acquired is the number of traces saved since the last Arm
	Acquired() (int, error)

	// MaxSequence is the largest n Arm accepts
	MaxSequence() int

	// Stop disarms the scope
	Stop() error
}

// ErrSequenceTooLong is returned when arming for more traces than the scope holds
var ErrSequenceTooLong = errors.New("oscilloscope: sequence too long")

// Mock is a scope that writes a synthetic pulse to its file list whenever
// Trigger is called
type Mock struct {
	mu sync.Mutex

	Name      string
	Rate      float64
	TimeRange float64
	Delay     float64
	Max       int

	files    []string
	next     int
	armed    int
	acquired int
}

// NewMock returns a mock scope holding up to max traces per sequence
func NewMock(name string, max int) *Mock {
	return &Mock{Name: name, Rate: 20e9, TimeRange: 20e-9, Max: max}
}

func (m *Mock) SetSampling(rate float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rate = rate
	return nil
}

func (m *Mock) SetTimeRange(seconds float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TimeRange = seconds
	return nil
}

func (m *Mock) SetTriggerDelay(seconds float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Delay = seconds
	return nil
}

func (m *Mock) SetFilenames(names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = append([]string(nil), names...)
	m.next = 0
	return nil
}

func (m *Mock) Arm(n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Max > 0 && n > m.Max {
		return fmt.Errorf("%w: %d > %d", ErrSequenceTooLong, n, m.Max)
	}
	m.armed = n
	m.acquired = 0
	return nil
}

func (m *Mock) Acquired() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquired, nil
}

func (m *Mock) MaxSequence() int { return m.Max }

func (m *Mock) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed = 0
	return nil
}

// Trigger acquires one trace if the scope is armed, writing it to the next
// file in the list.  It returns the file written, or "" when disarmed.
func (m *Mock) Trigger() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquired >= m.armed {
		return "", nil
	}
	m.acquired++
	if m.next >= len(m.files) {
		return "", nil
	}
	name := m.files[m.next]
	m.next++
	if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		return "", err
	}
	f, err := os.Create(name)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return name, m.trace().EncodeCSV(f)
}

// trace is a gaussian pulse centered on the trigger delay
func (m *Mock) trace() *Waveform {
	dt := 1 / m.Rate
	n := int(m.TimeRange / dt)
	if n > 10000 {
		n = 10000
	}
	t0 := m.Delay - m.TimeRange/2
	data := make([]int16, n)
	sigma := m.TimeRange / 20
	for i := range data {
		t := t0 + float64(i)*dt - m.Delay
		data[i] = int16(1000 * math.Exp(-t*t/(2*sigma*sigma)))
	}
	return &Waveform{DT: dt, T0: t0, Channels: map[string]Channel{
		m.Name: {Data: data, Scale: 1e-3},
	}}
}
