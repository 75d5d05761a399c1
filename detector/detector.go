// Package detector describes the X-ray area detector and provides a mock
// that saves simulated frames as FITS files.
package detector

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/astrogo/fitsio"
	"golang.org/x/time/rate"
)

// ErrSaveFailed is returned once the detector failed to save an image
var ErrSaveFailed = errors.New("detector: image save failed")

// Detector saves one image per trigger
type Detector interface {
	// Arm prepares the detector to save files, the first one at trigger
	// count first
	Arm(files []string, first int64) error

	// Saved is the number of files saved since Arm
	Saved() (int, error)

	// Stop abandons the remaining files
	Stop() error
}

// Alerter shows a blocking message to the operator
type Alerter interface {
	Alert(msg string)
}

// LogAlerter writes alerts to the log
type LogAlerter struct{}

// Alert logs msg
func (LogAlerter) Alert(msg string) { log.Println("ALERT:", msg) }

// TriggerCounter reports the number of detector triggers so far
type TriggerCounter interface {
	ReportedValue(name string) (int64, error)
}

// TriggerRegister is the name of the detector trigger counter
const TriggerRegister = "xdet_trig_count"

// Mock saves a FITS file for every trigger the timing system reports
type Mock struct {
	Counter TriggerCounter
	Alerter Alerter

	// Width and Height of the simulated frames
	Width, Height int

	// Header adds cards to the file of each image
	Header func(file string) []fitsio.Card

	mu    sync.Mutex
	files []string
	first int64
	saved int
	err   error
}

// NewMock returns a small-frame mock detector
func NewMock(counter TriggerCounter, alerter Alerter) *Mock {
	if alerter == nil {
		alerter = LogAlerter{}
	}
	return &Mock{Counter: counter, Alerter: alerter, Width: 64, Height: 64}
}

func (m *Mock) Arm(files []string, first int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = append([]string(nil), files...)
	m.first = first
	m.saved = 0
	m.err = nil
	return nil
}

func (m *Mock) Saved() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saved, m.err
}

func (m *Mock) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = m.files[:m.saved]
	return nil
}

// Poll saves the files of any triggers that happened since the last call
func (m *Mock) Poll() error {
	n, err := m.Counter.ReportedValue(TriggerRegister)
	if err != nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for m.err == nil && m.saved < len(m.files) && m.first+int64(m.saved) < n {
		file := m.files[m.saved]
		if err := m.save(file, m.first+int64(m.saved)); err != nil {
			m.err = fmt.Errorf("%w: %s: %v", ErrSaveFailed, file, err)
			m.Alerter.Alert(m.err.Error())
			return m.err
		}
		m.saved++
	}
	return m.err
}

// Run polls at hz until ctx is done
func (m *Mock) Run(ctx context.Context, hz float64) {
	lim := rate.NewLimiter(rate.Limit(hz), 1)
	for lim.Wait(ctx) == nil {
		m.Poll()
	}
}

func (m *Mock) save(file string, trigger int64) error {
	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return err
	}
	f, err := os.Create(file)
	if err != nil {
		return err
	}
	cards := []fitsio.Card{
		{Name: "FILENAME", Value: filepath.Base(file)},
		{Name: "TRIGGER", Value: int(trigger)},
		{Name: "DATE-OBS", Value: time.Now().UTC().Format(time.RFC3339)},
	}
	if m.Header != nil {
		cards = append(cards, m.Header(file)...)
	}
	err = WriteFits(f, cards, Frame(file, m.Width, m.Height), m.Width, m.Height)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Frame simulates a diffraction frame: a few gaussian spots over a flat
// background, placed by a hash of seed
func Frame(seed string, width, height int) []uint16 {
	h := fnv.New64a()
	io.WriteString(h, seed)
	s := h.Sum64()
	buf := make([]uint16, width*height)
	for i := range buf {
		buf[i] = 100
	}
	for spot := 0; spot < 8; spot++ {
		cx := float64(s % uint64(width))
		s /= uint64(width)
		cy := float64(s % uint64(height))
		s = s*6364136223846793005 + 1442695040888963407
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				d2 := (float64(x)-cx)*(float64(x)-cx) + (float64(y)-cy)*(float64(y)-cy)
				v := float64(buf[y*width+x]) + 5000*math.Exp(-d2/4)
				buf[y*width+x] = uint16(math.Min(v, math.MaxUint16))
			}
		}
	}
	return buf
}

// WriteFits streams a 16-bit fits image to w
func WriteFits(w io.Writer, metadata []fitsio.Card, buffer []uint16, width, height int) error {
	metadata = append(metadata, fitsio.Card{Name: "BZERO", Value: 32768}, fitsio.Card{Name: "BSCALE", Value: 1.0})
	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	im := fitsio.NewImage(16, []int{width, height})
	defer im.Close()
	if err := im.Header().Append(metadata...); err != nil {
		return err
	}
	bufOut := make([]int16, len(buffer))
	for idx, v := range buffer {
		bufOut[idx] = int16(v - 32768)
	}
	if err := im.Write(bufOut); err != nil {
		return err
	}
	return fits.Write(im)
}
