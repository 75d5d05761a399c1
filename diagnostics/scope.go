package diagnostics

import (
	"fmt"
	"math"
	"path/filepath"
	"strings"

	"github.com/biocars/lauecollect/oscilloscope"
)

// TraceFilenames returns where scope name saves the trace of each image:
// a file next to the image, in the trace directory, tagged with the scope
func TraceFilenames(images []string, traceDir, name string) []string {
	out := make([]string, len(images))
	for i, img := range images {
		dir := filepath.Dir(img)
		if filepath.Base(dir) == "xray_images" {
			dir = filepath.Dir(dir)
		}
		base := strings.TrimSuffix(filepath.Base(img), filepath.Ext(img))
		out[i] = filepath.Join(dir, traceDir, base+"_"+name+".trc")
	}
	return out
}

// Scopes arms the diagnostics oscilloscopes for a batch
type Scopes struct {
	Config
	Scopes map[string]oscilloscope.Scope

	bursts []int
	armed  int
	files  map[string][]string
}

// Setup configures every scope for images acquired at the given laser delay
// and arms the first burst
func (s *Scopes) Setup(images []string, delay float64) error {
	if !s.ScopeEnabled {
		return nil
	}
	s.files = map[string][]string{}
	window := TimeWindow(delay, s.MinWindow)
	max := 0
	for name, sc := range s.Scopes {
		if err := sc.SetSampling(s.SamplingRate); err != nil {
			return fmt.Errorf("scope %s: %w", name, err)
		}
		if err := sc.SetTimeRange(window); err != nil {
			return fmt.Errorf("scope %s: %w", name, err)
		}
		d := delay
		if math.IsNaN(d) {
			d = 0
		}
		if err := sc.SetTriggerDelay(d); err != nil {
			return fmt.Errorf("scope %s: %w", name, err)
		}
		files := TraceFilenames(images, s.TraceDirectory, name)
		s.files[name] = files
		if err := sc.SetFilenames(files); err != nil {
			return fmt.Errorf("scope %s: %w", name, err)
		}
		if m := sc.MaxSequence(); m > 0 && (max == 0 || m < max) {
			max = m
		}
	}
	s.bursts = Bursts(len(images), max)
	s.armed = 0
	return s.Next()
}

// Next arms the next burst
func (s *Scopes) Next() error {
	if len(s.bursts) == 0 {
		return nil
	}
	n := s.bursts[0]
	s.bursts = s.bursts[1:]
	s.armed += n
	for name, sc := range s.Scopes {
		if err := sc.Arm(n); err != nil {
			return fmt.Errorf("scope %s: %w", name, err)
		}
	}
	return nil
}

// Remaining is the number of bursts not yet armed
func (s *Scopes) Remaining() int { return len(s.bursts) }

// Armed is the number of images of the batch covered by the bursts armed so
// far.  The next burst is due once that many images are acquired.
func (s *Scopes) Armed() int { return s.armed }

// Stop disarms every scope
func (s *Scopes) Stop() error {
	var first error
	for name, sc := range s.Scopes {
		if err := sc.Stop(); err != nil && first == nil {
			first = fmt.Errorf("scope %s: %w", name, err)
		}
	}
	return first
}

// Files returns the trace files of scope name for the current batch
func (s *Scopes) Files(name string) []string { return s.files[name] }
