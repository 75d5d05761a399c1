// Package diagnostics samples process variables during acquisition and
// reduces them to per-image statistics.
//
// Each configured variable gets its own sampler goroutine.  Samples are
// attributed to the image the timing system reports as current; a row for
// image i is emitted as soon as the reported image number passes i, or when
// the batch ends.
package diagnostics

import (
	"context"
	"errors"
	"log"
	"math"
	"sort"
	"sync"

	"golang.org/x/time/rate"
)

// ErrorKind classifies a failed read
type ErrorKind int

const (
	// KindNone means the read succeeded
	KindNone ErrorKind = iota

	// KindTimeout means the device did not answer in time
	KindTimeout

	// KindDisconnected means the device is not reachable
	KindDisconnected

	// KindInvalid means the device answered with something unusable
	KindInvalid
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "ok"
	case KindTimeout:
		return "timeout"
	case KindDisconnected:
		return "disconnected"
	case KindInvalid:
		return "invalid"
	}
	return "unknown"
}

// Reading is the outcome of one sample
type Reading struct {
	OK    bool
	Value float64
	Kind  ErrorKind
}

// Source is a process variable
type Source interface {
	Read(ctx context.Context) Reading
}

// SourceFunc adapts a function to a Source.  Errors are classified by
// Classify.
type SourceFunc func(ctx context.Context) (float64, error)

// Read calls f
func (f SourceFunc) Read(ctx context.Context) Reading {
	v, err := f(ctx)
	if err != nil {
		return Reading{Kind: Classify(err)}
	}
	if math.IsNaN(v) {
		return Reading{Kind: KindInvalid}
	}
	return Reading{OK: true, Value: v}
}

// Classify maps an error to an ErrorKind
func Classify(err error) ErrorKind {
	var te interface{ Timeout() bool }
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.As(err, &te) && te.Timeout():
		return KindTimeout
	}
	return KindDisconnected
}

// ImageCounter reports the image number of the timing system
type ImageCounter interface {
	ImageNumber() (int, error)
}

// Config is the diagnostics section of the configuration
type Config struct {
	Enabled bool `koanf:"enabled"`

	// PVs are the names of the sampled process variables
	PVs []string `koanf:"pvs"`

	// Rate is the sampling rate in Hz
	Rate float64 `koanf:"rate"`

	// Scope settings
	ScopeEnabled   bool    `koanf:"scope_enabled"`
	SamplingRate   float64 `koanf:"sampling_rate"`
	MinWindow      float64 `koanf:"min_window"`
	TraceDirectory string  `koanf:"trace_directory"`
}

// DefaultConfig samples at 50 Hz
func DefaultConfig() Config {
	return Config{
		Enabled:        true,
		Rate:           50,
		SamplingRate:   20e9,
		MinWindow:      20e-9,
		TraceDirectory: "xray_traces",
	}
}

// Stats summarise one variable over one image
type Stats struct {
	Average, SDev float64
	Count         int
}

// Row is the diagnostics of one image
type Row struct {
	Image  int
	Values map[string]Stats
}

// Stat returns the statistics of name, with NaNs when it was not sampled
func (r Row) Stat(name string) Stats {
	if s, ok := r.Values[name]; ok {
		return s
	}
	return Stats{Average: math.NaN(), SDev: math.NaN()}
}

// Tracker polls the image number of the timing system
type Tracker struct {
	Counter ImageCounter

	mu      sync.RWMutex
	current int
	valid   bool
}

// Current returns the last image number read
func (t *Tracker) Current() (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current, t.valid
}

// Poll reads the counter once
func (t *Tracker) Poll() (int, bool) {
	n, err := t.Counter.ImageNumber()
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		return t.current, t.valid
	}
	t.current, t.valid = n, true
	return n, true
}

// Run polls at hz until ctx is done
func (t *Tracker) Run(ctx context.Context, hz float64) {
	lim := rate.NewLimiter(rate.Limit(hz), 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		t.Poll()
	}
}

// Collector produces per-image rows for a batch of images
type Collector struct {
	Config
	Sources map[string]Source
	Tracker *Tracker

	// Emit receives the rows, in image order
	Emit func(Row)

	mu      sync.Mutex
	images  []int
	pending map[int]map[string]*Accumulator
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	errs    map[string]ErrorKind
}

// NewCollector returns a collector over sources
func NewCollector(c Config, sources map[string]Source, tracker *Tracker, emit func(Row)) *Collector {
	return &Collector{Config: c, Sources: sources, Tracker: tracker, Emit: emit}
}

// Start begins sampling for images
func (c *Collector) Start(ctx context.Context, images []int) {
	c.Stop()
	c.mu.Lock()
	c.images = append([]int(nil), images...)
	sort.Ints(c.images)
	c.pending = make(map[int]map[string]*Accumulator, len(images))
	for _, i := range images {
		c.pending[i] = map[string]*Accumulator{}
	}
	c.errs = map[string]ErrorKind{}
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	hz := c.Rate
	if hz <= 0 {
		hz = 50
	}
	for _, name := range c.names() {
		c.wg.Add(1)
		go func(name string, src Source) {
			defer c.wg.Done()
			c.sample(ctx, hz, name, src)
		}(name, c.Sources[name])
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		lim := rate.NewLimiter(rate.Limit(hz), 1)
		for lim.Wait(ctx) == nil {
			if n, ok := c.Tracker.Poll(); ok {
				c.Advance(n)
			}
		}
	}()
}

func (c *Collector) names() []string {
	if len(c.PVs) > 0 {
		var out []string
		for _, n := range c.PVs {
			if _, ok := c.Sources[n]; ok {
				out = append(out, n)
			}
		}
		return out
	}
	out := make([]string, 0, len(c.Sources))
	for n := range c.Sources {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

func (c *Collector) sample(ctx context.Context, hz float64, name string, src Source) {
	lim := rate.NewLimiter(rate.Limit(hz), 1)
	for lim.Wait(ctx) == nil {
		rd := src.Read(ctx)
		img, ok := c.Tracker.Current()
		if !ok {
			continue
		}
		c.Add(img, name, rd)
	}
}

// Add attributes a reading of name to image img
func (c *Collector) Add(img int, name string, rd Reading) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !rd.OK {
		if c.errs[name] != rd.Kind {
			log.Printf("diagnostics: %s: %s\n", name, rd.Kind)
			c.errs[name] = rd.Kind
		}
		return
	}
	delete(c.errs, name)
	accs, ok := c.pending[img]
	if !ok {
		return
	}
	a, ok := accs[name]
	if !ok {
		a = &Accumulator{}
		accs[name] = a
	}
	a.Add(rd.Value)
}

// Advance emits the rows of all images before current
func (c *Collector) Advance(current int) {
	c.flush(func(i int) bool { return i < current })
}

// Finish stops sampling and emits the rows of all remaining images
func (c *Collector) Finish() {
	c.Stop()
	c.flush(func(int) bool { return true })
}

// Stop ends sampling without emitting rows
func (c *Collector) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Collector) flush(done func(int) bool) {
	c.mu.Lock()
	var rows []Row
	keep := c.images[:0]
	for _, i := range c.images {
		if !done(i) {
			keep = append(keep, i)
			continue
		}
		row := Row{Image: i, Values: map[string]Stats{}}
		for name, a := range c.pending[i] {
			row.Values[name] = Stats{Average: a.Average(), SDev: a.SDev(), Count: a.Count}
		}
		delete(c.pending, i)
		rows = append(rows, row)
	}
	c.images = keep
	c.mu.Unlock()
	if c.Emit == nil {
		return
	}
	for _, r := range rows {
		c.Emit(r)
	}
}

// TimeWindow is the scope time range for a laser delay
func TimeWindow(delay, minWindow float64) float64 {
	if math.IsNaN(delay) {
		return minWindow
	}
	return math.Max(2.5*math.Abs(delay), minWindow)
}

// Bursts splits n acquisitions into sequences no longer than max
func Bursts(n, max int) []int {
	if n <= 0 {
		return nil
	}
	if max <= 0 || n <= max {
		return []int{n}
	}
	var out []int
	for n > 0 {
		k := max
		if n < k {
			k = n
		}
		out = append(out, k)
		n -= k
	}
	return out
}

