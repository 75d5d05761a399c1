package diagnostics

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biocars/lauecollect/oscilloscope"
)

func TestAccumulator(t *testing.T) {
	var a Accumulator
	assert.True(t, math.IsNaN(a.Average()))
	for _, v := range []float64{1, 2, 3} {
		a.Add(v)
	}
	assert.Equal(t, 2.0, a.Average())
	assert.InDelta(t, math.Sqrt(2.0/3), a.SDev(), 1e-12)
	assert.Equal(t, 3.0, a.Last)
	assert.Equal(t, 3, a.Count)

	var flat Accumulator
	for i := 0; i < 10; i++ {
		flat.Add(0.1)
	}
	assert.InDelta(t, 0, flat.SDev(), 1e-6)
}

type timeoutErr struct{}

func (timeoutErr) Error() string { return "i/o timeout" }
func (timeoutErr) Timeout() bool { return true }

func TestSourceFuncClassifies(t *testing.T) {
	ctx := context.Background()
	ok := SourceFunc(func(context.Context) (float64, error) { return 4, nil }).Read(ctx)
	assert.Equal(t, Reading{OK: true, Value: 4}, ok)

	nan := SourceFunc(func(context.Context) (float64, error) { return math.NaN(), nil }).Read(ctx)
	assert.Equal(t, KindInvalid, nan.Kind)

	assert.Equal(t, KindTimeout, Classify(timeoutErr{}))
	assert.Equal(t, KindTimeout, Classify(context.DeadlineExceeded))
	assert.Equal(t, KindDisconnected, Classify(errors.New("connection refused")))
	assert.Equal(t, "timeout", KindTimeout.String())
}

type counter struct{ n atomic.Int64 }

func (c *counter) ImageNumber() (int, error) {
	n := c.n.Load()
	if n < 0 {
		return 0, errors.New("not reporting")
	}
	return int(n), nil
}

type rows struct {
	mu  sync.Mutex
	out []Row
}

func (r *rows) emit(row Row) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.out = append(r.out, row)
}

func (r *rows) get() []Row {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Row(nil), r.out...)
}

func TestCollectorEmitsOnAdvanceAndFinish(t *testing.T) {
	ctr := &counter{}
	ctr.n.Store(-1)
	got := &rows{}
	c := NewCollector(DefaultConfig(), nil, &Tracker{Counter: ctr}, got.emit)
	c.Start(context.Background(), []int{3, 1, 2})

	c.Add(1, "temp", Reading{OK: true, Value: 10})
	c.Add(1, "temp", Reading{OK: true, Value: 12})
	c.Add(1, "temp", Reading{Kind: KindTimeout})
	c.Add(2, "temp", Reading{OK: true, Value: 5})
	c.Add(9, "temp", Reading{OK: true, Value: 99})

	c.Advance(2)
	r := got.get()
	require.Len(t, r, 1)
	assert.Equal(t, 1, r[0].Image)
	assert.Equal(t, Stats{Average: 11, SDev: 1, Count: 2}, r[0].Stat("temp"))

	c.Advance(2)
	assert.Len(t, got.get(), 1, "rows are emitted once")

	c.Finish()
	r = got.get()
	require.Len(t, r, 3)
	assert.Equal(t, 2, r[1].Image)
	assert.Equal(t, 5.0, r[1].Stat("temp").Average)
	assert.Equal(t, 3, r[2].Image)
	assert.True(t, math.IsNaN(r[2].Stat("temp").Average))
}

func TestCollectorSamples(t *testing.T) {
	ctr := &counter{}
	ctr.n.Store(1)
	got := &rows{}
	src := SourceFunc(func(context.Context) (float64, error) { return 7, nil })
	cfg := DefaultConfig()
	cfg.Rate = 200
	c := NewCollector(cfg, map[string]Source{"temp": src}, &Tracker{Counter: ctr}, got.emit)
	c.Start(context.Background(), []int{1, 2})

	time.Sleep(50 * time.Millisecond)
	ctr.n.Store(2)
	assert.Eventually(t, func() bool { return len(got.get()) == 1 }, time.Second, 5*time.Millisecond)
	c.Finish()

	r := got.get()
	require.Len(t, r, 2)
	s := r[0].Stat("temp")
	assert.Greater(t, s.Count, 0)
	assert.Equal(t, 7.0, s.Average)
	assert.Equal(t, 0.0, s.SDev)
}

func TestTracker(t *testing.T) {
	ctr := &counter{}
	ctr.n.Store(-1)
	tr := &Tracker{Counter: ctr}
	_, ok := tr.Poll()
	assert.False(t, ok)
	ctr.n.Store(5)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { tr.Run(ctx, 100); close(done) }()
	assert.Eventually(t, func() bool { n, ok := tr.Current(); return ok && n == 5 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestTimeWindowAndBursts(t *testing.T) {
	assert.Equal(t, 20e-9, TimeWindow(1e-9, 20e-9))
	assert.InDelta(t, 250e-9, TimeWindow(-100e-9, 20e-9), 1e-18)
	assert.Equal(t, 20e-9, TimeWindow(math.NaN(), 20e-9))

	assert.Nil(t, Bursts(0, 5))
	assert.Equal(t, []int{7}, Bursts(7, 0))
	assert.Equal(t, []int{3, 3, 1}, Bursts(7, 3))
}

func TestTraceFilenames(t *testing.T) {
	got := TraceFilenames([]string{"/data/lyso/xray_images/lyso_1.mccd"}, "xray_traces", "laser")
	assert.Equal(t, []string{"/data/lyso/xray_traces/lyso_1_laser.trc"}, got)
}

func TestScopesBurstArming(t *testing.T) {
	dir := t.TempDir()
	xray := oscilloscope.NewMock("xray", 2)
	cfg := DefaultConfig()
	cfg.ScopeEnabled = true
	s := &Scopes{Config: cfg, Scopes: map[string]oscilloscope.Scope{"xray": xray}}

	images := []string{
		filepath.Join(dir, "xray_images", "a.mccd"),
		filepath.Join(dir, "xray_images", "b.mccd"),
		filepath.Join(dir, "xray_images", "c.mccd"),
	}
	require.NoError(t, s.Setup(images, 100e-9))
	assert.InDelta(t, 250e-9, xray.TimeRange, 1e-18)
	assert.Equal(t, 1, s.Remaining())
	assert.Equal(t, 2, s.Armed())

	for i := 0; i < 2; i++ {
		_, err := xray.Trigger()
		require.NoError(t, err)
	}
	require.NoError(t, s.Next())
	assert.Equal(t, 0, s.Remaining())
	assert.Equal(t, 3, s.Armed())
	_, err := xray.Trigger()
	require.NoError(t, err)

	for _, f := range s.Files("xray") {
		_, err := os.Stat(f)
		assert.NoError(t, err)
	}
	assert.NoError(t, s.Stop())
}
