package scheduler

import (
	"context"
	"errors"
	"math"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/biocars/lauecollect/align"
	"github.com/biocars/lauecollect/autorecovery"
	"github.com/biocars/lauecollect/dataset"
	"github.com/biocars/lauecollect/detector"
	"github.com/biocars/lauecollect/diagnostics"
	"github.com/biocars/lauecollect/fileserver"
	"github.com/biocars/lauecollect/logfile"
	"github.com/biocars/lauecollect/motion"
	"github.com/biocars/lauecollect/oscilloscope"
	"github.com/biocars/lauecollect/param"
	"github.com/biocars/lauecollect/sequencer"
	"github.com/biocars/lauecollect/settings"
	"github.com/biocars/lauecollect/timing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSequencer counts the acquisitions installed
type countingSequencer struct {
	*sequencer.Client
	mu       sync.Mutex
	installs int
}

func (c *countingSequencer) Install(ctx context.Context, seqs []string, queue, def, next string) error {
	c.mu.Lock()
	c.installs++
	c.mu.Unlock()
	return c.Client.Install(ctx, seqs, queue, def, next)
}

func (c *countingSequencer) Installs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.installs
}

type rig struct {
	sup    *Supervisor
	seq    *countingSequencer
	ctrl   *motion.Mock
	motors map[string]*motion.Motor
	dir    string
}

// config is a four image dataset: two delays at each of two angles
func config(dir string) settings.Configuration {
	cfg := settings.Default()
	cfg.Options.Directory = dir
	cfg.Options.Basename = "lyso"
	cfg.Param.Order = [][]string{{param.Delay}, {param.Angle}}
	cfg.Param.AngleMode = param.SinglePass
	cfg.Param.AngleMin, cfg.Param.AngleMax, cfg.Param.AngleStep = 0, 5, 5
	cfg.Param.Delays = []float64{1e-9, 1e-6}
	cfg.Param.LaserOn = []bool{true}
	cfg.Diagnostics.PVs = nil
	return cfg
}

func newRig(t *testing.T) *rig {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	root := t.TempDir()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &fileserver.Server{Root: root}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	composer := timing.NewComposer(nil)
	client := sequencer.NewClient(fileserver.NewClient(ln.Addr().String()), composer, t.TempDir())
	t.Cleanup(client.Close)
	client.IdleSequences = []string{IdleParameters(1).Descriptor()}
	require.NoError(t, client.Update(ctx))

	em := sequencer.NewEmulator(filepath.Join(root, sequencer.DefaultDir))
	go em.Run(ctx, 2000)

	det := detector.NewMock(client, nil)
	det.Width, det.Height = 8, 8
	go det.Run(ctx, 200)

	ctrl := motion.NewMock("phi", "x", "y", "z", "pump", "mirror")
	motors := map[string]*motion.Motor{
		param.Angle: motion.NewMotor(param.Angle, ctrl, "phi"),
		GonX:        motion.NewMotor(GonX, ctrl, "x"),
		GonY:        motion.NewMotor(GonY, ctrl, "y"),
		GonZ:        motion.NewMotor(GonZ, ctrl, "z"),
		PumpMotor:   motion.NewMotor(PumpMotor, ctrl, "pump"),
		"MirrorV":   motion.NewMotor("MirrorV", ctrl, "mirror"),
	}

	dir := t.TempDir()
	seq := &countingSequencer{Client: client}
	sup := &Supervisor{
		Settings:  settings.NewPublisher(config(dir)),
		Sequencer: seq,
		Composer:  composer,
		Detector:  det,
		Stage:     motion.NewMockStage(),
		Motors:    motors,
		Devices:   map[string]param.Device{param.Angle: motors[param.Angle]},
		Recovery: autorecovery.New(t.TempDir(), func(name string) (autorecovery.Motor, bool) {
			m, ok := motors[name]
			if !ok {
				return nil, false
			}
			return m, true
		}),
		Poll: 2 * time.Millisecond,
	}
	return &rig{sup: sup, seq: seq, ctrl: ctrl, motors: motors, dir: dir}
}

func runWithTimeout(t *testing.T, s *Supervisor, action string) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return s.Run(ctx, action)
}

func datasetOf(t *testing.T, cfg settings.Configuration) *dataset.Dataset {
	t.Helper()
	m, err := param.New(cfg.Param, cfg.Chopper)
	require.NoError(t, err)
	return dataset.New(m, cfg.Options.Dataset())
}

func TestCollectDatasetWritesOneRowPerFile(t *testing.T) {
	r := newRig(t)
	cfg := r.sup.Settings.Get()
	require.NoError(t, runWithTimeout(t, r.sup, CollectDataset))
	assert.Equal(t, Idle, r.sup.Action())

	ds := datasetOf(t, cfg)
	require.Equal(t, 4, ds.NImages())
	w := &logfile.Writer{Path: LogPath(cfg.Options)}
	files, err := w.Files()
	require.NoError(t, err)
	assert.Len(t, files, ds.NImages())
	for i := 1; i <= ds.NImages(); i++ {
		_, err := os.Stat(ds.Filename(i))
		assert.NoError(t, err, "image %d", i)
		assert.Equal(t, 1, files[ds.File(i)], "rows for image %d", i)
	}
	// one batch per angle
	assert.Equal(t, 2, r.seq.Installs())

	angle, err := r.motors[param.Angle].Value()
	require.NoError(t, err)
	assert.InDelta(t, 5, angle, 1e-9)
}

func TestCollectDatasetAgainIsNoOp(t *testing.T) {
	r := newRig(t)
	cfg := r.sup.Settings.Get()
	require.NoError(t, runWithTimeout(t, r.sup, CollectDataset))
	installs := r.seq.Installs()

	before, err := os.ReadFile(LogPath(cfg.Options))
	require.NoError(t, err)
	ds := datasetOf(t, cfg)
	stat1, err := os.Stat(ds.Filename(1))
	require.NoError(t, err)

	require.NoError(t, runWithTimeout(t, r.sup, CollectDataset))
	after, err := os.ReadFile(LogPath(cfg.Options))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
	assert.Equal(t, installs, r.seq.Installs())
	stat2, err := os.Stat(ds.Filename(1))
	require.NoError(t, err)
	assert.Equal(t, stat1.ModTime(), stat2.ModTime())
}

func TestCollectionPass(t *testing.T) {
	dir := t.TempDir()
	s := &Supervisor{}
	cfg := config(dir)

	imgs, err := s.CollectionPass(cfg, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, imgs, "angle is a wait variable")
	imgs, err = s.CollectionPass(cfg, 3)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, imgs)
	imgs, err = s.CollectionPass(cfg, 5)
	require.NoError(t, err)
	assert.Empty(t, imgs)

	cfg.Options.MaxImagesPerPass = 1
	imgs, err = s.CollectionPass(cfg, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, imgs)
}

func TestCollectionPassStopsAtCheckBoundary(t *testing.T) {
	dir := t.TempDir()
	s := &Supervisor{}
	cfg := config(dir)
	cfg.Param.Order = [][]string{{param.Delay}, {param.Repeat}}
	cfg.Param.Repeats = 2

	imgs, err := s.CollectionPass(cfg, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 4}, imgs)

	cfg.XrayCheck.Enabled = true
	cfg.XrayCheck.Variable = param.Delay
	imgs, err = s.CollectionPass(cfg, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, imgs)
	imgs, err = s.CollectionPass(cfg, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2}, imgs)
}

func TestCollectionPassSkipsCollectedImages(t *testing.T) {
	dir := t.TempDir()
	s := &Supervisor{}
	cfg := config(dir)
	ds := datasetOf(t, cfg)

	// image 2 has a file and a log row, image 1 only a file
	for _, i := range []int{1, 2} {
		require.NoError(t, os.MkdirAll(filepath.Dir(ds.Filename(i)), 0755))
		require.NoError(t, os.WriteFile(ds.Filename(i), []byte("x"), 0644))
	}
	w := &logfile.Writer{Path: LogPath(cfg.Options)}
	require.NoError(t, w.Write([]logfile.Row{{File: ds.File(2)}}))

	imgs, err := s.CollectionPass(cfg, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, imgs)
	imgs, err = s.CollectionPass(cfg, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 4}, imgs)
}

// chopper is a chopper_mode device that records its moves
type chopper struct {
	mu    sync.Mutex
	mode  float64
	moves []float64
}

func (c *chopper) Value() (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode, nil
}

func (c *chopper) SetValue(v float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = v
	c.moves = append(c.moves, v)
	return nil
}

func (c *chopper) Changing() (bool, error) { return false, nil }

func (c *chopper) Moves() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.moves...)
}

func TestChopperFollowsDelay(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.sup.Settings.Update(func(c *settings.Configuration) {
		// 50 ns needs the single pulse mode, 1 us the three pulse mode
		c.Param.Delays = []float64{50e-9, 1e-6}
		c.Chopper.VerticalSettle = 0.05
		c.Chopper.PhaseSettle = 0.05
		c.Chopper.SlewRate = 0
	}))
	cfg := r.sup.Settings.Get()
	ds := datasetOf(t, cfg)
	require.Equal(t, 4, ds.NImages())
	modes := []int{ds.ChopperMode(1), ds.ChopperMode(2), ds.ChopperMode(3), ds.ChopperMode(4)}
	require.Equal(t, []int{0, 1, 0, 1}, modes)

	ch := &chopper{}
	r.sup.Devices[param.ChopperMode] = ch
	imgs, err := r.sup.CollectionPass(cfg, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, imgs, "a chopper move ends the pass")

	t0 := time.Now()
	require.NoError(t, runWithTimeout(t, r.sup, CollectDataset))
	assert.Equal(t, []float64{1, 0, 1}, ch.Moves())
	assert.GreaterOrEqual(t, time.Since(t0), 150*time.Millisecond, "settling after every move")
	assert.Equal(t, 4, r.seq.Installs())

	w := &logfile.Writer{Path: LogPath(cfg.Options)}
	files, err := w.Files()
	require.NoError(t, err)
	assert.Len(t, files, 4)
}

func TestChopperSettlingTime(t *testing.T) {
	c := param.DefaultChopper()
	c.SlewRate = 0
	assert.Equal(t, time.Duration(0), c.SettlingTime(1, 1))
	assert.Equal(t, 10*time.Second, c.SettlingTime(0, 2))
	assert.Equal(t, 10*time.Second, c.SettlingTime(-1, 2), "unknown position")
}

// burstScope records each burst armed and the image acquired before it
type burstScope struct {
	*oscilloscope.Mock
	sup *Supervisor

	mu    sync.Mutex
	sizes []int
	after []int
}

func (b *burstScope) Arm(n int) error {
	b.mu.Lock()
	b.sizes = append(b.sizes, n)
	b.after = append(b.after, b.sup.ImageNumber()-1)
	b.mu.Unlock()
	return b.Mock.Arm(n)
}

func TestScopeBurstsRearmAtBurstEnd(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.sup.Settings.Update(func(c *settings.Configuration) {
		c.Param.Order = [][]string{{param.Delay}, {param.Repeat}}
		c.Param.Delays = []float64{1e-9, 2e-9, 3e-9, 4e-9, 5e-9}
		c.Param.Repeats = 2
		c.Options.MaxImagesPerPass = 0
		c.Pump.Enabled = false
		c.Diagnostics.ScopeEnabled = true
	}))
	imgs, err := r.sup.CollectionPass(r.sup.Settings.Get(), 1)
	require.NoError(t, err)
	require.Len(t, imgs, 10)

	sc := &burstScope{Mock: oscilloscope.NewMock(XrayPV, 4), sup: r.sup}
	r.sup.Scopes = map[string]oscilloscope.Scope{XrayPV: sc}
	require.NoError(t, runWithTimeout(t, r.sup, CollectDataset))

	sc.mu.Lock()
	defer sc.mu.Unlock()
	assert.Equal(t, []int{4, 4, 2}, sc.sizes)
	assert.Equal(t, []int{0, 4, 8}, sc.after)
}

func TestLoadDatasetResumesAfterCollectedImages(t *testing.T) {
	dir := t.TempDir()
	s := &Supervisor{Settings: settings.NewPublisher(config(dir))}
	cfg := s.Settings.Get()
	ds := datasetOf(t, cfg)

	i, err := s.LoadDataset()
	require.NoError(t, err)
	assert.Equal(t, 1, i)

	w := &logfile.Writer{Path: LogPath(cfg.Options)}
	for _, k := range []int{1, 2} {
		require.NoError(t, os.MkdirAll(filepath.Dir(ds.Filename(k)), 0755))
		require.NoError(t, os.WriteFile(ds.Filename(k), []byte("x"), 0644))
		require.NoError(t, w.Write([]logfile.Row{{File: ds.File(k)}}))
	}
	i, err = s.LoadDataset()
	require.NoError(t, err)
	assert.Equal(t, 3, i)
	assert.Equal(t, 3, s.ImageNumber())
}

func TestSingleImage(t *testing.T) {
	r := newRig(t)
	cfg := r.sup.Settings.Get()
	r.sup.SetImageNumber(3)
	require.NoError(t, runWithTimeout(t, r.sup, SingleImage))
	ds := datasetOf(t, cfg)
	_, err := os.Stat(ds.Filename(3))
	assert.NoError(t, err)
	_, err = os.Stat(ds.Filename(1))
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 4, r.sup.ImageNumber())
}

// peak is an intensity source with a Gaussian peak at center along motor m
func peak(m *motion.Motor, center, width float64) diagnostics.Source {
	return diagnostics.SourceFunc(func(context.Context) (float64, error) {
		x, err := m.Value()
		d := (x - center) / width
		return 1000 * math.Exp(-d*d/2), err
	})
}

func TestBeamCheckMovesToCentroid(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.sup.Settings.Update(func(c *settings.Configuration) {
		c.XrayCheck.Motors = []string{"MirrorV"}
		c.XrayCheck.Range = 0.1
		c.XrayCheck.Steps = 21
	}))
	mirror := r.motors["MirrorV"]
	r.sup.Intensity = peak(mirror, 0.01, 0.01)

	require.NoError(t, runWithTimeout(t, r.sup, XrayCheckTest))
	x, err := mirror.Value()
	require.NoError(t, err)
	assert.InDelta(t, 0, x, 1e-9, "a test check leaves the motor in place")

	require.NoError(t, runWithTimeout(t, r.sup, XrayCheck))
	x, err = mirror.Value()
	require.NoError(t, err)
	assert.InDelta(t, 0.01, x, 0.003)

	_, ok, err := r.sup.Recovery.Load()
	require.NoError(t, err)
	assert.False(t, ok, "autorecovery file removed after success")
}

func TestFailedBeamCheckKeepsRecoveryFile(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.sup.Settings.Update(func(c *settings.Configuration) {
		c.LaserCheck.Motors = []string{"MirrorV"}
	}))
	r.sup.Intensity = diagnostics.SourceFunc(func(context.Context) (float64, error) {
		return 0, errors.New("no reply")
	})
	err := runWithTimeout(t, r.sup, LaserCheck)
	require.Error(t, err)
	assert.Contains(t, r.sup.Status().Error, "reading intensity")

	rec, ok, err := r.sup.Recovery.Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, LaserCheck, rec.Operation)
}

func TestBeamCheckUnknownMotor(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.sup.Settings.Update(func(c *settings.Configuration) {
		c.TimingCheck.Motors = []string{"TimingStage"}
	}))
	r.sup.Intensity = peak(r.motors["MirrorV"], 0, 0.01)
	err := runWithTimeout(t, r.sup, TimingCheck)
	assert.ErrorIs(t, err, autorecovery.ErrNoMotor)
	assert.Equal(t, Idle, r.sup.Action())
}

func TestPumpSample(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.sup.Settings.Update(func(c *settings.Configuration) { c.Pump.Steps = 2.5 }))
	require.NoError(t, runWithTimeout(t, r.sup, PumpSample))
	require.NoError(t, runWithTimeout(t, r.sup, PumpSample))
	x, err := r.motors[PumpMotor].Value()
	require.NoError(t, err)
	assert.InDelta(t, 5, x, 1e-9)
}

func TestAlignSample(t *testing.T) {
	r := newRig(t)
	require.NoError(t, r.sup.Settings.Update(func(c *settings.Configuration) {
		c.Param.AngleMode = param.UserDefined
		c.Param.AngleList = []float64{0}
	}))
	// at phi=0 the offset is along y; the sample edge rises between 0.04
	// and 0.07 mm
	y := r.motors[GonY]
	r.sup.Intensity = diagnostics.SourceFunc(func(context.Context) (float64, error) {
		v, err := y.Value()
		return 100 + 1000*math.Max(0, math.Min(1, (v-0.04)/0.03)), err
	})
	require.NoError(t, runWithTimeout(t, r.sup, AlignSample))

	cfg := r.sup.Settings.Get()
	tbl := &align.Table{}
	require.NoError(t, tbl.Load(filepath.Join(cfg.Options.Directory, cfg.Align.Filename)))
	rows := tbl.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, 0.0, rows[0].Phi)
	assert.True(t, rows[0].Offset >= 0.03 && rows[0].Offset <= 0.06, "offset %g", rows[0].Offset)
}

func TestActions(t *testing.T) {
	s := &Supervisor{Settings: settings.NewPublisher(settings.Default())}
	err := s.Do(context.Background(), "Make Coffee")
	assert.ErrorIs(t, err, ErrUnknownAction)
	assert.True(t, Valid(CollectDataset))
	assert.True(t, Valid(Idle))

	name, test := checkName(TimingCheckTest)
	assert.Equal(t, TimingCheck, name)
	assert.True(t, test)
	name, test = checkName(SamplePhoto)
	assert.Equal(t, SamplePhoto, name)
	assert.False(t, test)
}

func TestActionErrorReturnsToIdle(t *testing.T) {
	s := &Supervisor{Settings: settings.NewPublisher(settings.Default())}
	require.NoError(t, s.Do(context.Background(), PumpSample))
	s.Wait()
	st := s.Status()
	assert.Equal(t, Idle, st.Action)
	assert.Contains(t, st.Error, "Pump")
	assert.NotEmpty(t, st.Run)
}

func TestCentroid(t *testing.T) {
	xs := []float64{-1, 0, 1}
	assert.InDelta(t, 0, centroid(xs, []float64{1, 3, 1}, 7), 1e-12)
	assert.InDelta(t, 7, centroid(xs, []float64{2, 2, 2}, 7), 1e-12)
	assert.Equal(t, []float64{3}, scanPositions(3, 0, 11))
	assert.Equal(t, []float64{-1, 0, 1}, scanPositions(0, 2, 3))
}
