package sequencer

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/biocars/lauecollect/fileserver"
	"github.com/biocars/lauecollect/timing"
	"github.com/biocars/lauecollect/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dirFS is a FileSystem over a local directory
type dirFS struct {
	root string
	puts []string
	onPut func(path string)
}

func (d *dirFS) local(p string) string { return filepath.Join(d.root, filepath.Clean("/"+p)) }

func (d *dirFS) Put(p string, b []byte) error {
	d.puts = append(d.puts, p)
	if d.onPut != nil {
		d.onPut(p)
	}
	return util.WriteFileAtomic(d.local(p), b)
}
func (d *dirFS) Get(p string) ([]byte, error) { return os.ReadFile(d.local(p)) }
func (d *dirFS) Del(p string) error {
	err := os.Remove(d.local(p))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
func (d *dirFS) Exists(p string) (bool, error) {
	_, err := os.Stat(d.local(p))
	return err == nil, nil
}
func (d *dirFS) Dir(p string) ([]string, error) {
	es, err := os.ReadDir(d.local(p))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range es {
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out, nil
}

func descriptors(n int, inc int) []string {
	out := make([]string, n)
	for i := range out {
		p := timing.Parameters{
			Delay: float64(i+1) * 1e-9, LaserOn: true, XrayOn: true,
			ImageNumberInc: inc, Acquiring: inc > 0, N: 1, Period: 12,
		}
		out[i] = p.Descriptor()
	}
	return out
}

func idleDescriptor() []string {
	p := timing.Parameters{Delay: 0, N: 1, Period: 12}
	return []string{p.Descriptor()}
}

func newLocal(t *testing.T) (*Client, *Emulator, *dirFS) {
	t.Helper()
	root := t.TempDir()
	fsys := &dirFS{root: root}
	c := NewClient(fsys, timing.NewComposer(nil), t.TempDir())
	t.Cleanup(c.Close)
	c.IdleSequences = idleDescriptor()
	em := NewEmulator(filepath.Join(root, DefaultDir))
	return c, em, fsys
}

func TestFormatCount(t *testing.T) {
	b := FormatCount(42)
	assert.Len(t, b, 21)
	assert.Equal(t, "42                  \n", string(b))
	n, err := ParseCount(b)
	require.NoError(t, err)
	assert.EqualValues(t, 42, n)
}

func TestIsPacketName(t *testing.T) {
	assert.True(t, IsPacketName("d41d8cd98f00b204e9800998ecf8427e"))
	assert.False(t, IsPacketName("queue1_sequence_count"))
	assert.False(t, IsPacketName("D41D8CD98F00B204E9800998ECF8427E"))
}

func TestCacheFilename(t *testing.T) {
	c := Cache{Dir: t.TempDir()}
	assert.Equal(t, "delay=1e-09", c.Filename("delay=1e-09"))
	long := strings.Repeat("x", 300)
	sum := md5.Sum([]byte(long))
	assert.Equal(t, hex.EncodeToString(sum[:]), c.Filename(long))

	require.NoError(t, c.Put(long, []byte("data")))
	b, ok := c.Get(long)
	assert.True(t, ok)
	assert.Equal(t, []byte("data"), b)
	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestPacketRoundTripThroughFileServer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &fileserver.Server{Root: t.TempDir()}
	go srv.Serve(ln)
	defer srv.Close()
	fsc := fileserver.NewClient(ln.Addr().String())

	composer := timing.NewComposer(nil)
	c := NewClient(fsc, composer, t.TempDir())
	defer c.Close()

	desc := "delay=1e-9,laser_on=True,xray_on=True,pulses=1,n=4,period=12"
	p, err := composer.CompileDescriptor(desc)
	require.NoError(t, err)
	sum := md5.Sum([]byte(desc))
	assert.Equal(t, hex.EncodeToString(sum[:]), p.ID)

	require.NoError(t, c.Install(context.Background(), []string{desc}, IdleQueue1, "", ""))
	got, err := fsc.Get(DefaultDir + "/" + p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Data, got)

	ids, err := c.QueueIDs(IdleQueue1)
	require.NoError(t, err)
	assert.Equal(t, []string{p.ID}, ids)
	ct, err := c.QueueCounters(IdleQueue1)
	require.NoError(t, err)
	assert.Equal(t, Counters{Sequence: 0, Repeat: 0, MaxRepeat: 1}, ct)
}

func TestUploadOnlyMissingPackets(t *testing.T) {
	c, _, fsys := newLocal(t)
	seqs := descriptors(3, 1)
	require.NoError(t, c.Install(context.Background(), seqs, AcquisitionQueue, "", ""))
	fsys.puts = nil
	require.NoError(t, c.Install(context.Background(), append(seqs, seqs[0]), AcquisitionQueue, "", ""))
	for _, p := range fsys.puts {
		assert.False(t, IsPacketName(filepath.Base(p)), "re-uploaded %s", p)
	}
}

func TestGarbageCollection(t *testing.T) {
	c, _, fsys := newLocal(t)
	ctx := context.Background()
	first := descriptors(2, 1)
	require.NoError(t, c.Install(ctx, first, AcquisitionQueue, "", ""))
	require.NoError(t, c.Install(ctx, c.IdleSequences, IdleQueue1, IdleQueue1, ""))
	require.NoError(t, c.Install(ctx, descriptors(1, 2), AcquisitionQueue, "", ""))

	names, err := fsys.Dir(DefaultDir)
	require.NoError(t, err)
	var packets []string
	for _, n := range names {
		if IsPacketName(n) {
			packets = append(packets, n)
		}
	}
	assert.Len(t, packets, 2)
	for _, d := range first {
		ok, _ := fsys.Exists(DefaultDir + "/" + packetID(d))
		assert.False(t, ok)
	}
}

func TestCancelStopsAtPacketBoundary(t *testing.T) {
	c, _, fsys := newLocal(t)
	uploads := 0
	fsys.onPut = func(p string) {
		if IsPacketName(filepath.Base(p)) {
			uploads++
			c.Cancel()
		}
	}
	err := c.Install(context.Background(), descriptors(5, 1), AcquisitionQueue, "", "")
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, 1, uploads)

	fsys.onPut = nil
	assert.NoError(t, c.Install(context.Background(), descriptors(5, 1), AcquisitionQueue, "", ""))
}

func TestCancelDoesNotOutliveQueuedRequest(t *testing.T) {
	c, _, fsys := newLocal(t)
	var next <-chan error
	fsys.onPut = func(p string) {
		if next == nil && IsPacketName(filepath.Base(p)) {
			c.Cancel()
			next = c.SetQueueSequences(descriptors(2, 2), AcquisitionQueue, "", "")
		}
	}
	err := c.Install(context.Background(), descriptors(5, 1), AcquisitionQueue, "", "")
	assert.ErrorIs(t, err, ErrCancelled)
	require.NotNil(t, next)
	select {
	case err := <-next:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("queued request not processed")
	}
}

func TestRequestsAfterCloseFail(t *testing.T) {
	c, _, _ := newLocal(t)
	c.Close()
	for i := 0; i < 50; i++ {
		select {
		case err := <-c.SetQueueSequences(descriptors(1, 1), AcquisitionQueue, "", ""):
			assert.ErrorIs(t, err, ErrClosed)
		case <-time.After(time.Second):
			t.Fatalf("request %d after Close not answered", i)
		}
	}
	waited := make(chan struct{})
	go func() {
		c.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked after Close")
	}
	assert.False(t, c.Busy())
}

func TestQueueSwitch(t *testing.T) {
	c, em, _ := newLocal(t)
	ctx := context.Background()

	require.NoError(t, c.Install(ctx, c.IdleSequences, IdleQueue1, IdleQueue1, IdleQueue1))
	require.NoError(t, c.SetEnabled(true))
	require.NoError(t, em.Tick())
	cur, err := c.CurrentQueue()
	require.NoError(t, err)
	assert.Equal(t, IdleQueue1, cur)
	running, err := c.Running()
	require.NoError(t, err)
	assert.True(t, running)

	data := descriptors(4, 1)
	require.NoError(t, c.Install(ctx, data, AcquisitionQueue, "", AcquisitionQueue))

	var last int64 = -1
	switched := false
	for i := 0; i < 4; i++ {
		require.NoError(t, em.Tick())
		active, err := c.QueueActive()
		require.NoError(t, err)
		ct, err := c.QueueCounters(AcquisitionQueue)
		require.NoError(t, err)
		if i < 3 {
			require.True(t, active)
			switched = true
			assert.Greater(t, ct.Sequence, last, "sequence count must increase")
			assert.EqualValues(t, i+1, ct.Sequence)
			assert.EqualValues(t, 0, ct.Repeat)
			last = ct.Sequence
		} else {
			assert.EqualValues(t, 0, ct.Sequence)
			assert.EqualValues(t, 1, ct.Repeat)
		}
	}
	assert.True(t, switched)

	// the acquisition queue ran once, the FPGA is back on the default queue
	cur, err = c.CurrentQueue()
	require.NoError(t, err)
	assert.Equal(t, IdleQueue1, cur)

	n, err := c.ReportedValue(timing.ImageNumber)
	require.NoError(t, err)
	assert.EqualValues(t, 4, n)
}

func TestUpdateUsesIdleQueueNotExecuting(t *testing.T) {
	c, em, _ := newLocal(t)
	ctx := context.Background()
	require.NoError(t, c.Update(ctx))
	require.NoError(t, em.Tick())
	cur, err := c.CurrentQueue()
	require.NoError(t, err)
	assert.Equal(t, IdleQueue1, cur)

	require.NoError(t, c.Update(ctx))
	require.NoError(t, em.Tick())
	cur, err = c.CurrentQueue()
	require.NoError(t, err)
	assert.Equal(t, IdleQueue2, cur)
	def, err := c.DefaultQueue()
	require.NoError(t, err)
	assert.Equal(t, IdleQueue2, def)
}

func TestMissingPacketFallsBackToDefault(t *testing.T) {
	c, em, fsys := newLocal(t)
	ctx := context.Background()
	require.NoError(t, c.Update(ctx))
	require.NoError(t, em.Tick())

	data := descriptors(2, 1)
	require.NoError(t, c.Install(ctx, data, AcquisitionQueue, "", AcquisitionQueue))
	require.NoError(t, fsys.Del(DefaultDir+"/"+packetID(data[0])))

	ready, err := c.QueueReady(AcquisitionQueue)
	require.NoError(t, err)
	assert.False(t, ready)

	require.NoError(t, em.Tick())
	require.NoError(t, em.Tick())
	cur, err := c.CurrentQueue()
	require.NoError(t, err)
	assert.Equal(t, IdleQueue1, cur)
}

func TestStopAcquisition(t *testing.T) {
	c, em, _ := newLocal(t)
	ctx := context.Background()
	require.NoError(t, c.Update(ctx))
	require.NoError(t, c.Install(ctx, descriptors(3, 1), AcquisitionQueue, "", AcquisitionQueue))
	require.NoError(t, em.Tick())
	active, _ := c.QueueActive()
	require.True(t, active)

	require.NoError(t, c.StopAcquisition())
	require.NoError(t, em.Tick())
	cur, _ := c.CurrentQueue()
	assert.Equal(t, IdleQueue1, cur)
}

func TestEmulatorRunStopsWithContext(t *testing.T) {
	_, em, _ := newLocal(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, em.Run(ctx, 1000))
}

func packetID(desc string) string {
	sum := md5.Sum([]byte(desc))
	return hex.EncodeToString(sum[:])
}
