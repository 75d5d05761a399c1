package detector

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type counter struct{ n atomic.Int64 }

func (c *counter) ReportedValue(name string) (int64, error) { return c.n.Load(), nil }

type alerts struct {
	mu   sync.Mutex
	msgs []string
}

func (a *alerts) Alert(msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.msgs = append(a.msgs, msg)
}

func TestMockSavesOnTriggers(t *testing.T) {
	dir := t.TempDir()
	ctr := &counter{}
	ctr.n.Store(5)
	m := NewMock(ctr, nil)
	m.Header = func(file string) []fitsio.Card {
		return []fitsio.Card{{Name: "ANGLE", Value: 5.0}}
	}
	files := []string{filepath.Join(dir, "a.mccd"), filepath.Join(dir, "b.mccd")}
	require.NoError(t, m.Arm(files, 5))

	require.NoError(t, m.Poll())
	n, _ := m.Saved()
	assert.Equal(t, 0, n)

	ctr.n.Store(6)
	require.NoError(t, m.Poll())
	n, _ = m.Saved()
	assert.Equal(t, 1, n)

	ctr.n.Store(10)
	require.NoError(t, m.Poll())
	n, _ = m.Saved()
	assert.Equal(t, 2, n)

	f, err := os.Open(files[1])
	require.NoError(t, err)
	defer f.Close()
	fits, err := fitsio.Open(f)
	require.NoError(t, err)
	defer fits.Close()
	hdr := fits.HDU(0).Header()
	assert.Equal(t, "b.mccd", hdr.Get("FILENAME").Value)
	assert.Equal(t, []int{64, 64}, hdr.Axes())
	assert.NotNil(t, hdr.Get("ANGLE"))
}

func TestMockSaveFailureAlerts(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))
	ctr := &counter{}
	a := &alerts{}
	m := NewMock(ctr, a)
	require.NoError(t, m.Arm([]string{filepath.Join(blocker, "x", "a.mccd")}, 0))
	ctr.n.Store(1)
	assert.ErrorIs(t, m.Poll(), ErrSaveFailed)
	_, err := m.Saved()
	assert.ErrorIs(t, err, ErrSaveFailed)
	assert.Len(t, a.msgs, 1)

	// the failure sticks until the next Arm
	assert.ErrorIs(t, m.Poll(), ErrSaveFailed)
	assert.Len(t, a.msgs, 1)
}

func TestFrameIsDeterministic(t *testing.T) {
	a := Frame("lyso_1.mccd", 32, 16)
	assert.Len(t, a, 32*16)
	assert.Equal(t, a, Frame("lyso_1.mccd", 32, 16))
	assert.NotEqual(t, a, Frame("lyso_2.mccd", 32, 16))
}
