package autorecovery

import (
	"errors"
	"math"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type motor struct{ v float64 }

func (m *motor) Value() (float64, error) { return m.v, nil }
func (m *motor) SetValue(v float64) error {
	m.v = v
	return nil
}

type broken struct{}

func (broken) Value() (float64, error) { return 0, errors.New("offline") }
func (broken) SetValue(float64) error  { return errors.New("offline") }

func newStore(t *testing.T) (*Store, map[string]Motor) {
	motors := map[string]Motor{"GonX": &motor{1.5}, "GonY": &motor{-2}, "Shutter": broken{}}
	s := New(t.TempDir(), func(name string) (Motor, bool) {
		m, ok := motors[name]
		return m, ok
	})
	return s, motors
}

func TestSaveLoadDelete(t *testing.T) {
	s, _ := newStore(t)
	_, ok, err := s.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save("X-Ray Beam Check", []string{"GonX", "GonY"}))
	b, err := os.ReadFile(s.Path)
	require.NoError(t, err)
	assert.Equal(t, "operation = 'X-Ray Beam Check'\nGonX = 1.5\nGonY = -2.0\n", string(b))

	rec, ok, err := s.Load()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, Record{
		Operation: "X-Ray Beam Check",
		Positions: []Position{{"GonX", 1.5}, {"GonY", -2}},
	}, rec)

	require.NoError(t, s.Delete())
	require.NoError(t, s.Delete())
	_, ok, _ = s.Load()
	assert.False(t, ok)
}

func TestSaveErrors(t *testing.T) {
	s, _ := newStore(t)
	assert.ErrorIs(t, s.Save("op", []string{"GonZ"}), ErrNoMotor)
	assert.Error(t, s.Save("op", []string{"Shutter"}))
}

func TestEntriesAndRestore(t *testing.T) {
	s, motors := newStore(t)
	require.NoError(t, s.Save("Sample Photo", []string{"GonX", "GonY"}))
	motors["GonX"].SetValue(10)
	motors["GonY"].SetValue(20)

	rec, _, err := s.Load()
	require.NoError(t, err)
	rec.Positions = append(rec.Positions, Position{"Shutter", 1})
	e := s.Entries(rec)
	require.Len(t, e, 3)
	assert.Equal(t, Entry{Name: "GonX", Current: 10, Stored: 1.5}, e[0])
	assert.True(t, math.IsNaN(e[2].Current))

	require.NoError(t, s.Restore(rec, "GonX"))
	x, _ := motors["GonX"].Value()
	y, _ := motors["GonY"].Value()
	assert.Equal(t, 1.5, x)
	assert.Equal(t, 20.0, y)

	assert.Error(t, s.Restore(rec), "the broken motor fails a full restore")
	y, _ = motors["GonY"].Value()
	assert.Equal(t, -2.0, y)
}

func TestGuard(t *testing.T) {
	s, _ := newStore(t)
	failed := errors.New("beam lost")
	err := s.Guard("Laser Beam Check", []string{"GonX"}, func() error {
		_, ok, _ := s.Load()
		assert.True(t, ok, "file exists while the operation runs")
		return failed
	})
	assert.ErrorIs(t, err, failed)
	_, ok, _ := s.Load()
	assert.True(t, ok, "file kept after a failure")

	require.NoError(t, s.Guard("Laser Beam Check", []string{"GonX"}, func() error { return nil }))
	_, ok, _ = s.Load()
	assert.False(t, ok)
}
