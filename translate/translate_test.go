package translate

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/biocars/lauecollect/motion"
)

func TestInterleavedSequence(t *testing.T) {
	assert.Equal(t, []int{0, 3, 6, 1, 4, 7, 2, 5}, InterleavedSequence(3, 8))
	assert.Equal(t, []int{0, 1, 2}, InterleavedSequence(1, 3))
	assert.Nil(t, InterleavedSequence(3, 0))
}

func TestInterleavedSequenceIsPermutation(t *testing.T) {
	for m := 1; m <= 7; m++ {
		for n := 1; n <= 40; n++ {
			seq := InterleavedSequence(m, n)
			sorted := append([]int(nil), seq...)
			sort.Ints(sorted)
			for k, v := range sorted {
				if v != k {
					t.Fatalf("m=%d n=%d: %v is not a permutation", m, n, seq)
				}
			}
		}
	}
}

func TestUnknownMode(t *testing.T) {
	c := DefaultConfig()
	c.Mode = "sideways"
	_, err := NewPlanner(c)
	assert.ErrorIs(t, err, ErrUnknownMode)

	c.Mode = Grid
	_, err = NewPlanner(c)
	assert.ErrorIs(t, err, ErrNoPoints)
}

func TestOff(t *testing.T) {
	c := DefaultConfig()
	c.Start = [3]float64{1, 2, 3}
	p, err := NewPlanner(c)
	require.NoError(t, err)
	assert.False(t, p.Enabled())
	assert.Equal(t, r3.Vec{X: 1, Y: 2, Z: 3}, p.Position(7))
	st := motion.NewMockStage()
	require.NoError(t, p.Arm(st, [3]string{"x", "y", "z"}, []int{1, 2}, 1, 0.5))
	armed, _ := st.Armed("x")
	assert.False(t, armed)
}

func TestDuringImage(t *testing.T) {
	c := DefaultConfig()
	c.Mode = DuringImage
	c.End = [3]float64{0.7, 0, 0}
	c.NSpots = 8
	c.Passes = 3
	p, err := NewPlanner(c)
	require.NoError(t, err)
	spots := p.Spots(1)
	require.Len(t, spots, 8)
	want := []float64{0, 0.3, 0.6, 0.1, 0.4, 0.7, 0.2, 0.5}
	for j, s := range spots {
		assert.InDelta(t, want[j], s.X, 1e-12)
	}
	tr := p.Trajectories([]int{1, 2}, 1, 0.5)
	assert.Equal(t, 16, tr[0].Len())
	assert.NoError(t, tr[0].Validate())
}

func TestAfterImageReturnsToStart(t *testing.T) {
	c := DefaultConfig()
	c.Mode = AfterImage
	c.End = [3]float64{0, 0.3, 0}
	c.NSpots = 2
	c.ReturnAfterSeries = 2
	p, err := NewPlanner(c)
	require.NoError(t, err)
	var ys []float64
	for _, pos := range p.Positions([]int{1, 2, 3, 4, 5}) {
		ys = append(ys, pos.Y)
	}
	assert.InDeltaSlice(t, []float64{0, 0.1, 0.2, 0.3, 0}, ys, 1e-12)
}

func TestGrid(t *testing.T) {
	c := DefaultConfig()
	c.Mode = Grid
	c.AfterImages = 2
	c.Points = [][3]float64{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}}
	p, err := NewPlanner(c)
	require.NoError(t, err)
	var xs []float64
	for i := 1; i <= 8; i++ {
		xs = append(xs, p.Position(i).X)
	}
	assert.Equal(t, []float64{0, 0, 1, 1, 2, 2, 0, 0}, xs)
}

func TestContinuous(t *testing.T) {
	c := DefaultConfig()
	c.Mode = Continuous
	c.Velocity = 0.2
	c.Direction = [3]float64{0, 0, 2}
	c.Points = [][3]float64{{1, 1, 1}}
	p, err := NewPlanner(c)
	require.NoError(t, err)
	s, e := p.Endpoints(1, 1)
	assert.InDelta(t, 0.9, s.Z, 1e-12)
	assert.InDelta(t, 1.1, e.Z, 1e-12)

	st := motion.NewMockStage()
	require.NoError(t, p.Arm(st, [3]string{"", "", "z"}, []int{1, 2}, 2, 1))
	tr, ok := st.Trajectory("z")
	require.True(t, ok)
	assert.Equal(t, []float64{0, 1, 2, 3}, tr.T)
	assert.InDelta(t, 0.2, tr.V[0], 1e-12)
	_, ok = st.Trajectory("x")
	assert.False(t, ok)
}

func TestLinearStagePVT(t *testing.T) {
	pvt := LinearStagePVT([]float64{100e-12, 200e-12}, 0.5, 10e-12)
	assert.Equal(t, []float64{0, 0.5}, pvt.T)
	assert.InDeltaSlice(t, []float64{10, 20}, pvt.P, 1e-9)
}
