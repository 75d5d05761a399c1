package param

import (
	"errors"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAngleSinglePass(t *testing.T) {
	assert.Equal(t, []float64{0, 5, 10}, AngleChoices(SinglePass, 0, 10, 5, nil, 0))
}

func TestAngleTwoInterlacedPasses(t *testing.T) {
	assert.Equal(t, []float64{0, 10, 20, 5, 15}, AngleChoices(TwoInterlaced, 0, 20, 5, nil, 0))
}

func TestAngleUserDefined(t *testing.T) {
	got := AngleChoices(UserDefined, 0, 0, 0, []float64{30, -30}, 0)
	assert.Equal(t, []float64{30, -30}, got)
}

func gapRatio(vals []float64) float64 {
	v := append([]float64(nil), vals...)
	sort.Float64s(v)
	lo, hi := math.Inf(1), 0.
	for i := 1; i < len(v); i++ {
		g := v[i] - v[i-1]
		lo = math.Min(lo, g)
		hi = math.Max(hi, g)
	}
	return hi / lo
}

func TestAngleFillingGapsStaysBalanced(t *testing.T) {
	all := AngleChoices(FillingGaps, 0, 360, 1, nil, 500)
	assert.Equal(t, 0., all[0])
	phi2 := 1/GoldenRatio + 1
	for k := 3; k <= len(all); k++ {
		r := gapRatio(all[:k])
		assert.LessOrEqual(t, r, phi2+1e-6, "k=%d", k)
	}
	for _, k := range []int{3, 5, 8, 13, 21, 34, 55, 89, 144, 233, 377} {
		assert.InDelta(t, 1/GoldenRatio, gapRatio(all[:k]), 1e-6, "k=%d", k)
	}
}

func TestChopperModeOfTimepoint(t *testing.T) {
	c := ChopperConfig{
		Pulses: []int{1, 3, 11},
		MinDt:  []float64{0, 100e-9, 150e-6},
		Usable: []bool{true, true, true},
	}
	assert.Equal(t, 0, c.ModeOfTimepoint(50e-9))
	assert.Equal(t, 1, c.ModeOfTimepoint(1e-6))
	assert.Equal(t, 2, c.ModeOfTimepoint(1e-3))

	c.Usable[2] = false
	assert.Equal(t, 1, c.ModeOfTimepoint(1e-3))

	// ties go to the lowest index
	c.Pulses = []int{1, 3, 3}
	c.Usable[2] = true
	assert.Equal(t, 1, c.ModeOfTimepoint(1e-3))

	// nothing qualifies: first usable row
	c.Usable[0] = false
	assert.Equal(t, 1, c.ModeOfTimepoint(-1))
}

func TestChopperSettlingTime(t *testing.T) {
	c := DefaultChopper()
	assert.Zero(t, c.SettlingTime(1, 1))
	assert.GreaterOrEqual(t, c.SettlingTime(0, 1).Seconds(), c.PhaseSettle)
}

func TestTimeString(t *testing.T) {
	cases := map[float64]string{
		1e-9:     "1ns",
		1e-6:     "1us",
		100e-12:  "100ps",
		1.5e-9:   "1.5ns",
		-10e-9:   "-10ns",
		1.234e-3: "1.23ms",
		999.9e-9: "1us",
		0:        "0",
	}
	for in, want := range cases {
		assert.Equal(t, want, TimeString(in), "%g", in)
	}
	assert.Equal(t, "off", TimeString(math.NaN()))

	v, err := ParseTimeString("100ps")
	require.NoError(t, err)
	assert.InDelta(t, 100e-12, v, 1e-24)
	v, err = ParseTimeString("off")
	require.NoError(t, err)
	assert.True(t, math.IsNaN(v))
}

func s1Model(t *testing.T) *Model {
	t.Helper()
	c := DefaultConfig()
	c.Delays = []float64{1e-9, 1e-6, math.NaN()}
	c.LaserOn = []bool{true, false}
	m, err := New(c, DefaultChopper())
	require.NoError(t, err)
	return m
}

func TestModelChoices(t *testing.T) {
	m := s1Model(t)
	assert.Equal(t, 3, m.NChoices(Angle))
	assert.Equal(t, 2, m.NChoices(LaserOn))
	assert.Equal(t, 5., m.Choice(Angle, 1))
	assert.Equal(t, 5., m.Choice(Angle, 4), "choices are cycled")
	assert.True(t, math.IsNaN(m.Choice(Delay, 2)))
	assert.Equal(t, []string{LaserOn, Delay, Angle}, m.Collected())
	assert.True(t, m.IncludeInFilename(Angle))
	assert.False(t, m.IncludeInFilename(Temperature))
	assert.True(t, m.Wait(Angle))
	assert.False(t, m.Wait(Delay))
	assert.True(t, m.HardwareTriggered(Delay))
	assert.False(t, m.HardwareTriggered(Angle))
}

func TestModelFormatting(t *testing.T) {
	m := s1Model(t)
	assert.Equal(t, "5.000deg", m.FormattedValue(Angle, 5))
	assert.Equal(t, "on", m.FormattedValue(LaserOn, 1))
	assert.Equal(t, "off", m.FormattedValue(LaserOn, 0))
	assert.Equal(t, "xoff", m.FormattedValue(XrayOn, 0))
	assert.Equal(t, "22.5C", m.FormattedValue(Temperature, 22.5))
	assert.Equal(t, "mode2", m.FormattedValue(ChopperMode, 2))
	assert.Equal(t, "deg", m.Unit(Angle))
	assert.Equal(t, "", m.Unit(LaserOn))
}

func TestFormattedChoiceDuplicates(t *testing.T) {
	c := DefaultConfig()
	c.Delays = []float64{1e-9, 100e-12, 1e-9}
	m, err := New(c, DefaultChopper())
	require.NoError(t, err)
	assert.Equal(t, "1ns-1", m.FormattedChoice(Delay, 0))
	assert.Equal(t, "100ps", m.FormattedChoice(Delay, 1))
	assert.Equal(t, "1ns-2", m.FormattedChoice(Delay, 2))
}

func TestLinearStageDiscretizesDelay(t *testing.T) {
	m := s1Model(t)
	m.LinearStage = true
	m.Discretize = func(x float64) float64 { return math.Round(x/1e-6) * 1e-6 }
	assert.Equal(t, 0., m.Choice(Delay, 0))
	assert.Equal(t, 1e-6, m.Choice(Delay, 1))
}

type fakeDevice struct {
	v        float64
	changing bool
}

func (f *fakeDevice) Value() (float64, error)  { return f.v, nil }
func (f *fakeDevice) SetValue(v float64) error { f.v = v; return nil }
func (f *fakeDevice) Changing() (bool, error)  { return f.changing, nil }

func TestModelDevices(t *testing.T) {
	m := s1Model(t)
	_, err := m.Value(Temperature)
	assert.True(t, errors.Is(err, ErrUnbound))

	d := &fakeDevice{}
	require.NoError(t, m.Bind(Temperature, d))
	require.NoError(t, m.SetValue(Temperature, 4))
	v, err := m.Value(Temperature)
	require.NoError(t, err)
	assert.Equal(t, 4., v)
	d.changing = true
	ch, err := m.Changing(Temperature)
	require.NoError(t, err)
	assert.True(t, ch)

	assert.ErrorIs(t, m.Bind("spin", d), ErrUnknownVariable)
}

func TestModelReturnValues(t *testing.T) {
	c := DefaultConfig()
	c.Return = []string{Temperature}
	c.ReturnValues = []float64{22}
	m, err := New(c, DefaultChopper())
	require.NoError(t, err)
	v, ok := m.ReturnValue(Temperature)
	assert.True(t, ok)
	assert.Equal(t, 22., v)
	_, ok = m.ReturnValue(Angle)
	assert.False(t, ok)

	c.Order = [][]string{{"spin"}}
	_, err = New(c, DefaultChopper())
	assert.ErrorIs(t, err, ErrUnknownVariable)
}
