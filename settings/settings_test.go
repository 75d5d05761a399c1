package settings

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biocars/lauecollect/param"
	"github.com/biocars/lauecollect/translate"
)

func TestParseLiteral(t *testing.T) {
	cases := map[string]interface{}{
		"5":                  int64(5),
		"-2.5e-9":            -2.5e-9,
		"True":               true,
		"False":              false,
		"None":               nil,
		"inf":                math.Inf(1),
		"'lyso'":             "lyso",
		`"it's"`:             "it's",
		`'a\'b'`:             "a'b",
		"[1, 2.5, 'x']":      []interface{}{int64(1), 2.5, "x"},
		"(1, 2)":             []interface{}{int64(1), int64(2)},
		"[['a', 'b'], ['c']]": []interface{}{[]interface{}{"a", "b"}, []interface{}{"c"}},
		"[]":                 []interface{}{},
		"  [ 1 ,2 ]  ":       []interface{}{int64(1), int64(2)},
	}
	for in, want := range cases {
		got, err := ParseLiteral(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	nan, err := ParseLiteral("nan")
	require.NoError(t, err)
	assert.True(t, math.IsNaN(nan.(float64)))

	for _, bad := range []string{"", "[1, 2", "'open", "os.system('x')", "1 2", "[1 2]"} {
		_, err := ParseLiteral(bad)
		assert.ErrorIs(t, err, ErrSyntax, bad)
	}
}

func TestFormatLiteral(t *testing.T) {
	cases := []struct {
		in   interface{}
		want string
	}{
		{true, "True"},
		{3, "3"},
		{2.0, "2.0"},
		{1e-9, "1e-09"},
		{math.NaN(), "nan"},
		{"it's", `'it\'s'`},
		{[]float64{1, math.Inf(-1)}, "[1.0, -inf]"},
		{[][]string{{"a"}, {}}, "[['a'], []]"},
		{[3]float64{0, 0.5, 1}, "[0.0, 0.5, 1.0]"},
		{nil, "None"},
	}
	for _, c := range cases {
		got, err := FormatLiteral(c.in)
		require.NoError(t, err)
		assert.Equal(t, c.want, got)
	}
	_, err := FormatLiteral(map[string]int{})
	assert.ErrorIs(t, err, ErrSyntax)
}

func TestParserSkipsBadLines(t *testing.T) {
	in := strings.Join([]string{
		"# comment",
		"param.delays = [1e-9, nan]",
		"options.basename = 'lyso'",
		"options.comment = 'unterminated",
		"not an assignment",
		"bad key! = 1",
		"options.extension = None",
	}, "\n")
	m, err := Parser().Unmarshal([]byte(in))
	require.NoError(t, err)
	assert.Equal(t, "lyso", m["options"].(map[string]interface{})["basename"])
	assert.NotContains(t, m["options"], "comment")
	assert.NotContains(t, m["options"], "extension")
	assert.Len(t, m["param"].(map[string]interface{})["delays"], 2)
}

func TestLoadOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), Filename)
	body := strings.Join([]string{
		"param.delays = [1e-09, 1e-06, nan]",
		"param.laser_on = [True, False]",
		"param.collection_order = [['laser_on', 'delay'], ['angle']]",
		"options.basename = 'lyso'",
		"options.max_images_per_pass = 40",
		"translate.mode = 'grid'",
		"translate.start = [0, 0.1, 0.2]",
		"chopper.pulses = [1, 3]",
		"garbage line",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "lyso", c.Options.Basename)
	assert.Equal(t, "mccd", c.Options.Extension, "defaults survive")
	assert.Equal(t, 40, c.Options.MaxImagesPerPass)
	require.Len(t, c.Param.Delays, 3)
	assert.True(t, math.IsNaN(c.Param.Delays[2]))
	assert.Equal(t, []bool{true, false}, c.Param.LaserOn)
	assert.Equal(t, [][]string{{param.LaserOn, param.Delay}, {param.Angle}}, c.Param.Order)
	assert.Equal(t, translate.Grid, c.Translate.Mode)
	assert.Equal(t, [3]float64{0, 0.1, 0.2}, c.Translate.Start)
	assert.Equal(t, []int{1, 3}, c.Chopper.Pulses)
}

func TestLoadMissingFileAndEnv(t *testing.T) {
	t.Setenv("LAUECOLLECT_OPTIONS__BASENAME", "fromenv")
	t.Setenv("LAUECOLLECT_SERVER__ADDR", ":9000")
	t.Setenv(DirEnv, "/somewhere")
	c, err := Load(filepath.Join(t.TempDir(), "none.py"))
	require.NoError(t, err)
	assert.Equal(t, "fromenv", c.Options.Basename)
	assert.Equal(t, ":9000", c.Server.Addr)
	assert.Equal(t, "/somewhere", Dir())
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), Filename)
	c := Default()
	c.Param.Delays = []float64{1e-9, math.NaN()}
	c.Options.Comment = "first\tpass 'quoted'"
	c.Translate.Points = [][3]float64{{1, 2, 3}}
	require.NoError(t, Save(path, c))

	back, err := Load(path)
	require.NoError(t, err)
	want, err := Marshal(c)
	require.NoError(t, err)
	got, err := Marshal(back)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
	assert.Equal(t, c.Options.Comment, back.Options.Comment)
}

func TestSetAndGet(t *testing.T) {
	c := Default()
	c2, err := Set(c, "options.basename", "'lyso'")
	require.NoError(t, err)
	assert.Equal(t, "lyso", c2.Options.Basename)
	assert.Equal(t, "test", c.Options.Basename)

	c2, err = Set(c2, "param.delays", "[1e-9, 1e-6]")
	require.NoError(t, err)
	assert.Equal(t, []float64{1e-9, 1e-6}, c2.Param.Delays)

	_, err = Set(c, "options.nope", "1")
	assert.ErrorIs(t, err, ErrUnknownKey)
	_, err = Set(c, "options.basename", "lyso")
	assert.ErrorIs(t, err, ErrSyntax)

	s, err := Get(c2, "param.delays")
	require.NoError(t, err)
	assert.Equal(t, "[1e-09, 1e-06]", s)
	assert.Contains(t, Keys(c2), "server.addr")
}

func TestHardwareAxis(t *testing.T) {
	h := Default().Hardware
	assert.Equal(t, "phi", h.Axis(param.Angle))
	assert.Equal(t, "LaserX", h.Axis("LaserX"))
}

func TestPublisher(t *testing.T) {
	path := filepath.Join(t.TempDir(), Filename)
	p := NewPublisher(Default())
	p.Path = path
	ch, cancel := p.Subscribe()
	defer cancel()

	require.NoError(t, p.Update(func(c *Configuration) { c.Options.Basename = "a" }))
	require.NoError(t, p.Set("options.basename", "'b'"))
	got := <-ch
	assert.Equal(t, "b", got.Options.Basename, "only the latest value is kept")
	assert.Equal(t, "b", p.Get().Options.Basename)

	saved, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "b", saved.Options.Basename)

	assert.ErrorIs(t, p.Set("nope.nope", "1"), ErrUnknownKey)
}
