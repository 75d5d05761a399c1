package logfile

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/biocars/lauecollect/diagnostics"
)

func newWriter(t *testing.T) *Writer {
	return &Writer{
		Path:      filepath.Join(t.TempDir(), "lyso.log"),
		Comments:  []string{"lauecollect", "sample: lysozyme"},
		Variables: []Variable{{"angle", "deg"}, {"laser_on", ""}},
		PVs:       []string{"temperature"},
	}
}

func row(file string, angle string) Row {
	return Row{
		Time:      time.Date(2024, 3, 1, 12, 0, 0, 123e6, time.UTC),
		File:      file,
		Delay:     "1ns",
		NomDelay:  1e-9,
		ActDelay:  diagnostics.Stats{Average: 1.01e-9, SDev: 2e-12, Count: 10},
		XRay:      diagnostics.Stats{Average: math.NaN(), SDev: math.NaN()},
		Variables: map[string]string{"angle": angle, "laser_on": "on"},
		PVs:       map[string]diagnostics.Stats{"temperature": {Average: 22.5, SDev: 0.1, Count: 50}},
		Comment:   "first\tpass",
	}
}

func TestColumns(t *testing.T) {
	w := newWriter(t)
	cols := w.Columns()
	assert.Equal(t, "date_time", cols[0])
	assert.Equal(t, "num(laser)", cols[len(Fixed)-1])
	assert.Equal(t, []string{"angle[deg]", "laser_on", "temperature", "sdev(temperature)", "num(temperature)", "comment"}, cols[len(Fixed):])
}

func TestWriteHeaderAndRows(t *testing.T) {
	w := newWriter(t)
	require.NoError(t, w.Write([]Row{row("lyso_1.mccd", "0.000deg"), row("lyso_2.mccd", "5.000deg")}))

	b, err := os.ReadFile(w.Path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(b), "\n"), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "# lauecollect", lines[0])
	assert.Equal(t, "#"+strings.Join(w.Columns(), "\t"), lines[2])
	assert.True(t, strings.HasPrefix(lines[3], "2024-03-01 12:00:00.123\tlyso_1.mccd\t1ns\t"))
	assert.Len(t, strings.Split(lines[3], "\t"), len(w.Columns()))

	recs, err := w.Records()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "5.000deg", recs[1]["angle[deg]"])
	assert.Equal(t, "1.01e-09", recs[0]["act.delay[s]"])
	assert.Equal(t, "nan", recs[0]["x-ray[Vs]"])
	assert.Equal(t, "50", recs[0]["num(temperature)"])
	assert.Equal(t, "first pass", recs[0]["comment"])
}

func TestRewriteReplacesRowsOfReacquiredFiles(t *testing.T) {
	w := newWriter(t)
	require.NoError(t, w.Write([]Row{row("a.mccd", "0"), row("b.mccd", "1")}))
	require.NoError(t, w.Write([]Row{row("b.mccd", "2"), row("c.mccd", "3")}))

	files, err := w.Files()
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a.mccd": 1, "b.mccd": 1, "c.mccd": 1}, files)

	recs, _ := w.Records()
	require.Len(t, recs, 3)
	assert.Equal(t, "2", recs[1]["angle[deg]"])

	b, _ := os.ReadFile(w.Path)
	assert.Equal(t, 1, strings.Count(string(b), "#date_time"))
}

func TestReadMissingAndHeaderless(t *testing.T) {
	recs, err := Read(filepath.Join(t.TempDir(), "none.log"))
	assert.NoError(t, err)
	assert.Nil(t, recs)

	path := filepath.Join(t.TempDir(), "bad.log")
	require.NoError(t, os.WriteFile(path, []byte("1\t2\n"), 0644))
	_, err = Read(path)
	assert.ErrorIs(t, err, ErrNoHeader)
}
