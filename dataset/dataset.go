// Package dataset maps image numbers to collection variable values and file
// names.  Image records are computed on demand from the image number, never
// stored as a list.
package dataset

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/biocars/lauecollect/param"
	"github.com/biocars/lauecollect/util"
)

// ErrCollision is returned by Validate when two images share a file name
var ErrCollision = errors.New("dataset: file name collision")

// Dataset is a collection plan: variables, their order and where the images go
type Dataset struct {
	Model     *param.Model
	Directory string
	Basename  string
	Extension string // with the leading dot

	// Exists reports whether an image file exists, os.Stat if nil
	Exists func(path string) bool
}

// Config is the dataset part of the options section
type Config struct {
	Directory string `koanf:"directory"`
	Basename  string `koanf:"basename"`
	Extension string `koanf:"extension"`
}

// New returns a dataset over m
func New(m *param.Model, c Config) *Dataset {
	ext := c.Extension
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return &Dataset{Model: m, Directory: c.Directory, Basename: c.Basename, Extension: ext}
}

// radix is the number of images per cycle of a group: the least common
// multiple of the choice counts of its variables
func (d *Dataset) radix(group []string) int {
	r := 1
	for _, name := range group {
		r = util.LCM(r, d.Model.NChoices(name))
	}
	return r
}

// NImages is the number of images in the dataset
func (d *Dataset) NImages() int {
	n := 1
	for _, g := range d.Model.Order() {
		n *= d.radix(g)
	}
	return n
}

// VariableIndices decomposes image number i (1-based) into a choice index
// per collected variable
func (d *Dataset) VariableIndices(i int) map[string]int {
	out := make(map[string]int)
	r := i - 1
	for _, g := range d.Model.Order() {
		rad := d.radix(g)
		gi := r % rad
		r /= rad
		for _, name := range g {
			out[name] = gi % d.Model.NChoices(name)
		}
	}
	return out
}

// Value returns the value of the named variable for image i.  Variables
// outside the collection order take their first choice.
func (d *Dataset) Value(name string, i int) float64 {
	idx := d.VariableIndices(i)
	return d.Model.Choice(name, idx[name])
}

// Values returns every variable's value for image i
func (d *Dataset) Values(i int) map[string]float64 {
	idx := d.VariableIndices(i)
	out := make(map[string]float64, len(param.Names))
	for _, name := range param.Names {
		out[name] = d.Model.Choice(name, idx[name])
	}
	return out
}

// ImageDir is where the images are saved
func (d *Dataset) ImageDir() string {
	return path.Join(d.Directory, "xray_images")
}

// Filename is the full path of image i.  The formatted value of every
// variable included in file names is appended, slowest changing first.
func (d *Dataset) Filename(i int) string {
	var b strings.Builder
	b.WriteString(path.Join(d.ImageDir(), d.Basename))
	idx := d.VariableIndices(i)
	collected := d.Model.Collected()
	for j := len(collected) - 1; j >= 0; j-- {
		name := collected[j]
		if !d.Model.IncludeInFilename(name) {
			continue
		}
		b.WriteByte('_')
		b.WriteString(d.Model.FormattedChoice(name, idx[name]))
	}
	b.WriteString(d.Extension)
	return b.String()
}

// File is the base name of image i, as written in the log
func (d *Dataset) File(i int) string {
	return path.Base(d.Filename(i))
}

func (d *Dataset) exists(p string) bool {
	if d.Exists != nil {
		return d.Exists(p)
	}
	_, err := os.Stat(filepath.FromSlash(p))
	return err == nil
}

// Collected reports whether image i has a file and a log row.  logged holds
// the file column of the log.
func (d *Dataset) Collected(i int, logged map[string]bool) bool {
	f := d.Filename(i)
	return d.exists(f) && logged[path.Base(f)]
}

// FirstImageNumber is the first image without a file or without a log row,
// NImages()+1 if every image has been collected
func (d *Dataset) FirstImageNumber(logged map[string]bool) int {
	n := d.NImages()
	for i := 1; i <= n; i++ {
		if !d.Collected(i, logged) {
			return i
		}
	}
	return n + 1
}

// Validate rejects plans in which two images share a file name
func (d *Dataset) Validate() error {
	seen := make(map[string]int)
	for i := 1; i <= d.NImages(); i++ {
		f := d.Filename(i)
		if j, ok := seen[f]; ok {
			return fmt.Errorf("%w: images %d and %d are both %s", ErrCollision, j, i, path.Base(f))
		}
		seen[f] = i
	}
	return nil
}

// Period is the number of images in one full cycle of the named variable.
// A variable outside the collection order never cycles, so its period is
// the whole dataset.
func (d *Dataset) Period(name string) int {
	p := 1
	for _, g := range d.Model.Order() {
		p *= d.radix(g)
		for _, n := range g {
			if n == name {
				return p
			}
		}
	}
	return d.NImages()
}

// NextBoundary returns the first image after i that starts a new period of
// the named variable
func (d *Dataset) NextBoundary(name string, i int) int {
	p := d.Period(name)
	return ((i-1)/p+1)*p + 1
}

// Record is the per-image view of the plan
type Record struct {
	Index       int
	Filename    string
	Angle       float64
	LaserOn     bool
	Delay       float64 // NaN when the laser is off
	Level       float64
	Temperature float64
	ChopperMode int
	XrayOn      bool
	Repeat      int
	Translation int
	Values      map[string]float64
}

func on(v float64) bool {
	return v != 0 && !math.IsNaN(v)
}

// timepoint is the pump-probe delay of image i, NaN when the laser is off
func (d *Dataset) timepoint(i int) float64 {
	if !on(d.laserValue(i)) {
		return math.NaN()
	}
	return d.Value(param.Delay, i)
}

func (d *Dataset) laserValue(i int) float64 {
	v := d.Value(param.LaserOn, i)
	if math.IsNaN(v) {
		// no laser_on choices: the laser follows the delay
		return 1
	}
	return v
}

// ChopperMode is the chopper mode of image i: the configured choice, or the
// mode selected from the delay.  A laser-off image uses the delay of the
// following image, so the chopper does not move for it.
func (d *Dataset) ChopperMode(i int) int {
	if v := d.Value(param.ChopperMode, i); !math.IsNaN(v) {
		return int(v)
	}
	t := d.timepoint(i)
	if math.IsNaN(t) && i < d.NImages() {
		t = d.timepoint(i + 1)
	}
	return d.Model.Chopper.ModeOfTimepoint(t)
}

// Record materialises image i
func (d *Dataset) Record(i int) Record {
	vals := d.Values(i)
	r := Record{
		Index:       i,
		Filename:    d.Filename(i),
		Angle:       vals[param.Angle],
		LaserOn:     on(d.laserValue(i)),
		Delay:       d.timepoint(i),
		Level:       vals[param.Level],
		Temperature: vals[param.Temperature],
		ChopperMode: d.ChopperMode(i),
		XrayOn:      math.IsNaN(vals[param.XrayOn]) || on(vals[param.XrayOn]),
		Repeat:      int(vals[param.Repeat]),
		Translation: int(vals[param.Translation]),
		Values:      vals,
	}
	return r
}
