// Package align finds the edge of the crystal by diffraction scans and
// keeps a table of sample offsets measured at (phi, z) support points.
package align

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"strconv"
	"sync"

	"github.com/biocars/lauecollect/util"
)

// Config is the align section of the configuration
type Config struct {
	// SampleR is the radius of the sample in mm
	SampleR float64 `koanf:"sample_r"`

	// Step between scan points in mm
	Step float64 `koanf:"step"`

	// Samples are the z ranges of the samples on the holder
	ZStart []float64 `koanf:"z_start"`
	ZEnd   []float64 `koanf:"z_end"`

	// AtCollectionZ scans at the collection z values instead of the ends
	AtCollectionZ bool      `koanf:"at_collection_z"`
	CollectionZ   []float64 `koanf:"collection_z"`

	// InterpolationDPhi is the widest phi gap interpolated over
	InterpolationDPhi float64 `koanf:"interpolation_dphi"`

	// NPoints is the window of the derivative fit
	NPoints int `koanf:"npoints"`

	// Filename of the support table
	Filename string `koanf:"filename"`

	// Enabled turns alignment scans on
	Enabled bool `koanf:"enabled"`
}

// DefaultConfig returns a 100 um sample scanned in 10 um steps
func DefaultConfig() Config {
	return Config{
		SampleR:           0.1,
		Step:              0.01,
		ZStart:            []float64{0},
		ZEnd:              []float64{0},
		InterpolationDPhi: 30,
		NPoints:           3,
		Filename:          "alignment.tsv",
	}
}

// ScanPoint is one alignment image
type ScanPoint struct {
	Phi, Z, Offset float64

	// Reference images are taken at the sample center
	Reference bool
}

// ScanParameters returns the images of the alignment scans at phis: for
// each sample a reference image at its mid-point, then for each z a scan
// from outside the crystal stepping toward the center.
func (c Config) ScanParameters(phis []float64) []ScanPoint {
	n := 1
	if c.Step > 0 {
		n = int(math.Ceil(c.SampleR/c.Step)) + 1
	}
	var out []ScanPoint
	for _, phi := range phis {
		for s := range c.ZStart {
			zs, ze := c.ZStart[s], c.ZStart[s]
			if s < len(c.ZEnd) {
				ze = c.ZEnd[s]
			}
			out = append(out, ScanPoint{Phi: phi, Z: (zs + ze) / 2, Reference: true})
			zlist := []float64{zs, ze}
			if zs == ze {
				zlist = zlist[:1]
			}
			if c.AtCollectionZ && len(c.CollectionZ) > 0 {
				zlist = c.CollectionZ
			}
			for _, z := range zlist {
				for k := 0; k < n; k++ {
					out = append(out, ScanPoint{Phi: phi, Z: z, Offset: c.SampleR - float64(k)*c.Step})
				}
			}
		}
	}
	return out
}

// Row is one line of the support table
type Row struct {
	Phi, Z, X, Y, Offset float64
}

// RowAt converts an offset measured at phi into goniometer x and y
func RowAt(phi, z, offset float64) Row {
	rad := phi * math.Pi / 180
	return Row{Phi: phi, Z: z, X: -offset * math.Sin(rad), Y: offset * math.Cos(rad), Offset: offset}
}

var header = []string{"phi", "z", "x", "y", "offset"}

// ErrBadTable is returned for support tables that do not parse
var ErrBadTable = errors.New("align: malformed support table")

// Table is the persistent support table
type Table struct {
	mu   sync.Mutex
	rows []Row
}

// Rows returns a copy of the rows
func (t *Table) Rows() []Row {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Row(nil), t.rows...)
}

// Add inserts r, replacing any row at the same (phi, z)
func (t *Table) Add(r Row) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, old := range t.rows {
		if math.Mod(old.Phi-r.Phi, 360) == 0 && old.Z == r.Z {
			t.rows[i] = r
			return
		}
	}
	t.rows = append(t.rows, r)
}

// Clear removes all rows
func (t *Table) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = nil
}

// Points returns the rows as interpolation support points
func (t *Table) Points() []Point {
	rows := t.Rows()
	out := make([]Point, len(rows))
	for i, r := range rows {
		out[i] = Point{Phi: r.Phi, Z: r.Z, Offset: r.Offset}
	}
	return out
}

// Encode writes the table as tab separated values with a header line
func (t *Table) Encode(w io.Writer) error {
	buf := &bytes.Buffer{}
	cw := csv.NewWriter(buf)
	cw.Comma = '\t'
	cw.Write(header)
	for _, r := range t.Rows() {
		rec := make([]string, 0, 5)
		for _, v := range []float64{r.Phi, r.Z, r.X, r.Y, r.Offset} {
			rec = append(rec, strconv.FormatFloat(v, 'g', -1, 64))
		}
		cw.Write(rec)
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	_, err := buf.WriteTo(w)
	return err
}

// Decode replaces the table with the rows in r
func (t *Table) Decode(r io.Reader) error {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	recs, err := cr.ReadAll()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadTable, err)
	}
	var rows []Row
	for i, rec := range recs {
		if i == 0 && len(rec) > 0 && rec[0] == header[0] {
			continue
		}
		if len(rec) != len(header) {
			return fmt.Errorf("%w: line %d has %d fields", ErrBadTable, i+1, len(rec))
		}
		var v [5]float64
		for k, s := range rec {
			v[k], err = strconv.ParseFloat(s, 64)
			if err != nil {
				return fmt.Errorf("%w: line %d: %v", ErrBadTable, i+1, err)
			}
		}
		rows = append(rows, Row{Phi: v[0], Z: v[1], X: v[2], Y: v[3], Offset: v[4]})
	}
	t.Clear()
	for _, row := range rows {
		t.Add(row)
	}
	return nil
}

// Load reads the table from path.  A missing file is an empty table.
func (t *Table) Load(path string) error {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		t.Clear()
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	return t.Decode(f)
}

// Save writes the table to path, replacing the old file atomically
func (t *Table) Save(path string) error {
	buf := &bytes.Buffer{}
	if err := t.Encode(buf); err != nil {
		return err
	}
	return util.WriteFileAtomic(path, buf.Bytes())
}

// Engine turns alignment scans into support table rows
type Engine struct {
	Config
	Table *Table
}

// NewEngine returns an engine over an empty table
func NewEngine(c Config) *Engine {
	return &Engine{Config: c, Table: &Table{}}
}

// NeedsScan reports whether phi and z are outside the interpolation range
func (e *Engine) NeedsScan(phi, z float64) bool {
	return !WithinRange(e.Table.Points(), phi, z, e.InterpolationDPhi)
}

// Offset interpolates the sample offset at (phi, z)
func (e *Engine) Offset(phi, z float64) float64 {
	return Interpolate2D(e.Table.Points(), phi, z)
}

// XY returns the goniometer position that centers the sample at (phi, z)
func (e *Engine) XY(phi, z float64) (float64, float64) {
	r := RowAt(phi, z, e.Offset(phi, z))
	return r.X, r.Y
}

// Measure fits the edge of a scan at (phi, z) and records the result.
// offsets and intensities are the scan images in any order.
func (e *Engine) Measure(phi, z float64, offsets, intensities []float64) (Row, error) {
	edge, err := FindEdge(offsets, intensities, e.NPoints)
	if err != nil {
		return Row{}, fmt.Errorf("phi=%g z=%g: %w", phi, z, err)
	}
	r := RowAt(phi, z, edge.X0)
	e.Table.Add(r)
	log.Printf("align: phi=%g z=%g edge at %.4f mm\n", phi, z, edge.X0)
	return r, nil
}

// PhisToScan returns the angles among phis at z that are not yet supported,
// without repeats
func (e *Engine) PhisToScan(phis []float64, z float64) []float64 {
	seen := map[float64]bool{}
	var out []float64
	for _, phi := range phis {
		key := math.Mod(phi, 360)
		if seen[key] || !e.NeedsScan(phi, z) {
			continue
		}
		seen[key] = true
		out = append(out, phi)
	}
	return out
}
