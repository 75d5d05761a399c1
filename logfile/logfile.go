// Package logfile writes the tab separated per-image log of a dataset
package logfile

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/biocars/lauecollect/diagnostics"
	"github.com/biocars/lauecollect/util"
)

// TimeFormat is the layout of the date_time column
const TimeFormat = "2006-01-02 15:04:05.000"

// Fixed are the columns every log starts with
var Fixed = []string{
	"date_time", "file", "delay", "waiting-time[s]", "bunches-per-pulse",
	"nom.pulses", "nom.delay[s]",
	"act.delay[s]", "sdev(act.delay)[s]", "num(act.delay)",
	"x-ray[Vs]", "sdev(x-ray[Vs])", "num(x-ray)",
	"xray-gate-start[s]", "xray-gate-stop[s]", "x-ray-offset[V]",
	"laser", "sdev(laser)", "num(laser)",
}

// Variable is a collection variable column
type Variable struct {
	Name, Unit string
}

func (v Variable) column() string {
	if v.Unit == "" {
		return v.Name
	}
	return v.Name + "[" + v.Unit + "]"
}

// Row is one image
type Row struct {
	Time            time.Time
	File            string
	Delay           string
	WaitingTime     float64
	BunchesPerPulse float64
	NomPulses       float64
	NomDelay        float64
	ActDelay        diagnostics.Stats
	XRay            diagnostics.Stats
	XrayGateStart   float64
	XrayGateStop    float64
	XrayOffset      float64
	Laser           diagnostics.Stats

	// Variables are formatted values by variable name
	Variables map[string]string

	// PVs are diagnostics statistics by process variable name
	PVs map[string]diagnostics.Stats

	Comment string
}

// ErrNoHeader is returned for logs without a column header line
var ErrNoHeader = errors.New("logfile: no column header")

// Writer appends rows to a log file
type Writer struct {
	Path string

	// Comments are written as # lines above the column header of a new file
	Comments []string

	Variables []Variable
	PVs       []string

	mu sync.Mutex
}

// Columns returns the column names
func (w *Writer) Columns() []string {
	cols := append([]string(nil), Fixed...)
	for _, v := range w.Variables {
		cols = append(cols, v.column())
	}
	for _, pv := range w.PVs {
		cols = append(cols, pv, "sdev("+pv+")", "num("+pv+")")
	}
	return append(cols, "comment")
}

func num(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}
	return strconv.FormatFloat(v, 'g', 6, 64)
}

func stats(s diagnostics.Stats) []string {
	return []string{num(s.Average), num(s.SDev), strconv.Itoa(s.Count)}
}

func clean(s string) string {
	return strings.NewReplacer("\t", " ", "\n", " ", "\r", " ").Replace(s)
}

func (w *Writer) format(r Row) string {
	f := []string{
		r.Time.Format(TimeFormat), clean(r.File), clean(r.Delay),
		num(r.WaitingTime), num(r.BunchesPerPulse), num(r.NomPulses), num(r.NomDelay),
	}
	f = append(f, stats(r.ActDelay)...)
	f = append(f, stats(r.XRay)...)
	f = append(f, num(r.XrayGateStart), num(r.XrayGateStop), num(r.XrayOffset))
	f = append(f, stats(r.Laser)...)
	for _, v := range w.Variables {
		f = append(f, clean(r.Variables[v.Name]))
	}
	for _, pv := range w.PVs {
		s, ok := r.PVs[pv]
		if !ok {
			s = diagnostics.Stats{Average: math.NaN(), SDev: math.NaN()}
		}
		f = append(f, stats(s)...)
	}
	f = append(f, clean(r.Comment))
	return strings.Join(f, "\t")
}

// Write appends rows.  Rows already in the log for the same files are
// removed first, so an image acquired twice has one row.
func (w *Writer) Write(rows []Row) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	existing, err := os.ReadFile(w.Path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	replaced := make(map[string]bool, len(rows))
	for _, r := range rows {
		replaced[r.File] = true
	}

	buf := &bytes.Buffer{}
	fileCol := -1
	if len(existing) > 0 {
		sc := bufio.NewScanner(bytes.NewReader(existing))
		sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
		for sc.Scan() {
			line := sc.Text()
			if strings.HasPrefix(line, "#") {
				if fileCol < 0 {
					fileCol = index(strings.Split(line[1:], "\t"), "file")
				}
				buf.WriteString(line + "\n")
				continue
			}
			fields := strings.Split(line, "\t")
			if fileCol >= 0 && fileCol < len(fields) && replaced[fields[fileCol]] {
				continue
			}
			buf.WriteString(line + "\n")
		}
		if err := sc.Err(); err != nil {
			return err
		}
	}
	if fileCol < 0 {
		buf.Reset()
		for _, c := range w.Comments {
			buf.WriteString("# " + clean(c) + "\n")
		}
		buf.WriteString("#" + strings.Join(w.Columns(), "\t") + "\n")
	}
	for _, r := range rows {
		buf.WriteString(w.format(r) + "\n")
	}
	return util.WriteFileAtomic(w.Path, buf.Bytes())
}

func index(s []string, v string) int {
	for i, x := range s {
		if x == v {
			return i
		}
	}
	return -1
}

// Records returns the rows of the log as column name to value maps
func (w *Writer) Records() ([]map[string]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return Read(w.Path)
}

// Read parses a log file
func Read(path string) ([]map[string]string, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cols []string
	var out []map[string]string
	for _, line := range strings.Split(string(b), "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			f := strings.Split(line[1:], "\t")
			if cols == nil && index(f, "file") >= 0 {
				cols = f
			}
			continue
		}
		if cols == nil {
			return nil, fmt.Errorf("%w in %s", ErrNoHeader, path)
		}
		rec := make(map[string]string, len(cols))
		for i, v := range strings.Split(line, "\t") {
			if i < len(cols) {
				rec[cols[i]] = v
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// Files returns the set of files logged, with the number of rows of each
func (w *Writer) Files() (map[string]int, error) {
	recs, err := w.Records()
	if err != nil {
		return nil, err
	}
	out := make(map[string]int, len(recs))
	for _, r := range recs {
		out[r["file"]]++
	}
	return out, nil
}
