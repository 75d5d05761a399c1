// Package oscilloscope provides type and interface definitions for the
// diagnostics oscilloscopes, plus a mock that writes synthetic traces
package oscilloscope

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"

	"gonum.org/v1/gonum/stat"
)

// Waveform describes a waveform recording from a scope
type Waveform struct {
	// DT is the temporal sample spacing in seconds
	DT float64 `json:"dt"`

	// T0 is the time of the first sample relative to the trigger
	T0 float64 `json:"t0"`

	// Channels holds named data streams
	Channels map[string]Channel
}

// Channel represents a stream of data from an ADC.  To convert to physical units,
// compute (data-reference)*scale+offset
type Channel struct {
	// Data is the actual buffer, []int8, []int16, []float64, or similar
	Data Data

	// Scale is the vertical scale of the data or size of a single increment
	// in Data's native dtype
	Scale float64

	// Offset is the offset applied to the data
	Offset float64

	// Reference is the reference value for the given channel in DN
	Reference float64
}

// Data is a moniker for an empty interface, expected to be a slice of a concrete
// numerical type
type Data interface{}

type number interface {
	~int8 | ~int16 | ~int32 | ~int64 | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~float32 | ~float64
}

func physical[T number](v []T, c Channel) []float64 {
	ret := make([]float64, len(v))
	for i, x := range v {
		ret[i] = (float64(x)-c.Reference)*c.Scale + c.Offset
	}
	return ret
}

// ErrNotNumeric is returned for channels whose data is not a numeric slice
var ErrNotNumeric = errors.New("oscilloscope: channel data is not numeric")

// Physical computes the data scaled to real units
func (c Channel) Physical() ([]float64, error) {
	switch v := c.Data.(type) {
	case []int8:
		return physical(v, c), nil
	case []int16:
		return physical(v, c), nil
	case []int32:
		return physical(v, c), nil
	case []int64:
		return physical(v, c), nil
	case []uint8:
		return physical(v, c), nil
	case []uint16:
		return physical(v, c), nil
	case []uint32:
		return physical(v, c), nil
	case []uint64:
		return physical(v, c), nil
	case []float32:
		return physical(v, c), nil
	case []float64:
		return physical(v, c), nil
	}
	return nil, ErrNotNumeric
}

// EncodeCSV converts the waveform data to physical units and writes it as
// CSV, one column per channel in name order after a time column
func (wav *Waveform) EncodeCSV(w io.Writer) error {
	labels := make([]string, 0, len(wav.Channels))
	for k := range wav.Channels {
		labels = append(labels, k)
	}
	sort.Strings(labels)
	data := make([][]float64, len(labels))
	n := 0
	for j, l := range labels {
		d, err := wav.Channels[l].Physical()
		if err != nil {
			return err
		}
		data[j] = d
		if j == 0 || len(d) < n {
			n = len(d)
		}
	}

	bw := bufio.NewWriter(w)
	cw := csv.NewWriter(bw)
	row := append([]string{"time"}, labels...)
	if err := cw.Write(row); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		row[0] = strconv.FormatFloat(wav.T0+float64(i)*wav.DT, 'G', -1, 64)
		for j := range data {
			row[j+1] = strconv.FormatFloat(data[j][i], 'G', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	return bw.Flush()
}

// DecodeCSV reads a waveform written by EncodeCSV.  Channels come back in
// physical units with unit scale.
func DecodeCSV(r io.Reader) (*Waveform, error) {
	rows, err := csv.NewReader(bufio.NewReader(r)).ReadAll()
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 || len(rows[0]) < 1 || rows[0][0] != "time" {
		return nil, errors.New("oscilloscope: missing time column")
	}
	labels := rows[0][1:]
	t := make([]float64, 0, len(rows)-1)
	cols := make([][]float64, len(labels))
	for i, row := range rows[1:] {
		if len(row) != len(labels)+1 {
			return nil, fmt.Errorf("oscilloscope: row %d has %d fields, want %d", i+2, len(row), len(labels)+1)
		}
		for j, field := range row {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("oscilloscope: row %d: %w", i+2, err)
			}
			if j == 0 {
				t = append(t, v)
			} else {
				cols[j-1] = append(cols[j-1], v)
			}
		}
	}
	wav := &Waveform{Channels: make(map[string]Channel, len(labels))}
	if len(t) > 0 {
		wav.T0 = t[0]
	}
	if len(t) > 1 {
		wav.DT = t[1] - t[0]
	}
	for j, l := range labels {
		wav.Channels[l] = Channel{Data: cols[j], Scale: 1}
	}
	return wav, nil
}

// Baseline is the mean of the first tenth of channel, ahead of the pulse
func (wav *Waveform) Baseline(channel string) (float64, error) {
	c, ok := wav.Channels[channel]
	if !ok {
		return 0, fmt.Errorf("oscilloscope: no channel %q", channel)
	}
	v, err := c.Physical()
	if err != nil {
		return 0, err
	}
	if len(v) == 0 {
		return 0, fmt.Errorf("oscilloscope: channel %q is empty", channel)
	}
	n := len(v) / 10
	if n < 1 {
		n = 1
	}
	return stat.Mean(v[:n], nil), nil
}

// TraceBaseline reads the trace file at path and returns the baseline of
// channel
func TraceBaseline(path, channel string) (float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	wav, err := DecodeCSV(f)
	if err != nil {
		return 0, err
	}
	return wav.Baseline(channel)
}
