package timing

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Parameters are everything a packet depends on.  Their descriptor is the
// packet's identity, so new fields are only ever appended to schema.
type Parameters struct {
	Delay          float64 // pump-probe delay in seconds, NaN when the laser is off
	LaserOn        bool
	XrayOn         bool
	Pulses         int // X-ray pulses per image
	ChopperMode    int
	ImageNumberInc int // image_number increment at the end of the packet
	Acquiring      bool
	Translation    int // sample translation steps during the image
	TransOn        bool
	XdetOn         bool
	Period         int // interrupt period code
	N              int // interrupts per packet
}

// schema is the fixed descriptor field order
var schema = []string{
	"delay",
	"laser_on",
	"xray_on",
	"pulses",
	"chopper_mode",
	"image_number_inc",
	"acquiring",
	"translation",
	"trans_on",
	"xdet_on",
	"period",
	"n",
}

// Schema returns the descriptor field names in order
func Schema() []string {
	return append([]string(nil), schema...)
}

func formatBool(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func formatFloat(f float64) string {
	switch {
	case math.IsNaN(f):
		return "nan"
	case math.IsInf(f, 1):
		return "inf"
	case math.IsInf(f, -1):
		return "-inf"
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func (p Parameters) field(name string) string {
	switch name {
	case "delay":
		return formatFloat(p.Delay)
	case "laser_on":
		return formatBool(p.LaserOn)
	case "xray_on":
		return formatBool(p.XrayOn)
	case "pulses":
		return strconv.Itoa(p.Pulses)
	case "chopper_mode":
		return strconv.Itoa(p.ChopperMode)
	case "image_number_inc":
		return strconv.Itoa(p.ImageNumberInc)
	case "acquiring":
		return formatBool(p.Acquiring)
	case "translation":
		return strconv.Itoa(p.Translation)
	case "trans_on":
		return formatBool(p.TransOn)
	case "xdet_on":
		return formatBool(p.XdetOn)
	case "period":
		return strconv.Itoa(p.Period)
	case "n":
		return strconv.Itoa(p.N)
	}
	return ""
}

// Descriptor returns the canonical comma separated key=value string
func (p Parameters) Descriptor() string {
	parts := make([]string, len(schema))
	for i, k := range schema {
		parts[i] = k + "=" + p.field(k)
	}
	return strings.Join(parts, ",")
}

func (p Parameters) String() string { return p.Descriptor() }

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("timing: bad boolean %q", s)
}

// ParseDescriptor is the inverse of Descriptor.  Unknown keys are ignored and
// missing keys keep their zero value, so descriptors written before a field
// was appended still parse.
func ParseDescriptor(s string) (Parameters, error) {
	p := Parameters{Delay: math.NaN()}
	if strings.TrimSpace(s) == "" {
		return p, nil
	}
	for _, kv := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return p, fmt.Errorf("timing: descriptor field %q has no value", kv)
		}
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		var err error
		switch k {
		case "delay":
			p.Delay, err = strconv.ParseFloat(v, 64)
		case "laser_on":
			p.LaserOn, err = parseBool(v)
		case "xray_on":
			p.XrayOn, err = parseBool(v)
		case "pulses":
			p.Pulses, err = strconv.Atoi(v)
		case "chopper_mode":
			p.ChopperMode, err = strconv.Atoi(v)
		case "image_number_inc":
			p.ImageNumberInc, err = strconv.Atoi(v)
		case "acquiring":
			p.Acquiring, err = parseBool(v)
		case "translation":
			p.Translation, err = strconv.Atoi(v)
		case "trans_on":
			p.TransOn, err = parseBool(v)
		case "xdet_on":
			p.XdetOn, err = parseBool(v)
		case "period":
			p.Period, err = strconv.Atoi(v)
		case "n":
			p.N, err = strconv.Atoi(v)
		}
		if err != nil {
			return p, fmt.Errorf("timing: descriptor field %s: %w", k, err)
		}
	}
	return p, nil
}
