package param

import (
	"fmt"
	"math"
	"strconv"

	"github.com/biocars/lauecollect/mathx"
)

var timeUnits = []struct {
	scale  float64
	suffix string
}{
	{1, "s"},
	{1e-3, "ms"},
	{1e-6, "us"},
	{1e-9, "ns"},
	{1e-12, "ps"},
	{1e-15, "fs"},
}

// TimeString formats a time in seconds with an engineering unit and three
// significant digits, e.g. 1ns, 1.5us, 100ps.  NaN formats as "off".
func TimeString(t float64) string {
	switch {
	case math.IsNaN(t):
		return "off"
	case math.IsInf(t, 1):
		return "inf"
	case math.IsInf(t, -1):
		return "-inf"
	case t == 0:
		return "0"
	}
	t = mathx.RoundSig(t, 3)
	u := timeUnits[len(timeUnits)-1]
	for _, cand := range timeUnits {
		if math.Abs(t) >= cand.scale*(1-1e-9) {
			u = cand
			break
		}
	}
	return strconv.FormatFloat(mathx.RoundSig(t/u.scale, 3), 'g', 3, 64) + u.suffix
}

// ParseTimeString is the inverse of TimeString
func ParseTimeString(s string) (float64, error) {
	if s == "off" {
		return math.NaN(), nil
	}
	for i := len(timeUnits) - 1; i >= 0; i-- {
		u := timeUnits[i]
		n := len(s) - len(u.suffix)
		if n > 0 && s[n:] == u.suffix {
			v, err := strconv.ParseFloat(s[:n], 64)
			if err == nil {
				return v * u.scale, nil
			}
		}
	}
	return strconv.ParseFloat(s, 64)
}

func onOff(v float64, on, off string) string {
	if v != 0 && !math.IsNaN(v) {
		return on
	}
	return off
}

// format renders a value of the named variable for file names and logs
func format(name string, v float64, translationModes []string) string {
	switch name {
	case Angle:
		return fmt.Sprintf("%.3fdeg", v)
	case Delay:
		return TimeString(v)
	case LaserOn:
		return onOff(v, "on", "off")
	case XrayOn:
		return onOff(v, "xon", "xoff")
	case Temperature:
		return fmt.Sprintf("%.1fC", v)
	case ChopperMode:
		return fmt.Sprintf("mode%d", int(v))
	case Level:
		return strconv.FormatFloat(v, 'g', 3, 64)
	case TranslationMode:
		i := int(v)
		if i >= 0 && i < len(translationModes) {
			return translationModes[i]
		}
		return fmt.Sprintf("mode%d", i)
	case Repeat, Repeat2, Translation:
		return strconv.Itoa(int(v))
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

var units = map[string]string{
	Angle:       "deg",
	Delay:       "s",
	Temperature: "C",
	Level:       "OD",
}

// Unit is the physical unit of the named variable, "" if dimensionless
func (m *Model) Unit(name string) string {
	return units[name]
}
