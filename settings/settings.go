// Package settings holds the complete configuration of the orchestrator:
// one value with a section per subsystem, persisted as a settings file of
// "section.key = literal" lines and observable through a Publisher.
package settings

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	"github.com/biocars/lauecollect/align"
	"github.com/biocars/lauecollect/dataset"
	"github.com/biocars/lauecollect/diagnostics"
	"github.com/biocars/lauecollect/param"
	"github.com/biocars/lauecollect/temperature"
	"github.com/biocars/lauecollect/translate"
	"github.com/biocars/lauecollect/util"
)

const (
	// EnvPrefix prefixes the environment overrides.  A double underscore
	// separates section and key: LAUECOLLECT_OPTIONS__BASENAME=lyso
	EnvPrefix = "LAUECOLLECT_"

	// DirEnv names the settings directory
	DirEnv = "LAUECOLLECT_SETTINGS_DIR"

	// Filename is the process-default settings file in the settings directory
	Filename = "lauecollect_settings.py"
)

// ErrUnknownKey is returned by Set for keys outside the configuration
var ErrUnknownKey = errors.New("settings: unknown key")

// Options is the options section
type Options struct {
	Directory string `koanf:"directory"`
	Basename  string `koanf:"basename"`
	Extension string `koanf:"extension"`

	// MaxImagesPerPass caps a hardware-triggered batch, 0 for no cap
	MaxImagesPerPass int `koanf:"max_images_per_pass"`

	// WaitForBeam suspends collection while the beam is down
	WaitForBeam bool `koanf:"wait_for_beam"`

	Comment string `koanf:"comment"`
}

// Dataset returns the dataset configuration of o
func (o Options) Dataset() dataset.Config {
	return dataset.Config{Directory: o.Directory, Basename: o.Basename, Extension: o.Extension}
}

// Check configures one of the checks interleaved with collection
type Check struct {
	Enabled bool `koanf:"enabled"`

	// Variable is the collection variable whose period sets how often the
	// check runs
	Variable string `koanf:"variable"`

	// Interval is the least time in seconds between two checks
	Interval float64 `koanf:"interval"`

	// Motors are moved by the check and saved for autorecovery
	Motors []string `koanf:"motors"`

	// Range is the full width of the scan of each motor, Steps the number
	// of points
	Range float64 `koanf:"range"`
	Steps int     `koanf:"steps"`
}

// Pump is the pump section
type Pump struct {
	Enabled bool `koanf:"enabled"`

	// Every pumps the sample after this many images, 0 for never
	Every int `koanf:"every"`

	// Steps is the pump stroke in motor steps
	Steps float64 `koanf:"steps"`
}

// Checklist gates collection on the beamline state
type Checklist struct {
	Enabled bool `koanf:"enabled"`

	// MinRingCurrent in mA below which the beam is not OK
	MinRingCurrent float64 `koanf:"min_ring_current"`
}

// Timing is the timing system section
type Timing struct {
	LinearStage bool `koanf:"linear_stage"`

	// Period is the number of bunch clock ticks between interrupts
	Period int `koanf:"period"`

	// Interrupts per packet, 0 for the least that fits the pulses
	Interrupts int `koanf:"interrupts"`
}

// Sequencer is the FPGA connection section
type Sequencer struct {
	// Addr is the file server of the FPGA, host[:port]
	Addr string `koanf:"addr"`

	// CacheDir holds compiled packets, empty for no cache
	CacheDir string `koanf:"cache_dir"`

	// Hz is the interrupt rate of the simulator
	Hz float64 `koanf:"hz"`
}

// Server is the HTTP section
type Server struct {
	Addr string `koanf:"addr"`
}

// Hardware selects device drivers
type Hardware struct {
	Detector string `koanf:"detector"`
	Motion   string `koanf:"motion"`
	Scope    string `koanf:"scope"`

	// MotorNames and MotorAxes are parallel lists mapping motor names to
	// controller axes
	MotorNames []string `koanf:"motor_names"`
	MotorAxes  []string `koanf:"motor_axes"`
}

// Axis returns the controller axis of the named motor, the name itself
// when it is not mapped
func (h Hardware) Axis(name string) string {
	for i, n := range h.MotorNames {
		if n == name && i < len(h.MotorAxes) {
			return h.MotorAxes[i]
		}
	}
	return name
}

// Configuration is the complete configuration
type Configuration struct {
	Param       param.Config         `koanf:"param"`
	Options     Options              `koanf:"options"`
	Temp        temperature.Config   `koanf:"temp"`
	Align       align.Config         `koanf:"align"`
	Translate   translate.Config     `koanf:"translate"`
	Pump        Pump                 `koanf:"pump"`
	Chopper     param.ChopperConfig  `koanf:"chopper"`
	Diagnostics diagnostics.Config   `koanf:"diagnostics"`
	XrayCheck   Check                `koanf:"xraycheck"`
	LaserCheck  Check                `koanf:"lasercheck"`
	TimingCheck Check                `koanf:"timingcheck"`
	SamplePhoto Check                `koanf:"sample_photo"`
	Checklist   Checklist            `koanf:"checklist"`
	Timing      Timing               `koanf:"timing"`
	Sequencer   Sequencer            `koanf:"sequencer"`
	Server      Server               `koanf:"server"`
	Hardware    Hardware             `koanf:"hardware"`
}

// Default is the configuration with nothing loaded
func Default() Configuration {
	return Configuration{
		Param: param.DefaultConfig(),
		Options: Options{
			Directory: "/tmp/lauecollect",
			Basename:  "test",
			Extension: "mccd",
		},
		Temp:        temperature.DefaultConfig(),
		Align:       align.DefaultConfig(),
		Translate:   translate.DefaultConfig(),
		Chopper:     param.DefaultChopper(),
		Diagnostics: diagnostics.DefaultConfig(),
		XrayCheck:   Check{Variable: param.Delay, Interval: 600, Motors: []string{"MirrorV", "SlitH"}, Range: 0.1, Steps: 11},
		LaserCheck:  Check{Variable: param.Delay, Interval: 1800, Motors: []string{"LaserX", "LaserZ"}, Range: 0.2, Steps: 11},
		TimingCheck: Check{Variable: param.Delay, Interval: 1800, Motors: []string{"TimingStage"}, Range: 1, Steps: 21},
		SamplePhoto: Check{Variable: param.Angle, Motors: []string{"GonX", "GonY", "GonZ"}},
		Timing:      Timing{Period: 1},
		Sequencer:   Sequencer{Addr: "localhost", CacheDir: filepath.Join(os.TempDir(), "lauecollect_cache"), Hz: 41},
		Server:      Server{Addr: ":8000"},
		Hardware: Hardware{
			Detector: "mock",
			Motion:   "mock",
			Scope:    "mock",
			MotorNames: []string{param.Angle, "GonX", "GonY", "GonZ"},
			MotorAxes:  []string{"phi", "x", "y", "z"},
		},
	}
}

// Dir is the settings directory, from the environment or the working
// directory
func Dir() string {
	if d := os.Getenv(DirEnv); d != "" {
		return d
	}
	return "settings"
}

// envKey maps LAUECOLLECT_OPTIONS__BASENAME to options.basename and drops
// variables without a section
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if !strings.Contains(s, "__") {
		return ""
	}
	return strings.Replace(s, "__", ".", 1)
}

func newKoanf(c Configuration) *koanf.Koanf {
	k := koanf.New(".")
	k.Load(structs.Provider(c, "koanf"), nil)
	return k
}

// Load reads the settings file at path over the defaults, then applies the
// environment.  A missing file leaves the defaults.
func Load(path string) (Configuration, error) {
	k := newKoanf(Default())
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), Parser()); err != nil {
			return Configuration{}, fmt.Errorf("settings: loading %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return Configuration{}, err
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Configuration{}, err
	}
	var c Configuration
	if err := k.Unmarshal("", &c); err != nil {
		return Configuration{}, fmt.Errorf("settings: %w", err)
	}
	return c, nil
}

// Marshal encodes c as a settings file
func Marshal(c Configuration) ([]byte, error) {
	return newKoanf(c).Marshal(Parser())
}

// Save writes c to path, replacing the old file atomically
func Save(path string, c Configuration) error {
	b, err := Marshal(c)
	if err != nil {
		return err
	}
	return util.WriteFileAtomic(path, b)
}

// Set returns c with key replaced by the literal value
func Set(c Configuration, key, literal string) (Configuration, error) {
	k := newKoanf(c)
	if !k.Exists(key) {
		return c, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	v, err := ParseLiteral(literal)
	if err != nil {
		return c, fmt.Errorf("%s: %w", key, err)
	}
	if v == nil {
		return c, fmt.Errorf("%s: %w: None", key, ErrSyntax)
	}
	if err := k.Load(confmap.Provider(map[string]interface{}{key: v}, "."), nil); err != nil {
		return c, err
	}
	var out Configuration
	if err := k.Unmarshal("", &out); err != nil {
		return c, fmt.Errorf("%s: %w", key, err)
	}
	return out, nil
}

// Get returns the literal form of key in c
func Get(c Configuration, key string) (string, error) {
	k := newKoanf(c)
	if !k.Exists(key) {
		return "", fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return FormatLiteral(k.Get(key))
}

// Keys lists every key of the configuration
func Keys(c Configuration) []string {
	return newKoanf(c).Keys()
}
