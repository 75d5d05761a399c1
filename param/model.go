// Package param holds the collection variables of a dataset: their choice
// lists, flags and formatting, and the devices that realise them.
package param

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
)

// variable names
const (
	Angle           = "angle"
	Delay           = "delay"
	LaserOn         = "laser_on"
	Repeat          = "repeat"
	Repeat2         = "repeat2"
	Level           = "level"
	Translation     = "translation"
	TranslationMode = "translation_mode"
	ChopperMode     = "chopper_mode"
	Temperature     = "temperature"
	XrayOn          = "xray_on"
)

// Names is the fixed vocabulary of collection variables
var Names = []string{
	Angle, Delay, LaserOn, Repeat, Repeat2, Level,
	Translation, TranslationMode, ChopperMode, Temperature, XrayOn,
}

// hardwareTriggered variables can be advanced by the FPGA between images
var hardwareTriggered = map[string]bool{
	Delay:       true,
	LaserOn:     true,
	XrayOn:      true,
	Repeat:      true,
	Repeat2:     true,
	Translation: true,
}

// defaultWait variables suspend collection while they change
var defaultWait = map[string]bool{
	Angle:           true,
	Level:           true,
	TranslationMode: true,
	ChopperMode:     true,
	Temperature:     true,
}

// Device reads and drives the hardware behind a variable
type Device interface {
	Value() (float64, error)
	SetValue(v float64) error
	Changing() (bool, error)
}

var (
	// ErrUnknownVariable is returned for names outside the vocabulary
	ErrUnknownVariable = errors.New("param: unknown collection variable")

	// ErrUnbound is returned when no device is bound to a variable
	ErrUnbound = errors.New("param: no device bound")
)

// Variable is one collection variable
type Variable struct {
	Name              string
	Choices           []float64
	Wait              bool
	Return            bool
	ReturnValue       float64
	IncludeInFilename bool

	device Device
}

// Model is the set of collection variables and their collection order.
// It is safe for concurrent use.
type Model struct {
	mu    sync.RWMutex
	vars  map[string]*Variable
	order [][]string

	// Chopper is used to pick the chopper mode from the delay when no
	// explicit chopper mode list is configured
	Chopper ChopperConfig

	// TranslationModes names the values of translation_mode
	TranslationModes []string

	// LinearStage snaps delays through Discretize
	LinearStage bool
	Discretize  func(float64) float64
}

// Config is the param section of the settings
type Config struct {
	Order [][]string `koanf:"collection_order"`

	AngleMode  string    `koanf:"angle_mode"`
	AngleMin   float64   `koanf:"angle_min"`
	AngleMax   float64   `koanf:"angle_max"`
	AngleStep  float64   `koanf:"angle_step"`
	AngleList  []float64 `koanf:"angle_list"`
	AngleCount int       `koanf:"angle_count"`

	Delays           []float64 `koanf:"delays"`
	LaserOn          []bool    `koanf:"laser_on"`
	XrayOn           []bool    `koanf:"xray_on"`
	Repeats          int       `koanf:"repeat_count"`
	Repeats2         int       `koanf:"repeat2_count"`
	Levels           []float64 `koanf:"levels"`
	Translations     int       `koanf:"translation_count"`
	TranslationModes []string  `koanf:"translation_modes"`
	ChopperModes     []int     `koanf:"chopper_modes"`
	Temperatures     []float64 `koanf:"temperatures"`

	// Wait lists the variables whose change suspends collection.  Empty
	// means the built in default.
	Wait []string `koanf:"wait"`

	// Return and ReturnValues are parallel lists of variables restored
	// after the dataset
	Return       []string  `koanf:"return"`
	ReturnValues []float64 `koanf:"return_values"`

	// Filename lists the variables included in file names.  Empty means
	// every variable of the collection order.
	Filename []string `koanf:"include_in_filename"`
}

// DefaultConfig is a three angle, single delay dataset
func DefaultConfig() Config {
	return Config{
		Order:     [][]string{{LaserOn, Delay}, {Angle}},
		AngleMode: SinglePass,
		AngleMin:  0,
		AngleMax:  10,
		AngleStep: 5,
		Delays:    []float64{100e-12},
		LaserOn:   []bool{true},
		XrayOn:    []bool{true},
		Repeats:   1,
		Repeats2:  1,
	}
}

func bools(bs []bool) []float64 {
	out := make([]float64, len(bs))
	for i, b := range bs {
		if b {
			out[i] = 1
		}
	}
	return out
}

func count(n int) []float64 {
	if n < 1 {
		n = 1
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i + 1)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// New builds a model from configuration
func New(c Config, chopper ChopperConfig) (*Model, error) {
	m := &Model{
		vars:             make(map[string]*Variable),
		Chopper:          chopper,
		TranslationModes: c.TranslationModes,
	}
	modes := make([]float64, len(c.TranslationModes))
	for i := range modes {
		modes[i] = float64(i)
	}
	chop := make([]float64, len(c.ChopperModes))
	for i, v := range c.ChopperModes {
		chop[i] = float64(v)
	}
	choices := map[string][]float64{
		Angle:           AngleChoices(c.AngleMode, c.AngleMin, c.AngleMax, c.AngleStep, c.AngleList, c.AngleCount),
		Delay:           append([]float64(nil), c.Delays...),
		LaserOn:         bools(c.LaserOn),
		XrayOn:          bools(c.XrayOn),
		Repeat:          count(c.Repeats),
		Repeat2:         count(c.Repeats2),
		Level:           append([]float64(nil), c.Levels...),
		Translation:     count(c.Translations),
		TranslationMode: modes,
		ChopperMode:     chop,
		Temperature:     append([]float64(nil), c.Temperatures...),
	}
	for _, name := range Names {
		v := &Variable{Name: name, Choices: choices[name], ReturnValue: math.NaN()}
		if len(c.Wait) > 0 {
			v.Wait = contains(c.Wait, name)
		} else {
			v.Wait = defaultWait[name]
		}
		m.vars[name] = v
	}
	for i, name := range c.Return {
		v, ok := m.vars[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q in return list", ErrUnknownVariable, name)
		}
		v.Return = true
		if i < len(c.ReturnValues) {
			v.ReturnValue = c.ReturnValues[i]
		}
	}
	if err := m.SetOrder(c.Order); err != nil {
		return nil, err
	}
	for _, v := range m.vars {
		if len(c.Filename) > 0 {
			v.IncludeInFilename = contains(c.Filename, v.Name)
		} else {
			v.IncludeInFilename = m.inOrder(v.Name)
		}
	}
	return m, nil
}

// SetOrder replaces the collection order, fastest group first
func (m *Model) SetOrder(order [][]string) error {
	for _, g := range order {
		for _, name := range g {
			if _, ok := m.vars[name]; !ok {
				return fmt.Errorf("%w: %q in collection order", ErrUnknownVariable, name)
			}
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.order = make([][]string, 0, len(order))
	for _, g := range order {
		if len(g) > 0 {
			m.order = append(m.order, append([]string(nil), g...))
		}
	}
	return nil
}

// Order returns the collection order, fastest group first
func (m *Model) Order() [][]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([][]string, len(m.order))
	for i, g := range m.order {
		out[i] = append([]string(nil), g...)
	}
	return out
}

// Collected lists the variables of the collection order, fastest first
func (m *Model) Collected() []string {
	var out []string
	for _, g := range m.Order() {
		out = append(out, g...)
	}
	return out
}

func (m *Model) inOrder(name string) bool {
	for _, g := range m.order {
		if contains(g, name) {
			return true
		}
	}
	return false
}

func (m *Model) variable(name string) (*Variable, error) {
	v, ok := m.vars[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariable, name)
	}
	return v, nil
}

// Variable returns a copy of the named variable
func (m *Model) Variable(name string) (Variable, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, err := m.variable(name)
	if err != nil {
		return Variable{}, err
	}
	cp := *v
	cp.Choices = append([]float64(nil), v.Choices...)
	return cp, nil
}

// Configure changes the flags of a variable
func (m *Model) Configure(name string, fn func(v *Variable)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, err := m.variable(name)
	if err != nil {
		return err
	}
	fn(v)
	return nil
}

// Bind attaches the device that realises a variable
func (m *Model) Bind(name string, d Device) error {
	return m.Configure(name, func(v *Variable) { v.device = d })
}

// NChoices is the length of the choice list, at least 1
func (m *Model) NChoices(name string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, err := m.variable(name)
	if err != nil || len(v.Choices) == 0 {
		return 1
	}
	return len(v.Choices)
}

// Choice returns choice i, taken modulo the list length.  An empty choice
// list yields NaN.
func (m *Model) Choice(name string, i int) float64 {
	m.mu.RLock()
	v, err := m.variable(name)
	if err != nil || len(v.Choices) == 0 {
		m.mu.RUnlock()
		return math.NaN()
	}
	n := len(v.Choices)
	x := v.Choices[((i%n)+n)%n]
	m.mu.RUnlock()
	if name == Delay && m.LinearStage && m.Discretize != nil {
		x = m.Discretize(x)
	}
	return x
}

// Choices returns every choice of the named variable
func (m *Model) Choices(name string) []float64 {
	n := m.NChoices(name)
	out := make([]float64, n)
	for i := range out {
		out[i] = m.Choice(name, i)
	}
	return out
}

func (m *Model) device(name string) (Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, err := m.variable(name)
	if err != nil {
		return nil, err
	}
	if v.device == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnbound, name)
	}
	return v.device, nil
}

// Value reads the current hardware value
func (m *Model) Value(name string) (float64, error) {
	d, err := m.device(name)
	if err != nil {
		return math.NaN(), err
	}
	return d.Value()
}

// SetValue drives the hardware
func (m *Model) SetValue(name string, x float64) error {
	d, err := m.device(name)
	if err != nil {
		return err
	}
	return d.SetValue(x)
}

// Changing reports whether the hardware is still settling
func (m *Model) Changing(name string) (bool, error) {
	d, err := m.device(name)
	if err != nil {
		return false, err
	}
	return d.Changing()
}

// Bound reports whether a device is attached
func (m *Model) Bound(name string) bool {
	_, err := m.device(name)
	return err == nil
}

// HardwareTriggered reports whether the FPGA advances the variable
func (m *Model) HardwareTriggered(name string) bool {
	return hardwareTriggered[name]
}

func (m *Model) flag(name string, get func(v *Variable) bool) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, err := m.variable(name)
	return err == nil && get(v)
}

// Wait reports whether a change of the variable suspends collection
func (m *Model) Wait(name string) bool {
	return m.flag(name, func(v *Variable) bool { return v.Wait })
}

// IncludeInFilename reports whether the variable is part of file names
func (m *Model) IncludeInFilename(name string) bool {
	return m.flag(name, func(v *Variable) bool { return v.IncludeInFilename })
}

// ReturnValue returns the value to restore after the dataset, ok false if
// the variable is not returned
func (m *Model) ReturnValue(name string) (float64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, err := m.variable(name)
	if err != nil || !v.Return {
		return math.NaN(), false
	}
	return v.ReturnValue, true
}

// FormattedValue renders x for file names and logs
func (m *Model) FormattedValue(name string, x float64) string {
	return format(name, x, m.TranslationModes)
}

// FormattedChoice renders choice i.  When the rendering is not unique within
// the choice list, the 1-based occurrence number is appended as "-n".
func (m *Model) FormattedChoice(name string, i int) string {
	n := m.NChoices(name)
	i = ((i % n) + n) % n
	s := m.FormattedValue(name, m.Choice(name, i))
	dup, occ := 0, 0
	for j := 0; j < n; j++ {
		if m.FormattedValue(name, m.Choice(name, j)) == s {
			dup++
			if j <= i {
				occ++
			}
		}
	}
	if dup > 1 {
		return s + "-" + strconv.Itoa(occ)
	}
	return s
}
