// Package temperature holds temperature units and the sample temperature
// controller used as a collection variable
package temperature

import (
	"errors"
	"math"
	"sync"
	"time"
)

type (
	// Celsius is a temperature in C
	Celsius float64

	// Kelvin is a temperature in K
	Kelvin float64

	// Fahrenheit is a temperature in deg F
	Fahrenheit float64
)

// C2F converts a temp in Celsius to Fahrenheit
func C2F(c Celsius) Fahrenheit {
	return Fahrenheit(c*9/5 + 32)
}

// C2K converts a temp in Celsius to Kelvin
func C2K(c Celsius) Kelvin {
	return Kelvin(c + 273.15)
}

// K2C converts a temp in Kelvin to Celsius
func K2C(k Kelvin) Celsius {
	return Celsius(k - 273.15)
}

// F2C converts a temp in Fahrenheit to Celcius
func F2C(f Fahrenheit) Celsius {
	return Celsius((f - 32) * 5 / 9)
}

// Controller regulates the sample temperature
type Controller interface {
	// Temperature reads the sensor
	Temperature() (Celsius, error)

	// Setpoint reads the target
	Setpoint() (Celsius, error)

	// SetSetpoint changes the target
	SetSetpoint(Celsius) error
}

// Config is the temp section of the configuration
type Config struct {
	// Type is "mock" or "lakeshore"
	Type string `koanf:"type"`

	Addr   string `koanf:"addr"`
	Serial bool   `koanf:"serial"`

	// Tolerance in C within which the temperature counts as settled
	Tolerance float64 `koanf:"tolerance"`

	// Settle is how long, in seconds, the temperature must stay within
	// tolerance
	Settle float64 `koanf:"settle"`

	// Rate is the ramp rate of the mock in C per second
	Rate float64 `koanf:"rate"`
}

// DefaultConfig is a mock controller settling to 0.1 C
func DefaultConfig() Config {
	return Config{Type: "mock", Tolerance: 0.1, Settle: 0, Rate: 1}
}

// ErrUnknownType is returned by New for unsupported controller types
var ErrUnknownType = errors.New("temperature: unknown controller type")

// New builds the controller c describes
func New(c Config) (Controller, error) {
	switch c.Type {
	case "", "mock":
		return NewMock(22, c.Rate), nil
	case "lakeshore":
		return NewLakeshore(c.Addr, c.Serial), nil
	}
	return nil, ErrUnknownType
}

// Device adapts a controller to a collection variable.  It is changing
// until the temperature has been within tolerance of the setpoint for the
// settling time.
type Device struct {
	Controller Controller
	Tolerance  float64
	Settle     time.Duration

	mu      sync.Mutex
	inRange time.Time
	now     func() time.Time
}

// NewDevice wraps c
func NewDevice(c Controller, cfg Config) *Device {
	return &Device{
		Controller: c,
		Tolerance:  cfg.Tolerance,
		Settle:     time.Duration(cfg.Settle * float64(time.Second)),
		now:        time.Now,
	}
}

// Value reads the temperature in C
func (d *Device) Value() (float64, error) {
	t, err := d.Controller.Temperature()
	return float64(t), err
}

// SetValue changes the setpoint
func (d *Device) SetValue(v float64) error {
	if math.IsNaN(v) {
		return nil
	}
	d.mu.Lock()
	d.inRange = time.Time{}
	d.mu.Unlock()
	return d.Controller.SetSetpoint(Celsius(v))
}

// Changing reports whether the temperature has yet to settle
func (d *Device) Changing() (bool, error) {
	t, err := d.Controller.Temperature()
	if err != nil {
		return false, err
	}
	sp, err := d.Controller.Setpoint()
	if err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.now()
	if math.Abs(float64(t-sp)) > d.Tolerance {
		d.inRange = time.Time{}
		return true, nil
	}
	if d.inRange.IsZero() {
		d.inRange = now
	}
	return now.Sub(d.inRange) < d.Settle, nil
}
