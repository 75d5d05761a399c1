// Package motion contains an abstract interface for the beamline motion
// controllers, the motors built on it and triggered stages that follow
// position/velocity/time tables.
package motion

import (
	"errors"
	"fmt"
	"math"
	"sync"
)

// Controller describes a set of methods on a rudimentary motion controller
type Controller interface {
	// Enable enables an axis
	Enable(string) error

	// Disable disables an axis
	Disable(string) error

	// GetEnabled gets if an axis is enabled
	GetEnabled(string) (bool, error)

	// GetPos gets the current position of an axis
	GetPos(string) (float64, error)

	// MoveAbs starts a move of an axis to an absolute position
	MoveAbs(string, float64) error

	// MoveRel starts a move of an axis by a relative amount
	MoveRel(string, float64) error

	// Home homes an axis
	Home(string) error

	// Moving reports whether an axis is in motion
	Moving(string) (bool, error)

	// Stop aborts the motion of an axis
	Stop(string) error
}

// ErrLimit is returned when a move would leave the software limits
var ErrLimit = errors.New("motion: requested position violates software limits, aborted")

// Motor is one axis of a controller.  It satisfies the device interface of
// the collection variables.
type Motor struct {
	Name       string
	Controller Controller
	Axis       string

	// Tolerance is how close Value must be to the command to count as arrived
	Tolerance float64

	// Limits are checked before every move; zero Min and Max disable them
	Min, Max float64

	mu      sync.Mutex
	command float64
}

// NewMotor returns a motor for axis of c
func NewMotor(name string, c Controller, axis string) *Motor {
	return &Motor{Name: name, Controller: c, Axis: axis, Tolerance: 1e-6, command: math.NaN()}
}

// Value returns the current position
func (m *Motor) Value() (float64, error) {
	return m.Controller.GetPos(m.Axis)
}

// SetValue starts a move to v
func (m *Motor) SetValue(v float64) error {
	if math.IsNaN(v) {
		return nil
	}
	if (m.Min != 0 || m.Max != 0) && (v < m.Min || v > m.Max) {
		return fmt.Errorf("%w: %s to %g outside [%g, %g]", ErrLimit, m.Name, v, m.Min, m.Max)
	}
	m.mu.Lock()
	m.command = v
	m.mu.Unlock()
	return m.Controller.MoveAbs(m.Axis, v)
}

// Command returns the last commanded position, NaN before the first move
func (m *Motor) Command() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.command
}

// Changing reports whether the motor is still moving
func (m *Motor) Changing() (bool, error) {
	return m.Controller.Moving(m.Axis)
}

// Stop aborts the motion
func (m *Motor) Stop() error {
	return m.Controller.Stop(m.Axis)
}

// Selector holds one motor out of a fixed named set and forwards to it.
// Choosing a different motor never re-wires the code that uses the selector.
type Selector struct {
	mu      sync.RWMutex
	motors  map[string]*Motor
	current string
}

// NewSelector returns a selector over motors, with the first one selected
func NewSelector(motors ...*Motor) *Selector {
	s := &Selector{motors: make(map[string]*Motor)}
	for _, m := range motors {
		s.motors[m.Name] = m
		if s.current == "" {
			s.current = m.Name
		}
	}
	return s
}

// ErrUnknownMotor is returned when selecting a motor outside the set
var ErrUnknownMotor = errors.New("motion: unknown motor")

// Select chooses the named motor
func (s *Selector) Select(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.motors[name]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownMotor, name)
	}
	s.current = name
	return nil
}

// Selected returns the name of the selected motor
func (s *Selector) Selected() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Motor returns the selected motor
func (s *Selector) Motor() *Motor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.motors[s.current]
}

// Value reads the selected motor
func (s *Selector) Value() (float64, error) { return s.Motor().Value() }

// SetValue moves the selected motor
func (s *Selector) SetValue(v float64) error { return s.Motor().SetValue(v) }

// Changing reports whether the selected motor is moving
func (s *Selector) Changing() (bool, error) { return s.Motor().Changing() }
