package motion

import (
	"errors"
	"math"
	"sync"
	"time"
)

var (
	// ErrDisabled is returned when moving an axis that is not enabled
	ErrDisabled = errors.New("motion: axis not enabled")

	// ErrNotHomed is returned when moving an axis before homing it
	ErrNotHomed = errors.New("motion: axis not homed")

	// ErrMoving is returned when commanding an axis already in motion
	ErrMoving = errors.New("motion: axis in motion")
)

type mockAxis struct {
	enabled, homed bool
	vel            float64

	from, to float64
	start    time.Time
	dur      time.Duration
}

func (a *mockAxis) pos(now time.Time) float64 {
	if a.dur <= 0 {
		return a.to
	}
	el := now.Sub(a.start)
	if el >= a.dur {
		return a.to
	}
	return a.from + (a.to-a.from)*float64(el)/float64(a.dur)
}

func (a *mockAxis) moving(now time.Time) bool {
	return a.dur > 0 && now.Sub(a.start) < a.dur
}

// Mock is a controller whose axes move at constant velocity in wall time.
// Moves do not block.
type Mock struct {
	mu   sync.Mutex
	axes map[string]*mockAxis

	// DefaultVelocity is given to axes on first use, in units per second
	DefaultVelocity float64

	now func() time.Time
}

// NewMock returns a mock controller.  The named axes start enabled and homed.
func NewMock(axes ...string) *Mock {
	m := &Mock{axes: make(map[string]*mockAxis), DefaultVelocity: 1000, now: time.Now}
	for _, a := range axes {
		ax := m.axis(a)
		ax.enabled = true
		ax.homed = true
	}
	return m
}

// axis must be called with the lock held
func (m *Mock) axis(name string) *mockAxis {
	a, ok := m.axes[name]
	if !ok {
		a = &mockAxis{vel: m.DefaultVelocity}
		m.axes[name] = a
	}
	return a
}

// Enable enables an axis
func (m *Mock) Enable(axis string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.axis(axis).enabled = true
	return nil
}

// Disable disables an axis
func (m *Mock) Disable(axis string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.axis(axis)
	if a.moving(m.now()) {
		return ErrMoving
	}
	a.enabled = false
	return nil
}

// GetEnabled returns whether the axis is enabled
func (m *Mock) GetEnabled(axis string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.axis(axis).enabled, nil
}

// GetPos returns the interpolated position of the axis
func (m *Mock) GetPos(axis string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.axis(axis).pos(m.now()), nil
}

// GetVelocity returns the velocity of the axis
func (m *Mock) GetVelocity(axis string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.axis(axis).vel, nil
}

// SetVelocity sets the velocity of the axis
func (m *Mock) SetVelocity(axis string, v float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.axis(axis)
	if a.moving(m.now()) {
		return ErrMoving
	}
	a.vel = math.Abs(v)
	return nil
}

// Home homes the axis, moving it to zero instantly
func (m *Mock) Home(axis string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.axis(axis)
	if !a.enabled {
		return ErrDisabled
	}
	a.from, a.to, a.dur = 0, 0, 0
	a.homed = true
	return nil
}

// MoveAbs starts a move to pos
func (m *Mock) MoveAbs(axis string, pos float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.moveTo(m.axis(axis), pos)
}

// MoveRel starts a move by dPos
func (m *Mock) MoveRel(axis string, dPos float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.axis(axis)
	return m.moveTo(a, a.pos(m.now())+dPos)
}

func (m *Mock) moveTo(a *mockAxis, pos float64) error {
	now := m.now()
	switch {
	case !a.enabled:
		return ErrDisabled
	case !a.homed:
		return ErrNotHomed
	case a.moving(now):
		return ErrMoving
	}
	a.from = a.pos(now)
	a.to = pos
	a.start = now
	a.dur = 0
	if a.vel > 0 {
		a.dur = time.Duration(math.Abs(pos-a.from) / a.vel * float64(time.Second))
	}
	return nil
}

// Moving reports whether the axis is in motion
func (m *Mock) Moving(axis string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.axis(axis).moving(m.now()), nil
}

// Stop aborts motion, leaving the axis where it is
func (m *Mock) Stop(axis string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.axis(axis)
	now := m.now()
	a.to = a.pos(now)
	a.from = a.to
	a.dur = 0
	return nil
}
