package motion

import (
	"errors"
	"fmt"
	"sync"
)

// PVT is a position/velocity/time table.  Times are relative to the trigger
// that starts the trajectory.
type PVT struct {
	T []float64
	P []float64
	V []float64
}

// Len is the number of points
func (p PVT) Len() int { return len(p.T) }

// Append adds a point
func (p *PVT) Append(t, pos, vel float64) {
	p.T = append(p.T, t)
	p.P = append(p.P, pos)
	p.V = append(p.V, vel)
}

// ErrBadTrajectory is returned for tables that can not be executed
var ErrBadTrajectory = errors.New("motion: bad trajectory")

// Validate checks that the table is rectangular and time is increasing
func (p PVT) Validate() error {
	if len(p.P) != len(p.T) || len(p.V) != len(p.T) {
		return fmt.Errorf("%w: %d times, %d positions, %d velocities", ErrBadTrajectory, len(p.T), len(p.P), len(p.V))
	}
	for i := 1; i < len(p.T); i++ {
		if p.T[i] <= p.T[i-1] {
			return fmt.Errorf("%w: time not increasing at point %d", ErrBadTrajectory, i)
		}
	}
	return nil
}

// At interpolates the position at time t with cubic Hermite segments
func (p PVT) At(t float64) float64 {
	n := p.Len()
	if n == 0 {
		return 0
	}
	if t <= p.T[0] {
		return p.P[0]
	}
	if t >= p.T[n-1] {
		return p.P[n-1]
	}
	i := 1
	for p.T[i] < t {
		i++
	}
	dt := p.T[i] - p.T[i-1]
	s := (t - p.T[i-1]) / dt
	h00 := 2*s*s*s - 3*s*s + 1
	h10 := s*s*s - 2*s*s + s
	h01 := -2*s*s*s + 3*s*s
	h11 := s*s*s - s*s
	return h00*p.P[i-1] + h10*dt*p.V[i-1] + h01*p.P[i] + h11*dt*p.V[i]
}

// TriggeredStage follows a PVT table when the timing system triggers it
type TriggeredStage interface {
	Arm(axis string, p PVT) error
	Disarm(axis string) error
	Armed(axis string) (bool, error)
}

// MockStage records armed trajectories
type MockStage struct {
	mu    sync.Mutex
	armed map[string]PVT
}

// NewMockStage returns an empty mock stage
func NewMockStage() *MockStage {
	return &MockStage{armed: make(map[string]PVT)}
}

// Arm stores p for axis
func (m *MockStage) Arm(axis string, p PVT) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.armed[axis] = p
	return nil
}

// Disarm forgets the trajectory of axis
func (m *MockStage) Disarm(axis string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.armed, axis)
	return nil
}

// Armed reports whether axis has a trajectory
func (m *MockStage) Armed(axis string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.armed[axis]
	return ok, nil
}

// Trajectory returns the armed trajectory of axis
func (m *MockStage) Trajectory(axis string) (PVT, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.armed[axis]
	return p, ok
}
