package temperature

import (
	"math"
	"sync"
	"time"
)

// Mock ramps linearly toward its setpoint
type Mock struct {
	mu    sync.Mutex
	temp  Celsius
	sp    Celsius
	rate  float64
	since time.Time
	now   func() time.Time
}

// NewMock returns a mock at t ramping at rate C/s
func NewMock(t Celsius, rate float64) *Mock {
	if rate <= 0 {
		rate = 1
	}
	return &Mock{temp: t, sp: t, rate: rate, since: time.Now(), now: time.Now}
}

// advance must be called with the lock held
func (m *Mock) advance() {
	now := m.now()
	step := Celsius(m.rate * now.Sub(m.since).Seconds())
	m.since = now
	d := m.sp - m.temp
	if Celsius(math.Abs(float64(d))) <= step {
		m.temp = m.sp
		return
	}
	if d > 0 {
		m.temp += step
	} else {
		m.temp -= step
	}
}

func (m *Mock) Temperature() (Celsius, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()
	return m.temp, nil
}

func (m *Mock) Setpoint() (Celsius, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sp, nil
}

func (m *Mock) SetSetpoint(c Celsius) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.advance()
	m.sp = c
	return nil
}
