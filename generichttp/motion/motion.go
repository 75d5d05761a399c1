// Package motion provides an HTTP interface to the beamline motors
package motion

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"sort"

	"github.com/biocars/lauecollect/generichttp"
	lmotion "github.com/biocars/lauecollect/motion"
	"github.com/biocars/lauecollect/util"
	"github.com/go-chi/chi"
)

// ErrNoMotor is returned for axis names that are not in the motor set
var ErrNoMotor = errors.New("no such motor")

func httpStatus(err error) int {
	var br badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoMotor):
		return http.StatusNotFound
	case errors.Is(err, lmotion.ErrLimit):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// Motors exposes a named set of motors as axes.  The axis of every route is
// the motor name, not the controller axis.
type Motors map[string]*lmotion.Motor

func (m Motors) motor(name string) (*lmotion.Motor, error) {
	mot, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoMotor, name)
	}
	return mot, nil
}

// GetPos returns the position of the named motor
func (m Motors) GetPos(name string) (float64, error) {
	mot, err := m.motor(name)
	if err != nil {
		return 0, err
	}
	return mot.Value()
}

// MoveAbs starts a move of the named motor, within its limits
func (m Motors) MoveAbs(name string, pos float64) error {
	mot, err := m.motor(name)
	if err != nil {
		return err
	}
	return mot.SetValue(pos)
}

// MoveRel starts a move of the named motor by dPos
func (m Motors) MoveRel(name string, dPos float64) error {
	mot, err := m.motor(name)
	if err != nil {
		return err
	}
	pos, err := mot.Value()
	if err != nil {
		return err
	}
	return mot.SetValue(pos + dPos)
}

// Home homes the named motor
func (m Motors) Home(name string) error {
	mot, err := m.motor(name)
	if err != nil {
		return err
	}
	return mot.Controller.Home(mot.Axis)
}

// Stop aborts the motion of the named motor
func (m Motors) Stop(name string) error {
	mot, err := m.motor(name)
	if err != nil {
		return err
	}
	return mot.Stop()
}

// Moving reports if the named motor is moving
func (m Motors) Moving(name string) (bool, error) {
	mot, err := m.motor(name)
	if err != nil {
		return false, err
	}
	return mot.Changing()
}

// State is a snapshot of one motor
type State struct {
	Name    string  `json:"name"`
	Axis    string  `json:"axis"`
	Pos     float64 `json:"pos"`
	Command float64 `json:"command"` // the position before the first move
	Moving  bool    `json:"moving"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
}

// State reads the named motor
func (m Motors) State(name string) (State, error) {
	mot, err := m.motor(name)
	if err != nil {
		return State{}, err
	}
	pos, err := mot.Value()
	if err != nil {
		return State{}, err
	}
	moving, err := mot.Changing()
	if err != nil {
		return State{}, err
	}
	cmd := mot.Command()
	if math.IsNaN(cmd) {
		cmd = pos
	}
	return State{Name: mot.Name, Axis: mot.Axis, Pos: pos, Command: cmd, Moving: moving, Min: mot.Min, Max: mot.Max}, nil
}

// Names lists the motors, sorted
func (m Motors) Names() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Limits returns the software limits of the motors that have them
func (m Motors) Limits() map[string]util.Limiter {
	out := make(map[string]util.Limiter)
	for k, mot := range m {
		if mot.Min != 0 || mot.Max != 0 {
			out[k] = util.Limiter{Min: mot.Min, Max: mot.Max}
		}
	}
	return out
}

// HTTPMotionController wraps a motion controller in an HTTP route table
type HTTPMotionController struct {
	Controller Mover

	RouteTable generichttp.RouteTable
}

// NewHTTPMotionController returns a new HTTP wrapper with the routes of every
// interface c implements
func NewHTTPMotionController(c Mover) HTTPMotionController {
	w := HTTPMotionController{Controller: c}
	rt := generichttp.RouteTable{}
	HTTPMove(c, rt)
	if stopper, ok := interface{}(c).(Stopper); ok {
		HTTPStop(stopper, rt)
	}
	if m, ok := c.(Motors); ok {
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/axes"}] = func(w http.ResponseWriter, r *http.Request) {
			generichttp.RespondJSON(w, m.Names())
		}
		rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}"}] = func(w http.ResponseWriter, r *http.Request) {
			st, err := m.State(chi.URLParam(r, "axis"))
			if err != nil {
				http.Error(w, err.Error(), httpStatus(err))
				return
			}
			generichttp.RespondJSON(w, st)
		}
	}
	w.RouteTable = rt
	return w
}

// RT satisfies the HTTPer interface
func (h HTTPMotionController) RT() generichttp.RouteTable {
	return h.RouteTable
}
