package motion

import (
	"encoding/json"
	"go/types"
	"net/http"
	"strconv"

	"github.com/biocars/lauecollect/generichttp"
	"github.com/go-chi/chi"
)

// Mover moves motors by name
type Mover interface {
	GetPos(string) (float64, error)
	MoveAbs(string, float64) error
	MoveRel(string, float64) error
	Home(string) error
}

// motorRoute adapts fn to a handler on /axis/{axis}/...  A nil payload
// replies 200 with no body; errors map through httpStatus.
func motorRoute(fn func(name string, r *http.Request) (*generichttp.HumanPayload, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		hp, err := fn(chi.URLParam(r, "axis"), r)
		if err != nil {
			http.Error(w, err.Error(), httpStatus(err))
			return
		}
		if hp == nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		hp.EncodeAndRespond(w, r)
	}
}

// HTTPMove adds the position and homing routes of m to table
func HTTPMove(m Mover, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/pos"}] = motorRoute(func(name string, r *http.Request) (*generichttp.HumanPayload, error) {
		pos, err := m.GetPos(name)
		if err != nil {
			return nil, err
		}
		return &generichttp.HumanPayload{T: types.Float64, Float: pos}, nil
	})
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/pos"}] = SetPos(m)
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/home"}] = motorRoute(func(name string, r *http.Request) (*generichttp.HumanPayload, error) {
		return nil, m.Home(name)
	})
}

// popAxisRelative returns the motor of a move request and whether the move
// is relative, ?relative=true
func popAxisRelative(r *http.Request) (string, bool, error) {
	axis := chi.URLParam(r, "axis")
	q := r.URL.Query().Get("relative")
	if q == "" {
		return axis, false, nil
	}
	rel, err := strconv.ParseBool(q)
	return axis, rel, err
}

// badRequest marks errors in the request itself
type badRequest struct{ error }

// SetPos starts a move to {"f64": pos}, by pos with ?relative=true.  The
// reply does not wait for the move to finish.
func SetPos(m Mover) http.HandlerFunc {
	return motorRoute(func(name string, r *http.Request) (*generichttp.HumanPayload, error) {
		_, rel, err := popAxisRelative(r)
		if err != nil {
			return nil, badRequest{err}
		}
		f := generichttp.FloatT{}
		defer r.Body.Close()
		if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
			return nil, badRequest{err}
		}
		if rel {
			return nil, m.MoveRel(name, f.F64)
		}
		return nil, m.MoveAbs(name, f.F64)
	})
}
