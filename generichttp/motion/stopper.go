package motion

import (
	"go/types"
	"net/http"

	"github.com/biocars/lauecollect/generichttp"
)

// Stopper aborts and follows motor moves
type Stopper interface {
	Stop(string) error
	Moving(string) (bool, error)
}

// HTTPStop adds the stop and moving routes of s to table
func HTTPStop(s Stopper, table generichttp.RouteTable) {
	table[generichttp.MethodPath{Method: http.MethodPost, Path: "/axis/{axis}/stop"}] = motorRoute(func(name string, r *http.Request) (*generichttp.HumanPayload, error) {
		return nil, s.Stop(name)
	})
	table[generichttp.MethodPath{Method: http.MethodGet, Path: "/axis/{axis}/moving"}] = motorRoute(func(name string, r *http.Request) (*generichttp.HumanPayload, error) {
		moving, err := s.Moving(name)
		if err != nil {
			return nil, err
		}
		return &generichttp.HumanPayload{T: types.Bool, Bool: moving}, nil
	})
}
