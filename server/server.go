// Package server is the HTTP status and command surface of the supervisor.
//
// Every route is listed in a generichttp.RouteTable and bound onto a chi
// router; writes are rejected with 423 while the lock is held, which the
// supervisor does for the duration of a dataset.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/biocars/lauecollect/generichttp"
	"github.com/biocars/lauecollect/scheduler"
	"github.com/biocars/lauecollect/server/middleware/locker"
	"github.com/biocars/lauecollect/settings"
	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ReplyWithFile replies to the client request by serving the given file name
func ReplyWithFile(w http.ResponseWriter, r *http.Request, fn string, fldr string) {
	filePath, err := filepath.Abs(filepath.Join(fldr, fn))
	if err != nil {
		fstr := fmt.Sprintf("unable to compute abspath of file %s %s %s", fldr, fn, err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusInternalServerError)
		return
	}

	f, err := os.Open(filePath)
	if err != nil {
		fstr := fmt.Sprintf("source file missing %s", filePath)
		http.Error(w, fstr, http.StatusNotFound)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		fstr := fmt.Sprintf("error retrieving source file stats %s", err)
		log.Println(fstr)
		http.Error(w, fstr, http.StatusNotFound)
		return
	}
	http.ServeContent(w, r, fn, stat.ModTime(), f)
}

// Server routes HTTP requests to the supervisor and the configuration
type Server struct {
	Supervisor *scheduler.Supervisor
	Settings   *settings.Publisher
	Lock       *locker.Locker

	// Gatherer is served on /metrics, the default gatherer when nil
	Gatherer prometheus.Gatherer

	// Ctx is the context actions started over HTTP run under
	Ctx context.Context

	RouteTable generichttp.RouteTable

	// mounts are sub-routers served below a prefix, such as the motors
	mounts map[string]generichttp.HTTPer
}

// New returns a server with its route table populated.  The lock, when not
// nil, is not applied to the cancel routes, so a locked dataset can always
// be stopped.
func New(sup *scheduler.Supervisor, pub *settings.Publisher, lock *locker.Locker) *Server {
	if lock == nil {
		lock = locker.New()
	}
	lock.DoNotProtect = append(lock.DoNotProtect, "cancel", "finish-series")
	s := &Server{
		Supervisor: sup,
		Settings:   pub,
		Lock:       lock,
		Ctx:        context.Background(),
		RouteTable: generichttp.RouteTable{},
		mounts:     make(map[string]generichttp.HTTPer),
	}
	rt := s.RouteTable
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}] = s.status
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/action"}] = generichttp.GetString(func() (string, error) {
		return sup.Action(), nil
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/action"}] = s.action
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/cancel"}] = func(w http.ResponseWriter, r *http.Request) {
		sup.Cancel()
		w.WriteHeader(http.StatusOK)
	}
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/finish-series"}] = func(w http.ResponseWriter, r *http.Request) {
		sup.FinishSeries()
		w.WriteHeader(http.StatusOK)
	}
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/image-number"}] = generichttp.GetInt(func() (int, error) {
		return sup.ImageNumber(), nil
	})
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/image-number"}] = generichttp.SetInt(func(i int) error {
		if i < 1 {
			return fmt.Errorf("image number %d must be at least 1", i)
		}
		sup.SetImageNumber(i)
		return nil
	})
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/config"}] = s.config
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/config/{section}/{key}"}] = s.getKey
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/config/{section}/{key}"}] = s.setKey
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/logfile"}] = s.logfile
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/endpoints"}] = s.endpoints
	locker.Inject(s, lock)
	return s
}

// RT satisfies the generichttp.HTTPer interface
func (s *Server) RT() generichttp.RouteTable {
	return s.RouteTable
}

// Mount serves the routes of h below prefix, behind the same lock
func (s *Server) Mount(prefix string, h generichttp.HTTPer) {
	s.mounts[generichttp.SubMuxSanitize(prefix)] = h
}

// Handler binds every route onto a new chi router
func (s *Server) Handler() http.Handler {
	root := chi.NewRouter()
	root.Use(middleware.Recoverer)
	root.Use(s.Lock.Check)
	s.RouteTable.Bind(root)
	g := s.Gatherer
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	root.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	for prefix, h := range s.mounts {
		r := chi.NewRouter()
		h.RT().Bind(r)
		root.Mount(prefix, r)
	}
	return root
}

// Endpoints lists every route served, including /metrics and the mounts
func (s *Server) Endpoints() []string {
	out := append(s.RouteTable.Endpoints(), http.MethodGet+" /metrics")
	for prefix, h := range s.mounts {
		for _, ep := range h.RT().Endpoints() {
			parts := strings.SplitN(ep, " ", 2)
			out = append(out, parts[0]+" "+prefix+parts[1])
		}
	}
	sort.Strings(out)
	return out
}

// ListenAndServe serves the handler on addr
func (s *Server) ListenAndServe(addr string) error {
	log.Println("server: now listening for requests at", addr)
	return http.ListenAndServe(addr, s.Handler())
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, s.Supervisor.Status())
}

func (s *Server) endpoints(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, s.Endpoints())
}

func (s *Server) action(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	err = s.Supervisor.Do(s.Ctx, str.Str)
	switch {
	case errors.Is(err, scheduler.ErrUnknownAction):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, scheduler.ErrBusy):
		http.Error(w, err.Error(), http.StatusConflict)
	case err != nil:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		w.WriteHeader(http.StatusAccepted)
	}
}

// config returns every key of the configuration with its literal value
func (s *Server) config(w http.ResponseWriter, r *http.Request) {
	c := s.Settings.Get()
	out := make(map[string]string)
	for _, k := range settings.Keys(c) {
		v, err := settings.Get(c, k)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		out[k] = v
	}
	generichttp.RespondJSON(w, out)
}

func configKey(r *http.Request) string {
	return chi.URLParam(r, "section") + "." + chi.URLParam(r, "key")
}

func configStatus(err error) int {
	if errors.Is(err, settings.ErrUnknownKey) {
		return http.StatusNotFound
	}
	return http.StatusBadRequest
}

func (s *Server) getKey(w http.ResponseWriter, r *http.Request) {
	v, err := settings.Get(s.Settings.Get(), configKey(r))
	if err != nil {
		http.Error(w, err.Error(), configStatus(err))
		return
	}
	generichttp.RespondJSON(w, generichttp.StrT{Str: v})
}

// setKey takes the value as a literal, {"str": "[0.0, 5.0]"}
func (s *Server) setKey(w http.ResponseWriter, r *http.Request) {
	str := generichttp.StrT{}
	err := json.NewDecoder(r.Body).Decode(&str)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key := configKey(r)
	if err := s.Settings.Set(key, str.Str); err != nil {
		http.Error(w, err.Error(), configStatus(err))
		return
	}
	section := chi.URLParam(r, "section")
	if (section == "options" || section == "param") && s.Supervisor.Action() == scheduler.Idle {
		if _, err := s.Supervisor.LoadDataset(); err != nil {
			log.Printf("server: loading dataset after setting %s: %v\n", key, err)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// logfile serves the log of the configured dataset
func (s *Server) logfile(w http.ResponseWriter, r *http.Request) {
	p := scheduler.LogPath(s.Settings.Get().Options)
	ReplyWithFile(w, r, filepath.Base(p), filepath.Dir(p))
}
