package fileserver

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"log"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/biocars/lauecollect/util"
)

// Server serves a local directory tree over the file protocol.  Request paths
// are interpreted relative to Root.
type Server struct {
	Root string

	mu sync.Mutex
	ln net.Listener
}

// ListenAndServe listens on addr and serves until Close is called
func (s *Server) ListenAndServe(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln
func (s *Server) Serve(ln net.Listener) error {
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handle(conn)
	}
}

// Close stops the listener
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		req, err := readRequest(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("fileserver: %s: %v", conn.RemoteAddr(), err)
			}
			return
		}
		payload, err := s.dispatch(req)
		status := statusOK
		if err != nil {
			status = statusError + " " + err.Error()
			if errors.Is(err, fs.ErrNotExist) {
				status = statusError + " not found"
			}
			payload = nil
		}
		if err := writeResponse(conn, status, payload); err != nil {
			return
		}
	}
}

// local maps a request path into Root
func (s *Server) local(p string) string {
	return filepath.Join(s.Root, filepath.FromSlash(filepath.Clean("/"+p)))
}

func (s *Server) dispatch(req request) ([]byte, error) {
	p := s.local(req.path)
	switch req.verb {
	case VerbPut:
		return nil, util.WriteFileAtomic(p, req.payload)
	case VerbGet:
		return os.ReadFile(p)
	case VerbDel:
		err := os.Remove(p)
		if errors.Is(err, fs.ErrNotExist) {
			err = nil
		}
		return nil, err
	case VerbExists:
		if _, err := os.Stat(p); err != nil {
			return []byte("0"), nil
		}
		return []byte("1"), nil
	case VerbDir:
		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)
		return []byte(strings.Join(names, "\n")), nil
	case VerbSize:
		fi, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		return []byte(strconv.FormatInt(fi.Size(), 10)), nil
	default:
		return nil, errors.New("unknown verb " + req.verb)
	}
}
