// Package fileserver implements the line-oriented TCP file protocol used to
// read and write files on the timing FPGA.
//
// A request is
//
//	VERB /path
//	Content-Length: N
//
//	<N bytes>
//
// and a response is one or more status lines, a blank line, an optional
// Content-Length header, a blank line and the payload.  The verbs are PUT,
// GET, DEL, EXISTS, DIR and SIZE.
package fileserver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DefaultPort is the TCP port of the file server on the FPGA
const DefaultPort = 2001

// verbs understood by the server
const (
	VerbPut    = "PUT"
	VerbGet    = "GET"
	VerbDel    = "DEL"
	VerbExists = "EXISTS"
	VerbDir    = "DIR"
	VerbSize   = "SIZE"
)

const (
	statusOK    = "OK"
	statusError = "ERROR"
	lengthKey   = "content-length"

	// maxPayload bounds the size of a single transfer
	maxPayload = 1 << 30
)

var (
	// ErrNotFound is returned when the remote path does not exist
	ErrNotFound = errors.New("fileserver: no such file")

	// ErrMalformed is returned when a request or response can not be parsed
	ErrMalformed = errors.New("fileserver: malformed message")
)

// RemoteError is an error status returned by the server
type RemoteError struct {
	Verb, Path, Msg string
}

func (e RemoteError) Error() string {
	return fmt.Sprintf("fileserver: %s %s: %s", e.Verb, e.Path, e.Msg)
}

func writeRequest(w io.Writer, verb, path string, payload []byte) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s %s\nContent-Length: %d\n\n", verb, path, len(payload))
	bw.Write(payload)
	return bw.Flush()
}

func writeResponse(w io.Writer, status string, payload []byte) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintf(bw, "%s\n\nContent-Length: %d\n\n", status, len(payload))
	bw.Write(payload)
	return bw.Flush()
}

func readLine(r *bufio.Reader) (string, error) {
	s, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(s, "\r\n"), nil
}

// readHeaders consumes header lines up to and including the blank line and
// returns the content length, zero if absent
func readHeaders(r *bufio.Reader) (int, error) {
	n := 0
	for {
		line, err := readLine(r)
		if err != nil {
			return 0, err
		}
		if line == "" {
			return n, nil
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			return 0, fmt.Errorf("%w: header %q", ErrMalformed, line)
		}
		if strings.ToLower(strings.TrimSpace(k)) == lengthKey {
			n, err = strconv.Atoi(strings.TrimSpace(v))
			if err != nil || n < 0 || n > maxPayload {
				return 0, fmt.Errorf("%w: content length %q", ErrMalformed, v)
			}
		}
	}
}

func readPayload(r *bufio.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

type request struct {
	verb, path string
	payload    []byte
}

func readRequest(r *bufio.Reader) (request, error) {
	line, err := readLine(r)
	if err != nil {
		return request{}, err
	}
	verb, path, ok := strings.Cut(line, " ")
	if !ok || path == "" {
		return request{}, fmt.Errorf("%w: request line %q", ErrMalformed, line)
	}
	n, err := readHeaders(r)
	if err != nil {
		return request{}, err
	}
	payload, err := readPayload(r, n)
	if err != nil {
		return request{}, err
	}
	return request{verb: strings.ToUpper(verb), path: path, payload: payload}, nil
}

type response struct {
	status  []string
	payload []byte
}

func (r response) ok() bool {
	return len(r.status) > 0 && r.status[0] == statusOK
}

func (r response) message() string {
	if len(r.status) == 0 {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(r.status[0], statusError))
}

func readResponse(r *bufio.Reader) (response, error) {
	var resp response
	for {
		line, err := readLine(r)
		if err != nil {
			return resp, err
		}
		if line == "" {
			break
		}
		resp.status = append(resp.status, line)
	}
	n, err := readHeaders(r)
	if err != nil {
		return resp, err
	}
	resp.payload, err = readPayload(r, n)
	return resp, err
}
