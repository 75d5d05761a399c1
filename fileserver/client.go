package fileserver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/biocars/lauecollect/comm"
	"github.com/biocars/lauecollect/metrics"
	"github.com/cenkalti/backoff"
)

// DefaultTimeout is the per-request deadline
var DefaultTimeout = 5 * time.Second

// pools is shared by every Client so that connections are cached per host:port
var pools = comm.NewPoolCache(4, 30*time.Second, func(addr string) comm.CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return comm.TCPSetup(addr, DefaultTimeout)
	}
})

type deadliner interface {
	SetDeadline(time.Time) error
}

// Client talks to one file server
type Client struct {
	// Addr is host:port.  A bare host gets DefaultPort
	Addr string

	// Timeout bounds each request, DefaultTimeout if zero
	Timeout time.Duration

	// RetryDelay is the pause before the single retry
	RetryDelay time.Duration

	Metrics *metrics.Metrics
}

// NewClient returns a client for addr
func NewClient(addr string) *Client {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(DefaultPort))
	}
	return &Client{Addr: addr, Timeout: DefaultTimeout, RetryDelay: 50 * time.Millisecond}
}

// do performs one request with a single retry on transport errors.
// Server-side errors are not retried.
func (c *Client) do(verb, path string, payload []byte) ([]byte, error) {
	var out []byte
	op := func() error {
		resp, err := c.roundTrip(verb, path, payload)
		if err != nil {
			return err
		}
		if !resp.ok() {
			msg := resp.message()
			if strings.Contains(strings.ToLower(msg), "not found") {
				return backoff.Permanent(fmt.Errorf("%w: %s", ErrNotFound, path))
			}
			return backoff.Permanent(RemoteError{Verb: verb, Path: path, Msg: msg})
		}
		out = resp.payload
		return nil
	}
	notify := func(err error, d time.Duration) {
		c.Metrics.Inc(metrics.FileServerRetries)
		log.Printf("fileserver: %s %s %s failed, retrying: %v", c.Addr, verb, path, err)
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(c.RetryDelay), 1)
	err := backoff.RetryNotify(op, b, notify)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			c.Metrics.Inc(metrics.FileServerErrors)
			log.Printf("fileserver: %s %s %s: %v", c.Addr, verb, path, err)
		}
		return nil, err
	}
	return out, nil
}

func (c *Client) roundTrip(verb, path string, payload []byte) (response, error) {
	pool := pools.For(c.Addr)
	conn, err := pool.Get()
	if err != nil {
		return response{}, err
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}
	if d, ok := conn.(deadliner); ok {
		d.SetDeadline(time.Now().Add(timeout))
	}
	err = writeRequest(conn, verb, path, payload)
	if err != nil {
		pool.Destroy(conn)
		return response{}, err
	}
	resp, err := readResponse(bufio.NewReader(conn))
	pool.ReturnWithError(conn, err)
	return resp, err
}

// Put writes data to path, replacing it atomically
func (c *Client) Put(path string, data []byte) error {
	_, err := c.do(VerbPut, path, data)
	if err == nil {
		c.Metrics.Add(metrics.UploadBytes, float64(len(data)))
	}
	return err
}

// Get returns the contents of path.  On failure the returned slice is empty.
func (c *Client) Get(path string) ([]byte, error) {
	return c.do(VerbGet, path, nil)
}

// Del removes path.  Removing a missing path is not an error.
func (c *Client) Del(path string) error {
	_, err := c.do(VerbDel, path, nil)
	return err
}

// Exists reports whether path exists
func (c *Client) Exists(path string) (bool, error) {
	b, err := c.do(VerbExists, path, nil)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(string(b)) == "1", nil
}

// Dir lists the names in the directory path
func (c *Client) Dir(path string) ([]string, error) {
	b, err := c.do(VerbDir, path, nil)
	if err != nil {
		return nil, err
	}
	return splitLines(string(b)), nil
}

// Size returns the size of path in bytes
func (c *Client) Size(path string) (int64, error) {
	b, err := c.do(VerbSize, path, nil)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(b)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: size %q", ErrMalformed, b)
	}
	return n, nil
}

func splitLines(s string) []string {
	var out []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}
