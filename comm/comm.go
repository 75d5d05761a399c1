/*Package comm provides interfaces and embeddable types for communication with
beamline hardware.

Most usages of this package will boil down to:
	1.  embed RemoteDevice in a type that represents your hardware,
		or take a connection from a Pool for request/response protocols
	2.  set the terminators if the defaults (carriage return) are wrong
	3.  write methods that format requests and parse responses

A minimal example is provided below for a temperature sensor that responds to
"RD?" with the current temperature

	type MySensor struct {
		*comm.RemoteDevice
	}

	func (ms *MySensor) ReadTemp() (float64, error) {
		resp, err := ms.OpenSendRecvClose([]byte("RD?"))
		if err != nil {
			return 0, err
		}
		return strconv.ParseFloat(string(resp), 64)
	}
*/
package comm

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	terminator = byte('\r')

	// ErrNoSerialConf is generated when IsSerial is true but no serial config was given
	ErrNoSerialConf = errors.New("comm: IsSerial=true but no serial.Config provided")

	// ErrNotConnected is generated when .Conn is nil and Send or Recv is called.
	ErrNotConnected = errors.New("comm: conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("comm: termination byte not found")
)

/*RemoteDevice has an address and can Open, Send, Recv and Close.

If IsSerial is true, SerialConf must be populated.  The device is concurrent
safe; a mutex serializes request/response pairs.
*/
type RemoteDevice struct {
	Addr       string
	IsSerial   bool
	SerialConf *serial.Config
	Conn       io.ReadWriteCloser

	// Tx and Rx are the transmit and receive terminators
	Tx, Rx byte

	// Timeout is used for TCP connections
	Timeout time.Duration

	mu sync.Mutex
}

// NewRemoteDevice creates a new RemoteDevice instance with carriage return terminators
func NewRemoteDevice(addr string, isSerial bool, conf *serial.Config) *RemoteDevice {
	return &RemoteDevice{
		Addr:       addr,
		IsSerial:   isSerial,
		SerialConf: conf,
		Tx:         terminator,
		Rx:         terminator,
		Timeout:    3 * time.Second}
}

// Open the connection, setting the Conn variable
func (rd *RemoteDevice) Open() error {
	if rd.IsSerial && rd.SerialConf == nil {
		return ErrNoSerialConf
	}
	// we use an exponential backoff, serial port servers
	// do not like being connection thrashed
	wasTimeout := false
	op := func() error {
		err := rd.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") {
				return err
			}
			wasTimeout = true
			return err
		}
		wasTimeout = false
		return nil
	}

	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil {
		return nil
	}
	if wasTimeout {
		return fmt.Errorf("comm: connection timeout to %s: %w", rd.Addr, err)
	}
	return err
}

func (rd *RemoteDevice) open() error {
	var err error
	var conn io.ReadWriteCloser
	if rd.IsSerial {
		if rd.SerialConf == nil {
			return ErrNoSerialConf
		}
		conn, err = serial.OpenPort(rd.SerialConf)
	} else {
		conn, err = TCPSetup(rd.Addr, rd.Timeout)
	}
	if err != nil {
		return err
	}
	rd.Conn = conn
	return nil
}

// Close the connection, nil-ing the Conn variable
func (rd *RemoteDevice) Close() error {
	if rd.Conn == nil {
		return nil
	}
	err := rd.Conn.Close()
	if err == nil {
		rd.Conn = nil
	}
	return err
}

// Send writes data to the remote with the Tx terminator appended
func (rd *RemoteDevice) Send(b []byte) error {
	if rd.Conn == nil {
		return ErrNotConnected
	}
	b = append(b, rd.Tx)
	_, err := rd.Conn.Write(b)
	return err
}

// Recv recieves data from the remote and strips the Rx terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	if rd.Conn == nil {
		return nil, ErrNotConnected
	}
	buf, err := bufio.NewReader(rd.Conn).ReadBytes(rd.Rx)
	if err != nil {
		return []byte{}, err
	}
	if idx := bytes.IndexByte(buf, rd.Rx); idx >= 0 {
		return bytes.TrimRight(buf[:idx], "\r\n"), nil
	}
	return buf, ErrTerminatorNotFound
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	err := rd.Send(b)
	if err != nil {
		return []byte{}, err
	}
	return rd.Recv()
}

// OpenSendRecvClose opens a connection, sends b, reads the response,
// and closes the connection again
func (rd *RemoteDevice) OpenSendRecvClose(b []byte) ([]byte, error) {
	if err := rd.Open(); err != nil {
		return nil, err
	}
	defer rd.Close()
	return rd.SendRecv(b)
}

// OpenSendClose is OpenSendRecvClose without the read
func (rd *RemoteDevice) OpenSendClose(b []byte) error {
	if err := rd.Open(); err != nil {
		return err
	}
	defer rd.Close()
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.Send(b)
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
