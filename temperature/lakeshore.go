package temperature

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"

	"github.com/biocars/lauecollect/comm"
)

// per the Lakeshore 33x manual the serial interface uses
// 9600 baud, 7 data bits, odd parity, 1 stop bit, CRLF terminators

func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        9600,
		Size:        7,
		Parity:      serial.ParityOdd,
		StopBits:    serial.Stop1,
		ReadTimeout: 1 * time.Second}
}

// Lakeshore is a Lakeshore 33x controller on a serial line or terminal server.
// Loop 1 regulates the sample and input A senses it.
type Lakeshore struct {
	*comm.RemoteDevice
	Input string
	Loop  int
}

// NewLakeshore returns a controller at addr
func NewLakeshore(addr string, isSerial bool) *Lakeshore {
	var conf *serial.Config
	if isSerial {
		conf = makeSerConf(addr)
	}
	rd := comm.NewRemoteDevice(addr, isSerial, conf)
	rd.Tx = '\n'
	rd.Rx = '\n'
	return &Lakeshore{RemoteDevice: rd, Input: "A", Loop: 1}
}

func (l *Lakeshore) query(cmd string) (float64, error) {
	resp, err := l.OpenSendRecvClose([]byte(cmd + "\r"))
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(string(resp)), 64)
	if err != nil {
		return 0, fmt.Errorf("lakeshore: %s: %w", cmd, err)
	}
	return f, nil
}

// Temperature reads the sensor in C
func (l *Lakeshore) Temperature() (Celsius, error) {
	f, err := l.query("CRDG? " + l.Input)
	return Celsius(f), err
}

// Setpoint reads the control loop setpoint
func (l *Lakeshore) Setpoint() (Celsius, error) {
	f, err := l.query("SETP? " + strconv.Itoa(l.Loop))
	return Celsius(f), err
}

// SetSetpoint changes the control loop setpoint
func (l *Lakeshore) SetSetpoint(c Celsius) error {
	cmd := fmt.Sprintf("SETP %d,%.3f\r", l.Loop, float64(c))
	return l.OpenSendClose([]byte(cmd))
}
