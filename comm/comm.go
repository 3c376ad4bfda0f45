/*Package comm provides the transport pieces used to talk to lab hardware over
TCP or RS232.

Most usages of this package boil down to:
	1.  open a connection with DialBackoff (TCP) or OpenSerial (RS232)
	2.  wrap it in a bufio.Reader owned by exactly one goroutine at a time
	3.  arm a deadline with ArmDeadline before each exchange
	4.  read replies with ReadUntil, or ReadByte for unterminated acknowledgements

A minimal example for a sensor that answers "RD?" with a CRLF terminated
temperature:

	conn, err := comm.DialBackoff(ctx, "192.168.100.123:2006", 3*time.Second)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	comm.ArmDeadline(conn, time.Second)
	_, err = conn.Write([]byte("RD?\r\n"))
	if err != nil {
		return 0, err
	}
	resp, err := comm.ReadUntil(bufio.NewReader(conn), comm.CRLF, 64)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(string(bytes.TrimSpace(resp)), 64)
*/
package comm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// CRLF is the carriage return, line feed terminator pair
	CRLF = []byte{'\r', '\n'}

	// ErrTerminatorNotFound is generated when the termination sequence is not
	// found within the allowed number of bytes
	ErrTerminatorNotFound = errors.New("termination sequence not found")
)

// DialBackoff opens a TCP connection to addr.  Dial errors other than a
// refused connection are retried with an exponential backoff until timeout
// has elapsed since the first attempt; a refused connection is returned
// immediately, because nothing is listening and waiting will not help.
func DialBackoff(ctx context.Context, addr string, timeout time.Duration) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var conn net.Conn
	op := func() error {
		var d net.Dialer
		c, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			if ctx.Err() != nil || strings.Contains(strings.ToLower(err.Error()), "refused") {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}
	// the devices behind terminal servers do not like being connection
	// thrashed, so the backoff is exponential and not randomized
	b := &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      timeout,
		Clock:               backoff.SystemClock}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("connection timeout to %s: %w", addr, err)
		}
		return nil, err
	}
	return conn, nil
}

// SerialConf returns a serial.Config for an 8N1 port at the given baud rate
func SerialConf(addr string, baud int, readTimeout time.Duration) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: readTimeout}
}

// OpenSerial opens a serial port.  Serial ports do not support deadlines;
// the read timeout in the config bounds every read instead.
func OpenSerial(conf *serial.Config) (io.ReadWriteCloser, error) {
	if conf == nil {
		return nil, errors.New("comm: nil serial config")
	}
	return serial.OpenPort(conf)
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// ArmDeadline sets the read and write deadline of rw to now+timeout if rw
// supports deadlines, and does nothing otherwise.  A zero timeout clears the
// deadline.
func ArmDeadline(rw interface{}, timeout time.Duration) error {
	d, ok := rw.(deadliner)
	if !ok {
		return nil
	}
	if timeout == 0 {
		return d.SetDeadline(time.Time{})
	}
	return d.SetDeadline(time.Now().Add(timeout))
}

// ReadUntil reads from r until the bytes read end with term, returning
// everything read including the terminator.  If max bytes are read without
// finding term, ErrTerminatorNotFound is returned along with the bytes read.
func ReadUntil(r *bufio.Reader, term []byte, max int) ([]byte, error) {
	buf := make([]byte, 0, 32)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return buf, err
		}
		buf = append(buf, b)
		if bytes.HasSuffix(buf, term) {
			return buf, nil
		}
		if len(buf) >= max {
			return buf, ErrTerminatorNotFound
		}
	}
}

// IsTimeout returns true if err is a network timeout
func IsTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}
