package atspec

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.jpl.nasa.gov/bdube/atspec/comm"
)

const (
	// DefaultIdentifier is the text the second banner line must contain
	DefaultIdentifier = "Spectrograph"

	// DefaultConnectionTimeout bounds establishing the socket and reading the banner
	DefaultConnectionTimeout = 60 * time.Second

	// DefaultResponseTimeout bounds one command/reply cycle
	DefaultResponseTimeout = 30 * time.Second

	// SerialBaud is the baud rate of the controller's RS232 port
	SerialBaud = 9600

	maxReply     = 256
	bannerLines  = 2
	promptSuffix = string(ReadyPrompt)
)

// LinkConfig holds the connection parameters of a Link
type LinkConfig struct {
	// Addr is host:port for TCP, or a device path when Serial is true
	Addr string

	// Serial opens Addr as an RS232 port instead of dialing TCP
	Serial bool

	// Identifier must appear in the second banner line.  Defaults to
	// DefaultIdentifier.
	Identifier string

	ConnectionTimeout time.Duration
	ResponseTimeout   time.Duration

	// AwaitConnect makes the typed helpers wait for a connect that is in
	// progress instead of failing with ErrNotConnected
	AwaitConnect bool
}

func (c LinkConfig) withDefaults() LinkConfig {
	if c.Identifier == "" {
		c.Identifier = DefaultIdentifier
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = DefaultConnectionTimeout
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = DefaultResponseTimeout
	}
	return c
}

// Link is the one connection to the controller.  At most one
// command is on the wire at a time; concurrent callers queue for the command
// token in arrival order.
//
// A context passed to a Link method is only consulted while waiting for a
// connection or for the command token.  Once a command has been written the
// exchange runs until it completes or the response timeout expires.
type Link struct {
	cfg     LinkConfig
	log     logrus.FieldLogger
	metrics *Metrics

	// token is a one slot semaphore; holding it is owning the wire
	token chan struct{}

	mu         sync.Mutex
	conn       io.ReadWriteCloser
	rd         *bufio.Reader
	connecting chan struct{}

	// prompted is set when the ready prompt that precedes the next command
	// was already consumed while draining a rejection
	prompted bool
}

// NewLink returns a disconnected Link.  log and m may be nil.
func NewLink(cfg LinkConfig, log logrus.FieldLogger, m *Metrics) *Link {
	cfg = cfg.withDefaults()
	if log == nil {
		log = discardLogger()
	}
	return &Link{
		cfg:     cfg,
		log:     log.WithField("addr", cfg.Addr),
		metrics: m,
		token:   make(chan struct{}, 1),
	}
}

// Addr returns the address the link connects to
func (l *Link) Addr() string {
	return l.cfg.Addr
}

// Connected returns true if the link is up
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// Connect opens the transport and validates the banner.  It fails if the
// link is already up or another Connect is running.  On any failure the
// link is left disconnected.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.conn != nil {
		l.mu.Unlock()
		return &ConnectionError{Addr: l.cfg.Addr, Err: ErrAlreadyConnected}
	}
	if l.connecting != nil {
		l.mu.Unlock()
		return &ConnectionError{Addr: l.cfg.Addr, Err: ErrConnectInProgress}
	}
	done := make(chan struct{})
	l.connecting = done
	l.mu.Unlock()

	conn, rd, err := l.open(ctx)

	l.mu.Lock()
	l.connecting = nil
	if err == nil {
		l.conn = conn
		l.rd = rd
		l.prompted = false
	}
	l.mu.Unlock()
	close(done)

	if err != nil {
		l.log.WithError(err).Warn("connect failed")
		return err
	}
	l.metrics.connected(true)
	l.log.Info("connected")
	return nil
}

func (l *Link) open(ctx context.Context) (io.ReadWriteCloser, *bufio.Reader, error) {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	if l.cfg.Serial {
		conn, err = comm.OpenSerial(comm.SerialConf(l.cfg.Addr, SerialBaud, l.cfg.ResponseTimeout))
	} else {
		conn, err = comm.DialBackoff(ctx, l.cfg.Addr, l.cfg.ConnectionTimeout)
	}
	if err != nil {
		return nil, nil, &ConnectionError{Addr: l.cfg.Addr, Err: err}
	}
	rd := bufio.NewReader(conn)
	if err := l.readBanner(conn, rd); err != nil {
		conn.Close()
		return nil, nil, l.ioError(err)
	}
	return conn, rd, nil
}

func (l *Link) readBanner(conn io.ReadWriteCloser, rd *bufio.Reader) error {
	var last string
	for i := 0; i < bannerLines; i++ {
		if err := comm.ArmDeadline(conn, l.cfg.ResponseTimeout); err != nil {
			return err
		}
		line, err := comm.ReadUntil(rd, comm.CRLF, maxReply)
		if err != nil {
			if err == comm.ErrTerminatorNotFound {
				return &ProtocolError{Reply: string(line), Reason: "banner line too long"}
			}
			return err
		}
		last = string(line)
	}
	if !strings.Contains(last, l.cfg.Identifier) {
		return &ProtocolError{Reply: last, Reason: "banner does not identify a " + l.cfg.Identifier}
	}
	return nil
}

// Disconnect closes the link.  It is safe to call at any time, any number of
// times.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.rd = nil
	l.prompted = false
	l.mu.Unlock()
	if conn == nil {
		return nil
	}
	l.metrics.connected(false)
	l.log.Info("disconnected")
	conn.Close()
	return nil
}

// teardown drops conn if it is still the live connection
func (l *Link) teardown(conn io.ReadWriteCloser, cause error) {
	l.mu.Lock()
	if l.conn != conn {
		l.mu.Unlock()
		return
	}
	l.conn = nil
	l.rd = nil
	l.prompted = false
	l.mu.Unlock()
	l.metrics.connected(false)
	l.log.WithError(cause).Warn("link torn down")
	conn.Close()
}

// await returns once the link is connected.  If a connect is in progress and
// wantConnection is true it waits for the outcome of that connect.
func (l *Link) await(ctx context.Context, wantConnection bool) error {
	l.mu.Lock()
	up, pending := l.conn != nil, l.connecting
	l.mu.Unlock()
	if up {
		return nil
	}
	if !wantConnection || pending == nil {
		return ErrNotConnected
	}
	select {
	case <-pending:
	case <-ctx.Done():
		return ctx.Err()
	}
	if !l.Connected() {
		return &ConnectionError{Addr: l.cfg.Addr, Err: ErrNotConnected}
	}
	return nil
}

// RunCommand performs one exchange.  For a status query the reply line is
// returned with its terminator stripped; for a command the reply is empty
// on success and a *CommandFailedError carries the controller's text
// otherwise.  Nothing is retried.
func (l *Link) RunCommand(ctx context.Context, cmd []byte, wantConnection bool) (string, error) {
	return l.run(ctx, cmd, wantConnection, nil)
}

// run is RunCommand with an optional decode step performed while the token
// is still held, so a reply that does not decode tears down the exact
// connection that produced it
func (l *Link) run(ctx context.Context, cmd []byte, wantConnection bool, decode func(string) error) (reply string, err error) {
	name := commandName(cmd)
	start := time.Now()
	defer func() { l.metrics.exchange(name, start, err) }()

	if len(cmd) == 0 || (cmd[0] != QuerySigil && cmd[0] != CommandSigil) {
		return "", &ProtocolError{Reply: string(cmd), Reason: "command must start with ? or !"}
	}
	if err = l.await(ctx, wantConnection); err != nil {
		return "", err
	}
	select {
	case l.token <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-l.token }()

	l.mu.Lock()
	conn, rd, prompted := l.conn, l.rd, l.prompted
	l.prompted = false
	l.mu.Unlock()
	if conn == nil {
		// torn down while queued
		return "", ErrNotConnected
	}

	reply, err = l.exchange(conn, rd, prompted, cmd, name)
	if err == nil && decode != nil {
		err = decode(reply)
	}
	if err != nil {
		if _, ok := err.(*CommandFailedError); !ok {
			l.teardown(conn, err)
		}
		l.log.WithFields(logrus.Fields{"cmd": name, "reply": reply}).WithError(err).Debug("exchange failed")
		return reply, err
	}
	l.log.WithFields(logrus.Fields{"cmd": name, "reply": reply}).Debug("exchange")
	return reply, nil
}

func (l *Link) exchange(conn io.ReadWriteCloser, rd *bufio.Reader, prompted bool, cmd []byte, name string) (string, error) {
	rt := l.cfg.ResponseTimeout
	if !prompted {
		if err := comm.ArmDeadline(conn, rt); err != nil {
			return "", l.ioError(err)
		}
		b, err := rd.ReadByte()
		if err != nil {
			return "", &NotReadyError{Err: err}
		}
		if b != ReadyPrompt {
			return "", &NotReadyError{Got: []byte{b}}
		}
	}

	if err := comm.ArmDeadline(conn, rt); err != nil {
		return "", l.ioError(err)
	}
	if _, err := conn.Write(cmd); err != nil {
		return "", l.ioError(err)
	}

	if cmd[0] == QuerySigil {
		line, err := comm.ReadUntil(rd, comm.CRLF, maxReply)
		if err != nil {
			if err == comm.ErrTerminatorNotFound {
				return "", &ProtocolError{Reply: string(line), Reason: "reply not terminated"}
			}
			return "", l.ioError(err)
		}
		return strings.TrimRight(string(line), terminator), nil
	}

	b, err := rd.ReadByte()
	if err != nil {
		return "", l.ioError(err)
	}
	if b == AckOK {
		return "", nil
	}

	// a rejection is free text followed by the ready prompt; consume both so
	// the next exchange starts aligned
	rest, err := comm.ReadUntil(rd, []byte{ReadyPrompt}, maxReply)
	text := string(b) + string(rest)
	if err != nil {
		if err == comm.ErrTerminatorNotFound {
			return "", &ProtocolError{Reply: text, Reason: "rejection not followed by a ready prompt"}
		}
		return "", l.ioError(err)
	}
	l.mu.Lock()
	if l.conn == conn {
		l.prompted = true
	}
	l.mu.Unlock()
	text = strings.TrimSuffix(text, promptSuffix)
	return "", &CommandFailedError{Cmd: name, Reply: strings.Trim(text, terminator)}
}

// ioError wraps a transport failure.  An expired read or write deadline
// also matches ErrResponseTimeout.
func (l *Link) ioError(err error) error {
	if comm.IsTimeout(err) {
		err = fmt.Errorf("%w: %w", ErrResponseTimeout, err)
	}
	return &ConnectionError{Addr: l.cfg.Addr, Err: err}
}

// commandName is the four character token of a command, e.g. !FWM
func commandName(cmd []byte) string {
	s := strings.TrimRight(string(cmd), terminator)
	if len(s) > 4 {
		s = s[:4]
	}
	return s
}

// QueryStatus reads the status of one axis
func (l *Link) QueryStatus(ctx context.Context, a Axis) (Sample, error) {
	var s Sample
	_, err := l.run(ctx, EncodeStatusQuery(a), l.cfg.AwaitConnect, func(reply string) error {
		var err error
		s, err = DecodeStatus(reply)
		return err
	})
	return s, err
}

// Home sends the home command for one axis.  It returns once the controller
// acknowledges, not once the axis is home.
func (l *Link) Home(ctx context.Context, a Axis) error {
	_, err := l.run(ctx, EncodeHome(a), l.cfg.AwaitConnect, nil)
	return err
}

// Move sends the move command for one axis.  It returns once the controller
// acknowledges, not once the axis arrives.
func (l *Link) Move(ctx context.Context, a Axis, pos float64) error {
	cmd, err := EncodeMove(a, pos)
	if err != nil {
		return err
	}
	_, err = l.run(ctx, cmd, l.cfg.AwaitConnect, nil)
	return err
}

// StopAll halts every axis
func (l *Link) StopAll(ctx context.Context) error {
	_, err := l.run(ctx, EncodeStopAll(), l.cfg.AwaitConnect, nil)
	return err
}

// LoadConfiguration makes the controller load a program configuration file
// from its own storage
func (l *Link) LoadConfiguration(ctx context.Context, filename string) error {
	cmd, err := EncodeLoadConfiguration(filename)
	if err != nil {
		return err
	}
	_, err = l.run(ctx, cmd, l.cfg.AwaitConnect, nil)
	return err
}

// QueryLimitSwitch returns -1 if the stage is on its negative (home) limit,
// +1 if on its positive limit, and 0 otherwise
func (l *Link) QueryLimitSwitch(ctx context.Context) (int, error) {
	var code int
	_, err := l.run(ctx, EncodeLimitSwitchQuery(), l.cfg.AwaitConnect, func(reply string) error {
		var err error
		code, err = DecodeLimitSwitch(reply)
		return err
	})
	return code, err
}

// QueryStepPosition returns the raw motor step count of a wheel
func (l *Link) QueryStepPosition(ctx context.Context, a Axis) (State, int, error) {
	cmd, err := EncodeStepQuery(a)
	if err != nil {
		return 0, 0, err
	}
	var (
		st    State
		steps int
	)
	_, err = l.run(ctx, cmd, l.cfg.AwaitConnect, func(reply string) error {
		var err error
		st, steps, err = DecodeStepPosition(reply)
		return err
	})
	return st, steps, err
}

func discardLogger() logrus.FieldLogger {
	log := logrus.New()
	log.Out = io.Discard
	return log
}
