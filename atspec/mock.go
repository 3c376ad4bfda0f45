package atspec

import (
	"bufio"
	"context"
	"errors"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.jpl.nasa.gov/bdube/atspec/util"
)

const (
	// Banner is written to every new connection on the simulated controller
	Banner = "\r\nSpectrograph\r\n>"

	replyUnknown = "?Unknown\r\n"
	replyInvalid = "Invalid Argument"
)

var errUnknownCommand = errors.New("unknown command")

// MockConfig holds the timings and limits of the simulated controller
type MockConfig struct {
	// StatusLatency is the delay before a status query is answered
	StatusLatency time.Duration

	// HomeDuration is how long a home blocks the connection that sent it
	HomeDuration time.Duration

	// WheelTravel is how long a wheel spends between slots
	WheelTravel time.Duration

	// StageStep is the stage travel per step, mm
	StageStep float64

	// StageStepTime is the dwell at each stage step
	StageStepTime time.Duration

	// Stage is the travel the simulated stage accepts
	Stage util.Limiter

	// Slots is the number of slots on each wheel
	Slots int

	// StepsPerSlot converts a wheel slot to motor steps for ?FWP and ?GRP
	StepsPerSlot int
}

// DefaultMockConfig returns timings close to the real controller
func DefaultMockConfig() MockConfig {
	return MockConfig{
		StatusLatency: time.Second,
		HomeDuration:  time.Second,
		WheelTravel:   5 * time.Second,
		StageStep:     1,
		StageStepTime: 200 * time.Millisecond,
		Stage:         util.Limiter{Min: 0, Max: 1000},
		Slots:         WheelSlots,
		StepsPerSlot:  1000,
	}
}

func (c MockConfig) withDefaults() MockConfig {
	if c.StageStep <= 0 {
		c.StageStep = 1
	}
	if !c.Stage.Valid() {
		c.Stage = util.Limiter{Min: 0, Max: 1000}
	}
	if c.Slots <= 0 || c.Slots > WheelSlots {
		c.Slots = WheelSlots
	}
	if c.StepsPerSlot <= 0 {
		c.StepsPerSlot = 1000
	}
	return c
}

// simAxis is the state of one simulated mechanism.  gen is bumped by every
// command that takes the axis over; a motion task only writes while its
// generation is current.
type simAxis struct {
	mu        sync.Mutex
	state     State
	pos       float64
	inBetween bool
	fault     Fault
	gen       uint64
	cancel    context.CancelFunc
}

func (a *simAxis) sample() Sample {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Sample{State: a.state, Position: a.pos, Fault: a.fault, InBetween: a.inBetween}
	if a.inBetween {
		s.Position = InBetweenPosition
	}
	return s
}

// takeover cancels any running task and starts a new generation.  a.mu must
// be held.
func (a *simAxis) takeover(parent context.Context) (context.Context, uint64) {
	if a.cancel != nil {
		a.cancel()
	}
	a.gen++
	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel
	return ctx, a.gen
}

// update runs fn under the lock if gen is still current
func (a *simAxis) update(gen uint64, fn func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.gen != gen {
		return false
	}
	fn()
	return true
}

// MockDevice is a TCP server speaking the spectrograph controller protocol,
// with one background task per moving axis
type MockDevice struct {
	cfg MockConfig
	log logrus.FieldLogger

	axes [3]*simAxis

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	ln     net.Listener
	conns  map[net.Conn]struct{}
	closed bool
}

// NewMockDevice returns a simulated controller with every axis stationary at
// zero.  log may be nil.
func NewMockDevice(cfg MockConfig, log logrus.FieldLogger) *MockDevice {
	if log == nil {
		log = discardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &MockDevice{
		cfg:    cfg.withDefaults(),
		log:    log.WithField("component", "mock"),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}
	for i := range m.axes {
		m.axes[i] = &simAxis{state: Stationary}
	}
	return m
}

// Start listens on addr and serves connections in the background.  It
// returns the bound address; port 0 picks a free port.
func (m *MockDevice) Start(addr string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", errors.New("atspec: mock device is closed")
	}
	if m.ln != nil {
		return m.ln.Addr().String(), nil
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	m.ln = ln
	m.wg.Add(1)
	go m.accept(ln)
	m.log.WithField("addr", ln.Addr().String()).Info("simulated controller listening")
	return ln.Addr().String(), nil
}

// Close stops listening, drops every client, cancels motion tasks and waits
// for all of them to exit
func (m *MockDevice) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var err error
	if m.ln != nil {
		err = m.ln.Close()
	}
	for c := range m.conns {
		c.Close()
	}
	m.mu.Unlock()
	m.cancel()
	m.wg.Wait()
	return err
}

// DropClients closes every client connection and keeps listening, as a
// controller power cycle would.  It returns the number dropped.
func (m *MockDevice) DropClients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.conns)
	for c := range m.conns {
		c.Close()
	}
	return n
}

// Status returns the simulated state of an axis
func (m *MockDevice) Status(a Axis) Sample {
	return m.axis(a).sample()
}

// SetFault forces the error code of an axis
func (m *MockDevice) SetFault(a Axis, f Fault) {
	ax := m.axis(a)
	ax.mu.Lock()
	ax.fault = f
	ax.mu.Unlock()
}

func (m *MockDevice) axis(a Axis) *simAxis {
	if !a.Valid() {
		a = LinearStage
	}
	return m.axes[a]
}

func (m *MockDevice) accept(ln net.Listener) {
	defer m.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			conn.Close()
			return
		}
		m.conns[conn] = struct{}{}
		m.wg.Add(1)
		m.mu.Unlock()
		go m.serve(conn)
	}
}

func (m *MockDevice) serve(conn net.Conn) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.conns, conn)
		m.mu.Unlock()
		conn.Close()
	}()
	log := m.log.WithField("remote", conn.RemoteAddr().String())
	log.Debug("client connected")

	if _, err := conn.Write([]byte(Banner)); err != nil {
		return
	}
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		reply := m.handle(line)
		log.WithFields(logrus.Fields{"cmd": line, "reply": reply}).Debug("command")
		if _, err := conn.Write(append([]byte(reply), ReadyPrompt)); err != nil {
			return
		}
	}
	log.Debug("client disconnected")
}

func (m *MockDevice) handle(line string) string {
	if len(line) < 4 {
		return replyUnknown
	}
	code, arg := line[:4], strings.TrimSpace(line[4:])
	switch code {
	case "?FWS":
		return m.status(FilterWheel)
	case "?GRS":
		return m.status(GratingWheel)
	case "?LSS":
		return m.status(LinearStage)
	case "!FWI":
		return m.home(FilterWheel)
	case "!GRI":
		return m.home(GratingWheel)
	case "!LSI":
		return m.home(LinearStage)
	case "!FWM":
		return m.reply(m.moveWheel(FilterWheel, arg))
	case "!GRM":
		return m.reply(m.moveWheel(GratingWheel, arg))
	case "!LSM":
		return m.reply(m.moveStage(arg))
	case "!XXX":
		m.stopAll()
		return string(AckOK)
	case "!LDC":
		if arg == "" {
			return replyInvalid
		}
		return string(AckOK)
	case "?LSL":
		return m.limitSwitch()
	case "?FWP":
		return m.steps(FilterWheel)
	case "?GRP":
		return m.steps(GratingWheel)
	default:
		return replyUnknown
	}
}

func (m *MockDevice) reply(err error) string {
	switch {
	case err == nil:
		return string(AckOK)
	case errors.Is(err, ErrOutOfRange):
		return replyInvalid
	default:
		return replyUnknown
	}
}

// sleep waits d or until ctx is done, returning false in the latter case
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *MockDevice) status(a Axis) string {
	sleep(m.ctx, m.cfg.StatusLatency)
	return string(EncodeStatus(m.axis(a).sample(), a.Discrete()))
}

// home runs in the command loop; the connection is busy until it finishes
func (m *MockDevice) home(a Axis) string {
	ax := m.axis(a)
	ax.mu.Lock()
	ctx, gen := ax.takeover(m.ctx)
	ax.state = Homing
	ax.pos = 0
	ax.inBetween = false
	ax.fault = NoFault
	ax.mu.Unlock()

	if sleep(ctx, m.cfg.HomeDuration) {
		ax.update(gen, func() { ax.state = Stationary })
	}
	return string(AckOK)
}

func (m *MockDevice) moveWheel(a Axis, arg string) error {
	target, err := strconv.Atoi(arg)
	if err != nil {
		return errUnknownCommand
	}
	if target < 0 || target >= m.cfg.Slots {
		return ErrOutOfRange
	}
	ax := m.axis(a)
	ax.mu.Lock()
	defer ax.mu.Unlock()
	if ax.state == Stationary && !ax.inBetween && int(ax.pos) == target {
		return nil
	}
	ctx, gen := ax.takeover(m.ctx)
	ax.state = Moving
	ax.inBetween = true
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if !sleep(ctx, m.cfg.WheelTravel) {
			return
		}
		ax.update(gen, func() {
			ax.state = Stationary
			ax.pos = float64(target)
			ax.inBetween = false
		})
	}()
	return nil
}

func (m *MockDevice) moveStage(arg string) error {
	target, err := strconv.ParseFloat(arg, 64)
	if err != nil || math.IsNaN(target) {
		return errUnknownCommand
	}
	if !m.cfg.Stage.Check(target) {
		return ErrOutOfRange
	}
	ax := m.axis(LinearStage)
	ax.mu.Lock()
	defer ax.mu.Unlock()
	if ax.state == Stationary && ax.pos == target {
		return nil
	}
	ctx, gen := ax.takeover(m.ctx)
	ax.state = Moving
	start := ax.pos
	step := m.cfg.StageStep
	if target < start {
		step = -step
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for i := 0; ; i++ {
			p := start + float64(i)*step
			if (step > 0 && p >= target) || (step < 0 && p <= target) {
				break
			}
			if !ax.update(gen, func() { ax.pos = p }) {
				return
			}
			if !sleep(ctx, m.cfg.StageStepTime) {
				return
			}
		}
		ax.update(gen, func() {
			ax.pos = target
			ax.state = Stationary
		})
	}()
	return nil
}

// stopAll leaves the stage where it is and a wheel in transit between slots
func (m *MockDevice) stopAll() {
	for _, ax := range m.axes {
		ax.mu.Lock()
		ax.takeover(m.ctx)
		if ax.state == Moving || ax.state == Homing {
			ax.state = Stationary
		}
		ax.mu.Unlock()
	}
}

func (m *MockDevice) limitSwitch() string {
	s := m.axis(LinearStage).sample()
	switch {
	case s.Position <= m.cfg.Stage.Min:
		return " -" + terminator
	case s.Position >= m.cfg.Stage.Max:
		return " +" + terminator
	default:
		return " 0" + terminator
	}
}

func (m *MockDevice) steps(a Axis) string {
	ax := m.axis(a)
	ax.mu.Lock()
	steps := int(ax.pos) * m.cfg.StepsPerSlot
	if ax.inBetween {
		steps += m.cfg.StepsPerSlot / 2
	}
	st := ax.state
	ax.mu.Unlock()
	return " " + string(st.Letter()) + " " + strconv.Itoa(steps) + terminator
}
