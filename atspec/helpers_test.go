package atspec

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.jpl.nasa.gov/bdube/atspec/util"
)

func fastMockConfig() MockConfig {
	return MockConfig{
		StatusLatency: time.Millisecond,
		HomeDuration:  20 * time.Millisecond,
		WheelTravel:   60 * time.Millisecond,
		StageStep:     1,
		StageStepTime: 2 * time.Millisecond,
		Stage:         util.Limiter{Min: 0, Max: 1000},
	}
}

func fastMotion() MotionConfig {
	return MotionConfig{
		Stage:            util.Limiter{Min: 0, Max: 1000},
		Tolerance:        0.01,
		MoveTimeout:      5 * time.Second,
		PollInterval:     5 * time.Millisecond,
		HomePollInterval: 5 * time.Millisecond,
	}
}

func startMock(t *testing.T, cfg MockConfig) (*MockDevice, string) {
	t.Helper()
	m := NewMockDevice(cfg, nil)
	addr, err := m.Start("127.0.0.1:0")
	require.NoError(t, err, "could not start simulated controller, test aborted")
	t.Cleanup(func() { m.Close() })
	return m, addr
}

func connectedLink(t *testing.T, addr string) *Link {
	t.Helper()
	l := NewLink(LinkConfig{Addr: addr, ConnectionTimeout: time.Second, ResponseTimeout: time.Second}, nil, nil)
	require.NoError(t, l.Connect(context.Background()))
	t.Cleanup(func() { l.Disconnect() })
	return l
}

// recorder collects published events
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *recorder) states(a Axis) []State {
	var out []State
	for _, e := range r.all() {
		if e.Kind == EventState && e.Axis == a {
			out = append(out, e.State)
		}
	}
	return out
}

func (r *recorder) inPosition(a Axis) []bool {
	var out []bool
	for _, e := range r.all() {
		if e.Kind == EventInPosition && e.Axis == a {
			out = append(out, e.InPosition)
		}
	}
	return out
}

func (r *recorder) last(kind EventKind, a Axis) (Event, bool) {
	ev := r.all()
	for i := len(ev) - 1; i >= 0; i-- {
		if ev[i].Kind == kind && ev[i].Axis == a {
			return ev[i], true
		}
	}
	return Event{}, false
}

// sampling wraps a Device and keeps every status sample it returns
type sampling struct {
	Device
	mu      sync.Mutex
	samples map[Axis][]Sample
}

func newSampling(d Device) *sampling {
	return &sampling{Device: d, samples: make(map[Axis][]Sample)}
}

func (s *sampling) QueryStatus(ctx context.Context, a Axis) (Sample, error) {
	smp, err := s.Device.QueryStatus(ctx, a)
	if err == nil {
		s.mu.Lock()
		s.samples[a] = append(s.samples[a], smp)
		s.mu.Unlock()
	}
	return smp, err
}

func (s *sampling) of(a Axis) []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Sample(nil), s.samples[a]...)
}

func (s *sampling) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = make(map[Axis][]Sample)
}

// stubDevice replays queued samples per axis; the last one repeats
type stubDevice struct {
	mu      sync.Mutex
	queue   map[Axis][]Sample
	moveErr error
	homeErr error
	stopErr error
	calls   []string
}

func newStub() *stubDevice {
	q := make(map[Axis][]Sample)
	for _, a := range Axes {
		q[a] = []Sample{{State: Stationary}}
	}
	return &stubDevice{queue: q}
}

func (d *stubDevice) script(a Axis, s ...Sample) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue[a] = s
}

func (d *stubDevice) record(c string) {
	d.calls = append(d.calls, c)
}

func (d *stubDevice) Calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *stubDevice) QueryStatus(ctx context.Context, a Axis) (Sample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("status " + a.String())
	q := d.queue[a]
	s := q[0]
	if len(q) > 1 {
		d.queue[a] = q[1:]
	}
	return s, nil
}

func (d *stubDevice) Home(ctx context.Context, a Axis) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("home " + a.String())
	return d.homeErr
}

func (d *stubDevice) Move(ctx context.Context, a Axis, pos float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("move " + a.String())
	return d.moveErr
}

func (d *stubDevice) StopAll(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.record("stop")
	return d.stopErr
}

// fakeController serves one scripted connection at a time.  banner is
// written verbatim on connect; every received line is answered with
// handler(line) verbatim, so the handler decides whether a prompt follows.
func fakeController(t *testing.T, banner string, handler func(line string) string) string {
	t.Helper()
	return fakeControllerDelayed(t, 0, banner, handler)
}

// fakeControllerDelayed is fakeController with the banner held back by delay
func fakeControllerDelayed(t *testing.T, delay time.Duration, banner string, handler func(line string) string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				time.Sleep(delay)
				if _, err := conn.Write([]byte(banner)); err != nil {
					return
				}
				sc := bufio.NewScanner(conn)
				for sc.Scan() {
					line := strings.TrimSpace(sc.Text())
					if line == "" {
						continue
					}
					if _, err := conn.Write([]byte(handler(line))); err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln.Addr().String()
}

type fixedInterlock bool

func (f fixedInterlock) Locked() bool { return bool(f) }
