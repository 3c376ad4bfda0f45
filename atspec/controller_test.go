package atspec

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEndToEndFilterWheel(t *testing.T) {
	_, addr := startMock(t, fastMockConfig())
	l := connectedLink(t, addr)
	dev := newSampling(l)
	rec := &recorder{}
	ctl := NewController(dev, ControllerConfig{Motion: fastMotion()}, rec, nil, nil)
	ctx := context.Background()

	// home: two transitions and a final position of zero
	require.NoError(t, ctl.Home(ctx, FilterWheel))
	assert.Equal(t, []State{Homing, Stationary}, rec.states(FilterWheel))
	assert.Equal(t, []bool{false, true}, rec.inPosition(FilterWheel))
	pos, ok := rec.last(EventPosition, FilterWheel)
	require.True(t, ok)
	assert.Equal(t, 0., pos.Position)
	require.NotNil(t, pos.Slot)
	assert.Equal(t, "empty_1", pos.Slot.Name)

	// move 0 -> 2 passes through an in-between sample
	rec.reset()
	dev.reset()
	require.NoError(t, ctl.Move(ctx, FilterWheel, 2, ""))
	sawBetween := false
	for _, s := range dev.of(FilterWheel) {
		if s.State == Moving && s.InBetween {
			sawBetween = true
		}
	}
	assert.True(t, sawBetween, "no in-between sample in %v", dev.of(FilterWheel))
	states := rec.states(FilterWheel)
	require.NotEmpty(t, states)
	assert.Equal(t, Moving, states[0])
	assert.Equal(t, Stationary, states[len(states)-1])
	assert.Equal(t, []bool{false, true}, rec.inPosition(FilterWheel))
	pos, ok = rec.last(EventPosition, FilterWheel)
	require.True(t, ok)
	assert.Equal(t, 2., pos.Position)
	assert.Equal(t, "empty_3", pos.Slot.Name)

	// out of range is rejected before anything happens
	rec.reset()
	dev.reset()
	err := ctl.Move(ctx, FilterWheel, 9, "")
	var rej *CommandRejectedError
	require.True(t, errors.As(err, &rej), "got %v", err)
	assert.True(t, errors.Is(err, ErrOutOfRange))
	assert.Empty(t, rec.all())
	assert.Empty(t, dev.of(FilterWheel))

	// the link is reusable after a clean teardown
	require.NoError(t, l.Disconnect())
	require.NoError(t, l.Connect(ctx))
	s, err := ctl.Status(ctx, FilterWheel)
	require.NoError(t, err)
	assert.Equal(t, Sample{State: Stationary, Position: 2}, s)
}

func TestWheelVisitsEverySlot(t *testing.T) {
	_, addr := startMock(t, fastMockConfig())
	l := connectedLink(t, addr)
	ctl := NewController(l, ControllerConfig{Motion: fastMotion()}, nil, nil, nil)
	ctx := context.Background()
	for _, p := range []int{3, 1, 0, 2} {
		require.NoError(t, ctl.ChangeDisperser(ctx, p, ""))
		s, err := l.QueryStatus(ctx, GratingWheel)
		require.NoError(t, err)
		assert.Equal(t, Stationary, s.State)
		assert.Equal(t, p, s.Slot())
	}
}

func TestNoOpMoveSucceeds(t *testing.T) {
	_, addr := startMock(t, fastMockConfig())
	l := connectedLink(t, addr)
	dev := newSampling(l)
	ctl := NewController(dev, ControllerConfig{Motion: fastMotion()}, nil, nil, nil)
	require.NoError(t, ctl.ChangeFilter(context.Background(), 0, ""))
	for _, s := range dev.of(FilterWheel) {
		assert.Equal(t, Stationary, s.State, "a move to the current slot never moves")
	}
}

func TestStageProgressesMonotonically(t *testing.T) {
	_, addr := startMock(t, fastMockConfig())
	l := connectedLink(t, addr)
	dev := newSampling(l)
	rec := &recorder{}
	ctl := NewController(dev, ControllerConfig{Motion: fastMotion()}, rec, nil, nil)

	require.NoError(t, ctl.MoveLinearStage(context.Background(), 40.25))
	samples := dev.of(LinearStage)
	require.NotEmpty(t, samples)
	for i := 1; i < len(samples); i++ {
		assert.GreaterOrEqual(t, samples[i].Position, samples[i-1].Position)
	}
	final := samples[len(samples)-1]
	assert.Equal(t, Stationary, final.State)
	assert.InDelta(t, 40.25, final.Position, ctl.Config().Tolerance)

	pos, ok := rec.last(EventPosition, LinearStage)
	require.True(t, ok)
	assert.Nil(t, pos.Slot)
	assert.Equal(t, []bool{false, true}, rec.inPosition(LinearStage))
}

func TestStageOutsideTravelIsRejected(t *testing.T) {
	dev := newStub()
	ctl := NewController(dev, ControllerConfig{Motion: fastMotion()}, nil, nil, nil)
	for _, p := range []float64{-0.5, 1000.01} {
		err := ctl.MoveLinearStage(context.Background(), p)
		assert.True(t, errors.Is(err, ErrOutOfRange), "%v: got %v", p, err)
	}
	assert.Empty(t, dev.Calls())
}

func TestMoveTimesOut(t *testing.T) {
	cfg := fastMockConfig()
	cfg.WheelTravel = time.Hour
	_, addr := startMock(t, cfg)
	l := connectedLink(t, addr)
	motion := fastMotion()
	motion.MoveTimeout = 40 * time.Millisecond
	ctl := NewController(l, ControllerConfig{Motion: motion}, nil, nil, nil)

	err := ctl.Move(context.Background(), FilterWheel, 1, "")
	assert.True(t, errors.Is(err, ErrMoveTimedOut), "got %v", err)
	assert.False(t, errors.Is(err, ErrHomeTimedOut))
	var te *TimeoutError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, 1., te.Target)
	assert.Equal(t, Moving, te.Last.State)
	assert.True(t, l.Connected(), "the controller kept answering; the link is fine")
}

func TestHomeTimesOut(t *testing.T) {
	dev := newStub()
	dev.script(LinearStage, Sample{State: Stationary}, Sample{State: Homing})
	motion := fastMotion()
	motion.MoveTimeout = 20 * time.Millisecond
	ctl := NewController(dev, ControllerConfig{Motion: motion}, nil, nil, nil)
	err := ctl.HomeLinearStage(context.Background())
	assert.True(t, errors.Is(err, ErrHomeTimedOut), "got %v", err)
}

func TestMoveRequiresStationary(t *testing.T) {
	for _, st := range []State{Moving, Homing, NotInPosition} {
		dev := newStub()
		dev.script(FilterWheel, Sample{State: st, Position: 1})
		rec := &recorder{}
		ctl := NewController(dev, ControllerConfig{Motion: fastMotion()}, rec, nil, nil)

		err := ctl.Move(context.Background(), FilterWheel, 2, "")
		var ns *NotStationaryError
		require.True(t, errors.As(err, &ns), "%s: got %v", st, err)
		assert.Equal(t, st, ns.Sample.State)
		assert.Equal(t, []string{"status filter"}, dev.Calls())
		assert.Empty(t, rec.all())

		err = ctl.Home(context.Background(), FilterWheel)
		require.True(t, errors.As(err, &ns), "%s: got %v", st, err)
	}
}

func TestInterlockBlocksMotion(t *testing.T) {
	dev := newStub()
	ctl := NewController(dev, ControllerConfig{Motion: fastMotion(), Interlock: fixedInterlock(true)}, nil, nil, nil)
	ctx := context.Background()
	assert.True(t, errors.Is(ctl.Move(ctx, FilterWheel, 1, ""), ErrExposing))
	assert.True(t, errors.Is(ctl.Home(ctx, LinearStage), ErrExposing))
	assert.True(t, errors.Is(ctl.ChangeDisperser(ctx, 0, "ronchi90lpmm"), ErrExposing))
	assert.Empty(t, dev.Calls())

	// stopping is always allowed
	require.NoError(t, ctl.StopAll(ctx))
	assert.Equal(t, "stop", dev.Calls()[0])
}

func TestDeviceRefusesMove(t *testing.T) {
	dev := newStub()
	dev.moveErr = &CommandFailedError{Cmd: "!GRM", Reply: "Invalid Argument"}
	rec := &recorder{}
	ctl := NewController(dev, ControllerConfig{Motion: fastMotion()}, rec, nil, nil)

	err := ctl.Move(context.Background(), GratingWheel, 1, "")
	var rej *CommandRejectedError
	require.True(t, errors.As(err, &rej), "got %v", err)
	var cf *CommandFailedError
	require.True(t, errors.As(err, &cf))
	assert.Equal(t, "Invalid Argument", cf.Reply)
	assert.Equal(t, []State{Moving, NotInPosition}, rec.states(GratingWheel))
	assert.Empty(t, rec.inPosition(GratingWheel))
}

func TestHomeCommandFailure(t *testing.T) {
	dev := newStub()
	dev.homeErr = &ConnectionError{Addr: "x", Err: errors.New("reset by peer")}
	rec := &recorder{}
	ctl := NewController(dev, ControllerConfig{Motion: fastMotion()}, rec, nil, nil)
	err := ctl.Home(context.Background(), FilterWheel)
	var ce *ConnectionError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, []State{Homing, NotInPosition}, rec.states(FilterWheel))
}

func TestFaultDuringMove(t *testing.T) {
	dev := newStub()
	dev.script(LinearStage,
		Sample{State: Stationary},
		Sample{State: Moving, Position: 1},
		Sample{State: NotInPosition, Position: 2, Fault: MoveTimeout})
	rec := &recorder{}
	ctl := NewController(dev, ControllerConfig{Motion: fastMotion()}, rec, nil, nil)
	err := ctl.MoveLinearStage(context.Background(), 10)
	var df *DeviceFaultError
	require.True(t, errors.As(err, &df), "got %v", err)
	assert.Equal(t, MoveTimeout, df.Sample.Fault)
	// the last state observed stays published
	assert.Equal(t, []State{Moving, NotInPosition}, rec.states(LinearStage))
}

func TestMoveRefusesFaultedAxis(t *testing.T) {
	dev := newStub()
	dev.script(FilterWheel, Sample{State: Stationary, Fault: NotInitialized})
	ctl := NewController(dev, ControllerConfig{Motion: fastMotion()}, nil, nil, nil)
	err := ctl.Move(context.Background(), FilterWheel, 1, "")
	var df *DeviceFaultError
	assert.True(t, errors.As(err, &df), "got %v", err)
}

func TestSlotNames(t *testing.T) {
	dev := newStub()
	dev.script(GratingWheel, Sample{State: Stationary}, Sample{State: Stationary, Position: 2})
	rec := &recorder{}
	ctl := NewController(dev, ControllerConfig{Motion: fastMotion()}, rec, nil, nil)
	ctx := context.Background()

	require.NoError(t, ctl.ChangeDisperser(ctx, 0, "Ronchi90lpmm"), "the name wins over the slot")
	pos, ok := rec.last(EventPosition, GratingWheel)
	require.True(t, ok)
	assert.Equal(t, "ronchi90lpmm", pos.Slot.Name)
	assert.InDelta(t, 2.2, pos.Slot.FocusOffset, 1e-12)

	err := ctl.ChangeFilter(ctx, 0, "ronchi90lpmm")
	assert.True(t, errors.Is(err, ErrOutOfRange), "a grating is not a filter: %v", err)
	err = ctl.Move(ctx, LinearStage, 1, "empty")
	assert.True(t, errors.Is(err, ErrOutOfRange))

	// a short slot table narrows the wheel
	short := NewController(dev, ControllerConfig{Motion: fastMotion(), Filters: SlotTable{{Name: "r"}, {Name: "g"}}}, nil, nil, nil)
	err = short.ChangeFilter(ctx, 3, "")
	assert.True(t, errors.Is(err, ErrOutOfRange))
}

func TestCancelBetweenPolls(t *testing.T) {
	cfg := fastMockConfig()
	cfg.WheelTravel = time.Hour
	_, addr := startMock(t, cfg)
	l := connectedLink(t, addr)
	ctl := NewController(l, ControllerConfig{Motion: fastMotion()}, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	err := ctl.Move(ctx, FilterWheel, 3, "")
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)

	// the cancelled loop left the wire idle and aligned
	assert.True(t, l.Connected())
	s, err := l.QueryStatus(context.Background(), FilterWheel)
	require.NoError(t, err)
	assert.Equal(t, Moving, s.State)
}

func TestDeadlineBeforeNextPoll(t *testing.T) {
	dev := newStub()
	dev.script(FilterWheel, Sample{State: Stationary}, Sample{State: Moving})
	motion := fastMotion()
	motion.PollInterval = time.Second
	ctl := NewController(dev, ControllerConfig{Motion: motion}, nil, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := ctl.Move(ctx, FilterWheel, 1, "")
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)
	assert.Equal(t, http.StatusRequestTimeout, httpStatus(err))
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond, "the deadline ran out rather than being refused early")
}

func TestMonitorDeadlineBeforeNextPoll(t *testing.T) {
	ctl := NewController(newStub(), ControllerConfig{Motion: fastMotion()}, nil, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.NoError(t, ctl.Monitor(ctx, time.Second))
}

func TestLimitSwitchUnsupported(t *testing.T) {
	ctl := NewController(newStub(), ControllerConfig{Motion: fastMotion()}, nil, nil, nil)
	_, err := ctl.LimitSwitch(context.Background())
	assert.True(t, errors.Is(err, ErrUnsupported), "got %v", err)
}

func TestStopAllPublishesEveryAxis(t *testing.T) {
	dev := newStub()
	rec := &recorder{}
	ctl := NewController(dev, ControllerConfig{Motion: fastMotion()}, rec, nil, nil)
	require.NoError(t, ctl.StopAll(context.Background()))
	for _, a := range Axes {
		assert.Equal(t, []State{Stationary}, rec.states(a))
		_, ok := rec.last(EventPosition, a)
		assert.True(t, ok, a.String())
	}

	dev.stopErr = errors.New("boom")
	assert.Error(t, ctl.StopAll(context.Background()))
}

func TestSynchronizeHomesLostStage(t *testing.T) {
	dev := newStub()
	dev.script(LinearStage, Sample{State: Stationary, Position: -3})
	ctl := NewController(dev, ControllerConfig{Motion: fastMotion()}, nil, nil, nil)

	// the stub keeps reporting -3 after the home; the home itself is what matters
	got, err := ctl.Synchronize(context.Background())
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.Contains(t, dev.Calls(), "home stage")

	dev = newStub()
	ctl = NewController(dev, ControllerConfig{Motion: fastMotion()}, nil, nil, nil)
	_, err = ctl.Synchronize(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, dev.Calls(), "home stage")
}

func TestMonitor(t *testing.T) {
	dev := newStub()
	rec := &recorder{}
	ctl := NewController(dev, ControllerConfig{Motion: fastMotion()}, rec, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.NoError(t, ctl.Monitor(ctx, 5*time.Millisecond))
	// only the first sight of each axis is a change
	for _, a := range Axes {
		assert.Equal(t, []State{Stationary}, rec.states(a))
	}

	dev.script(GratingWheel, Sample{State: Stationary}, Sample{State: Stationary, Fault: Busy})
	err := ctl.Monitor(context.Background(), 5*time.Millisecond)
	var df *DeviceFaultError
	require.True(t, errors.As(err, &df), "got %v", err)
	assert.Equal(t, GratingWheel, df.Axis)
}

func TestControllerMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	require.NoError(t, err)
	dev := newStub()
	ctl := NewController(dev, ControllerConfig{Motion: fastMotion()}, nil, nil, m)

	require.NoError(t, ctl.Home(context.Background(), FilterWheel))
	require.Error(t, ctl.Move(context.Background(), FilterWheel, 7, ""))
	assert.Equal(t, 1., testutil.ToFloat64(m.Motions.WithLabelValues("filter", "home", "ok")))
	assert.Equal(t, 1., testutil.ToFloat64(m.Motions.WithLabelValues("filter", "move", "rejected")))
	assert.Equal(t, 1., testutil.ToFloat64(m.Polls.WithLabelValues("filter")))
}
