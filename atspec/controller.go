package atspec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.jpl.nasa.gov/bdube/atspec/util"
)

const (
	// DefaultMoveTimeout bounds a full move or home
	DefaultMoveTimeout = 60 * time.Second

	// DefaultPollInterval paces status polls while a move runs
	DefaultPollInterval = 500 * time.Millisecond

	// DefaultHomePollInterval paces status polls while a home runs
	DefaultHomePollInterval = 100 * time.Millisecond

	// DefaultTolerance is the stage arrival window, mm
	DefaultTolerance = 0.01
)

// Device is the command surface of the controller that motion is built on.
// *Link satisfies it.
type Device interface {
	QueryStatus(context.Context, Axis) (Sample, error)
	Home(context.Context, Axis) error
	Move(context.Context, Axis, float64) error
	StopAll(context.Context) error
}

// Interlock forbids motion while Locked returns true, e.g. while the camera
// is exposing
type Interlock interface {
	Locked() bool
}

// MotionConfig holds the runtime motion parameters
type MotionConfig struct {
	// Stage is the allowed travel of the linear stage, mm
	Stage util.Limiter

	// Tolerance is the maximum |measured - target| for the stage to be in
	// position, mm
	Tolerance float64

	MoveTimeout      time.Duration
	PollInterval     time.Duration
	HomePollInterval time.Duration
}

func (c MotionConfig) withDefaults() MotionConfig {
	if !c.Stage.Valid() {
		c.Stage = util.Limiter{Min: 0, Max: 1000}
	}
	if c.Tolerance <= 0 {
		c.Tolerance = DefaultTolerance
	}
	if c.MoveTimeout <= 0 {
		c.MoveTimeout = DefaultMoveTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.HomePollInterval <= 0 {
		c.HomePollInterval = DefaultHomePollInterval
	}
	return c
}

// ControllerConfig configures a Controller
type ControllerConfig struct {
	Motion   MotionConfig
	Filters  SlotTable
	Gratings SlotTable

	// Interlock is optional; nil never blocks
	Interlock Interlock
}

// Controller turns move and home requests into supervised sequences on a
// Device, publishing every transition it observes.  It holds no cached
// device state; every decision is made on a fresh status sample.
type Controller struct {
	dev     Device
	cfg     MotionConfig
	filters SlotTable
	grating SlotTable
	lock    Interlock
	pub     Publisher
	log     logrus.FieldLogger
	metrics *Metrics
}

// NewController returns a Controller driving dev.  pub, log and m may be nil.
func NewController(dev Device, cfg ControllerConfig, pub Publisher, log logrus.FieldLogger, m *Metrics) *Controller {
	if pub == nil {
		pub = nopPublisher{}
	}
	if log == nil {
		log = discardLogger()
	}
	if cfg.Filters == nil {
		cfg.Filters = DefaultFilters()
	}
	if cfg.Gratings == nil {
		cfg.Gratings = DefaultGratings()
	}
	return &Controller{
		dev:     dev,
		cfg:     cfg.Motion.withDefaults(),
		filters: cfg.Filters,
		grating: cfg.Gratings,
		lock:    cfg.Interlock,
		pub:     pub,
		log:     log,
		metrics: m,
	}
}

// Config returns the motion parameters in use
func (c *Controller) Config() MotionConfig {
	return c.cfg
}

// Slots returns the slot table of a wheel, nil for the stage
func (c *Controller) Slots(a Axis) SlotTable {
	switch a {
	case FilterWheel:
		return c.filters
	case GratingWheel:
		return c.grating
	default:
		return nil
	}
}

// arrived is the completion predicate of a move on axis a
func (c *Controller) arrived(a Axis, s Sample, target float64) bool {
	if s.State != Stationary {
		return false
	}
	if a.Discrete() {
		return !s.InBetween && s.Slot() == int(target)
	}
	return !s.InBetween && util.ApproxEqual(s.Position, target, c.cfg.Tolerance)
}

// resolve turns a (position, name) request into a validated target,
// without touching the device
func (c *Controller) resolve(a Axis, target float64, name string) (float64, error) {
	if !a.Valid() {
		return 0, &CommandRejectedError{Axis: a, Err: fmt.Errorf("%w: unknown axis", ErrOutOfRange)}
	}
	if c.lock != nil && c.lock.Locked() {
		return 0, &CommandRejectedError{Axis: a, Err: ErrExposing}
	}
	if name != "" {
		if !a.Discrete() {
			return 0, &CommandRejectedError{Axis: a, Err: fmt.Errorf("%w: %s has no named positions", ErrOutOfRange, a)}
		}
		pos, _, err := c.Slots(a).Lookup(name)
		if err != nil {
			return 0, &CommandRejectedError{Axis: a, Err: err}
		}
		target = float64(pos)
	}
	if _, err := EncodeMove(a, target); err != nil {
		return 0, &CommandRejectedError{Axis: a, Err: err}
	}
	if a.Discrete() {
		if tbl := c.Slots(a); len(tbl) > 0 {
			if _, ok := tbl.At(int(target)); !ok {
				return 0, &CommandRejectedError{Axis: a, Err: fmt.Errorf("%w: %s has no slot %d", ErrOutOfRange, a, int(target))}
			}
		}
		return target, nil
	}
	if !c.cfg.Stage.Check(target) {
		return 0, &CommandRejectedError{Axis: a, Err: fmt.Errorf("%w: stage position %g outside [%g, %g]",
			ErrOutOfRange, target, c.cfg.Stage.Min, c.cfg.Stage.Max)}
	}
	return target, nil
}

// Move drives axis a to target, or to the named slot when name is not
// empty.  It returns once the axis is stationary at the target, the move
// timeout elapses, or the axis faults.
func (c *Controller) Move(ctx context.Context, a Axis, target float64, name string) (err error) {
	defer func() { c.metrics.motion(a, "move", err) }()
	target, err = c.resolve(a, target, name)
	if err != nil {
		return err
	}
	log := c.log.WithFields(logrus.Fields{"axis": a, "target": target})

	cur, err := c.dev.QueryStatus(ctx, a)
	if err != nil {
		return err
	}
	if cur.State != Stationary {
		return &NotStationaryError{Axis: a, Sample: cur}
	}
	if cur.Fault != NoFault {
		return &DeviceFaultError{Axis: a, Sample: cur}
	}

	log.Info("move started")
	c.publishState(a, Sample{State: Moving, Position: cur.Position, InBetween: cur.InBetween})
	begin := time.Now()
	if err := c.dev.Move(ctx, a, target); err != nil {
		c.publishState(a, Sample{State: NotInPosition, Position: cur.Position, InBetween: cur.InBetween})
		var cf *CommandFailedError
		if errors.As(err, &cf) {
			err = &CommandRejectedError{Axis: a, Err: err}
		}
		log.WithError(err).Error("move command failed")
		return err
	}
	c.publishInPosition(a, false)

	s, err := c.supervise(ctx, a, Moving, c.cfg.PollInterval, begin, func(s Sample) bool {
		return c.arrived(a, s, target)
	})
	if err != nil {
		var te *TimeoutError
		if errors.As(err, &te) {
			te.Target = target
		}
		log.WithError(err).Error("move failed")
		return err
	}
	c.publishPosition(a, s)
	c.publishInPosition(a, true)
	log.WithField("position", s.Position).Info("move complete")
	return nil
}

// Home drives axis a to its reference.  It returns once the axis reports
// stationary, the move timeout elapses, or the axis faults.
func (c *Controller) Home(ctx context.Context, a Axis) (err error) {
	defer func() { c.metrics.motion(a, "home", err) }()
	if !a.Valid() {
		return &CommandRejectedError{Axis: a, Err: fmt.Errorf("%w: unknown axis", ErrOutOfRange)}
	}
	if c.lock != nil && c.lock.Locked() {
		return &CommandRejectedError{Axis: a, Err: ErrExposing}
	}
	log := c.log.WithField("axis", a)

	cur, err := c.dev.QueryStatus(ctx, a)
	if err != nil {
		return err
	}
	if cur.State != Stationary {
		return &NotStationaryError{Axis: a, Sample: cur}
	}

	log.Info("home started")
	c.publishState(a, Sample{State: Homing, Position: cur.Position, InBetween: cur.InBetween})
	begin := time.Now()
	if err := c.dev.Home(ctx, a); err != nil {
		c.publishState(a, Sample{State: NotInPosition, Position: cur.Position, InBetween: cur.InBetween})
		var cf *CommandFailedError
		if errors.As(err, &cf) {
			err = &CommandRejectedError{Axis: a, Err: err}
		}
		log.WithError(err).Error("home command failed")
		return err
	}
	c.publishInPosition(a, false)

	s, err := c.supervise(ctx, a, Homing, c.cfg.HomePollInterval, begin, func(s Sample) bool {
		return s.State == Stationary
	})
	if err != nil {
		var te *TimeoutError
		if errors.As(err, &te) {
			te.Home = true
		}
		log.WithError(err).Error("home failed")
		return err
	}
	c.publishPosition(a, s)
	c.publishInPosition(a, true)
	log.Info("home complete")
	return nil
}

// pace waits for the next poll token.  When the deadline of ctx falls before
// that token the limiter refuses at once; pace then waits the deadline out
// and returns the context's error.
func pace(ctx context.Context, lim *rate.Limiter) error {
	if err := lim.Wait(ctx); err != nil {
		if _, ok := ctx.Deadline(); ok && ctx.Err() == nil {
			<-ctx.Done()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

// supervise polls axis a until done returns true.  A state that differs
// from the previous poll is published.  Cancellation of ctx is honored only
// between polls.
func (c *Controller) supervise(ctx context.Context, a Axis, prev State, every time.Duration, begin time.Time, done func(Sample) bool) (Sample, error) {
	lim := rate.NewLimiter(rate.Every(every), 1)
	var last Sample
	for {
		if err := pace(ctx, lim); err != nil {
			return last, err
		}
		s, err := c.dev.QueryStatus(ctx, a)
		c.metrics.poll(a)
		if err != nil {
			return last, err
		}
		last = s
		if s.State != prev {
			c.publishState(a, s)
			prev = s.State
		}
		if s.Fault != NoFault {
			return s, &DeviceFaultError{Axis: a, Sample: s}
		}
		if done(s) {
			return s, nil
		}
		if elapsed := time.Since(begin); elapsed > c.cfg.MoveTimeout {
			return s, &TimeoutError{Axis: a, Elapsed: elapsed, Last: s}
		}
	}
}

// Status reads the current status of one axis
func (c *Controller) Status(ctx context.Context, a Axis) (Sample, error) {
	if !a.Valid() {
		return Sample{}, fmt.Errorf("%w: unknown axis %d", ErrOutOfRange, int(a))
	}
	return c.dev.QueryStatus(ctx, a)
}

// LimitSwitch reads the stage limit switches: -1 on the home limit, +1 on
// the far limit, 0 between them.  The Device must support the query, as
// *Link does.
func (c *Controller) LimitSwitch(ctx context.Context) (int, error) {
	q, ok := c.dev.(interface {
		QueryLimitSwitch(context.Context) (int, error)
	})
	if !ok {
		return 0, ErrUnsupported
	}
	return q.QueryLimitSwitch(ctx)
}

// ChangeFilter moves the filter wheel to slot, or to the slot called name
// when name is not empty
func (c *Controller) ChangeFilter(ctx context.Context, slot int, name string) error {
	return c.Move(ctx, FilterWheel, float64(slot), name)
}

// ChangeDisperser moves the grating wheel to slot, or to the slot called
// name when name is not empty
func (c *Controller) ChangeDisperser(ctx context.Context, slot int, name string) error {
	return c.Move(ctx, GratingWheel, float64(slot), name)
}

// MoveLinearStage moves the stage to pos mm from home
func (c *Controller) MoveLinearStage(ctx context.Context, pos float64) error {
	return c.Move(ctx, LinearStage, pos, "")
}

// HomeLinearStage homes the stage
func (c *Controller) HomeLinearStage(ctx context.Context) error {
	return c.Home(ctx, LinearStage)
}

// StopAll halts every axis, then reads back and publishes where each one
// came to rest.  It is never blocked by the interlock.
func (c *Controller) StopAll(ctx context.Context) error {
	if err := c.dev.StopAll(ctx); err != nil {
		c.log.WithError(err).Error("stop all failed")
		return err
	}
	c.log.Warn("all motion stopped")
	for _, a := range Axes {
		s, err := c.dev.QueryStatus(ctx, a)
		if err != nil {
			return err
		}
		c.publishState(a, s)
		c.publishPosition(a, s)
	}
	return nil
}

// Synchronize reads every axis and publishes its state and position.  A
// stage reporting a negative position has lost its reference and is homed.
func (c *Controller) Synchronize(ctx context.Context) (map[Axis]Sample, error) {
	out := make(map[Axis]Sample, len(Axes))
	for _, a := range Axes {
		s, err := c.dev.QueryStatus(ctx, a)
		if err != nil {
			return out, err
		}
		out[a] = s
		c.publishState(a, s)
		c.publishPosition(a, s)
	}
	if st := out[LinearStage]; !st.InBetween && st.Position < 0 {
		c.log.WithField("position", st.Position).Warn("stage below home, homing")
		if err := c.Home(ctx, LinearStage); err != nil {
			return out, err
		}
		s, err := c.dev.QueryStatus(ctx, LinearStage)
		if err != nil {
			return out, err
		}
		out[LinearStage] = s
	}
	return out, nil
}

// Monitor polls every axis each interval, publishing state changes, until
// ctx is cancelled or an axis faults.  A cancelled Monitor returns nil.
func (c *Controller) Monitor(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = c.cfg.PollInterval
	}
	lim := rate.NewLimiter(rate.Every(interval), 1)
	prev := make(map[Axis]State, len(Axes))
	for {
		if err := pace(ctx, lim); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		for _, a := range Axes {
			s, err := c.dev.QueryStatus(ctx, a)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			if p, seen := prev[a]; !seen || p != s.State {
				c.publishState(a, s)
				prev[a] = s.State
			}
			if s.Fault != NoFault {
				c.log.WithFields(logrus.Fields{"axis": a, "fault": s.Fault}).Error("axis faulted")
				return &DeviceFaultError{Axis: a, Sample: s}
			}
		}
	}
}

func (c *Controller) slotFor(a Axis, s Sample) *Slot {
	if !a.Discrete() || s.InBetween {
		return nil
	}
	slot, ok := c.Slots(a).At(s.Slot())
	if !ok {
		return nil
	}
	return &slot
}

func (c *Controller) publishState(a Axis, s Sample) {
	c.log.WithFields(logrus.Fields{"axis": a, "state": s.State}).Debug("state")
	c.pub.Publish(Event{
		Kind:      EventState,
		Axis:      a,
		State:     s.State,
		Fault:     s.Fault,
		Position:  s.Position,
		InBetween: s.InBetween,
		Time:      time.Now(),
	})
}

func (c *Controller) publishInPosition(a Axis, in bool) {
	c.pub.Publish(Event{Kind: EventInPosition, Axis: a, InPosition: in, Time: time.Now()})
}

func (c *Controller) publishPosition(a Axis, s Sample) {
	c.pub.Publish(Event{
		Kind:      EventPosition,
		Axis:      a,
		State:     s.State,
		Fault:     s.Fault,
		Position:  s.Position,
		InBetween: s.InBetween,
		Slot:      c.slotFor(a, s),
		Time:      time.Now(),
	})
}
