// Package atspec drives the auxiliary telescope spectrograph controller: a
// filter wheel, a grating (disperser) wheel, and a linear stage behind one
// terse ASCII command/response link.
//
// The controller greets every connection with a two line banner, then emits
// a single '>' ready prompt after every exchange.  Status queries start with
// '?' and are answered with a CRLF terminated line; commands start with '!'
// and are answered with a single space on success.
//
// The package holds the wire codec, the single-writer link, the motion
// orchestration built on top of it, and a simulated controller that speaks
// the same protocol.
package atspec

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	// ReadyPrompt is emitted by the controller once it can accept a command
	ReadyPrompt = byte('>')

	// AckOK is the single byte reply to a successful command
	AckOK = byte(' ')

	// QuerySigil is the first byte of every status query
	QuerySigil = byte('?')

	// CommandSigil is the first byte of every command
	CommandSigil = byte('!')

	// InBetweenPosition is the position reported while a wheel is between slots
	InBetweenPosition = -1

	// WheelSlots is the number of slots on each wheel
	WheelSlots = 4

	terminator = "\r\n"
)

// Axis is one of the three independently controlled mechanisms
type Axis int

const (
	// FilterWheel holds up to four filters
	FilterWheel Axis = iota

	// GratingWheel holds up to four dispersers
	GratingWheel

	// LinearStage moves the grating wheel along the beam, in mm from home
	LinearStage
)

// Axes lists every axis, in the order they are polled
var Axes = []Axis{LinearStage, FilterWheel, GratingWheel}

// token is the two letter infix used in every command for an axis
func (a Axis) token() string {
	switch a {
	case FilterWheel:
		return "FW"
	case GratingWheel:
		return "GR"
	case LinearStage:
		return "LS"
	default:
		return "??"
	}
}

// Discrete returns true if the axis positions are slots rather than mm
func (a Axis) Discrete() bool {
	return a == FilterWheel || a == GratingWheel
}

// Valid returns true if a is a known axis
func (a Axis) Valid() bool {
	return a >= FilterWheel && a <= LinearStage
}

func (a Axis) String() string {
	switch a {
	case FilterWheel:
		return "filter"
	case GratingWheel:
		return "disperser"
	case LinearStage:
		return "stage"
	default:
		return fmt.Sprintf("Axis(%d)", int(a))
	}
}

// MarshalText implements encoding.TextMarshaler
func (a Axis) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// ParseAxis converts a human name to an Axis.  The grating wheel answers to
// both "disperser" and "grating".
func ParseAxis(s string) (Axis, error) {
	switch strings.ToLower(s) {
	case "filter", "fw", "filterwheel":
		return FilterWheel, nil
	case "disperser", "grating", "gr", "gw", "gratingwheel":
		return GratingWheel, nil
	case "stage", "ls", "linearstage":
		return LinearStage, nil
	default:
		return 0, fmt.Errorf("%w: unknown axis %q", ErrOutOfRange, s)
	}
}

// State is the motion state of an axis
type State int

const (
	// Homing means the axis is driving to its reference
	Homing State = iota

	// Moving means the axis is travelling to a commanded position
	Moving

	// Stationary means the axis is at rest
	Stationary

	// NotInPosition means the axis is at rest somewhere it was not commanded to
	NotInPosition
)

var stateLetters = map[byte]State{
	'I': Homing,
	'M': Moving,
	'S': Stationary,
	'X': NotInPosition,
}

// Letter returns the wire letter for the state
func (s State) Letter() byte {
	for k, v := range stateLetters {
		if v == s {
			return k
		}
	}
	return '?'
}

func (s State) String() string {
	switch s {
	case Homing:
		return "HOMING"
	case Moving:
		return "MOVING"
	case Stationary:
		return "STATIONARY"
	case NotInPosition:
		return "NOTINPOSITION"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Fault is the error condition of an axis, orthogonal to its State
type Fault int

const (
	// NoFault is a healthy axis
	NoFault Fault = iota

	// Busy means the axis refused work because it is occupied
	Busy

	// NotInitialized means the axis has not been homed
	NotInitialized

	// MoveTimeout means the controller gave up on a motion
	MoveTimeout
)

var faultLetters = map[byte]Fault{
	'N': NoFault,
	'B': Busy,
	'I': NotInitialized,
	'T': MoveTimeout,
}

// Letter returns the wire letter for the fault
func (f Fault) Letter() byte {
	for k, v := range faultLetters {
		if v == f {
			return k
		}
	}
	return '?'
}

func (f Fault) String() string {
	switch f {
	case NoFault:
		return "NONE"
	case Busy:
		return "BUSY"
	case NotInitialized:
		return "NOTINITIALIZED"
	case MoveTimeout:
		return "MOVETIMEOUT"
	default:
		return fmt.Sprintf("Fault(%d)", int(f))
	}
}

// MarshalText implements encoding.TextMarshaler
func (f Fault) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// Sample is one status reading of an axis.  It is only valid for the poll
// that produced it.
type Sample struct {
	State    State   `json:"state"`
	Position float64 `json:"position"`

	// InBetween is true when the position field was not numeric; Position is
	// then InBetweenPosition
	InBetween bool  `json:"inBetween"`
	Fault     Fault `json:"fault"`
}

// Slot returns the position as a slot index, or InBetweenPosition
func (s Sample) Slot() int {
	if s.InBetween {
		return InBetweenPosition
	}
	return int(math.Round(s.Position))
}

func (s Sample) String() string {
	if s.InBetween {
		return fmt.Sprintf("(%s, INBETWEEN, %s)", s.State, s.Fault)
	}
	return fmt.Sprintf("(%s, %g, %s)", s.State, s.Position, s.Fault)
}

// EncodeStatusQuery returns the status query for an axis, e.g. ?FWS
func EncodeStatusQuery(a Axis) []byte {
	return []byte("?" + a.token() + "S" + terminator)
}

// EncodeHome returns the home/initialize command for an axis, e.g. !FWI
func EncodeHome(a Axis) []byte {
	return []byte("!" + a.token() + "I" + terminator)
}

// EncodeMove returns the move command for an axis, e.g. !FWM2.  Wheel
// positions must be whole slots in [0, WheelSlots-1].  The stage is only
// checked for being a finite number; its limits are a runtime setting and
// are the caller's to enforce.
func EncodeMove(a Axis, pos float64) ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("%w: unknown axis %d", ErrOutOfRange, int(a))
	}
	if math.IsNaN(pos) || math.IsInf(pos, 0) {
		return nil, fmt.Errorf("%w: %s position %v", ErrOutOfRange, a, pos)
	}
	var arg string
	if a.Discrete() {
		if pos != math.Trunc(pos) || pos < 0 || pos > WheelSlots-1 {
			return nil, fmt.Errorf("%w: %s position must be an integer 0-%d, got %v", ErrOutOfRange, a, WheelSlots-1, pos)
		}
		arg = strconv.Itoa(int(pos))
	} else {
		arg = strconv.FormatFloat(pos, 'f', -1, 64)
	}
	return []byte("!" + a.token() + "M" + arg + terminator), nil
}

// EncodeStopAll returns the command that halts every axis
func EncodeStopAll() []byte {
	return []byte("!XXX" + terminator)
}

// EncodeLoadConfiguration returns the command that makes the controller load
// its program configuration from a file on its own storage
func EncodeLoadConfiguration(filename string) ([]byte, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" || strings.ContainsAny(filename, "\r\n") {
		return nil, fmt.Errorf("%w: invalid configuration filename %q", ErrOutOfRange, filename)
	}
	return []byte("!LDC " + filename + terminator), nil
}

// EncodeLimitSwitchQuery returns the stage limit switch query
func EncodeLimitSwitchQuery() []byte {
	return []byte("?LSL" + terminator)
}

// EncodeStepQuery returns the step position query for a wheel
func EncodeStepQuery(a Axis) ([]byte, error) {
	if !a.Discrete() {
		return nil, fmt.Errorf("%w: %s has no step position query", ErrOutOfRange, a)
	}
	return []byte("?" + a.token() + "P" + terminator), nil
}

// fields splits a reply into its space separated fields, dropping the
// (empty or not) prefix when the reply carries one more field than want
func fields(raw string, want int) ([]string, error) {
	f := strings.Fields(strings.TrimRight(raw, terminator))
	if len(f) == want+1 {
		f = f[1:]
	}
	if len(f) != want {
		return nil, &ProtocolError{Reply: raw, Reason: fmt.Sprintf("expected %d fields, got %d", want, len(f))}
	}
	return f, nil
}

func decodeState(raw, field string) (State, error) {
	if len(field) == 1 {
		if s, ok := stateLetters[field[0]]; ok {
			return s, nil
		}
	}
	return 0, &ProtocolError{Reply: raw, Reason: fmt.Sprintf("unknown state letter %q", field)}
}

// DecodeStatus parses a status reply of the form " <state> <position> <error>".
// The position is tried as an integer, then a float; if neither parses the
// axis is between positions and the sample is flagged InBetween.
func DecodeStatus(raw string) (Sample, error) {
	f, err := fields(raw, 3)
	if err != nil {
		return Sample{}, err
	}
	var s Sample
	s.State, err = decodeState(raw, f[0])
	if err != nil {
		return Sample{}, err
	}
	if i, err := strconv.ParseInt(f[1], 10, 64); err == nil {
		s.Position = float64(i)
	} else if x, err := strconv.ParseFloat(f[1], 64); err == nil && !math.IsNaN(x) && !math.IsInf(x, 0) {
		s.Position = x
	} else {
		s.Position = InBetweenPosition
		s.InBetween = true
	}
	fault, ok := Fault(0), false
	if len(f[2]) == 1 {
		fault, ok = faultLetters[f[2][0]]
	}
	if !ok {
		return Sample{}, &ProtocolError{Reply: raw, Reason: fmt.Sprintf("unknown error letter %q", f[2])}
	}
	s.Fault = fault
	return s, nil
}

// EncodeStatus is the inverse of DecodeStatus, used by the simulated controller
func EncodeStatus(s Sample, discrete bool) []byte {
	var pos string
	switch {
	case s.InBetween:
		pos = "-"
	case discrete:
		pos = strconv.Itoa(s.Slot())
	default:
		pos = strconv.FormatFloat(s.Position, 'f', -1, 64)
	}
	return []byte(fmt.Sprintf(" %c %s %c%s", s.State.Letter(), pos, s.Fault.Letter(), terminator))
}

// DecodeAck interprets the reply to a command.  A single space is success;
// anything else is the controller's complaint, returned verbatim.
func DecodeAck(raw []byte) error {
	if len(raw) == 1 && raw[0] == AckOK {
		return nil
	}
	return &CommandFailedError{Reply: strings.TrimRight(string(raw), terminator)}
}

// DecodeLimitSwitch parses the reply to ?LSL into -1 (at the negative limit,
// which is home), 0 (not at a limit), or +1 (at the positive limit)
func DecodeLimitSwitch(raw string) (int, error) {
	f, err := fields(raw, 1)
	if err != nil {
		return 0, err
	}
	switch f[0] {
	case "-":
		return -1, nil
	case "0":
		return 0, nil
	case "+":
		return 1, nil
	default:
		return 0, &ProtocolError{Reply: raw, Reason: fmt.Sprintf("unknown limit switch code %q", f[0])}
	}
}

// DecodeStepPosition parses the reply to a wheel step position query,
// " <state> <steps>"
func DecodeStepPosition(raw string) (State, int, error) {
	f, err := fields(raw, 2)
	if err != nil {
		return 0, 0, err
	}
	s, err := decodeState(raw, f[0])
	if err != nil {
		return 0, 0, err
	}
	steps, err := strconv.Atoi(f[1])
	if err != nil {
		return 0, 0, &ProtocolError{Reply: raw, Reason: "step position is not an integer"}
	}
	return s, steps, nil
}
