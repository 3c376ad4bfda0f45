package atspec

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotConnected is generated when a command is run on a link that is not
	// connected and is not trying to connect
	ErrNotConnected = errors.New("atspec: not connected and not trying to connect")

	// ErrAlreadyConnected is generated when Connect is called on a live link
	ErrAlreadyConnected = errors.New("atspec: already connected")

	// ErrConnectInProgress is generated when Connect is called while another
	// Connect has not finished
	ErrConnectInProgress = errors.New("atspec: connection attempt already in progress")

	// ErrOutOfRange is generated when a position or argument is invalid before
	// anything is sent to the controller
	ErrOutOfRange = errors.New("atspec: out of range")

	// ErrExposing is generated when motion is requested while the camera is exposing
	ErrExposing = errors.New("atspec: camera is exposing, motion is not allowed")

	// ErrMoveTimedOut matches a TimeoutError from a move
	ErrMoveTimedOut = errors.New("atspec: move timed out")

	// ErrHomeTimedOut matches a TimeoutError from a home
	ErrHomeTimedOut = errors.New("atspec: home timed out")

	// ErrResponseTimeout is wrapped into the ConnectionError of an exchange the
	// controller stopped answering
	ErrResponseTimeout = errors.New("atspec: controller did not answer in time")

	// ErrUnsupported is generated when the Device has no way to run a query
	ErrUnsupported = errors.New("atspec: not supported by this device")
)

// ConnectionError is generated when the link cannot be established or was lost
type ConnectionError struct {
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("atspec: connection to %s: %v", e.Addr, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError is generated when the controller sends bytes that do not
// follow the protocol.  The link is always torn down when one is seen.
type ProtocolError struct {
	Reply  string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("atspec: protocol error: %s, reply %q", e.Reason, e.Reply)
}

// NotReadyError is generated when the byte read before a command is not the
// ready prompt
type NotReadyError struct {
	Got []byte
	Err error
}

func (e *NotReadyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("atspec: controller not ready: %v", e.Err)
	}
	return fmt.Sprintf("atspec: controller not ready: received %q", e.Got)
}

func (e *NotReadyError) Unwrap() error { return e.Err }

// CommandFailedError is generated when the controller answers a command with
// anything other than the success ack
type CommandFailedError struct {
	Cmd   string
	Reply string
}

func (e *CommandFailedError) Error() string {
	if e.Cmd == "" {
		return fmt.Sprintf("atspec: command failed, controller replied %q", e.Reply)
	}
	return fmt.Sprintf("atspec: command %s failed, controller replied %q", e.Cmd, e.Reply)
}

// CommandRejectedError is generated when a motion request is refused,
// either locally before any I/O or by the controller
type CommandRejectedError struct {
	Axis Axis
	Err  error
}

func (e *CommandRejectedError) Error() string {
	return fmt.Sprintf("atspec: %s command rejected: %v", e.Axis, e.Err)
}

func (e *CommandRejectedError) Unwrap() error { return e.Err }

// NotStationaryError is generated when a move or home is requested for an
// axis that is not at rest
type NotStationaryError struct {
	Axis   Axis
	Sample Sample
}

func (e *NotStationaryError) Error() string {
	return fmt.Sprintf("atspec: cannot move %s, current state is %s, expected %s", e.Axis, e.Sample.State, Stationary)
}

// TimeoutError is generated when an axis does not reach its target within
// the move timeout.  The controller kept answering; it just never got there.
type TimeoutError struct {
	Axis    Axis
	Home    bool
	Target  float64
	Elapsed time.Duration
	Last    Sample
}

func (e *TimeoutError) Error() string {
	if e.Home {
		return fmt.Sprintf("atspec: homing %s timed out after %s, last status %s", e.Axis, e.Elapsed, e.Last)
	}
	return fmt.Sprintf("atspec: moving %s to %g timed out after %s, last status %s", e.Axis, e.Target, e.Elapsed, e.Last)
}

// Is makes TimeoutError match ErrMoveTimedOut or ErrHomeTimedOut
func (e *TimeoutError) Is(target error) bool {
	if e.Home {
		return target == ErrHomeTimedOut
	}
	return target == ErrMoveTimedOut
}

// DeviceFaultError is generated when an axis reports an error code other than none
type DeviceFaultError struct {
	Axis   Axis
	Sample Sample
}

func (e *DeviceFaultError) Error() string {
	return fmt.Sprintf("atspec: %s in error: %s", e.Axis, e.Sample)
}
