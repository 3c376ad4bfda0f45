package atspec

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeTokens(t *testing.T) {
	assert.Equal(t, "?FWS\r\n", string(EncodeStatusQuery(FilterWheel)))
	assert.Equal(t, "?GRS\r\n", string(EncodeStatusQuery(GratingWheel)))
	assert.Equal(t, "?LSS\r\n", string(EncodeStatusQuery(LinearStage)))
	assert.Equal(t, "!FWI\r\n", string(EncodeHome(FilterWheel)))
	assert.Equal(t, "!GRI\r\n", string(EncodeHome(GratingWheel)))
	assert.Equal(t, "!LSI\r\n", string(EncodeHome(LinearStage)))
	assert.Equal(t, "!XXX\r\n", string(EncodeStopAll()))
	assert.Equal(t, "?LSL\r\n", string(EncodeLimitSwitchQuery()))
}

func TestEncodeMove(t *testing.T) {
	cmd, err := EncodeMove(FilterWheel, 2)
	require.NoError(t, err)
	assert.Equal(t, "!FWM2\r\n", string(cmd))

	cmd, err = EncodeMove(GratingWheel, 0)
	require.NoError(t, err)
	assert.Equal(t, "!GRM0\r\n", string(cmd))

	cmd, err = EncodeMove(LinearStage, 12.5)
	require.NoError(t, err)
	assert.Equal(t, "!LSM12.5\r\n", string(cmd))

	// the stage's configured travel is not a wire level bound
	_, err = EncodeMove(LinearStage, 5000)
	assert.NoError(t, err)
}

func TestEncodeMoveOutOfRange(t *testing.T) {
	bad := []struct {
		axis Axis
		pos  float64
	}{
		{FilterWheel, 9},
		{FilterWheel, -1},
		{GratingWheel, 4},
		{GratingWheel, 1.5},
		{LinearStage, math.NaN()},
		{LinearStage, math.Inf(1)},
		{Axis(7), 1},
	}
	for _, b := range bad {
		_, err := EncodeMove(b.axis, b.pos)
		assert.True(t, errors.Is(err, ErrOutOfRange), "%s %v: got %v", b.axis, b.pos, err)
	}
}

func TestDecodeStatus(t *testing.T) {
	s, err := DecodeStatus(" S 2 N\r\n")
	require.NoError(t, err)
	assert.Equal(t, Sample{State: Stationary, Position: 2, Fault: NoFault}, s)
	assert.Equal(t, 2, s.Slot())

	s, err = DecodeStatus(" M 12.25 B")
	require.NoError(t, err)
	assert.Equal(t, Sample{State: Moving, Position: 12.25, Fault: Busy}, s)

	s, err = DecodeStatus("I 0 I")
	require.NoError(t, err, "a reply without the leading prefix field is still three fields")
	assert.Equal(t, Homing, s.State)
	assert.Equal(t, NotInitialized, s.Fault)

	s, err = DecodeStatus(" X 3 T\r\n")
	require.NoError(t, err)
	assert.Equal(t, NotInPosition, s.State)
	assert.Equal(t, MoveTimeout, s.Fault)
}

func TestDecodeStatusInBetween(t *testing.T) {
	// the same reply shape comes back for all three status queries
	for _, raw := range []string{" M - N\r\n", " M ? N", " S -- N", " M n/a N", " S NaN N", " S Inf N", " S +Inf N", " M -infinity N"} {
		s, err := DecodeStatus(raw)
		require.NoError(t, err, raw)
		assert.True(t, s.InBetween, raw)
		assert.Equal(t, float64(InBetweenPosition), s.Position, raw)
		assert.Equal(t, InBetweenPosition, s.Slot(), raw)
	}
}

func TestDecodeStatusRejectsGarbage(t *testing.T) {
	for _, raw := range []string{" Q 1 N", " S 1 Z", " S 1", "", " S 1 N extra junk", " SS 1 N"} {
		_, err := DecodeStatus(raw)
		var pe *ProtocolError
		assert.True(t, errors.As(err, &pe), "%q: got %v", raw, err)
	}
}

func TestEncodeStatusInverts(t *testing.T) {
	raw := EncodeStatus(Sample{State: Moving, Position: InBetweenPosition, InBetween: true}, true)
	assert.Equal(t, " M - N\r\n", string(raw))
	s, err := DecodeStatus(string(raw))
	require.NoError(t, err)
	assert.True(t, s.InBetween)

	assert.Equal(t, " S 37.5 N\r\n", string(EncodeStatus(Sample{State: Stationary, Position: 37.5}, false)))
}

func TestDecodeAck(t *testing.T) {
	assert.NoError(t, DecodeAck([]byte(" ")))

	err := DecodeAck([]byte("Invalid Argument"))
	var cf *CommandFailedError
	require.True(t, errors.As(err, &cf))
	assert.Equal(t, "Invalid Argument", cf.Reply)

	assert.Error(t, DecodeAck(nil))
	assert.Error(t, DecodeAck([]byte("  ")))
}

func TestDecodeLimitSwitch(t *testing.T) {
	for raw, want := range map[string]int{" -\r\n": -1, " 0\r\n": 0, " +": 1} {
		got, err := DecodeLimitSwitch(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
	}
	_, err := DecodeLimitSwitch(" x")
	assert.Error(t, err)
}

func TestStepQuery(t *testing.T) {
	cmd, err := EncodeStepQuery(FilterWheel)
	require.NoError(t, err)
	assert.Equal(t, "?FWP\r\n", string(cmd))
	cmd, err = EncodeStepQuery(GratingWheel)
	require.NoError(t, err)
	assert.Equal(t, "?GRP\r\n", string(cmd))
	_, err = EncodeStepQuery(LinearStage)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	st, steps, err := DecodeStepPosition(" S 2000\r\n")
	require.NoError(t, err)
	assert.Equal(t, Stationary, st)
	assert.Equal(t, 2000, steps)

	_, _, err = DecodeStepPosition(" S two")
	assert.Error(t, err)
}

func TestLoadConfiguration(t *testing.T) {
	cmd, err := EncodeLoadConfiguration("atspec.cfg")
	require.NoError(t, err)
	assert.Equal(t, "!LDC atspec.cfg\r\n", string(cmd))

	for _, bad := range []string{"", "   ", "a\r\nb"} {
		_, err := EncodeLoadConfiguration(bad)
		assert.True(t, errors.Is(err, ErrOutOfRange), "%q", bad)
	}
}

func TestParseAxis(t *testing.T) {
	for in, want := range map[string]Axis{
		"filter":    FilterWheel,
		"disperser": GratingWheel,
		"grating":   GratingWheel,
		"Stage":     LinearStage,
	} {
		got, err := ParseAxis(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseAxis("focus")
	assert.True(t, errors.Is(err, ErrOutOfRange))
}

func TestLetters(t *testing.T) {
	assert.Equal(t, byte('I'), Homing.Letter())
	assert.Equal(t, byte('X'), NotInPosition.Letter())
	assert.Equal(t, byte('T'), MoveTimeout.Letter())
	assert.Equal(t, byte('?'), State(42).Letter())

	txt, err := Stationary.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "STATIONARY", string(txt))
}
