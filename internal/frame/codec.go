package frame

import (
	"bytes"
	"errors"
	"fmt"
)

var (
	// ErrConnectionClosed is returned for a zero or negative length read on
	// the wireless link.
	ErrConnectionClosed = errors.New("peer closed the connection")
	// ErrPlannerFailure is returned when the planner answers with "SOS".
	ErrPlannerFailure = errors.New("planner reported failure (SOS)")
	// ErrMalformed wraps every payload that cannot be decoded.
	ErrMalformed = errors.New("malformed payload")
	// ErrValueOutOfRange is returned when a straight move does not fit in
	// the single motor byte.
	ErrValueOutOfRange = errors.New("command value exceeds motor byte range")
)

var (
	sosPayload = []byte("SOS")
	// ClosePayload asks a remote service to end its session.
	ClosePayload = []byte("close")
	// PhotoPayload is published on the photo request channel.
	PhotoPayload = []byte("1")
)

// DecodeWireless interprets the result of a read of n bytes into buf. The
// returned slice is a copy so the read buffer can be reused.
func DecodeWireless(buf []byte, n int) ([]byte, error) {
	if n <= 0 {
		return nil, ErrConnectionClosed
	}
	if n > len(buf) {
		return nil, fmt.Errorf("%w: read length %d exceeds buffer %d", ErrMalformed, n, len(buf))
	}
	out := make([]byte, n)
	copy(out, buf[:n])
	return out, nil
}

// MaxStraightValue is the largest value a straight opcode can carry before
// the motor byte overflows.
func MaxStraightValue(op Opcode) uint8 {
	return 255 - uint8(op)
}

// EncodeMotorByte collapses a command into the byte understood by the motor
// controller. Straight moves add their value to the opcode; turns are sent as
// the opcode minus two and their value is dropped.
func EncodeMotorByte(cmd Command) (byte, error) {
	switch {
	case cmd.Op.Straight():
		if cmd.Value > MaxStraightValue(cmd.Op) {
			return 0, fmt.Errorf("%w: %s", ErrValueOutOfRange, cmd)
		}
		return byte(cmd.Op) + cmd.Value, nil
	case cmd.Op == CapturePhoto:
		return 0, fmt.Errorf("%w: %s is not a motor command", ErrMalformed, cmd)
	case cmd.Op.Valid():
		return byte(cmd.Op) - turnOffset, nil
	default:
		return 0, fmt.Errorf("%w: unknown opcode %d", ErrMalformed, uint8(cmd.Op))
	}
}

// IsSOS reports whether payload is the planner failure sentinel.
func IsSOS(payload []byte) bool {
	return bytes.Equal(payload, sosPayload)
}

// IsClose reports whether payload is the session close sentinel.
func IsClose(payload []byte) bool {
	return bytes.Equal(payload, ClosePayload)
}

// DecodeProgram parses opcode/value byte pairs.
func DecodeProgram(payload []byte) (Program, error) {
	if IsSOS(payload) {
		return nil, ErrPlannerFailure
	}
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty program", ErrMalformed)
	}
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("%w: odd program length %d", ErrMalformed, len(payload))
	}
	prog := make(Program, 0, len(payload)/2)
	for i := 0; i < len(payload); i += 2 {
		op := Opcode(payload[i])
		if !op.Valid() {
			return nil, fmt.Errorf("%w: unknown opcode %d at step %d", ErrMalformed, payload[i], i/2)
		}
		cmd := Command{Op: op, Value: payload[i+1]}
		if op.Straight() && cmd.Value > MaxStraightValue(op) {
			return nil, fmt.Errorf("%w: step %d: %s", ErrValueOutOfRange, i/2, cmd)
		}
		prog = append(prog, cmd)
	}
	return prog, nil
}

// EncodeProgram is the inverse of DecodeProgram.
func EncodeProgram(p Program) []byte {
	out := make([]byte, 0, len(p)*2)
	for _, c := range p {
		out = append(out, byte(c.Op), c.Value)
	}
	return out
}

// DecodeRecognition extracts the target identifier from a recognition
// result.
func DecodeRecognition(payload []byte) (uint8, error) {
	if len(payload) == 0 {
		return 0, fmt.Errorf("%w: empty recognition result", ErrMalformed)
	}
	return payload[0], nil
}
