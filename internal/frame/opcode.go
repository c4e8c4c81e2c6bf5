// Package frame holds the wire formats spoken by the bridge: the 4-byte
// status frames sent to the handheld client, the single-byte motor commands
// written to the motor controller, and the byte-pair programs produced by the
// planner.
package frame

import "fmt"

// Opcode is a planner command code.
type Opcode uint8

const (
	MoveForward       Opcode = 1
	TurnForwardRight  Opcode = 2
	TurnForwardLeft   Opcode = 3
	MoveBackward      Opcode = 4
	TurnBackwardRight Opcode = 5
	TurnBackwardLeft  Opcode = 6
	CapturePhoto      Opcode = 7
)

// turnOffset is subtracted from turn opcodes to produce the motor byte.
const turnOffset = 2

// Valid reports whether o is a known planner opcode.
func (o Opcode) Valid() bool {
	return o >= MoveForward && o <= CapturePhoto
}

// Straight reports whether o is one of the two opcodes whose magnitude is
// carried in the motor byte.
func (o Opcode) Straight() bool {
	return o == MoveForward || o == MoveBackward
}

// String returns the short mnemonic used in logs.
func (o Opcode) String() string {
	switch o {
	case MoveForward:
		return "FC"
	case TurnForwardRight:
		return "FR"
	case TurnForwardLeft:
		return "FL"
	case MoveBackward:
		return "BC"
	case TurnBackwardRight:
		return "BR"
	case TurnBackwardLeft:
		return "BL"
	case CapturePhoto:
		return "ST"
	default:
		return fmt.Sprintf("OP(%d)", uint8(o))
	}
}

// Command is one step of a program. For CapturePhoto the value is the
// obstacle identifier rather than a magnitude.
type Command struct {
	Op    Opcode
	Value uint8
}

func (c Command) String() string {
	return fmt.Sprintf("%s %d", c.Op, c.Value)
}

// Program is the ordered command list received from the planner.
type Program []Command
