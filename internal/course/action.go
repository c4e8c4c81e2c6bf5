package course

import (
	"fmt"

	"github.com/banshee-data/course.bridge/internal/frame"
)

// ActionKind identifies what the owner of a Machine must do next.
type ActionKind int

const (
	// ActMotor sends Command to the motor controller.
	ActMotor ActionKind = iota + 1
	// ActPhoto requests a photo of obstacle Obstacle.
	ActPhoto
	// ActSettle schedules Settled after the settle delay.
	ActSettle
	// ActTargetDiscovered reports Target for Obstacle to the client.
	ActTargetDiscovered
	// ActFinished marks the course complete. Emitted once per program.
	ActFinished
)

func (k ActionKind) String() string {
	switch k {
	case ActMotor:
		return "motor"
	case ActPhoto:
		return "photo"
	case ActSettle:
		return "settle"
	case ActTargetDiscovered:
		return "target_discovered"
	case ActFinished:
		return "finished"
	default:
		return fmt.Sprintf("action(%d)", int(k))
	}
}

// Action is a side effect requested by the Machine.
type Action struct {
	Kind     ActionKind
	Command  frame.Command
	Obstacle uint8
	Target   uint8
}
