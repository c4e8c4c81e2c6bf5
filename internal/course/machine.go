// Package course tracks the robot's progress through a planned program.
//
// The Machine performs no I/O. Each operation returns the Actions the caller
// has to carry out on the serial link, the message bus and the wireless
// client, so all of the machine's state can be owned by one goroutine.
package course

import (
	"errors"
	"fmt"

	"github.com/banshee-data/course.bridge/internal/frame"
)

var (
	// ErrNotAwaiting is returned when a recognition result arrives while no
	// photo step is outstanding.
	ErrNotAwaiting = errors.New("no photo step awaiting recognition")
	// ErrUnexpectedStep is returned when a step-complete signal arrives while
	// the machine is not waiting for one.
	ErrUnexpectedStep = errors.New("step complete signal not expected")
)

// State is the machine's coarse position in a course.
type State int

const (
	Idle State = iota
	Running
	AwaitingRecognition
	Complete
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case AwaitingRecognition:
		return "awaiting_recognition"
	case Complete:
		return "complete"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// NoObstacle is reported by CurrentObstacle when no photo is outstanding.
const NoObstacle = -1

// Machine is the path execution state machine.
type Machine struct {
	program  frame.Program
	cursor   int
	state    State
	pending  bool
	obstacle int
	lastStep bool
	finished bool
}

// NewMachine returns an idle machine with no program.
func NewMachine() *Machine {
	return &Machine{obstacle: NoObstacle}
}

func (m *Machine) State() State           { return m.state }
func (m *Machine) Cursor() int            { return m.cursor }
func (m *Machine) Len() int               { return len(m.program) }
func (m *Machine) CurrentObstacle() int   { return m.obstacle }
func (m *Machine) LastStepReached() bool  { return m.lastStep }
func (m *Machine) Pending() bool          { return m.pending }
func (m *Machine) Program() frame.Program { return m.program }

// Load decodes a plan result and starts executing it. A planner failure or a
// malformed payload leaves the current program, cursor and state untouched.
func (m *Machine) Load(payload []byte) ([]Action, error) {
	prog, err := frame.DecodeProgram(payload)
	if err != nil {
		return nil, err
	}
	m.program = prog
	m.cursor = 0
	m.state = Running
	m.pending = false
	m.obstacle = NoObstacle
	m.lastStep = false
	m.finished = false
	return m.Advance(), nil
}

// Advance moves to the next command. The first command of a program runs
// immediately; later commands are deferred behind an ActSettle so the motor
// controller never receives back-to-back bytes. The caller reports the end of
// the deferral with Settled.
func (m *Machine) Advance() []Action {
	switch {
	case m.state == Idle || m.state == Complete:
		return nil
	case m.pending:
		return nil
	case m.cursor >= len(m.program):
		return m.finish()
	case m.cursor > 0:
		m.pending = true
		return []Action{{Kind: ActSettle}}
	default:
		return m.execute()
	}
}

// Settled executes the command that Advance deferred.
func (m *Machine) Settled() []Action {
	if !m.pending {
		return nil
	}
	m.pending = false
	return m.execute()
}

// StepComplete handles the motor controller's confirmation that the last
// motor command finished.
func (m *Machine) StepComplete() ([]Action, error) {
	if m.state != Running || m.pending {
		return nil, fmt.Errorf("%w in state %s", ErrUnexpectedStep, m.state)
	}
	return m.Advance(), nil
}

// Recognized consumes a recognition result for the outstanding photo step.
func (m *Machine) Recognized(target uint8) ([]Action, error) {
	if m.state != AwaitingRecognition {
		return nil, fmt.Errorf("%w in state %s", ErrNotAwaiting, m.state)
	}
	acts := []Action{{
		Kind:     ActTargetDiscovered,
		Obstacle: uint8(m.obstacle),
		Target:   target,
	}}
	m.obstacle = NoObstacle
	if m.lastStep {
		return append(acts, m.finish()...), nil
	}
	m.state = Running
	return append(acts, m.Advance()...), nil
}

func (m *Machine) execute() []Action {
	cmd := m.program[m.cursor]
	m.cursor++
	if m.cursor >= len(m.program) {
		m.lastStep = true
	}
	if cmd.Op == frame.CapturePhoto {
		m.obstacle = int(cmd.Value)
		m.state = AwaitingRecognition
		return []Action{{Kind: ActPhoto, Command: cmd, Obstacle: cmd.Value}}
	}
	return []Action{{Kind: ActMotor, Command: cmd}}
}

func (m *Machine) finish() []Action {
	m.state = Complete
	if m.finished {
		return nil
	}
	m.finished = true
	return []Action{{Kind: ActFinished}}
}
