// Package session ties the links together. The Engine owns the course state
// machine and the session state and is the only goroutine that changes
// them; the links, the bus and the timers talk to it through events.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/course.bridge/internal/bus"
	"github.com/banshee-data/course.bridge/internal/course"
	"github.com/banshee-data/course.bridge/internal/frame"
	"github.com/banshee-data/course.bridge/internal/journal"
	"github.com/banshee-data/course.bridge/internal/monitoring"
	"github.com/banshee-data/course.bridge/internal/timeutil"
)

// ErrStopped is returned when posting to an engine that has stopped.
var ErrStopped = errors.New("session engine stopped")

const queueSize = 64

// Motor sends commands to the motor controller.
type Motor interface {
	SendCommand(cmd frame.Command) error
}

// Client sends status frames to the handheld client.
type Client interface {
	SendStatus(f frame.StatusFrame) error
}

// Bus publishes requests to the remote services.
type Bus interface {
	RequestPlanner(obstacles []byte, d bus.Delivery) error
	RequestPhoto(d bus.Delivery) error
	RequestRecognition(payload []byte, d bus.Delivery) error
	RequestClose(channel string, d bus.Delivery) error
	Disconnect() error
	Release() error
	Channels() bus.Channels
}

// Recorder receives journal entries. It must not block.
type Recorder interface {
	Record(e journal.Entry)
}

type Config struct {
	Motor   Motor
	Client  Client
	Bus     Bus
	Journal Recorder

	// SettleDelay separates consecutive program steps.
	SettleDelay time.Duration
	// RelayRecognition forwards camera-ready payloads to recognition.
	RelayRecognition bool

	RunID   string
	Clock   timeutil.Clock
	Metrics *monitoring.Metrics
}

// Engine is the single consumer of session events.
type Engine struct {
	cfg      Config
	channels bus.Channels
	events   chan event
	machine  *course.Machine
	state    State
	gen      uint64

	snapMu sync.Mutex
	snap   State

	finished        chan struct{}
	terminating     chan struct{}
	terminatingOnce sync.Once
	stopped         chan struct{}
	stopOnce        sync.Once
}

func NewEngine(cfg Config) *Engine {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	e := &Engine{
		cfg:         cfg,
		channels:    cfg.Bus.Channels(),
		events:      make(chan event, queueSize),
		machine:     course.NewMachine(),
		finished:    make(chan struct{}),
		terminating: make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	e.state = State{RunID: cfg.RunID}
	e.state.syncMachine(e.machine)
	e.snap = e.state
	return e
}

// Snapshot returns a copy of the session state.
func (e *Engine) Snapshot() State {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	return e.snap
}

// Finished is closed once the course completes.
func (e *Engine) Finished() <-chan struct{} { return e.finished }

// Terminating is closed once shutdown has released the bus.
func (e *Engine) Terminating() <-chan struct{} { return e.terminating }

// Run consumes events until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	defer e.stopOnce.Do(func() { close(e.stopped) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			e.handle(ev)
		}
	}
}

func (e *Engine) post(ev event) error {
	select {
	case e.events <- ev:
		return nil
	case <-e.stopped:
		monitoring.Logf("[engine] dropping %s: %v", ev.name(), ErrStopped)
		return ErrStopped
	}
}

// ObstacleMap reports an obstacle map from the wireless client.
func (e *Engine) ObstacleMap(payload []byte) { e.post(obstacleMapEvent{payload}) }

// StepComplete reports a completion pulse from the motor controller.
func (e *Engine) StepComplete() { e.post(stepCompleteEvent{}) }

func (e *Engine) ClientConnected(peer string)    { e.post(clientConnectedEvent{peer}) }
func (e *Engine) ClientDisconnected(peer string) { e.post(clientDisconnectedEvent{peer}) }
func (e *Engine) SerialConnected()               { e.post(serialConnectedEvent{}) }
func (e *Engine) SerialLost(err error)           { e.post(serialLostEvent{err}) }

// Route dispatches a bus message by channel. It is a bus.Router.
func (e *Engine) Route(msg bus.Message) {
	switch msg.Channel {
	case e.channels.PlanResult:
		e.post(planResultEvent{msg.Payload})
	case e.channels.RecognitionResult:
		e.post(recognitionEvent{msg.Payload})
	case e.channels.CameraReady:
		e.post(cameraReadyEvent{msg.Payload})
	default:
		monitoring.Logf("[engine] ignoring message on %q", msg.Channel)
	}
}

// Terminate marks teardown as in progress and closes Terminating.
func (e *Engine) Terminate() { e.post(terminatingEvent{}) }

func (e *Engine) handle(ev event) {
	e.cfg.Metrics.Event(ev.name())

	switch ev := ev.(type) {
	case obstacleMapEvent:
		e.onObstacleMap(ev.payload)
	case planResultEvent:
		e.onPlanResult(ev.payload)
	case recognitionEvent:
		e.onRecognition(ev.payload)
	case cameraReadyEvent:
		e.onCameraReady(ev.payload)
	case stepCompleteEvent:
		acts, err := e.machine.StepComplete()
		if err != nil {
			monitoring.Logf("[engine] discarding step complete: %v", err)
			break
		}
		e.perform(acts)
	case settledEvent:
		if ev.gen != e.gen {
			break
		}
		e.perform(e.machine.Settled())
	case clientConnectedEvent:
		e.state.WirelessConnected, e.state.ClientPeer = true, ev.peer
	case clientDisconnectedEvent:
		e.state.WirelessConnected, e.state.ClientPeer = false, ""
	case serialConnectedEvent:
		e.state.SerialConnected = true
	case serialLostEvent:
		e.state.SerialConnected = false
	case terminatingEvent:
		e.state.Terminating = true
		e.terminatingOnce.Do(func() { close(e.terminating) })
	}

	e.state.syncMachine(e.machine)
	e.snapMu.Lock()
	e.snap = e.state
	e.snapMu.Unlock()
}

func (e *Engine) onObstacleMap(payload []byte) {
	e.record(journal.Entry{Kind: journal.KindObstacleMap, Detail: fmt.Sprintf("%d bytes", len(payload))})
	if err := e.cfg.Bus.RequestPlanner(payload, bus.FireAndForget); err != nil {
		monitoring.Logf("[engine] planner request failed: %v", err)
	}
	e.status(frame.Status(frame.Starting, 0))
}

func (e *Engine) onPlanResult(payload []byte) {
	acts, err := e.machine.Load(payload)
	switch {
	case errors.Is(err, frame.ErrPlannerFailure):
		monitoring.Logf("[engine] %v; keeping %s program", err, e.machine.State())
		e.record(journal.Entry{Kind: journal.KindPlannerFailure})
		return
	case err != nil:
		monitoring.Logf("[engine] discarding plan result: %v", err)
		return
	}

	// Settle timers from the previous program must not fire into this one.
	e.gen++
	e.record(journal.Entry{Kind: journal.KindProgramLoaded, Detail: describe(e.machine.Program())})
	monitoring.Logf("[engine] loaded %d step program", e.machine.Len())
	e.perform(acts)
	e.status(frame.Status(frame.NextObstacle, 0))
}

func (e *Engine) onRecognition(payload []byte) {
	target, err := frame.DecodeRecognition(payload)
	if err != nil {
		monitoring.Logf("[engine] discarding recognition result: %v", err)
		return
	}
	if e.machine.State() != course.AwaitingRecognition {
		monitoring.Logf("[engine] discarding target %d: %v", target, course.ErrNotAwaiting)
		return
	}

	e.status(frame.Status(frame.ReceivedTarget, target))
	acts, err := e.machine.Recognized(target)
	if err != nil {
		monitoring.Logf("[engine] %v", err)
		return
	}
	e.perform(acts)
	if e.machine.State() != course.Complete {
		e.status(frame.Status(frame.NextObstacle, 0))
	}
}

func (e *Engine) onCameraReady(payload []byte) {
	e.status(frame.Status(frame.IdentifyingImage, 0))
	if e.cfg.RelayRecognition {
		if err := e.cfg.Bus.RequestRecognition(payload, bus.FireAndForget); err != nil {
			monitoring.Logf("[engine] recognition request failed: %v", err)
		}
	}
}

func (e *Engine) perform(acts []course.Action) {
	for _, a := range acts {
		switch a.Kind {
		case course.ActMotor:
			e.cfg.Metrics.CommandSent(a.Command.Op.String())
			e.record(journal.Entry{Kind: journal.KindMotorCommand, Command: a.Command.String()})
			if err := e.cfg.Motor.SendCommand(a.Command); err != nil {
				monitoring.Logf("[engine] motor command %s not sent: %v", a.Command, err)
			}

		case course.ActPhoto:
			e.cfg.Metrics.CommandSent(a.Command.Op.String())
			e.record(journal.Entry{Kind: journal.KindPhotoRequest, Command: a.Command.String(), Obstacle: int(a.Obstacle)})
			if err := e.cfg.Bus.RequestPhoto(bus.FireAndForget); err != nil {
				monitoring.Logf("[engine] photo request for obstacle %d failed: %v", a.Obstacle, err)
			}
			e.status(frame.Status(frame.OpeningCamera, 0))

		case course.ActSettle:
			e.scheduleSettle()

		case course.ActTargetDiscovered:
			e.cfg.Metrics.TargetDiscovered()
			e.record(journal.Entry{Kind: journal.KindTargetDiscovered, Obstacle: int(a.Obstacle), Target: int(a.Target)})
			monitoring.Logf("[engine] obstacle %d is target %d", a.Obstacle, a.Target)
			e.status(frame.Discovered(a.Obstacle, a.Target))

		case course.ActFinished:
			e.record(journal.Entry{Kind: journal.KindFinished})
			monitoring.Logf("[engine] course complete")
			if !e.state.FinishRequested {
				e.state.FinishRequested = true
				close(e.finished)
			}
		}
	}
}

// scheduleSettle arms a timer that posts Settled for the current program.
func (e *Engine) scheduleSettle() {
	gen := e.gen
	if e.cfg.SettleDelay <= 0 {
		e.perform(e.machine.Settled())
		return
	}
	t := e.cfg.Clock.NewTimer(e.cfg.SettleDelay)
	go func() {
		select {
		case <-t.C():
			e.post(settledEvent{gen})
		case <-e.stopped:
			t.Stop()
		}
	}()
}

func (e *Engine) status(f frame.StatusFrame) {
	if err := e.cfg.Client.SendStatus(f); err != nil {
		monitoring.Logf("[engine] status %v not sent: %v", f, err)
	}
}

func (e *Engine) record(entry journal.Entry) {
	if e.cfg.Journal == nil {
		return
	}
	if entry.Kind != journal.KindTargetDiscovered && entry.Kind != journal.KindPhotoRequest {
		entry.Obstacle = journal.None
	}
	if entry.Kind != journal.KindTargetDiscovered {
		entry.Target = journal.None
	}
	e.cfg.Journal.Record(entry)
}

func describe(p frame.Program) string {
	parts := make([]string, len(p))
	for i, c := range p {
		parts[i] = c.String()
	}
	return strings.Join(parts, ", ")
}
