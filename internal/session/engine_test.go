package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/course.bridge/internal/bus"
	"github.com/banshee-data/course.bridge/internal/frame"
	"github.com/banshee-data/course.bridge/internal/journal"
	"github.com/banshee-data/course.bridge/internal/monitoring"
	"github.com/banshee-data/course.bridge/internal/testutil"
	"github.com/banshee-data/course.bridge/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

const settleDelay = time.Second

type harness struct {
	engine  *Engine
	motor   *fakeMotor
	client  *fakeClient
	bus     *fakeBus
	journal *fakeJournal
	clock   *timeutil.MockClock
	metrics *monitoring.Metrics
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	h := &harness{
		motor:   &fakeMotor{},
		client:  &fakeClient{},
		bus:     newFakeBus(),
		journal: &fakeJournal{},
		clock:   timeutil.NewMockClock(time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)),
		metrics: monitoring.NewMetrics(prometheus.NewRegistry()),
	}
	cfg := Config{
		Motor:       h.motor,
		Client:      h.client,
		Bus:         h.bus,
		Journal:     h.journal,
		SettleDelay: settleDelay,
		RunID:       "run-1",
		Clock:       h.clock,
		Metrics:     h.metrics,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	h.engine = NewEngine(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func (h *harness) plan(payload []byte) {
	h.engine.Route(bus.Message{Channel: h.bus.channels.PlanResult, Payload: payload})
}

func (h *harness) recognize(target byte) {
	h.engine.Route(bus.Message{Channel: h.bus.channels.RecognitionResult, Payload: []byte{target}})
}

// eventually waits until the snapshot satisfies cond.
func (h *harness) eventually(t *testing.T, cond func(State) bool, msg string) {
	t.Helper()
	require.Eventually(t, func() bool { return cond(h.engine.Snapshot()) }, time.Second, time.Millisecond, msg)
}

// waitFrames waits until the client has received n status frames.
func (h *harness) waitFrames(t *testing.T, n int) []frame.StatusFrame {
	t.Helper()
	require.Eventually(t, func() bool { return len(h.client.sent()) >= n }, time.Second, time.Millisecond,
		"waiting for %d status frames", n)
	return h.client.sent()
}

// settle waits for the pending settle timer and fires it.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.clock.WaitForTimers(ctx, 1), "settle timer never armed")
	h.clock.Advance(settleDelay)
}

func cmdOf(op frame.Opcode, v uint8) frame.Command { return frame.Command{Op: op, Value: v} }

// Forward then photo: the motor moves, the bridge settles, photographs
// obstacle 1 and finishes on the recognition result.
func TestEngine_ForwardThenPhoto(t *testing.T) {
	h := newHarness(t, nil)

	h.plan([]byte{1, 5, 7, 1})
	h.eventually(t, func(s State) bool { return s.Course == "running" && s.Cursor == 1 }, "program not loaded")
	assert.Equal(t, []frame.Command{cmdOf(frame.MoveForward, 5)}, h.motor.commands())

	h.engine.StepComplete()
	h.eventually(t, func(s State) bool { return s.SettlePending }, "settle not scheduled")
	assert.Empty(t, h.bus.sent(), "photo requested before settle delay")

	h.settle(t)
	h.eventually(t, func(s State) bool { return s.Course == "awaiting_recognition" }, "photo step not reached")
	snap := h.engine.Snapshot()
	assert.Equal(t, 1, snap.CurrentObstacle)
	assert.True(t, snap.LastStepReached)
	assert.Equal(t, []publish{{h.bus.channels.CameraRequest, string(frame.PhotoPayload), bus.FireAndForget}}, h.bus.sent())

	h.recognize(2)
	select {
	case <-h.engine.Finished():
	case <-time.After(time.Second):
		t.Fatal("finished not signalled")
	}
	h.eventually(t, func(s State) bool { return s.FinishRequested }, "finish not recorded")
	snap = h.engine.Snapshot()
	assert.Equal(t, "complete", snap.Course)
	assert.Equal(t, -1, snap.CurrentObstacle)

	want := []frame.StatusFrame{
		frame.Status(frame.NextObstacle, 0),
		frame.Status(frame.OpeningCamera, 0),
		frame.Status(frame.ReceivedTarget, 2),
		frame.Discovered(1, 2),
	}
	if diff := cmp.Diff(want, h.waitFrames(t, len(want))); diff != "" {
		t.Errorf("status frames (-want +got):\n%s", diff)
	}

	assert.Equal(t, []journal.Kind{
		journal.KindProgramLoaded,
		journal.KindMotorCommand,
		journal.KindPhotoRequest,
		journal.KindTargetDiscovered,
		journal.KindFinished,
	}, h.journal.kinds())

	expected := `
# HELP bridge_targets_discovered_total Recognition results consumed for a photo step.
# TYPE bridge_targets_discovered_total counter
bridge_targets_discovered_total 1
`
	require.NoError(t, promtest.GatherAndCompare(h.metrics.Gatherer(), strings.NewReader(expected),
		"bridge_targets_discovered_total"))
}

// Two photo steps back to back: no motor command is sent between them.
func TestEngine_ConsecutivePhotos(t *testing.T) {
	h := newHarness(t, nil)

	h.plan([]byte{7, 1, 7, 2})
	h.eventually(t, func(s State) bool { return s.CurrentObstacle == 1 }, "first photo not requested")

	h.recognize(10)
	h.eventually(t, func(s State) bool { return s.SettlePending }, "second photo not deferred")
	assert.False(t, h.engine.Snapshot().LastStepReached)

	h.settle(t)
	h.eventually(t, func(s State) bool { return s.CurrentObstacle == 2 }, "second photo not requested")
	assert.True(t, h.engine.Snapshot().LastStepReached)

	h.recognize(11)
	h.eventually(t, func(s State) bool { return s.FinishRequested }, "course did not finish")

	assert.Empty(t, h.motor.commands())
	photo := publish{h.bus.channels.CameraRequest, string(frame.PhotoPayload), bus.FireAndForget}
	assert.Equal(t, []publish{photo, photo}, h.bus.sent())

	// A program that opens with a photo reports the camera before the
	// obstacle status.
	want := []frame.StatusFrame{
		frame.Status(frame.OpeningCamera, 0),
		frame.Status(frame.NextObstacle, 0),
		frame.Status(frame.ReceivedTarget, 10),
		frame.Discovered(1, 10),
		frame.Status(frame.NextObstacle, 0),
		frame.Status(frame.OpeningCamera, 0),
		frame.Status(frame.ReceivedTarget, 11),
		frame.Discovered(2, 11),
	}
	if diff := cmp.Diff(want, h.waitFrames(t, len(want))); diff != "" {
		t.Errorf("status frames (-want +got):\n%s", diff)
	}
}

func TestEngine_ObstacleMapRequestsPlan(t *testing.T) {
	h := newHarness(t, nil)

	h.engine.ObstacleMap([]byte{3, 9, 4})
	frames := h.waitFrames(t, 1)
	assert.Equal(t, frame.Status(frame.Starting, 0), frames[0])
	assert.Equal(t, []publish{{h.bus.channels.PlannerRequest, "\x03\x09\x04", bus.FireAndForget}}, h.bus.sent())
	assert.Equal(t, "idle", h.engine.Snapshot().Course)
}

func TestEngine_PlannerFailureKeepsProgram(t *testing.T) {
	h := newHarness(t, nil)

	h.plan([]byte{1, 5, 2, 3})
	h.eventually(t, func(s State) bool { return s.Cursor == 1 }, "program not loaded")
	before := h.engine.Snapshot()

	h.plan([]byte("SOS"))
	require.Eventually(t, func() bool {
		kinds := h.journal.kinds()
		return len(kinds) > 0 && kinds[len(kinds)-1] == journal.KindPlannerFailure
	}, time.Second, time.Millisecond)

	assert.Equal(t, before, h.engine.Snapshot())
	assert.Len(t, h.motor.commands(), 1)
	assert.Len(t, h.client.sent(), 1, "planner failure must not send a status")
}

// A settle timer armed for one program must not advance its replacement.
func TestEngine_ReloadDropsStaleSettle(t *testing.T) {
	h := newHarness(t, nil)

	h.plan([]byte{1, 1, 1, 2})
	h.eventually(t, func(s State) bool { return s.Cursor == 1 }, "program not loaded")
	h.engine.StepComplete()
	h.eventually(t, func(s State) bool { return s.SettlePending }, "settle not scheduled")

	h.plan([]byte{4, 3, 1, 4})
	h.eventually(t, func(s State) bool { return !s.SettlePending && s.Cursor == 1 }, "replacement not loaded")

	h.clock.Advance(settleDelay)
	// a pulse after the stale timer still advances the replacement exactly once
	h.engine.StepComplete()
	h.eventually(t, func(s State) bool { return s.SettlePending }, "replacement settle not scheduled")

	assert.Equal(t, []frame.Command{
		cmdOf(frame.MoveForward, 1),
		cmdOf(frame.MoveBackward, 3),
	}, h.motor.commands())
	assert.Equal(t, 1, h.engine.Snapshot().Cursor)
}

func TestEngine_StepWhileSettlingIsDiscarded(t *testing.T) {
	h := newHarness(t, nil)

	h.plan([]byte{1, 1, 1, 2, 1, 3})
	h.eventually(t, func(s State) bool { return s.Cursor == 1 }, "program not loaded")
	h.engine.StepComplete()
	h.engine.StepComplete()
	h.eventually(t, func(s State) bool { return s.SettlePending }, "settle not scheduled")

	h.settle(t)
	h.eventually(t, func(s State) bool { return s.Cursor == 2 }, "second command not sent")
	assert.Len(t, h.motor.commands(), 2)
	assert.Equal(t, 0, h.clock.Pending())
}

func TestEngine_MotorOnlyProgramFinishes(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.SettleDelay = 0 })

	h.plan([]byte{1, 3, 4, 3})
	h.eventually(t, func(s State) bool { return s.Cursor == 1 }, "program not loaded")
	h.engine.StepComplete()
	h.eventually(t, func(s State) bool { return s.Cursor == 2 }, "second command not sent inline")
	h.engine.StepComplete()

	select {
	case <-h.engine.Finished():
	case <-time.After(time.Second):
		t.Fatal("finished not signalled")
	}
	assert.Equal(t, []frame.Command{cmdOf(frame.MoveForward, 3), cmdOf(frame.MoveBackward, 3)}, h.motor.commands())
}

func TestEngine_RecognitionOutsidePhotoStep(t *testing.T) {
	h := newHarness(t, nil)

	h.plan([]byte{1, 5})
	h.eventually(t, func(s State) bool { return s.Cursor == 1 }, "program not loaded")
	h.recognize(4)
	h.engine.SerialConnected()
	h.eventually(t, func(s State) bool { return s.SerialConnected }, "serial event not consumed")

	assert.Equal(t, "running", h.engine.Snapshot().Course)
	assert.Equal(t, []frame.StatusFrame{frame.Status(frame.NextObstacle, 0)}, h.client.sent())
}

func TestEngine_MotorFailureDoesNotStall(t *testing.T) {
	h := newHarness(t, nil)
	h.motor.err = errors.New("serial down")

	h.plan([]byte{1, 5})
	h.eventually(t, func(s State) bool { return s.Cursor == 1 }, "program not loaded")
	assert.Equal(t, "running", h.engine.Snapshot().Course)
}

func TestEngine_CameraReady(t *testing.T) {
	tests := []struct {
		name  string
		relay bool
		want  []publish
	}{
		{name: "status only"},
		{
			name:  "relay",
			relay: true,
			want:  []publish{{bus.DefaultChannels().RecognitionRequest, "img", bus.FireAndForget}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(c *Config) { c.RelayRecognition = tt.relay })
			h.engine.Route(bus.Message{Channel: h.bus.channels.CameraReady, Payload: []byte("img")})

			frames := h.waitFrames(t, 1)
			assert.Equal(t, frame.Status(frame.IdentifyingImage, 0), frames[0])
			assert.Equal(t, tt.want, h.bus.sent())
		})
	}
}

// A client disconnect leaves the running program alone.
func TestEngine_ClientDisconnectKeepsProgram(t *testing.T) {
	h := newHarness(t, nil)

	h.engine.ClientConnected("00:11:22:33:44:55")
	h.plan([]byte{1, 5, 7, 1})
	h.eventually(t, func(s State) bool { return s.WirelessConnected && s.Cursor == 1 }, "not running")

	h.engine.ClientDisconnected("00:11:22:33:44:55")
	h.eventually(t, func(s State) bool { return !s.WirelessConnected }, "disconnect not consumed")
	snap := h.engine.Snapshot()
	assert.Empty(t, snap.ClientPeer)
	assert.Equal(t, "running", snap.Course)
	assert.Equal(t, 1, snap.Cursor)

	h.engine.StepComplete()
	h.settle(t)
	h.eventually(t, func(s State) bool { return s.Course == "awaiting_recognition" }, "program stalled")
}

func TestEngine_TerminateClosesChannel(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.Terminate()
	h.engine.Terminate()

	select {
	case <-h.engine.Terminating():
	case <-time.After(time.Second):
		t.Fatal("terminating not closed")
	}
	h.eventually(t, func(s State) bool { return s.Terminating }, "terminating not in snapshot")
}

func TestEngine_PostAfterStop(t *testing.T) {
	e := NewEngine(Config{Motor: &fakeMotor{}, Client: &fakeClient{}, Bus: newFakeBus()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, e.Run(ctx), context.Canceled)

	var logged []string
	monitoring.SetLogger(func(format string, v ...interface{}) {
		logged = append(logged, fmt.Sprintf(format, v...))
	})
	defer monitoring.SetLogger(nil)

	// with the queue full post can only observe the stopped engine
	for i := 0; i < queueSize; i++ {
		e.events <- stepCompleteEvent{}
	}
	assert.ErrorIs(t, e.post(stepCompleteEvent{}), ErrStopped)
	e.Route(bus.Message{Channel: bus.DefaultChannels().PlanResult, Payload: []byte{1, 1}})

	assert.Equal(t, []string{
		"[engine] dropping step_complete: session engine stopped",
		"[engine] dropping plan_result: session engine stopped",
	}, logged)
}

func TestEngine_AdminRoutes(t *testing.T) {
	h := newHarness(t, nil)
	h.engine.SerialConnected()
	h.eventually(t, func(s State) bool { return s.SerialConnected }, "serial event not consumed")

	mux := http.NewServeMux()
	h.engine.AttachAdminRoutes(mux)

	rec := testutil.Get(mux, "/debug/session")
	require.Equal(t, http.StatusOK, rec.Code)
	var got State
	testutil.DecodeJSON(t, rec, &got)
	assert.Equal(t, "run-1", got.RunID)
	assert.True(t, got.SerialConnected)
	assert.Equal(t, "idle", got.Course)
	assert.Equal(t, -1, got.CurrentObstacle)
}
