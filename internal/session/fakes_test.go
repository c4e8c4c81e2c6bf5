package session

import (
	"sync"

	"github.com/banshee-data/course.bridge/internal/bus"
	"github.com/banshee-data/course.bridge/internal/frame"
	"github.com/banshee-data/course.bridge/internal/journal"
)

type fakeMotor struct {
	mu   sync.Mutex
	sent []frame.Command
	err  error
}

func (m *fakeMotor) SendCommand(cmd frame.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, cmd)
	return nil
}

func (m *fakeMotor) commands() []frame.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]frame.Command(nil), m.sent...)
}

type fakeClient struct {
	mu     sync.Mutex
	frames []frame.StatusFrame
}

func (c *fakeClient) SendStatus(f frame.StatusFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeClient) sent() []frame.StatusFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frame.StatusFrame(nil), c.frames...)
}

type publish struct {
	Channel  string
	Payload  string
	Delivery bus.Delivery
}

type fakeBus struct {
	mu           sync.Mutex
	channels     bus.Channels
	published    []publish
	disconnected bool
	released     bool
}

func newFakeBus() *fakeBus {
	return &fakeBus{channels: bus.DefaultChannels()}
}

func (b *fakeBus) add(channel string, payload []byte, d bus.Delivery) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publish{channel, string(payload), d})
	return nil
}

func (b *fakeBus) RequestPlanner(p []byte, d bus.Delivery) error {
	return b.add(b.channels.PlannerRequest, p, d)
}

func (b *fakeBus) RequestPhoto(d bus.Delivery) error {
	return b.add(b.channels.CameraRequest, frame.PhotoPayload, d)
}

func (b *fakeBus) RequestRecognition(p []byte, d bus.Delivery) error {
	return b.add(b.channels.RecognitionRequest, p, d)
}

func (b *fakeBus) RequestClose(ch string, d bus.Delivery) error {
	return b.add(ch, frame.ClosePayload, d)
}

func (b *fakeBus) Disconnect() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnected = true
	return nil
}

func (b *fakeBus) Release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.released = true
	return nil
}

func (b *fakeBus) Channels() bus.Channels { return b.channels }

func (b *fakeBus) sent() []publish {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]publish(nil), b.published...)
}

func (b *fakeBus) state() (disconnected, released bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.disconnected, b.released
}

type fakeJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *fakeJournal) Record(e journal.Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
}

func (j *fakeJournal) kinds() []journal.Kind {
	j.mu.Lock()
	defer j.mu.Unlock()
	var kinds []journal.Kind
	for _, e := range j.entries {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}
