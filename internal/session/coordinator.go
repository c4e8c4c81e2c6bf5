package session

import (
	"context"
	"time"

	"github.com/banshee-data/course.bridge/internal/bus"
	"github.com/banshee-data/course.bridge/internal/frame"
	"github.com/banshee-data/course.bridge/internal/monitoring"
	"github.com/banshee-data/course.bridge/internal/timeutil"
)

// Coordinator tears the links down once the course is finished.
type Coordinator struct {
	Engine *Engine
	Client Client
	Bus    Bus
	// GracePeriod is the wait between unsubscribing and releasing the bus,
	// giving the camera and recognition services time to act on "close".
	GracePeriod time.Duration
	Clock       timeutil.Clock
}

// Run waits for the engine to finish the course and then shuts down. It
// returns nil after posting Terminating, or ctx.Err() if cancelled first.
func (c *Coordinator) Run(ctx context.Context) error {
	clock := c.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.Engine.Finished():
	}
	monitoring.Logf("[shutdown] course finished, closing links")

	if err := c.Client.SendStatus(frame.Done()); err != nil {
		monitoring.Logf("[shutdown] finished status not sent: %v", err)
	}

	channels := c.Bus.Channels()
	for _, ch := range []string{channels.CameraRequest, channels.RecognitionRequest} {
		if err := c.Bus.RequestClose(ch, bus.WaitForAck); err != nil {
			monitoring.Logf("[shutdown] close request on %s failed: %v", ch, err)
		}
	}
	if err := c.Bus.Disconnect(); err != nil {
		monitoring.Logf("[shutdown] bus disconnect: %v", err)
	}

	if err := timeutil.Sleep(ctx, clock, c.GracePeriod); err != nil {
		return err
	}

	if err := c.Bus.Release(); err != nil {
		monitoring.Logf("[shutdown] bus release: %v", err)
	}
	c.Engine.Terminate()
	monitoring.Logf("[shutdown] terminating")
	return nil
}
