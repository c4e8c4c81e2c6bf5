package session

// event is an input to the engine. Every producer (link readers, the bus
// receiver, settle timers, the coordinator) posts events; only Engine.Run
// consumes them.
type event interface {
	name() string
}

type obstacleMapEvent struct{ payload []byte }
type planResultEvent struct{ payload []byte }
type recognitionEvent struct{ payload []byte }
type cameraReadyEvent struct{ payload []byte }
type stepCompleteEvent struct{}
type settledEvent struct{ gen uint64 }
type clientConnectedEvent struct{ peer string }
type clientDisconnectedEvent struct{ peer string }
type serialConnectedEvent struct{}
type serialLostEvent struct{ err error }
type terminatingEvent struct{}

func (obstacleMapEvent) name() string        { return "obstacle_map" }
func (planResultEvent) name() string         { return "plan_result" }
func (recognitionEvent) name() string        { return "recognition" }
func (cameraReadyEvent) name() string        { return "camera_ready" }
func (stepCompleteEvent) name() string       { return "step_complete" }
func (settledEvent) name() string            { return "settled" }
func (clientConnectedEvent) name() string    { return "client_connected" }
func (clientDisconnectedEvent) name() string { return "client_disconnected" }
func (serialConnectedEvent) name() string    { return "serial_connected" }
func (serialLostEvent) name() string         { return "serial_lost" }
func (terminatingEvent) name() string        { return "terminating" }
