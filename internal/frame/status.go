package frame

// EventKind is byte 0 of a status frame.
type EventKind uint8

const (
	TargetDiscovered EventKind = 1
	Finished         EventKind = 2
	StatusUpdate     EventKind = 3
)

// StatusKind is byte 1 of a StatusUpdate frame.
type StatusKind uint8

const (
	Starting         StatusKind = 1
	OpeningCamera    StatusKind = 3
	IdentifyingImage StatusKind = 4
	GoingBack        StatusKind = 5
	NextObstacle     StatusKind = 6
	ReceivedTarget   StatusKind = 7
)

// StatusFrame is the fixed 4-byte frame sent to the handheld client.
type StatusFrame [4]byte

// EncodeStatus builds a status frame. Unused arguments must be zero.
func EncodeStatus(kind EventKind, arg1, arg2, arg3 uint8) StatusFrame {
	return StatusFrame{byte(kind), arg1, arg2, arg3}
}

// Status builds a StatusUpdate frame with an optional argument.
func Status(sub StatusKind, arg uint8) StatusFrame {
	return EncodeStatus(StatusUpdate, uint8(sub), arg, 0)
}

// Discovered builds a TargetDiscovered frame.
func Discovered(obstacle, target uint8) StatusFrame {
	return EncodeStatus(TargetDiscovered, obstacle, target, 0)
}

// Done builds the Finished frame.
func Done() StatusFrame {
	return EncodeStatus(Finished, 0, 0, 0)
}

// Kind returns byte 0 of the frame.
func (f StatusFrame) Kind() EventKind { return EventKind(f[0]) }

func (k EventKind) String() string {
	switch k {
	case TargetDiscovered:
		return "target_discovered"
	case Finished:
		return "finished"
	case StatusUpdate:
		return "status_update"
	default:
		return "unknown"
	}
}

func (s StatusKind) String() string {
	switch s {
	case Starting:
		return "starting"
	case OpeningCamera:
		return "opening_camera"
	case IdentifyingImage:
		return "identifying_image"
	case GoingBack:
		return "going_back"
	case NextObstacle:
		return "next_obstacle"
	case ReceivedTarget:
		return "received_target"
	default:
		return "unknown"
	}
}
