package session

import "github.com/banshee-data/course.bridge/internal/course"

// State is a copy of the session state taken between two events.
type State struct {
	RunID string `json:"run_id"`

	WirelessConnected bool   `json:"wireless_connected"`
	ClientPeer        string `json:"client_peer,omitempty"`
	SerialConnected   bool   `json:"serial_connected"`

	Course          string `json:"course"`
	Cursor          int    `json:"cursor"`
	ProgramLength   int    `json:"program_length"`
	SettlePending   bool   `json:"settle_pending"`
	CurrentObstacle int    `json:"current_obstacle"`
	LastStepReached bool   `json:"last_step_reached"`

	// FinishRequested goes false to true once per run and never resets.
	FinishRequested bool `json:"finish_requested"`
	Terminating     bool `json:"terminating"`
}

func (s *State) syncMachine(m *course.Machine) {
	s.Course = m.State().String()
	s.Cursor = m.Cursor()
	s.ProgramLength = m.Len()
	s.SettlePending = m.Pending()
	s.CurrentObstacle = m.CurrentObstacle()
	s.LastStepReached = m.LastStepReached()
}
