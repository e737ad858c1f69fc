package callsession

import (
	"errors"

	"quran-academy/internal/video"
)

type State string

const (
	StateIdle      State = "idle"
	StateJoining   State = "joining"
	StateConnected State = "connected"
	StateEnded     State = "ended"
	StateFailed    State = "failed"
)

// Call identifies the accepted attempt this controller manages.
type Call struct {
	ClassSessionID string
	AttemptID      string
	TeacherID      string
	StudentID      string
	RoomID         string
	RoomURL        string
	DisplayName    string
}

// Snapshot is the view exposed to the UI.
type Snapshot struct {
	ClassSessionID string             `json:"class_session_id"`
	AttemptID      string             `json:"attempt_id"`
	State          State              `json:"state"`
	Local          *video.Participant `json:"local,omitempty"`
	Remote         *video.Participant `json:"remote,omitempty"`
	MicOn          bool               `json:"mic_on"`
	CameraOn       bool               `json:"camera_on"`
	Error          string             `json:"error,omitempty"`
	Notice         string             `json:"notice,omitempty"`
}

type Outcome string

const (
	OutcomeLeft     Outcome = "left"
	OutcomeDeclined Outcome = "declined"
	OutcomeFailed   Outcome = "failed"
)

var (
	ErrNoRoomURL    = errors.New("callsession: no room url")
	ErrNotConnected = errors.New("callsession: not connected")
	ErrFinished     = errors.New("callsession: call already finished")
)
