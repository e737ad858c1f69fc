package ringing

import (
	"errors"
	"time"

	"quran-academy/internal/classes"
)

type State string

const (
	StateIdle    State = "idle"
	StateRinging State = "ringing"
)

// IncomingCall is the controller's working view of one ringing attempt.
type IncomingCall struct {
	ClassSessionID string    `json:"class_session_id"`
	AttemptID      string    `json:"attempt_id"`
	RoomURL        string    `json:"room_url"`
	RoomID         string    `json:"room_id,omitempty"`
	TeacherID      string    `json:"teacher_id"`
	StudentID      string    `json:"student_id"`
	CallerName     string    `json:"caller_name"`
	CallerAvatar   string    `json:"caller_avatar,omitempty"`
	ScheduledAt    time.Time `json:"scheduled_at"`
	RingingSince   time.Time `json:"ringing_since"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Handoff is what an accepted ring passes to the call screen.
type Handoff struct {
	ClassSessionID string `json:"class_session_id"`
	AttemptID      string `json:"attempt_id"`
	RoomURL        string `json:"room_url"`
	RoomID         string `json:"room_id,omitempty"`
	TeacherID      string `json:"teacher_id"`
	StudentID      string `json:"student_id"`
	CallerName     string `json:"caller_name"`
}

func (c IncomingCall) handoff() Handoff {
	return Handoff{
		ClassSessionID: c.ClassSessionID,
		AttemptID:      c.AttemptID,
		RoomURL:        c.RoomURL,
		RoomID:         c.RoomID,
		TeacherID:      c.TeacherID,
		StudentID:      c.StudentID,
		CallerName:     c.CallerName,
	}
}

// session is the row as the ring saw it; used to stamp call log entries.
func (c IncomingCall) session() classes.ClassSession {
	return classes.ClassSession{
		ID:            c.ClassSessionID,
		TeacherID:     c.TeacherID,
		StudentID:     c.StudentID,
		Status:        classes.StatusInProgress,
		CallRoomID:    c.RoomID,
		CallRoomURL:   c.RoomURL,
		CallAttemptID: c.AttemptID,
	}
}

// Listener observes every state change. It is called without the controller lock held.
type Listener func(state State, call *IncomingCall)

// Timer is the subset of *time.Timer the controller needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d; tests substitute a manual clock.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

var (
	ErrNoIncomingCall = errors.New("ringing: no incoming call")
	ErrClosed         = errors.New("ringing: controller closed")
)
