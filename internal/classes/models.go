package classes

import (
	"errors"
	"time"
)

// ClassSession is one lesson slot between exactly one teacher and one student.
//
// Invariants:
// - CallRoomID/CallRoomURL are set by StartCall and kept afterwards as history.
// - CallAttemptID identifies the most recent call attempt; every later status write must name it.
type ClassSession struct {
	ID        string `json:"id" db:"id"`
	TeacherID string `json:"teacher_id" db:"teacher_id"`
	StudentID string `json:"student_id" db:"student_id"`

	ScheduledAt     time.Time `json:"scheduled_at" db:"scheduled_at"`
	DurationMinutes int       `json:"duration_minutes" db:"duration_minutes"`

	Status Status `json:"status" db:"status"`

	CallRoomID      string     `json:"call_room_id,omitempty" db:"call_room_id"`
	CallRoomURL     string     `json:"call_room_url,omitempty" db:"call_room_url"`
	CallAttemptID   string     `json:"call_attempt_id,omitempty" db:"call_attempt_id"`
	ActualStartTime *time.Time `json:"actual_start_time,omitempty" db:"actual_start_time"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasActiveCall reports whether the row currently advertises a joinable room.
func (s ClassSession) HasActiveCall() bool {
	return s.Status == StatusInProgress && s.CallRoomURL != ""
}

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusMissed     Status = "missed"
	StatusNoAnswer   Status = "no_answer"
	StatusCancelled  Status = "cancelled"
	StatusDeclined   Status = "declined"
)

// Callable reports whether a new call attempt may start from this status.
func (s Status) Callable() bool {
	switch s {
	case StatusCompleted, StatusCancelled:
		return false
	default:
		return true
	}
}

// CallerProfile is the typed projection of teachers joined with profiles.
// DisplayName is always set; AvatarURL is optional.
type CallerProfile struct {
	TeacherID   string `json:"teacher_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

const defaultCallerName = "Teacher"

// StartCall is the provisioning write: flip to in_progress and record the new room.
type StartCall struct {
	ClassSessionID string
	TeacherID      string
	StudentID      string
	AttemptID      string
	RoomID         string
	RoomURL        string
	StartedAt      time.Time
}

// Transition is a guarded status change. It applies only while the row still has status From
// and call_attempt_id AttemptID.
type Transition struct {
	ClassSessionID string
	AttemptID      string
	From           Status
	To             Status
	At             time.Time
}

var (
	ErrNotFound       = errors.New("classes: not found")
	ErrStaleAttempt   = errors.New("classes: attempt superseded or already resolved")
	ErrNotCallable    = errors.New("classes: session cannot start a call")
	ErrInvalidRequest = errors.New("classes: invalid request")
)

// FallbackCaller is the profile shown when the teacher/profile lookup fails.
func FallbackCaller(teacherID string) CallerProfile {
	return CallerProfile{TeacherID: teacherID, DisplayName: defaultCallerName}
}
