package calllog

import (
	"encoding/json"
	"time"

	"quran-academy/internal/classes"
)

// Entry is an immutable fact about one moment of a call attempt.
//
// Invariants:
// - Entries are never updated or deleted.
// - Ordered by CreatedAt, the entries of one class session reconstruct every attempt;
//   AttemptID groups them without relying on adjacency.
//
// Storage: table call_logs with an INSERT-only grant for the application role.
type Entry struct {
	ID             string `json:"id" db:"id"`
	ClassSessionID string `json:"class_session_id" db:"class_session_id"`
	AttemptID      string `json:"attempt_id,omitempty" db:"attempt_id"`
	TeacherID      string `json:"teacher_id" db:"teacher_id"`
	StudentID      string `json:"student_id" db:"student_id"`

	Event Event `json:"event" db:"event"`

	RoomID  string `json:"room_id,omitempty" db:"room_id"`
	RoomURL string `json:"room_url,omitempty" db:"room_url"`

	// Metadata is free-form JSON.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type Event string

const (
	EventInitiated    Event = "initiated"
	EventRinging      Event = "ringing"
	EventAccepted     Event = "accepted"
	EventRejected     Event = "rejected"
	EventConnected    Event = "connected"
	EventDisconnected Event = "disconnected"
	EventTimeout      Event = "timeout"
)

func (e Event) Valid() bool {
	switch e {
	case EventInitiated, EventRinging, EventAccepted, EventRejected,
		EventConnected, EventDisconnected, EventTimeout:
		return true
	default:
		return false
	}
}

// Terminal reports events that close an attempt.
func (e Event) Terminal() bool {
	return e == EventRejected || e == EventTimeout || e == EventDisconnected
}

// FromSession snapshots the session's participants and room into a new entry.
func FromSession(s classes.ClassSession, ev Event, metadata map[string]any) Entry {
	e := Entry{
		ClassSessionID: s.ID,
		AttemptID:      s.CallAttemptID,
		TeacherID:      s.TeacherID,
		StudentID:      s.StudentID,
		Event:          ev,
		RoomID:         s.CallRoomID,
		RoomURL:        s.CallRoomURL,
	}
	if len(metadata) > 0 {
		if b, err := json.Marshal(metadata); err == nil {
			e.Metadata = string(b)
		}
	}
	return e
}
