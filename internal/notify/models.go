package notify

import "time"

// Notification is the fallback record for a student who is not connected to the realtime feed.
// Storage: table notifications. Data is JSON.
type Notification struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Type      string    `json:"type" db:"type"`
	Title     string    `json:"title" db:"title"`
	Message   string    `json:"message" db:"message"`
	Data      string    `json:"data,omitempty" db:"data"`
	IsRead    bool      `json:"is_read" db:"is_read"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

const TypeIncomingCall = "incoming_call"

// IncomingCallData is the typed payload of an incoming_call notification.
type IncomingCallData struct {
	ClassSessionID string `json:"class_session_id"`
	AttemptID      string `json:"attempt_id"`
	RoomURL        string `json:"room_url"`
	RoomID         string `json:"room_id"`
	TeacherID      string `json:"teacher_id"`
}
