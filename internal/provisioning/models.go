package provisioning

import (
	"errors"
	"fmt"
	"time"
)

// Request is the teacher-side "start call" input. DurationMinutes <= 0 means the default.
type Request struct {
	ClassID         string `json:"class_id"`
	TeacherID       string `json:"teacher_id"`
	StudentID       string `json:"student_id"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
}

type Result struct {
	RoomURL   string    `json:"room_url"`
	RoomID    string    `json:"room_id"`
	ExpiresAt time.Time `json:"expires_at"`
	AttemptID string    `json:"attempt_id"`
}

var (
	ErrInvalidRequest  = errors.New("provisioning: class_id, teacher_id and student_id are required")
	ErrConfiguration   = errors.New("provisioning: video provider not configured")
	ErrProvisionFailed = errors.New("provisioning: video room could not be created")
	ErrPersistence     = errors.New("provisioning: class session update failed")

	// ErrAlreadyStarting rejects a second provisioning for the same class while one is in flight.
	ErrAlreadyStarting = fmt.Errorf("%w: call already starting", ErrInvalidRequest)
)

func (r Request) validate() error {
	if r.ClassID == "" || r.TeacherID == "" || r.StudentID == "" {
		return ErrInvalidRequest
	}
	return nil
}
