package classes

import "context"

// Store is the persistence contract the call core needs from class sessions.
type Store interface {
	Get(ctx context.Context, id string) (ClassSession, error)
	ListForStudent(ctx context.Context, studentID string, limit int) ([]ClassSession, error)

	// StartCall requires the teacher/student pair to match the row.
	StartCall(ctx context.Context, req StartCall) (ClassSession, error)
	// TransitionStatus returns ErrStaleAttempt when the precondition no longer holds.
	TransitionStatus(ctx context.Context, t Transition) (ClassSession, error)

	CallerProfile(ctx context.Context, teacherID string) (CallerProfile, error)
	StudentUserID(ctx context.Context, studentID string) (string, error)
	StudentForUser(ctx context.Context, userID string) (string, error)
}

// Invalidator drops cached class-list views after a status change.
type Invalidator interface {
	InvalidateStudent(ctx context.Context, studentID string) error
}

func validateTransition(t Transition) error {
	if t.ClassSessionID == "" || t.AttemptID == "" || t.From == "" || t.To == "" {
		return ErrInvalidRequest
	}
	return nil
}

func validateStart(req StartCall) error {
	if req.ClassSessionID == "" || req.TeacherID == "" || req.StudentID == "" ||
		req.AttemptID == "" || req.RoomURL == "" {
		return ErrInvalidRequest
	}
	return nil
}
