package classes

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"quran-academy/pkg/utils"
)

// PostgresStore assumes these tables:
// - class_sessions (id, teacher_id, student_id, scheduled_at, duration_minutes, status,
//   call_room_id, call_room_url, call_attempt_id, actual_start_time, updated_at)
// - teachers (id, user_id), students (id, user_id), profiles (id, full_name, avatar_url)
type PostgresStore struct {
	db utils.DBTX
}

func NewPostgresStore(db utils.DBTX) *PostgresStore {
	return &PostgresStore{db: db}
}

const sessionColumns = `id, teacher_id, student_id, scheduled_at, duration_minutes, status,
       call_room_id, call_room_url, call_attempt_id, actual_start_time, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (ClassSession, error) {
	var (
		s                        ClassSession
		roomID, roomURL, attempt sql.NullString
		started                  sql.NullTime
	)
	if err := row.Scan(
		&s.ID,
		&s.TeacherID,
		&s.StudentID,
		&s.ScheduledAt,
		&s.DurationMinutes,
		&s.Status,
		&roomID,
		&roomURL,
		&attempt,
		&started,
		&s.UpdatedAt,
	); err != nil {
		return ClassSession{}, err
	}
	s.CallRoomID = roomID.String
	s.CallRoomURL = roomURL.String
	s.CallAttemptID = attempt.String
	if started.Valid {
		t := started.Time
		s.ActualStartTime = &t
	}
	return s, nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (ClassSession, error) {
	q := `SELECT ` + sessionColumns + ` FROM class_sessions WHERE id = $1`
	s, err := scanSession(p.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return ClassSession{}, ErrNotFound
	}
	return s, err
}

func (p *PostgresStore) ListForStudent(ctx context.Context, studentID string, limit int) ([]ClassSession, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + sessionColumns + `
FROM class_sessions
WHERE student_id = $1
ORDER BY scheduled_at DESC
LIMIT $2`
	rows, err := p.db.QueryContext(ctx, q, studentID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClassSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *PostgresStore) StartCall(ctx context.Context, req StartCall) (ClassSession, error) {
	if err := validateStart(req); err != nil {
		return ClassSession{}, err
	}
	q := `
UPDATE class_sessions
SET status = $4, call_room_id = $5, call_room_url = $6, call_attempt_id = $7,
    actual_start_time = $8, updated_at = $8
WHERE id = $1 AND teacher_id = $2 AND student_id = $3
  AND status NOT IN ('completed', 'cancelled')
RETURNING ` + sessionColumns
	s, err := scanSession(p.db.QueryRowContext(ctx, q,
		req.ClassSessionID,
		req.TeacherID,
		req.StudentID,
		StatusInProgress,
		req.RoomID,
		req.RoomURL,
		req.AttemptID,
		req.StartedAt.UTC(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return ClassSession{}, ErrNotFound
	}
	if err != nil {
		return ClassSession{}, fmt.Errorf("start call: %w", err)
	}
	return s, nil
}

func (p *PostgresStore) TransitionStatus(ctx context.Context, t Transition) (ClassSession, error) {
	if err := validateTransition(t); err != nil {
		return ClassSession{}, err
	}
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	q := `
UPDATE class_sessions
SET status = $4, updated_at = $5
WHERE id = $1 AND call_attempt_id = $2 AND status = $3
RETURNING ` + sessionColumns
	s, err := scanSession(p.db.QueryRowContext(ctx, q, t.ClassSessionID, t.AttemptID, t.From, t.To, at.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return ClassSession{}, ErrStaleAttempt
	}
	if err != nil {
		return ClassSession{}, fmt.Errorf("transition %s->%s: %w", t.From, t.To, err)
	}
	return s, nil
}

func (p *PostgresStore) CallerProfile(ctx context.Context, teacherID string) (CallerProfile, error) {
	const q = `
SELECT t.id, COALESCE(p.full_name, ''), COALESCE(p.avatar_url, '')
FROM teachers t
LEFT JOIN profiles p ON p.id = t.user_id
WHERE t.id = $1
`
	var out CallerProfile
	err := p.db.QueryRowContext(ctx, q, teacherID).Scan(&out.TeacherID, &out.DisplayName, &out.AvatarURL)
	if errors.Is(err, sql.ErrNoRows) {
		return CallerProfile{}, ErrNotFound
	}
	if err != nil {
		return CallerProfile{}, err
	}
	if out.DisplayName == "" {
		out.DisplayName = defaultCallerName
	}
	return out, nil
}

func (p *PostgresStore) StudentUserID(ctx context.Context, studentID string) (string, error) {
	var uid sql.NullString
	err := p.db.QueryRowContext(ctx, `SELECT user_id FROM students WHERE id = $1`, studentID).Scan(&uid)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !uid.Valid) {
		return "", ErrNotFound
	}
	return uid.String, err
}

func (p *PostgresStore) StudentForUser(ctx context.Context, userID string) (string, error) {
	var id string
	err := p.db.QueryRowContext(ctx, `SELECT id FROM students WHERE user_id = $1 LIMIT 1`, userID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}
