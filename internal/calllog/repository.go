package calllog

import (
	"context"
	"database/sql"
	"time"

	"quran-academy/pkg/utils"
)

// PostgresRepo writes to call_logs. metadata is JSONB; room columns are nullable.
type PostgresRepo struct {
	db utils.DBTX
}

func NewPostgresRepo(db utils.DBTX) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Entry) error {
	const q = `
INSERT INTO call_logs (
  id, class_session_id, attempt_id, teacher_id, student_id, event, room_id, room_url, metadata, created_at
) VALUES (
  $1,$2,NULLIF($3,''),$4,$5,$6,NULLIF($7,''),NULLIF($8,''),COALESCE(NULLIF($9,'')::jsonb, '{}'::jsonb),$10
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.ClassSessionID,
		e.AttemptID,
		e.TeacherID,
		e.StudentID,
		e.Event,
		e.RoomID,
		e.RoomURL,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}

const entryColumns = `id, class_session_id, COALESCE(attempt_id::text, ''), teacher_id, student_id, event,
       COALESCE(room_id, ''), COALESCE(room_url, ''), COALESCE(metadata::text, ''), created_at`

func (r *PostgresRepo) ListBySession(ctx context.Context, classSessionID string) ([]Entry, error) {
	q := `SELECT ` + entryColumns + `
FROM call_logs
WHERE class_session_id = $1
ORDER BY created_at ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, q, classSessionID)
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func (r *PostgresRepo) ListByTeacher(ctx context.Context, teacherID string, from, to time.Time) ([]Entry, error) {
	q := `SELECT ` + entryColumns + `
FROM call_logs
WHERE teacher_id = $1 AND created_at >= $2 AND created_at < $3
ORDER BY created_at ASC, id ASC`
	rows, err := r.db.QueryContext(ctx, q, teacherID, from.UTC(), to.UTC())
	if err != nil {
		return nil, err
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(
			&e.ID,
			&e.ClassSessionID,
			&e.AttemptID,
			&e.TeacherID,
			&e.StudentID,
			&e.Event,
			&e.RoomID,
			&e.RoomURL,
			&e.Metadata,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
