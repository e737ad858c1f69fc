package realtime

import (
	"context"
	"errors"
	"time"

	"quran-academy/internal/classes"
)

// Change is one row-level UPDATE on class_sessions.
type Change struct {
	Table     string               `json:"table"`
	Type      string               `json:"type"`
	Record    classes.ClassSession `json:"record"`
	OldStatus classes.Status       `json:"old_status,omitempty"`
	At        time.Time            `json:"at"`
}

const (
	TableClassSessions = "class_sessions"
	TypeUpdate         = "UPDATE"
	columnStudentID    = "student_id"
)

// Filter is a column-equality filter. Only student_id is supported: a subscriber can only ever
// observe rows that belong to one student.
type Filter struct {
	Table  string
	Column string
	Value  string
}

func ForStudent(studentID string) Filter {
	return Filter{Table: TableClassSessions, Column: columnStudentID, Value: studentID}
}

var ErrInvalidFilter = errors.New("realtime: filter must be class_sessions.student_id = <id>")

func (f Filter) Validate() error {
	if f.Table != TableClassSessions || f.Column != columnStudentID || f.Value == "" {
		return ErrInvalidFilter
	}
	return nil
}

// Matches re-checks scope on delivery; transports are not trusted to route correctly.
func (f Filter) Matches(c Change) bool {
	return c.Table == f.Table && c.Record.StudentID == f.Value
}

func (f Filter) Channel() string {
	return StudentChannel(f.Value)
}

func StudentChannel(studentID string) string {
	return "realtime:class_sessions:student:" + studentID
}

// Feed opens scoped subscriptions.
type Feed interface {
	Subscribe(ctx context.Context, f Filter) (*Subscription, error)
}

// Publisher emits changes to the channel of the row's own student.
type Publisher interface {
	Publish(ctx context.Context, c Change) error
}

// NewUpdate builds the change for a row that moved from oldStatus to its current status.
func NewUpdate(s classes.ClassSession, oldStatus classes.Status, at time.Time) Change {
	return Change{Table: TableClassSessions, Type: TypeUpdate, Record: s, OldStatus: oldStatus, At: at.UTC()}
}
