package calllog

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for call log entries. It is append-only:
// there are no update or delete methods.
type Repository interface {
	Append(ctx context.Context, e Entry) error
	ListBySession(ctx context.Context, classSessionID string) ([]Entry, error)
	ListByTeacher(ctx context.Context, teacherID string, from, to time.Time) ([]Entry, error)
}

// Appender is what the controllers need; *Service satisfies it.
type Appender interface {
	Append(ctx context.Context, e Entry) error
}

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// WithClock overrides the timestamp source; used by tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

var (
	ErrInvalidEntry = errors.New("calllog: invalid entry")
	ErrNoRepository = errors.New("calllog: repository not configured")
)

func (s *Service) Append(ctx context.Context, e Entry) error {
	if s.repo == nil {
		return ErrNoRepository
	}
	if e.ClassSessionID == "" || e.TeacherID == "" || e.StudentID == "" || !e.Event.Valid() {
		return ErrInvalidEntry
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

func (s *Service) List(ctx context.Context, classSessionID string) ([]Entry, error) {
	if s.repo == nil {
		return nil, ErrNoRepository
	}
	if classSessionID == "" {
		return nil, ErrInvalidEntry
	}
	return s.repo.ListBySession(ctx, classSessionID)
}

// Timeline lists a session's entries grouped into attempts.
func (s *Service) Timeline(ctx context.Context, classSessionID string) ([]Attempt, error) {
	entries, err := s.List(ctx, classSessionID)
	if err != nil {
		return nil, err
	}
	return BuildTimeline(entries), nil
}

func (s *Service) ListByTeacher(ctx context.Context, teacherID string, from, to time.Time) ([]Entry, error) {
	if s.repo == nil {
		return nil, ErrNoRepository
	}
	return s.repo.ListByTeacher(ctx, teacherID, from, to)
}
