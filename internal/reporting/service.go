package reporting

import (
	"context"
	"errors"
	"time"

	"quran-academy/internal/calllog"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting. *calllog.Service satisfies it.
//
// Implementations must query the immutable call log, never mutable session status.
type Repository interface {
	ListByTeacher(ctx context.Context, teacherID string, from, to time.Time) ([]calllog.Entry, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) TeacherSummary(ctx context.Context, req TeacherSummaryRequest) (TeacherSummary, error) {
	if req.TeacherID == "" {
		return TeacherSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return TeacherSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return TeacherSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListByTeacher(ctx, req.TeacherID, req.Range.From, req.Range.To)
	if err != nil {
		return TeacherSummary{}, err
	}

	bySession := map[string][]calllog.Entry{}
	var order []string
	for _, e := range rows {
		if _, ok := bySession[e.ClassSessionID]; !ok {
			order = append(order, e.ClassSessionID)
		}
		bySession[e.ClassSessionID] = append(bySession[e.ClassSessionID], e)
	}

	out := TeacherSummary{TeacherID: req.TeacherID, Range: req.Range}
	var ringTotal time.Duration
	for _, id := range order {
		for _, a := range calllog.BuildTimeline(bySession[id]) {
			out.Attempts++
			answered, ring := answeredWithin(a)
			if answered {
				out.Answered++
				ringTotal += ring
			}
			switch a.Outcome {
			case calllog.EventTimeout:
				out.NoAnswer++
			case calllog.EventRejected:
				out.Declined++
			case calllog.EventDisconnected:
				if answered {
					out.Completed++
				} else {
					out.Failed++
				}
			case calllog.EventInitiated, calllog.EventRinging, calllog.EventAccepted, calllog.EventConnected:
				out.Pending++
			}
		}
	}
	if out.Attempts > 0 {
		out.AnswerRate = float64(out.Answered) / float64(out.Attempts)
	}
	if out.Answered > 0 {
		out.AverageRingSeconds = int(ringTotal.Seconds()) / out.Answered
	}
	return out, nil
}

// answeredWithin reports whether the attempt reached connected and how long it rang before the
// student accepted. Accepting and then backing out is not an answer.
func answeredWithin(a calllog.Attempt) (bool, time.Duration) {
	var ringingAt, acceptedAt time.Time
	connected := false
	for _, e := range a.Entries {
		switch e.Event {
		case calllog.EventRinging:
			if ringingAt.IsZero() {
				ringingAt = e.CreatedAt
			}
		case calllog.EventAccepted:
			if acceptedAt.IsZero() {
				acceptedAt = e.CreatedAt
			}
		case calllog.EventConnected:
			connected = true
			if acceptedAt.IsZero() {
				acceptedAt = e.CreatedAt
			}
		}
	}
	if !connected {
		return false, 0
	}
	if ringingAt.IsZero() {
		return true, 0
	}
	return true, acceptedAt.Sub(ringingAt)
}
