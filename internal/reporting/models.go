package reporting

import "time"

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// TeacherSummaryRequest requests call outcome metrics for one teacher.
// TeacherID is required.
type TeacherSummaryRequest struct {
	TeacherID string    `json:"teacher_id"`
	Range     TimeRange `json:"range"`
}

// TeacherSummary counts call attempts by outcome. An attempt is one provision -> ring -> outcome
// cycle reconstructed from the call log.
type TeacherSummary struct {
	TeacherID string    `json:"teacher_id"`
	Range     TimeRange `json:"range"`

	Attempts  int `json:"attempts"`
	Answered  int `json:"answered"`
	NoAnswer  int `json:"no_answer"`
	Declined  int `json:"declined"`
	Completed int `json:"completed"`
	// Failed counts attempts that were accepted but ended before the room connected.
	Failed  int `json:"failed"`
	Pending int `json:"pending"`

	AnswerRate float64 `json:"answer_rate"`

	// AverageRingSeconds is measured from ringing to accepted for attempts that connected.
	AverageRingSeconds int `json:"average_ring_seconds"`
}
