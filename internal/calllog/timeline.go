package calllog

import (
	"sort"
	"time"
)

// Attempt is one provision -> ring -> outcome cycle.
type Attempt struct {
	AttemptID string    `json:"attempt_id,omitempty"`
	Entries   []Entry   `json:"entries"`
	Outcome   Event     `json:"outcome"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
}

// BuildTimeline groups entries into attempts. Entries with an attempt id group by it; legacy
// entries without one open a new attempt at every "initiated" and otherwise attach to the
// attempt before them.
func BuildTimeline(entries []Entry) []Attempt {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	var out []Attempt
	index := map[string]int{}
	for _, e := range sorted {
		var i int
		switch {
		case e.AttemptID != "":
			pos, ok := index[e.AttemptID]
			if !ok {
				out = append(out, Attempt{AttemptID: e.AttemptID})
				pos = len(out) - 1
				index[e.AttemptID] = pos
			}
			i = pos
		case e.Event == EventInitiated || len(out) == 0 || out[len(out)-1].AttemptID != "":
			out = append(out, Attempt{})
			i = len(out) - 1
		default:
			i = len(out) - 1
		}
		out[i].Entries = append(out[i].Entries, e)
	}

	for i := range out {
		a := &out[i]
		a.StartedAt = a.Entries[0].CreatedAt
		a.EndedAt = a.Entries[len(a.Entries)-1].CreatedAt
		a.Outcome = outcome(a.Entries)
	}
	return out
}

func outcome(entries []Entry) Event {
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Event.Terminal() {
			return entries[i].Event
		}
	}
	return entries[len(entries)-1].Event
}
