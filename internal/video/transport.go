package video

import "context"

// Transport is the client-side half of the provider: joining a room from a participant's media stack.
type Transport interface {
	Join(ctx context.Context, roomURL, displayName string) (Conn, error)
}

// Conn is one participant's handle on a joined room. Events are delivered on a single channel so
// the consumer owns the whole transition table.
type Conn interface {
	Events() <-chan Event
	Leave(ctx context.Context) error
	// Destroy releases local media; it is safe to call more than once.
	Destroy() error
	SetLocalAudio(ctx context.Context, on bool) error
	SetLocalVideo(ctx context.Context, on bool) error
}

type EventType string

const (
	EventJoined             EventType = "joined"
	EventParticipantJoined  EventType = "participant-joined"
	EventParticipantUpdated EventType = "participant-updated"
	EventParticipantLeft    EventType = "participant-left"
	EventLeft               EventType = "left"
	EventError              EventType = "error"
	EventCameraError        EventType = "camera-error"
)

func (t EventType) Valid() bool {
	switch t {
	case EventJoined, EventParticipantJoined, EventParticipantUpdated, EventParticipantLeft,
		EventLeft, EventError, EventCameraError:
		return true
	default:
		return false
	}
}

type Participant struct {
	SessionID string `json:"session_id"`
	UserName  string `json:"user_name,omitempty"`
	Local     bool   `json:"local,omitempty"`
	Audio     bool   `json:"audio"`
	Video     bool   `json:"video"`
}

type Event struct {
	Type        EventType    `json:"type"`
	Participant *Participant `json:"participant,omitempty"`
	Message     string       `json:"message,omitempty"`
}
