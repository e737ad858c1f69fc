package video

import (
	"context"
	"errors"
	"time"
)

// RoomProvider defines the provider-agnostic interface used by provisioning.
//
// Rules:
// - No provider HTTP calls outside video adapters.
// - Keep request/response types provider-agnostic.
type RoomProvider interface {
	Name() string
	CreateRoom(ctx context.Context, cfg RoomConfig) (Room, error)
}

// RoomConfig describes a time-boxed room.
type RoomConfig struct {
	// Name must be unique per attempt.
	Name string `json:"name"`

	Private         bool      `json:"private"`
	MaxParticipants int       `json:"max_participants"`
	ExpiresAt       time.Time `json:"expires_at"`
}

// Room is the provider's answer: an opaque address plus identifier.
type Room struct {
	ID        string    `json:"room_id"`
	Name      string    `json:"name"`
	URL       string    `json:"room_url"`
	ExpiresAt time.Time `json:"expires_at"`
}

var (
	// ErrNotConfigured means the adapter has no credentials. Not retryable.
	ErrNotConfigured = errors.New("video: provider credentials not configured")
	// ErrRejected means the provider refused or failed the request. The caller may retry.
	ErrRejected = errors.New("video: provider rejected request")
)

func (c RoomConfig) Validate() error {
	if c.Name == "" || c.MaxParticipants < 0 || c.ExpiresAt.IsZero() {
		return errors.New("video: invalid room config")
	}
	return nil
}
