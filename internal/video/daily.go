package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DailyProvider creates rooms through Daily's REST API (POST /rooms, bearer API key).
type DailyProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewDailyProvider(apiKey, baseURL string, client *http.Client) *DailyProvider {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &DailyProvider{
		apiKey:  strings.TrimSpace(apiKey),
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

func (p *DailyProvider) Name() string { return "daily" }

type dailyRoomRequest struct {
	Name       string              `json:"name"`
	Privacy    string              `json:"privacy"`
	Properties dailyRoomProperties `json:"properties"`
}

type dailyRoomProperties struct {
	MaxParticipants int   `json:"max_participants,omitempty"`
	Exp             int64 `json:"exp"`
	EnableChat      bool  `json:"enable_chat"`
}

type dailyRoomResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
}

func (p *DailyProvider) CreateRoom(ctx context.Context, cfg RoomConfig) (Room, error) {
	if p.apiKey == "" {
		return Room{}, ErrNotConfigured
	}
	if err := cfg.Validate(); err != nil {
		return Room{}, err
	}

	privacy := "public"
	if cfg.Private {
		privacy = "private"
	}
	body, err := json.Marshal(dailyRoomRequest{
		Name:    cfg.Name,
		Privacy: privacy,
		Properties: dailyRoomProperties{
			MaxParticipants: cfg.MaxParticipants,
			Exp:             cfg.ExpiresAt.Unix(),
		},
	})
	if err != nil {
		return Room{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/rooms", bytes.NewReader(body))
	if err != nil {
		return Room{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return Room{}, fmt.Errorf("%w: %v", ErrRejected, err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Room{}, fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out dailyRoomResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Room{}, fmt.Errorf("%w: decode response: %v", ErrRejected, err)
	}
	if out.URL == "" {
		return Room{}, fmt.Errorf("%w: response missing url", ErrRejected)
	}

	id := out.ID
	if id == "" {
		id = out.Name
	}
	return Room{ID: id, Name: out.Name, URL: out.URL, ExpiresAt: cfg.ExpiresAt.UTC()}, nil
}
