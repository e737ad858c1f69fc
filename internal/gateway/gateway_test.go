package gateway

import (
	"context"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"quran-academy/internal/auth"
	"quran-academy/internal/calllog"
	"quran-academy/internal/classes"
	"quran-academy/internal/config"
	"quran-academy/internal/notify"
	"quran-academy/internal/provisioning"
	"quran-academy/internal/realtime"
	"quran-academy/internal/video"
	"quran-academy/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type fakeRooms struct{}

func (fakeRooms) Name() string { return "fake" }

func (fakeRooms) CreateRoom(ctx context.Context, cfg video.RoomConfig) (video.Room, error) {
	return video.Room{ID: cfg.Name, Name: cfg.Name, URL: "https://academy.example/" + cfg.Name, ExpiresAt: cfg.ExpiresAt}, nil
}

type nopCache struct{}

func (nopCache) InvalidateStudent(ctx context.Context, studentID string) error { return nil }

type env struct {
	store  *classes.MemoryStore
	events *calllog.MemoryRepo
	prov   *provisioning.Service
	auth   *auth.Manager
	srv    *httptest.Server
	h      *Handler
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	e := &env{store: classes.NewMemoryStore(), events: calllog.NewMemoryRepo()}
	e.store.Put(classes.ClassSession{ID: "C1", TeacherID: "T1", StudentID: "S1", DurationMinutes: 30, Status: classes.StatusScheduled})
	e.store.PutProfile(classes.CallerProfile{TeacherID: "T1", DisplayName: "Ustadha Maryam"})
	e.store.PutStudentUser("S1", "U1")

	bus := realtime.NewMemoryBus()
	n := notify.NewNotifier(bus, notify.NewMemoryRepo(), e.store, logger.Discard())
	pub := notify.NewPublishingStore(e.store, n)
	svc := calllog.NewService(e.events)
	e.prov = provisioning.NewService(fakeRooms{}, e.store, svc, n, nil, logger.Discard(), provisioning.Options{})

	m, err := auth.NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	e.auth = m

	e.h = NewHandler(Deps{
		Feed:        bus,
		Store:       pub,
		Events:      svc,
		Cache:       nopCache{},
		RingTimeout: time.Minute,
	}, nil)

	r := gin.New()
	r.Use(logger.Middleware(logger.Discard()))
	r.GET("/v1/realtime/ws", auth.RequireAccessTokenOrQuery(m), e.h.ServeWS)
	e.srv = httptest.NewServer(r)
	t.Cleanup(e.srv.Close)
	return e
}

func (e *env) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	pair, err := e.auth.IssuePair(time.Now(), userID, "student")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/realtime/ws?name=Aisha&access_token=" + url.QueryEscape(pair.AccessToken)
	ws, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// next reads until a message of the wanted type arrives.
func next(t *testing.T, ws *websocket.Conn, want string) Outbound {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg Outbound
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s: %v", want, err)
		}
		if msg.Type == want {
			return msg
		}
	}
}

func nextCommand(t *testing.T, ws *websocket.Conn, op video.CommandOp) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg Outbound
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %s command: %v", op, err)
		}
		if msg.Type == MsgMediaCommand && msg.Command != nil && msg.Command.Op == op {
			return
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, msg Inbound) {
	t.Helper()
	if err := ws.WriteJSON(msg); err != nil {
		t.Fatalf("write %s: %v", msg.Type, err)
	}
}

func TestGateway_RingAcceptJoinLeave(t *testing.T) {
	e := newEnv(t)
	ws := e.dial(t, "U1")

	ready := next(t, ws, MsgReady)
	if ready.StudentID != "S1" {
		t.Fatalf("expected student S1, got %q", ready.StudentID)
	}

	res, err := e.prov.Provision(context.Background(), provisioning.Request{ClassID: "C1", TeacherID: "T1", StudentID: "S1", DurationMinutes: 30})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}

	in := next(t, ws, MsgIncomingCall)
	if in.Call == nil || in.Call.AttemptID != res.AttemptID || in.Call.CallerName != "Ustadha Maryam" {
		t.Fatalf("unexpected incoming call: %+v", in.Call)
	}

	send(t, ws, Inbound{Type: MsgAcceptCall})
	acc := next(t, ws, MsgCallAccepted)
	if acc.Handoff == nil || acc.Handoff.RoomURL != res.RoomURL {
		t.Fatalf("unexpected handoff: %+v", acc.Handoff)
	}

	send(t, ws, Inbound{Type: MsgJoinCall})
	nextCommand(t, ws, video.OpJoin)

	send(t, ws, Inbound{Type: MsgMediaEvent, Event: &video.Event{Type: video.EventJoined, Participant: &video.Participant{SessionID: "me", Local: true}}})
	for {
		st := next(t, ws, MsgCallState)
		if st.Session != nil && st.Session.State == "connected" {
			break
		}
	}

	send(t, ws, Inbound{Type: MsgLeaveCall})
	nextCommand(t, ws, video.OpLeave)
	ended := next(t, ws, MsgCallEnded)
	if ended.Outcome != "left" {
		t.Fatalf("expected outcome left, got %q", ended.Outcome)
	}

	s, err := e.store.Get(context.Background(), "C1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.Status != classes.StatusCompleted {
		t.Fatalf("expected completed, got %s", s.Status)
	}

	got := e.events.Events("C1")
	want := []calllog.Event{calllog.EventInitiated, calllog.EventRinging, calllog.EventAccepted, calllog.EventConnected, calllog.EventDisconnected}
	if len(got) != len(want) {
		t.Fatalf("unexpected log %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected log %v", got)
		}
	}
}

func TestGateway_DeclineWhileRinging(t *testing.T) {
	e := newEnv(t)
	ws := e.dial(t, "U1")
	next(t, ws, MsgReady)

	if _, err := e.prov.Provision(context.Background(), provisioning.Request{ClassID: "C1", TeacherID: "T1", StudentID: "S1"}); err != nil {
		t.Fatalf("provision: %v", err)
	}
	next(t, ws, MsgIncomingCall)

	send(t, ws, Inbound{Type: MsgDeclineCall})
	st := next(t, ws, MsgRingState)
	if st.RingState != "idle" {
		t.Fatalf("expected idle, got %q", st.RingState)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		s, _ := e.store.Get(context.Background(), "C1")
		if s.Status == classes.StatusDeclined {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected declined, got %s", s.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGateway_UnknownStudentRejected(t *testing.T) {
	e := newEnv(t)
	pair, err := e.auth.IssuePair(time.Now(), "nobody", "student")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/realtime/ws?access_token=" + url.QueryEscape(pair.AccessToken)
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil {
		t.Fatalf("expected dial failure")
	}
	if resp == nil || resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %+v", resp)
	}
}

func TestGateway_MissingTokenRejected(t *testing.T) {
	e := newEnv(t)
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/realtime/ws"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	if err == nil || resp == nil || resp.StatusCode != 401 {
		t.Fatalf("expected 401, got err=%v resp=%+v", err, resp)
	}
}

func TestGateway_BadMessageReportsError(t *testing.T) {
	e := newEnv(t)
	ws := e.dial(t, "U1")
	next(t, ws, MsgReady)

	send(t, ws, Inbound{Type: "dance"})
	if msg := next(t, ws, MsgError); msg.Error == "" {
		t.Fatalf("expected error text")
	}

	send(t, ws, Inbound{Type: MsgJoinCall})
	if msg := next(t, ws, MsgError); msg.Error != errNoCall.Error() {
		t.Fatalf("unexpected error %q", msg.Error)
	}
}

func TestGateway_NewerConnectionReplacesOlder(t *testing.T) {
	e := newEnv(t)
	first := e.dial(t, "U1")
	next(t, first, MsgReady)

	second := e.dial(t, "U1")
	next(t, second, MsgReady)

	_ = first.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := first.ReadMessage(); err != nil {
			break
		}
	}
	if c, ok := e.h.Registry().Get("U1"); !ok || c == nil {
		t.Fatalf("expected the newer connection to stay registered")
	}
}

func TestRegistry_UnregisterIgnoresReplacedConnection(t *testing.T) {
	r := NewRegistry()
	a := &Connection{userID: "U1"}
	b := &Connection{userID: "U1"}
	r.mu.Lock()
	r.conns["U1"] = b
	r.mu.Unlock()

	r.Unregister(a)
	if got, ok := r.Get("U1"); !ok || got != b {
		t.Fatalf("expected b to remain registered")
	}
	r.Unregister(b)
	if r.Count() != 0 {
		t.Fatalf("expected empty registry")
	}
}
