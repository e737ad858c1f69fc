package ringing

import (
	"context"
	"sync"
	"testing"
	"time"

	"quran-academy/internal/calllog"
	"quran-academy/internal/classes"
	"quran-academy/internal/notify"
	"quran-academy/internal/provisioning"
	"quran-academy/internal/realtime"
	"quran-academy/internal/video"
	"quran-academy/pkg/logger"
)

type manualTimer struct {
	mu      sync.Mutex
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	active := !t.stopped && !t.fired
	t.stopped = true
	return active
}

type manualTimers struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (m *manualTimers) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	m.timers = append(m.timers, t)
	return t
}

// FireAll runs every timer that was neither stopped nor fired and reports how many ran.
func (m *manualTimers) FireAll() int {
	m.mu.Lock()
	ts := append([]*manualTimer(nil), m.timers...)
	m.mu.Unlock()
	n := 0
	for _, t := range ts {
		t.mu.Lock()
		run := !t.stopped && !t.fired
		t.fired = t.fired || run
		t.mu.Unlock()
		if run {
			t.f()
			n++
		}
	}
	return n
}

func (m *manualTimers) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

func (m *manualTimers) last() *manualTimer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.timers[len(m.timers)-1]
}

type fakeRooms struct{ n int }

func (f *fakeRooms) Name() string { return "fake" }

func (f *fakeRooms) CreateRoom(ctx context.Context, cfg video.RoomConfig) (video.Room, error) {
	f.n++
	return video.Room{ID: cfg.Name, Name: cfg.Name, URL: "https://academy.example/" + cfg.Name, ExpiresAt: cfg.ExpiresAt}, nil
}

type spyCache struct {
	mu      sync.Mutex
	cleared []string
}

func (s *spyCache) InvalidateStudent(ctx context.Context, studentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleared = append(s.cleared, studentID)
	return nil
}

func (s *spyCache) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cleared)
}

type transitions struct {
	mu     sync.Mutex
	states []State
}

func (tr *transitions) record(s State, _ *IncomingCall) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.states = append(tr.states, s)
}

func (tr *transitions) snapshot() []State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]State(nil), tr.states...)
}

type harness struct {
	store  *classes.MemoryStore
	bus    *realtime.MemoryBus
	log    *calllog.MemoryRepo
	cache  *spyCache
	timers *manualTimers
	prov   *provisioning.Service
	pub    *notify.PublishingStore
	states *transitions
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:  classes.NewMemoryStore(),
		bus:    realtime.NewMemoryBus(),
		log:    calllog.NewMemoryRepo(),
		cache:  &spyCache{},
		timers: &manualTimers{},
		states: &transitions{},
	}
	h.store.Put(classes.ClassSession{ID: "C1", TeacherID: "T1", StudentID: "S1", DurationMinutes: 30, Status: classes.StatusScheduled})
	h.store.Put(classes.ClassSession{ID: "C2", TeacherID: "T1", StudentID: "S2", DurationMinutes: 30, Status: classes.StatusScheduled})
	h.store.PutProfile(classes.CallerProfile{TeacherID: "T1", DisplayName: "Ustadh Bilal"})
	h.store.PutStudentUser("S1", "U1")
	h.store.PutStudentUser("S2", "U2")

	n := notify.NewNotifier(h.bus, notify.NewMemoryRepo(), h.store, logger.Discard())
	h.pub = notify.NewPublishingStore(h.store, n)
	h.prov = provisioning.NewService(&fakeRooms{}, h.store, calllog.NewService(h.log), n, nil, logger.Discard(), provisioning.Options{})
	return h
}

func (h *harness) controller(t *testing.T, studentID string) *Controller {
	t.Helper()
	c := New(studentID, Deps{
		Feed:   h.bus,
		Store:  h.pub,
		Events: calllog.NewService(h.log),
		Cache:  h.cache,
		Log:    logger.Discard(),
	}, Options{RingTimeout: 40 * time.Second, AfterFunc: h.timers.AfterFunc})
	c.OnChange(h.states.record)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func (h *harness) provision(t *testing.T, classID, studentID string) provisioning.Result {
	t.Helper()
	res, err := h.prov.Provision(context.Background(), provisioning.Request{ClassID: classID, TeacherID: "T1", StudentID: studentID, DurationMinutes: 30})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	return res
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sameEvents(got []calllog.Event, want ...calllog.Event) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestRing_HappyPathAccept(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, "S1")

	res := h.provision(t, "C1", "S1")
	waitFor(t, "ringing", c.IsRinging)

	in := c.Incoming()
	if in.ClassSessionID != "C1" || in.RoomURL != res.RoomURL || in.AttemptID != res.AttemptID {
		t.Fatalf("unexpected incoming call: %+v", in)
	}
	if in.CallerName != "Ustadh Bilal" {
		t.Fatalf("expected caller name, got %q", in.CallerName)
	}

	hand, err := c.Accept()
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if hand.RoomURL != res.RoomURL || hand.ClassSessionID != "C1" || hand.AttemptID != res.AttemptID {
		t.Fatalf("unexpected handoff: %+v", hand)
	}
	if c.IsRinging() || c.Incoming() != nil {
		t.Fatalf("expected idle after accept")
	}
	if n := h.timers.FireAll(); n != 0 {
		t.Fatalf("ring timer must be cancelled on accept, %d fired", n)
	}
	if got := h.log.Events("C1"); !sameEvents(got, calllog.EventInitiated, calllog.EventRinging) {
		t.Fatalf("unexpected log: %v", got)
	}
}

func TestRing_TimeoutPath(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, "S1")

	res := h.provision(t, "C1", "S1")
	waitFor(t, "ringing", c.IsRinging)
	if d := h.timers.last().d; d != 40*time.Second {
		t.Fatalf("expected 40s ring timeout, got %v", d)
	}

	if n := h.timers.FireAll(); n != 1 {
		t.Fatalf("expected one timer to fire, got %d", n)
	}
	if c.IsRinging() || c.Incoming() != nil {
		t.Fatalf("expected idle after timeout")
	}

	s, _ := h.store.Get(context.Background(), "C1")
	if s.Status != classes.StatusNoAnswer {
		t.Fatalf("expected no_answer, got %s", s.Status)
	}
	if s.CallRoomURL != res.RoomURL {
		t.Fatalf("room url must be kept as history")
	}
	if got := h.log.Events("C1"); !sameEvents(got, calllog.EventInitiated, calllog.EventRinging, calllog.EventTimeout) {
		t.Fatalf("unexpected log: %v", got)
	}
	if h.cache.count() != 1 {
		t.Fatalf("expected class list cache to be invalidated")
	}

	// our own no_answer publish must not ring again
	time.Sleep(20 * time.Millisecond)
	if c.IsRinging() {
		t.Fatalf("no_answer change must not ring")
	}
}

func TestRing_DeclinePath(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, "S1")

	h.provision(t, "C1", "S1")
	waitFor(t, "ringing", c.IsRinging)

	if err := c.Decline(context.Background()); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if err := c.Decline(context.Background()); err != nil {
		t.Fatalf("second decline: %v", err)
	}
	if c.IsRinging() || c.Incoming() != nil {
		t.Fatalf("expected idle after decline")
	}
	if n := h.timers.FireAll(); n != 0 {
		t.Fatalf("timer must not fire after decline")
	}

	var rejected []calllog.Entry
	for _, e := range h.log.Entries() {
		if e.Event == calllog.EventRejected {
			rejected = append(rejected, e)
		}
		if e.Event == calllog.EventTimeout {
			t.Fatalf("unexpected timeout entry")
		}
	}
	if len(rejected) != 1 || rejected[0].TeacherID != "T1" || rejected[0].ClassSessionID != "C1" {
		t.Fatalf("expected exactly one rejected entry attributed to T1, got %+v", rejected)
	}

	s, _ := h.store.Get(context.Background(), "C1")
	if s.Status != classes.StatusDeclined {
		t.Fatalf("expected declined status, got %s", s.Status)
	}

	idle := 0
	for _, st := range h.states.snapshot() {
		if st == StateIdle {
			idle++
		}
	}
	if idle != 1 {
		t.Fatalf("expected exactly one clear effect, got %d", idle)
	}
}

func TestRing_LateTimerAfterAcceptIsNoop(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, "S1")

	h.provision(t, "C1", "S1")
	waitFor(t, "ringing", c.IsRinging)
	timer := h.timers.last()

	if _, err := c.Accept(); err != nil {
		t.Fatalf("accept: %v", err)
	}
	// the runtime may already have queued the callback when Stop ran
	timer.f()

	s, _ := h.store.Get(context.Background(), "C1")
	if s.Status != classes.StatusInProgress {
		t.Fatalf("late timer must not clobber status, got %s", s.Status)
	}
	for _, e := range h.log.Entries() {
		if e.Event == calllog.EventTimeout {
			t.Fatalf("late timer must not log timeout")
		}
	}
}

func TestRing_OtherStudentNeverRings(t *testing.T) {
	h := newHarness(t)
	s1 := h.controller(t, "S1")
	s2 := h.controller(t, "S2")

	h.provision(t, "C1", "S1")
	waitFor(t, "S1 ringing", s1.IsRinging)
	if s2.IsRinging() {
		t.Fatalf("S2 must not ring for S1's session")
	}

	// even if a misrouted change reaches S2 directly
	row, _ := h.store.Get(context.Background(), "C1")
	s2.HandleChange(context.Background(), realtime.NewUpdate(row, classes.StatusScheduled, time.Now()))
	if s2.IsRinging() {
		t.Fatalf("S2 must ignore changes for S1")
	}
	if h.timers.count() != 1 {
		t.Fatalf("expected only S1's ring timer")
	}
}

func TestRing_DuplicateEventsRingOnce(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, "S1")

	h.provision(t, "C1", "S1")
	waitFor(t, "ringing", c.IsRinging)

	row, _ := h.store.Get(context.Background(), "C1")
	change := realtime.NewUpdate(row, classes.StatusScheduled, time.Now())
	c.HandleChange(context.Background(), change)
	c.HandleChange(context.Background(), change)

	if h.timers.count() != 1 {
		t.Fatalf("expected one ring timer, got %d", h.timers.count())
	}

	// after accept, a redelivered change for the same attempt must not ring again
	if _, err := c.Accept(); err != nil {
		t.Fatalf("accept: %v", err)
	}
	c.HandleChange(context.Background(), change)
	if c.IsRinging() {
		t.Fatalf("resolved attempt must not ring again")
	}

	ringing := 0
	for _, ev := range h.log.Events("C1") {
		if ev == calllog.EventRinging {
			ringing++
		}
	}
	if ringing != 1 {
		t.Fatalf("expected one ringing entry, got %d", ringing)
	}
}

func TestRing_SessionChangeClearsPrompt(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, "S1")

	h.provision(t, "C1", "S1")
	waitFor(t, "ringing", c.IsRinging)

	row, _ := h.store.Get(context.Background(), "C1")
	row.Status = classes.StatusCancelled
	c.HandleChange(context.Background(), realtime.NewUpdate(row, classes.StatusInProgress, time.Now()))

	if c.IsRinging() {
		t.Fatalf("expected prompt to clear")
	}
	if got := h.log.Events("C1"); !sameEvents(got, calllog.EventInitiated, calllog.EventRinging) {
		t.Fatalf("clearing must not write: %v", got)
	}
	if n := h.timers.FireAll(); n != 0 {
		t.Fatalf("timer must be cancelled")
	}
}

func TestRing_RetryRingsNewAttempt(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, "S1")

	first := h.provision(t, "C1", "S1")
	waitFor(t, "ringing", c.IsRinging)

	second := h.provision(t, "C1", "S1")
	waitFor(t, "second attempt ringing", func() bool {
		in := c.Incoming()
		return in != nil && in.AttemptID == second.AttemptID
	})
	if first.AttemptID == second.AttemptID {
		t.Fatalf("expected distinct attempts")
	}

	// only the new attempt's timer is live
	if n := h.timers.FireAll(); n != 1 {
		t.Fatalf("expected one live timer, got %d", n)
	}
	s, _ := h.store.Get(context.Background(), "C1")
	if s.Status != classes.StatusNoAnswer || s.CallAttemptID != second.AttemptID {
		t.Fatalf("unexpected session: %+v", s)
	}
}

func TestRing_StaleTimeoutDoesNotClobber(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, "S1")

	h.provision(t, "C1", "S1")
	waitFor(t, "ringing", c.IsRinging)

	// the row moves to a newer attempt without the change reaching this controller
	if _, err := h.store.StartCall(context.Background(), classes.StartCall{
		ClassSessionID: "C1", TeacherID: "T1", StudentID: "S1", AttemptID: "newer", RoomURL: "https://academy.example/newer", StartedAt: time.Now(),
	}); err != nil {
		t.Fatalf("start call: %v", err)
	}

	h.timers.FireAll()
	s, _ := h.store.Get(context.Background(), "C1")
	if s.Status != classes.StatusInProgress || s.CallAttemptID != "newer" {
		t.Fatalf("stale timeout clobbered the newer attempt: %+v", s)
	}
	for _, e := range h.log.Entries() {
		if e.Event == calllog.EventTimeout {
			t.Fatalf("stale timeout must not be logged")
		}
	}
}

func TestRing_CloseCancelsTimerAndSubscription(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, "S1")

	h.provision(t, "C1", "S1")
	waitFor(t, "ringing", c.IsRinging)

	c.Close()
	if h.bus.Subscribers("S1") != 0 {
		t.Fatalf("expected subscription to be closed")
	}
	if n := h.timers.FireAll(); n != 0 {
		t.Fatalf("timer must be cancelled on close")
	}
	s, _ := h.store.Get(context.Background(), "C1")
	if s.Status != classes.StatusInProgress {
		t.Fatalf("close must not write status")
	}
	if err := c.Start(context.Background()); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestRing_SetStudentResubscribes(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, "S1")

	if err := c.SetStudent(context.Background(), "S2"); err != nil {
		t.Fatalf("set student: %v", err)
	}
	if h.bus.Subscribers("S1") != 0 || h.bus.Subscribers("S2") != 1 {
		t.Fatalf("expected exactly one subscription, on S2")
	}

	h.provision(t, "C2", "S2")
	waitFor(t, "S2 ringing", c.IsRinging)
	if c.Incoming().ClassSessionID != "C2" {
		t.Fatalf("unexpected incoming call %+v", c.Incoming())
	}
}

func TestRing_AcceptWithoutCall(t *testing.T) {
	h := newHarness(t)
	c := h.controller(t, "S1")
	if _, err := c.Accept(); err != ErrNoIncomingCall {
		t.Fatalf("expected ErrNoIncomingCall, got %v", err)
	}
}

func TestIncomingCall_SessionAndHandoffAgree(t *testing.T) {
	c := IncomingCall{
		ClassSessionID: "C1",
		AttemptID:      "a1",
		RoomURL:        "https://academy.example/r1",
		RoomID:         "r1",
		TeacherID:      "T1",
		StudentID:      "S1",
		CallerName:     "Ustadh Bilal",
	}

	s := c.session()
	if s.ID != "C1" || s.TeacherID != "T1" || s.StudentID != "S1" {
		t.Fatalf("unexpected identity %+v", s)
	}
	if s.CallAttemptID != "a1" || s.CallRoomID != "r1" || s.CallRoomURL != "https://academy.example/r1" {
		t.Fatalf("unexpected call fields %+v", s)
	}
	if s.Status != classes.StatusInProgress || !s.HasActiveCall() {
		t.Fatalf("ringing row must be an active call, got %+v", s)
	}

	h := c.handoff()
	if h.ClassSessionID != s.ID || h.AttemptID != s.CallAttemptID || h.RoomURL != s.CallRoomURL {
		t.Fatalf("handoff %+v disagrees with session %+v", h, s)
	}
}
