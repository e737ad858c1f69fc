package provisioning

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"quran-academy/internal/calllog"
	"quran-academy/internal/classes"
	"quran-academy/internal/video"
	"quran-academy/pkg/logger"
)

type fakeRooms struct {
	err  error
	cfgs []video.RoomConfig
}

func (f *fakeRooms) Name() string { return "fake" }

func (f *fakeRooms) CreateRoom(ctx context.Context, cfg video.RoomConfig) (video.Room, error) {
	f.cfgs = append(f.cfgs, cfg)
	if f.err != nil {
		return video.Room{}, f.err
	}
	return video.Room{ID: "room-" + cfg.Name, Name: cfg.Name, URL: "https://academy.example/" + cfg.Name, ExpiresAt: cfg.ExpiresAt}, nil
}

type fakeNotifier struct {
	calls []classes.ClassSession
	names []string
}

func (f *fakeNotifier) CallStarted(ctx context.Context, s classes.ClassSession, old classes.Status, caller classes.CallerProfile) error {
	f.calls = append(f.calls, s)
	f.names = append(f.names, caller.DisplayName)
	return nil
}

type memLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func (l *memLocker) Acquire(ctx context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held == nil {
		l.held = map[string]bool{}
	}
	if l.held[key] {
		return false, nil
	}
	l.held[key] = true
	return true, nil
}

func (l *memLocker) Release(ctx context.Context, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
	return nil
}

type fixture struct {
	store    *classes.MemoryStore
	rooms    *fakeRooms
	log      *calllog.MemoryRepo
	notifier *fakeNotifier
	locker   *memLocker
	svc      *Service
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:    classes.NewMemoryStore(),
		rooms:    &fakeRooms{},
		log:      calllog.NewMemoryRepo(),
		notifier: &fakeNotifier{},
		locker:   &memLocker{},
		now:      time.Unix(1700000000, 0).UTC(),
	}
	f.store.Put(classes.ClassSession{ID: "C1-0000000-abcdef", TeacherID: "T1", StudentID: "S1", Status: classes.StatusScheduled})
	f.store.PutProfile(classes.CallerProfile{TeacherID: "T1", DisplayName: "Ustadh Bilal"})

	events := calllog.NewService(f.log).WithClock(func() time.Time { return f.now })
	f.svc = NewService(f.rooms, f.store, events, f.notifier, f.locker, logger.Discard(), Options{}).
		WithClock(func() time.Time { return f.now })
	return f
}

func TestProvision_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Provision(ctx, Request{ClassID: "C1-0000000-abcdef", TeacherID: "T1", StudentID: "S1", DurationMinutes: 45})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	s, _ := f.store.Get(ctx, "C1-0000000-abcdef")
	if s.Status != classes.StatusInProgress || s.CallRoomURL != res.RoomURL || s.CallRoomID != res.RoomID {
		t.Fatalf("persisted session does not match result: %+v vs %+v", s, res)
	}
	if s.CallAttemptID == "" || s.CallAttemptID != res.AttemptID {
		t.Fatalf("expected attempt id to be persisted")
	}
	if s.ActualStartTime == nil || !s.ActualStartTime.Equal(f.now) {
		t.Fatalf("expected actual_start_time = now")
	}

	if !res.ExpiresAt.Equal(f.now.Add(75 * time.Minute)) {
		t.Fatalf("expected expiry duration+30m, got %v", res.ExpiresAt)
	}
	cfg := f.rooms.cfgs[0]
	if !cfg.Private || cfg.MaxParticipants != 2 || cfg.Name != "class-C1-00000-1700000000000" {
		t.Fatalf("unexpected room config: %+v", cfg)
	}

	events := f.log.Events("C1-0000000-abcdef")
	if len(events) != 1 || events[0] != calllog.EventInitiated {
		t.Fatalf("expected exactly one initiated entry, got %v", events)
	}
	entry := f.log.Entries()[0]
	if entry.RoomURL != res.RoomURL || entry.AttemptID != res.AttemptID {
		t.Fatalf("log entry must snapshot the room: %+v", entry)
	}

	if len(f.notifier.calls) != 1 || f.notifier.names[0] != "Ustadh Bilal" {
		t.Fatalf("expected one notification with caller name, got %+v", f.notifier.names)
	}
	if f.locker.held[lockKey("C1-0000000-abcdef")] {
		t.Fatalf("expected lock to be released")
	}
}

func TestProvision_DefaultDuration(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Provision(context.Background(), Request{ClassID: "C1-0000000-abcdef", TeacherID: "T1", StudentID: "S1"})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !res.ExpiresAt.Equal(f.now.Add(60 * time.Minute)) {
		t.Fatalf("expected 30m default + 30m buffer, got %v", res.ExpiresAt)
	}
}

func TestProvision_ProviderFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.rooms.err = errors.New("boom")
	ctx := context.Background()

	_, err := f.svc.Provision(ctx, Request{ClassID: "C1-0000000-abcdef", TeacherID: "T1", StudentID: "S1"})
	if !errors.Is(err, ErrProvisionFailed) {
		t.Fatalf("expected ErrProvisionFailed, got %v", err)
	}
	s, _ := f.store.Get(ctx, "C1-0000000-abcdef")
	if s.Status != classes.StatusScheduled || s.CallRoomURL != "" {
		t.Fatalf("session must not be mutated: %+v", s)
	}
	if len(f.log.Entries()) != 0 {
		t.Fatalf("no initiated entry expected")
	}
	if len(f.notifier.calls) != 0 {
		t.Fatalf("no notification expected")
	}
}

func TestProvision_Validation(t *testing.T) {
	f := newFixture(t)
	for _, req := range []Request{
		{TeacherID: "T1", StudentID: "S1"},
		{ClassID: "C1-0000000-abcdef", StudentID: "S1"},
		{ClassID: "C1-0000000-abcdef", TeacherID: "T1"},
	} {
		if _, err := f.svc.Provision(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected invalid request for %+v, got %v", req, err)
		}
	}
	if len(f.rooms.cfgs) != 0 {
		t.Fatalf("no room should be created for invalid requests")
	}
}

func TestProvision_MismatchedPairIsNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Provision(context.Background(), Request{ClassID: "C1-0000000-abcdef", TeacherID: "T1", StudentID: "S2"})
	if !errors.Is(err, classes.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestProvision_ConfigurationError(t *testing.T) {
	f := newFixture(t)
	f.rooms.err = video.ErrNotConfigured
	_, err := f.svc.Provision(context.Background(), Request{ClassID: "C1-0000000-abcdef", TeacherID: "T1", StudentID: "S1"})
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestProvision_PersistenceFailure(t *testing.T) {
	f := newFixture(t)
	f.store.FailStartCall = errors.New("db down")
	_, err := f.svc.Provision(context.Background(), Request{ClassID: "C1-0000000-abcdef", TeacherID: "T1", StudentID: "S1"})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if len(f.rooms.cfgs) != 1 {
		t.Fatalf("room is created before the update")
	}
	if len(f.log.Entries()) != 0 {
		t.Fatalf("no initiated entry expected after a failed update")
	}
}

func TestProvision_ConcurrentStartIsRejected(t *testing.T) {
	f := newFixture(t)
	_, _ = f.locker.Acquire(context.Background(), lockKey("C1-0000000-abcdef"))

	_, err := f.svc.Provision(context.Background(), Request{ClassID: "C1-0000000-abcdef", TeacherID: "T1", StudentID: "S1"})
	if !errors.Is(err, ErrAlreadyStarting) || !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected already starting, got %v", err)
	}
}

func TestProvision_RetrySupersedesAttempt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := Request{ClassID: "C1-0000000-abcdef", TeacherID: "T1", StudentID: "S1"}

	first, err := f.svc.Provision(ctx, req)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	f.now = f.now.Add(time.Minute)
	second, err := f.svc.Provision(ctx, req)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if first.AttemptID == second.AttemptID || first.RoomURL == second.RoomURL {
		t.Fatalf("retry must produce a new room and attempt")
	}
	s, _ := f.store.Get(ctx, req.ClassID)
	if s.CallAttemptID != second.AttemptID {
		t.Fatalf("expected latest attempt to own the row")
	}
}
