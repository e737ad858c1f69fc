package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"quran-academy/internal/classes"
	"quran-academy/internal/realtime"

	"github.com/google/uuid"
)

// UserResolver maps a student record to the user identity that receives notifications.
type UserResolver interface {
	StudentUserID(ctx context.Context, studentID string) (string, error)
}

// Notifier makes class-session transitions visible: a realtime change on the row's own student
// channel, plus a durable notification when a call starts.
type Notifier struct {
	pub   realtime.Publisher
	repo  Repository
	users UserResolver
	log   *slog.Logger
	clock func() time.Time
}

func NewNotifier(pub realtime.Publisher, repo Repository, users UserResolver, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{pub: pub, repo: repo, users: users, log: log, clock: time.Now}
}

func (n *Notifier) WithClock(clock func() time.Time) *Notifier {
	n.clock = clock
	return n
}

// CallStarted publishes the in_progress change and enqueues the fallback notification. Both
// are attempted; failures are joined.
func (n *Notifier) CallStarted(ctx context.Context, s classes.ClassSession, oldStatus classes.Status, caller classes.CallerProfile) error {
	var errs []error
	if err := n.SessionChanged(ctx, s, oldStatus); err != nil {
		errs = append(errs, err)
	}
	if err := n.enqueueIncomingCall(ctx, s, caller); err != nil {
		errs = append(errs, fmt.Errorf("notify: notification: %w", err))
	}
	return errors.Join(errs...)
}

// SessionChanged publishes a transition to the row's own student channel.
func (n *Notifier) SessionChanged(ctx context.Context, s classes.ClassSession, oldStatus classes.Status) error {
	if n.pub == nil {
		return nil
	}
	if err := n.pub.Publish(ctx, realtime.NewUpdate(s, oldStatus, n.clock())); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}
	return nil
}

func (n *Notifier) enqueueIncomingCall(ctx context.Context, s classes.ClassSession, caller classes.CallerProfile) error {
	if n.repo == nil || n.users == nil {
		return errors.New("notify: repository not configured")
	}
	userID, err := n.users.StudentUserID(ctx, s.StudentID)
	if err != nil {
		return err
	}

	data, err := json.Marshal(IncomingCallData{
		ClassSessionID: s.ID,
		AttemptID:      s.CallAttemptID,
		RoomURL:        s.CallRoomURL,
		RoomID:         s.CallRoomID,
		TeacherID:      s.TeacherID,
	})
	if err != nil {
		return err
	}

	name := caller.DisplayName
	if name == "" {
		name = "Your teacher"
	}
	return n.repo.Insert(ctx, Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      TypeIncomingCall,
		Title:     "Incoming class call",
		Message:   name + " is calling you to start your class.",
		Data:      string(data),
		CreatedAt: n.clock().UTC(),
	})
}

// PublishingStore publishes every successful guarded transition. The write has already
// committed, so publish failures are logged and not returned.
type PublishingStore struct {
	classes.Store
	n *Notifier
}

func NewPublishingStore(store classes.Store, n *Notifier) *PublishingStore {
	return &PublishingStore{Store: store, n: n}
}

func (p *PublishingStore) TransitionStatus(ctx context.Context, t classes.Transition) (classes.ClassSession, error) {
	s, err := p.Store.TransitionStatus(ctx, t)
	if err != nil {
		return s, err
	}
	if perr := p.n.SessionChanged(ctx, s, t.From); perr != nil {
		p.n.log.Warn("session change publish failed",
			"class_session_id", s.ID, "attempt_id", t.AttemptID, "status", s.Status, "err", perr)
	}
	return s, nil
}
