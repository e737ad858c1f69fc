package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"quran-academy/internal/calllog"
	"quran-academy/internal/classes"
	"quran-academy/internal/video"
	"quran-academy/pkg/logger"

	"github.com/google/uuid"
)

// CallNotifier is the fan-out step after a successful start.
type CallNotifier interface {
	CallStarted(ctx context.Context, s classes.ClassSession, oldStatus classes.Status, caller classes.CallerProfile) error
}

type Options struct {
	DefaultDuration time.Duration
	ExpiryBuffer    time.Duration
	MaxParticipants int
}

func (o Options) withDefaults() Options {
	if o.DefaultDuration <= 0 {
		o.DefaultDuration = 30 * time.Minute
	}
	if o.ExpiryBuffer <= 0 {
		o.ExpiryBuffer = 30 * time.Minute
	}
	if o.MaxParticipants <= 0 {
		o.MaxParticipants = 2
	}
	return o
}

// Service creates a room and flips the class session to in_progress.
//
// Once the room exists nothing is rolled back: a failed session update surfaces as
// ErrPersistence and the room self-expires. Log and notification failures after a successful
// update are logged only.
type Service struct {
	rooms    video.RoomProvider
	store    classes.Store
	events   calllog.Appender
	notifier CallNotifier
	locker   Locker
	log      *slog.Logger

	opts  Options
	clock func() time.Time
	newID func() string
}

func NewService(rooms video.RoomProvider, store classes.Store, events calllog.Appender, notifier CallNotifier, locker Locker, log *slog.Logger, opts Options) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		rooms:    rooms,
		store:    store,
		events:   events,
		notifier: notifier,
		locker:   locker,
		log:      log,
		opts:     opts.withDefaults(),
		clock:    time.Now,
		newID:    uuid.NewString,
	}
}

func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) Provision(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	if s.rooms == nil {
		return Result{}, ErrConfiguration
	}
	log := s.log.With("class_session_id", req.ClassID, "teacher_id", req.TeacherID, "student_id", req.StudentID)

	current, err := s.store.Get(ctx, req.ClassID)
	if err != nil {
		if errors.Is(err, classes.ErrNotFound) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if current.TeacherID != req.TeacherID || current.StudentID != req.StudentID {
		return Result{}, classes.ErrNotFound
	}
	if !current.Status.Callable() {
		return Result{}, classes.ErrNotCallable
	}

	if s.locker != nil {
		key := lockKey(req.ClassID)
		ok, err := s.locker.Acquire(ctx, key)
		if err != nil {
			log.Warn("provisioning lock unavailable", "err", err)
		} else if !ok {
			return Result{}, ErrAlreadyStarting
		} else {
			defer func() {
				if err := s.locker.Release(context.WithoutCancel(ctx), key); err != nil {
					log.Warn("provisioning lock release failed", "err", err)
				}
			}()
		}
	}

	duration := s.opts.DefaultDuration
	if req.DurationMinutes > 0 {
		duration = time.Duration(req.DurationMinutes) * time.Minute
	}
	now := s.clock()
	expiresAt := now.Add(duration + s.opts.ExpiryBuffer).UTC()

	room, err := s.rooms.CreateRoom(ctx, video.RoomConfig{
		Name:            roomName(req.ClassID, now),
		Private:         true,
		MaxParticipants: s.opts.MaxParticipants,
		ExpiresAt:       expiresAt,
	})
	if err != nil {
		if errors.Is(err, video.ErrNotConfigured) {
			log.Error("video provider not configured", "provider", s.rooms.Name())
			return Result{}, ErrConfiguration
		}
		log.Warn("room creation failed", "provider", s.rooms.Name(), "err", err)
		return Result{}, fmt.Errorf("%w: %v", ErrProvisionFailed, err)
	}

	attemptID := s.newID()
	log = logger.ForCall(log, req.ClassID, attemptID)

	started, err := s.store.StartCall(ctx, classes.StartCall{
		ClassSessionID: req.ClassID,
		TeacherID:      req.TeacherID,
		StudentID:      req.StudentID,
		AttemptID:      attemptID,
		RoomID:         room.ID,
		RoomURL:        room.URL,
		StartedAt:      now,
	})
	if err != nil {
		log.Error("class session update failed; room left to expire", "room_id", room.ID, "err", err)
		return Result{}, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	if s.events != nil {
		entry := calllog.FromSession(started, calllog.EventInitiated, map[string]any{
			"duration_minutes": int(duration / time.Minute),
			"expires_at":       expiresAt.Format(time.RFC3339),
			"provider":         s.rooms.Name(),
		})
		if err := s.events.Append(ctx, entry); err != nil {
			log.Error("call log append failed", "event", calllog.EventInitiated, "err", err)
		}
	}

	if s.notifier != nil {
		caller, err := s.store.CallerProfile(ctx, req.TeacherID)
		if err != nil {
			caller = classes.FallbackCaller(req.TeacherID)
		}
		if err := s.notifier.CallStarted(ctx, started, current.Status, caller); err != nil {
			log.Error("call notification failed", "err", err)
		}
	}

	log.Info("call room provisioned", "room_id", room.ID, "expires_at", expiresAt)
	return Result{RoomURL: room.URL, RoomID: room.ID, ExpiresAt: expiresAt, AttemptID: attemptID}, nil
}

// roomName is unique per invocation: class prefix plus wall-clock millis.
func roomName(classID string, now time.Time) string {
	prefix := classID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return fmt.Sprintf("class-%s-%d", prefix, now.UnixMilli())
}
