package ringing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"quran-academy/internal/calllog"
	"quran-academy/internal/classes"
	"quran-academy/internal/realtime"
	"quran-academy/pkg/logger"
)

type Deps struct {
	Feed   realtime.Feed
	Store  classes.Store
	Events calllog.Appender
	Cache  classes.Invalidator
	Log    *slog.Logger
}

type Options struct {
	RingTimeout time.Duration
	AfterFunc   AfterFunc
	Clock       func() time.Time
}

// Controller rings one student identity. It owns exactly one realtime subscription and at
// most one ring timer.
//
// States: idle -> ringing -> idle. Leaving ringing is one of accept (handoff, no log), decline
// (rejected + declined status), timeout (timeout + no_answer status) or clear (no writes).
// Every leave bumps gen so a timer that already fired cannot act on a resolved ring.
type Controller struct {
	deps Deps
	opts Options

	handleMu sync.Mutex

	mu           sync.Mutex
	ctx          context.Context
	studentID    string
	sub          *realtime.Subscription
	incoming     *IncomingCall
	timer        Timer
	gen          uint64
	lastAttempt  string
	listener     Listener
	closed       bool
	loopFinished chan struct{}
}

func New(studentID string, deps Deps, opts Options) *Controller {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if opts.RingTimeout <= 0 {
		opts.RingTimeout = 40 * time.Second
	}
	if opts.AfterFunc == nil {
		opts.AfterFunc = realAfterFunc
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &Controller{
		deps:      deps,
		opts:      opts,
		ctx:       context.Background(),
		studentID: studentID,
	}
}

// OnChange registers the state listener. Set it before Start.
func (c *Controller) OnChange(l Listener) {
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
}

// Start opens the subscription for the current student. ctx bounds background writes
// (timeouts) made after Start returns.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.ctx = ctx
	studentID := c.studentID
	c.mu.Unlock()
	return c.subscribe(ctx, studentID)
}

// SetStudent rebinds the controller to another student identity. Any ringing call is cleared
// without writes and the old subscription is closed before the new one opens.
func (c *Controller) SetStudent(ctx context.Context, studentID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if studentID == c.studentID && c.sub != nil {
		c.mu.Unlock()
		return nil
	}
	c.studentID = studentID
	c.mu.Unlock()

	c.Clear()
	return c.subscribe(ctx, studentID)
}

func (c *Controller) subscribe(ctx context.Context, studentID string) error {
	sub, err := c.deps.Feed.Subscribe(ctx, realtime.ForStudent(studentID))
	if err != nil {
		return fmt.Errorf("ringing: subscribe: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = sub.Close()
		return ErrClosed
	}
	prev, prevDone := c.sub, c.loopFinished
	c.sub = sub
	done := make(chan struct{})
	c.loopFinished = done
	c.mu.Unlock()

	if prev != nil {
		_ = prev.Close()
		<-prevDone
	}
	go c.loop(sub, done)
	return nil
}

func (c *Controller) loop(sub *realtime.Subscription, done chan struct{}) {
	defer close(done)
	for {
		select {
		case ch := <-sub.C():
			c.HandleChange(c.baseContext(), ch)
		case <-sub.Done():
			return
		}
	}
}

// Close cancels any pending timer and closes the subscription. It writes nothing.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sub, done := c.sub, c.loopFinished
	c.sub = nil
	wasRinging := c.resetLocked()
	c.mu.Unlock()

	if sub != nil {
		_ = sub.Close()
		<-done
	}
	if wasRinging {
		c.emit(StateIdle, nil)
	}
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.incoming != nil {
		return StateRinging
	}
	return StateIdle
}

func (c *Controller) IsRinging() bool { return c.State() == StateRinging }

// Incoming returns a copy of the current call, or nil.
func (c *Controller) Incoming() *IncomingCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.incoming == nil {
		return nil
	}
	cp := *c.incoming
	return &cp
}

func (c *Controller) StudentID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.studentID
}

// HandleChange applies one realtime change. Changes for other students are ignored.
func (c *Controller) HandleChange(ctx context.Context, ch realtime.Change) {
	c.handleMu.Lock()
	defer c.handleMu.Unlock()

	row := ch.Record

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if row.StudentID != c.studentID {
		c.mu.Unlock()
		c.deps.Log.Warn("ignoring change for another student", "student_id", c.studentID, "class_session_id", row.ID)
		return
	}

	if cur := c.incoming; cur != nil {
		if row.ID != cur.ClassSessionID {
			c.mu.Unlock()
			return
		}
		if row.Status == classes.StatusInProgress && row.CallAttemptID == cur.AttemptID {
			// redundant event for the ringing attempt
			c.mu.Unlock()
			return
		}
		// The teacher ended or re-initiated the call: drop the stale prompt without writes.
		c.resetLocked()
		c.mu.Unlock()
		logger.ForCall(c.deps.Log, cur.ClassSessionID, cur.AttemptID).Info("ring cleared by session change", "status", row.Status)
		c.emit(StateIdle, nil)
		c.mu.Lock()
	}

	if !row.HasActiveCall() || (row.CallAttemptID != "" && row.CallAttemptID == c.lastAttempt) {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	caller, err := c.deps.Store.CallerProfile(ctx, row.TeacherID)
	if err != nil {
		caller = classes.FallbackCaller(row.TeacherID)
	}

	now := c.opts.Clock()
	call := &IncomingCall{
		ClassSessionID: row.ID,
		AttemptID:      row.CallAttemptID,
		RoomURL:        row.CallRoomURL,
		RoomID:         row.CallRoomID,
		TeacherID:      row.TeacherID,
		StudentID:      row.StudentID,
		CallerName:     caller.DisplayName,
		CallerAvatar:   caller.AvatarURL,
		ScheduledAt:    row.ScheduledAt,
		RingingSince:   now,
		ExpiresAt:      now.Add(c.opts.RingTimeout),
	}

	c.mu.Lock()
	if c.closed || c.incoming != nil || c.studentID != row.StudentID {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	c.incoming = call
	c.lastAttempt = row.CallAttemptID
	c.timer = c.opts.AfterFunc(c.opts.RingTimeout, func() { c.expire(gen) })
	c.mu.Unlock()

	log := logger.ForCall(c.deps.Log, row.ID, row.CallAttemptID)
	log.Info("incoming call ringing", "student_id", row.StudentID, "timeout", c.opts.RingTimeout)
	c.appendEvent(ctx, log, row, calllog.EventRinging, nil)

	cp := *call
	c.emit(StateRinging, &cp)
}

// Accept stops the ring and hands the call over. It writes nothing; the call session logs
// accepted once it takes over.
func (c *Controller) Accept() (Handoff, error) {
	c.mu.Lock()
	cur := c.incoming
	if cur == nil {
		c.mu.Unlock()
		return Handoff{}, ErrNoIncomingCall
	}
	h := cur.handoff()
	c.resetLocked()
	c.mu.Unlock()

	logger.ForCall(c.deps.Log, h.ClassSessionID, h.AttemptID).Info("incoming call accepted")
	c.emit(StateIdle, nil)
	return h, nil
}

// Decline rejects the ringing call. A second Decline is a no-op.
func (c *Controller) Decline(ctx context.Context) error {
	c.mu.Lock()
	cur := c.incoming
	if cur == nil {
		c.mu.Unlock()
		return nil
	}
	call := *cur
	c.resetLocked()
	c.mu.Unlock()

	log := logger.ForCall(c.deps.Log, call.ClassSessionID, call.AttemptID)
	log.Info("incoming call declined")
	c.appendEvent(ctx, log, call.session(), calllog.EventRejected, nil)
	c.resolve(ctx, log, call, classes.StatusDeclined)
	c.emit(StateIdle, nil)
	return nil
}

// Clear drops the prompt without writes.
func (c *Controller) Clear() {
	c.mu.Lock()
	wasRinging := c.resetLocked()
	c.mu.Unlock()
	if wasRinging {
		c.emit(StateIdle, nil)
	}
}

func (c *Controller) expire(gen uint64) {
	c.mu.Lock()
	if c.incoming == nil || c.gen != gen {
		c.mu.Unlock()
		return
	}
	call := *c.incoming
	c.incoming = nil
	c.timer = nil
	c.gen++
	c.mu.Unlock()

	ctx := c.baseContext()
	log := logger.ForCall(c.deps.Log, call.ClassSessionID, call.AttemptID)
	log.Info("incoming call timed out")

	if c.resolve(ctx, log, call, classes.StatusNoAnswer) {
		c.appendEvent(ctx, log, call.session(), calllog.EventTimeout, map[string]any{
			"ring_seconds": int(c.opts.RingTimeout / time.Second),
		})
	}
	c.emit(StateIdle, nil)
}

// resolve moves the attempt out of in_progress. It reports false when the attempt was already
// superseded or resolved elsewhere.
func (c *Controller) resolve(ctx context.Context, log *slog.Logger, call IncomingCall, to classes.Status) bool {
	_, err := c.deps.Store.TransitionStatus(ctx, classes.Transition{
		ClassSessionID: call.ClassSessionID,
		AttemptID:      call.AttemptID,
		From:           classes.StatusInProgress,
		To:             to,
		At:             c.opts.Clock(),
	})
	switch {
	case errors.Is(err, classes.ErrStaleAttempt):
		log.Info("attempt already resolved; status left unchanged", "to", to)
		return false
	case err != nil:
		log.Error("status transition failed", "to", to, "err", err)
	}
	if c.deps.Cache != nil {
		if err := c.deps.Cache.InvalidateStudent(ctx, call.StudentID); err != nil {
			log.Warn("class list cache invalidation failed", "err", err)
		}
	}
	return true
}

func (c *Controller) appendEvent(ctx context.Context, log *slog.Logger, s classes.ClassSession, ev calllog.Event, meta map[string]any) {
	if c.deps.Events == nil {
		return
	}
	if err := c.deps.Events.Append(ctx, calllog.FromSession(s, ev, meta)); err != nil {
		log.Error("call log append failed", "event", ev, "err", err)
	}
}

// resetLocked stops the timer and clears the prompt. Caller holds mu.
func (c *Controller) resetLocked() bool {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.gen++
	wasRinging := c.incoming != nil
	c.incoming = nil
	return wasRinging
}

func (c *Controller) emit(state State, call *IncomingCall) {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l(state, call)
	}
}

func (c *Controller) baseContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}
