package callsession

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"quran-academy/internal/calllog"
	"quran-academy/internal/classes"
	"quran-academy/internal/video"
	"quran-academy/pkg/logger"
)

type Deps struct {
	Transport video.Transport
	Store     classes.Store
	Events    calllog.Appender
	Cache     classes.Invalidator
	Log       *slog.Logger
	Clock     func() time.Time
}

// Controller manages one live media room after a ring was accepted.
//
// All transport events are consumed by one pump goroutine and applied in handle; user
// actions take the same lock, so the transition table below is the only place state moves.
//
//	idle      -> joining   Join
//	idle      -> ended     Decline
//	joining   -> connected joined event
//	joining   -> ended     Decline, Leave
//	connected -> ended     Leave, left event
//	joining   -> failed    Join error, error event, left event
//	connected -> failed    error event
//
// Only a call that reached connected settles the session as completed; one that never
// connected settles as missed.
type Controller struct {
	call Call
	deps Deps
	log  *slog.Logger

	onComplete func(Outcome)
	listener   func(Snapshot)

	mu     sync.Mutex
	state  State
	conn   video.Conn
	mic    bool
	cam    bool
	local  *video.Participant
	remote *video.Participant
	errMsg string
	notice string

	stop     chan struct{}
	stopOnce sync.Once
}

func New(call Call, deps Deps) *Controller {
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Controller{
		call:  call,
		deps:  deps,
		log:   logger.ForCall(deps.Log, call.ClassSessionID, call.AttemptID),
		state: StateIdle,
		mic:   true,
		cam:   true,
		stop:  make(chan struct{}),
	}
}

// OnComplete is invoked once, after the call ends by leave or decline.
func (c *Controller) OnComplete(f func(Outcome)) {
	c.mu.Lock()
	c.onComplete = f
	c.mu.Unlock()
}

// OnChange is invoked with a fresh snapshot after every transition.
func (c *Controller) OnChange(f func(Snapshot)) {
	c.mu.Lock()
	c.listener = f
	c.mu.Unlock()
}

func (c *Controller) Call() Call { return c.call }

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Join opens the room connection. It fails with ErrNoRoomURL without changing state.
func (c *Controller) Join(ctx context.Context) error {
	if c.call.RoomURL == "" {
		return ErrNoRoomURL
	}

	c.mu.Lock()
	switch c.state {
	case StateJoining, StateConnected:
		c.mu.Unlock()
		return nil
	case StateEnded, StateFailed:
		c.mu.Unlock()
		return ErrFinished
	}
	c.state = StateJoining
	c.errMsg = ""
	c.mu.Unlock()

	c.appendEvent(ctx, calllog.EventAccepted, nil)
	c.emit()

	conn, err := c.deps.Transport.Join(ctx, c.call.RoomURL, c.call.DisplayName)
	if err != nil {
		c.log.Warn("room join failed", "err", err)
		c.fail(ctx, "join_error", "Could not join the class call. Please try again.")
		return fmt.Errorf("callsession: join: %w", err)
	}

	c.mu.Lock()
	if c.state != StateJoining {
		// declined or closed while the join was in flight
		c.mu.Unlock()
		_ = conn.Destroy()
		return ErrFinished
	}
	c.conn = conn
	c.mu.Unlock()

	go c.pump(conn)
	return nil
}

func (c *Controller) pump(conn video.Conn) {
	for {
		select {
		case ev := <-conn.Events():
			c.handle(ev)
		case <-c.stop:
			return
		}
	}
}

func (c *Controller) handle(ev video.Event) {
	ctx := context.Background()

	c.mu.Lock()
	switch ev.Type {
	case video.EventJoined:
		if c.state != StateJoining {
			c.mu.Unlock()
			return
		}
		c.state = StateConnected
		if ev.Participant != nil {
			p := *ev.Participant
			c.local = &p
			c.mic, c.cam = p.Audio, p.Video
		}
		c.mu.Unlock()
		c.log.Info("call connected")
		c.appendEvent(ctx, calllog.EventConnected, nil)

	case video.EventParticipantJoined, video.EventParticipantUpdated:
		if ev.Participant == nil || ev.Participant.Local {
			if ev.Participant != nil {
				p := *ev.Participant
				c.local = &p
			}
			c.mu.Unlock()
			break
		}
		p := *ev.Participant
		if ev.Type == video.EventParticipantJoined {
			c.notice = "Your teacher joined the call."
		}
		c.remote = &p
		c.mu.Unlock()

	case video.EventParticipantLeft:
		if ev.Participant != nil && ev.Participant.Local {
			c.mu.Unlock()
			return
		}
		c.remote = nil
		c.notice = "The other participant left the call."
		c.mu.Unlock()

	case video.EventLeft:
		switch c.state {
		case StateConnected:
			c.mu.Unlock()
			c.finish(ctx, "room")
		case StateJoining:
			c.mu.Unlock()
			c.fail(ctx, "join_aborted", "The call ended before it connected.")
		default:
			c.mu.Unlock()
		}
		return

	case video.EventCameraError:
		c.cam = false
		c.notice = "Camera unavailable: " + messageOr(ev.Message, "check browser permissions")
		c.mu.Unlock()

	case video.EventError:
		c.mu.Unlock()
		c.fail(ctx, "error", messageOr(ev.Message, "The call connection failed."))
		return

	default:
		c.mu.Unlock()
		return
	}
	c.emit()
}

// Leave ends the call: release the room, log disconnected, complete the session.
func (c *Controller) Leave(ctx context.Context) error {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state != StateJoining && state != StateConnected {
		return ErrNotConnected
	}
	c.finish(ctx, "user")
	return nil
}

func (c *Controller) finish(ctx context.Context, by string) {
	c.mu.Lock()
	if c.state != StateJoining && c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == StateConnected
	c.state = StateEnded
	c.remote = nil
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if by == "user" {
			if err := conn.Leave(ctx); err != nil {
				c.log.Warn("room leave failed", "err", err)
			}
		}
		_ = conn.Destroy()
	}

	c.log.Info("call ended", "by", by, "was_connected", wasConnected)
	c.appendEvent(ctx, calllog.EventDisconnected, map[string]any{"reason": by, "connected": wasConnected})
	if wasConnected {
		c.transition(ctx, classes.StatusCompleted)
	} else {
		c.transition(ctx, classes.StatusMissed)
	}
	c.emit()
	c.complete(OutcomeLeft)
}

// fail ends a live call that broke. A call that never connected settles as missed; one that
// was connected settles as completed.
func (c *Controller) fail(ctx context.Context, reason, msg string) {
	c.mu.Lock()
	if c.state != StateJoining && c.state != StateConnected {
		c.mu.Unlock()
		return
	}
	wasConnected := c.state == StateConnected
	c.state = StateFailed
	c.errMsg = msg
	c.remote = nil
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Destroy()
	}

	c.log.Warn("call failed", "reason", reason, "message", msg, "was_connected", wasConnected)
	c.appendEvent(ctx, calllog.EventDisconnected, map[string]any{
		"reason":    reason,
		"message":   msg,
		"connected": wasConnected,
	})
	if wasConnected {
		c.transition(ctx, classes.StatusCompleted)
	} else {
		c.transition(ctx, classes.StatusMissed)
	}
	c.emit()
	c.complete(OutcomeFailed)
}

// Decline backs out before the room is joined. No connection is opened.
func (c *Controller) Decline(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateIdle && c.state != StateJoining {
		c.mu.Unlock()
		return ErrFinished
	}
	c.state = StateEnded
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Destroy()
	}
	c.log.Info("call declined after handoff")
	c.appendEvent(ctx, calllog.EventRejected, nil)
	c.transition(ctx, classes.StatusDeclined)
	c.emit()
	c.complete(OutcomeDeclined)
	return nil
}

// ToggleMic flips the local microphone and returns the new value.
func (c *Controller) ToggleMic(ctx context.Context) (bool, error) {
	return c.toggle(ctx, &c.mic, video.Conn.SetLocalAudio)
}

// ToggleCamera flips the local camera and returns the new value.
func (c *Controller) ToggleCamera(ctx context.Context) (bool, error) {
	return c.toggle(ctx, &c.cam, video.Conn.SetLocalVideo)
}

func (c *Controller) toggle(ctx context.Context, flag *bool, apply func(video.Conn, context.Context, bool) error) (bool, error) {
	c.mu.Lock()
	if c.state != StateConnected || c.conn == nil {
		c.mu.Unlock()
		return false, ErrNotConnected
	}
	next := !*flag
	conn := c.conn
	c.mu.Unlock()

	if err := apply(conn, ctx, next); err != nil {
		return !next, err
	}

	c.mu.Lock()
	*flag = next
	c.mu.Unlock()
	c.emit()
	return next, nil
}

// Close releases the room connection whatever the state. A call that was still live is logged
// as disconnected; the session status is left for the teacher to resolve.
func (c *Controller) Close() {
	c.mu.Lock()
	live := c.state == StateJoining || c.state == StateConnected
	wasConnected := c.state == StateConnected
	if live {
		c.state = StateEnded
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	// Events still in flight see a finished state and are dropped.
	c.stopOnce.Do(func() { close(c.stop) })
	if conn != nil {
		if err := conn.Leave(context.Background()); err != nil && !errors.Is(err, video.ErrConnClosed) {
			c.log.Warn("room leave on close failed", "err", err)
		}
		_ = conn.Destroy()
	}
	if wasConnected {
		c.appendEvent(context.Background(), calllog.EventDisconnected, map[string]any{"reason": "teardown"})
	}
}

func (c *Controller) transition(ctx context.Context, to classes.Status) {
	_, err := c.deps.Store.TransitionStatus(ctx, classes.Transition{
		ClassSessionID: c.call.ClassSessionID,
		AttemptID:      c.call.AttemptID,
		From:           classes.StatusInProgress,
		To:             to,
		At:             c.deps.Clock(),
	})
	switch {
	case errors.Is(err, classes.ErrStaleAttempt):
		c.log.Info("attempt already resolved; status left unchanged", "to", to)
	case err != nil:
		c.log.Error("status transition failed", "to", to, "err", err)
	}
	if c.deps.Cache != nil {
		if err := c.deps.Cache.InvalidateStudent(ctx, c.call.StudentID); err != nil {
			c.log.Warn("class list cache invalidation failed", "err", err)
		}
	}
}

func (c *Controller) appendEvent(ctx context.Context, ev calllog.Event, meta map[string]any) {
	if c.deps.Events == nil {
		return
	}
	s := classes.ClassSession{
		ID:            c.call.ClassSessionID,
		TeacherID:     c.call.TeacherID,
		StudentID:     c.call.StudentID,
		CallRoomID:    c.call.RoomID,
		CallRoomURL:   c.call.RoomURL,
		CallAttemptID: c.call.AttemptID,
	}
	if err := c.deps.Events.Append(ctx, calllog.FromSession(s, ev, meta)); err != nil {
		c.log.Error("call log append failed", "event", ev, "err", err)
	}
}

func (c *Controller) complete(o Outcome) {
	c.mu.Lock()
	f := c.onComplete
	c.onComplete = nil
	c.mu.Unlock()
	if f != nil {
		f(o)
	}
}

func (c *Controller) emit() {
	c.mu.Lock()
	l := c.listener
	snap := c.snapshotLocked()
	c.notice = ""
	c.mu.Unlock()
	if l != nil {
		l(snap)
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	s := Snapshot{
		ClassSessionID: c.call.ClassSessionID,
		AttemptID:      c.call.AttemptID,
		State:          c.state,
		MicOn:          c.mic,
		CameraOn:       c.cam,
		Error:          c.errMsg,
		Notice:         c.notice,
	}
	if c.local != nil {
		p := *c.local
		s.Local = &p
	}
	if c.remote != nil {
		p := *c.remote
		s.Remote = &p
	}
	return s
}

func messageOr(msg, fallback string) string {
	if msg == "" {
		return fallback
	}
	return msg
}
