package gateway

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"quran-academy/internal/callsession"
	"quran-academy/internal/ringing"
	"quran-academy/internal/video"
)

// session binds the controllers to one connection's lifetime.
type session struct {
	h           *Handler
	conn        *Connection
	displayName string
	log         *slog.Logger

	ring      *ringing.Controller
	transport *video.BusTransport

	mu   sync.Mutex
	call *callsession.Controller
}

func newSession(h *Handler, conn *Connection, displayName string, log *slog.Logger) *session {
	s := &session{h: h, conn: conn, displayName: displayName, log: log}
	s.transport = video.NewBusTransport(func(ctx context.Context, cmd video.Command) error {
		return conn.WriteJSON(Outbound{Type: MsgMediaCommand, Command: &cmd})
	})
	s.ring = ringing.New(conn.StudentID(), ringing.Deps{
		Feed:   h.deps.Feed,
		Store:  h.deps.Store,
		Events: h.deps.Events,
		Cache:  h.deps.Cache,
		Log:    log,
	}, ringing.Options{RingTimeout: h.deps.RingTimeout, AfterFunc: h.deps.AfterFunc})
	s.ring.OnChange(s.onRing)
	return s
}

func (s *session) onRing(state ringing.State, call *ringing.IncomingCall) {
	msg := Outbound{Type: MsgRingState, RingState: state}
	if state == ringing.StateRinging {
		msg.Type = MsgIncomingCall
		msg.Call = call
	}
	s.write(msg)
}

func (s *session) write(msg Outbound) {
	if err := s.conn.WriteJSON(msg); err != nil && !errors.Is(err, ErrConnectionClosed) {
		s.log.Warn("websocket write failed", "type", msg.Type, "err", err)
	}
}

func (s *session) fail(err error) {
	s.write(Outbound{Type: MsgError, Error: err.Error()})
}

func (s *session) current() *callsession.Controller {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call
}

func (s *session) dispatch(ctx context.Context, msg Inbound) {
	switch msg.Type {
	case MsgAcceptCall:
		s.accept()

	case MsgDeclineCall:
		if cs := s.current(); cs != nil {
			st := cs.State()
			if st == callsession.StateIdle || st == callsession.StateJoining {
				if err := cs.Decline(ctx); err != nil {
					s.fail(err)
				}
				return
			}
		}
		if err := s.ring.Decline(ctx); err != nil {
			s.fail(err)
		}

	case MsgClearCall:
		s.ring.Clear()

	case MsgJoinCall:
		cs := s.current()
		if cs == nil {
			s.fail(errNoCall)
			return
		}
		if err := cs.Join(ctx); err != nil {
			s.fail(err)
		}

	case MsgLeaveCall:
		cs := s.current()
		if cs == nil {
			s.fail(errNoCall)
			return
		}
		if err := cs.Leave(ctx); err != nil {
			s.fail(err)
		}

	case MsgToggleMic, MsgToggleCamera:
		cs := s.current()
		if cs == nil {
			s.fail(errNoCall)
			return
		}
		var err error
		if msg.Type == MsgToggleMic {
			_, err = cs.ToggleMic(ctx)
		} else {
			_, err = cs.ToggleCamera(ctx)
		}
		if err != nil {
			s.fail(err)
		}

	case MsgMediaEvent:
		if msg.Event == nil || !msg.Event.Type.Valid() {
			s.fail(errBadMessage)
			return
		}
		if !s.transport.Dispatch(*msg.Event) {
			s.log.Debug("media event without live room", "event", msg.Event.Type)
		}

	default:
		s.fail(errBadMessage)
	}
}

func (s *session) accept() {
	h, err := s.ring.Accept()
	if err != nil {
		s.fail(err)
		return
	}

	cs := callsession.New(callsession.Call{
		ClassSessionID: h.ClassSessionID,
		AttemptID:      h.AttemptID,
		TeacherID:      h.TeacherID,
		StudentID:      h.StudentID,
		RoomID:         h.RoomID,
		RoomURL:        h.RoomURL,
		DisplayName:    s.displayName,
	}, callsession.Deps{
		Transport: s.transport,
		Store:     s.h.deps.Store,
		Events:    s.h.deps.Events,
		Cache:     s.h.deps.Cache,
		Log:       s.log,
	})
	cs.OnChange(func(snap callsession.Snapshot) {
		s.write(Outbound{Type: MsgCallState, Session: &snap})
	})
	cs.OnComplete(func(o callsession.Outcome) {
		s.mu.Lock()
		if s.call == cs {
			s.call = nil
		}
		s.mu.Unlock()
		cs.Close()
		s.write(Outbound{Type: MsgCallEnded, Outcome: o})
	})

	s.mu.Lock()
	prev := s.call
	s.call = cs
	s.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	s.write(Outbound{Type: MsgCallAccepted, Handoff: &h})
}

func (s *session) close() {
	s.ring.Close()
	s.mu.Lock()
	cs := s.call
	s.call = nil
	s.mu.Unlock()
	if cs != nil {
		cs.Close()
	}
	s.transport.Close()
}
