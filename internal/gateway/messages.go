package gateway

import (
	"quran-academy/internal/callsession"
	"quran-academy/internal/ringing"
	"quran-academy/internal/video"
)

// Inbound message types sent by the student's browser.
const (
	MsgAcceptCall   = "accept_call"
	MsgDeclineCall  = "decline_call"
	MsgClearCall    = "clear_call"
	MsgJoinCall     = "join_call"
	MsgLeaveCall    = "leave_call"
	MsgToggleMic    = "toggle_mic"
	MsgToggleCamera = "toggle_camera"
	MsgMediaEvent   = "media_event"
)

// Outbound message types.
const (
	MsgReady        = "ready"
	MsgIncomingCall = "incoming_call"
	MsgRingState    = "ring_state"
	MsgCallAccepted = "call_accepted"
	MsgCallState    = "call_state"
	MsgCallEnded    = "call_ended"
	MsgMediaCommand = "media_command"
	MsgError        = "error"
)

type Inbound struct {
	Type  string       `json:"type"`
	Event *video.Event `json:"event,omitempty"`
}

type Outbound struct {
	Type string `json:"type"`

	StudentID string `json:"student_id,omitempty"`

	RingState ringing.State         `json:"ring_state,omitempty"`
	Call      *ringing.IncomingCall `json:"call,omitempty"`
	Handoff   *ringing.Handoff      `json:"handoff,omitempty"`

	Session *callsession.Snapshot `json:"session,omitempty"`
	Outcome callsession.Outcome   `json:"outcome,omitempty"`

	Command *video.Command `json:"command,omitempty"`

	Error string `json:"error,omitempty"`
}
