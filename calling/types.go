/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Chatline Communications
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
)

// ---- Enums / Constants ----

// CallState represents the state of a call in the state machine.
// Transitions are monotonic except for the terminal loop Ended → Idle:
// a new call attempt always creates a fresh Session.
type CallState string

const (
	CallStateIdle            CallState = "idle"
	CallStateOutgoingRinging CallState = "outgoing_ringing"
	CallStateIncomingRinging CallState = "incoming_ringing"
	CallStateNegotiating     CallState = "negotiating"
	CallStateConnected       CallState = "connected"
	CallStateEnding          CallState = "ending"
	CallStateEnded           CallState = "ended"
	CallStateFailed          CallState = "failed"
)

// terminal reports whether the state admits no further transitions.
func (s CallState) terminal() bool {
	return s == CallStateEnded || s == CallStateFailed
}

// Role indicates which side of the call this session is.
type Role string

const (
	RoleNone   Role = "none"
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// RingDirection indicates which side's ringing effect is active.
type RingDirection string

const (
	RingOutgoing RingDirection = "outgoing"
	RingIncoming RingDirection = "incoming"
)

// CallEventKey identifies the type of call event.
type CallEventKey string

const (
	CallEventStateChange  CallEventKey = "state_change"
	CallEventRingStart    CallEventKey = "ring_start"
	CallEventRingStop     CallEventKey = "ring_stop"
	CallEventConnected    CallEventKey = "connected"
	CallEventRejected     CallEventKey = "rejected"
	CallEventRemoteEnded  CallEventKey = "remote_ended"
	CallEventTimeout      CallEventKey = "timeout"
	CallEventIncomingCall CallEventKey = "incoming_call"
	CallEventError        CallEventKey = "call_error"
)

// Snapshot is what the session exposes for UI rendering.
type Snapshot struct {
	State          CallState `json:"state"`
	PeerName       string    `json:"peerName"`
	ElapsedSeconds int       `json:"elapsedSeconds"`
}

// ---- Errors ----

var (
	// ErrCallingUnsupported is returned when the platform has no usable
	// media/negotiation primitives. Callers should degrade to a clear
	// "unsupported" surface instead of branching through the call logic.
	ErrCallingUnsupported = errors.New("calling is not supported on this platform")

	// ErrCallActive is returned when a call is started on a conversation
	// that already has an active session.
	ErrCallActive = errors.New("a call is already active for this conversation")

	// ErrNoPendingOffer is returned when Accept is invoked before the
	// remote offer has arrived (a ring may precede its offer on the relay).
	ErrNoPendingOffer = errors.New("no pending offer to accept")

	// ErrInvalidState is returned when a UI intent does not apply to the
	// session's current state.
	ErrInvalidState = errors.New("operation not valid in current call state")
)

// ---- Config ----

// Config holds configuration for the Calling client and its sessions.
type Config struct {
	// RingTimeout is how long ringing lasts before an unanswered call is
	// torn down. Default: 30s.
	RingTimeout time.Duration

	// DisconnectGrace is how long a disconnected transport may self-heal
	// before the call is treated as ended. Default: 10s.
	DisconnectGrace time.Duration

	// FailureGrace is how long a failed transport may self-heal before the
	// call is torn down. Shorter than DisconnectGrace because failed rarely
	// recovers. Default: 3s.
	FailureGrace time.Duration

	// EndRaceWindow bounds the start/end race suppression: a local call-end
	// fired within this window of our own call-start, with a measured
	// duration under the window, is treated as spurious. Default: 2s.
	EndRaceWindow time.Duration

	// ICEServers is the list of ICE servers (STUN/TURN) to use.
	ICEServers []webrtc.ICEServer

	// Media is the local media source. If nil, DefaultMediaSource() is used.
	Media MediaSource

	// EngineFactory overrides how negotiation engines are created. If nil,
	// a pion-backed engine is built from ICEServers and Media. Tests inject
	// fakes through this.
	EngineFactory func() (Engine, error)
}

// DefaultConfig returns a Config with the standard timings.
func DefaultConfig() *Config {
	return &Config{
		RingTimeout:     30 * time.Second,
		DisconnectGrace: 10 * time.Second,
		FailureGrace:    3 * time.Second,
		EndRaceWindow:   2 * time.Second,
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}
