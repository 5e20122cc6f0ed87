/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Chatline Communications
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

// Package calling implements the call negotiation and lifecycle state
// machine. A Session owns all mutable call state (state, flags, timers)
// and is the only component that mutates it; the ring controller, candidate
// buffer and negotiation engine act strictly on commands issued from here.
package calling

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/chatline/chatline-go/chatlinesdk"
	"github.com/chatline/chatline-go/signaling"
)

// Signaler is the outbound half of the relay. Sends are fire-and-forget:
// delivery is never guaranteed and errors are advisory only.
type Signaler interface {
	Send(msg *signaling.Message) error
}

// Session is one active or pending call between two users. It is created
// when a user initiates or receives a ring and is never reused: a new call
// attempt always builds a fresh Session.
//
// Blocking engine work (media acquisition, description creation) happens
// outside the session mutex; every resumption point re-checks state and
// treats a mismatch as "this operation is stale, discard its result".
type Session struct {
	mu sync.Mutex

	cfg           *Config
	logger        chatlinesdk.Logger
	sig           Signaler
	engineFactory func() (Engine, error)
	onEnded       func()

	// ID identifies this call attempt in logs and events.
	ID string

	// Emitter publishes session events for UI rendering.
	Emitter *EventEmitter

	role           Role
	selfID         string
	peerID         string
	conversationID string
	peerName       string

	state        CallState
	engine       Engine
	ring         *RingController
	candidates   *CandidateBuffer
	pendingOffer string

	// Re-entrancy flags. answered and connected are write-once until
	// teardown; accepting guards the accept critical section.
	answered          bool
	connected         bool
	callStartSent     bool
	callStartReceived bool
	accepting         bool

	callStartedAt   time.Time
	callStartSentAt time.Time

	disconnectTimer *time.Timer
	failureTimer    *time.Timer
	lastTransport   webrtc.PeerConnectionState

	tornDown bool
}

func newSession(role Role, selfID, peerID, conversationID, peerName string,
	cfg *Config, logger chatlinesdk.Logger, sig Signaler, onEnded func()) *Session {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	factory := cfg.EngineFactory
	if factory == nil {
		factory = func() (Engine, error) {
			return NewPionEngine(cfg.ICEServers, cfg.Media)
		}
	}

	s := &Session{
		cfg:            cfg,
		logger:         logger,
		sig:            sig,
		engineFactory:  factory,
		onEnded:        onEnded,
		ID:             uuid.New().String(),
		Emitter:        NewEventEmitter(),
		role:           role,
		selfID:         selfID,
		peerID:         peerID,
		conversationID: conversationID,
		peerName:       peerName,
		state:          CallStateIdle,
		candidates:     NewCandidateBuffer(),
	}

	s.ring = NewRingController(cfg.RingTimeout, s.Emitter, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.answered && !s.connected && !s.tornDown
	}, s.onRingTimeout)

	return s
}

// State returns the current call state.
func (s *Session) State() CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Role returns which side of the call this session is.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// ConversationID returns the enclosing conversation's ID.
func (s *Session) ConversationID() string {
	return s.conversationID
}

// PeerID returns the counterpart's user ID.
func (s *Session) PeerID() string {
	return s.peerID
}

// Snapshot returns the session's UI-facing view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	elapsed := 0
	if !s.callStartedAt.IsZero() {
		elapsed = int(time.Since(s.callStartedAt).Seconds())
	}
	return Snapshot{State: s.state, PeerName: s.peerName, ElapsedSeconds: elapsed}
}

// ---- UI intents ----

// Start initiates an outbound call: it creates the offer, sends offer and
// ring to the peer and starts the outgoing ringing effect.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != CallStateIdle || s.role != RoleCaller {
		s.mu.Unlock()
		return ErrInvalidState
	}
	s.state = CallStateOutgoingRinging
	s.mu.Unlock()
	s.emitState()

	engine, err := s.engineFactory()
	if err != nil {
		s.fail(err)
		return err
	}
	s.wireEngine(engine)

	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		_ = engine.Close()
		return ErrInvalidState
	}
	s.engine = engine
	s.mu.Unlock()

	sdp, err := engine.CreateOffer()
	if err != nil {
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.tornDown || s.state != CallStateOutgoingRinging {
		// The call ended while the offer was being created.
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	_ = s.sig.Send(&signaling.Message{
		Type:           signaling.MessageOffer,
		ToUserID:       s.peerID,
		FromUserID:     s.selfID,
		ConversationID: s.conversationID,
		SDP:            sdp,
	})
	_ = s.sig.Send(&signaling.Message{
		Type:           signaling.MessageRing,
		ToUserID:       s.peerID,
		FromUserID:     s.selfID,
		ConversationID: s.conversationID,
	})
	s.ring.StartRinging(RingOutgoing)
	return nil
}

// Accept answers an incoming call. A second Accept while the first is still
// in flight is a no-op: exactly one negotiation engine is ever created.
func (s *Session) Accept() error {
	s.mu.Lock()
	if s.accepting {
		// Double-accept guard (rapid double-tap).
		s.mu.Unlock()
		return nil
	}
	if s.state != CallStateIncomingRinging {
		s.mu.Unlock()
		return ErrInvalidState
	}
	if s.pendingOffer == "" {
		s.mu.Unlock()
		return ErrNoPendingOffer
	}
	s.accepting = true
	offer := s.pendingOffer
	s.state = CallStateNegotiating
	s.mu.Unlock()
	s.emitState()

	engine, err := s.engineFactory()
	if err != nil {
		s.clearAccepting()
		s.fail(err)
		return err
	}
	s.wireEngine(engine)

	s.mu.Lock()
	if s.tornDown {
		s.accepting = false
		s.mu.Unlock()
		_ = engine.Close()
		return ErrInvalidState
	}
	s.engine = engine
	s.mu.Unlock()

	answerSDP, err := engine.AcceptOffer(offer)
	if err != nil {
		s.clearAccepting()
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.tornDown {
		// A reject or call-end arrived while media was being acquired;
		// teardown has already closed the engine. Discard the result.
		s.accepting = false
		s.mu.Unlock()
		return nil
	}
	s.answered = true
	s.connected = true
	if s.callStartedAt.IsZero() {
		s.callStartedAt = time.Now()
	}
	s.state = CallStateConnected
	s.accepting = false
	s.mu.Unlock()

	s.ring.StopRinging("accepted")
	_ = s.sig.Send(&signaling.Message{
		Type:           signaling.MessageAnswer,
		ToUserID:       s.peerID,
		FromUserID:     s.selfID,
		ConversationID: s.conversationID,
		SDP:            answerSDP,
	})
	s.flushCandidates()
	s.emitState()
	s.Emitter.Emit(string(CallEventConnected), s.Snapshot())
	return nil
}

// Reject declines an incoming call.
func (s *Session) Reject() error {
	s.mu.Lock()
	if s.state != CallStateIncomingRinging {
		s.mu.Unlock()
		return ErrInvalidState
	}
	msg := &signaling.Message{
		Type:           signaling.MessageReject,
		ToUserID:       s.peerID,
		FromUserID:     s.selfID,
		ConversationID: s.conversationID,
	}
	post := s.teardownLocked("rejected", "")
	s.mu.Unlock()

	_ = s.sig.Send(msg)
	post()
	return nil
}

// Hangup ends the call. Two races are handled structurally:
//
//   - a hang-up while an accept is in flight is swallowed (the accept
//     critical section can leave a stale hang-up control on screen);
//   - a hang-up within EndRaceWindow of our own call-start, with a measured
//     duration under the window, is treated as a spurious immediate hang-up
//     after a successful connect: nothing is sent and the session remains
//     Connected.
func (s *Session) Hangup() error {
	s.mu.Lock()
	if s.accepting {
		s.accepting = false
		s.mu.Unlock()
		return nil
	}
	if s.tornDown || s.state.terminal() {
		s.mu.Unlock()
		return nil
	}
	if s.suppressEndRaceLocked(time.Now()) {
		s.mu.Unlock()
		return nil
	}

	duration := 0
	if !s.callStartedAt.IsZero() {
		duration = int(time.Since(s.callStartedAt).Seconds())
	}
	s.state = CallStateEnding
	msg := &signaling.Message{
		Type:           signaling.MessageCallEnd,
		ToUserID:       s.peerID,
		FromUserID:     s.selfID,
		ConversationID: s.conversationID,
		DurationSec:    duration,
	}
	post := s.teardownLocked("hangup", "")
	s.mu.Unlock()

	_ = s.sig.Send(msg)
	post()
	return nil
}

// suppressEndRaceLocked is the start/end race suppression invariant: a local
// call-end racing our own just-sent call-start is presumed to be a spurious
// UI artifact, not user intent. Caller must hold s.mu.
func (s *Session) suppressEndRaceLocked(now time.Time) bool {
	if !s.callStartSent {
		return false
	}
	if now.Sub(s.callStartSentAt) >= s.cfg.EndRaceWindow {
		return false
	}
	duration := time.Duration(0)
	if !s.callStartedAt.IsZero() {
		duration = now.Sub(s.callStartedAt)
	}
	return duration < s.cfg.EndRaceWindow
}

func (s *Session) clearAccepting() {
	s.mu.Lock()
	s.accepting = false
	s.mu.Unlock()
}

// ---- Inbound relay events ----

// HandleRing processes an inbound ring. The offer may arrive separately.
func (s *Session) HandleRing(msg *signaling.Message) {
	s.mu.Lock()
	if s.tornDown || s.role != RoleCallee {
		s.mu.Unlock()
		return
	}
	changed := false
	if s.state == CallStateIdle {
		s.state = CallStateIncomingRinging
		changed = true
	}
	s.mu.Unlock()

	if changed {
		s.emitState()
		s.Emitter.Emit(string(CallEventIncomingCall), s.Snapshot())
	}
	s.ring.StartRinging(RingIncoming)
}

// HandleOffer processes an inbound offer. The first offer is retained until
// the user accepts; duplicates are ignored so the remote description is only
// ever applied once.
func (s *Session) HandleOffer(msg *signaling.Message) {
	s.mu.Lock()
	if s.tornDown || s.role != RoleCallee {
		s.mu.Unlock()
		return
	}
	if s.pendingOffer == "" {
		s.pendingOffer = msg.SDP
	}
	changed := false
	if s.state == CallStateIdle {
		s.state = CallStateIncomingRinging
		changed = true
	}
	s.mu.Unlock()

	if changed {
		s.emitState()
		s.Emitter.Emit(string(CallEventIncomingCall), s.Snapshot())
	}
	s.ring.StartRinging(RingIncoming)
}

// HandleAnswer processes the callee's answer on the caller side. Ringing
// stops and the answered flag is set before any buffered candidate is
// applied.
func (s *Session) HandleAnswer(msg *signaling.Message) {
	s.mu.Lock()
	if s.tornDown || s.role != RoleCaller {
		s.mu.Unlock()
		return
	}
	if s.state != CallStateOutgoingRinging && s.state != CallStateNegotiating {
		s.mu.Unlock()
		return
	}
	s.answered = true
	if s.state == CallStateOutgoingRinging {
		s.state = CallStateNegotiating
	}
	engine := s.engine
	s.mu.Unlock()

	s.ring.StopRinging("answered")
	s.emitState()

	if engine == nil {
		return
	}
	if err := engine.ApplyAnswer(msg.SDP); err != nil {
		s.fail(err)
		return
	}

	s.mu.Lock()
	stale := s.tornDown
	s.mu.Unlock()
	if stale {
		return
	}
	s.flushCandidates()
}

// HandleCandidate processes one remote network-path candidate. Candidates
// arriving before the remote description are buffered; once the buffer has
// flushed they apply directly.
func (s *Session) HandleCandidate(msg *signaling.Message) {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Candidate, &cand); err != nil {
		s.logger.Printf("call [%s]: discarding malformed candidate: %v", s.ID, err)
		return
	}

	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	engine := s.engine
	s.mu.Unlock()

	if engine == nil || !engine.HasRemoteDescription() {
		if s.candidates.Add(cand) {
			return
		}
	}
	if engine == nil {
		// Flushed buffer with no engine cannot happen; drop defensively.
		s.logger.Printf("call [%s]: candidate with no engine", s.ID)
		return
	}
	if err := engine.AddCandidate(cand); err != nil {
		s.fail(err)
	}
}

// HandleCallStart processes the relay's explicit call-start notice for this
// conversation. It connects a ringing caller (or one whose answer already
// arrived); a callee that has not accepted yet has no engine and stays
// ringing, because connecting it here would fabricate a call with no media.
func (s *Session) HandleCallStart(msg *signaling.Message) {
	s.mu.Lock()
	if s.tornDown || s.state.terminal() {
		s.mu.Unlock()
		return
	}
	if s.state != CallStateOutgoingRinging && !s.answered {
		s.mu.Unlock()
		return
	}
	s.callStartReceived = true
	s.connected = true
	if s.callStartedAt.IsZero() {
		s.callStartedAt = time.Now()
	}
	s.state = CallStateConnected
	s.mu.Unlock()

	s.ring.StopRinging("call_started")
	s.emitState()
	s.Emitter.Emit(string(CallEventConnected), s.Snapshot())
}

// HandleReject processes the peer's rejection.
func (s *Session) HandleReject(msg *signaling.Message) {
	s.mu.Lock()
	if s.tornDown || s.state.terminal() {
		s.mu.Unlock()
		return
	}
	post := s.teardownLocked("rejected", CallEventRejected)
	s.mu.Unlock()
	post()
}

// HandleCallEnd processes the peer's explicit termination notice.
func (s *Session) HandleCallEnd(msg *signaling.Message) {
	s.mu.Lock()
	if s.tornDown || s.state.terminal() {
		s.mu.Unlock()
		return
	}
	post := s.teardownLocked("remote_ended", CallEventRemoteEnded)
	s.mu.Unlock()
	post()
}

// ---- Engine events ----

func (s *Session) wireEngine(engine Engine) {
	engine.OnTrack(func(track *webrtc.TrackRemote) { s.handleTrack() })
	engine.OnLocalCandidate(s.handleLocalCandidate)
	engine.OnConnectionStateChange(s.handleTransportState)
}

// handleTrack fires when remote media becomes available. The call may reach
// Connected here before the relay's explicit call-start round-trip
// completes.
func (s *Session) handleTrack() {
	s.mu.Lock()
	if s.tornDown || s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.connected = true
	if s.callStartedAt.IsZero() {
		s.callStartedAt = time.Now()
	}
	s.state = CallStateConnected
	sendStart := !s.callStartSent
	if sendStart {
		s.callStartSent = true
		s.callStartSentAt = time.Now()
	}
	s.mu.Unlock()

	s.ring.StopRinging("connected")
	if sendStart {
		_ = s.sig.Send(&signaling.Message{
			Type:           signaling.MessageCallStart,
			ToUserID:       s.peerID,
			FromUserID:     s.selfID,
			ConversationID: s.conversationID,
		})
	}
	s.emitState()
	s.Emitter.Emit(string(CallEventConnected), s.Snapshot())
}

// handleLocalCandidate relays every locally gathered candidate immediately.
func (s *Session) handleLocalCandidate(c webrtc.ICECandidateInit) {
	data, err := json.Marshal(c)
	if err != nil {
		s.logger.Printf("call [%s]: error marshaling candidate: %v", s.ID, err)
		return
	}
	_ = s.sig.Send(&signaling.Message{
		Type:           signaling.MessageICECandidate,
		ToUserID:       s.peerID,
		FromUserID:     s.selfID,
		ConversationID: s.conversationID,
		Candidate:      data,
	})
}

// handleTransportState reacts to raw transport state changes. Degradation is
// not immediately fatal: disconnected gets a 10s grace timer and failed a 3s
// one, so a transport flap heals without tearing the call down.
func (s *Session) handleTransportState(st webrtc.PeerConnectionState) {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	s.lastTransport = st

	switch st {
	case webrtc.PeerConnectionStateConnected:
		s.stopGraceTimersLocked()
	case webrtc.PeerConnectionStateDisconnected:
		if s.disconnectTimer == nil {
			s.disconnectTimer = time.AfterFunc(s.cfg.DisconnectGrace, s.onGraceExpired)
		}
	case webrtc.PeerConnectionStateFailed:
		if s.failureTimer == nil {
			s.failureTimer = time.AfterFunc(s.cfg.FailureGrace, s.onGraceExpired)
		}
	}
	s.mu.Unlock()
}

// onGraceExpired fires when a grace timer elapses. If the transport healed
// in the meantime the timer was either stopped or the state check below
// clears it as a no-op.
func (s *Session) onGraceExpired() {
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	if s.lastTransport != webrtc.PeerConnectionStateDisconnected &&
		s.lastTransport != webrtc.PeerConnectionStateFailed {
		s.stopGraceTimersLocked()
		s.mu.Unlock()
		return
	}
	s.state = CallStateFailed
	post := s.teardownLocked("transport_failure", CallEventRemoteEnded)
	s.mu.Unlock()
	post()
}

func (s *Session) stopGraceTimersLocked() {
	if s.disconnectTimer != nil {
		s.disconnectTimer.Stop()
		s.disconnectTimer = nil
	}
	if s.failureTimer != nil {
		s.failureTimer.Stop()
		s.failureTimer = nil
	}
}

// onRingTimeout fires when ringing lasted the full ring timeout. It only
// tears down a call that is still in one of the two ringing states: an
// answer, a connect, or an accept still acquiring media all disarm it. The
// accepting check matters because a local accept leaves the ring timer armed
// until AcceptOffer returns.
func (s *Session) onRingTimeout() {
	s.mu.Lock()
	if s.tornDown || s.answered || s.connected || s.accepting {
		s.mu.Unlock()
		return
	}
	if s.state != CallStateOutgoingRinging && s.state != CallStateIncomingRinging {
		s.mu.Unlock()
		return
	}
	post := s.teardownLocked("timeout", CallEventTimeout)
	s.mu.Unlock()
	post()
}

// ---- Internals ----

func (s *Session) flushCandidates() {
	s.mu.Lock()
	engine := s.engine
	s.mu.Unlock()
	if engine == nil {
		return
	}
	if err := s.candidates.Flush(engine.AddCandidate); err != nil {
		s.fail(err)
	}
}

// fail tears the session down and surfaces err to the UI.
func (s *Session) fail(err error) {
	s.logger.Printf("call [%s]: fatal: %v", s.ID, err)
	s.mu.Lock()
	if s.tornDown {
		s.mu.Unlock()
		return
	}
	s.state = CallStateFailed
	post := s.teardownLocked("error", "")
	s.mu.Unlock()
	post()
	s.Emitter.Emit(string(CallEventError), err)
}

func (s *Session) emitState() {
	s.Emitter.Emit(string(CallEventStateChange), s.Snapshot())
}
