/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Chatline Communications
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"encoding/json"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/chatline/chatline-go/signaling"
)

// ---- Fakes ----

type fakeEngine struct {
	mu        sync.Mutex
	remoteSet bool
	applied   []webrtc.ICECandidateInit
	closed    bool

	// acceptStarted is closed when AcceptOffer begins; acceptRelease, if
	// set, blocks AcceptOffer until closed. Used to open the accept
	// critical section in race tests.
	acceptStarted chan struct{}
	acceptRelease chan struct{}

	// addHook runs at the top of every AddCandidate.
	addHook func()

	onTrack func(*webrtc.TrackRemote)
	onCand  func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
}

func (e *fakeEngine) CreateOffer() (string, error) { return "offer-sdp", nil }

func (e *fakeEngine) AcceptOffer(remoteSDP string) (string, error) {
	if e.acceptStarted != nil {
		close(e.acceptStarted)
		e.acceptStarted = nil
	}
	if e.acceptRelease != nil {
		<-e.acceptRelease
	}
	e.mu.Lock()
	e.remoteSet = true
	e.mu.Unlock()
	return "answer-sdp", nil
}

func (e *fakeEngine) ApplyAnswer(remoteSDP string) error {
	e.mu.Lock()
	e.remoteSet = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) AddCandidate(c webrtc.ICECandidateInit) error {
	if e.addHook != nil {
		e.addHook()
	}
	e.mu.Lock()
	e.applied = append(e.applied, c)
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) HasRemoteDescription() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.remoteSet
}

func (e *fakeEngine) OnTrack(h func(*webrtc.TrackRemote))                 { e.onTrack = h }
func (e *fakeEngine) OnLocalCandidate(h func(webrtc.ICECandidateInit))    { e.onCand = h }
func (e *fakeEngine) OnConnectionStateChange(h func(webrtc.PeerConnectionState)) { e.onState = h }

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *fakeEngine) fireTrack() {
	if e.onTrack != nil {
		e.onTrack(nil)
	}
}

func (e *fakeEngine) fireState(s webrtc.PeerConnectionState) {
	if e.onState != nil {
		e.onState(s)
	}
}

func (e *fakeEngine) appliedCandidates() []webrtc.ICECandidateInit {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(e.applied))
	copy(out, e.applied)
	return out
}

func (e *fakeEngine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

type fakeSignaler struct {
	mu   sync.Mutex
	sent []*signaling.Message
}

func (f *fakeSignaler) Send(msg *signaling.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSignaler) messages() []*signaling.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*signaling.Message, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSignaler) count(t signaling.MessageType) int {
	n := 0
	for _, m := range f.messages() {
		if m.Type == t {
			n++
		}
	}
	return n
}

// ---- Helpers ----

func testConfig(eng Engine) *Config {
	cfg := DefaultConfig()
	cfg.EngineFactory = func() (Engine, error) { return eng, nil }
	return cfg
}

func newTestSession(role Role, cfg *Config) (*Session, *fakeSignaler) {
	sig := &fakeSignaler{}
	logger := log.New(io.Discard, "", 0)
	return newSession(role, "user-self", "user-peer", "conv-1", "Peer", cfg, logger, sig, nil), sig
}

func candidateMsg(t *testing.T, candidate string) *signaling.Message {
	t.Helper()
	data, err := json.Marshal(webrtc.ICECandidateInit{Candidate: candidate})
	if err != nil {
		t.Fatalf("marshal candidate: %v", err)
	}
	return &signaling.Message{
		Type:           signaling.MessageICECandidate,
		FromUserID:     "user-peer",
		ConversationID: "conv-1",
		Candidate:      data,
	}
}

func offerMsg() *signaling.Message {
	return &signaling.Message{
		Type:           signaling.MessageOffer,
		FromUserID:     "user-peer",
		ConversationID: "conv-1",
		SDP:            "remote-offer-sdp",
	}
}

// ---- Outgoing call ----

func TestOutgoingCall(t *testing.T) {
	t.Run("start sends offer then ring", func(t *testing.T) {
		eng := &fakeEngine{}
		sess, sig := newTestSession(RoleCaller, testConfig(eng))

		if err := sess.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if sess.State() != CallStateOutgoingRinging {
			t.Errorf("Expected state %s, got %s", CallStateOutgoingRinging, sess.State())
		}
		if !sess.ring.IsRinging() {
			t.Error("Expected outgoing ringing to be active")
		}

		msgs := sig.messages()
		if len(msgs) != 2 {
			t.Fatalf("Expected 2 messages, got %d", len(msgs))
		}
		if msgs[0].Type != signaling.MessageOffer || msgs[0].SDP != "offer-sdp" {
			t.Errorf("Expected offer first, got %s", msgs[0].Type)
		}
		if msgs[1].Type != signaling.MessageRing {
			t.Errorf("Expected ring second, got %s", msgs[1].Type)
		}
		if msgs[0].ToUserID != "user-peer" || msgs[0].ConversationID != "conv-1" {
			t.Errorf("Offer misaddressed: %+v", msgs[0])
		}
	})

	t.Run("start twice fails", func(t *testing.T) {
		eng := &fakeEngine{}
		sess, _ := newTestSession(RoleCaller, testConfig(eng))
		if err := sess.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := sess.Start(); err != ErrInvalidState {
			t.Errorf("Expected ErrInvalidState, got %v", err)
		}
	})

	t.Run("answer stops ringing before candidates apply", func(t *testing.T) {
		eng := &fakeEngine{}
		sess, _ := newTestSession(RoleCaller, testConfig(eng))
		if err := sess.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		// Buffer candidates while the remote description is absent.
		sess.HandleCandidate(candidateMsg(t, "cand-1"))
		sess.HandleCandidate(candidateMsg(t, "cand-2"))
		if got := sess.candidates.Len(); got != 2 {
			t.Fatalf("Expected 2 buffered candidates, got %d", got)
		}

		ringingAtApply := false
		eng.addHook = func() {
			if sess.ring.IsRinging() {
				ringingAtApply = true
			}
		}

		sess.HandleAnswer(&signaling.Message{
			Type:       signaling.MessageAnswer,
			FromUserID: "user-peer",
			SDP:        "remote-answer-sdp",
		})

		if ringingAtApply {
			t.Error("Candidates were applied while still ringing")
		}
		if sess.State() != CallStateNegotiating {
			t.Errorf("Expected state %s, got %s", CallStateNegotiating, sess.State())
		}
		applied := eng.appliedCandidates()
		if len(applied) != 2 {
			t.Fatalf("Expected 2 applied candidates, got %d", len(applied))
		}
		if applied[0].Candidate != "cand-1" || applied[1].Candidate != "cand-2" {
			t.Errorf("Candidates applied out of order: %v", applied)
		}
	})

	t.Run("track connects and sends call-start once", func(t *testing.T) {
		eng := &fakeEngine{}
		sess, sig := newTestSession(RoleCaller, testConfig(eng))
		if err := sess.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		sess.HandleAnswer(&signaling.Message{Type: signaling.MessageAnswer, SDP: "remote-answer-sdp"})

		eng.fireTrack()
		eng.fireTrack()

		if sess.State() != CallStateConnected {
			t.Errorf("Expected state %s, got %s", CallStateConnected, sess.State())
		}
		if sess.ring.IsRinging() {
			t.Error("Ringing should stop on connect")
		}
		if got := sig.count(signaling.MessageCallStart); got != 1 {
			t.Errorf("Expected exactly 1 call-start, got %d", got)
		}
	})

	t.Run("call-start connects the ringing caller", func(t *testing.T) {
		eng := &fakeEngine{}
		sess, _ := newTestSession(RoleCaller, testConfig(eng))
		if err := sess.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		sess.HandleCallStart(&signaling.Message{Type: signaling.MessageCallStart})
		if sess.State() != CallStateConnected {
			t.Errorf("Expected state %s, got %s", CallStateConnected, sess.State())
		}
		if sess.ring.IsRinging() {
			t.Error("Ringing should stop on call-start")
		}
	})

	t.Run("answer ignored on callee session", func(t *testing.T) {
		eng := &fakeEngine{}
		sess, _ := newTestSession(RoleCallee, testConfig(eng))
		sess.HandleAnswer(&signaling.Message{Type: signaling.MessageAnswer, SDP: "sdp"})
		if sess.State() != CallStateIdle {
			t.Errorf("Expected idle, got %s", sess.State())
		}
	})
}

// ---- Incoming call ----

func TestIncomingCall(t *testing.T) {
	t.Run("ring then offer then accept", func(t *testing.T) {
		eng := &fakeEngine{}
		sess, sig := newTestSession(RoleCallee, testConfig(eng))

		sess.HandleRing(&signaling.Message{Type: signaling.MessageRing, FromUserID: "user-peer", ConversationID: "conv-1"})
		if sess.State() != CallStateIncomingRinging {
			t.Fatalf("Expected state %s, got %s", CallStateIncomingRinging, sess.State())
		}
		if !sess.ring.IsRinging() {
			t.Error("Expected incoming ringing")
		}

		// Accept before the offer arrives is refused.
		if err := sess.Accept(); err != ErrNoPendingOffer {
			t.Fatalf("Expected ErrNoPendingOffer, got %v", err)
		}

		sess.HandleOffer(offerMsg())
		sess.HandleCandidate(candidateMsg(t, "early-cand"))

		if err := sess.Accept(); err != nil {
			t.Fatalf("Accept failed: %v", err)
		}
		if sess.State() != CallStateConnected {
			t.Errorf("Expected state %s, got %s", CallStateConnected, sess.State())
		}
		if sess.ring.IsRinging() {
			t.Error("Ringing should stop on accept")
		}
		if got := sig.count(signaling.MessageAnswer); got != 1 {
			t.Errorf("Expected 1 answer sent, got %d", got)
		}
		applied := eng.appliedCandidates()
		if len(applied) != 1 || applied[0].Candidate != "early-cand" {
			t.Errorf("Expected buffered candidate to flush, got %v", applied)
		}
	})

	t.Run("offer alone starts ringing", func(t *testing.T) {
		eng := &fakeEngine{}
		sess, _ := newTestSession(RoleCallee, testConfig(eng))
		sess.HandleOffer(offerMsg())
		if sess.State() != CallStateIncomingRinging {
			t.Errorf("Expected state %s, got %s", CallStateIncomingRinging, sess.State())
		}
		if !sess.ring.IsRinging() {
			t.Error("Expected ringing after offer")
		}
	})

	t.Run("duplicate offer keeps first", func(t *testing.T) {
		eng := &fakeEngine{}
		sess, _ := newTestSession(RoleCallee, testConfig(eng))
		sess.HandleOffer(offerMsg())
		dup := offerMsg()
		dup.SDP = "second-offer-sdp"
		sess.HandleOffer(dup)

		sess.mu.Lock()
		pending := sess.pendingOffer
		sess.mu.Unlock()
		if pending != "remote-offer-sdp" {
			t.Errorf("Expected first offer retained, got %q", pending)
		}
	})

	t.Run("reject sends reject and tears down", func(t *testing.T) {
		eng := &fakeEngine{}
		sess, sig := newTestSession(RoleCallee, testConfig(eng))
		sess.HandleRing(&signaling.Message{Type: signaling.MessageRing})

		if err := sess.Reject(); err != nil {
			t.Fatalf("Reject failed: %v", err)
		}
		if sess.State() != CallStateEnded {
			t.Errorf("Expected state %s, got %s", CallStateEnded, sess.State())
		}
		if got := sig.count(signaling.MessageReject); got != 1 {
			t.Errorf("Expected 1 reject sent, got %d", got)
		}
		if err := sess.Reject(); err != ErrInvalidState {
			t.Errorf("Second reject should fail with ErrInvalidState, got %v", err)
		}
	})

	t.Run("call-start before accept is ignored", func(t *testing.T) {
		eng := &fakeEngine{}
		sess, _ := newTestSession(RoleCallee, testConfig(eng))
		sess.HandleRing(&signaling.Message{Type: signaling.MessageRing})

		// The callee has no engine yet; a stray call-start must not fake
		// a connection.
		sess.HandleCallStart(&signaling.Message{Type: signaling.MessageCallStart})
		if sess.State() != CallStateIncomingRinging {
			t.Errorf("Expected state %s, got %s", CallStateIncomingRinging, sess.State())
		}
		if !sess.ring.IsRinging() {
			t.Error("Ringing should continue until the user accepts")
		}
	})
}

// ---- Race rules ----

func TestDoubleAcceptCreatesOneEngine(t *testing.T) {
	created := 0
	release := make(chan struct{})
	started := make(chan struct{})
	eng := &fakeEngine{acceptStarted: started, acceptRelease: release}

	cfg := DefaultConfig()
	cfg.EngineFactory = func() (Engine, error) {
		created++
		return eng, nil
	}
	sess, _ := newTestSession(RoleCallee, cfg)
	sess.HandleOffer(offerMsg())

	done := make(chan error, 1)
	go func() { done <- sess.Accept() }()
	<-started

	// Second tap while the first accept is still in flight.
	if err := sess.Accept(); err != nil {
		t.Errorf("Second accept should be a silent no-op, got %v", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("First accept failed: %v", err)
	}
	if created != 1 {
		t.Errorf("Expected exactly 1 engine, created %d", created)
	}
	if sess.State() != CallStateConnected {
		t.Errorf("Expected state %s, got %s", CallStateConnected, sess.State())
	}
}

func TestHangupDuringAcceptIsSwallowed(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	eng := &fakeEngine{acceptStarted: started, acceptRelease: release}
	sess, sig := newTestSession(RoleCallee, testConfig(eng))
	sess.HandleOffer(offerMsg())

	done := make(chan error, 1)
	go func() { done <- sess.Accept() }()
	<-started

	// A stale hang-up control fires mid-accept: swallowed, nothing sent.
	if err := sess.Hangup(); err != nil {
		t.Errorf("Hangup during accept should return nil, got %v", err)
	}
	if got := sig.count(signaling.MessageCallEnd); got != 0 {
		t.Errorf("Expected no call-end, got %d", got)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if sess.State() != CallStateConnected {
		t.Errorf("Call should connect despite the swallowed hangup, got %s", sess.State())
	}
}

func TestEndRaceSuppression(t *testing.T) {
	t.Run("hangup right after call-start is suppressed", func(t *testing.T) {
		eng := &fakeEngine{}
		sess, sig := newTestSession(RoleCaller, testConfig(eng))
		if err := sess.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		sess.HandleAnswer(&signaling.Message{Type: signaling.MessageAnswer, SDP: "sdp"})
		eng.fireTrack()

		if err := sess.Hangup(); err != nil {
			t.Fatalf("Hangup failed: %v", err)
		}
		if got := sig.count(signaling.MessageCallEnd); got != 0 {
			t.Errorf("Expected suppressed call-end, got %d", got)
		}
		if sess.State() != CallStateConnected {
			t.Errorf("Suppressed hangup should leave the call connected, got %s", sess.State())
		}
	})

	t.Run("hangup after the window ends the call", func(t *testing.T) {
		eng := &fakeEngine{}
		cfg := testConfig(eng)
		cfg.EndRaceWindow = 30 * time.Millisecond
		sess, sig := newTestSession(RoleCaller, cfg)
		if err := sess.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		sess.HandleAnswer(&signaling.Message{Type: signaling.MessageAnswer, SDP: "sdp"})
		eng.fireTrack()

		time.Sleep(60 * time.Millisecond)
		if err := sess.Hangup(); err != nil {
			t.Fatalf("Hangup failed: %v", err)
		}
		if got := sig.count(signaling.MessageCallEnd); got != 1 {
			t.Errorf("Expected 1 call-end, got %d", got)
		}
		if sess.State() != CallStateEnded {
			t.Errorf("Expected state %s, got %s", CallStateEnded, sess.State())
		}
		if !eng.isClosed() {
			t.Error("Engine should be closed after hangup")
		}
	})

	t.Run("hangup without call-start sent is not suppressed", func(t *testing.T) {
		eng := &fakeEngine{}
		sess, sig := newTestSession(RoleCallee, testConfig(eng))
		sess.HandleOffer(offerMsg())
		if err := sess.Accept(); err != nil {
			t.Fatalf("Accept failed: %v", err)
		}

		if err := sess.Hangup(); err != nil {
			t.Fatalf("Hangup failed: %v", err)
		}
		if got := sig.count(signaling.MessageCallEnd); got != 1 {
			t.Errorf("Expected 1 call-end, got %d", got)
		}
	})
}

// ---- Timers ----

func TestRingTimeout(t *testing.T) {
	t.Run("unanswered outgoing call times out", func(t *testing.T) {
		eng := &fakeEngine{}
		cfg := testConfig(eng)
		cfg.RingTimeout = 25 * time.Millisecond
		sess, _ := newTestSession(RoleCaller, cfg)

		timedOut := make(chan struct{}, 1)
		sess.Emitter.On(string(CallEventTimeout), func(data interface{}) {
			timedOut <- struct{}{}
		})

		if err := sess.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		select {
		case <-timedOut:
		case <-time.After(500 * time.Millisecond):
			t.Fatal("Expected ring timeout")
		}
		if sess.State() != CallStateEnded {
			t.Errorf("Expected state %s, got %s", CallStateEnded, sess.State())
		}
		if !eng.isClosed() {
			t.Error("Engine should be closed after timeout")
		}
	})

	t.Run("accept in flight survives the timeout", func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan struct{})
		eng := &fakeEngine{acceptStarted: started, acceptRelease: release}
		cfg := testConfig(eng)
		cfg.RingTimeout = 25 * time.Millisecond
		sess, sig := newTestSession(RoleCallee, cfg)
		sess.HandleOffer(offerMsg())

		done := make(chan error, 1)
		go func() { done <- sess.Accept() }()
		<-started

		// The ring timer stays armed until AcceptOffer returns; let it
		// fire while media acquisition is still blocked.
		time.Sleep(80 * time.Millisecond)
		close(release)
		if err := <-done; err != nil {
			t.Fatalf("Accept failed: %v", err)
		}

		if sess.State() != CallStateConnected {
			t.Errorf("Accepted call was torn down by the ring timer, got %s", sess.State())
		}
		if got := sig.count(signaling.MessageAnswer); got != 1 {
			t.Errorf("Expected 1 answer, got %d", got)
		}
		if eng.isClosed() {
			t.Error("Engine should survive the ring timer")
		}
	})

	t.Run("answered call does not time out", func(t *testing.T) {
		eng := &fakeEngine{}
		cfg := testConfig(eng)
		cfg.RingTimeout = 25 * time.Millisecond
		sess, _ := newTestSession(RoleCaller, cfg)
		if err := sess.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		sess.HandleAnswer(&signaling.Message{Type: signaling.MessageAnswer, SDP: "sdp"})

		time.Sleep(80 * time.Millisecond)
		if sess.State() != CallStateNegotiating {
			t.Errorf("Expected state %s, got %s", CallStateNegotiating, sess.State())
		}
	})
}

func TestTransportGrace(t *testing.T) {
	connect := func(t *testing.T, cfg *Config, eng *fakeEngine) *Session {
		t.Helper()
		sess, _ := newTestSession(RoleCaller, cfg)
		if err := sess.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		sess.HandleAnswer(&signaling.Message{Type: signaling.MessageAnswer, SDP: "sdp"})
		eng.fireTrack()
		return sess
	}

	t.Run("disconnect that heals within grace survives", func(t *testing.T) {
		eng := &fakeEngine{}
		cfg := testConfig(eng)
		cfg.DisconnectGrace = 50 * time.Millisecond
		sess := connect(t, cfg, eng)

		eng.fireState(webrtc.PeerConnectionStateDisconnected)
		time.Sleep(10 * time.Millisecond)
		eng.fireState(webrtc.PeerConnectionStateConnected)

		time.Sleep(100 * time.Millisecond)
		if sess.State() != CallStateConnected {
			t.Errorf("Healed transport should keep the call, got %s", sess.State())
		}
	})

	t.Run("disconnect past grace tears down", func(t *testing.T) {
		eng := &fakeEngine{}
		cfg := testConfig(eng)
		cfg.DisconnectGrace = 20 * time.Millisecond
		sess := connect(t, cfg, eng)

		eng.fireState(webrtc.PeerConnectionStateDisconnected)
		time.Sleep(100 * time.Millisecond)
		if sess.State() != CallStateEnded {
			t.Errorf("Expected state %s, got %s", CallStateEnded, sess.State())
		}
		if !eng.isClosed() {
			t.Error("Engine should be closed after grace expiry")
		}
	})

	t.Run("failed transport uses the shorter grace", func(t *testing.T) {
		eng := &fakeEngine{}
		cfg := testConfig(eng)
		cfg.DisconnectGrace = time.Hour
		cfg.FailureGrace = 20 * time.Millisecond
		sess := connect(t, cfg, eng)

		eng.fireState(webrtc.PeerConnectionStateFailed)
		time.Sleep(100 * time.Millisecond)
		if sess.State() != CallStateEnded {
			t.Errorf("Expected state %s, got %s", CallStateEnded, sess.State())
		}
	})
}

// ---- Teardown / remote end ----

func TestTeardown(t *testing.T) {
	t.Run("idempotent on a bare session", func(t *testing.T) {
		eng := &fakeEngine{}
		sess, _ := newTestSession(RoleCallee, testConfig(eng))
		sess.Teardown("test")
		sess.Teardown("test")
		if sess.State() != CallStateEnded {
			t.Errorf("Expected state %s, got %s", CallStateEnded, sess.State())
		}
	})

	t.Run("remote call-end tears down once", func(t *testing.T) {
		eng := &fakeEngine{}
		sess, sig := newTestSession(RoleCaller, testConfig(eng))
		if err := sess.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		ended := 0
		sess.Emitter.On(string(CallEventRemoteEnded), func(data interface{}) { ended++ })

		end := &signaling.Message{Type: signaling.MessageCallEnd}
		sess.HandleCallEnd(end)
		sess.HandleCallEnd(end)

		if ended != 1 {
			t.Errorf("Expected 1 remote_ended event, got %d", ended)
		}
		if sess.State() != CallStateEnded {
			t.Errorf("Expected state %s, got %s", CallStateEnded, sess.State())
		}
		// Hangup after teardown is a no-op and sends nothing further.
		if err := sess.Hangup(); err != nil {
			t.Errorf("Hangup after end should return nil, got %v", err)
		}
		if got := sig.count(signaling.MessageCallEnd); got != 0 {
			t.Errorf("Expected no call-end sent, got %d", got)
		}
	})

	t.Run("remote reject emits rejected", func(t *testing.T) {
		eng := &fakeEngine{}
		sess, _ := newTestSession(RoleCaller, testConfig(eng))
		if err := sess.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		rejected := false
		sess.Emitter.On(string(CallEventRejected), func(data interface{}) { rejected = true })
		sess.HandleReject(&signaling.Message{Type: signaling.MessageReject})

		if !rejected {
			t.Error("Expected rejected event")
		}
		if sess.State() != CallStateEnded {
			t.Errorf("Expected state %s, got %s", CallStateEnded, sess.State())
		}
	})

}

// ---- Candidates ----

func TestHandleCandidate(t *testing.T) {
	t.Run("applies directly after flush", func(t *testing.T) {
		eng := &fakeEngine{}
		sess, _ := newTestSession(RoleCallee, testConfig(eng))
		sess.HandleOffer(offerMsg())
		sess.HandleCandidate(candidateMsg(t, "before"))
		if err := sess.Accept(); err != nil {
			t.Fatalf("Accept failed: %v", err)
		}
		sess.HandleCandidate(candidateMsg(t, "after"))

		applied := eng.appliedCandidates()
		if len(applied) != 2 {
			t.Fatalf("Expected 2 applied candidates, got %d", len(applied))
		}
		if applied[0].Candidate != "before" || applied[1].Candidate != "after" {
			t.Errorf("Unexpected candidate order: %v", applied)
		}
		if sess.candidates.Len() != 0 {
			t.Errorf("Buffer should be empty, has %d", sess.candidates.Len())
		}
	})

	t.Run("malformed candidate is discarded", func(t *testing.T) {
		eng := &fakeEngine{}
		sess, _ := newTestSession(RoleCallee, testConfig(eng))
		sess.HandleCandidate(&signaling.Message{
			Type:      signaling.MessageICECandidate,
			Candidate: json.RawMessage(`{"candidate":`),
		})
		if sess.candidates.Len() != 0 {
			t.Errorf("Malformed candidate should not be buffered")
		}
	})
}

func TestSnapshot(t *testing.T) {
	eng := &fakeEngine{}
	sess, _ := newTestSession(RoleCaller, testConfig(eng))
	snap := sess.Snapshot()
	if snap.State != CallStateIdle || snap.PeerName != "Peer" || snap.ElapsedSeconds != 0 {
		t.Errorf("Unexpected snapshot: %+v", snap)
	}
}
