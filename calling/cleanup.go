/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Chatline Communications
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

// Teardown releases everything the session holds: ringing, grace timers and
// the negotiation engine. It is idempotent and safe to call from any state,
// including a session that never progressed past Idle.
func (s *Session) Teardown(reason string) {
	s.mu.Lock()
	post := s.teardownLocked(reason, "")
	s.mu.Unlock()
	post()
}

// teardownLocked performs the state/flag portion of teardown under s.mu and
// returns a closure with the parts that must run unlocked: stopping the
// ringing effect (whose guard takes s.mu), closing the engine (which may
// block on callback goroutines) and emitting events. Callers run the
// returned closure after releasing s.mu.
//
// A second teardown, however triggered, finds tornDown set and does
// nothing. Missing pieces (nil engine, already-stopped ringing) are each
// skipped individually, so a partially constructed session tears down as
// cleanly as a connected one.
func (s *Session) teardownLocked(reason string, emit CallEventKey) func() {
	if s.tornDown {
		return func() {}
	}
	s.tornDown = true

	s.state = CallStateEnded
	s.answered = false
	s.connected = false
	s.callStartSent = false
	s.callStartReceived = false
	s.accepting = false
	s.pendingOffer = ""

	s.stopGraceTimersLocked()

	engine := s.engine
	s.engine = nil

	return func() {
		s.ring.StopRinging(reason)
		if engine != nil {
			if err := engine.Close(); err != nil {
				s.logger.Printf("call [%s]: error closing engine: %v", s.ID, err)
			}
		}
		s.emitState()
		if emit != "" {
			s.Emitter.Emit(string(emit), s.Snapshot())
		}
		if s.onEnded != nil {
			s.onEnded()
		}
	}
}
