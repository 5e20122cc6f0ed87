/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Chatline Communications
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"sync"
	"time"
)

// RingEvent is the payload for ring start/stop events.
type RingEvent struct {
	Direction RingDirection `json:"direction,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// RingController owns the audible/visual ringing side effect and the ring
// timeout. Start is idempotent; Stop is unconditional and always safe, even
// if ringing was never started. The actual tone and pulsing indicator are
// driven by the UI through the emitter's ring_start/ring_stop events.
type RingController struct {
	mu        sync.Mutex
	ringing   bool
	direction RingDirection
	timer     *time.Timer

	timeout   time.Duration
	emitter   *EventEmitter
	onTimeout func()

	// guard reports whether ringing may start. Ringing never starts once
	// the session has been answered or connected.
	guard func() bool
}

// NewRingController creates a RingController. onTimeout fires once if ringing
// is still active when the timeout elapses; guard may be nil.
func NewRingController(timeout time.Duration, emitter *EventEmitter, guard func() bool, onTimeout func()) *RingController {
	return &RingController{
		timeout:   timeout,
		emitter:   emitter,
		guard:     guard,
		onTimeout: onTimeout,
	}
}

// StartRinging begins the ringing effect and arms the ring timeout.
// A no-op while already ringing, and a no-op if the guard refuses.
func (r *RingController) StartRinging(direction RingDirection) {
	r.mu.Lock()
	if r.ringing || (r.guard != nil && !r.guard()) {
		r.mu.Unlock()
		return
	}
	r.ringing = true
	r.direction = direction
	r.timer = time.AfterFunc(r.timeout, func() {
		r.mu.Lock()
		stillRinging := r.ringing
		r.mu.Unlock()
		if stillRinging && r.onTimeout != nil {
			r.onTimeout()
		}
	})
	r.mu.Unlock()

	r.emitter.Emit(string(CallEventRingStart), &RingEvent{Direction: direction})
}

// StopRinging unconditionally silences the effect and clears the ring
// timeout. Safe to call at any time, any number of times; the stop event is
// emitted only if ringing was actually active.
func (r *RingController) StopRinging(reason string) {
	r.mu.Lock()
	wasRinging := r.ringing
	r.ringing = false
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	direction := r.direction
	r.mu.Unlock()

	if wasRinging {
		r.emitter.Emit(string(CallEventRingStop), &RingEvent{Direction: direction, Reason: reason})
	}
}

// IsRinging reports whether the ringing effect is currently active.
func (r *RingController) IsRinging() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ringing
}
