/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Chatline Communications
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

// CandidateBuffer holds remote ICE candidates that arrive before the remote
// description they depend on. Candidates and descriptions travel over the
// same unordered relay but are generated at different times, so either can
// arrive first. A candidate is never dropped: it is buffered until Flush
// applies every pending candidate in arrival order.
type CandidateBuffer struct {
	mu      sync.Mutex
	pending []webrtc.ICECandidateInit
	flushed bool
}

// NewCandidateBuffer creates an empty buffer.
func NewCandidateBuffer() *CandidateBuffer {
	return &CandidateBuffer{}
}

// Add stores a candidate for later application. Returns false once the
// buffer has been flushed, in which case the caller must apply the candidate
// directly (the remote description now exists).
func (b *CandidateBuffer) Add(c webrtc.ICECandidateInit) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.flushed {
		return false
	}
	b.pending = append(b.pending, c)
	return true
}

// Flush applies every buffered candidate, in arrival order, then clears the
// buffer. After Flush, Add refuses further buffering so candidates flow
// straight to the connection. Flush stops at the first application error;
// candidates already applied are not retried.
func (b *CandidateBuffer) Flush(apply func(webrtc.ICECandidateInit) error) error {
	b.mu.Lock()
	pending := b.pending
	b.pending = nil
	b.flushed = true
	b.mu.Unlock()

	for i, c := range pending {
		if err := apply(c); err != nil {
			return fmt.Errorf("error applying buffered candidate %d of %d: %w", i+1, len(pending), err)
		}
	}
	return nil
}

// Len returns the number of buffered candidates.
func (b *CandidateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Flushed reports whether the buffer has been flushed.
func (b *CandidateBuffer) Flushed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.flushed
}
