/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2025 Chatline Communications
 *
 * See CONTRIBUTORS.md for full contributor list.
 */

package calling

import "sync"

// EventHandler is a callback invoked with the event's payload.
type EventHandler func(data interface{})

type eventEntry struct {
	id int
	fn EventHandler
}

// EventEmitter fans session events out to UI listeners. Handlers run
// synchronously on the emitting goroutine, which is never holding the
// session mutex.
type EventEmitter struct {
	mu      sync.RWMutex
	nextID  int
	entries map[string][]eventEntry
}

// NewEventEmitter creates an empty EventEmitter.
func NewEventEmitter() *EventEmitter {
	return &EventEmitter{
		entries: make(map[string][]eventEntry),
	}
}

// On registers a handler for an event and returns a disposer that removes
// exactly that registration. A nil handler registers nothing and returns a
// no-op disposer.
func (e *EventEmitter) On(event string, handler EventHandler) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.entries[event] = append(e.entries[event], eventEntry{id: id, fn: handler})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		entries := e.entries[event]
		for i, entry := range entries {
			if entry.id == id {
				e.entries[event] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Off removes every handler registered for an event.
func (e *EventEmitter) Off(event string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.entries, event)
}

// Emit fires an event, calling handlers in registration order. The handler
// list is copied under the read lock so a handler may register or dispose
// listeners without deadlocking.
func (e *EventEmitter) Emit(event string, data interface{}) {
	e.mu.RLock()
	handlers := make([]EventHandler, 0, len(e.entries[event]))
	for _, entry := range e.entries[event] {
		handlers = append(handlers, entry.fn)
	}
	e.mu.RUnlock()

	for _, handler := range handlers {
		handler(data)
	}
}
