// Package events provides the per-entity publish/subscribe registry used by
// records, lists and counters.
package events

import (
	"sync"

	"github.com/mesh-intelligence/tablesync/pkg/types"
)

type listener struct {
	id uint64
	fn types.Listener
}

// Emitter is an explicit registry of listeners keyed by event name. Listeners
// are called outside the registry lock, in registration order, on the
// goroutine that calls Trigger.
type Emitter struct {
	mu        sync.Mutex
	next      uint64
	listeners map[string][]listener
	cleared   bool
}

// On registers fn for event and returns its id.
func (e *Emitter) On(event string, fn types.Listener) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.next++
	if e.cleared {
		return e.next
	}
	if e.listeners == nil {
		e.listeners = make(map[string][]listener)
	}
	e.listeners[event] = append(e.listeners[event], listener{id: e.next, fn: fn})
	return e.next
}

// Off removes the listener with the given id.
func (e *Emitter) Off(event string, id uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	ls := e.listeners[event]
	for i, l := range ls {
		if l.id != id {
			continue
		}
		rest := make([]listener, 0, len(ls)-1)
		rest = append(rest, ls[:i]...)
		e.listeners[event] = append(rest, ls[i+1:]...)
		if len(e.listeners[event]) == 0 {
			delete(e.listeners, event)
		}
		return true
	}
	return false
}

// Trigger calls every listener registered for event.
func (e *Emitter) Trigger(event string) {
	e.mu.Lock()
	ls := e.listeners[event]
	e.mu.Unlock()

	for _, l := range ls {
		l.fn()
	}
}

// Count returns the number of listeners registered for event.
func (e *Emitter) Count(event string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners[event])
}

// Clear drops every listener. Later registrations are ignored.
func (e *Emitter) Clear() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = nil
	e.cleared = true
}
