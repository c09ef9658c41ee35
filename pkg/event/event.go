// Package event implements synchronous, ordered handler sets.
//
// Handlers run on the goroutine that emits, one after another in the order
// they were registered. A handler may remove itself or register new handlers
// while running; changes take effect from the next Emit.
package event

import "sync"

type entry[T any] struct {
	id uint64
	fn func(T)
}

// Handlers is an ordered set of callbacks for a single event. The zero value
// is ready to use.
type Handlers[T any] struct {
	mu      sync.RWMutex
	nextID  uint64
	entries []entry[T]
}

// Add registers fn and returns a function that removes it. Calling the
// returned function more than once is safe.
func (h *Handlers[T]) Add(fn func(T)) (remove func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.entries = append(h.entries, entry[T]{id: id, fn: fn})
	h.mu.Unlock()

	return func() { h.remove(id) }
}

func (h *Handlers[T]) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, e := range h.entries {
		if e.id == id {
			h.entries = append(h.entries[:i:i], h.entries[i+1:]...)
			return
		}
	}
}

// Emit calls every registered handler with v.
func (h *Handlers[T]) Emit(v T) {
	h.mu.RLock()
	snapshot := h.entries
	h.mu.RUnlock()

	for _, e := range snapshot {
		e.fn(v)
	}
}

// Len returns the number of registered handlers.
func (h *Handlers[T]) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// Clear removes every handler.
func (h *Handlers[T]) Clear() {
	h.mu.Lock()
	h.entries = nil
	h.mu.Unlock()
}

// Emitter maps event keys to handler sets. The zero value is ready to use.
type Emitter[K comparable, T any] struct {
	mu     sync.Mutex
	byKind map[K]*Handlers[T]
}

func (e *Emitter[K, T]) handlers(key K) *Handlers[T] {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.byKind == nil {
		e.byKind = make(map[K]*Handlers[T])
	}
	h, ok := e.byKind[key]
	if !ok {
		h = &Handlers[T]{}
		e.byKind[key] = h
	}
	return h
}

// On registers fn for key.
func (e *Emitter[K, T]) On(key K, fn func(T)) (remove func()) {
	return e.handlers(key).Add(fn)
}

// Emit calls the handlers registered for key.
func (e *Emitter[K, T]) Emit(key K, v T) {
	e.handlers(key).Emit(v)
}

// Clear removes the handlers of every key.
func (e *Emitter[K, T]) Clear() {
	e.mu.Lock()
	e.byKind = nil
	e.mu.Unlock()
}
