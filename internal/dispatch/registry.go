// Package dispatch routes inbound push events to subscribers.
//
// Handlers are isolated from each other: a panicking handler is recovered and
// reported, and the remaining handlers still run. Dispatch iterates over a
// snapshot, so handlers may subscribe or unsubscribe while being called.
package dispatch

import (
	"fmt"
	"sync"

	"github.com/AakeshF/legalai-portfolio-sub000/internal/protocol"
	"github.com/rs/zerolog"
)

// Wildcard is the reserved key matching every event type.
const Wildcard = "*"

// Handler receives one inbound frame.
type Handler func(*protocol.Frame)

// HandlerError reports a handler that panicked during dispatch.
type HandlerError struct {
	EventType string
	Value     any
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %q panicked: %v", e.EventType, e.Value)
}

// Listeners is an ordered set of callbacks of one type.
// The zero value is ready to use.
type Listeners[T any] struct {
	mu     sync.Mutex
	nextID uint64
	items  []listener[T]
}

type listener[T any] struct {
	id uint64
	fn func(T)
}

// Add registers fn and returns a function removing exactly this registration.
// Calling the returned function more than once is a no-op.
func (l *Listeners[T]) Add(fn func(T)) func() {
	l.mu.Lock()
	l.nextID++
	id := l.nextID
	l.items = append(l.items, listener[T]{id: id, fn: fn})
	l.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { l.remove(id) })
	}
}

func (l *Listeners[T]) remove(id uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, it := range l.items {
		if it.id == id {
			// Copy so snapshots taken by in-progress notifications stay intact.
			items := make([]listener[T], 0, len(l.items)-1)
			items = append(items, l.items[:i]...)
			l.items = append(items, l.items[i+1:]...)
			return
		}
	}
}

// Len returns the number of registrations.
func (l *Listeners[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

func (l *Listeners[T]) snapshot() []listener[T] {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.items
}

// Notify calls every registered callback with v in registration order.
// Panics are recovered per callback and returned.
func (l *Listeners[T]) Notify(v T) []any {
	var panics []any
	for _, it := range l.snapshot() {
		if r := call(it.fn, v); r != nil {
			panics = append(panics, r)
		}
	}
	return panics
}

func call[T any](fn func(T), v T) (recovered any) {
	defer func() {
		recovered = recover()
	}()
	fn(v)
	return nil
}

// Registry maps event types to handlers.
type Registry struct {
	log zerolog.Logger

	mu       sync.RWMutex
	handlers map[string]*Listeners[*protocol.Frame]
}

// NewRegistry creates an empty registry.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:      log.With().Str("component", "dispatch").Logger(),
		handlers: make(map[string]*Listeners[*protocol.Frame]),
	}
}

// Subscribe registers h for eventType (or Wildcard) and returns its unsubscribe
// function. An event type with no handlers left is forgotten.
func (r *Registry) Subscribe(eventType string, h Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.handlers[eventType]
	if !ok {
		set = &Listeners[*protocol.Frame]{}
		r.handlers[eventType] = set
	}
	remove := set.Add(h)

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			remove()
			if set.Len() == 0 && r.handlers[eventType] == set {
				delete(r.handlers, eventType)
			}
		})
	}
}

// Types returns the number of event types with at least one handler.
func (r *Registry) Types() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Count returns the number of handlers registered under eventType.
func (r *Registry) Count(eventType string) int {
	r.mu.RLock()
	set, ok := r.handlers[eventType]
	r.mu.RUnlock()
	if !ok {
		return 0
	}
	return set.Len()
}

// Dispatch delivers f to the handlers for f.Type, then to the wildcard handlers.
func (r *Registry) Dispatch(f *protocol.Frame) []error {
	var errs []error
	for _, key := range []string{f.Type, Wildcard} {
		if key == Wildcard && f.Type == Wildcard {
			continue
		}
		r.mu.RLock()
		set := r.handlers[key]
		r.mu.RUnlock()
		if set == nil {
			continue
		}

		for _, p := range set.Notify(f) {
			err := &HandlerError{EventType: f.Type, Value: p}
			r.log.Error().Err(err).Str("type", f.Type).Str("key", key).Msg("handler panicked")
			errs = append(errs, err)
		}
	}
	return errs
}
