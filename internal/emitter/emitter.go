// Package emitter is a small typed event emitter with a closed set of
// event names.
package emitter

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrUnknownEvent = errors.New("emitter: unknown event")

// Handle identifies one registered listener for Off.
type Handle uint64

type listener[P any] struct {
	handle Handle
	fn     func(P)
}

// Emitter dispatches payloads of type P to listeners keyed by event E.
// When constructed with allowed events, any other event name is rejected.
type Emitter[E ~string, P any] struct {
	mu        sync.RWMutex
	allowed   map[E]struct{}
	listeners map[E][]listener[P]
	next      Handle
}

// New returns an emitter restricted to allowed; no events means no
// restriction.
func New[E ~string, P any](allowed ...E) *Emitter[E, P] {
	e := &Emitter[E, P]{listeners: make(map[E][]listener[P])}
	if len(allowed) > 0 {
		e.allowed = make(map[E]struct{}, len(allowed))
		for _, ev := range allowed {
			e.allowed[ev] = struct{}{}
		}
	}
	return e
}

func (e *Emitter[E, P]) validate(event E) error {
	if e.allowed == nil {
		return nil
	}
	if _, ok := e.allowed[event]; ok {
		return nil
	}
	return fmt.Errorf("%w: %q is not one of %v", ErrUnknownEvent, string(event), e.Allowed())
}

// Allowed returns the accepted event names, sorted.
func (e *Emitter[E, P]) Allowed() []E {
	out := make([]E, 0, len(e.allowed))
	for ev := range e.allowed {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (e *Emitter[E, P]) On(event E, fn func(P)) (Handle, error) {
	if err := e.validate(event); err != nil {
		return 0, err
	}
	if fn == nil {
		return 0, errors.New("emitter: nil listener")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.next++
	e.listeners[event] = append(e.listeners[event], listener[P]{handle: e.next, fn: fn})
	return e.next, nil
}

// Off removes a listener. Removing an unknown handle is a no-op.
func (e *Emitter[E, P]) Off(event E, h Handle) error {
	if err := e.validate(event); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	ls := e.listeners[event]
	for i, l := range ls {
		if l.handle == h {
			e.listeners[event] = append(ls[:i:i], ls[i+1:]...)
			break
		}
	}
	return nil
}

// Emit calls every listener of event synchronously in registration order.
// A panicking listener is logged and does not stop the others.
func (e *Emitter[E, P]) Emit(event E, payload P) error {
	if err := e.validate(event); err != nil {
		return err
	}
	e.mu.RLock()
	ls := e.listeners[event]
	e.mu.RUnlock()
	for _, l := range ls {
		call(event, l.fn, payload)
	}
	return nil
}

func call[E ~string, P any](event E, fn func(P), payload P) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("emitter.Emit listener panic event=%s err=%v", string(event), r)
		}
	}()
	fn(payload)
}

func (e *Emitter[E, P]) Count(event E) (int, error) {
	if err := e.validate(event); err != nil {
		return 0, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[event]), nil
}

func (e *Emitter[E, P]) Has(event E) bool {
	n, err := e.Count(event)
	return err == nil && n > 0
}

// Clear drops every listener.
func (e *Emitter[E, P]) Clear() {
	e.mu.Lock()
	e.listeners = make(map[E][]listener[P])
	e.mu.Unlock()
}
