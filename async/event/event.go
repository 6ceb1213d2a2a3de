// Package event provides a typed, synchronous event primitive. Handlers run
// on the emitter's goroutine in subscription order, so when Emit returns the
// emitter knows every handler observed the value. That property is what lets
// the tower guarantee that block attachment handling finishes before the
// matching head update is announced.
package event

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Handler consumes an emitted value. A handler error aborts the emit and
// surfaces to the emitter.
type Handler[T any] func(context.Context, T) error

// Event dispatches values to subscribed handlers synchronously and in
// subscription order.
type Event[T any] struct {
	mu       sync.Mutex
	nextID   uint64
	handlers []*Subscription[T]
}

// Subscription identifies a subscribed handler.
type Subscription[T any] struct {
	ev      *Event[T]
	id      uint64
	name    string
	handler Handler[T]
}

// New constructs an event with no subscribers.
func New[T any]() *Event[T] {
	return &Event[T]{}
}

// Subscribe registers h under name. The name only appears in error and log
// output. Handlers run in the order they subscribed.
func (e *Event[T]) Subscribe(name string, h Handler[T]) *Subscription[T] {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	sub := &Subscription[T]{ev: e, id: e.nextID, name: name, handler: h}
	e.handlers = append(e.handlers, sub)
	return sub
}

// Unsubscribe removes the handler. Calling it more than once is a no-op.
func (s *Subscription[T]) Unsubscribe() {
	e := s.ev
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, sub := range e.handlers {
		if sub.id == s.id {
			e.handlers = append(e.handlers[:i], e.handlers[i+1:]...)
			return
		}
	}
}

// Emit invokes every handler with v on the calling goroutine, stopping at the
// first handler error. Handlers must not call Emit on the same event.
func (e *Event[T]) Emit(ctx context.Context, v T) error {
	e.mu.Lock()
	subs := make([]*Subscription[T], len(e.handlers))
	copy(subs, e.handlers)
	e.mu.Unlock()

	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := sub.handler(ctx, v); err != nil {
			return errors.Wrapf(err, "handler %q", sub.name)
		}
	}
	return nil
}
