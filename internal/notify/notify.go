// Package notify delivers typed notifications to any number of subscribers.
package notify

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Broadcaster fans a value out to every current subscriber. Handlers run
// synchronously on the publishing goroutine, in subscription order, and must
// not block. The zero value is ready to use.
type Broadcaster[T any] struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]func(T)
	order    []uint64
}

// Subscription is the handle returned by Subscribe. Unsubscribe is idempotent.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Unsubscribe stops delivery to the subscriber. After it returns the handler
// is not called by later Publish calls.
func (s *Subscription) Unsubscribe() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
}

// Subscribe registers fn for every subsequent Publish.
func (b *Broadcaster[T]) Subscribe(fn func(T)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.handlers == nil {
		b.handlers = make(map[uint64]func(T))
	}

	id := b.nextID
	b.nextID++
	b.handlers[id] = fn
	b.order = append(b.order, id)

	return &Subscription{cancel: func() { b.remove(id) }}
}

func (b *Broadcaster[T]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.handlers, id)
	for i, v := range b.order {
		if v == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// Publish delivers value to the current subscribers. A panicking handler is
// logged and does not prevent delivery to the others.
func (b *Broadcaster[T]) Publish(value T) {
	b.mu.RLock()
	handlers := make([]func(T), 0, len(b.order))
	for _, id := range b.order {
		handlers = append(handlers, b.handlers[id])
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		deliver(fn, value)
	}
}

// Len reports the number of current subscribers.
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.order)
}

func deliver[T any](fn func(T), value T) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("notification handler panicked")
		}
	}()

	fn(value)
}
