// Package notify provides the small publish/subscribe registry shared by the
// document, connection and client layers.
package notify

import "sync"

// Subscription is the handle returned by Registry.Subscribe.
type Subscription interface {
	Unsubscribe()
}

// Registry delivers values of type T to registered callbacks. Publish calls
// every callback synchronously on the caller's goroutine, in registration order.
type Registry[T any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []entry[T]
}

type entry[T any] struct {
	id uint64
	fn func(T)
}

type subscription[T any] struct {
	registry *Registry[T]
	id       uint64
	once     sync.Once
}

func (s *subscription[T]) Unsubscribe() {
	s.once.Do(func() {
		s.registry.remove(s.id)
	})
}

func (r *Registry[T]) Subscribe(fn func(T)) Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.subs = append(r.subs, entry[T]{id: r.nextID, fn: fn})
	return &subscription[T]{registry: r, id: r.nextID}
}

func (r *Registry[T]) Publish(value T) {
	r.mu.Lock()
	subs := make([]entry[T], len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()
	for _, sub := range subs {
		sub.fn(value)
	}
}

func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

func (r *Registry[T]) remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, sub := range r.subs {
		if sub.id == id {
			r.subs = append(r.subs[:i], r.subs[i+1:]...)
			return
		}
	}
}
