// Package events provides an explicit publish/subscribe bus.
//
// Subscribers are invoked synchronously, in subscription order, on the
// publishing goroutine. Handlers must not block; long work belongs in a
// goroutine owned by the subscriber.
package events

import "sync"

// Bus fans out events of type E to its subscribers.
type Bus[E any] struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscriber[E]
}

type subscriber[E any] struct {
	id uint64
	fn func(E)
}

// New creates an empty bus.
func New[E any]() *Bus[E] {
	return &Bus[E]{}
}

// Subscribe registers fn and returns a function that removes it.
// The returned function is idempotent.
func (b *Bus[E]) Subscribe(fn func(E)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber[E]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus[E]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			// Copy instead of in-place delete: Publish may be iterating a previous snapshot.
			next := make([]subscriber[E], 0, len(b.subs)-1)
			next = append(next, b.subs[:i]...)
			next = append(next, b.subs[i+1:]...)
			b.subs = next
			return
		}
	}
}

// Publish delivers e to every current subscriber.
func (b *Bus[E]) Publish(e E) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	for _, s := range subs {
		s.fn(e)
	}
}

// Len returns the number of active subscribers.
func (b *Bus[E]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
