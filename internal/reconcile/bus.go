package reconcile

import (
	"sync"

	"github.com/stocktide/stocktide/internal/models"
)

// EventKind classifies a data-change notification.
type EventKind string

const (
	EventCreated   EventKind = "created"
	EventUpdated   EventKind = "updated"
	EventDeleted   EventKind = "deleted"
	EventRefreshed EventKind = "refreshed"
)

// Event announces that a collection's contents changed.
type Event struct {
	Collection models.Collection
	Kind       EventKind
	LocalID    int64
}

// Bus is a publish/subscribe registry for data-change notifications.
// Subscribers get an explicit handle and unsubscribe through it, so a view
// being torn down cannot leak its callback.
type Bus struct {
	mu   sync.Mutex
	next int64
	subs map[models.Collection]map[int64]func(Event)
}

func NewBus() *Bus {
	return &Bus{subs: make(map[models.Collection]map[int64]func(Event))}
}

// Subscription identifies one registered callback.
type Subscription struct {
	bus        *Bus
	collection models.Collection
	id         int64
}

// Subscribe registers fn for every event on collection. The callback runs
// synchronously on the publishing goroutine and must not block.
func (b *Bus) Subscribe(collection models.Collection, fn func(Event)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	if b.subs[collection] == nil {
		b.subs[collection] = make(map[int64]func(Event))
	}
	b.subs[collection][b.next] = fn
	return &Subscription{bus: b, collection: collection, id: b.next}
}

// Unsubscribe removes the callback. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	delete(s.bus.subs[s.collection], s.id)
}

// Publish delivers ev to every subscriber of its collection.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subs[ev.Collection]))
	for _, fn := range b.subs[ev.Collection] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}
