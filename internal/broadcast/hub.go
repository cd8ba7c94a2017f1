package broadcast

import (
	"context"
	"sync"
)

// Broadcaster fans logout events out to every subscriber of an identity key.
type Broadcaster interface {
	Subscribe(key string) *Subscription
	Publish(ctx context.Context, key string) error
}

// Subscription receives at most one pending event on C. Close is safe to call
// more than once and from any goroutine.
type Subscription struct {
	C <-chan struct{}

	key  string
	ch   chan struct{}
	hub  *Hub
	once sync.Once
}

func (s *Subscription) Key() string {
	return s.key
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s)
	})
}

// Hub is an in-process registry of subscriptions keyed by identity.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

func (h *Hub) Subscribe(key string) *Subscription {
	ch := make(chan struct{}, 1)
	sub := &Subscription{C: ch, key: key, ch: ch, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()

	set, ok := h.subs[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[key] = set
	}
	set[sub] = struct{}{}
	return sub
}

func (h *Hub) Publish(_ context.Context, key string) error {
	h.Deliver(key)
	return nil
}

// Deliver notifies the local subscribers of key and returns how many received
// a new event. A subscriber that has not yet drained its previous event is
// not notified twice.
func (h *Hub) Deliver(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for sub := range h.subs[key] {
		select {
		case sub.ch <- struct{}{}:
			delivered++
		default:
		}
	}
	return delivered
}

func (h *Hub) Subscribers(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key])
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.subs[sub.key]
	delete(set, sub)
	if len(set) == 0 {
		delete(h.subs, sub.key)
	}
}
