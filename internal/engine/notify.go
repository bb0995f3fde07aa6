package engine

import (
	"sync"

	"github.com/dmwatts/fieldsync/internal/store"
)

// Event is one observable sync status change.
type Event struct {
	Entity    store.EntityType `json:"entity"`
	ID        string           `json:"id"`
	ProjectID string           `json:"project_id,omitempty"`
	Status    store.SyncStatus `json:"status"`
	Error     string           `json:"error,omitempty"`
}

// Notifier fans sync status changes out to subscribers. Publishing never
// blocks: a subscriber that stops draining its channel loses events
// rather than stalling the engine.
type Notifier struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// NewNotifier creates an empty notifier.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]chan Event)}
}

// Subscribe registers a new observer. The returned cancel function must
// be called to release the subscription.
func (n *Notifier) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	n.mu.Lock()
	id := n.next
	n.next++
	ch := make(chan Event, buffer)
	n.subs[id] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		if ch, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(ch)
		}
		n.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber without blocking.
func (n *Notifier) Publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
