package progress

import (
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"
)

// subscriberBuffer is the per-subscriber event buffer.
const subscriberBuffer = 64

// Subscriber receives events matching its filter.
type Subscriber struct {
	ID     string
	Filter *Filter
	Events chan Event
}

// Hub broadcasts progress events to in-process subscribers. Slow
// subscribers lose events rather than blocking conversions.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	logger      *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		logger:      logger.With(slog.String("component", "progress_hub")),
	}
}

// Subscribe registers a subscriber. Callers must Unsubscribe when done.
func (h *Hub) Subscribe(filter *Filter) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub := &Subscriber{
		ID:     ulid.Make().String(),
		Filter: filter,
		Events: make(chan Event, subscriberBuffer),
	}
	h.subscribers[sub.ID] = sub
	h.logger.Debug("subscriber added", slog.String("subscriber_id", sub.ID))
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if sub, ok := h.subscribers[id]; ok {
		close(sub.Events)
		delete(h.subscribers, id)
	}
}

// Publish delivers ev to every matching subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		if !sub.Filter.Matches(ev) {
			continue
		}
		select {
		case sub.Events <- ev:
		default:
			h.logger.Warn("subscriber event channel full, dropping event",
				slog.String("subscriber_id", sub.ID),
				slog.String("job_id", ev.JobID.String()),
			)
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
