package notifier

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Subscriber struct {
	ID          uuid.UUID
	HierarchyID int64
	Outbound    chan Event
	done        chan struct{}
	once        sync.Once
}

// Done is closed once the subscriber is removed from the hub.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

// Hub fans events out to subscribers keyed by hierarchy id.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int64]map[*Subscriber]struct{}
	log    *zap.Logger
	buffer int
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		subs:   make(map[int64]map[*Subscriber]struct{}),
		log:    log.Named("hub"),
		buffer: 64,
	}
}

func (h *Hub) Subscribe(hierarchyID int64) *Subscriber {
	s := &Subscriber{
		ID:          uuid.New(),
		HierarchyID: hierarchyID,
		Outbound:    make(chan Event, h.buffer),
		done:        make(chan struct{}),
	}
	h.mu.Lock()
	if h.subs[hierarchyID] == nil {
		h.subs[hierarchyID] = make(map[*Subscriber]struct{})
	}
	h.subs[hierarchyID][s] = struct{}{}
	h.mu.Unlock()
	return s
}

// SubscribeContext registers a subscriber that is removed when ctx ends.
func (h *Hub) SubscribeContext(ctx context.Context, hierarchyID int64) *Subscriber {
	s := h.Subscribe(hierarchyID)
	go func() {
		select {
		case <-ctx.Done():
			h.Unsubscribe(s)
		case <-s.done:
		}
	}()
	return s
}

func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[s.HierarchyID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(h.subs, s.HierarchyID)
		}
	}
	h.mu.Unlock()
	s.once.Do(func() {
		close(s.done)
		close(s.Outbound)
	})
}

func (h *Hub) SubscriberCount(hierarchyID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[hierarchyID])
}

// Broadcast delivers evt to every subscriber of its hierarchy. A full outbound buffer drops the event for that subscriber.
func (h *Hub) Broadcast(evt Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.subs[evt.HierarchyID] {
		select {
		case s.Outbound <- evt:
		default:
			h.log.Warn("subscriber buffer full, dropping event",
				zap.Int64("hierarchy_id", evt.HierarchyID),
				zap.String("subscriber", s.ID.String()),
				zap.String("kind", string(evt.Kind)))
		}
	}
}

func (h *Hub) Notify(_ context.Context, evt Event) {
	h.Broadcast(evt)
}
