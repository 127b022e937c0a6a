package broadcast

import (
	"context"
	"errors"
	"sync"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/auth"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	prometheusCallsync "git.mci.dev/mse/sre/phoenix/golang/callsync/internal/prometheus"
	"go.uber.org/zap"
)

var (
	ErrSubscriberSlow   = errors.New("subscriber buffer is full")
	ErrSubscriberClosed = errors.New("subscriber is closed")
)

// Subscriber is one realtime client. Send must not block.
type Subscriber interface {
	ID() string
	Send(event Event) error
}

// Hub keeps the subscribers of each organization. Joining or leaving a room
// requires a principal of that organization.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Subscriber
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[string]Subscriber)}
}

func (h *Hub) Join(principal auth.Principal, organizationID string, subscriber Subscriber) error {
	err := principal.Authorize(organizationID)
	if err != nil {
		logging.Logger.Warn("[Hub] Rejected cross-tenant subscription",
			zap.String("user_id", principal.UserID),
			zap.String("principal_organization_id", principal.OrganizationID),
			zap.String("organization_id", organizationID),
		)

		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	room, ok := h.rooms[organizationID]
	if !ok {
		room = make(map[string]Subscriber)
		h.rooms[organizationID] = room
	}

	if _, exists := room[subscriber.ID()]; !exists {
		prometheusCallsync.RealtimeSubscribers.Inc()
	}

	room[subscriber.ID()] = subscriber

	return nil
}

func (h *Hub) Leave(principal auth.Principal, organizationID, subscriberID string) error {
	err := principal.Authorize(organizationID)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeLocked(organizationID, subscriberID)

	return nil
}

// Publish makes the hub a Publisher for single instance deployments.
func (h *Hub) Publish(_ context.Context, organizationID string, event Event) error {
	if event.OrganizationID != organizationID {
		return auth.ErrForeignOrganization
	}

	h.Deliver(event)

	return nil
}

// Deliver sends event to the room of event.OrganizationID and returns how many
// subscribers accepted it. Closed subscribers are evicted.
func (h *Hub) Deliver(event Event) int {
	h.mu.RLock()
	room := h.rooms[event.OrganizationID]
	subscribers := make([]Subscriber, 0, len(room))

	for _, subscriber := range room {
		subscribers = append(subscribers, subscriber)
	}
	h.mu.RUnlock()

	delivered := 0

	for _, subscriber := range subscribers {
		err := subscriber.Send(event)

		switch {
		case err == nil:
			delivered++
		case errors.Is(err, ErrSubscriberClosed):
			h.evict(event.OrganizationID, subscriber.ID())
		default:
			logging.Logger.Debug("[Hub] Subscriber skipped event",
				zap.String("subscriber_id", subscriber.ID()),
				zap.String("event_id", event.ID),
				zap.String("error", err.Error()),
			)
		}
	}

	return delivered
}

func (h *Hub) Count(organizationID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.rooms[organizationID])
}

func (h *Hub) evict(organizationID, subscriberID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.removeLocked(organizationID, subscriberID)
}

func (h *Hub) removeLocked(organizationID, subscriberID string) {
	room, ok := h.rooms[organizationID]
	if !ok {
		return
	}

	if _, exists := room[subscriberID]; !exists {
		return
	}

	delete(room, subscriberID)
	prometheusCallsync.RealtimeSubscribers.Dec()

	if len(room) == 0 {
		delete(h.rooms, organizationID)
	}
}
