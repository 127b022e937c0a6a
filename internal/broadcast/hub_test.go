package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/auth"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/merge"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memorySubscriber struct {
	id     string
	mu     sync.Mutex
	events []Event
	err    error
}

func (s *memorySubscriber) ID() string {
	return s.id
}

func (s *memorySubscriber) Send(event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	s.events = append(s.events, event)

	return nil
}

func (s *memorySubscriber) received() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]Event(nil), s.events...)
}

func eventFor(organizationID string) Event {
	record := call.Call{ID: "call-1", OrganizationID: organizationID, Status: status.Ringing}

	return NewEvent(record, merge.SourceWebhook, time.Now())
}

func TestHubDeliversOnlyToOwnOrganization(t *testing.T) {
	hub := NewHub()

	alice := &memorySubscriber{id: "alice"}
	bob := &memorySubscriber{id: "bob"}

	require.NoError(t, hub.Join(auth.Principal{UserID: "a", OrganizationID: "org-1"}, "org-1", alice))
	require.NoError(t, hub.Join(auth.Principal{UserID: "b", OrganizationID: "org-2"}, "org-2", bob))

	assert.Equal(t, 1, hub.Deliver(eventFor("org-1")))

	assert.Len(t, alice.received(), 1)
	assert.Empty(t, bob.received())
}

func TestHubRejectsCrossTenantJoin(t *testing.T) {
	hub := NewHub()

	err := hub.Join(auth.Principal{UserID: "a", OrganizationID: "org-1"}, "org-2", &memorySubscriber{id: "mallory"})
	require.ErrorIs(t, err, auth.ErrForeignOrganization)
	assert.Zero(t, hub.Count("org-2"))
}

func TestHubLeave(t *testing.T) {
	hub := NewHub()
	principal := auth.Principal{UserID: "a", OrganizationID: "org-1"}
	subscriber := &memorySubscriber{id: "alice"}

	require.NoError(t, hub.Join(principal, "org-1", subscriber))
	require.ErrorIs(t, hub.Leave(auth.Principal{UserID: "b", OrganizationID: "org-2"}, "org-1", "alice"),
		auth.ErrForeignOrganization)
	assert.Equal(t, 1, hub.Count("org-1"))

	require.NoError(t, hub.Leave(principal, "org-1", "alice"))
	assert.Zero(t, hub.Count("org-1"))
	assert.Zero(t, hub.Deliver(eventFor("org-1")))
}

func TestHubEvictsClosedSubscribers(t *testing.T) {
	hub := NewHub()
	principal := auth.Principal{UserID: "a", OrganizationID: "org-1"}

	require.NoError(t, hub.Join(principal, "org-1", &memorySubscriber{id: "gone", err: ErrSubscriberClosed}))
	require.NoError(t, hub.Join(principal, "org-1", &memorySubscriber{id: "slow", err: ErrSubscriberSlow}))

	assert.Zero(t, hub.Deliver(eventFor("org-1")))
	assert.Equal(t, 1, hub.Count("org-1"))
}

func TestHubPublishRejectsMismatchedOrganization(t *testing.T) {
	hub := NewHub()

	err := hub.Publish(context.Background(), "org-2", eventFor("org-1"))
	require.ErrorIs(t, err, auth.ErrForeignOrganization)
}
