package broadcast

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/merge"
	"github.com/google/uuid"
)

const EventTypeCallUpdated = "call.updated"

// Event is the payload realtime subscribers receive for every accepted change.
type Event struct {
	Type           string    `json:"type"`
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Source         string    `json:"source"`
	EmittedAt      time.Time `json:"emitted_at"`
	Call           call.Call `json:"call"`
}

func NewEvent(record call.Call, source merge.Source, now time.Time) Event {
	return Event{
		Type:           EventTypeCallUpdated,
		ID:             uuid.NewString(),
		OrganizationID: record.OrganizationID,
		Source:         string(source),
		EmittedAt:      now.UTC(),
		Call:           record,
	}
}

// Publisher delivers an event to the subscribers of one organization.
type Publisher interface {
	Publish(ctx context.Context, organizationID string, event Event) error
}
