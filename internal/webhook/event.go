package webhook

import (
	"errors"
	"fmt"
	"strings"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/provider"
	"github.com/goccy/go-json"
)

const (
	MetadataCorrelationID  = provider.MetadataCorrelationID
	MetadataOrganizationID = provider.MetadataOrganizationID
)

var ErrMalformedEvent = errors.New("malformed webhook event")

// Event is a provider push notification. It shares the pull API's call
// representation and adds the echoed request metadata.
type Event struct {
	provider.Snapshot
}

// ParseEvent decodes a webhook body. An event must carry either a provider
// call id or a correlation id.
func ParseEvent(body []byte) (*Event, error) {
	var event Event

	err := json.Unmarshal(body, &event)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	if strings.TrimSpace(event.CallID) == "" && event.CorrelationID() == "" {
		return nil, fmt.Errorf("%w: neither call_id nor metadata.correlation_id is set", ErrMalformedEvent)
	}

	return &event, nil
}

func (e *Event) CorrelationID() string {
	return e.metadataString(MetadataCorrelationID)
}

func (e *Event) OrganizationID() string {
	return e.metadataString(MetadataOrganizationID)
}

func (e *Event) metadataString(key string) string {
	value, ok := e.Metadata[key]
	if !ok || value == nil {
		return ""
	}

	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case float64:
		return fmt.Sprintf("%.0f", typed)
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}
