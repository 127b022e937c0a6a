package provider

import (
	"math"
	"strings"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/merge"
)

// Metadata keys the provider echoes back from the original call request. They
// route the call and are never stored as call metadata.
const (
	MetadataCorrelationID  = "correlation_id"
	MetadataOrganizationID = "organization_id"
)

// Snapshot is the provider's view of one call as returned by the pull API.
type Snapshot struct {
	CallID        string         `json:"call_id"`
	Status        string         `json:"status"`
	QueueStatus   string         `json:"queue_status"`
	Completed     bool           `json:"completed"`
	Duration      *float64       `json:"duration"`
	CallLength    *float64       `json:"call_length"`
	RecordingURL  string         `json:"recording_url"`
	Transcript    string         `json:"concatenated_transcript"`
	Price         *float64       `json:"price"`
	CostPerMinute *float64       `json:"cost_per_minute"`
	Currency      string         `json:"currency"`
	AnsweredBy    string         `json:"answered_by"`
	ErrorMessage  string         `json:"error_message"`
	EndedBy       string         `json:"call_ended_by"`
	Metadata      map[string]any `json:"metadata"`
}

// Fact converts the snapshot into a mergeable fact.
func (s *Snapshot) Fact() merge.Fact {
	fact := merge.Fact{
		Status:        s.RawStatus(),
		RecordingURL:  optionalString(s.RecordingURL),
		Transcript:    optionalString(s.Transcript),
		CostPerMinute: s.CostPerMinute,
		CostTotal:     s.Price,
		CostCurrency:  optionalString(s.Currency),
		EndReason:     optionalString(firstNonEmpty(s.ErrorMessage, s.EndedBy)),
		Voicemail:     strings.EqualFold(s.AnsweredBy, "voicemail"),
		Metadata:      s.extraMetadata(),
	}

	if s.CallID != "" {
		fact.ProviderCallID = merge.Ptr(s.CallID)
	}

	if seconds, ok := s.DurationSeconds(); ok {
		fact.DurationSeconds = merge.Ptr(seconds)
	}

	return fact
}

// extraMetadata returns the metadata without the routing keys, or nil when nothing is left.
func (s *Snapshot) extraMetadata() map[string]any {
	var extra map[string]any

	for key, value := range s.Metadata {
		if key == MetadataCorrelationID || key == MetadataOrganizationID {
			continue
		}

		if extra == nil {
			extra = make(map[string]any, len(s.Metadata))
		}

		extra[key] = value
	}

	return extra
}

// RawStatus prefers the explicit status, then the queue status, then the completed flag.
func (s *Snapshot) RawStatus() string {
	switch {
	case s.Status != "":
		return s.Status
	case s.QueueStatus != "":
		return s.QueueStatus
	case s.Completed:
		return "completed"
	default:
		return ""
	}
}

// DurationSeconds returns the call duration in whole seconds. Duration is reported
// in seconds; CallLength in minutes and is only used when Duration is absent.
func (s *Snapshot) DurationSeconds() (int, bool) {
	switch {
	case s.Duration != nil && *s.Duration >= 0:
		return int(math.Round(*s.Duration)), true
	case s.CallLength != nil && *s.CallLength >= 0:
		return int(math.Round(*s.CallLength * 60)), true
	default:
		return 0, false
	}
}

func optionalString(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}

	return &value
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}

	return ""
}
