package dispatch

import (
	"context"
	"strings"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/status"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	EventTypeCallTerminal = "call.terminal"
	KafkaHandlerName      = "kafka_terminal_event"
)

// Outcome is the hint downstream lead classification works from.
type Outcome string

const (
	OutcomeAnswered  Outcome = "answered"
	OutcomeVoicemail Outcome = "voicemail"
	OutcomeNoAnswer  Outcome = "no_answer"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

var noAnswerReasons = []string{"no-answer", "no answer", "noanswer", "busy", "declined", "unreachable", "timeout"}

type TerminalEvent struct {
	EventID         string        `json:"event_id"`
	Type            string        `json:"type"`
	CallID          string        `json:"call_id"`
	OrganizationID  string        `json:"organization_id"`
	ProviderCallID  *string       `json:"provider_call_id,omitempty"`
	LeadID          *string       `json:"lead_id,omitempty"`
	AgentID         *string       `json:"agent_id,omitempty"`
	Status          status.Status `json:"status"`
	Outcome         Outcome       `json:"outcome"`
	DurationSeconds *int          `json:"duration_seconds,omitempty"`
	EndReason       *string       `json:"end_reason,omitempty"`
	RecordingURL    *string       `json:"recording_url,omitempty"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
	OccurredAt      time.Time     `json:"occurred_at"`
}

func NewTerminalEvent(record call.Call, now time.Time) TerminalEvent {
	return TerminalEvent{
		EventID:         uuid.NewString(),
		Type:            EventTypeCallTerminal,
		CallID:          record.ID,
		OrganizationID:  record.OrganizationID,
		ProviderCallID:  record.ProviderCallID,
		LeadID:          record.LeadID,
		AgentID:         record.AgentID,
		Status:          record.Status,
		Outcome:         InferOutcome(record),
		DurationSeconds: record.DurationSeconds,
		EndReason:       record.EndReason,
		RecordingURL:    record.RecordingURL,
		EndedAt:         record.EndedAt,
		OccurredAt:      now.UTC(),
	}
}

// InferOutcome classifies a terminal call for lead status inference.
func InferOutcome(record call.Call) Outcome {
	switch record.Status {
	case status.Cancelled:
		return OutcomeCancelled
	case status.Completed:
		if voicemail, ok := record.Metadata[call.MetadataVoicemail].(bool); ok && voicemail {
			return OutcomeVoicemail
		}

		if record.DurationSeconds != nil && *record.DurationSeconds > 0 {
			return OutcomeAnswered
		}

		return OutcomeNoAnswer
	default:
		if record.EndReason != nil {
			reason := strings.ToLower(*record.EndReason)

			for _, candidate := range noAnswerReasons {
				if strings.Contains(reason, candidate) {
					return OutcomeNoAnswer
				}
			}
		}

		return OutcomeFailed
	}
}

// Producer is the part of the Kafka producer the handler needs.
type Producer interface {
	SendMessage(topic string, key, value []byte) (int32, int64, error)
}

// KafkaTerminalHandler publishes a TerminalEvent keyed by call id.
type KafkaTerminalHandler struct {
	Producer Producer
	Topic    string
	Now      func() time.Time
}

func NewKafkaTerminalHandler(producer Producer, topic string) *KafkaTerminalHandler {
	return &KafkaTerminalHandler{Producer: producer, Topic: topic, Now: time.Now}
}

func (handler *KafkaTerminalHandler) Name() string {
	return KafkaHandlerName
}

func (handler *KafkaTerminalHandler) OnCallTerminal(ctx context.Context, record call.Call) error {
	err := ctx.Err()
	if err != nil {
		return err
	}

	payload, err := json.Marshal(NewTerminalEvent(record, handler.Now()))
	if err != nil {
		return err
	}

	_, _, err = handler.Producer.SendMessage(handler.Topic, []byte(record.ID), payload)

	return err
}
