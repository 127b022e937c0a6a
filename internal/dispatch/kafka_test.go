package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/status"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

type capturedMessage struct {
	topic string
	key   []byte
	value []byte
}

type fakeProducer struct {
	messages []capturedMessage
	err      error
}

func (p *fakeProducer) SendMessage(topic string, key, value []byte) (int32, int64, error) {
	if p.err != nil {
		return 0, 0, p.err
	}

	p.messages = append(p.messages, capturedMessage{topic: topic, key: key, value: value})

	return 0, int64(len(p.messages)), nil
}

func ptr[T any](value T) *T {
	return &value
}

func TestKafkaTerminalHandlerPublishesEvent(t *testing.T) {
	producer := &fakeProducer{}
	handler := NewKafkaTerminalHandler(producer, "call.terminal")
	handler.Now = func() time.Time { return time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC) }

	record := call.Call{
		ID:              "call-1",
		OrganizationID:  "org-1",
		LeadID:          ptr("lead-7"),
		Status:          status.Completed,
		DurationSeconds: ptr(42),
	}

	require.NoError(t, handler.OnCallTerminal(context.Background(), record))
	require.Len(t, producer.messages, 1)

	message := producer.messages[0]
	assert.Equal(t, "call.terminal", message.topic)
	assert.Equal(t, []byte("call-1"), message.key)

	var event TerminalEvent
	require.NoError(t, json.Unmarshal(message.value, &event))
	assert.Equal(t, EventTypeCallTerminal, event.Type)
	assert.Equal(t, OutcomeAnswered, event.Outcome)
	assert.Equal(t, "lead-7", *event.LeadID)
	assert.Equal(t, 42, *event.DurationSeconds)
}

func TestKafkaTerminalHandlerPropagatesErrors(t *testing.T) {
	handler := NewKafkaTerminalHandler(&fakeProducer{err: errors.New("circuit breaker is open")}, "call.terminal")

	err := handler.OnCallTerminal(context.Background(), terminalCall())
	require.Error(t, err)
}

func TestInferOutcome(t *testing.T) {
	tests := []struct {
		name     string
		record   call.Call
		expected Outcome
	}{
		{
			name:     "answered",
			record:   call.Call{Status: status.Completed, DurationSeconds: ptr(30)},
			expected: OutcomeAnswered,
		},
		{
			name: "voicemail",
			record: call.Call{
				Status:          status.Completed,
				DurationSeconds: ptr(30),
				Metadata:        datatypes.JSONMap{call.MetadataVoicemail: true},
			},
			expected: OutcomeVoicemail,
		},
		{
			name:     "completed without talk time",
			record:   call.Call{Status: status.Completed},
			expected: OutcomeNoAnswer,
		},
		{
			name:     "busy",
			record:   call.Call{Status: status.Failed, EndReason: ptr("Busy")},
			expected: OutcomeNoAnswer,
		},
		{
			name:     "expired",
			record:   call.Call{Status: status.Failed, EndReason: ptr("no terminal status observed")},
			expected: OutcomeFailed,
		},
		{
			name:     "cancelled",
			record:   call.Call{Status: status.Cancelled},
			expected: OutcomeCancelled,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, InferOutcome(tt.record))
		})
	}
}
