package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/merge"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/poller"
	prometheusCallsync "git.mci.dev/mse/sre/phoenix/golang/callsync/internal/prometheus"
	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

var ErrInvalidCallCreatedEvent = errors.New("call created event requires call_id and organization_id")

// CallCreatedEvent is published by the dialer once a call was placed with the provider.
type CallCreatedEvent struct {
	CallID         string `json:"call_id"`
	OrganizationID string `json:"organization_id"`
	ProviderCallID string `json:"provider_call_id"`
	CreatedAt      string `json:"created_at"`
}

// CallCreatedHandler hands the message to the worker pool so the consumer
// never waits on the database.
func (app *Callsync) CallCreatedHandler(ctx context.Context, msg *sarama.ConsumerMessage) {
	err := app.WorkerPool.Submit(func() {
		defer app.handlePanic(msg)

		app.processCallCreated(ctx, msg)
	})
	if err != nil {
		logging.Logger.Error("failed to submit job to ants pool", zap.String("error", err.Error()))
	}
}

func (app *Callsync) processCallCreated(ctx context.Context, msg *sarama.ConsumerMessage) {
	result := "armed"

	err := app.armCreatedCall(ctx, msg)

	switch {
	case errors.Is(err, poller.ErrAlreadyArmed):
		result = "already_armed"
	case errors.Is(err, errCallAlreadyTerminal):
		result = "terminal"
	case err != nil:
		result = "failed"

		logging.Logger.Error("failed to process call created message",
			zap.String("error", err.Error()),
			zap.ByteString("call_id", msg.Key),
			zap.ByteString("msg_value", msg.Value),
		)
	}

	prometheusCallsync.CallCreatedEvents.WithLabelValues(result).Inc()
}

var errCallAlreadyTerminal = errors.New("call already terminal")

// armCreatedCall records the provider call id when the event is first to
// report it, then arms the poller.
func (app *Callsync) armCreatedCall(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var event CallCreatedEvent

	err := json.Unmarshal(msg.Value, &event)
	if err != nil {
		return fmt.Errorf("decode call created event: %w", err)
	}

	if event.CallID == "" || event.OrganizationID == "" {
		return ErrInvalidCallCreatedEvent
	}

	app.recordKafkaLatency(event.CreatedAt, msg.Topic)

	ref := call.Ref{CallID: event.CallID, OrganizationID: event.OrganizationID}

	record, err := app.Store.Get(ctx, ref)
	if err != nil {
		return err
	}

	if event.ProviderCallID != "" && record.ProviderID() == "" {
		outcome, err := app.Engine.Apply(ctx, ref, merge.Fact{ProviderCallID: merge.Ptr(event.ProviderCallID)}, merge.SourceCreation)
		if err != nil {
			return err
		}

		record = &outcome.Call
	}

	if record.Status.Terminal() {
		return errCallAlreadyTerminal
	}

	return app.Scheduler.Arm(poller.TargetFor(record))
}

func (app *Callsync) recordKafkaLatency(timeStr, topic string) {
	if timeStr == "" {
		return
	}

	startTime, err := time.Parse(time.RFC3339, timeStr)
	if err != nil {
		startTime, err = time.Parse("2006-01-02 15:04:05", timeStr)
	}

	if err != nil {
		return
	}

	latency := time.Since(startTime).Seconds()
	prometheusCallsync.KafkaMessageLatency.WithLabelValues(topic).Observe(latency)

	logging.Logger.Debug("Kafka message latency",
		zap.String("topic", topic),
		zap.Float64("latency", latency),
	)
}

func (app *Callsync) handlePanic(msg *sarama.ConsumerMessage) {
	if r := recover(); r != nil {
		logging.Logger.Error("panic in message worker",
			zap.ByteString("call_id", msg.Key),
			zap.Any("recover", r),
		)
	}
}
