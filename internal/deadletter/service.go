package deadletter

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Redeliverer re-runs one named terminal handler.
type Redeliverer interface {
	Redeliver(ctx context.Context, handler string, record call.Call) error
}

type DeadLetterService struct {
	DLStore     Store
	Redeliverer Redeliverer
}

func NewService(store Store) *DeadLetterService {
	return &DeadLetterService{DLStore: store}
}

// SetRedeliverer attaches the dispatcher, which itself records failures here.
func (dlService *DeadLetterService) SetRedeliverer(redeliverer Redeliverer) {
	dlService.Redeliverer = redeliverer
}

func (dlService *DeadLetterService) RecordFailure(
	ctx context.Context,
	record call.Call,
	handler string,
	cause error,
) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}

	_, err = dlService.DLStore.Upsert(ctx, &DispatchDeadLetter{
		CallID:         record.ID,
		Handler:        handler,
		OrganizationID: record.OrganizationID,
		Payload:        payload,
		Error:          cause.Error(),
	})
	if err != nil {
		return err
	}

	logging.Logger.Info("[RecordFailure] Terminal dispatch dead-lettered",
		zap.String("call_id", record.ID),
		zap.String("handler", handler),
	)

	return nil
}

func (dlService *DeadLetterService) ProcessDeadLetter(ctx context.Context, entry *DispatchDeadLetter) {
	err := dlService.DLStore.UpdateStatus(ctx, entry, StatusInProgress)
	if err != nil {
		logging.Logger.Warn("[ProcessDeadLetter] Failed to mark dead letter in progress",
			zap.String("call_id", entry.CallID),
			zap.String("error", err.Error()),
		)

		return
	}

	var record call.Call

	err = json.Unmarshal(entry.Payload, &record)
	if err != nil {
		logging.Logger.Error("[ProcessDeadLetter] Undecodable payload",
			zap.String("call_id", entry.CallID),
			zap.String("error", err.Error()),
		)
		_ = dlService.DLStore.IncreaseRetryCount(ctx, entry, err.Error())

		return
	}

	err = dlService.Redeliverer.Redeliver(ctx, entry.Handler, record)
	if err != nil {
		logging.Logger.Error("[ProcessDeadLetter] Redelivery failed",
			zap.String("call_id", entry.CallID),
			zap.String("handler", entry.Handler),
			zap.Int("retry_count", entry.RetryCount),
			zap.String("error", err.Error()),
		)
		_ = dlService.DLStore.IncreaseRetryCount(ctx, entry, err.Error())

		return
	}

	logging.Logger.Info("[ProcessDeadLetter] Dead letter redelivered",
		zap.String("call_id", entry.CallID),
		zap.String("handler", entry.Handler),
	)

	err = dlService.DLStore.Delete(ctx, entry)
	if err != nil {
		logging.Logger.Warn("[ProcessDeadLetter] Failed to delete redelivered dead letter",
			zap.String("call_id", entry.CallID),
			zap.String("error", err.Error()),
		)
	}
}

// pendingCutoff is the newest last_retry_at eligible for another attempt.
func pendingCutoff(now time.Time, retryDelay time.Duration) time.Time {
	return now.Add(-retryDelay)
}
