package deadletter

import (
	"context"
	"errors"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrInvalidDeadLetterResult      = errors.New("invalid result type, it should be pointer to DispatchDeadLetter")
	ErrInvalidDeadLetterSliceResult = errors.New("invalid result type, it should be slice of DispatchDeadLetter")
)

// Store is the persistence the dead letter service works against.
type Store interface {
	Upsert(ctx context.Context, entry *DispatchDeadLetter) (*DispatchDeadLetter, error)
	GetPending(ctx context.Context, olderThan time.Time, maxRetries, limit int) ([]DispatchDeadLetter, error)
	UpdateStatus(ctx context.Context, entry *DispatchDeadLetter, status string) error
	IncreaseRetryCount(ctx context.Context, entry *DispatchDeadLetter, errMsg string) error
	Delete(ctx context.Context, entry *DispatchDeadLetter) error
}

type DeadLetterRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewRepository(dbConn *gorm.DB) *DeadLetterRepository {
	cbSettings := database.GetCircuitBreakerSettings("dead_letters")

	return &DeadLetterRepository{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](cbSettings),
	}
}

// Upsert stores entry, resetting an existing (call, handler) row to pending.
func (dlRepository *DeadLetterRepository) Upsert(
	ctx context.Context,
	entry *DispatchDeadLetter,
) (*DispatchDeadLetter, error) {
	result, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		now := time.Now()
		stored := *entry
		stored.Status = StatusPending
		stored.LastRetryAt = &now

		err := dlRepository.DBConn.WithContext(ctx).
			Where("call_id = ? AND handler = ?", entry.CallID, entry.Handler).
			Assign(map[string]any{
				"payload":       entry.Payload,
				"error":         entry.Error,
				"status":        StatusPending,
				"last_retry_at": &now,
			}).
			FirstOrCreate(&stored).Error
		if err != nil {
			logging.Logger.Error("[Upsert] Failed to store dead letter",
				zap.String("call_id", entry.CallID),
				zap.String("handler", entry.Handler),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return &stored, nil
	})
	if err != nil {
		return nil, err
	}

	stored, ok := result.(*DispatchDeadLetter)
	if !ok {
		return nil, ErrInvalidDeadLetterResult
	}

	return stored, nil
}

func (dlRepository *DeadLetterRepository) GetPending(
	ctx context.Context,
	olderThan time.Time,
	maxRetries, limit int,
) ([]DispatchDeadLetter, error) {
	result, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		var records []DispatchDeadLetter

		err := dlRepository.DBConn.WithContext(ctx).
			Where("status = ? AND last_retry_at <= ? AND retry_count < ?", StatusPending, olderThan, maxRetries).
			Order("created_at ASC").
			Limit(limit).
			Find(&records).Error
		if err != nil {
			logging.Logger.Error("[GetPending] Failed to fetch dead letters", zap.String("error", err.Error()))
			return nil, err
		}

		return records, nil
	})
	if err != nil {
		return nil, err
	}

	records, ok := result.([]DispatchDeadLetter)
	if !ok {
		return nil, ErrInvalidDeadLetterSliceResult
	}

	return records, nil
}

func (dlRepository *DeadLetterRepository) UpdateStatus(
	ctx context.Context,
	entry *DispatchDeadLetter,
	status string,
) error {
	_, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		err := dlRepository.DBConn.WithContext(ctx).
			Model(&DispatchDeadLetter{}).
			Where("call_id = ? AND handler = ?", entry.CallID, entry.Handler).
			Update("status", status).Error

		return nil, err
	})

	return err
}

func (dlRepository *DeadLetterRepository) IncreaseRetryCount(
	ctx context.Context,
	entry *DispatchDeadLetter,
	errMsg string,
) error {
	_, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		updates := map[string]any{
			"retry_count":   gorm.Expr("retry_count + 1"),
			"last_retry_at": time.Now(),
			"status":        StatusPending,
			"error":         errMsg,
		}

		err := dlRepository.DBConn.WithContext(ctx).
			Model(&DispatchDeadLetter{}).
			Where("call_id = ? AND handler = ?", entry.CallID, entry.Handler).
			Updates(updates).Error
		if err != nil {
			logging.Logger.Error("[IncreaseRetryCount] Failed to bump retry count",
				zap.String("call_id", entry.CallID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return nil, nil
	})

	return err
}

func (dlRepository *DeadLetterRepository) Delete(ctx context.Context, entry *DispatchDeadLetter) error {
	_, err := dlRepository.CircuitBreaker.Execute(func() (any, error) {
		err := dlRepository.DBConn.WithContext(ctx).
			Where("call_id = ? AND handler = ?", entry.CallID, entry.Handler).
			Delete(&DispatchDeadLetter{}).Error

		return nil, err
	})

	return err
}
