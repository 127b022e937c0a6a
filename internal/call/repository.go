package call

import (
	"context"
	"errors"
	"fmt"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/status"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidCallSliceResult = errors.New("invalid result type, it should be slice of Call")

type CallRepository struct {
	DBConn         *gorm.DB
	CircuitBreaker *gobreaker.CircuitBreaker[any]
}

func NewCallRepository(dbConn *gorm.DB) *CallRepository {
	cbSettings := database.GetCircuitBreakerSettings("calls")

	return &CallRepository{
		DBConn:         dbConn,
		CircuitBreaker: gobreaker.NewCircuitBreaker[any](cbSettings),
	}
}

// Get retrieves a Call by id inside its organization.
func (callRepository *CallRepository) Get(ctx context.Context, ref Ref) (*Call, error) {
	if ref.OrganizationID == "" {
		return nil, ErrMissingTenant
	}

	return callRepository.first(ctx, "[Get]",
		"id = ? AND organization_id = ?", ref.CallID, ref.OrganizationID,
	)
}

// GetByProviderCallID retrieves a Call by the id the provider assigned to it.
func (callRepository *CallRepository) GetByProviderCallID(ctx context.Context, providerCallID string) (*Call, error) {
	return callRepository.first(ctx, "[GetByProviderCallID]", "provider_call_id = ?", providerCallID)
}

// GetByCorrelationID retrieves a Call by the correlation id echoed back by the provider.
func (callRepository *CallRepository) GetByCorrelationID(
	ctx context.Context,
	correlationID, organizationID string,
) (*Call, error) {
	if organizationID == "" {
		return nil, ErrMissingTenant
	}

	return callRepository.first(ctx, "[GetByCorrelationID]",
		"correlation_id = ? AND organization_id = ?", correlationID, organizationID,
	)
}

// Update applies a partial column update and returns the stored record.
func (callRepository *CallRepository) Update(ctx context.Context, ref Ref, updates map[string]any) (*Call, error) {
	if ref.OrganizationID == "" {
		return nil, ErrMissingTenant
	}

	if len(updates) == 0 {
		return callRepository.Get(ctx, ref)
	}

	_, err := callRepository.CircuitBreaker.Execute(func() (any, error) {
		result := callRepository.DBConn.WithContext(ctx).
			Model(&Call{}).
			Where("id = ? AND organization_id = ?", ref.CallID, ref.OrganizationID).
			Updates(updates)
		if result.Error != nil {
			logging.Logger.Error("[Update] Failed to update call - may cause circuit breaker trip",
				zap.String("call_id", ref.CallID),
				zap.String("organization_id", ref.OrganizationID),
				zap.Any("updates", updates),
				zap.String("error", result.Error.Error()),
				zap.Bool("is_context_error", ctx.Err() != nil),
			)

			return nil, result.Error
		}

		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	return callRepository.Get(ctx, ref)
}

// Create inserts a new call record.
func (callRepository *CallRepository) Create(ctx context.Context, record *Call) error {
	if record.OrganizationID == "" {
		return ErrMissingTenant
	}

	if record.Status == "" {
		record.Status = status.Scheduled
	}

	_, err := callRepository.CircuitBreaker.Execute(func() (any, error) {
		err := callRepository.DBConn.WithContext(ctx).Create(record).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: %w", ErrDuplicateCall, err)
		}

		if err != nil {
			logging.Logger.Error("[Create] Failed to create call - may cause circuit breaker trip",
				zap.String("call_id", record.ID),
				zap.String("organization_id", record.OrganizationID),
				zap.String("error", err.Error()),
			)

			return nil, err
		}

		return record, nil
	})

	return err
}

// ListActive returns calls that have a provider call id and have not reached a terminal status.
func (callRepository *CallRepository) ListActive(ctx context.Context, limit int) ([]Call, error) {
	result, err := callRepository.CircuitBreaker.Execute(func() (any, error) {
		var records []Call

		err := callRepository.DBConn.WithContext(ctx).
			Where("provider_call_id IS NOT NULL AND status NOT IN ?",
				[]status.Status{status.Completed, status.Failed, status.Cancelled},
			).
			Order("created_at ASC").
			Limit(limit).
			Find(&records).Error
		if err != nil {
			logging.Logger.Error("[ListActive] Failed to fetch active calls", zap.String("error", err.Error()))
			return nil, err
		}

		return records, nil
	})
	if err != nil {
		return nil, err
	}

	records, ok := result.([]Call)
	if !ok {
		return nil, ErrInvalidCallSliceResult
	}

	return records, nil
}

func (callRepository *CallRepository) first(ctx context.Context, operation, query string, args ...any) (*Call, error) {
	result, err := callRepository.CircuitBreaker.Execute(func() (any, error) {
		var record Call

		err := callRepository.DBConn.WithContext(ctx).
			Where(query, args...).
			First(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}

		if err != nil {
			logging.Logger.Error(operation+" Failed to fetch call - may cause circuit breaker trip",
				zap.Any("args", args),
				zap.String("error", err.Error()),
				zap.Bool("is_context_error", ctx.Err() != nil),
			)

			return nil, err
		}

		return &record, nil
	})
	if err != nil {
		return nil, err
	}

	if result == nil {
		return nil, ErrNotFound
	}

	record, ok := result.(*Call)
	if !ok || record == nil {
		return nil, ErrInvalidCallResult
	}

	return record, nil
}
