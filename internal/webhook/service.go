// Package webhook resolves provider push events to stored calls and runs them
// through the lifecycle engine.
package webhook

import (
	"context"
	"errors"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/lifecycle"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/merge"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/poller"
	"go.uber.org/zap"
)

// Resolution tells which lookup matched the event.
type Resolution string

const (
	ResolvedByCorrelation Resolution = "correlation"
	ResolvedByProvider    Resolution = "provider_call_id"
	Unresolved            Resolution = "unresolved"
)

type Applier interface {
	Apply(ctx context.Context, ref call.Ref, fact merge.Fact, source merge.Source) (*lifecycle.Outcome, error)
}

// Armer starts the safety-net poller for calls first seen through a webhook.
type Armer interface {
	Arm(target poller.Target) error
	IsArmed(providerCallID string) bool
}

type Result struct {
	Resolution Resolution
	Outcome    *lifecycle.Outcome
}

type Service struct {
	Store   call.Store
	Applier Applier
	Poller  Armer
}

func NewService(store call.Store, applier Applier, armer Armer) *Service {
	return &Service{
		Store:   store,
		Applier: applier,
		Poller:  armer,
	}
}

// Ingest applies event to its call. Events that match no call return an
// Unresolved result and no error; lifecycle.ErrPersistence is returned as is.
func (service *Service) Ingest(ctx context.Context, event *Event) (Result, error) {
	record, resolution, err := service.resolve(ctx, event)
	if err != nil {
		return Result{Resolution: Unresolved}, err
	}

	if record == nil {
		logging.Logger.Warn("[Ingest] Webhook event matches no call",
			zap.String("provider_call_id", event.CallID),
			zap.String("correlation_id", event.CorrelationID()),
			zap.String("organization_id", event.OrganizationID()),
		)

		return Result{Resolution: Unresolved}, nil
	}

	outcome, err := service.Applier.Apply(ctx, record.Ref(), event.Fact(), merge.SourceWebhook)
	if errors.Is(err, call.ErrNotFound) {
		return Result{Resolution: Unresolved}, nil
	}

	if err != nil {
		return Result{Resolution: resolution}, err
	}

	service.armIfLive(outcome.Call)

	return Result{Resolution: resolution, Outcome: outcome}, nil
}

// resolve tries the tenant-scoped correlation id first and the provider call
// id second. A nil record with a nil error means nothing matched.
func (service *Service) resolve(ctx context.Context, event *Event) (*call.Call, Resolution, error) {
	correlationID := event.CorrelationID()
	organizationID := event.OrganizationID()

	if correlationID != "" && organizationID != "" {
		record, err := service.Store.GetByCorrelationID(ctx, correlationID, organizationID)
		switch {
		case err == nil:
			return record, ResolvedByCorrelation, nil
		case !errors.Is(err, call.ErrNotFound):
			return nil, Unresolved, err
		}
	}

	if event.CallID == "" {
		return nil, Unresolved, nil
	}

	record, err := service.Store.GetByProviderCallID(ctx, event.CallID)
	if errors.Is(err, call.ErrNotFound) {
		return nil, Unresolved, nil
	}

	if err != nil {
		return nil, Unresolved, err
	}

	if organizationID != "" && record.OrganizationID != organizationID {
		logging.Logger.Warn("[Ingest] Provider call id belongs to another organization",
			zap.String("provider_call_id", event.CallID),
			zap.String("organization_id", organizationID),
		)

		return nil, Unresolved, nil
	}

	return record, ResolvedByProvider, nil
}

func (service *Service) armIfLive(record call.Call) {
	if service.Poller == nil || record.Status.Terminal() || record.ProviderID() == "" {
		return
	}

	if service.Poller.IsArmed(record.ProviderID()) {
		return
	}

	err := service.Poller.Arm(poller.TargetFor(&record))
	if err != nil && !errors.Is(err, poller.ErrAlreadyArmed) {
		logging.Logger.Warn("[Ingest] Failed to arm poller",
			zap.String("call_id", record.ID),
			zap.String("provider_call_id", record.ProviderID()),
			zap.String("error", err.Error()),
		)
	}
}
