package call

import (
	"context"
	"errors"
)

var (
	ErrNotFound          = errors.New("call not found")
	ErrMissingTenant     = errors.New("organization id is required")
	ErrDuplicateCall     = errors.New("call already exists")
	ErrInvalidCallResult = errors.New("invalid result type, it should be pointer to Call struct")
)

// Store is the call record façade the engine reads and writes through.
// Every method except GetByProviderCallID is scoped by organization id.
type Store interface {
	Get(ctx context.Context, ref Ref) (*Call, error)
	GetByProviderCallID(ctx context.Context, providerCallID string) (*Call, error)
	GetByCorrelationID(ctx context.Context, correlationID, organizationID string) (*Call, error)
	Update(ctx context.Context, ref Ref, updates map[string]any) (*Call, error)
	Create(ctx context.Context, record *Call) error
	ListActive(ctx context.Context, limit int) ([]Call, error)
}
