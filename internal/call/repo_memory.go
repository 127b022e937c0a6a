package call

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/status"
	"gorm.io/datatypes"
)

// MemoryStore is an in-process Store used for local runs and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	calls map[string]*Call
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls: make(map[string]*Call),
		now:   time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, record *Call) error {
	if record.OrganizationID == "" {
		return ErrMissingTenant
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.calls[record.ID]; ok {
		return ErrDuplicateCall
	}

	if record.Status == "" {
		record.Status = status.Scheduled
	}

	now := s.now()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}

	record.UpdatedAt = now

	stored := record.Clone()
	s.calls[record.ID] = &stored

	return nil
}

func (s *MemoryStore) Get(_ context.Context, ref Ref) (*Call, error) {
	if ref.OrganizationID == "" {
		return nil, ErrMissingTenant
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.calls[ref.CallID]
	if !ok || record.OrganizationID != ref.OrganizationID {
		return nil, ErrNotFound
	}

	out := record.Clone()

	return &out, nil
}

func (s *MemoryStore) GetByProviderCallID(_ context.Context, providerCallID string) (*Call, error) {
	return s.find(func(record *Call) bool {
		return record.ProviderCallID != nil && *record.ProviderCallID == providerCallID
	})
}

func (s *MemoryStore) GetByCorrelationID(_ context.Context, correlationID, organizationID string) (*Call, error) {
	if organizationID == "" {
		return nil, ErrMissingTenant
	}

	return s.find(func(record *Call) bool {
		return record.OrganizationID == organizationID &&
			record.CorrelationID != nil && *record.CorrelationID == correlationID
	})
}

func (s *MemoryStore) Update(_ context.Context, ref Ref, updates map[string]any) (*Call, error) {
	if ref.OrganizationID == "" {
		return nil, ErrMissingTenant
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.calls[ref.CallID]
	if !ok || record.OrganizationID != ref.OrganizationID {
		return nil, ErrNotFound
	}

	updated := record.Clone()

	err := applyUpdates(&updated, updates)
	if err != nil {
		return nil, err
	}

	if len(updates) > 0 {
		updated.UpdatedAt = s.now()
	}

	s.calls[ref.CallID] = &updated

	out := updated.Clone()

	return &out, nil
}

func (s *MemoryStore) ListActive(_ context.Context, limit int) ([]Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []Call

	for _, record := range s.calls {
		if record.ProviderCallID == nil || record.Status.Terminal() {
			continue
		}

		records = append(records, record.Clone())
	}

	slices.SortFunc(records, func(a, b Call) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	return records, nil
}

func (s *MemoryStore) find(match func(*Call) bool) (*Call, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, record := range s.calls {
		if match(record) {
			out := record.Clone()
			return &out, nil
		}
	}

	return nil, ErrNotFound
}

//nolint:cyclop
func applyUpdates(record *Call, updates map[string]any) error {
	for column, value := range updates {
		var ok bool

		switch column {
		case ColumnProviderCallID:
			ok = assignPtr(&record.ProviderCallID, value)
		case ColumnStatus:
			var next status.Status

			next, ok = value.(status.Status)
			record.Status = next
		case ColumnStartedAt:
			ok = assignPtr(&record.StartedAt, value)
		case ColumnEndedAt:
			ok = assignPtr(&record.EndedAt, value)
		case ColumnDurationSeconds:
			ok = assignPtr(&record.DurationSeconds, value)
		case ColumnRecordingURL:
			ok = assignPtr(&record.RecordingURL, value)
		case ColumnTranscript:
			ok = assignPtr(&record.Transcript, value)
		case ColumnCostPerMinute:
			ok = assignPtr(&record.CostPerMinute, value)
		case ColumnCostTotal:
			ok = assignPtr(&record.CostTotal, value)
		case ColumnCostCurrency:
			ok = assignPtr(&record.CostCurrency, value)
		case ColumnEndReason:
			ok = assignPtr(&record.EndReason, value)
		case ColumnMetadata:
			var metadata datatypes.JSONMap

			metadata, ok = value.(datatypes.JSONMap)
			record.Metadata = metadata
		}

		if !ok {
			return fmt.Errorf("unsupported update %s=%T", column, value)
		}
	}

	return nil
}

func assignPtr[T any](field **T, value any) bool {
	typed, ok := value.(T)
	if !ok {
		return false
	}

	*field = &typed

	return true
}
