package deadletter

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps dead letters in process for STORE_BACKEND=memory and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*DispatchDeadLetter
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*DispatchDeadLetter)}
}

func memoryKey(entry *DispatchDeadLetter) string {
	return entry.CallID + "/" + entry.Handler
}

func (s *MemoryStore) Upsert(_ context.Context, entry *DispatchDeadLetter) (*DispatchDeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()

	stored, ok := s.entries[memoryKey(entry)]
	if !ok {
		copied := *entry
		copied.CreatedAt = now
		stored = &copied
		s.entries[memoryKey(entry)] = stored
	}

	stored.Payload = entry.Payload
	stored.Error = entry.Error
	stored.Status = StatusPending
	stored.LastRetryAt = &now

	out := *stored

	return &out, nil
}

func (s *MemoryStore) GetPending(
	_ context.Context,
	olderThan time.Time,
	maxRetries, limit int,
) ([]DispatchDeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending []DispatchDeadLetter

	for _, entry := range s.entries {
		if entry.Status != StatusPending || entry.RetryCount >= maxRetries {
			continue
		}

		if entry.LastRetryAt != nil && entry.LastRetryAt.After(olderThan) {
			continue
		}

		pending = append(pending, *entry)
	}

	slices.SortFunc(pending, func(a, b DispatchDeadLetter) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	return pending, nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, entry *DispatchDeadLetter, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.entries[memoryKey(entry)]; ok {
		stored.Status = status
	}

	return nil
}

func (s *MemoryStore) IncreaseRetryCount(_ context.Context, entry *DispatchDeadLetter, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stored, ok := s.entries[memoryKey(entry)]; ok {
		now := time.Now()
		stored.RetryCount++
		stored.LastRetryAt = &now
		stored.Status = StatusPending
		stored.Error = errMsg
	}

	return nil
}

func (s *MemoryStore) Delete(_ context.Context, entry *DispatchDeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.entries, memoryKey(entry))

	return nil
}

// Get returns a copy of the (callID, handler) entry.
func (s *MemoryStore) Get(callID, handler string) (DispatchDeadLetter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.entries[callID+"/"+handler]
	if !ok {
		return DispatchDeadLetter{}, false
	}

	return *stored, true
}
