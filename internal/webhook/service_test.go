package webhook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/lifecycle"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/lock"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/merge"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/poller"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArmer struct {
	mu      sync.Mutex
	armed   map[string]poller.Target
	enabled bool
}

func newFakeArmer() *fakeArmer {
	return &fakeArmer{armed: make(map[string]poller.Target), enabled: true}
}

func (a *fakeArmer) Arm(target poller.Target) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.armed[target.ProviderCallID]; ok {
		return poller.ErrAlreadyArmed
	}

	a.armed[target.ProviderCallID] = target

	return nil
}

func (a *fakeArmer) IsArmed(providerCallID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.armed[providerCallID]

	return ok
}

func (a *fakeArmer) Cancel(providerCallID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, ok := a.armed[providerCallID]
	delete(a.armed, providerCallID)

	return ok
}

type countingDispatcher struct {
	mu      sync.Mutex
	records []call.Call
}

func (d *countingDispatcher) Dispatch(record call.Call) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.records = append(d.records, record)
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.records)
}

type fixture struct {
	store      *call.MemoryStore
	engine     *lifecycle.Engine
	armer      *fakeArmer
	dispatcher *countingDispatcher
	service    *Service
}

var now = time.Date(2025, 4, 2, 15, 30, 0, 0, time.UTC)

func newFixture(t *testing.T, records ...*call.Call) *fixture {
	t.Helper()

	f := &fixture{
		store:      call.NewMemoryStore(),
		armer:      newFakeArmer(),
		dispatcher: &countingDispatcher{},
	}

	for _, record := range records {
		require.NoError(t, f.store.Create(context.Background(), record))
	}

	f.engine = &lifecycle.Engine{
		Store:            f.store,
		Locker:           lock.NewKeyedMutex(),
		Dispatcher:       f.dispatcher,
		Now:              func() time.Time { return now },
		RetryMaxAttempts: 2,
		RetryBackoffMin:  time.Millisecond,
		RetryBackoffMax:  time.Millisecond,
	}
	f.engine.SetPoller(f.armer)

	f.service = NewService(f.store, f.engine, f.armer)

	return f
}

func liveCall(stored status.Status) *call.Call {
	return &call.Call{
		ID:             "call-1",
		OrganizationID: "org-1",
		ProviderCallID: merge.Ptr("prov-1"),
		CorrelationID:  merge.Ptr("corr-1"),
		Status:         stored,
	}
}

func event(raw string, metadata map[string]any) *Event {
	e := &Event{}
	e.CallID = "prov-1"
	e.Status = raw
	e.Metadata = metadata

	return e
}

func TestIngestStaleStatusIsNoop(t *testing.T) {
	f := newFixture(t, liveCall(status.InProgress))

	result, err := f.service.Ingest(context.Background(), event("ringing", nil))
	require.NoError(t, err)

	assert.Equal(t, ResolvedByProvider, result.Resolution)
	assert.False(t, result.Outcome.Changed)
	assert.Equal(t, status.InProgress, result.Outcome.Call.Status)
	assert.Equal(t, 0, f.dispatcher.count())
}

func TestIngestDuplicateTerminalDispatchesOnce(t *testing.T) {
	f := newFixture(t, liveCall(status.InProgress))
	f.armer.armed["prov-1"] = poller.Target{ProviderCallID: "prov-1"}

	duration := 42.0
	completed := event("completed", nil)
	completed.Duration = &duration

	first, err := f.service.Ingest(context.Background(), completed)
	require.NoError(t, err)
	assert.True(t, first.Outcome.Terminated)

	second, err := f.service.Ingest(context.Background(), completed)
	require.NoError(t, err)
	assert.False(t, second.Outcome.Changed)

	assert.Equal(t, 1, f.dispatcher.count())
	assert.False(t, f.armer.IsArmed("prov-1"), "terminal webhook cancels the poller")

	stored, err := f.store.Get(context.Background(), call.Ref{CallID: "call-1", OrganizationID: "org-1"})
	require.NoError(t, err)
	assert.Equal(t, status.Completed, stored.Status)
	require.NotNil(t, stored.DurationSeconds)
	assert.Equal(t, 42, *stored.DurationSeconds)
}

func TestIngestConflictingTerminalKeepsFirst(t *testing.T) {
	f := newFixture(t, liveCall(status.InProgress))

	_, err := f.service.Ingest(context.Background(), event("completed", nil))
	require.NoError(t, err)

	result, err := f.service.Ingest(context.Background(), event("failed", nil))
	require.NoError(t, err)

	assert.False(t, result.Outcome.Changed)
	assert.Equal(t, status.Completed, result.Outcome.Call.Status)
	assert.Equal(t, 1, f.dispatcher.count())
}

func TestIngestResolvesByCorrelationFirst(t *testing.T) {
	other := &call.Call{
		ID:             "call-2",
		OrganizationID: "org-1",
		ProviderCallID: merge.Ptr("prov-2"),
		CorrelationID:  merge.Ptr("corr-1-other"),
	}
	f := newFixture(t, liveCall(status.Initiated), other)

	e := event("in-progress", map[string]any{
		MetadataCorrelationID:  "corr-1",
		MetadataOrganizationID: "org-1",
		"campaign":             "spring",
	})
	e.CallID = "prov-2"

	result, err := f.service.Ingest(context.Background(), e)
	require.NoError(t, err)

	assert.Equal(t, ResolvedByCorrelation, result.Resolution)
	assert.Equal(t, "call-1", result.Outcome.Call.ID)
	assert.Equal(t, "spring", result.Outcome.Call.Metadata["campaign"])
	assert.NotContains(t, result.Outcome.Call.Metadata, MetadataCorrelationID)
}

func TestIngestCorrelationIsScopedByOrganization(t *testing.T) {
	f := newFixture(t, liveCall(status.Initiated))

	e := event("in-progress", map[string]any{
		MetadataCorrelationID:  "corr-1",
		MetadataOrganizationID: "org-2",
	})

	result, err := f.service.Ingest(context.Background(), e)
	require.NoError(t, err)

	assert.Equal(t, Unresolved, result.Resolution)
	assert.Nil(t, result.Outcome)
}

func TestIngestUnknownCallIsSoftAccepted(t *testing.T) {
	f := newFixture(t)

	e := event("completed", nil)
	e.CallID = "prov-404"

	result, err := f.service.Ingest(context.Background(), e)
	require.NoError(t, err)
	assert.Equal(t, Unresolved, result.Resolution)
}

func TestIngestArmsPollerForLiveCall(t *testing.T) {
	f := newFixture(t, liveCall(status.Initiated))

	_, err := f.service.Ingest(context.Background(), event("ringing", nil))
	require.NoError(t, err)

	assert.True(t, f.armer.IsArmed("prov-1"))
	assert.Equal(t, "call-1", f.armer.armed["prov-1"].Ref.CallID)
}

type failingStore struct {
	*call.MemoryStore
}

func (s failingStore) Update(context.Context, call.Ref, map[string]any) (*call.Call, error) {
	return nil, errors.New("connection reset")
}

func TestIngestPersistenceFailure(t *testing.T) {
	f := newFixture(t, liveCall(status.InProgress))
	f.engine.Store = failingStore{MemoryStore: f.store}

	_, err := f.service.Ingest(context.Background(), event("completed", nil))
	require.ErrorIs(t, err, lifecycle.ErrPersistence)
	assert.Equal(t, 0, f.dispatcher.count())
}

func TestParseEvent(t *testing.T) {
	parsed, err := ParseEvent([]byte(`{
		"call_id": "prov-1",
		"status": "completed",
		"call_length": 1.5,
		"recording_url": "https://cdn.example/rec.mp3",
		"concatenated_transcript": "hello",
		"price": 0.12,
		"answered_by": "voicemail",
		"metadata": {"correlation_id": "corr-1", "organization_id": 7}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "corr-1", parsed.CorrelationID())
	assert.Equal(t, "7", parsed.OrganizationID())

	fact := parsed.Fact()
	assert.Equal(t, "completed", fact.Status)
	require.NotNil(t, fact.DurationSeconds)
	assert.Equal(t, 90, *fact.DurationSeconds)
	assert.True(t, fact.Voicemail)
	assert.Empty(t, fact.Metadata)

	_, err = ParseEvent([]byte(`{"status": "completed"}`))
	require.ErrorIs(t, err, ErrMalformedEvent)

	_, err = ParseEvent([]byte(`not json`))
	require.ErrorIs(t, err, ErrMalformedEvent)
}
