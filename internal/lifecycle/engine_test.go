package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/lock"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/merge"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu      sync.Mutex
	changes []call.Call
}

func (n *recordingNotifier) CallChanged(record call.Call, _ merge.Source) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.changes = append(n.changes, record)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return len(n.changes)
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []call.Call
}

func (d *recordingDispatcher) Dispatch(record call.Call) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.calls = append(d.calls, record)
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.calls)
}

type recordingCanceller struct {
	mu        sync.Mutex
	cancelled []string
}

func (c *recordingCanceller) Cancel(providerCallID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cancelled = append(c.cancelled, providerCallID)

	return true
}

type flakyStore struct {
	*call.MemoryStore
	failures int
	attempts int
}

func (s *flakyStore) Update(ctx context.Context, ref call.Ref, updates map[string]any) (*call.Call, error) {
	s.attempts++
	if s.attempts <= s.failures {
		return nil, errors.New("connection reset")
	}

	return s.MemoryStore.Update(ctx, ref, updates)
}

type fixture struct {
	engine     *Engine
	store      *call.MemoryStore
	notifier   *recordingNotifier
	dispatcher *recordingDispatcher
	canceller  *recordingCanceller
	ref        call.Ref
}

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := call.NewMemoryStore()
	record := &call.Call{
		ID:             "call-1",
		OrganizationID: "org-1",
		ProviderCallID: merge.Ptr("prov-1"),
	}
	require.NoError(t, store.Create(context.Background(), record))

	f := &fixture{
		store:      store,
		notifier:   &recordingNotifier{},
		dispatcher: &recordingDispatcher{},
		canceller:  &recordingCanceller{},
		ref:        record.Ref(),
	}

	f.engine = &Engine{
		Store:            store,
		Locker:           lock.NewKeyedMutex(),
		Notifier:         f.notifier,
		Dispatcher:       f.dispatcher,
		Poller:           f.canceller,
		Now:              func() time.Time { return fixedNow },
		RetryMaxAttempts: 3,
		RetryBackoffMin:  time.Millisecond,
		RetryBackoffMax:  2 * time.Millisecond,
	}

	return f
}

func TestApplyStaleFactIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	outcome, err := f.engine.Apply(ctx, f.ref, merge.Fact{Status: "ringing"}, merge.SourceWebhook)
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	assert.Equal(t, status.Ringing, outcome.Call.Status)
	assert.Equal(t, 1, f.notifier.count())

	outcome, err = f.engine.Apply(ctx, f.ref, merge.Fact{Status: "Ringing"}, merge.SourcePoll)
	require.NoError(t, err)
	assert.False(t, outcome.Changed)
	assert.Equal(t, 1, f.notifier.count())
}

func TestApplyTerminalTransitionFiresOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Apply(ctx, f.ref, merge.Fact{Status: "connected"}, merge.SourcePoll)
	require.NoError(t, err)

	ended := merge.Fact{Status: "ended", DurationSeconds: merge.Ptr(42)}

	outcome, err := f.engine.Apply(ctx, f.ref, ended, merge.SourceWebhook)
	require.NoError(t, err)
	assert.True(t, outcome.Terminated)
	assert.Equal(t, status.Completed, outcome.Call.Status)
	assert.Equal(t, 42, *outcome.Call.DurationSeconds)
	require.NotNil(t, outcome.Call.EndedAt)
	assert.Equal(t, fixedNow, *outcome.Call.EndedAt)

	outcome, err = f.engine.Apply(ctx, f.ref, ended, merge.SourceWebhook)
	require.NoError(t, err)
	assert.False(t, outcome.Changed)
	assert.False(t, outcome.Terminated)

	assert.Equal(t, 1, f.dispatcher.count())
	assert.Equal(t, []string{"prov-1"}, f.canceller.cancelled)
	assert.Equal(t, 2, f.notifier.count())
}

func TestApplyRetriesTransientPersistenceFailures(t *testing.T) {
	f := newFixture(t)
	store := &flakyStore{MemoryStore: f.store, failures: 2}
	f.engine.Store = store

	outcome, err := f.engine.Apply(context.Background(), f.ref, merge.Fact{Status: "ringing"}, merge.SourceWebhook)
	require.NoError(t, err)
	assert.Equal(t, status.Ringing, outcome.Call.Status)
	assert.Equal(t, 3, store.attempts)
}

func TestApplyReturnsPersistenceErrorWhenRetriesExhaust(t *testing.T) {
	f := newFixture(t)
	f.engine.Store = &flakyStore{MemoryStore: f.store, failures: 10}

	_, err := f.engine.Apply(context.Background(), f.ref, merge.Fact{Status: "completed"}, merge.SourceWebhook)
	require.ErrorIs(t, err, ErrPersistence)

	assert.Zero(t, f.notifier.count())
	assert.Zero(t, f.dispatcher.count())

	stored, err := f.store.Get(context.Background(), f.ref)
	require.NoError(t, err)
	assert.Equal(t, status.Scheduled, stored.Status)
}

func TestApplyIsScopedByOrganization(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Apply(context.Background(),
		call.Ref{CallID: "call-1", OrganizationID: "org-2"},
		merge.Fact{Status: "completed"},
		merge.SourceWebhook,
	)
	require.ErrorIs(t, err, call.ErrNotFound)

	_, err = f.engine.Apply(context.Background(), call.Ref{CallID: "call-1"}, merge.Fact{}, merge.SourceWebhook)
	require.ErrorIs(t, err, call.ErrMissingTenant)
}

func TestApplyConcurrentFactsConverge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	facts := []merge.Fact{
		{Status: "ringing"},
		{Status: "in-progress"},
		{Status: "completed", DurationSeconds: merge.Ptr(60)},
		{RecordingURL: merge.Ptr("https://cdn/rec.mp3")},
		{Transcript: merge.Ptr("hello")},
		{Status: "completed", DurationSeconds: merge.Ptr(60)},
		{Status: "ringing", DurationSeconds: merge.Ptr(30)},
	}

	var wg sync.WaitGroup

	for i := range 10 {
		for _, fact := range facts {
			wg.Add(1)

			go func(fact merge.Fact, source merge.Source) {
				defer wg.Done()

				_, err := f.engine.Apply(ctx, f.ref, fact, source)
				assert.NoError(t, err)
			}(fact, []merge.Source{merge.SourceWebhook, merge.SourcePoll}[i%2])
		}
	}

	wg.Wait()

	stored, err := f.store.Get(ctx, f.ref)
	require.NoError(t, err)

	assert.Equal(t, status.Completed, stored.Status)
	assert.Equal(t, 60, *stored.DurationSeconds)
	assert.Equal(t, "https://cdn/rec.mp3", *stored.RecordingURL)
	assert.Equal(t, "hello", *stored.Transcript)
	assert.Equal(t, 1, f.dispatcher.count())
}

func TestStopCancelsPollerAndRecordsCancelled(t *testing.T) {
	f := newFixture(t)

	outcome, err := f.engine.Stop(context.Background(), f.ref)
	require.NoError(t, err)

	assert.Equal(t, status.Cancelled, outcome.Call.Status)
	require.NotNil(t, outcome.Call.EndReason)
	assert.Equal(t, operatorStopReason, *outcome.Call.EndReason)
	assert.Contains(t, f.canceller.cancelled, "prov-1")
	assert.Equal(t, 1, f.dispatcher.count())
}

func TestStopAfterTerminalKeepsFirstStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.Apply(ctx, f.ref, merge.Fact{Status: "completed"}, merge.SourceWebhook)
	require.NoError(t, err)

	outcome, err := f.engine.Stop(ctx, f.ref)
	require.NoError(t, err)

	assert.False(t, outcome.Changed)
	assert.Equal(t, status.Completed, outcome.Call.Status)
	assert.Equal(t, 1, f.dispatcher.count())
}
