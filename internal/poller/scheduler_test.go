package poller

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
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/provider"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/status"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPuller struct {
	mu        sync.Mutex
	calls     int
	responses []func() (*provider.Snapshot, error)
}

func (p *stubPuller) PullStatus(_ context.Context, providerCallID string) (*provider.Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	index := min(p.calls, len(p.responses)-1)
	p.calls++

	snapshot, err := p.responses[index]()
	if snapshot != nil {
		snapshot.CallID = providerCallID
	}

	return snapshot, err
}

func (p *stubPuller) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.calls
}

func snapshotOf(raw string, duration float64) func() (*provider.Snapshot, error) {
	return func() (*provider.Snapshot, error) {
		snapshot := &provider.Snapshot{Status: raw}
		if duration > 0 {
			snapshot.Duration = &duration
		}

		return snapshot, nil
	}
}

type countingDispatcher struct {
	mu    sync.Mutex
	count int
}

func (d *countingDispatcher) Dispatch(call.Call) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.count++
}

func (d *countingDispatcher) dispatched() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.count
}

type harness struct {
	scheduler  *Scheduler
	engine     *lifecycle.Engine
	store      *call.MemoryStore
	clock      *ManualClock
	puller     *stubPuller
	dispatcher *countingDispatcher
	record     *call.Call
}

var start = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func testSettings() Settings {
	return Settings{
		InitialInterval: 10 * time.Second,
		MaxInterval:     60 * time.Second,
		BackoffFactor:   1.25,
		Expiry:          30 * time.Minute,
		ApplyTimeout:    5 * time.Second,
		PoolSize:        16,
	}
}

func newHarness(t *testing.T, responses ...func() (*provider.Snapshot, error)) *harness {
	t.Helper()

	h := &harness{
		store:      call.NewMemoryStore(),
		clock:      NewManualClock(start),
		puller:     &stubPuller{responses: responses},
		dispatcher: &countingDispatcher{},
	}

	h.record = &call.Call{
		ID:             "call-1",
		OrganizationID: "org-1",
		ProviderCallID: merge.Ptr("prov-1"),
	}
	require.NoError(t, h.store.Create(context.Background(), h.record))

	h.engine = &lifecycle.Engine{
		Store:            h.store,
		Locker:           lock.NewKeyedMutex(),
		Dispatcher:       h.dispatcher,
		Now:              h.clock.Now,
		RetryMaxAttempts: 1,
	}

	scheduler, err := NewScheduler(h.puller, h.engine, h.clock, testSettings())
	require.NoError(t, err)

	h.engine.SetPoller(scheduler)
	h.scheduler = scheduler

	t.Cleanup(scheduler.Shutdown)

	return h
}

func (h *harness) arm(t *testing.T) {
	t.Helper()

	require.NoError(t, h.scheduler.Arm(Target{Ref: h.record.Ref(), ProviderCallID: "prov-1"}))
}

func (h *harness) stored(t *testing.T) *call.Call {
	t.Helper()

	record, err := h.store.Get(context.Background(), h.record.Ref())
	require.NoError(t, err)

	return record
}

func (h *harness) waitUntilStopped(t *testing.T) {
	t.Helper()

	assert.Eventually(t, func() bool {
		return !h.scheduler.IsArmed("prov-1") && h.clock.Sleepers() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestWorkerExpiresWithoutTerminalStatus(t *testing.T) {
	h := newHarness(t, snapshotOf("ringing", 0))
	h.arm(t)

	h.clock.BlockUntil(1)
	h.clock.Advance(10 * time.Second)
	h.clock.BlockUntil(1)

	assert.Equal(t, status.Ringing, h.stored(t).Status)

	h.clock.Advance(31 * time.Minute)
	h.waitUntilStopped(t)

	record := h.stored(t)
	assert.Equal(t, status.Failed, record.Status)
	require.NotNil(t, record.EndReason)
	assert.Equal(t, ExpiryReason, *record.EndReason)
	require.NotNil(t, record.EndedAt)
	assert.Equal(t, 1, h.puller.count())
	assert.Equal(t, 1, h.dispatcher.dispatched())
}

func TestWorkerStopsOnTerminalSnapshot(t *testing.T) {
	h := newHarness(t, snapshotOf("connected", 0), snapshotOf("completed", 42))
	h.arm(t)

	h.clock.BlockUntil(1)
	h.clock.Advance(10 * time.Second)
	h.clock.BlockUntil(1)

	assert.Equal(t, status.InProgress, h.stored(t).Status)

	h.clock.Advance(12500 * time.Millisecond)
	h.waitUntilStopped(t)

	record := h.stored(t)
	assert.Equal(t, status.Completed, record.Status)
	assert.Equal(t, 42, *record.DurationSeconds)
	assert.Equal(t, 2, h.puller.count())
	assert.Equal(t, 1, h.dispatcher.dispatched())
}

func TestWorkerSurvivesPullFailures(t *testing.T) {
	failing := func() (*provider.Snapshot, error) {
		return nil, errors.New("connection refused")
	}

	h := newHarness(t, failing, snapshotOf("completed", 0))
	h.arm(t)

	h.clock.BlockUntil(1)
	h.clock.Advance(10 * time.Second)
	h.clock.BlockUntil(1)

	assert.True(t, h.scheduler.IsArmed("prov-1"))
	assert.Equal(t, status.Scheduled, h.stored(t).Status)

	h.clock.Advance(time.Minute)
	h.waitUntilStopped(t)

	assert.Equal(t, status.Completed, h.stored(t).Status)
}

func TestWorkerStaysArmedWhileProviderBreakerIsOpen(t *testing.T) {
	open := func() (*provider.Snapshot, error) {
		return nil, gobreaker.ErrOpenState
	}

	h := newHarness(t, open, open, snapshotOf("completed", 30))
	h.arm(t)

	for range 2 {
		h.clock.BlockUntil(1)
		h.clock.Advance(time.Minute)
		h.clock.BlockUntil(1)

		assert.True(t, h.scheduler.IsArmed("prov-1"))
		assert.Equal(t, status.Scheduled, h.stored(t).Status)
	}

	h.clock.Advance(time.Minute)
	h.waitUntilStopped(t)

	assert.Equal(t, status.Completed, h.stored(t).Status)
	assert.Equal(t, 3, h.puller.count())
}

func TestWorkerStoresSnapshotMetadata(t *testing.T) {
	withMetadata := func() (*provider.Snapshot, error) {
		return &provider.Snapshot{
			Status: "completed",
			Metadata: map[string]any{
				provider.MetadataCorrelationID: "corr-1",
				"campaign":                     "spring",
			},
		}, nil
	}

	h := newHarness(t, withMetadata)
	h.arm(t)

	h.clock.BlockUntil(1)
	h.clock.Advance(10 * time.Second)
	h.waitUntilStopped(t)

	record := h.stored(t)
	assert.Equal(t, "spring", record.Metadata["campaign"])
	assert.NotContains(t, record.Metadata, provider.MetadataCorrelationID)
}

func TestCancelWakesSleepingWorker(t *testing.T) {
	h := newHarness(t, snapshotOf("ringing", 0))
	h.arm(t)

	h.clock.BlockUntil(1)

	assert.True(t, h.scheduler.Cancel("prov-1"))
	assert.False(t, h.scheduler.Cancel("prov-1"))

	h.waitUntilStopped(t)
	assert.Zero(t, h.puller.count())
}

func TestWebhookTerminalCancelsPoller(t *testing.T) {
	h := newHarness(t, snapshotOf("ringing", 0))
	h.arm(t)

	h.clock.BlockUntil(1)

	outcome, err := h.engine.Apply(context.Background(), h.record.Ref(),
		merge.Fact{Status: "ended", DurationSeconds: merge.Ptr(42)}, merge.SourceWebhook)
	require.NoError(t, err)
	assert.True(t, outcome.Terminated)

	assert.False(t, h.scheduler.IsArmed("prov-1"))
	h.waitUntilStopped(t)
	assert.Zero(t, h.puller.count())
	assert.Equal(t, 1, h.dispatcher.dispatched())
}

func TestArmValidation(t *testing.T) {
	h := newHarness(t, snapshotOf("ringing", 0))

	require.ErrorIs(t, h.scheduler.Arm(Target{Ref: h.record.Ref()}), ErrMissingProviderCallID)

	h.arm(t)
	require.ErrorIs(t, h.scheduler.Arm(Target{Ref: h.record.Ref(), ProviderCallID: "prov-1"}), ErrAlreadyArmed)
	assert.Equal(t, 1, h.scheduler.Active())

	h.scheduler.Shutdown()
	assert.Zero(t, h.scheduler.Active())
	require.ErrorIs(t, h.scheduler.Arm(Target{Ref: h.record.Ref(), ProviderCallID: "prov-1"}), ErrSchedulerClosed)
}

func TestRearmedCallKeepsOriginalBudget(t *testing.T) {
	h := newHarness(t, snapshotOf("ringing", 0))

	target := TargetFor(h.record)
	target.ArmedAt = start.Add(-29 * time.Minute)
	require.NoError(t, h.scheduler.Arm(target))

	h.clock.BlockUntil(1)
	h.clock.Advance(time.Minute)
	h.waitUntilStopped(t)

	assert.Equal(t, status.Failed, h.stored(t).Status)
	assert.Zero(t, h.puller.count())
}

func TestNextInterval(t *testing.T) {
	settings := testSettings()

	tests := []struct {
		current  time.Duration
		expected time.Duration
	}{
		{10 * time.Second, 12500 * time.Millisecond},
		{40 * time.Second, 50 * time.Second},
		{50 * time.Second, 60 * time.Second},
		{60 * time.Second, 60 * time.Second},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, nextInterval(tt.current, settings))
	}
}
