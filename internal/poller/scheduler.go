// Package poller keeps one pull loop per in-flight call as a safety net for
// webhooks that arrive late or never.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/lifecycle"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/merge"
	prometheusCallsync "git.mci.dev/mse/sre/phoenix/golang/callsync/internal/prometheus"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/provider"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

var (
	ErrAlreadyArmed          = errors.New("a poller is already armed for this provider call id")
	ErrMissingProviderCallID = errors.New("provider call id is required to arm a poller")
	ErrSchedulerClosed       = errors.New("poll scheduler is shut down")
	ErrPoolOverloaded        = errors.New("poll worker pool is full")
)

// Puller fetches the provider's current view of a call.
type Puller interface {
	PullStatus(ctx context.Context, providerCallID string) (*provider.Snapshot, error)
}

// Applier merges a fact into the stored call.
type Applier interface {
	Apply(ctx context.Context, ref call.Ref, fact merge.Fact, source merge.Source) (*lifecycle.Outcome, error)
}

type Settings struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	BackoffFactor   float64
	Expiry          time.Duration
	ApplyTimeout    time.Duration
	PoolSize        int
}

func SettingsFromConfig() Settings {
	return Settings{
		InitialInterval: time.Duration(config.Conf.PollInitialInterval) * time.Second,
		MaxInterval:     time.Duration(config.Conf.PollMaxInterval) * time.Second,
		BackoffFactor:   config.Conf.PollBackoffFactor,
		Expiry:          time.Duration(config.Conf.PollExpiry) * time.Second,
		ApplyTimeout:    time.Duration(config.Conf.LockWait+config.Conf.HTTPTimeout) * time.Second,
		PoolSize:        config.Conf.PollPoolSize,
	}
}

// Target is what a poller needs to address a call.
type Target struct {
	Ref            call.Ref
	ProviderCallID string
	// ArmedAt anchors the expiry budget; zero means now. Re-armed calls pass
	// their creation time so a restart does not extend the budget.
	ArmedAt time.Time
}

func TargetFor(record *call.Call) Target {
	return Target{
		Ref:            record.Ref(),
		ProviderCallID: record.ProviderID(),
		ArmedAt:        record.CreatedAt,
	}
}

// Scheduler is the only component that creates or cancels poll workers and
// holds at most one worker per provider call id.
type Scheduler struct {
	puller   Puller
	applier  Applier
	clock    Clock
	settings Settings
	pool     *ants.Pool

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup
}

func NewScheduler(puller Puller, applier Applier, clock Clock, settings Settings) (*Scheduler, error) {
	pool, err := ants.NewPool(settings.PoolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}

	return &Scheduler{
		puller:   puller,
		applier:  applier,
		clock:    clock,
		settings: settings,
		pool:     pool,
		workers:  make(map[string]*worker),
	}, nil
}

// Arm starts polling target. It fails with ErrAlreadyArmed when a worker for the
// same provider call id is still active.
func (scheduler *Scheduler) Arm(target Target) error {
	if target.ProviderCallID == "" {
		return ErrMissingProviderCallID
	}

	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()

	if scheduler.closed {
		return ErrSchedulerClosed
	}

	if _, ok := scheduler.workers[target.ProviderCallID]; ok {
		return ErrAlreadyArmed
	}

	if target.ArmedAt.IsZero() {
		target.ArmedAt = scheduler.clock.Now()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		scheduler: scheduler,
		target:    target,
		ctx:       ctx,
		cancel:    cancel,
	}
	w.setState(StateArmed)

	scheduler.workers[target.ProviderCallID] = w
	scheduler.wg.Add(1)

	err := scheduler.pool.Submit(func() {
		defer scheduler.wg.Done()
		defer scheduler.release(w)

		w.run()
	})
	if err != nil {
		delete(scheduler.workers, target.ProviderCallID)
		scheduler.wg.Done()
		cancel()

		return fmt.Errorf("%w: %w", ErrPoolOverloaded, err)
	}

	prometheusCallsync.ActivePollers.Set(float64(len(scheduler.workers)))

	logging.Logger.Info("[Arm] Poller armed",
		zap.String("call_id", target.Ref.CallID),
		zap.String("organization_id", target.Ref.OrganizationID),
		zap.String("provider_call_id", target.ProviderCallID),
	)

	return nil
}

// Cancel stops the worker of providerCallID. A sleeping worker wakes up
// immediately; an in-flight pull is allowed to finish. It reports whether a
// worker was active.
func (scheduler *Scheduler) Cancel(providerCallID string) bool {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()

	w, ok := scheduler.workers[providerCallID]
	if !ok {
		return false
	}

	delete(scheduler.workers, providerCallID)
	w.finish(StateCancelled)

	prometheusCallsync.ActivePollers.Set(float64(len(scheduler.workers)))

	return true
}

func (scheduler *Scheduler) Active() int {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()

	return len(scheduler.workers)
}

func (scheduler *Scheduler) IsArmed(providerCallID string) bool {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()

	_, ok := scheduler.workers[providerCallID]

	return ok
}

// Shutdown cancels every worker, waits for them to return and releases the pool.
func (scheduler *Scheduler) Shutdown() {
	scheduler.mu.Lock()
	if scheduler.closed {
		scheduler.mu.Unlock()
		return
	}

	scheduler.closed = true

	for id, w := range scheduler.workers {
		w.finish(StateCancelled)
		delete(scheduler.workers, id)
	}

	prometheusCallsync.ActivePollers.Set(0)
	scheduler.mu.Unlock()

	scheduler.wg.Wait()
	scheduler.pool.Release()

	logging.Logger.Info("[Shutdown] Poll scheduler stopped")
}

// release drops w from the registry unless it was already replaced or cancelled.
func (scheduler *Scheduler) release(w *worker) {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()

	if current, ok := scheduler.workers[w.target.ProviderCallID]; ok && current == w {
		delete(scheduler.workers, w.target.ProviderCallID)
	}

	prometheusCallsync.ActivePollers.Set(float64(len(scheduler.workers)))
}
