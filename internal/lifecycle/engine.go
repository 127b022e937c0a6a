// Package lifecycle runs every inbound fact through the same lock, merge and
// persist pipeline and fires the change and terminal side effects.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/lock"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/merge"
	prometheusCallsync "git.mci.dev/mse/sre/phoenix/golang/callsync/internal/prometheus"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/status"
	"github.com/avast/retry-go"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var ErrPersistence = errors.New("failed to persist call update")

const (
	operatorStopReason = "stopped by operator"
	lockKeyPrefix      = "call:"
)

// Notifier receives every accepted change.
type Notifier interface {
	CallChanged(record call.Call, source merge.Source)
}

// TerminalDispatcher is triggered once per call, on its first terminal transition.
type TerminalDispatcher interface {
	Dispatch(record call.Call)
}

// PollCanceller stops the poller of a call.
type PollCanceller interface {
	Cancel(providerCallID string) bool
}

// Outcome describes what one Apply did to the stored record.
type Outcome struct {
	Call       call.Call
	Changed    bool
	Terminated bool
	Previous   status.Status
}

type Engine struct {
	Store      call.Store
	Locker     lock.Locker
	Notifier   Notifier
	Dispatcher TerminalDispatcher
	Poller     PollCanceller
	Now        func() time.Time

	RetryMaxAttempts uint
	RetryBackoffMin  time.Duration
	RetryBackoffMax  time.Duration
}

func NewEngine(store call.Store, locker lock.Locker, notifier Notifier, dispatcher TerminalDispatcher) *Engine {
	return &Engine{
		Store:            store,
		Locker:           locker,
		Notifier:         notifier,
		Dispatcher:       dispatcher,
		Now:              time.Now,
		RetryMaxAttempts: config.Conf.PersistRetryMaxAttempts,
		RetryBackoffMin:  time.Duration(config.Conf.PersistRetryBackoffMin) * time.Millisecond,
		RetryBackoffMax:  time.Duration(config.Conf.PersistRetryBackoffMax) * time.Millisecond,
	}
}

// SetPoller attaches the poll scheduler once it exists; the scheduler itself
// applies facts through the engine.
func (engine *Engine) SetPoller(poller PollCanceller) {
	engine.Poller = poller
}

// Apply merges fact into the call addressed by ref. Updates to one call are
// serialized through the locker; different calls proceed in parallel.
func (engine *Engine) Apply(ctx context.Context, ref call.Ref, fact merge.Fact, source merge.Source) (*Outcome, error) {
	timer := prometheus.NewTimer(prometheusCallsync.ApplyDuration.WithLabelValues(string(source)))
	defer timer.ObserveDuration()

	if ref.CallID == "" || ref.OrganizationID == "" {
		return nil, call.ErrMissingTenant
	}

	unlock, err := engine.Locker.Lock(ctx, lockKeyPrefix+ref.CallID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := engine.Store.Get(ctx, ref)
	if err != nil {
		engine.count(source, "load_failed")
		return nil, err
	}

	result := merge.Merge(*current, fact, engine.now())
	if !result.Changed {
		engine.count(source, "noop")

		logging.Logger.Debug("[Apply] Fact changed nothing",
			zap.String("call_id", ref.CallID),
			zap.String("source", string(source)),
		)

		return &Outcome{Call: result.Call, Previous: result.Previous}, nil
	}

	persisted, err := engine.persist(ctx, ref, result.Updates)
	if err != nil {
		engine.count(source, "failed")

		logging.Logger.Error("[Apply] Dropping fact after persistence retries",
			zap.String("call_id", ref.CallID),
			zap.String("organization_id", ref.OrganizationID),
			zap.String("source", string(source)),
			zap.String("error", err.Error()),
		)

		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	engine.count(source, "changed")

	outcome := &Outcome{
		Call:       *persisted,
		Changed:    true,
		Terminated: result.Terminated,
		Previous:   result.Previous,
	}

	logging.Logger.Info("[Apply] Call updated",
		zap.String("call_id", ref.CallID),
		zap.String("organization_id", ref.OrganizationID),
		zap.String("source", string(source)),
		zap.String("from", string(result.Previous)),
		zap.String("to", string(persisted.Status)),
	)

	if engine.Notifier != nil {
		engine.Notifier.CallChanged(persisted.Clone(), source)
	}

	if outcome.Terminated {
		engine.onTerminal(*persisted, source)
	}

	return outcome, nil
}

// Stop cancels the call's poller and records it as cancelled. Calls that
// already reached a terminal status are left untouched.
func (engine *Engine) Stop(ctx context.Context, ref call.Ref) (*Outcome, error) {
	current, err := engine.Store.Get(ctx, ref)
	if err != nil {
		return nil, err
	}

	engine.cancelPoller(current.ProviderID())

	fact := merge.Fact{
		Status:    string(status.Cancelled),
		EndReason: merge.Ptr(operatorStopReason),
	}

	return engine.Apply(ctx, ref, fact, merge.SourceOperator)
}

func (engine *Engine) onTerminal(record call.Call, source merge.Source) {
	prometheusCallsync.TerminalTransitions.WithLabelValues(string(record.Status), string(source)).Inc()

	engine.cancelPoller(record.ProviderID())

	if engine.Dispatcher != nil {
		engine.Dispatcher.Dispatch(record.Clone())
	}
}

func (engine *Engine) cancelPoller(providerCallID string) {
	if engine.Poller == nil || providerCallID == "" {
		return
	}

	if engine.Poller.Cancel(providerCallID) {
		logging.Logger.Info("[Apply] Poller cancelled", zap.String("provider_call_id", providerCallID))
	}
}

func (engine *Engine) persist(ctx context.Context, ref call.Ref, updates map[string]any) (*call.Call, error) {
	var persisted *call.Call

	err := retry.Do(
		func() error {
			var err error

			persisted, err = engine.Store.Update(ctx, ref, updates)

			return err
		},
		retry.Context(ctx),
		retry.Attempts(engine.RetryMaxAttempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(engine.RetryBackoffMin),
		retry.MaxDelay(engine.RetryBackoffMax),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, call.ErrNotFound) && !errors.Is(err, call.ErrMissingTenant)
		}),
		retry.OnRetry(func(attempt uint, err error) {
			logging.Logger.Warn("[Apply] Retrying call update",
				zap.String("call_id", ref.CallID),
				zap.Uint("attempt", attempt),
				zap.String("error", err.Error()),
			)
		}),
	)
	if err != nil {
		return nil, err
	}

	return persisted, nil
}

func (engine *Engine) now() time.Time {
	if engine.Now == nil {
		return time.Now()
	}

	return engine.Now()
}

func (engine *Engine) count(source merge.Source, outcome string) {
	prometheusCallsync.FactsApplied.WithLabelValues(string(source), outcome).Inc()
}
