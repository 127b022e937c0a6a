package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/lifecycle"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/merge"
	prometheusCallsync "git.mci.dev/mse/sre/phoenix/golang/callsync/internal/prometheus"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/provider"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/status"
	"go.uber.org/zap"
)

// ExpiryReason is recorded on calls whose poller ran out of budget.
const ExpiryReason = "no terminal status observed"

type State string

const (
	StateArmed     State = "armed"
	StatePolling   State = "polling"
	StateTerminal  State = "terminal"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

type worker struct {
	scheduler *Scheduler
	target    Target
	ctx       context.Context
	cancel    context.CancelFunc

	mu    sync.Mutex
	state State
}

func (w *worker) run() {
	settings := w.scheduler.settings
	deadline := w.target.ArmedAt.Add(settings.Expiry)
	interval := settings.InitialInterval

	w.setState(StatePolling)

	defer func() {
		logging.Logger.Info("[Poller] Worker finished",
			zap.String("call_id", w.target.Ref.CallID),
			zap.String("provider_call_id", w.target.ProviderCallID),
			zap.String("state", string(w.State())),
		)
	}()

	for {
		wait := min(interval, deadline.Sub(w.scheduler.clock.Now()))

		err := w.scheduler.clock.Sleep(w.ctx, wait)
		if err != nil || w.ctx.Err() != nil {
			w.finish(StateCancelled)
			return
		}

		if !w.scheduler.clock.Now().Before(deadline) {
			w.expire()
			return
		}

		if w.tick() {
			return
		}

		interval = nextInterval(interval, settings)
	}
}

// tick pulls one snapshot and merges it. It reports whether the worker is done.
func (w *worker) tick() bool {
	started := time.Now()

	snapshot, err := w.scheduler.puller.PullStatus(w.ctx, w.target.ProviderCallID)
	if err != nil {
		prometheusCallsync.ProviderPullLatency.WithLabelValues("error").Observe(time.Since(started).Seconds())

		logging.Logger.Warn("[Poller] Provider pull failed, retrying on next tick",
			zap.String("call_id", w.target.Ref.CallID),
			zap.String("provider_call_id", w.target.ProviderCallID),
			zap.Bool("unknown_to_provider", errors.Is(err, provider.ErrCallNotFound)),
			zap.String("error", err.Error()),
		)

		return false
	}

	prometheusCallsync.ProviderPullLatency.WithLabelValues("ok").Observe(time.Since(started).Seconds())

	outcome, err := w.apply(snapshot.Fact(), merge.SourcePoll)
	if err != nil {
		if errors.Is(err, call.ErrNotFound) {
			logging.Logger.Warn("[Poller] Call record disappeared, stopping",
				zap.String("call_id", w.target.Ref.CallID),
			)
			w.finish(StateCancelled)

			return true
		}

		logging.Logger.Error("[Poller] Failed to apply polled snapshot",
			zap.String("call_id", w.target.Ref.CallID),
			zap.String("provider_call_id", w.target.ProviderCallID),
			zap.String("error", err.Error()),
		)

		return false
	}

	if outcome.Call.Status.Terminal() {
		w.finish(StateTerminal)
		return true
	}

	return false
}

func (w *worker) expire() {
	prometheusCallsync.PollerExpirations.Inc()

	fact := merge.Fact{
		Status:    string(status.Failed),
		EndReason: merge.Ptr(ExpiryReason),
	}

	_, err := w.apply(fact, merge.SourceExpiry)
	if err != nil {
		logging.Logger.Error("[Poller] Failed to record expiry",
			zap.String("call_id", w.target.Ref.CallID),
			zap.String("error", err.Error()),
		)
	}

	w.finish(StateExpired)
}

// apply is detached from the worker's cancellation so an in-flight merge can
// complete after the poller was cancelled.
func (w *worker) apply(fact merge.Fact, source merge.Source) (*lifecycle.Outcome, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), w.scheduler.settings.ApplyTimeout)
	defer cancel()

	return w.scheduler.applier.Apply(ctx, w.target.Ref, fact, source)
}

func (w *worker) finish(state State) {
	w.setState(state)
	w.cancel()
}

func (w *worker) setState(state State) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.state = state
}

func (w *worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.state
}

func nextInterval(current time.Duration, settings Settings) time.Duration {
	next := time.Duration(float64(current) * settings.BackoffFactor)
	if next > settings.MaxInterval {
		return settings.MaxInterval
	}

	return next
}
