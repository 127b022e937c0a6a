package poller

import (
	"context"
	"errors"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"go.uber.org/zap"
)

// ActiveLister lists non-terminal calls that already carry a provider call id.
type ActiveLister interface {
	ListActive(ctx context.Context, limit int) ([]call.Call, error)
}

// Sweeper arms a poller for every active call that has none, so calls are
// polled even when no creation event or webhook ever reaches this process.
type Sweeper struct {
	lister    ActiveLister
	scheduler *Scheduler
	interval  time.Duration
	limit     int
}

func NewSweeper(lister ActiveLister, scheduler *Scheduler, interval time.Duration, limit int) *Sweeper {
	return &Sweeper{
		lister:    lister,
		scheduler: scheduler,
		interval:  interval,
		limit:     limit,
	}
}

// Sweep returns how many pollers it armed.
func (sweeper *Sweeper) Sweep(ctx context.Context) (int, error) {
	active, err := sweeper.lister.ListActive(ctx, sweeper.limit)
	if err != nil {
		return 0, err
	}

	armed := 0

	for i := range active {
		target := TargetFor(&active[i])
		if sweeper.scheduler.IsArmed(target.ProviderCallID) {
			continue
		}

		err = sweeper.scheduler.Arm(target)

		switch {
		case err == nil:
			armed++
		case errors.Is(err, ErrAlreadyArmed):
		case errors.Is(err, ErrSchedulerClosed):
			return armed, err
		default:
			logging.Logger.Warn("[Sweep] Failed to arm poller",
				zap.String("call_id", active[i].ID),
				zap.String("provider_call_id", target.ProviderCallID),
				zap.String("error", err.Error()),
			)
		}
	}

	if armed > 0 {
		logging.Logger.Info("[Sweep] Pollers armed", zap.Int("armed", armed), zap.Int("active", len(active)))
	}

	return armed, nil
}

// Run sweeps on the scheduler's clock until ctx is cancelled or the scheduler shuts down.
func (sweeper *Sweeper) Run(ctx context.Context) {
	for {
		err := sweeper.scheduler.clock.Sleep(ctx, sweeper.interval)
		if err != nil || ctx.Err() != nil {
			return
		}

		_, err = sweeper.Sweep(ctx)
		if errors.Is(err, ErrSchedulerClosed) {
			return
		}

		if err != nil {
			logging.Logger.Error("[Sweep] Failed to list active calls", zap.String("error", err.Error()))
		}
	}
}
