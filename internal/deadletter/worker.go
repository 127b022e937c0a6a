package deadletter

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

type WorkerSettings struct {
	Interval   time.Duration
	RetryDelay time.Duration
	MaxRetries int
	Limit      int
	PoolSize   int
}

func WorkerSettingsFromConfig() WorkerSettings {
	return WorkerSettings{
		Interval:   time.Duration(config.Conf.DeadLetterCallInterval) * time.Minute,
		RetryDelay: time.Duration(config.Conf.DeadLetterCallRetryDelay) * time.Minute,
		MaxRetries: config.Conf.DeadLetterCallMaxRetries,
		Limit:      config.Conf.DeadLetterCallLimit,
		PoolSize:   config.Conf.DeadLetterPoolSize,
	}
}

type DeadLetterWorker struct {
	WorkerPool *ants.Pool
	DLService  *DeadLetterService
	Settings   WorkerSettings
}

func NewWorker(dlService *DeadLetterService, settings WorkerSettings) (*DeadLetterWorker, error) {
	workerPool, err := ants.NewPool(settings.PoolSize, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}

	return &DeadLetterWorker{
		WorkerPool: workerPool,
		DLService:  dlService,
		Settings:   settings,
	}, nil
}

func (dlWorker *DeadLetterWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(dlWorker.Settings.Interval)
	defer ticker.Stop()

	defer dlWorker.WorkerPool.Release()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			dlWorker.processDeadLetters(ctx)
		}
	}
}

func (dlWorker *DeadLetterWorker) processDeadLetters(ctx context.Context) int {
	entries, err := dlWorker.DLService.DLStore.GetPending(
		ctx,
		pendingCutoff(time.Now(), dlWorker.Settings.RetryDelay),
		dlWorker.Settings.MaxRetries,
		dlWorker.Settings.Limit,
	)
	if err != nil {
		return 0
	}

	if len(entries) == 0 {
		logging.Logger.Debug("[DeadLetterWorker] No pending dead letters")
		return 0
	}

	logging.Logger.Info("[DeadLetterWorker] Processing dead letters", zap.Int("count", len(entries)))

	submitted := 0

	for idx := range entries {
		entry := entries[idx]

		err := dlWorker.WorkerPool.Submit(func() {
			dlWorker.DLService.ProcessDeadLetter(ctx, &entry)
		})
		if err != nil {
			logging.Logger.Error("[DeadLetterWorker] Failed to submit dead letter",
				zap.String("call_id", entry.CallID),
				zap.String("error", err.Error()),
			)

			continue
		}

		submitted++
	}

	return submitted
}
