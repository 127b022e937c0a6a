package main

import (
	"context"
	"os/signal"
	"syscall"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/app"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/prometheus"
	"go.uber.org/zap"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go prometheus.Run(rootCtx)

	for {
		ctx, cancel := context.WithCancel(rootCtx)

		callsync, err := app.NewApp(ctx, cancel)
		if err != nil {
			logging.Logger.Fatal("failed to create callsync app", zap.String("error", err.Error()))
		}

		err = callsync.Run(ctx)
		if err != nil {
			cancel()
			logging.Logger.Fatal("callsync app failed", zap.String("error", err.Error()))
		}

		<-ctx.Done()
		cancel()

		if rootCtx.Err() != nil {
			logging.Logger.Info("received shutdown signal, exiting")
			return
		}

		callsync.HealthCheckerService.WaitUntilHealthy()
	}
}
