package healthchecker

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/circuitbreak"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"go.uber.org/zap"
)

const checkTimeout = 5 * time.Second

// Check reports nil when the dependency answers.
type Check func(ctx context.Context) error

// Healthchecker cancels the app context when a breaker opens and later waits
// for the failing dependency to recover before the app is rebuilt.
type Healthchecker struct {
	CtxCancelFunc context.CancelFunc
	ErrorService  string
	Checks        map[string]Check
	Interval      time.Duration
}

func NewService(ctxCancelFunc context.CancelFunc) *Healthchecker {
	return &Healthchecker{
		CtxCancelFunc: ctxCancelFunc,
		Checks:        make(map[string]Check),
		Interval:      time.Duration(config.Conf.HealthCheckerMonitorInterval) * time.Second,
	}
}

// Register adds the probe used for service once its breaker opened.
func (h *Healthchecker) Register(service string, check Check) {
	h.Checks[service] = check
}

func (h *Healthchecker) TriggerError(service string) {
	logging.Logger.Error("service error happened", zap.String("service", service))
	h.ErrorService = service
	h.CtxCancelFunc()
}

// Monitor blocks until a breaker opens or ctx ends.
func (h *Healthchecker) Monitor(ctx context.Context) {
	logging.Logger.Info("health checker monitor start successfully")

	select {
	case serviceName := <-circuitbreak.CircuitBreakChan:
		logging.Logger.Info("circuit break happened", zap.String("service", serviceName))
		h.TriggerError(serviceName)
	case <-ctx.Done():
	}
}

// WaitUntilHealthy polls the failing service until its check passes. It
// returns at once when no breaker opened.
func (h *Healthchecker) WaitUntilHealthy() {
	if h.ErrorService == "" {
		return
	}

	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	for {
		<-ticker.C

		if h.checkErrorService() {
			return
		}
	}
}

func (h *Healthchecker) checkErrorService() bool {
	check, ok := h.Checks[h.ErrorService]
	if !ok {
		logging.Logger.Warn("Unknown service in checkErrorService, assuming healthy",
			zap.String("service", h.ErrorService),
		)

		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
	defer cancel()

	err := check(ctx)
	if err != nil {
		logging.Logger.Info(h.ErrorService+" service still unhealthy", zap.String("error", err.Error()))
		return false
	}

	logging.Logger.Info(h.ErrorService + " service back healthy")

	return true
}
