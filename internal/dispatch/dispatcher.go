// Package dispatch fires the post-terminal side effects of a call. Handler
// failures are logged and dead-lettered; they never touch the call record.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	prometheusCallsync "git.mci.dev/mse/sre/phoenix/golang/callsync/internal/prometheus"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

var (
	ErrUnknownHandler = errors.New("unknown terminal handler")
	ErrHandlerPanic   = errors.New("terminal handler panicked")
)

// TerminalHandler is one downstream effect of a call reaching a terminal status.
type TerminalHandler interface {
	Name() string
	OnCallTerminal(ctx context.Context, record call.Call) error
}

// FailureRecorder keeps failed deliveries for a later retry.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, record call.Call, handler string, cause error) error
}

type Dispatcher struct {
	handlers map[string]TerminalHandler
	order    []string
	pool     *ants.Pool
	timeout  time.Duration
	failures FailureRecorder
}

func NewDispatcher(failures FailureRecorder, handlers ...TerminalHandler) (*Dispatcher, error) {
	return newDispatcher(
		config.Conf.DispatchPoolSize,
		time.Duration(config.Conf.DispatchTimeout)*time.Second,
		failures,
		handlers...,
	)
}

func newDispatcher(
	poolSize int,
	timeout time.Duration,
	failures FailureRecorder,
	handlers ...TerminalHandler,
) (*Dispatcher, error) {
	pool, err := ants.NewPool(poolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}

	dispatcher := &Dispatcher{
		handlers: make(map[string]TerminalHandler, len(handlers)),
		pool:     pool,
		timeout:  timeout,
		failures: failures,
	}

	for _, handler := range handlers {
		dispatcher.handlers[handler.Name()] = handler
		dispatcher.order = append(dispatcher.order, handler.Name())
	}

	return dispatcher, nil
}

// Dispatch runs every handler for record in the background.
func (dispatcher *Dispatcher) Dispatch(record call.Call) {
	err := dispatcher.pool.Submit(func() {
		for _, name := range dispatcher.order {
			dispatcher.deliver(name, record)
		}
	})
	if err != nil {
		logging.Logger.Error("[Dispatch] Worker pool rejected terminal dispatch",
			zap.String("call_id", record.ID),
			zap.String("error", err.Error()),
		)

		for _, name := range dispatcher.order {
			dispatcher.recordFailure(record, name, err)
		}
	}
}

// Redeliver runs one named handler synchronously. Used by the dead letter worker.
func (dispatcher *Dispatcher) Redeliver(ctx context.Context, handler string, record call.Call) error {
	target, ok := dispatcher.handlers[handler]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandler, handler)
	}

	return invoke(ctx, target, record)
}

func (dispatcher *Dispatcher) Close(timeout time.Duration) {
	err := dispatcher.pool.ReleaseTimeout(timeout)
	if err != nil {
		logging.Logger.Warn("[Dispatch] Pool did not drain in time", zap.String("error", err.Error()))
	}
}

func (dispatcher *Dispatcher) deliver(name string, record call.Call) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatcher.timeout)
	defer cancel()

	err := invoke(ctx, dispatcher.handlers[name], record)
	if err != nil {
		prometheusCallsync.TerminalDispatches.WithLabelValues(name, "failed").Inc()

		logging.Logger.Error("[Dispatch] Terminal handler failed",
			zap.String("handler", name),
			zap.String("call_id", record.ID),
			zap.String("organization_id", record.OrganizationID),
			zap.String("error", err.Error()),
		)

		dispatcher.recordFailure(record, name, err)

		return
	}

	prometheusCallsync.TerminalDispatches.WithLabelValues(name, "ok").Inc()

	logging.Logger.Info("[Dispatch] Terminal handler done",
		zap.String("handler", name),
		zap.String("call_id", record.ID),
		zap.String("status", string(record.Status)),
	)
}

func (dispatcher *Dispatcher) recordFailure(record call.Call, handler string, cause error) {
	if dispatcher.failures == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), dispatcher.timeout)
	defer cancel()

	err := dispatcher.failures.RecordFailure(ctx, record, handler, cause)
	if err != nil {
		logging.Logger.Error("[Dispatch] Failed to dead-letter terminal dispatch",
			zap.String("handler", handler),
			zap.String("call_id", record.ID),
			zap.String("error", err.Error()),
		)
	}
}

func invoke(ctx context.Context, handler TerminalHandler, record call.Call) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()

	return handler.OnCallTerminal(ctx, record)
}
