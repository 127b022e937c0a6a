package dispatch

import (
	"context"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"go.uber.org/zap"
)

const LogHandlerName = "log_terminal"

// LogHandler records terminal calls in the service log. It is the only handler
// when no event bus is configured.
type LogHandler struct{}

func (LogHandler) Name() string {
	return LogHandlerName
}

func (LogHandler) OnCallTerminal(_ context.Context, record call.Call) error {
	fields := []zap.Field{
		zap.String("call_id", record.ID),
		zap.String("organization_id", record.OrganizationID),
		zap.String("status", string(record.Status)),
		zap.String("outcome", string(InferOutcome(record))),
	}

	if record.DurationSeconds != nil {
		fields = append(fields, zap.Int("duration_seconds", *record.DurationSeconds))
	}

	logging.Named("dispatch").Info("[LogHandler] Call reached terminal status", fields...)

	return nil
}
