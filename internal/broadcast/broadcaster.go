package broadcast

import (
	"context"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/call"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/merge"
	prometheusCallsync "git.mci.dev/mse/sre/phoenix/golang/callsync/internal/prometheus"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Broadcaster publishes call changes without blocking the caller. Delivery is
// best effort: a full pool or a slow transport drops the event.
type Broadcaster struct {
	publisher Publisher
	pool      *ants.Pool
	timeout   time.Duration
	now       func() time.Time
}

func NewBroadcaster(publisher Publisher, poolSize int, timeout time.Duration) (*Broadcaster, error) {
	pool, err := ants.NewPool(poolSize, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}

	return &Broadcaster{
		publisher: publisher,
		pool:      pool,
		timeout:   timeout,
		now:       time.Now,
	}, nil
}

func (b *Broadcaster) CallChanged(record call.Call, source merge.Source) {
	event := NewEvent(record, source, b.now())

	err := b.pool.Submit(func() {
		b.publish(event)
	})
	if err != nil {
		prometheusCallsync.RealtimeEvents.WithLabelValues("dropped").Inc()

		logging.Logger.Warn("[Broadcast] Dropping call update",
			zap.String("call_id", record.ID),
			zap.String("organization_id", record.OrganizationID),
			zap.String("error", err.Error()),
		)
	}
}

func (b *Broadcaster) publish(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	err := b.publisher.Publish(ctx, event.OrganizationID, event)
	if err != nil {
		prometheusCallsync.RealtimeEvents.WithLabelValues("failed").Inc()

		logging.Logger.Warn("[Broadcast] Failed to publish call update",
			zap.String("event_id", event.ID),
			zap.String("call_id", event.Call.ID),
			zap.String("organization_id", event.OrganizationID),
			zap.String("error", err.Error()),
		)

		return
	}

	prometheusCallsync.RealtimeEvents.WithLabelValues("published").Inc()
}

// Close waits up to timeout for in-flight publishes.
func (b *Broadcaster) Close(timeout time.Duration) {
	err := b.pool.ReleaseTimeout(timeout)
	if err != nil {
		logging.Logger.Warn("[Broadcast] Pool did not drain in time", zap.String("error", err.Error()))
	}
}
