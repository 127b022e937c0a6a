package broadcast

import (
	"context"
	"strings"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/auth"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisPublisher publishes events on one channel per organization so every
// instance's relay can fan them out to its local subscribers.
type RedisPublisher struct {
	Client redis.Cmdable
	Prefix string
}

func NewRedisPublisher(client redis.Cmdable, prefix string) *RedisPublisher {
	return &RedisPublisher{Client: client, Prefix: prefix}
}

func (p *RedisPublisher) Publish(ctx context.Context, organizationID string, event Event) error {
	if event.OrganizationID != organizationID {
		return auth.ErrForeignOrganization
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return p.Client.Publish(ctx, p.Prefix+organizationID, payload).Err()
}

// RedisRelay feeds events published by any instance into the local hub.
type RedisRelay struct {
	Client *redis.Client
	Prefix string
	Hub    *Hub
}

func NewRedisRelay(client *redis.Client, prefix string, hub *Hub) *RedisRelay {
	return &RedisRelay{Client: client, Prefix: prefix, Hub: hub}
}

// Run blocks until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	pubsub := r.Client.PSubscribe(ctx, r.Prefix+"*")

	defer func() {
		err := pubsub.Close()
		if err != nil {
			logging.Logger.Error("[RedisRelay] Failed to close subscription", zap.String("error", err.Error()))
		}
	}()

	_, err := pubsub.Receive(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}

		return err
	}

	logging.Logger.Info("[RedisRelay] Subscribed to realtime channels", zap.String("pattern", r.Prefix+"*"))

	messages := pubsub.Channel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case message, ok := <-messages:
			if !ok {
				return nil
			}

			r.handle(message)
		}
	}
}

func (r *RedisRelay) handle(message *redis.Message) {
	var event Event

	err := json.Unmarshal([]byte(message.Payload), &event)
	if err != nil {
		logging.Logger.Warn("[RedisRelay] Dropping undecodable event",
			zap.String("channel", message.Channel),
			zap.String("error", err.Error()),
		)

		return
	}

	organizationID := strings.TrimPrefix(message.Channel, r.Prefix)
	if organizationID == "" || event.OrganizationID != organizationID {
		logging.Logger.Warn("[RedisRelay] Dropping event published on a foreign channel",
			zap.String("channel", message.Channel),
			zap.String("organization_id", event.OrganizationID),
		)

		return
	}

	r.Hub.Deliver(event)
}
