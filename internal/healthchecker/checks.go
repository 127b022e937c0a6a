package healthchecker

import (
	"context"
	"errors"
	"fmt"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/database"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/kafka"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/provider"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/redisclient"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

func DatabaseCheck(db *gorm.DB) Check {
	return func(ctx context.Context) error {
		return database.Ping(ctx, db)
	}
}

func RedisCheck(client redis.Cmdable) Check {
	return func(ctx context.Context) error {
		return redisclient.Ping(ctx, client)
	}
}

type statusPuller interface {
	PullStatus(ctx context.Context, providerCallID string) (*provider.Snapshot, error)
}

// ProviderCheck pulls a random call id. The provider is up if it answers,
// including with "not found".
func ProviderCheck(client statusPuller) Check {
	return func(ctx context.Context) error {
		_, err := client.PullStatus(ctx, "healthcheck-"+uuid.NewString())
		if err == nil || errors.Is(err, provider.ErrCallNotFound) || errors.Is(err, provider.ErrUnexpectedStatus) {
			return nil
		}

		return err
	}
}

// KafkaCheck opens and closes a fresh producer, which needs a reachable broker.
func KafkaCheck() Check {
	return func(context.Context) error {
		producer, err := kafka.NewProducer()
		if err != nil {
			return fmt.Errorf("kafka unreachable: %w", err)
		}

		return producer.Close()
	}
}
