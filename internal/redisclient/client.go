package redisclient

import (
	"context"
	"fmt"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	connMaxIdleTime = 5 * time.Minute
	connMaxLifetime = 30 * time.Minute
)

// NewClient opens a client from config and checks connectivity with PING.
func NewClient(ctx context.Context) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            config.Conf.RedisAddr,
		Password:        config.Conf.RedisPassword,
		DB:              config.Conf.RedisDB,
		DialTimeout:     time.Duration(config.Conf.RedisDialTimeout) * time.Second,
		PoolSize:        config.Conf.RedisPoolSize,
		ConnMaxIdleTime: connMaxIdleTime,
		ConnMaxLifetime: connMaxLifetime,
	})

	err := Ping(ctx, client)
	if err != nil {
		_ = client.Close()

		logging.Logger.Error("[NewClient] Redis is unreachable",
			zap.String("addr", config.Conf.RedisAddr),
			zap.String("error", err.Error()),
		)

		return nil, err
	}

	logging.Logger.Info("[NewClient] Connected to redis", zap.String("addr", config.Conf.RedisAddr))

	return client, nil
}

func Ping(ctx context.Context, client redis.Cmdable) error {
	pingCtx, cancel := context.WithTimeout(ctx, time.Duration(config.Conf.RedisPingTimeout)*time.Second)
	defer cancel()

	err := client.Ping(pingCtx).Err()
	if err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}

	return nil
}
