package lock

import (
	"context"
	"errors"
	"time"

	"git.mci.dev/mse/sre/phoenix/golang/callsync/internal/logging"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "callsync:lock:"

// releaseScript deletes the lock only if it is still held by the caller's token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLocker serializes holders of the same key across processes. The TTL bounds
// how long a crashed holder can block others.
type RedisLocker struct {
	Client        redis.Cmdable
	TTL           time.Duration
	Wait          time.Duration
	RetryInterval time.Duration
	NewToken      func() string
}

func NewRedisLocker(client redis.Cmdable, ttl, wait, retryInterval time.Duration) *RedisLocker {
	return &RedisLocker{
		Client:        client,
		TTL:           ttl,
		Wait:          wait,
		RetryInterval: retryInterval,
		NewToken:      uuid.NewString,
	}
}

func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := redisKeyPrefix + key
	token := r.NewToken()

	waitCtx, cancel := context.WithTimeout(ctx, r.Wait)
	defer cancel()

	for {
		acquired, err := r.Client.SetNX(waitCtx, redisKey, token, r.TTL).Result()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
			return nil, err
		}

		if acquired {
			return r.unlocker(redisKey, token), nil
		}

		timer := time.NewTimer(r.RetryInterval)

		select {
		case <-waitCtx.Done():
			timer.Stop()
			return nil, errors.Join(ErrLockTimeout, waitCtx.Err())
		case <-timer.C:
		}
	}
}

func (r *RedisLocker) unlocker(redisKey, token string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.TTL)
		defer cancel()

		err := releaseScript.Run(ctx, r.Client, []string{redisKey}, token).Err()
		if err != nil && !errors.Is(err, redis.Nil) {
			logging.Logger.Warn("[RedisLocker] Failed to release lock, it will expire",
				zap.String("key", redisKey),
				zap.String("error", err.Error()),
			)
		}
	}
}
