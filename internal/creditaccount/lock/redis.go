package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

const (
	defaultRedisLockTTL = 10 * time.Second
	redisPollInterval   = 10 * time.Millisecond
	redisPollMax        = 100 * time.Millisecond
	redisReleaseTimeout = 2 * time.Second
	minRenewInterval    = time.Millisecond
)

// RedisLocker holds a SETNX key with a random token for cross-process exclusion.
// The key is renewed every ttl/3 while held, so the TTL only bounds how long a
// crashed holder can block the account.
type RedisLocker struct {
	client *redis.Client
	script *redis.Script
	renew  *redis.Script
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = defaultRedisLockTTL
	}
	return &RedisLocker{
		client: client,
		script: redis.NewScript(releaseScript),
		renew:  redis.NewScript(renewScript),
		ttl:    ttl,
	}
}

func (l *RedisLocker) Backend() string { return "redis" }

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	if l == nil || l.client == nil {
		return nil, errors.New("lock client not configured")
	}
	if key == "" {
		return nil, errors.New("lock key is empty")
	}

	token := uuid.NewString()
	wait := redisPollInterval
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, waitError(ctx)
			}
			return nil, err
		}
		if ok {
			stop := make(chan struct{})
			done := make(chan struct{})
			go keepAlive(renewInterval(l.ttl), stop, done, func(ctx context.Context) (bool, error) {
				n, err := l.renew.Run(ctx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int64()
				return n == 1, err
			})

			var once sync.Once
			return func() {
				once.Do(func() {
					close(stop)
					<-done
					releaseCtx, cancel := context.WithTimeout(context.Background(), redisReleaseTimeout)
					defer cancel()
					_ = l.script.Run(releaseCtx, l.client, []string{key}, token).Err()
				})
			}, nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, waitError(ctx)
		case <-timer.C:
		}
		if wait < redisPollMax {
			wait *= 2
		}
	}
}

func renewInterval(ttl time.Duration) time.Duration {
	return max(ttl/3, minRenewInterval)
}

// keepAlive calls renew every interval until stop is closed or the key is no
// longer ours. A failed call is retried on the next tick.
func keepAlive(interval time.Duration, stop <-chan struct{}, done chan<- struct{}, renew func(context.Context) (bool, error)) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), redisReleaseTimeout)
			held, err := renew(ctx)
			cancel()
			if err == nil && !held {
				return
			}
		}
	}
}
