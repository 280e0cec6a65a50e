package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"stagehand/pkg/coordination"
)

const keyPrefix = "stagehand:lock:"

// Values are "token|owner" so only the holder can extend or delete the key.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisLocker connects to addr. ttl bounds how long a crashed run blocks others.
func NewRedisLocker(ctx context.Context, addr string, ttl time.Duration) (*RedisLocker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisLockerWithClient(client, ttl), nil
}

func NewRedisLockerWithClient(client *redis.Client, ttl time.Duration) *RedisLocker {
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) Close() error {
	return l.client.Close()
}

func (l *RedisLocker) Acquire(ctx context.Context, name, owner string) (coordination.Lease, error) {
	key := keyPrefix + name
	value := uuid.NewString() + "|" + owner

	ok, err := l.client.SetNX(ctx, key, value, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, coordination.ErrLockHeld)
	}

	lease := &RedisLease{
		client: l.client,
		key:    key,
		value:  value,
		owner:  owner,
		ttl:    l.ttl,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go lease.keepAlive()
	return lease, nil
}

// RedisLease extends its key every ttl/3 until released.
type RedisLease struct {
	client *redis.Client
	key    string
	value  string
	owner  string
	ttl    time.Duration

	stop chan struct{}
	done chan struct{}
	once sync.Once
	err  error
}

func (r *RedisLease) Owner() string { return r.owner }

func (r *RedisLease) keepAlive() {
	defer close(r.done)

	interval := r.ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			n, err := refreshScript.Run(ctx, r.client, []string{r.key}, r.value, r.ttl.Milliseconds()).Int()
			cancel()
			if err == nil && n == 0 {
				// Lost the key; nothing left to extend.
				return
			}
		}
	}
}

func (r *RedisLease) Release(ctx context.Context) error {
	r.once.Do(func() {
		close(r.stop)
		<-r.done

		n, err := releaseScript.Run(ctx, r.client, []string{r.key}, r.value).Int()
		switch {
		case err != nil && !errors.Is(err, redis.Nil):
			r.err = fmt.Errorf("failed to release lock: %w", err)
		case n == 0:
			r.err = fmt.Errorf("lock %s expired before release", r.key)
		}
	})
	return r.err
}
