package lock

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"hostsync/internal/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another run already holds the account's lock.
type ErrLockHeld struct {
	AccountID string
	RetryAt   time.Time
}

func (e *ErrLockHeld) Error() string {
	return fmt.Sprintf("account %s is locked until ~%s", e.AccountID, e.RetryAt.Format(time.RFC3339))
}

// IsHeld reports whether err is a lock conflict and returns its details.
func IsHeld(err error) (*ErrLockHeld, bool) {
	var held *ErrLockHeld
	if errors.As(err, &held) {
		return held, true
	}
	return nil, false
}

// NewRedisClient builds a go-redis client from config.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

// Ping verifies the redis connection.
func Ping(ctx context.Context, client *redis.Client) error {
	if _, err := client.Ping(ctx).Result(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

// Locker hands out cooperative, non-blocking, account-scoped locks. The key is
// derived deterministically from the account id, so every trigger path (manual,
// cron, backfill) contends on the same key.
type Locker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewLocker(client *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Locker{client: client, ttl: ttl}
}

// Lease is a held lock. Unlock releases it only if the token still matches,
// so an expired lease can never release a successor's lock.
type Lease struct {
	client *redis.Client
	key    string
	token  string
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// TryLock attempts to acquire the account lock without blocking.
func (l *Locker) TryLock(ctx context.Context, accountID string) (*Lease, error) {
	key := Key(accountID)
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		retryAt := time.Now().Add(l.ttl)
		if ttl, err := l.client.PTTL(ctx, key).Result(); err == nil && ttl > 0 {
			retryAt = time.Now().Add(ttl)
		}
		return nil, &ErrLockHeld{AccountID: accountID, RetryAt: retryAt}
	}

	return &Lease{client: l.client, key: key, token: token}, nil
}

// Unlock releases the lease. Safe to call on every exit path; releasing a
// lease that already expired is a no-op.
func (le *Lease) Unlock(ctx context.Context) error {
	if le == nil {
		return nil
	}
	if err := releaseScript.Run(ctx, le.client, []string{le.key}, le.token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock %s: %w", le.key, err)
	}
	return nil
}

// Key derives the lock key from the account id via FNV-1a.
func Key(accountID string) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(accountID))
	return fmt.Sprintf("hostsync:lock:account:%x", h.Sum64())
}
