package cache

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`

// Lock is a held lease on a key; only the holder's token can release it.
type Lock struct {
	Key   string
	Token string
	TTL   time.Duration
}

// AcquireLock tries to take key for ttl. It reports false without error when
// another holder owns the key. On a nil client the lock is always granted,
// which is correct for single-instance deployments.
func (c *Client) AcquireLock(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	if ttl <= 0 {
		return nil, false, errors.New("ttl must be > 0")
	}
	token := uuid.NewString()
	if c == nil || c.redis == nil {
		return &Lock{Key: key, Token: token, TTL: ttl}, true, nil
	}
	ok, err := c.redis.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{Key: key, Token: token, TTL: ttl}, true, nil
}

// ReleaseLock frees the lock if it is still held by lock's token.
func (c *Client) ReleaseLock(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return errors.New("lock is nil")
	}
	if c == nil || c.redis == nil {
		return nil
	}
	return c.redis.Eval(ctx, releaseScript, []string{lock.Key}, lock.Token).Err()
}
