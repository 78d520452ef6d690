package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a SET NX PX lock shared across replicas. TTL bounds how long a
// crashed holder can block others.
type Redis struct {
	Client redis.UniversalClient
	Prefix string
	TTL    time.Duration
	// Wait caps how long Acquire polls for a busy key.
	Wait time.Duration
	Poll time.Duration
}

func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{
		Client: client,
		Prefix: "opsync:lock:",
		TTL:    30 * time.Second,
		Wait:   5 * time.Second,
		Poll:   50 * time.Millisecond,
	}
}

func (r *Redis) Acquire(ctx context.Context, key string) (Release, error) {
	if key == "" {
		return nil, errors.New("lock key cannot be empty")
	}
	k := r.Prefix + key
	token := uuid.NewString()
	deadline := time.Now().Add(r.Wait)
	for {
		ok, err := r.Client.SetNX(ctx, k, token, r.TTL).Result()
		if err != nil {
			return nil, fmt.Errorf("redis setnx: %w", err)
		}
		if ok {
			return func(ctx context.Context) error {
				if err := releaseScript.Run(ctx, r.Client, []string{k}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
					return fmt.Errorf("redis release: %w", err)
				}
				return nil
			}, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrNotAcquired
		}
		if err := sleepContext(ctx, r.Poll); err != nil {
			return nil, errors.Join(ErrNotAcquired, err)
		}
	}
}
