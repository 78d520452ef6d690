// Package idempotency recognizes replays of inbound events and outbound
// deliveries by their id.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard records ids. First returns true only for the first caller within TTL.
type Guard interface {
	First(ctx context.Context, scope, id string) (bool, error)
	// Forget drops an id so a later retry is processed again, used when
	// handling failed after First.
	Forget(ctx context.Context, scope, id string) error
}

type Redis struct {
	Client redis.UniversalClient
	Prefix string
	TTL    time.Duration
}

func NewRedis(client redis.UniversalClient, ttl time.Duration) *Redis {
	return &Redis{Client: client, Prefix: "opsync:seen:", TTL: ttl}
}

func (r *Redis) key(scope, id string) string { return r.Prefix + scope + ":" + id }

func (r *Redis) First(ctx context.Context, scope, id string) (bool, error) {
	if id == "" {
		return false, errors.New("idempotency id cannot be empty")
	}
	ok, err := r.Client.SetNX(ctx, r.key(scope, id), time.Now().UTC().Format(time.RFC3339), r.TTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return ok, nil
}

func (r *Redis) Forget(ctx context.Context, scope, id string) error {
	if err := r.Client.Del(ctx, r.key(scope, id)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Memory is a process-local Guard. Expired ids are swept lazily.
type Memory struct {
	mu   sync.Mutex
	seen map[string]time.Time
	ttl  time.Duration
	now  func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{seen: map[string]time.Time{}, ttl: ttl, now: time.Now}
}

func (m *Memory) First(_ context.Context, scope, id string) (bool, error) {
	if id == "" {
		return false, errors.New("idempotency id cannot be empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	k := scope + ":" + id
	if exp, ok := m.seen[k]; ok && now.Before(exp) {
		return false, nil
	}
	if len(m.seen) > 10000 {
		for key, exp := range m.seen {
			if !now.Before(exp) {
				delete(m.seen, key)
			}
		}
	}
	m.seen[k] = now.Add(m.ttl)
	return true, nil
}

func (m *Memory) Forget(_ context.Context, scope, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.seen, scope+":"+id)
	return nil
}
