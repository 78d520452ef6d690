//go:build integration

package lock

import (
	"context"
	"strings"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testcontainersredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

func setupRedis(t *testing.T) *goredis.Client {
	t.Helper()
	ctx := context.Background()
	c, err := testcontainersredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() {
		if err := c.Terminate(ctx); err != nil {
			t.Logf("failed to terminate redis container: %v", err)
		}
	})
	addr, err := c.ConnectionString(ctx)
	require.NoError(t, err)
	client := goredis.NewClient(&goredis.Options{Addr: strings.TrimPrefix(addr, "redis://")})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestRedisLock(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()
	l := NewRedis(client)
	l.Wait = 100 * time.Millisecond

	release, err := l.Acquire(ctx, "tenant_a:ndr_1")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "tenant_a:ndr_1")
	assert.ErrorIs(t, err, ErrNotAcquired)

	other, err := l.Acquire(ctx, "tenant_b:ndr_1")
	require.NoError(t, err)
	require.NoError(t, other(ctx))

	require.NoError(t, release(ctx))
	again, err := l.Acquire(ctx, "tenant_a:ndr_1")
	require.NoError(t, err)

	// A stale release must not delete the new holder's key.
	require.NoError(t, release(ctx))
	n, err := client.Exists(ctx, "opsync:lock:tenant_a:ndr_1").Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
	require.NoError(t, again(ctx))
}
