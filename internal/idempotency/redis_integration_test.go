//go:build integration

package idempotency

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

func TestRedisGuard(t *testing.T) {
	ctx := context.Background()
	c, err := testcontainersredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() { _ = c.Terminate(ctx) })
	addr, err := c.ConnectionString(ctx)
	require.NoError(t, err)
	client := goredis.NewClient(&goredis.Options{Addr: strings.TrimPrefix(addr, "redis://")})
	defer client.Close()

	g := NewRedis(client, time.Minute)
	first, err := g.First(ctx, "inbound", "evt_1")
	require.NoError(t, err)
	assert.True(t, first)

	first, err = g.First(ctx, "inbound", "evt_1")
	require.NoError(t, err)
	assert.False(t, first)

	ttl, err := client.TTL(ctx, "opsync:seen:inbound:evt_1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)

	require.NoError(t, g.Forget(ctx, "inbound", "evt_1"))
	first, err = g.First(ctx, "inbound", "evt_1")
	require.NoError(t, err)
	assert.True(t, first)
}
