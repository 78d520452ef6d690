package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGuard(t *testing.T) {
	g := NewMemory(time.Minute)
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	ctx := context.Background()

	first, err := g.First(ctx, "delivery", "wd_1")
	require.NoError(t, err)
	assert.True(t, first)

	first, err = g.First(ctx, "delivery", "wd_1")
	require.NoError(t, err)
	assert.False(t, first, "replay of the same delivery id")

	first, err = g.First(ctx, "inbound", "wd_1")
	require.NoError(t, err)
	assert.True(t, first, "scopes are independent")

	now = now.Add(2 * time.Minute)
	first, err = g.First(ctx, "delivery", "wd_1")
	require.NoError(t, err)
	assert.True(t, first, "expired ids are accepted again")

	require.NoError(t, g.Forget(ctx, "delivery", "wd_1"))
	first, err = g.First(ctx, "delivery", "wd_1")
	require.NoError(t, err)
	assert.True(t, first)

	_, err = g.First(ctx, "delivery", "")
	assert.Error(t, err)
}
