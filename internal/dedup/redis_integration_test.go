//go:build integration

package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	return "redis://" + endpoint
}

func TestRedisIndex(t *testing.T) {
	ctx := context.Background()
	url := startRedis(t)

	idx, err := NewRedisIndex(ctx, url, time.Minute, zap.NewNop())
	require.NoError(t, err)
	defer idx.Close()

	id, err := idx.Lookup(ctx, "h1", "")
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, idx.Remember(ctx, "h1", "first"))
	require.NoError(t, idx.Remember(ctx, "h1", "second"))

	id, err = idx.Lookup(ctx, "h1", "")
	require.NoError(t, err)
	assert.Equal(t, "first", id)

	id, err = idx.Lookup(ctx, "h1", "first")
	require.NoError(t, err)
	assert.Equal(t, "second", id)

	// A second process sees the same index.
	other, err := NewRedisIndex(ctx, url, 0, zap.NewNop())
	require.NoError(t, err)
	defer other.Close()
	id, err = other.Lookup(ctx, "h1", "")
	require.NoError(t, err)
	assert.Equal(t, "first", id)

	require.NoError(t, other.Forget(ctx, "h1", "first"))
	id, err = idx.Lookup(ctx, "h1", "")
	require.NoError(t, err)
	assert.Equal(t, "second", id)
}

func TestRedisIndexBadURL(t *testing.T) {
	_, err := NewRedisIndex(context.Background(), "not a url", 0, zap.NewNop())
	assert.Error(t, err)
}
