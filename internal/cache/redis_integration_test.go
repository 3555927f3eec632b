//go:build integration

package cache

import (
	"context"
	"testing"
	"time"

	"github.com/Veraticus/the-price-must-flow/internal/model"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: endpoint})
	require.NoError(t, client.Ping(ctx).Err())

	t.Cleanup(func() {
		_ = client.Close()
		_ = container.Terminate(ctx)
	})
	return client
}

func TestRedis_Integration(t *testing.T) {
	client := setupRedis(t)
	ctx := context.Background()

	type searchResult struct {
		Queries     []string           `json:"queries"`
		Competitors []model.Competitor `json:"competitors"`
	}

	store := NewRedis[searchResult](client, "reprice:search:", time.Minute)

	_, found, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	want := searchResult{
		Queries:     []string{"acme vitamin d 90 count"},
		Competitors: []model.Competitor{{Source: "example", Title: "Vitamin D", Price: 19.99}},
	}
	require.NoError(t, store.Set(ctx, "fp-1", want))

	got, found, err := store.Get(ctx, "fp-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, want, got)

	ttl, err := client.TTL(ctx, "reprice:search:fp-1").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, client.Set(ctx, "reprice:search:bad", "{not json", time.Minute).Err())
	_, found, err = store.Get(ctx, "bad")
	assert.ErrorIs(t, err, ErrInvalidEntry)
	assert.False(t, found)
	exists, err := client.Exists(ctx, "reprice:search:bad").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), exists, "corrupt entries are dropped")

	require.NoError(t, store.Delete(ctx, "fp-1"))
	_, found, err = store.Get(ctx, "fp-1")
	require.NoError(t, err)
	assert.False(t, found)
}
