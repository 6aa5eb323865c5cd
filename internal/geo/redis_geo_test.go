package geo

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/testutil"
)

// newTestRedis skips unless TEST_REDIS_ADDR points at a disposable instance.
func newTestRedis(t *testing.T) *RedisDirectory {
	t.Helper()
	c := redis.NewClient(&redis.Options{Addr: testutil.RedisAddr(t)})
	require.NoError(t, c.Ping(context.Background()).Err())
	t.Cleanup(func() { _ = c.Close() })
	return NewRedisDirectory(c, "test_geo_"+uuid.NewString())
}

func TestRedisDirectory_BusyGateAndRanking(t *testing.T) {
	ctx := context.Background()
	dir := newTestRedis(t)
	d1, d2 := "d1-"+uuid.NewString(), "d2-"+uuid.NewString()
	t.Cleanup(func() {
		_ = dir.MarkFree(ctx, d1)
		_ = dir.MarkFree(ctx, d2)
		dir.client.Del(ctx, dir.key, metaKey(d1), metaKey(d2))
	})

	origin := models.Coord{Lat: 40.0, Lon: -73.0}
	require.NoError(t, dir.SetOnline(ctx, d1, models.Coord{Lat: 40.001, Lon: -73.0}, true))
	require.NoError(t, dir.SetOnline(ctx, d2, models.Coord{Lat: 40.01, Lon: -73.0}, true))

	got, err := dir.ListEligible(ctx, origin, 5000, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{d1, d2}, got)

	require.NoError(t, dir.MarkBusy(ctx, d1))
	assert.ErrorIs(t, dir.MarkBusy(ctx, d1), models.ErrAlreadyBusy)

	got, err = dir.ListEligible(ctx, origin, 5000, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{d2}, got)

	require.NoError(t, dir.SetOnline(ctx, d2, models.Coord{Lat: 40.01, Lon: -73.0}, false))
	got, err = dir.ListEligible(ctx, origin, 5000, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	a, err := dir.Get(ctx, d1)
	require.NoError(t, err)
	assert.True(t, a.Busy)
	assert.True(t, a.Online)
}
