package geo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

func TestHaversineZero(t *testing.T) {
	d := Haversine(0, 0, 0, 0)
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestHaversineOneDegreeLatitude(t *testing.T) {
	d := Haversine(0, 0, 1, 0)
	assert.InDelta(t, 111195, d, 50)
}

type stepClock struct{ t time.Time }

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func TestListEligible_OrdersByDistanceThenRecency(t *testing.T) {
	ctx := context.Background()
	clk := &stepClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	idx := NewIndexWithClock(clk.now)

	origin := models.Coord{Lat: 52.52, Lon: 13.405}
	require.NoError(t, idx.SetOnline(ctx, "far", models.Coord{Lat: 52.53, Lon: 13.405}, true))
	require.NoError(t, idx.SetOnline(ctx, "near-old", models.Coord{Lat: 52.521, Lon: 13.405}, true))
	require.NoError(t, idx.SetOnline(ctx, "near-new", models.Coord{Lat: 52.521, Lon: 13.405}, true))
	require.NoError(t, idx.SetOnline(ctx, "offline", models.Coord{Lat: 52.52, Lon: 13.405}, false))
	require.NoError(t, idx.SetOnline(ctx, "out-of-range", models.Coord{Lat: 53.52, Lon: 13.405}, true))

	got, err := idx.ListEligible(ctx, origin, 5000, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"near-new", "near-old", "far"}, got)

	got, err = idx.ListEligible(ctx, origin, 5000, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"near-new", "near-old"}, got)
}

func TestListEligible_SkipsBusyDrivers(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	require.NoError(t, idx.SetOnline(ctx, "d1", models.Coord{Lat: 1, Lon: 1}, true))
	require.NoError(t, idx.SetOnline(ctx, "d2", models.Coord{Lat: 1, Lon: 1.001}, true))
	require.NoError(t, idx.MarkBusy(ctx, "d1"))

	got, err := idx.ListEligible(ctx, models.Coord{Lat: 1, Lon: 1}, 5000, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"d2"}, got)

	require.NoError(t, idx.MarkFree(ctx, "d1"))
	got, err = idx.ListEligible(ctx, models.Coord{Lat: 1, Lon: 1}, 5000, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"d1", "d2"}, got)
}

func TestMarkBusy_IsExclusive(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	require.NoError(t, idx.SetOnline(ctx, "d", models.Coord{}, true))

	const workers = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := idx.MarkBusy(ctx, "d"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, models.ErrAlreadyBusy)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestSetOnline_KeepsBusyFlag(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	require.NoError(t, idx.SetOnline(ctx, "d", models.Coord{}, true))
	require.NoError(t, idx.MarkBusy(ctx, "d"))
	require.NoError(t, idx.SetOnline(ctx, "d", models.Coord{Lat: 1}, true))

	d, err := idx.Get(ctx, "d")
	require.NoError(t, err)
	assert.True(t, d.Busy)
	assert.Equal(t, 1.0, d.Loc.Lat)
}

func TestUnknownDriver(t *testing.T) {
	ctx := context.Background()
	idx := NewIndex()
	assert.ErrorIs(t, idx.MarkBusy(ctx, "ghost"), models.ErrNotFound)
	_, err := idx.Get(ctx, "ghost")
	assert.ErrorIs(t, err, models.ErrNotFound)
	assert.ErrorIs(t, idx.SetOnline(ctx, "", models.Coord{}, true), models.ErrValidation)
}
