package geo

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisDirectory implements Directory on Redis so the API process and the
// availability consumer share one view. Positions live in a GEO set that
// only holds online drivers; metadata in a hash per driver; the busy gate is
// a SETNX key.
type RedisDirectory struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewRedisDirectory(client *redis.Client, key string) *RedisDirectory {
	if key == "" {
		key = "drivers_geo"
	}
	return &RedisDirectory{client: client, key: key, now: time.Now}
}

func (r *RedisDirectory) SetOnline(ctx context.Context, driverID string, loc models.Coord, online bool) error {
	if driverID == "" {
		return fmt.Errorf("%w: driver id is required", models.ErrValidation)
	}
	if !loc.Valid() {
		return fmt.Errorf("%w: coordinates out of range", models.ErrValidation)
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if online {
			pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: loc.Lon, Latitude: loc.Lat, Name: driverID})
		} else {
			pipe.ZRem(ctx, r.key, driverID)
		}
		pipe.HSet(ctx, metaKey(driverID), map[string]interface{}{
			"lat":       strconv.FormatFloat(loc.Lat, 'f', -1, 64),
			"lon":       strconv.FormatFloat(loc.Lon, 'f', -1, 64),
			"online":    strconv.FormatBool(online),
			"last_seen": strconv.FormatInt(r.now().UnixMilli(), 10),
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("geo.RedisDirectory.SetOnline %s: %w: %v", driverID, models.ErrUnavailable, err)
	}
	return nil
}

func (r *RedisDirectory) Get(ctx context.Context, driverID string) (models.DriverAvailability, error) {
	var (
		meta *redis.MapStringStringCmd
		busy *redis.IntCmd
	)
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		meta = pipe.HGetAll(ctx, metaKey(driverID))
		busy = pipe.Exists(ctx, busyKey(driverID))
		return nil
	})
	if err != nil {
		return models.DriverAvailability{}, fmt.Errorf("geo.RedisDirectory.Get %s: %w: %v", driverID, models.ErrUnavailable, err)
	}
	m := meta.Val()
	if len(m) == 0 {
		return models.DriverAvailability{}, fmt.Errorf("geo.RedisDirectory.Get %s: %w", driverID, models.ErrNotFound)
	}
	d := models.DriverAvailability{DriverID: driverID, Busy: busy.Val() > 0}
	d.Online = m["online"] == "true"
	d.Loc.Lat, _ = strconv.ParseFloat(m["lat"], 64)
	d.Loc.Lon, _ = strconv.ParseFloat(m["lon"], 64)
	d.LastSeen = parseMillis(m["last_seen"])
	return d, nil
}

func (r *RedisDirectory) MarkBusy(ctx context.Context, driverID string) error {
	n, err := r.client.Exists(ctx, metaKey(driverID)).Result()
	if err != nil {
		return fmt.Errorf("geo.RedisDirectory.MarkBusy %s: %w: %v", driverID, models.ErrUnavailable, err)
	}
	if n == 0 {
		return fmt.Errorf("geo.RedisDirectory.MarkBusy %s: %w", driverID, models.ErrNotFound)
	}
	ok, err := r.client.SetNX(ctx, busyKey(driverID), r.now().UnixMilli(), 0).Result()
	if err != nil {
		return fmt.Errorf("geo.RedisDirectory.MarkBusy %s: %w: %v", driverID, models.ErrUnavailable, err)
	}
	if !ok {
		return fmt.Errorf("geo.RedisDirectory.MarkBusy %s: %w", driverID, models.ErrAlreadyBusy)
	}
	return nil
}

func (r *RedisDirectory) MarkFree(ctx context.Context, driverID string) error {
	if err := r.client.Del(ctx, busyKey(driverID)).Err(); err != nil {
		return fmt.Errorf("geo.RedisDirectory.MarkFree %s: %w: %v", driverID, models.ErrUnavailable, err)
	}
	return nil
}

func (r *RedisDirectory) ListEligible(ctx context.Context, origin models.Coord, radiusM float64, limit int) ([]string, error) {
	locs, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  origin.Lon,
			Latitude:   origin.Lat,
			Radius:     radiusM,
			RadiusUnit: "m",
			Sort:       "ASC",
		},
		WithDist: true,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("geo.RedisDirectory.ListEligible: %w: %v", models.ErrUnavailable, err)
	}
	if len(locs) == 0 {
		return nil, nil
	}

	busy := make([]*redis.IntCmd, len(locs))
	seen := make([]*redis.StringCmd, len(locs))
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, l := range locs {
			busy[i] = pipe.Exists(ctx, busyKey(l.Name))
			seen[i] = pipe.HGet(ctx, metaKey(l.Name), "last_seen")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("geo.RedisDirectory.ListEligible: %w: %v", models.ErrUnavailable, err)
	}

	cands := make([]Candidate, 0, len(locs))
	for i, l := range locs {
		if busy[i].Val() > 0 {
			continue
		}
		cands = append(cands, Candidate{
			DriverID:  l.Name,
			DistanceM: l.Dist,
			LastSeen:  parseMillis(seen[i].Val()),
		})
	}
	return RankCandidates(cands, limit), nil
}

func parseMillis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func metaKey(id string) string { return "driver:meta:" + id }
func busyKey(id string) string { return "driver:busy:" + id }
