package geo

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Directory tracks online drivers, their last position and the busy gate.
// MarkBusy is the only way to claim a driver and must be an atomic
// check-and-set.
type Directory interface {
	SetOnline(ctx context.Context, driverID string, loc models.Coord, online bool) error
	ListEligible(ctx context.Context, origin models.Coord, radiusM float64, limit int) ([]string, error)
	MarkBusy(ctx context.Context, driverID string) error
	MarkFree(ctx context.Context, driverID string) error
	Get(ctx context.Context, driverID string) (models.DriverAvailability, error)
}

// Index is the in-process Directory. Entries persist across online/offline
// cycles; the busy flag is untouched by SetOnline.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverAvailability
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.DriverAvailability), now: time.Now}
}

// NewIndexWithClock is used by tests that need deterministic last-seen values.
func NewIndexWithClock(now func() time.Time) *Index {
	return &Index{drivers: make(map[string]models.DriverAvailability), now: now}
}

func (g *Index) SetOnline(_ context.Context, driverID string, loc models.Coord, online bool) error {
	if driverID == "" {
		return fmt.Errorf("%w: driver id is required", models.ErrValidation)
	}
	if !loc.Valid() {
		return fmt.Errorf("%w: coordinates out of range", models.ErrValidation)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	d := g.drivers[driverID]
	d.DriverID = driverID
	d.Online = online
	d.Loc = loc
	d.LastSeen = g.now()
	g.drivers[driverID] = d
	return nil
}

func (g *Index) Get(_ context.Context, driverID string) (models.DriverAvailability, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return models.DriverAvailability{}, fmt.Errorf("geo.Index.Get %s: %w", driverID, models.ErrNotFound)
	}
	return d, nil
}

func (g *Index) MarkBusy(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return fmt.Errorf("geo.Index.MarkBusy %s: %w", driverID, models.ErrNotFound)
	}
	if d.Busy {
		return fmt.Errorf("geo.Index.MarkBusy %s: %w", driverID, models.ErrAlreadyBusy)
	}
	d.Busy = true
	g.drivers[driverID] = d
	return nil
}

func (g *Index) MarkFree(_ context.Context, driverID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return fmt.Errorf("geo.Index.MarkFree %s: %w", driverID, models.ErrNotFound)
	}
	d.Busy = false
	g.drivers[driverID] = d
	return nil
}

// ListEligible scans online, non-busy drivers within radiusM of origin.
// limit <= 0 means no limit.
func (g *Index) ListEligible(_ context.Context, origin models.Coord, radiusM float64, limit int) ([]string, error) {
	g.mu.RLock()
	cands := make([]Candidate, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.Online || d.Busy {
			continue
		}
		dist := Haversine(origin.Lat, origin.Lon, d.Loc.Lat, d.Loc.Lon)
		if radiusM > 0 && dist > radiusM {
			continue
		}
		cands = append(cands, Candidate{DriverID: d.DriverID, DistanceM: dist, LastSeen: d.LastSeen})
	}
	g.mu.RUnlock()
	return RankCandidates(cands, limit), nil
}

// Candidate is one eligible driver before ranking.
type Candidate struct {
	DriverID  string
	DistanceM float64
	LastSeen  time.Time
}

// RankCandidates orders by distance, then most recently seen, then id so the
// order is deterministic.
func RankCandidates(cands []Candidate, limit int) []string {
	sort.Slice(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.DistanceM != b.DistanceM {
			return a.DistanceM < b.DistanceM
		}
		if !a.LastSeen.Equal(b.LastSeen) {
			return a.LastSeen.After(b.LastSeen)
		}
		return a.DriverID < b.DriverID
	})
	if limit > 0 && len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]string, 0, len(cands))
	for _, c := range cands {
		out = append(out, c.DriverID)
	}
	return out
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
