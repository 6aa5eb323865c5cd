package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
)

// RideStore is the ride registry: the authoritative ride lifecycle record.
// Reads return snapshots; Transition is a compare-and-swap on status.
type RideStore interface {
	CreateRide(ctx context.Context, req models.RideRequest) (models.Ride, error)
	GetRide(ctx context.Context, id string) (models.Ride, error)
	Transition(ctx context.Context, id string, t models.Transition) (models.Ride, error)
}

type MemoryStore struct {
	mu    sync.RWMutex
	rides map[string]models.Ride
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: make(map[string]models.Ride), now: time.Now}
}

func (m *MemoryStore) CreateRide(_ context.Context, req models.RideRequest) (models.Ride, error) {
	if err := ValidateRequest(req); err != nil {
		return models.Ride{}, err
	}
	now := m.now()
	r := models.Ride{
		ID:          uuid.NewString(),
		RiderID:     req.RiderID,
		Origin:      req.Origin,
		Destination: req.Destination,
		Price:       req.Price,
		Status:      models.RideMatching,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = r
	return r, nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, fmt.Errorf("storage.MemoryStore.GetRide %s: %w", id, models.ErrNotFound)
	}
	return r, nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, t models.Transition) (models.Ride, error) {
	if err := ValidateTransition(t); err != nil {
		return models.Ride{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, fmt.Errorf("storage.MemoryStore.Transition %s: %w", id, models.ErrNotFound)
	}
	if r.Status != t.From {
		return r, fmt.Errorf("storage.MemoryStore.Transition %s: status is %s, want %s: %w", id, r.Status, t.From, models.ErrConflict)
	}
	applyTransition(&r, t, m.now())
	m.rides[id] = r
	return r, nil
}

// applyTransition keeps assigned_driver_id consistent with the target status.
func applyTransition(r *models.Ride, t models.Transition, now time.Time) {
	r.Status = t.To
	switch {
	case t.To == models.RideAssigned:
		r.AssignedDriverID = t.DriverID
		r.AssignedAt = &now
	case !t.To.HasDriver():
		r.AssignedDriverID = ""
	}
	if t.To == models.RideCancelled {
		r.CancelReason = t.Reason
	}
	r.UpdatedAt = now
}

func ValidateRequest(req models.RideRequest) error {
	if req.RiderID == "" {
		return fmt.Errorf("%w: rider_id is required", models.ErrValidation)
	}
	if !req.Origin.Valid() || !req.Destination.Valid() {
		return fmt.Errorf("%w: coordinates out of range", models.ErrValidation)
	}
	if req.Price < 0 {
		return fmt.Errorf("%w: price must not be negative", models.ErrValidation)
	}
	return nil
}

func ValidateTransition(t models.Transition) error {
	if t.To == models.RideAssigned && t.DriverID == "" {
		return fmt.Errorf("%w: assignment requires a driver", models.ErrValidation)
	}
	if t.From.Terminal() {
		return fmt.Errorf("%w: %s is terminal", models.ErrConflict, t.From)
	}
	return nil
}
