package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const rideColumns = `id, rider_id, origin_lat, origin_lon, origin_address, dest_lat, dest_lon, dest_address,
	price, status, driver_id, cancel_reason, created_at, assigned_at, updated_at`

func (p *PostgresStore) CreateRide(ctx context.Context, req models.RideRequest) (models.Ride, error) {
	if err := ValidateRequest(req); err != nil {
		return models.Ride{}, err
	}
	row := p.db.QueryRowContext(ctx, `INSERT INTO rides(id, rider_id, origin_lat, origin_lon, origin_address, dest_lat, dest_lon, dest_address, price, status)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		RETURNING `+rideColumns,
		uuid.NewString(), req.RiderID,
		req.Origin.Lat, req.Origin.Lon, req.Origin.Address,
		req.Destination.Lat, req.Destination.Lon, req.Destination.Address,
		req.Price, models.RideMatching)
	r, err := scanRide(row)
	if err != nil {
		return models.Ride{}, fmt.Errorf("storage.PostgresStore.CreateRide: %w: %v", models.ErrUnavailable, err)
	}
	return r, nil
}

func (p *PostgresStore) GetRide(ctx context.Context, id string) (models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, fmt.Errorf("storage.PostgresStore.GetRide %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.Ride{}, fmt.Errorf("storage.PostgresStore.GetRide %s: %w: %v", id, models.ErrUnavailable, err)
	}
	return r, nil
}

// Transition guards the update with `WHERE status = from` so concurrent
// dispatch resolutions and lifecycle calls serialize on the row.
func (p *PostgresStore) Transition(ctx context.Context, id string, t models.Transition) (models.Ride, error) {
	if err := ValidateTransition(t); err != nil {
		return models.Ride{}, err
	}
	driver := sql.NullString{String: t.DriverID, Valid: t.DriverID != ""}
	row := p.db.QueryRowContext(ctx, `UPDATE rides SET
			status = $1,
			driver_id = CASE WHEN $2 = 'ASSIGNED' THEN $3
			                 WHEN $2 IN ('IN_PROGRESS','COMPLETED') THEN driver_id
			                 ELSE NULL END,
			assigned_at = CASE WHEN $2 = 'ASSIGNED' THEN now() ELSE assigned_at END,
			cancel_reason = CASE WHEN $2 = 'CANCELLED' THEN $4 ELSE cancel_reason END,
			updated_at = now()
		WHERE id = $5 AND status = $6
		RETURNING `+rideColumns,
		t.To, string(t.To), driver, t.Reason, id, t.From)
	r, err := scanRide(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Ride{}, fmt.Errorf("storage.PostgresStore.Transition %s: %w: %v", id, models.ErrUnavailable, err)
	}
	// no row matched: either the ride is unknown or the status moved on
	cur, gerr := p.GetRide(ctx, id)
	if gerr != nil {
		return models.Ride{}, gerr
	}
	return cur, fmt.Errorf("storage.PostgresStore.Transition %s: status is %s, want %s: %w", id, cur.Status, t.From, models.ErrConflict)
}

func (p *PostgresStore) Close() error { return p.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (models.Ride, error) {
	var (
		r          models.Ride
		status     string
		driver     sql.NullString
		reason     sql.NullString
		assignedAt sql.NullTime
		createdAt  time.Time
	)
	err := row.Scan(&r.ID, &r.RiderID,
		&r.Origin.Lat, &r.Origin.Lon, &r.Origin.Address,
		&r.Destination.Lat, &r.Destination.Lon, &r.Destination.Address,
		&r.Price, &status, &driver, &reason, &createdAt, &assignedAt, &r.UpdatedAt)
	if err != nil {
		return models.Ride{}, err
	}
	r.Status = models.RideStatus(status)
	r.AssignedDriverID = driver.String
	r.CancelReason = reason.String
	r.CreatedAt = createdAt
	if assignedAt.Valid {
		t := assignedAt.Time
		r.AssignedAt = &t
	}
	return r, nil
}
