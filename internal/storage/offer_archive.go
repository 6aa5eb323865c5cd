package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// OfferArchive keeps every offer revision for audit. Offers are never deleted.
// SaveOffer never moves an offer back: a SENT write arriving after the
// offer's outcome, or an ACCEPTED write after it was superseded, is ignored.
type OfferArchive interface {
	SaveOffer(ctx context.Context, o models.Offer) error
	ListOffers(ctx context.Context, rideID string) ([]models.Offer, error)
	// ListOpen returns SENT offers and ACCEPTED offers whose ride is still
	// matching, by ride then seq.
	ListOpen(ctx context.Context) ([]models.Offer, error)
}

func statusRank(s models.OfferStatus) int {
	switch s {
	case models.OfferSent:
		return 0
	case models.OfferAccepted:
		return 1
	default:
		return 2
	}
}

type MemoryOfferArchive struct {
	mu     sync.RWMutex
	offers map[string]models.Offer
}

func NewMemoryOfferArchive() *MemoryOfferArchive {
	return &MemoryOfferArchive{offers: make(map[string]models.Offer)}
}

func (m *MemoryOfferArchive) SaveOffer(_ context.Context, o models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.offers[o.ID]; ok && statusRank(o.Status) < statusRank(prev.Status) {
		return nil
	}
	m.offers[o.ID] = o
	return nil
}

// ListOpen has no ride registry to consult, so it returns every ACCEPTED
// offer; callers check the ride themselves.
func (m *MemoryOfferArchive) ListOpen(_ context.Context) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Offer
	for _, o := range m.offers {
		if o.Status == models.OfferSent || o.Status == models.OfferAccepted {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RideID != out[j].RideID {
			return out[i].RideID < out[j].RideID
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (m *MemoryOfferArchive) ListOffers(_ context.Context, rideID string) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Offer
	for _, o := range m.offers {
		if o.RideID == rideID {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

type PostgresOfferArchive struct {
	db *sql.DB
}

func NewPostgresOfferArchive(db *sql.DB) *PostgresOfferArchive {
	return &PostgresOfferArchive{db: db}
}

func (p *PostgresOfferArchive) SaveOffer(ctx context.Context, o models.Offer) error {
	var resolved sql.NullTime
	if o.ResolvedAt != nil {
		resolved = sql.NullTime{Time: *o.ResolvedAt, Valid: true}
	}
	_, err := p.db.ExecContext(ctx, `INSERT INTO offers(id, ride_id, driver_id, seq, status, issued_at, expires_at, resolved_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, resolved_at = EXCLUDED.resolved_at
		WHERE offers.status = 'SENT'
		   OR (offers.status = 'ACCEPTED' AND EXCLUDED.status <> 'SENT')
		   OR EXCLUDED.status NOT IN ('SENT', 'ACCEPTED')`,
		o.ID, o.RideID, o.DriverID, o.Seq, o.Status, o.IssuedAt, o.ExpiresAt, resolved)
	if err != nil {
		return fmt.Errorf("storage.PostgresOfferArchive.SaveOffer %s: %w: %v", o.ID, models.ErrUnavailable, err)
	}
	return nil
}

func (p *PostgresOfferArchive) ListOffers(ctx context.Context, rideID string) ([]models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, ride_id, driver_id, seq, status, issued_at, expires_at, resolved_at
		FROM offers WHERE ride_id = $1 ORDER BY seq`, rideID)
	if err != nil {
		return nil, fmt.Errorf("storage.PostgresOfferArchive.ListOffers %s: %w: %v", rideID, models.ErrUnavailable, err)
	}
	out, err := scanOffers(rows)
	if err != nil {
		return nil, fmt.Errorf("storage.PostgresOfferArchive.ListOffers %s: %w", rideID, err)
	}
	return out, nil
}

func (p *PostgresOfferArchive) ListOpen(ctx context.Context) ([]models.Offer, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT o.id, o.ride_id, o.driver_id, o.seq, o.status, o.issued_at, o.expires_at, o.resolved_at
		FROM offers o JOIN rides r ON r.id = o.ride_id
		WHERE o.status = 'SENT' OR (o.status = 'ACCEPTED' AND r.status = 'MATCHING')
		ORDER BY o.ride_id, o.seq`)
	if err != nil {
		return nil, fmt.Errorf("storage.PostgresOfferArchive.ListOpen: %w: %v", models.ErrUnavailable, err)
	}
	out, err := scanOffers(rows)
	if err != nil {
		return nil, fmt.Errorf("storage.PostgresOfferArchive.ListOpen: %w", err)
	}
	return out, nil
}

func scanOffers(rows *sql.Rows) ([]models.Offer, error) {
	defer rows.Close()
	var out []models.Offer
	for rows.Next() {
		var (
			o        models.Offer
			status   string
			resolved sql.NullTime
		)
		if err := rows.Scan(&o.ID, &o.RideID, &o.DriverID, &o.Seq, &status, &o.IssuedAt, &o.ExpiresAt, &resolved); err != nil {
			return nil, err
		}
		o.Status = models.OfferStatus(status)
		if resolved.Valid {
			t := resolved.Time
			o.ResolvedAt = &t
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
