// Package ledger holds the offer ledger: every offer ever issued, its expiry
// and its terminal outcome. It is the per-ride exclusivity gate (one ACCEPTED
// offer per ride) and, together with the directory's busy flag, the per-driver
// gate (one SENT offer per driver). Offer state changes happen under one
// mutex so that accept, decline, expiry and supersede never interleave on an
// offer. Store calls (ride reads, busy flags, archive writes) run outside it.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// RideReader is the slice of the ride registry the ledger validates against.
type RideReader interface {
	GetRide(ctx context.Context, id string) (models.Ride, error)
}

type Ledger struct {
	rides   RideReader
	dir     geo.Directory
	archive storage.OfferArchive
	logger  *slog.Logger
	now     func() time.Time

	mu             sync.Mutex
	offers         map[string]*models.Offer
	byRide         map[string][]string
	sentByDriver   map[string]string
	acceptedByRide map[string]string
	seq            map[string]int
	claiming       map[string]struct{} // drivers with a MarkBusy in flight
	pendingFree    map[string]struct{}
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

func WithArchive(a storage.OfferArchive) Option { return func(l *Ledger) { l.archive = a } }

func WithLogger(lg *slog.Logger) Option { return func(l *Ledger) { l.logger = lg } }

func New(rides RideReader, dir geo.Directory, opts ...Option) *Ledger {
	l := &Ledger{
		rides:          rides,
		dir:            dir,
		logger:         slog.Default(),
		now:            time.Now,
		offers:         make(map[string]*models.Offer),
		byRide:         make(map[string][]string),
		sentByDriver:   make(map[string]string),
		acceptedByRide: make(map[string]string),
		seq:            make(map[string]int),
		claiming:       make(map[string]struct{}),
		pendingFree:    make(map[string]struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Resolution is the outcome of Resolve.
type Resolution struct {
	Offer      models.Offer
	Superseded []models.Offer
	// ExpiredNow is set when this call, not the sweep, moved the offer to EXPIRED.
	ExpiredNow bool
}

// CreateOffer issues a SENT offer of rideID to driverID expiring after ttl.
// It fails with ErrConflict if the ride is no longer MATCHING and with
// ErrRejected if the ride already has an accepted offer or the driver cannot
// be claimed.
func (l *Ledger) CreateOffer(ctx context.Context, rideID, driverID string, ttl time.Duration) (models.Offer, error) {
	if ttl <= 0 {
		return models.Offer{}, fmt.Errorf("ledger.CreateOffer: %w: ttl must be positive", models.ErrValidation)
	}
	ride, err := l.rides.GetRide(ctx, rideID)
	if err != nil {
		return models.Offer{}, fmt.Errorf("ledger.CreateOffer: %w", err)
	}
	if ride.Status != models.RideMatching {
		return models.Offer{}, fmt.Errorf("ledger.CreateOffer: ride %s is %s: %w", rideID, ride.Status, models.ErrConflict)
	}

	l.mu.Lock()
	if err := l.claimableLocked(rideID, driverID); err != nil {
		l.mu.Unlock()
		return models.Offer{}, fmt.Errorf("ledger.CreateOffer: %w", err)
	}
	l.claiming[driverID] = struct{}{}
	l.mu.Unlock()

	busyErr := l.dir.MarkBusy(ctx, driverID)

	l.mu.Lock()
	delete(l.claiming, driverID)
	if busyErr != nil {
		l.mu.Unlock()
		if errors.Is(busyErr, models.ErrAlreadyBusy) || errors.Is(busyErr, models.ErrNotFound) {
			observability.OffersRejected.Inc()
			return models.Offer{}, fmt.Errorf("ledger.CreateOffer: %w: %v", models.ErrRejected, busyErr)
		}
		return models.Offer{}, fmt.Errorf("ledger.CreateOffer: %w", busyErr)
	}
	delete(l.pendingFree, driverID)
	if id, ok := l.acceptedByRide[rideID]; ok {
		// accepted while the driver was being claimed
		l.mu.Unlock()
		l.apply(ctx, effects{free: []string{driverID}})
		return models.Offer{}, fmt.Errorf("ledger.CreateOffer: ride %s already accepted by offer %s: %w", rideID, id, models.ErrRejected)
	}

	now := l.now()
	l.seq[rideID]++
	o := &models.Offer{
		ID:        uuid.NewString(),
		RideID:    rideID,
		DriverID:  driverID,
		Seq:       l.seq[rideID],
		Status:    models.OfferSent,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
	l.offers[o.ID] = o
	l.byRide[rideID] = append(l.byRide[rideID], o.ID)
	l.sentByDriver[driverID] = o.ID
	created := *o
	l.mu.Unlock()

	l.apply(ctx, effects{saves: []models.Offer{created}})
	observability.OffersCreated.Inc()
	return created, nil
}

func (l *Ledger) claimableLocked(rideID, driverID string) error {
	if id, ok := l.acceptedByRide[rideID]; ok {
		return fmt.Errorf("ride %s already accepted by offer %s: %w", rideID, id, models.ErrRejected)
	}
	if id, ok := l.sentByDriver[driverID]; ok {
		return fmt.Errorf("driver %s holds offer %s: %w", driverID, id, models.ErrRejected)
	}
	if _, ok := l.claiming[driverID]; ok {
		return fmt.Errorf("driver %s is being claimed: %w", driverID, models.ErrRejected)
	}
	return nil
}

// Resolve records a driver's decision. An acceptance supersedes every other
// SENT offer of the ride and keeps the accepting driver busy; a decline frees
// the driver. A decision at or after expires_at expires the offer instead.
func (l *Ledger) Resolve(ctx context.Context, offerID string, d models.Decision) (Resolution, error) {
	if !d.Valid() {
		return Resolution{}, fmt.Errorf("ledger.Resolve: %w: unknown decision %q", models.ErrValidation, d)
	}
	res, fx, err := l.resolveLocked(offerID, d)
	l.apply(ctx, fx)
	return res, err
}

func (l *Ledger) resolveLocked(offerID string, d models.Decision) (Resolution, effects, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var fx effects
	o, ok := l.offers[offerID]
	if !ok {
		return Resolution{}, fx, fmt.Errorf("ledger.Resolve %s: %w", offerID, models.ErrNotFound)
	}
	switch o.Status {
	case models.OfferSent:
	case models.OfferExpired:
		return Resolution{Offer: *o}, fx, fmt.Errorf("ledger.Resolve %s: %w", offerID, models.ErrExpired)
	default:
		return Resolution{Offer: *o}, fx, fmt.Errorf("ledger.Resolve %s is %s: %w", offerID, o.Status, models.ErrAlreadyResolved)
	}

	now := l.now()
	if o.ExpiredAt(now) {
		l.closeLocked(&fx, o, models.OfferExpired, now)
		return Resolution{Offer: *o, ExpiredNow: true}, fx, fmt.Errorf("ledger.Resolve %s: %w", offerID, models.ErrExpired)
	}

	res := Resolution{}
	if d == models.DecisionDecline {
		l.closeLocked(&fx, o, models.OfferDeclined, now)
		res.Offer = *o
		return res, fx, nil
	}

	o.Status = models.OfferAccepted
	o.ResolvedAt = &now
	delete(l.sentByDriver, o.DriverID)
	l.acceptedByRide[o.RideID] = o.ID
	fx.saves = append(fx.saves, *o)
	observability.OffersResolved.WithLabelValues(string(models.OfferAccepted)).Inc()
	for _, id := range l.byRide[o.RideID] {
		sib := l.offers[id]
		if sib.ID == o.ID || sib.Status != models.OfferSent {
			continue
		}
		l.closeLocked(&fx, sib, models.OfferSuperseded, now)
		res.Superseded = append(res.Superseded, *sib)
	}
	res.Offer = *o
	return res, fx, nil
}

// Revoke discards an acceptance whose ride could not be assigned (the ride
// was cancelled concurrently). The offer becomes SUPERSEDED and its driver
// is freed.
func (l *Ledger) Revoke(ctx context.Context, offerID string) (models.Offer, error) {
	l.mu.Lock()
	o, ok := l.offers[offerID]
	if !ok {
		l.mu.Unlock()
		return models.Offer{}, fmt.Errorf("ledger.Revoke %s: %w", offerID, models.ErrNotFound)
	}
	if o.Status != models.OfferAccepted {
		l.mu.Unlock()
		return *o, fmt.Errorf("ledger.Revoke %s is %s: %w", offerID, o.Status, models.ErrAlreadyResolved)
	}
	delete(l.acceptedByRide, o.RideID)
	now := l.now()
	o.Status = models.OfferSuperseded
	o.ResolvedAt = &now
	revoked := *o
	l.mu.Unlock()

	observability.OffersResolved.WithLabelValues(string(models.OfferSuperseded)).Inc()
	l.apply(ctx, effects{saves: []models.Offer{revoked}, free: []string{revoked.DriverID}})
	return revoked, nil
}

// SupersedeRide closes every SENT offer of the ride and frees their drivers.
func (l *Ledger) SupersedeRide(ctx context.Context, rideID string) []models.Offer {
	var (
		fx  effects
		out []models.Offer
	)
	l.mu.Lock()
	now := l.now()
	for _, id := range l.byRide[rideID] {
		o := l.offers[id]
		if o.Status != models.OfferSent {
			continue
		}
		l.closeLocked(&fx, o, models.OfferSuperseded, now)
		out = append(out, *o)
	}
	l.mu.Unlock()

	l.apply(ctx, fx)
	return out
}

// SweepExpired moves every SENT offer with expires_at <= now to EXPIRED and
// frees its driver. Offers accepted before the sweep acquired the lock are
// no longer SENT and are left alone. Releases that failed earlier are retried
// first.
func (l *Ledger) SweepExpired(ctx context.Context, now time.Time) []models.Offer {
	l.retryReleases(ctx)

	var (
		fx  effects
		out []models.Offer
	)
	l.mu.Lock()
	for _, id := range l.sentByDriver {
		o := l.offers[id]
		if !o.ExpiredAt(now) {
			continue
		}
		l.closeLocked(&fx, o, models.OfferExpired, now)
		out = append(out, *o)
	}
	l.mu.Unlock()

	l.apply(ctx, fx)
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		if out[i].RideID != out[j].RideID {
			return out[i].RideID < out[j].RideID
		}
		return out[i].DriverID < out[j].DriverID
	})
	return out
}

// retryReleases clears busy flags whose earlier release failed. A driver
// that is being claimed or holds a SENT offer again is skipped.
func (l *Ledger) retryReleases(ctx context.Context) {
	l.mu.Lock()
	var ids []string
	for driverID := range l.pendingFree {
		if _, held := l.sentByDriver[driverID]; held {
			continue
		}
		if _, claimed := l.claiming[driverID]; claimed {
			continue
		}
		ids = append(ids, driverID)
	}
	l.mu.Unlock()

	var freed []string
	for _, driverID := range ids {
		if err := l.dir.MarkFree(ctx, driverID); err == nil || errors.Is(err, models.ErrNotFound) {
			freed = append(freed, driverID)
		}
	}

	l.mu.Lock()
	for _, driverID := range freed {
		delete(l.pendingFree, driverID)
	}
	observability.PendingReleases.Set(float64(len(l.pendingFree)))
	l.mu.Unlock()
}

// ReleaseDriver clears a driver's busy flag after their assigned ride ended.
func (l *Ledger) ReleaseDriver(ctx context.Context, driverID string) {
	l.mu.Lock()
	_, holding := l.sentByDriver[driverID]
	l.mu.Unlock()
	if holding {
		return
	}
	l.apply(ctx, effects{free: []string{driverID}})
}

func (l *Ledger) Get(offerID string) (models.Offer, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.offers[offerID]
	if !ok {
		return models.Offer{}, fmt.Errorf("ledger.Get %s: %w", offerID, models.ErrNotFound)
	}
	return *o, nil
}

// OffersForRide returns the ride's offers in issue order.
func (l *Ledger) OffersForRide(rideID string) []models.Offer {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := l.byRide[rideID]
	out := make([]models.Offer, 0, len(ids))
	for _, id := range ids {
		out = append(out, *l.offers[id])
	}
	return out
}

// ActiveForDriver returns the driver's SENT offer, if any.
func (l *Ledger) ActiveForDriver(driverID string) (models.Offer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.sentByDriver[driverID]
	if !ok {
		return models.Offer{}, false
	}
	return *l.offers[id], true
}

// AcceptedForRide returns the ride's ACCEPTED offer, if any.
func (l *Ledger) AcceptedForRide(rideID string) (models.Offer, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.acceptedByRide[rideID]
	if !ok {
		return models.Offer{}, false
	}
	return *l.offers[id], true
}

// Forget drops a finished ride's offers from memory. The archive keeps
// them. Rides with a SENT offer are kept and false is returned.
func (l *Ledger) Forget(rideID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, id := range l.byRide[rideID] {
		if l.offers[id].Status == models.OfferSent {
			return false
		}
	}
	for _, id := range l.byRide[rideID] {
		delete(l.offers, id)
	}
	delete(l.byRide, rideID)
	delete(l.seq, rideID)
	delete(l.acceptedByRide, rideID)
	return true
}

// Restore reloads offers of rides that still had SENT or ACCEPTED offers
// when a previous process stopped, so that their decisions, expiry and
// busy flags are handled again. Rides whose only open offer is an
// acceptance already committed to the registry are skipped. It returns the
// restored offers ordered by ride and seq.
func (l *Ledger) Restore(ctx context.Context) ([]models.Offer, error) {
	if l.archive == nil {
		return nil, nil
	}
	open, err := l.archive.ListOpen(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger.Restore: %w", err)
	}
	sending := make(map[string]bool)
	for _, o := range open {
		sending[o.RideID] = sending[o.RideID] || o.Status == models.OfferSent
	}
	rideIDs := make([]string, 0, len(sending))
	for id := range sending {
		rideIDs = append(rideIDs, id)
	}
	sort.Strings(rideIDs)

	var restored []models.Offer
	for _, rideID := range rideIDs {
		if !sending[rideID] {
			ride, err := l.rides.GetRide(ctx, rideID)
			if err != nil {
				return nil, fmt.Errorf("ledger.Restore: %w", err)
			}
			if ride.Status != models.RideMatching {
				continue
			}
		}
		hist, err := l.archive.ListOffers(ctx, rideID)
		if err != nil {
			return nil, fmt.Errorf("ledger.Restore: %w", err)
		}
		restored = append(restored, hist...)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range restored {
		o := restored[i]
		if _, ok := l.offers[o.ID]; ok {
			continue
		}
		l.offers[o.ID] = &o
		l.byRide[o.RideID] = append(l.byRide[o.RideID], o.ID)
		if o.Seq > l.seq[o.RideID] {
			l.seq[o.RideID] = o.Seq
		}
		switch o.Status {
		case models.OfferSent:
			l.sentByDriver[o.DriverID] = o.ID
		case models.OfferAccepted:
			l.acceptedByRide[o.RideID] = o.ID
		}
	}
	if len(restored) > 0 {
		l.logger.Info("offers restored", "rides", len(rideIDs), "offers", len(restored))
	}
	return restored, nil
}

// effects are the store calls decided under l.mu, applied after it is
// released.
type effects struct {
	saves []models.Offer
	free  []string
}

// closeLocked moves a SENT offer to a terminal status that frees the driver.
func (l *Ledger) closeLocked(fx *effects, o *models.Offer, status models.OfferStatus, now time.Time) {
	o.Status = status
	o.ResolvedAt = &now
	delete(l.sentByDriver, o.DriverID)
	fx.saves = append(fx.saves, *o)
	fx.free = append(fx.free, o.DriverID)
	observability.OffersResolved.WithLabelValues(string(status)).Inc()
}

func (l *Ledger) apply(ctx context.Context, fx effects) {
	for _, o := range fx.saves {
		l.record(ctx, o)
	}
	for _, driverID := range fx.free {
		l.release(ctx, driverID)
	}
}

func (l *Ledger) release(ctx context.Context, driverID string) {
	err := l.dir.MarkFree(ctx, driverID)
	if err == nil || errors.Is(err, models.ErrNotFound) {
		return
	}
	l.mu.Lock()
	l.pendingFree[driverID] = struct{}{}
	observability.PendingReleases.Set(float64(len(l.pendingFree)))
	l.mu.Unlock()
	l.logger.Warn("driver release deferred", "driver_id", driverID, "error", err)
}

func (l *Ledger) record(ctx context.Context, o models.Offer) {
	if l.archive == nil {
		return
	}
	if err := l.archive.SaveOffer(ctx, o); err != nil {
		l.logger.Error("offer archive write failed", "offer_id", o.ID, "status", o.Status, "error", err)
	}
}
