package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Notifier is the one-way notification gateway. Implementations must not
// block dispatch.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

type Config struct {
	OfferTTL       time.Duration
	RadiusM        float64
	CandidateLimit int
	SweepInterval  time.Duration
	// Retention is how long a finished ride's dispatch state stays in
	// memory before the sweeper drops it.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.OfferTTL <= 0 {
		c.OfferTTL = 15 * time.Second
	}
	if c.RadiusM <= 0 {
		c.RadiusM = 5000
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 3 * time.Second
	}
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
	return c
}

// Service is the dispatcher. It runs one state machine per ride
// (SEARCHING → OFFERING → ASSIGNED | EXHAUSTED | CANCELLED), offering the
// ride to one candidate at a time. Rides are serialized by a per-ride mutex;
// different rides only meet at the directory's busy gate and the ledger.
type Service struct {
	Rides     storage.RideStore
	Directory geo.Directory
	Ledger    *ledger.Ledger
	Notifier  Notifier
	Logger    *slog.Logger
	Config    Config
	Now       func() time.Time

	mu    sync.Mutex
	rides map[string]*rideState
}

type rideState struct {
	mu       sync.Mutex
	state    models.DispatchState
	current  string // offer id while OFFERING or once ASSIGNED
	excluded map[string]struct{}
	order    []string
	stalled  bool // last step failed on store I/O; the sweeper retries it
	started  time.Time
	idleFrom time.Time // first sweep that saw the ride finished or never started
	pruned   bool
}

func (rs *rideState) exclude(driverID string) {
	if _, ok := rs.excluded[driverID]; ok {
		return
	}
	rs.excluded[driverID] = struct{}{}
	rs.order = append(rs.order, driverID)
}

func (rs *rideState) status(rideID string) models.DispatchStatus {
	st := models.DispatchStatus{RideID: rideID, State: rs.state, CurrentOffer: rs.current}
	if len(rs.order) > 0 {
		st.Excluded = append([]string(nil), rs.order...)
	}
	return st
}

func (s *Service) state(rideID string) *rideState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rides == nil {
		s.rides = make(map[string]*rideState)
	}
	rs, ok := s.rides[rideID]
	if !ok {
		rs = &rideState{excluded: make(map[string]struct{})}
		s.rides[rideID] = rs
	}
	return rs
}

// acquire returns the ride's state with rs.mu held. A state pruned while the
// caller waited for its lock is replaced by a fresh one.
func (s *Service) acquire(rideID string) *rideState {
	for {
		rs := s.state(rideID)
		rs.mu.Lock()
		if !rs.pruned {
			return rs
		}
		rs.mu.Unlock()
	}
}

func (s *Service) lookup(rideID string) (*rideState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs, ok := s.rides[rideID]
	return rs, ok
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

func (s *Service) cfg() Config { return s.Config.withDefaults() }

// RequestDispatch starts (or resumes) matching for a MATCHING ride. It is
// idempotent: a ride already offering or finished just reports its state.
func (s *Service) RequestDispatch(ctx context.Context, rideID string) (models.DispatchStatus, error) {
	rs := s.acquire(rideID)
	defer rs.mu.Unlock()

	ride, err := s.Rides.GetRide(ctx, rideID)
	if err != nil {
		return rs.status(rideID), fmt.Errorf("matcher.RequestDispatch: %w", err)
	}
	if rs.state.Terminal() {
		return rs.status(rideID), nil
	}
	if rs.state == "" {
		if ride.Status != models.RideMatching {
			return rs.status(rideID), fmt.Errorf("matcher.RequestDispatch: ride %s is %s: %w", rideID, ride.Status, models.ErrConflict)
		}
		rs.state = models.StateSearching
		rs.started = s.now()
		s.log().Info("dispatch requested", "ride_id", rideID)
	}
	if err := s.resume(ctx, rs, ride); err != nil {
		return rs.status(rideID), fmt.Errorf("matcher.RequestDispatch: %w", err)
	}
	return rs.status(rideID), nil
}

// SubmitDecision records a driver's accept/decline. Late decisions return
// ErrExpired or ErrAlreadyResolved and change nothing.
func (s *Service) SubmitDecision(ctx context.Context, offerID string, d models.Decision) (models.Offer, error) {
	if !d.Valid() {
		return models.Offer{}, fmt.Errorf("matcher.SubmitDecision: %w: unknown decision %q", models.ErrValidation, d)
	}
	o, err := s.Ledger.Get(offerID)
	if err != nil {
		return models.Offer{}, fmt.Errorf("matcher.SubmitDecision: %w", err)
	}
	rs := s.acquire(o.RideID)
	defer rs.mu.Unlock()

	res, err := s.Ledger.Resolve(ctx, offerID, d)
	if err != nil {
		if errors.Is(err, models.ErrExpired) && res.ExpiredNow {
			s.log().Info("offer expired on late decision", "ride_id", o.RideID, "driver_id", o.DriverID, "offer_id", offerID)
			s.afterMiss(ctx, rs, res.Offer)
		}
		return res.Offer, fmt.Errorf("matcher.SubmitDecision: %w", err)
	}
	for _, sib := range res.Superseded {
		s.notify(ctx, models.Notification{Event: models.EventRideCanceled, DriverID: sib.DriverID, RideID: sib.RideID, OfferID: sib.ID, Reason: "ride taken by another driver"})
	}

	if d == models.DecisionDecline {
		s.log().Info("offer declined", "ride_id", o.RideID, "driver_id", o.DriverID, "offer_id", offerID)
		s.afterMiss(ctx, rs, res.Offer)
		return res.Offer, nil
	}
	if err := s.assign(ctx, rs, res.Offer); err != nil {
		cur, _ := s.Ledger.Get(offerID)
		return cur, fmt.Errorf("matcher.SubmitDecision: %w", err)
	}
	return res.Offer, nil
}

// CancelRide cancels a MATCHING or ASSIGNED ride. Outstanding offers become
// SUPERSEDED and every involved driver is freed. Cancellation wins over any
// acceptance that has not yet been committed to the ride registry.
func (s *Service) CancelRide(ctx context.Context, rideID, reason string) (models.Ride, error) {
	rs := s.acquire(rideID)
	defer rs.mu.Unlock()

	ride, err := s.Rides.GetRide(ctx, rideID)
	if err != nil {
		return models.Ride{}, fmt.Errorf("matcher.CancelRide: %w", err)
	}
	if ride.Status != models.RideMatching && ride.Status != models.RideAssigned {
		return ride, fmt.Errorf("matcher.CancelRide: ride %s is %s: %w", rideID, ride.Status, models.ErrConflict)
	}
	if reason == "" {
		reason = "cancelled"
	}
	updated, err := s.Rides.Transition(ctx, rideID, models.Transition{From: ride.Status, To: models.RideCancelled, Reason: reason})
	if err != nil {
		return updated, fmt.Errorf("matcher.CancelRide: %w", err)
	}

	s.closeOffers(ctx, rideID, reason)
	if ride.Status == models.RideAssigned {
		s.Ledger.ReleaseDriver(ctx, ride.AssignedDriverID)
		s.notify(ctx, models.Notification{Event: models.EventRideCanceled, DriverID: ride.AssignedDriverID, RideID: rideID, Reason: reason})
	}
	if rs.state != "" && !rs.state.Terminal() {
		observability.RidesFinished.WithLabelValues(string(models.StateCancelled)).Inc()
	}
	rs.state = models.StateCancelled
	rs.current = ""
	rs.stalled = false
	s.log().Info("ride cancelled", "ride_id", rideID, "reason", reason, "was", ride.Status)
	return updated, nil
}

// StartRide moves an assigned ride to IN_PROGRESS.
func (s *Service) StartRide(ctx context.Context, rideID string) (models.Ride, error) {
	r, err := s.Rides.Transition(ctx, rideID, models.Transition{From: models.RideAssigned, To: models.RideInProgress})
	if err != nil {
		return r, fmt.Errorf("matcher.StartRide: %w", err)
	}
	return r, nil
}

// CompleteRide finishes the trip and makes the driver dispatchable again.
func (s *Service) CompleteRide(ctx context.Context, rideID string) (models.Ride, error) {
	r, err := s.Rides.Transition(ctx, rideID, models.Transition{From: models.RideInProgress, To: models.RideCompleted})
	if err != nil {
		return r, fmt.Errorf("matcher.CompleteRide: %w", err)
	}
	s.Ledger.ReleaseDriver(ctx, r.AssignedDriverID)
	return r, nil
}

// Status reports the dispatch state of a ride. Rides never dispatched by this
// process report a state derived from the ride registry.
func (s *Service) Status(ctx context.Context, rideID string) (models.DispatchStatus, error) {
	if rs, ok := s.lookup(rideID); ok {
		rs.mu.Lock()
		if rs.state != "" && !rs.pruned {
			st := rs.status(rideID)
			rs.mu.Unlock()
			return st, nil
		}
		rs.mu.Unlock()
	}
	ride, err := s.Rides.GetRide(ctx, rideID)
	if err != nil {
		return models.DispatchStatus{}, fmt.Errorf("matcher.Status: %w", err)
	}
	st := models.DispatchStatus{RideID: rideID}
	switch {
	case ride.Status == models.RideMatching:
		st.State = models.StateSearching
	case ride.Status == models.RideCancelled:
		st.State = models.StateCancelled
	default:
		st.State = models.StateAssigned
	}
	return st, nil
}

// resume drives a non-terminal ride one step forward from whatever the
// stores say. Caller holds rs.mu.
func (s *Service) resume(ctx context.Context, rs *rideState, ride models.Ride) error {
	if ride.Status != models.RideMatching {
		s.observe(ctx, rs, ride)
		return nil
	}
	if acc, ok := s.Ledger.AcceptedForRide(ride.ID); ok {
		return s.assign(ctx, rs, acc)
	}
	if rs.state == models.StateOffering {
		o, err := s.Ledger.Get(rs.current)
		if err == nil && o.Status == models.OfferSent {
			return nil
		}
		if err == nil {
			s.settleMiss(rs, o)
		} else {
			rs.state = models.StateSearching
			rs.current = ""
		}
	}
	return s.advance(ctx, rs, ride)
}

// settleMiss returns an OFFERING ride to SEARCHING after its current offer
// closed without an acceptance. A declined or expired driver is excluded for
// the rest of the round, whichever path notices the miss first.
func (s *Service) settleMiss(rs *rideState, o models.Offer) {
	if o.Status == models.OfferDeclined || o.Status == models.OfferExpired {
		rs.exclude(o.DriverID)
	}
	rs.state = models.StateSearching
	rs.current = ""
}

// advance offers the ride to the next unseen candidate, or exhausts it.
// Caller holds rs.mu and rs.state is SEARCHING.
func (s *Service) advance(ctx context.Context, rs *rideState, ride models.Ride) error {
	cfg := s.cfg()
	limit := cfg.CandidateLimit
	if limit > 0 {
		limit += len(rs.excluded)
	}
	cands, err := s.Directory.ListEligible(ctx, ride.Origin.Coord, cfg.RadiusM, limit)
	if err != nil {
		rs.stalled = true
		return fmt.Errorf("list candidates for %s: %w", ride.ID, err)
	}
	for _, driverID := range cands {
		if _, seen := rs.excluded[driverID]; seen {
			continue
		}
		offer, err := s.Ledger.CreateOffer(ctx, ride.ID, driverID, cfg.OfferTTL)
		switch {
		case err == nil:
			rs.state = models.StateOffering
			rs.current = offer.ID
			rs.stalled = false
			s.log().Info("offer sent", "ride_id", ride.ID, "driver_id", driverID, "offer_id", offer.ID, "seq", offer.Seq, "expires_at", offer.ExpiresAt)
			exp := offer.ExpiresAt
			s.notify(ctx, models.Notification{
				Event:     models.EventOfferCreated,
				DriverID:  driverID,
				RideID:    ride.ID,
				OfferID:   offer.ID,
				Pickup:    &ride.Origin,
				Dropoff:   &ride.Destination,
				Price:     ride.Price,
				ExpiresAt: &exp,
			})
			return nil
		case errors.Is(err, models.ErrRejected):
			s.log().Debug("candidate unavailable", "ride_id", ride.ID, "driver_id", driverID, "error", err)
			continue
		case errors.Is(err, models.ErrConflict):
			return s.reobserve(ctx, rs, ride.ID)
		default:
			rs.stalled = true
			return fmt.Errorf("offer %s to %s: %w", ride.ID, driverID, err)
		}
	}
	return s.exhaust(ctx, rs, ride)
}

func (s *Service) exhaust(ctx context.Context, rs *rideState, ride models.Ride) error {
	_, err := s.Rides.Transition(ctx, ride.ID, models.Transition{From: models.RideMatching, To: models.RideCancelled, Reason: models.ReasonNoDrivers})
	if errors.Is(err, models.ErrConflict) {
		return s.reobserve(ctx, rs, ride.ID)
	}
	if err != nil {
		rs.stalled = true
		return fmt.Errorf("exhaust %s: %w", ride.ID, err)
	}
	rs.state = models.StateExhausted
	rs.current = ""
	rs.stalled = false
	observability.RidesFinished.WithLabelValues(string(models.StateExhausted)).Inc()
	s.log().Info("ride exhausted", "ride_id", ride.ID, "excluded", len(rs.excluded))
	s.notify(ctx, models.Notification{Event: models.EventRideCanceled, RideID: ride.ID, Reason: models.ReasonNoDrivers})
	return nil
}

// assign commits an accepted offer to the ride registry. If the ride left
// MATCHING meanwhile the acceptance is revoked and ErrConflict returned.
func (s *Service) assign(ctx context.Context, rs *rideState, offer models.Offer) error {
	ride, err := s.Rides.Transition(ctx, offer.RideID, models.Transition{From: models.RideMatching, To: models.RideAssigned, DriverID: offer.DriverID})
	switch {
	case err == nil:
	case errors.Is(err, models.ErrConflict):
		if _, rerr := s.Ledger.Revoke(ctx, offer.ID); rerr != nil {
			s.log().Error("revoke acceptance failed", "offer_id", offer.ID, "error", rerr)
		}
		s.log().Info("acceptance discarded, ride changed", "ride_id", offer.RideID, "driver_id", offer.DriverID)
		if oerr := s.reobserve(ctx, rs, offer.RideID); oerr != nil {
			return oerr
		}
		return fmt.Errorf("assign %s: %w", offer.RideID, err)
	default:
		rs.stalled = true
		return fmt.Errorf("assign %s: %w", offer.RideID, err)
	}

	rs.state = models.StateAssigned
	rs.current = offer.ID
	rs.stalled = false
	observability.RidesFinished.WithLabelValues(string(models.StateAssigned)).Inc()
	if !rs.started.IsZero() {
		observability.DispatchLatency.Observe(s.now().Sub(rs.started).Seconds())
	}
	s.log().Info("ride assigned", "ride_id", ride.ID, "driver_id", offer.DriverID, "offer_id", offer.ID)
	s.notify(ctx, models.Notification{
		Event:    models.EventRideAssigned,
		DriverID: offer.DriverID,
		RideID:   ride.ID,
		OfferID:  offer.ID,
		Pickup:   &ride.Origin,
		Dropoff:  &ride.Destination,
		Price:    ride.Price,
	})
	return nil
}

// afterMiss handles a declined or expired offer: the driver is excluded for
// the round and the ride goes back to SEARCHING. Store failures leave the
// ride stalled for the sweeper; they are not the decision's caller's problem.
func (s *Service) afterMiss(ctx context.Context, rs *rideState, offer models.Offer) {
	if rs.current != offer.ID || rs.state != models.StateOffering {
		return
	}
	s.settleMiss(rs, offer)

	ride, err := s.Rides.GetRide(ctx, offer.RideID)
	if err == nil {
		err = s.resume(ctx, rs, ride)
	} else {
		rs.stalled = true
	}
	if err != nil {
		s.log().Error("re-offer failed, will retry on sweep", "ride_id", offer.RideID, "error", err)
	}
}

func (s *Service) reobserve(ctx context.Context, rs *rideState, rideID string) error {
	ride, err := s.Rides.GetRide(ctx, rideID)
	if err != nil {
		rs.stalled = true
		return fmt.Errorf("reload %s: %w", rideID, err)
	}
	s.observe(ctx, rs, ride)
	return nil
}

// observe aligns the dispatch state with a ride that left MATCHING outside
// the dispatcher (cancelled by another process or the store directly).
func (s *Service) observe(ctx context.Context, rs *rideState, ride models.Ride) {
	rs.stalled = false
	switch ride.Status {
	case models.RideMatching:
		return
	case models.RideCancelled:
		s.closeOffers(ctx, ride.ID, ride.CancelReason)
		if rs.state != models.StateExhausted && rs.state != models.StateCancelled {
			if rs.state != "" {
				observability.RidesFinished.WithLabelValues(string(models.StateCancelled)).Inc()
			}
			rs.state = models.StateCancelled
		}
		rs.current = ""
	default:
		rs.state = models.StateAssigned
	}
}

func (s *Service) closeOffers(ctx context.Context, rideID, reason string) {
	for _, o := range s.Ledger.SupersedeRide(ctx, rideID) {
		s.notify(ctx, models.Notification{Event: models.EventRideCanceled, DriverID: o.DriverID, RideID: rideID, OfferID: o.ID, Reason: reason})
	}
}

func (s *Service) notify(ctx context.Context, n models.Notification) {
	if s.Notifier == nil {
		return
	}
	if n.At.IsZero() {
		n.At = s.now()
	}
	if err := s.Notifier.Notify(ctx, n); err != nil {
		s.log().Warn("notify failed", "event", n.Event, "ride_id", n.RideID, "driver_id", n.DriverID, "error", err)
	}
}

// stalledRides returns ride ids whose last step failed, in id order.
func (s *Service) stalledRides() []string {
	s.mu.Lock()
	snapshot := make(map[string]*rideState, len(s.rides))
	for id, rs := range s.rides {
		snapshot[id] = rs
	}
	s.mu.Unlock()

	var ids []string
	for id, rs := range snapshot {
		rs.mu.Lock()
		if rs.stalled && !rs.state.Terminal() {
			ids = append(ids, id)
		}
		rs.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}
