package matcher

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/observability"
)

// SweepResult summarizes one sweep tick.
type SweepResult struct {
	Expired int
	Retried int
	Pruned  int
}

// Sweep expires stale offers, re-offers their rides, retries rides whose
// last step failed on store I/O and drops rides finished for longer than
// Config.Retention. Expiry is a pure function of Now.
func (s *Service) Sweep(ctx context.Context) SweepResult {
	start := time.Now()
	defer func() { observability.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var res SweepResult
	expired := s.Ledger.SweepExpired(ctx, s.now())
	for _, o := range expired {
		rs := s.acquire(o.RideID)
		s.log().Info("offer expired", "ride_id", o.RideID, "driver_id", o.DriverID, "offer_id", o.ID)
		s.afterMiss(ctx, rs, o)
		rs.mu.Unlock()
	}
	res.Expired = len(expired)
	observability.SweepExpired.Add(float64(res.Expired))

	for _, id := range s.stalledRides() {
		rs := s.acquire(id)
		if rs.stalled && !rs.state.Terminal() {
			res.Retried++
			ride, err := s.Rides.GetRide(ctx, id)
			if err == nil {
				err = s.resume(ctx, rs, ride)
			}
			if err != nil {
				s.log().Warn("stalled ride retry failed", "ride_id", id, "error", err)
			}
		}
		rs.mu.Unlock()
	}
	res.Pruned = s.prune()
	return res
}

// prune forgets rides that have been finished, or were never started, for
// at least Config.Retention. Their history stays in the offer archive and
// Status falls back to the ride registry.
func (s *Service) prune() int {
	now := s.now()
	retention := s.cfg().Retention

	s.mu.Lock()
	snapshot := make(map[string]*rideState, len(s.rides))
	for id, rs := range s.rides {
		snapshot[id] = rs
	}
	s.mu.Unlock()

	pruned := 0
	for id, rs := range snapshot {
		rs.mu.Lock()
		switch {
		case rs.state != "" && !rs.state.Terminal():
			rs.idleFrom = time.Time{}
		case rs.idleFrom.IsZero():
			rs.idleFrom = now
		case now.Sub(rs.idleFrom) >= retention && s.Ledger.Forget(id):
			s.mu.Lock()
			if s.rides[id] == rs {
				delete(s.rides, id)
			}
			s.mu.Unlock()
			rs.pruned = true
			pruned++
		}
		rs.mu.Unlock()
	}
	if pruned > 0 {
		s.log().Debug("finished rides pruned", "count", pruned)
	}
	return pruned
}

// RunSweeper calls Sweep every Config.SweepInterval until ctx is done.
func (s *Service) RunSweeper(ctx context.Context) {
	interval := s.cfg().SweepInterval
	t := time.NewTicker(interval)
	defer t.Stop()
	s.log().Info("sweeper started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			s.log().Info("sweeper stopped")
			return
		case <-t.C:
			res := s.Sweep(ctx)
			if res.Expired > 0 || res.Retried > 0 || res.Pruned > 0 {
				s.log().Debug("sweep", "expired", res.Expired, "retried", res.Retried, "pruned", res.Pruned)
			}
		}
	}
}
