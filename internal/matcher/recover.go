package matcher

import (
	"context"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
)

// Recover reloads offers a previous process left open and rebuilds the
// dispatch state of their rides, so decisions and expiry for them work
// again and their drivers get freed. Call it once before serving. It
// returns the number of rides recovered.
func (s *Service) Recover(ctx context.Context) (int, error) {
	restored, err := s.Ledger.Restore(ctx)
	if err != nil {
		return 0, fmt.Errorf("matcher.Recover: %w", err)
	}
	var order []string
	byRide := make(map[string][]models.Offer)
	for _, o := range restored {
		if _, ok := byRide[o.RideID]; !ok {
			order = append(order, o.RideID)
		}
		byRide[o.RideID] = append(byRide[o.RideID], o)
	}

	for _, rideID := range order {
		rs := s.acquire(rideID)
		if rs.state == "" {
			rs.state = models.StateSearching
			rs.started = s.now()
			for _, o := range byRide[rideID] {
				switch o.Status {
				case models.OfferDeclined, models.OfferExpired:
					rs.exclude(o.DriverID)
				case models.OfferSent:
					rs.state = models.StateOffering
					rs.current = o.ID
				}
			}
			// an acceptance not yet committed to the registry is assigned
			// by the sweeper's retry
			rs.stalled = rs.state == models.StateSearching
			s.log().Info("dispatch recovered", "ride_id", rideID, "state", rs.state, "excluded", len(rs.order))
		}
		rs.mu.Unlock()
	}
	return len(order), nil
}
