package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// FCMDispatcher posts to an FCM HTTP v1 send endpoint using the driver's
// topic (drivers subscribe to "driver-<id>") so no token lookup is needed.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMDispatcher) Notify(ctx context.Context, n models.Notification) error {
	if n.DriverID == "" {
		return nil
	}
	b, err := json.Marshal(fcmMessage(n))
	if err != nil {
		return err
	}
	return postJSON(ctx, f.Client, f.Endpoint, f.Key, b)
}

// FCM data payloads only carry string values.
func fcmMessage(n models.Notification) map[string]any {
	data := map[string]string{
		"event":   string(n.Event),
		"ride_id": n.RideID,
	}
	if n.OfferID != "" {
		data["offer_id"] = n.OfferID
	}
	if n.Reason != "" {
		data["reason"] = n.Reason
	}
	if n.ExpiresAt != nil {
		data["expires_at"] = n.ExpiresAt.Format(time.RFC3339)
	}
	if n.PickupETASeconds > 0 {
		data["pickup_eta_seconds"] = strconv.FormatFloat(n.PickupETASeconds, 'f', 0, 64)
	}
	return map[string]any{
		"message": map[string]any{
			"topic": "driver-" + n.DriverID,
			"data":  data,
		},
	}
}
