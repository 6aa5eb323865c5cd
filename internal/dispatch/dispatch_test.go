package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

type recorder struct {
	mu   sync.Mutex
	got  []models.Notification
	fail bool
}

func (r *recorder) Notify(_ context.Context, n models.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, n)
	if r.fail {
		return errors.New("boom")
	}
	return nil
}

func TestGateway_FansOutAndSwallowsFailures(t *testing.T) {
	ok, bad := &recorder{}, &recorder{fail: true}
	g := NewGateway(nil, time.Second, Channel{Name: "ok", Notifier: ok}, Channel{Name: "bad", Notifier: bad})

	err := g.Notify(context.Background(), models.Notification{Event: models.EventOfferCreated, DriverID: "d1", RideID: "r1"})
	g.Wait()

	require.NoError(t, err)
	require.Len(t, ok.got, 1)
	require.Len(t, bad.got, 1)
	assert.False(t, ok.got[0].At.IsZero())
}

func TestGateway_EnrichesBeforeDelivery(t *testing.T) {
	rec := &recorder{}
	g := NewGateway(nil, time.Second, Channel{Name: "rec", Notifier: rec}).
		WithEnricher(func(_ context.Context, n *models.Notification) { n.PickupETASeconds = 90 })

	_ = g.Notify(context.Background(), models.Notification{Event: models.EventOfferCreated, DriverID: "d1"})
	g.Wait()

	require.Len(t, rec.got, 1)
	assert.Equal(t, 90.0, rec.got[0].PickupETASeconds)
}

func TestPushDispatcher_PostsJSONWithKey(t *testing.T) {
	var body models.Notification
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	err := NewPushDispatcher(srv.URL, "secret").Notify(context.Background(),
		models.Notification{Event: models.EventRideAssigned, DriverID: "d1", RideID: "r1"})

	require.NoError(t, err)
	assert.Equal(t, models.EventRideAssigned, body.Event)
	assert.Equal(t, "r1", body.RideID)
}

func TestPushDispatcher_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewPushDispatcher(srv.URL, "").Notify(context.Background(), models.Notification{DriverID: "d1"})

	assert.Error(t, err)
}

func TestFCMMessage(t *testing.T) {
	exp := time.Date(2025, 1, 1, 10, 0, 15, 0, time.UTC)
	msg := fcmMessage(models.Notification{Event: models.EventOfferCreated, DriverID: "d7", RideID: "r1", OfferID: "o1", ExpiresAt: &exp, PickupETASeconds: 125.4})

	m := msg["message"].(map[string]any)
	assert.Equal(t, "driver-d7", m["topic"])
	data := m["data"].(map[string]string)
	assert.Equal(t, "o1", data["offer_id"])
	assert.Equal(t, "2025-01-01T10:00:15Z", data["expires_at"])
	assert.Equal(t, "125", data["pickup_eta_seconds"])
}

func TestWSRegistry_DeliversToConnectedDriver(t *testing.T) {
	reg := NewWSRegistry()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		reg.Add("d1", conn)
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return reg.Notify(context.Background(), models.Notification{Event: models.EventOfferCreated, DriverID: "d1", RideID: "r1"}) == nil
	}, time.Second, 10*time.Millisecond)

	var got models.Notification
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "r1", got.RideID)

	assert.ErrorIs(t, reg.Notify(context.Background(), models.Notification{DriverID: "other"}), ErrNoSession)
}
