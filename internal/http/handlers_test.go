package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

type fakePublisher struct {
	got []models.LocationUpdate
	err error
}

func (f *fakePublisher) PublishLocation(_ context.Context, u models.LocationUpdate) error {
	if f.err != nil {
		return f.err
	}
	f.got = append(f.got, u)
	return nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	rides := storage.NewMemoryStore()
	dir := geo.NewIndex()
	archive := storage.NewMemoryOfferArchive()
	l := ledger.New(rides, dir, ledger.WithArchive(archive))
	svc := &matcher.Service{
		Rides:     rides,
		Directory: dir,
		Ledger:    l,
		Config:    matcher.Config{OfferTTL: time.Minute, RadiusM: 5000, CandidateLimit: 5},
	}
	return NewServer(Deps{
		Rides:      rides,
		Directory:  dir,
		Ledger:     l,
		Dispatcher: svc,
		Archive:    archive,
		WSReg:      dispatch.NewWSRegistry(),
	}, nil)
}

func do(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

var rideBody = map[string]any{
	"rider_id":    "rider-9",
	"origin":      map[string]any{"lat": 40.4168, "lon": -3.7038, "address": "Puerta del Sol"},
	"destination": map[string]any{"lat": 40.4530, "lon": -3.6883},
	"price":       12.0,
	"dispatch":    true,
}

func TestRideFlow_OverHTTP(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/drivers/d1/online", onlineRequest{Online: true, Lat: 40.417, Lon: -3.704})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/v1/rides", rideBody)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decodeBody[rideResponse](t, rec)
	require.NotNil(t, created.Dispatch)
	assert.Equal(t, models.StateOffering, created.Dispatch.State)
	assert.Equal(t, models.RideMatching, created.Ride.Status)

	rec = do(t, s, http.MethodGet, "/api/v1/drivers/d1/offers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	listing := decodeBody[struct {
		Offers []models.Offer `json:"offers"`
	}](t, rec)
	require.Len(t, listing.Offers, 1)
	offer := listing.Offers[0]
	assert.Equal(t, created.Dispatch.CurrentOffer, offer.ID)
	assert.Equal(t, models.OfferSent, offer.Status)

	rec = do(t, s, http.MethodPost, "/api/v1/offers/"+offer.ID+"/decision", map[string]string{"decision": "ACCEPTED"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/v1/rides/"+created.Ride.ID, nil)
	ride := decodeBody[models.Ride](t, rec)
	assert.Equal(t, models.RideAssigned, ride.Status)
	assert.Equal(t, "d1", ride.AssignedDriverID)

	rec = do(t, s, http.MethodPost, "/api/v1/offers/"+offer.ID+"/decision", map[string]string{"decision": "DECLINED"})
	assert.Equal(t, http.StatusGone, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/v1/rides/"+created.Ride.ID+"/offers", nil)
	history := decodeBody[struct {
		Offers []models.Offer `json:"offers"`
	}](t, rec)
	require.Len(t, history.Offers, 1)
	assert.Equal(t, models.OfferAccepted, history.Offers[0].Status)

	for _, step := range []string{"start", "complete"} {
		rec = do(t, s, http.MethodPost, fmt.Sprintf("/api/v1/rides/%s/%s", ride.ID, step), nil)
		require.Equal(t, http.StatusOK, rec.Code, step)
	}
	rec = do(t, s, http.MethodPost, "/api/v1/rides/"+ride.ID+"/cancel", map[string]string{"reason": "late"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	d, err := s.Directory.Get(context.Background(), "d1")
	require.NoError(t, err)
	assert.False(t, d.Busy)
}

func TestCreateRide_NoDriversExhausts(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/api/v1/rides", rideBody)

	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[rideResponse](t, rec)
	assert.Equal(t, models.StateExhausted, created.Dispatch.State)
	assert.Equal(t, models.RideCancelled, created.Ride.Status)
	assert.Equal(t, models.ReasonNoDrivers, created.Ride.CancelReason)
}

func TestCancelRide_OverHTTP(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodPost, "/api/v1/drivers/d1/online", onlineRequest{Online: true, Lat: 40.417, Lon: -3.704})
	created := decodeBody[rideResponse](t, do(t, s, http.MethodPost, "/api/v1/rides", rideBody))

	rec := do(t, s, http.MethodPost, "/api/v1/rides/"+created.Ride.ID+"/cancel", map[string]string{"reason": "changed plans"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodPost, "/api/v1/offers/"+created.Dispatch.CurrentOffer+"/decision", map[string]string{"decision": "ACCEPTED"})
	assert.Equal(t, http.StatusGone, rec.Code)

	st := decodeBody[models.DispatchStatus](t, do(t, s, http.MethodGet, "/api/v1/rides/"+created.Ride.ID+"/dispatch", nil))
	assert.Equal(t, models.StateCancelled, st.State)
}

func TestErrorsMapToStatus(t *testing.T) {
	s := newTestServer(t)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"unknown ride", http.MethodGet, "/api/v1/rides/nope", nil, http.StatusNotFound},
		{"unknown offer", http.MethodPost, "/api/v1/offers/nope/decision", map[string]string{"decision": "ACCEPTED"}, http.StatusNotFound},
		{"bad decision", http.MethodPost, "/api/v1/offers/nope/decision", map[string]string{"decision": "MAYBE"}, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/api/v1/rides", map[string]any{"rider": "x"}, http.StatusBadRequest},
		{"invalid coords", http.MethodPost, "/api/v1/drivers/d1/online", onlineRequest{Online: true, Lat: 123}, http.StatusBadRequest},
		{"dispatch unknown ride", http.MethodPost, "/api/v1/rides/nope/dispatch", nil, http.StatusNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, s, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
			assert.NotEmpty(t, decodeBody[errorBody](t, rec).Error)
		})
	}
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusConflict, statusFor(fmt.Errorf("x: %w", models.ErrRejected)))
	assert.Equal(t, http.StatusGone, statusFor(models.ErrExpired))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(fmt.Errorf("%w: dial tcp", models.ErrUnavailable)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestDriverLocation_PublishesWhenStreamConfigured(t *testing.T) {
	s := newTestServer(t)
	pub := &fakePublisher{}
	s.Locations = pub

	rec := do(t, s, http.MethodPost, "/internal/driver/locations", models.LocationUpdate{DriverID: "d2", Loc: models.Coord{Lat: 1, Lon: 2}})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, pub.got, 1)
	assert.True(t, pub.got[0].Online)
	_, err := s.Directory.Get(context.Background(), "d2")
	assert.ErrorIs(t, err, models.ErrNotFound)

	pub.err = fmt.Errorf("%w: broker down", models.ErrUnavailable)
	rec = do(t, s, http.MethodPost, "/internal/driver/locations", models.LocationUpdate{DriverID: "d2", Loc: models.Coord{Lat: 1, Lon: 2}})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestDriverLocation_AppliesDirectlyWithoutStream(t *testing.T) {
	s := newTestServer(t)

	rec := do(t, s, http.MethodPost, "/internal/driver/locations", models.LocationUpdate{DriverID: "d3", Loc: models.Coord{Lat: 1, Lon: 2}})

	assert.Equal(t, http.StatusNoContent, rec.Code)
	d, err := s.Directory.Get(context.Background(), "d3")
	require.NoError(t, err)
	assert.True(t, d.Online)
}

func TestMiddleware_RequestIDAndHealth(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/healthz", nil)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestMiddleware_OversizedBodyRejected(t *testing.T) {
	s := newTestServer(t)
	big := map[string]any{"rider_id": string(bytes.Repeat([]byte("x"), maxBodyBytes+1))}

	rec := do(t, s, http.MethodPost, "/api/v1/rides", big)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelRide_EmptyChunkedBody(t *testing.T) {
	s := newTestServer(t)
	created := decodeBody[rideResponse](t, do(t, s, http.MethodPost, "/api/v1/rides", map[string]any{
		"rider_id":    "rider-9",
		"origin":      map[string]any{"lat": 40.4168, "lon": -3.7038},
		"destination": map[string]any{"lat": 40.4530, "lon": -3.6883},
		"price":       12.0,
	}))
	require.Equal(t, models.RideMatching, created.Ride.Status)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/rides/"+created.Ride.ID+"/cancel", http.NoBody)
	req.ContentLength = -1
	req.TransferEncoding = []string{"chunked"}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ride := decodeBody[models.Ride](t, rec)
	assert.Equal(t, models.RideCancelled, ride.Status)

	rec = do(t, s, http.MethodPost, "/api/v1/rides/"+created.Ride.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "empty body still reaches the dispatcher")

	req = httptest.NewRequest(http.MethodPost, "/api/v1/rides/"+created.Ride.ID+"/cancel", bytes.NewBufferString(`{"reason":`))
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "truncated json is still rejected")
}

func TestAvailability_MovesAPIDriversOnlineGauge(t *testing.T) {
	s := newTestServer(t)
	base := testutil.ToFloat64(observability.APIDriversOnline)

	do(t, s, http.MethodPost, "/api/v1/drivers/g1/online", onlineRequest{Online: true, Lat: 40.417, Lon: -3.704})
	assert.Equal(t, base+1, testutil.ToFloat64(observability.APIDriversOnline))

	do(t, s, http.MethodPost, "/api/v1/drivers/g1/online", onlineRequest{Online: true, Lat: 40.418, Lon: -3.704})
	assert.Equal(t, base+1, testutil.ToFloat64(observability.APIDriversOnline), "heartbeat does not count twice")

	do(t, s, http.MethodPost, "/api/v1/drivers/g1/online", onlineRequest{Online: false, Lat: 40.418, Lon: -3.704})
	assert.Equal(t, base, testutil.ToFloat64(observability.APIDriversOnline))
}
