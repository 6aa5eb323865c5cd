package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Deps are the collaborators the API needs. Archive and Locations are
// optional.
type Deps struct {
	Rides      storage.RideStore
	Directory  geo.Directory
	Ledger     *ledger.Ledger
	Dispatcher *matcher.Service
	Archive    storage.OfferArchive
	Locations  ingest.Publisher
	WSReg      *dispatch.WSRegistry
}

type Server struct {
	Deps
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(d Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{Deps: d, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleCreateRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/dispatch", s.handleRequestDispatch).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/dispatch", s.handleDispatchStatus).Methods(http.MethodGet)
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/start", s.handleStartRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/complete", s.handleCompleteRide).Methods(http.MethodPost)
	api.HandleFunc("/rides/{id}/offers", s.handleRideOffers).Methods(http.MethodGet)
	api.HandleFunc("/offers/{id}/decision", s.handleDecision).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}/offers", s.handleDriverOffers).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/online", s.handleDriverOnline).Methods(http.MethodPost)

	s.mux.HandleFunc("/internal/driver/locations", s.handleDriverLocation).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type createRideRequest struct {
	models.RideRequest
	Dispatch bool `json:"dispatch"`
}

type rideResponse struct {
	Ride     models.Ride            `json:"ride"`
	Dispatch *models.DispatchStatus `json:"dispatch,omitempty"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var req createRideRequest
	if err := decode(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.Rides.CreateRide(r.Context(), req.RideRequest)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := rideResponse{Ride: ride}
	if req.Dispatch {
		st, err := s.Dispatcher.RequestDispatch(r.Context(), ride.ID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.Dispatch = &st
		if ride, err = s.Rides.GetRide(r.Context(), ride.ID); err == nil {
			resp.Ride = ride
		}
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Rides.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRequestDispatch(w http.ResponseWriter, r *http.Request) {
	st, err := s.Dispatcher.RequestDispatch(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, st)
}

func (s *Server) handleDispatchStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.Dispatcher.Status(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.Dispatcher.CancelRide(r.Context(), mux.Vars(r)["id"], body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleStartRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Dispatcher.StartRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.Dispatcher.CompleteRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

// handleRideOffers prefers the durable archive and falls back to the
// in-process ledger.
func (s *Server) handleRideOffers(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.Rides.GetRide(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	offers := s.Ledger.OffersForRide(id)
	if s.Archive != nil {
		archived, err := s.Archive.ListOffers(r.Context(), id)
		if err != nil {
			s.logger.Warn("offer archive unavailable", "ride_id", id, "error", err)
		} else if len(archived) >= len(offers) {
			offers = archived
		}
	}
	if offers == nil {
		offers = []models.Offer{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride_id": id, "offers": offers})
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Decision models.Decision `json:"decision"`
	}
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	offer, err := s.Dispatcher.SubmitDecision(r.Context(), mux.Vars(r)["id"], body.Decision)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, offer)
}

func (s *Server) handleDriverOffers(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	offers := []models.Offer{}
	if o, ok := s.Ledger.ActiveForDriver(id); ok {
		offers = append(offers, o)
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver_id": id, "offers": offers})
}

type onlineRequest struct {
	Online bool    `json:"online"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
}

func (s *Server) handleDriverOnline(w http.ResponseWriter, r *http.Request) {
	var body onlineRequest
	if err := decode(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	id := mux.Vars(r)["id"]
	if err := s.applyAvailability(r, id, models.Coord{Lat: body.Lat, Lon: body.Lon}, body.Online); err != nil {
		s.writeError(w, r, err)
		return
	}
	d, err := s.Directory.Get(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// handleDriverLocation accepts heartbeats. With a stream configured the
// update is published for the consumer to apply; otherwise it goes straight
// to the directory.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := decode(r, &u); err != nil {
		s.writeError(w, r, err)
		return
	}
	u.Online = true
	if s.Locations != nil {
		if err := s.Locations.PublishLocation(r.Context(), u); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if err := s.applyAvailability(r, u.DriverID, u.Loc, true); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) applyAvailability(r *http.Request, driverID string, loc models.Coord, online bool) error {
	prev, err := s.Directory.Get(r.Context(), driverID)
	wasOnline := err == nil && prev.Online
	if err := s.Directory.SetOnline(r.Context(), driverID, loc, online); err != nil {
		return err
	}
	switch {
	case online && !wasOnline:
		observability.APIDriversOnline.Inc()
	case !online && wasOnline:
		observability.APIDriversOnline.Dec()
	}
	return nil
}

var upgrader = websocket.Upgrader{}

// handleWS keeps the driver's session registered until the client goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("ws upgrade failed", "driver_id", id, "error", err)
		return
	}
	s.WSReg.Add(id, conn)
	defer func() {
		s.WSReg.Remove(id, conn)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %w", models.ErrValidation, err)
	}
	return nil
}
