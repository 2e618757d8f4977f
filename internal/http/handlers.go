package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/dispatch"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/gateway"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/models"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/rides"
	"github.com/szallodas-ctrl/pestmegyetaxi-backend/internal/storage"
)

// Server is the synchronous request surface. Every ride endpoint maps 1:1
// to a state-machine operation followed by zero-or-one router call; the
// transition commits regardless of whether any push was deliverable.
type Server struct {
	Rides   *rides.Service
	Router  *dispatch.Router
	Store   storage.Store
	Gateway *gateway.Gateway

	SearchRadiusKm float64
	SearchLimit    int

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(r *rides.Service, router *dispatch.Router, store storage.Store, gw *gateway.Gateway, radiusKm float64, limit int, logger *slog.Logger) *Server {
	s := &Server{
		Rides:          r,
		Router:         router,
		Store:          store,
		Gateway:        gw,
		SearchRadiusKm: radiusKm,
		SearchLimit:    limit,
		logger:         logger,
		mux:            mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides", s.handleRequestRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/accept", s.handleAcceptRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/complete", s.handleCompleteRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancelRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/ratings", s.handleRateRide).Methods("POST")
	s.mux.HandleFunc("/api/v1/drivers/{driver_id}/location", s.handleDriverLocation).Methods("POST")
	s.mux.HandleFunc("/api/v1/profiles/{id}", s.handleProfile).Methods("GET")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.Gateway.Handle)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PassengerID  string          `json:"passenger_id"`
		Pickup       models.Location `json:"pickup"`
		Destination  models.Location `json:"destination"`
		FareEstimate float64         `json:"fare_estimate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &rides.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	ride, err := s.Rides.Request(r.Context(), req.PassengerID, req.Pickup, req.Destination, req.FareEstimate)
	if err != nil {
		s.writeError(w, err)
		return
	}
	nearby, notified, err := s.Router.RideRequested(r.Context(), ride, s.SearchRadiusKm, s.SearchLimit)
	if err != nil {
		// the ride is committed; a failed driver search only hurts latency
		s.logger.Warn("nearby driver search failed", "ride_id", ride.ID, "error", err)
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"ride":             ride,
		"nearby_drivers":   nearby,
		"notified_drivers": notified,
	})
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID string `json:"driver_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &rides.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	ride, err := s.Rides.Accept(r.Context(), mux.Vars(r)["ride_id"], req.DriverID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	driver, err := s.Store.GetDriver(r.Context(), ride.DriverID)
	if err != nil {
		driver = nil // the driver profile enriches the push, it is not a precondition
	}
	s.Router.RideAccepted(ride, driver)
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCompleteRide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID  string  `json:"driver_id"`
		FinalFare float64 `json:"final_fare"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &rides.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	ride, err := s.Rides.Complete(r.Context(), mux.Vars(r)["ride_id"], req.DriverID, req.FinalFare)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.Router.RideCompleted(ride)
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PassengerID string `json:"passenger_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &rides.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	ride, err := s.Rides.Cancel(r.Context(), mux.Vars(r)["ride_id"], req.PassengerID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.Router.RideCancelled(ride)
	writeJSON(w, http.StatusOK, ride)
}

func (s *Server) handleRateRide(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RaterRole models.Role `json:"rater_role"`
		Score     int         `json:"score"`
		Comment   string      `json:"comment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &rides.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	rating, err := s.Rides.Rate(r.Context(), mux.Vars(r)["ride_id"], req.RaterRole, req.Score, req.Comment)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rating)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var req models.Coord
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &rides.ValidationError{Field: "body", Reason: err.Error()})
		return
	}
	active, err := s.Rides.UpdateDriverLocation(r.Context(), mux.Vars(r)["driver_id"], req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if active != nil {
		s.Router.DriverLocationChanged(active, req)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.Store.LookupProfile(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	if profile.Empty() {
		s.writeError(w, storage.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var ve *rides.ValidationError
	var ce *storage.ConflictError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": ve.Error()})
	case errors.As(err, &ce):
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":          ce.Reason,
			"ride_id":        ce.RideID,
			"current_status": ce.Status,
		})
	case errors.Is(err, storage.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
	case errors.Is(err, storage.ErrUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "store unavailable"})
	default:
		s.logger.Error("request failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
