package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-lifecycle/internal/dispatch"
	"github.com/example/ride-lifecycle/internal/engine"
	"github.com/example/ride-lifecycle/internal/ingest"
	"github.com/example/ride-lifecycle/internal/lifecycle"
	"github.com/example/ride-lifecycle/internal/models"
	"github.com/example/ride-lifecycle/internal/observability"
)

// Server exposes the lifecycle engine over HTTP. Authentication is owned
// by an upstream gateway; it forwards the verified identity in the
// X-Actor-ID and X-Actor-Role headers, which the server trusts.
type Server struct {
	Engine    *engine.Service
	Feed      *dispatch.Feed
	Kafka     *ingest.KafkaProducer // optional
	Locations *redis.Client         // optional, last-known location reads
	logger    *slog.Logger
	mux       *mux.Router
}

func NewServer(eng *engine.Service, feed *dispatch.Feed, log *slog.Logger) *Server {
	s := &Server{Engine: eng, Feed: feed, logger: log, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/rides", s.handleRequestRide).Methods("POST")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")
	api.HandleFunc("/rides/{id}/accept", s.handleAcceptRide).Methods("POST")
	api.HandleFunc("/rides/{id}/reject", s.handleRejectRide).Methods("POST")
	api.HandleFunc("/rides/{id}/status", s.handleAdvanceStatus).Methods("POST")
	api.HandleFunc("/rides/{id}/cancel", s.handleCancelRide).Methods("POST")
	api.HandleFunc("/rides/{id}/location", s.handlePostLocation).Methods("POST")
	api.HandleFunc("/rides/{id}/location", s.handleGetLocation).Methods("GET")
	api.HandleFunc("/riders/me/rides", s.handleRiderRides).Methods("GET")
	api.HandleFunc("/drivers/me/rides", s.handleDriverRides).Methods("GET")
	api.HandleFunc("/drivers/me/earnings", s.handleDriverEarnings).Methods("GET")

	s.mux.HandleFunc("/ws/rides/{id}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRequestRide(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, models.RoleRider)
	if !ok {
		return
	}
	var in engine.RequestInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	ride, err := s.Engine.RequestRide(r.Context(), actor.ID, in)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ride": ride})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, "")
	if !ok {
		return
	}
	ride, err := s.Engine.GetRide(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if actor.ID != ride.Rider && actor.ID != ride.Driver {
		writeError(w, http.StatusForbidden, "forbidden", "not a participant of this ride")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": ride})
}

func (s *Server) handleAcceptRide(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, models.RoleDriver)
	if !ok {
		return
	}
	ride, err := s.Engine.AcceptRide(r.Context(), actor.ID, mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": ride})
}

func (s *Server) handleRejectRide(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, models.RoleDriver)
	if !ok {
		return
	}
	ride, err := s.Engine.RejectRide(r.Context(), actor.ID, mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": ride})
}

func (s *Server) handleAdvanceStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var in struct {
		Status models.RideStatus `json:"status"`
		Note   string            `json:"note,omitempty"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	ride, earning, err := s.Engine.AdvanceRideStatus(r.Context(), actor.ID, mux.Vars(r)["id"], in.Status, in.Note)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	resp := map[string]any{"ride": ride}
	if earning != nil {
		resp["earning"] = earning
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelRide(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, models.RoleRider)
	if !ok {
		return
	}
	ride, err := s.Engine.CancelRide(r.Context(), actor.ID, mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": ride})
}

func (s *Server) handleRiderRides(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, models.RoleRider)
	if !ok {
		return
	}
	rides, err := s.Engine.RidesForRider(r.Context(), actor.ID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

func (s *Server) handleDriverRides(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, models.RoleDriver)
	if !ok {
		return
	}
	rides, err := s.Engine.RidesForDriver(r.Context(), actor.ID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

func (s *Server) handleDriverEarnings(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, models.RoleDriver)
	if !ok {
		return
	}
	summary, err := s.Engine.EarningsSummary(r.Context(), actor.ID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// handlePostLocation accepts a position ping from the assigned driver of
// an active ride and fans it out over the side channel. Ride state is
// never touched here.
func (s *Server) handlePostLocation(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, models.RoleDriver)
	if !ok {
		return
	}
	var loc models.GeoPoint
	if err := decodeJSON(r, &loc); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	rideID := mux.Vars(r)["id"]
	ride, err := s.Engine.GetRide(r.Context(), rideID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if ride.Driver != actor.ID {
		writeError(w, http.StatusForbidden, "forbidden", "not the assigned driver")
		return
	}
	switch ride.Status {
	case models.StatusAccepted, models.StatusPickedUp, models.StatusInTransit:
	default:
		writeError(w, http.StatusConflict, "invalid_transition", "ride is not active")
		return
	}

	update := models.LocationUpdate{RideID: rideID, Driver: actor.ID, Loc: loc, At: time.Now()}
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(update); err != nil {
			s.logger.Warn("location publish failed", "ride_id", rideID, "error", err)
		}
	}
	if err := s.Feed.Broadcast(update); err != nil && !errors.Is(err, dispatch.ErrNoSubscribers) {
		s.logger.Warn("location broadcast failed", "ride_id", rideID, "error", err)
	}
	observability.LocationUpdates.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetLocation(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.requireActor(w, r, "")
	if !ok {
		return
	}
	rideID := mux.Vars(r)["id"]
	ride, err := s.Engine.GetRide(r.Context(), rideID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	if actor.ID != ride.Rider && actor.ID != ride.Driver {
		writeError(w, http.StatusForbidden, "forbidden", "not a participant of this ride")
		return
	}
	if s.Locations == nil {
		writeError(w, http.StatusNotFound, "not_found", "location tracking not configured")
		return
	}
	fields, err := s.Locations.HGetAll(r.Context(), rideLocationKey(rideID)).Result()
	if err != nil || len(fields) == 0 {
		writeError(w, http.StatusNotFound, "not_found", "no location recorded for ride")
		return
	}
	writeJSON(w, http.StatusOK, fields)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	unsubscribe := s.Feed.Subscribe(rideID, conn)
	// the feed only writes; drain reads to detect the close handshake
	go func() {
		defer unsubscribe()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func rideLocationKey(rideID string) string { return "ride:location:" + rideID }

func (s *Server) requireActor(w http.ResponseWriter, r *http.Request, role models.Role) (models.Actor, bool) {
	actor := models.Actor{
		ID:   r.Header.Get("X-Actor-ID"),
		Role: models.Role(r.Header.Get("X-Actor-Role")),
	}
	if actor.ID == "" {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing actor identity")
		return models.Actor{}, false
	}
	if role != "" && actor.Role != role {
		writeError(w, http.StatusForbidden, "forbidden", "wrong role for this operation")
		return models.Actor{}, false
	}
	return actor, true
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, lifecycle.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, lifecycle.ErrRideUnavailable):
		writeError(w, http.StatusConflict, "ride_unavailable", err.Error())
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, lifecycle.ErrCancellationWindowExpired):
		writeError(w, http.StatusUnprocessableEntity, "cancellation_window_expired", err.Error())
	case errors.Is(err, lifecycle.ErrLedgerWriteFailed):
		writeError(w, http.StatusServiceUnavailable, "ledger_write_failed", "settlement could not be recorded, retry the completion")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "transient", "request interrupted, safe to retry")
	default:
		s.logger.Error("unexpected engine error", "error", err)
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	}
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]any{"error": kind, "message": message})
}
