package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/dispatch-engine/internal/dispatch"
	"github.com/example/dispatch-engine/internal/lifecycle"
	"github.com/example/dispatch-engine/internal/logging"
	"github.com/example/dispatch-engine/internal/models"
	"github.com/example/dispatch-engine/internal/storage"
)

// Lifecycle is the application surface the handlers call into.
type Lifecycle interface {
	RegisterDriver(ctx context.Context, in lifecycle.DriverInput) (models.Driver, error)
	RegisterRider(ctx context.Context, in lifecycle.RiderInput) (models.Rider, error)
	CreateRideRequest(ctx context.Context, in lifecycle.RequestInput) (models.RideRequest, error)
	CancelRideRequest(ctx context.Context, id string) (models.RideRequest, error)
	MatchRequest(ctx context.Context, id string) (models.RideRequest, bool, error)
	UpdateDriverStatus(ctx context.Context, id string, to models.DriverStatus) (models.Driver, error)
	UpdateDriverLocation(ctx context.Context, id string, loc models.Location) (models.Driver, error)
	CompleteTrip(ctx context.Context, id string) (models.Trip, error)
	CancelTrip(ctx context.Context, id string) (models.Trip, error)
	GetDriver(ctx context.Context, id string) (models.Driver, error)
	GetRequest(ctx context.Context, id string) (models.RideRequest, error)
	GetTrip(ctx context.Context, id string) (models.Trip, error)
	Status(ctx context.Context) (lifecycle.Status, error)
}

type Server struct {
	svc    Lifecycle
	ws     *dispatch.WSRegistry
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(svc Lifecycle, ws *dispatch.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{
		svc:    svc,
		ws:     ws,
		logger: logging.OrDefault(logger).With("component", "http"),
		mux:    mux.NewRouter(),
	}
	s.routes()
	s.registerMiddleware()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/riders", s.handleRegisterRider).Methods(http.MethodPost)
	api.HandleFunc("/drivers", s.handleRegisterDriver).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}", s.handleGetDriver).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/status", s.handleDriverStatus).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{id}/location", s.handleDriverLocation).Methods(http.MethodPut)
	api.HandleFunc("/requests", s.handleCreateRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}", s.handleGetRequest).Methods(http.MethodGet)
	api.HandleFunc("/requests/{id}/cancel", s.handleCancelRequest).Methods(http.MethodPost)
	api.HandleFunc("/requests/{id}/match", s.handleMatchRequest).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id}/complete", s.handleCompleteTrip).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/cancel", s.handleCancelTrip).Methods(http.MethodPost)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/driver/locations", s.handleLocationBatch).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{participant_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRegisterRider(w http.ResponseWriter, r *http.Request) {
	var in lifecycle.RiderInput
	if !s.decode(w, r, &in) {
		return
	}
	rider, err := s.svc.RegisterRider(r.Context(), in)
	s.respond(w, r, http.StatusCreated, rider, err)
}

func (s *Server) handleRegisterDriver(w http.ResponseWriter, r *http.Request) {
	var in lifecycle.DriverInput
	if !s.decode(w, r, &in) {
		return
	}
	d, err := s.svc.RegisterDriver(r.Context(), in)
	s.respond(w, r, http.StatusCreated, d, err)
}

func (s *Server) handleGetDriver(w http.ResponseWriter, r *http.Request) {
	d, err := s.svc.GetDriver(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, http.StatusOK, d, err)
}

type statusBody struct {
	Status models.DriverStatus `json:"status"`
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var body statusBody
	if !s.decode(w, r, &body) {
		return
	}
	d, err := s.svc.UpdateDriverStatus(r.Context(), mux.Vars(r)["id"], body.Status)
	s.respond(w, r, http.StatusOK, d, err)
}

func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	var loc models.Location
	if !s.decode(w, r, &loc) {
		return
	}
	d, err := s.svc.UpdateDriverLocation(r.Context(), mux.Vars(r)["id"], loc)
	s.respond(w, r, http.StatusOK, d, err)
}

type batchResult struct {
	Applied int               `json:"applied"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// handleLocationBatch applies pings from driver apps in order. One bad ping
// does not reject the batch.
func (s *Server) handleLocationBatch(w http.ResponseWriter, r *http.Request) {
	var pings []models.LocationPing
	if !s.decode(w, r, &pings) {
		return
	}
	var res batchResult
	for _, p := range pings {
		if p.DriverID == "" {
			continue
		}
		if _, err := s.svc.UpdateDriverLocation(r.Context(), p.DriverID, p.Loc); err != nil {
			if res.Failed == nil {
				res.Failed = make(map[string]string)
			}
			res.Failed[p.DriverID] = err.Error()
			continue
		}
		res.Applied++
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleCreateRequest(w http.ResponseWriter, r *http.Request) {
	var in lifecycle.RequestInput
	if !s.decode(w, r, &in) {
		return
	}
	req, err := s.svc.CreateRideRequest(r.Context(), in)
	s.respond(w, r, http.StatusCreated, req, err)
}

func (s *Server) handleGetRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.GetRequest(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, http.StatusOK, req, err)
}

func (s *Server) handleCancelRequest(w http.ResponseWriter, r *http.Request) {
	req, err := s.svc.CancelRideRequest(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, http.StatusOK, req, err)
}

func (s *Server) handleMatchRequest(w http.ResponseWriter, r *http.Request) {
	req, ok, err := s.svc.MatchRequest(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, http.StatusOK, map[string]any{"request": req, "matched": ok}, err)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.GetTrip(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, http.StatusOK, t, err)
}

func (s *Server) handleCompleteTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.CompleteTrip(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, http.StatusOK, t, err)
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.svc.CancelTrip(r.Context(), mux.Vars(r)["id"])
	s.respond(w, r, http.StatusOK, t, err)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Status(r.Context())
	s.respond(w, r, http.StatusOK, st, err)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["participant_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Debug("websocket upgrade failed", "participant_id", id, "error", err)
		return
	}
	s.ws.Serve(id, conn)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid json: " + err.Error()})
		return false
	}
	return true
}

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"request_id,omitempty"`
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, v any, err error) {
	if err == nil {
		writeJSON(w, status, v)
		return
	}
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
	}
	writeJSON(w, code, errorBody{Error: err.Error(), RequestID: requestIDFromContext(r.Context())})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, storage.ErrConflict),
		errors.Is(err, storage.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrInvalidInput), errors.Is(err, models.ErrInvalidWindow):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { return uuid.NewString() }
