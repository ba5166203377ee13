package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/trip-dispatch/internal/dispatch"
	"github.com/example/trip-dispatch/internal/ledger"
	"github.com/example/trip-dispatch/internal/models"
	"github.com/example/trip-dispatch/internal/registry"
	"github.com/example/trip-dispatch/internal/storage"
	"github.com/example/trip-dispatch/internal/trip"
)

type Deps struct {
	Trips   *trip.Machine
	Drivers registry.Registry
	Ledger  ledger.Store
	Riders  *dispatch.RiderDevices
	WS      *dispatch.WSRegistry
	Logger  *slog.Logger
}

type Server struct {
	trips   *trip.Machine
	drivers registry.Registry
	ledger  ledger.Store
	riders  *dispatch.RiderDevices
	ws      *dispatch.WSRegistry
	logger  *slog.Logger
	mux     *mux.Router
}

func NewServer(d Deps) *Server {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		trips:   d.Trips,
		drivers: d.Drivers,
		ledger:  d.Ledger,
		riders:  d.Riders,
		ws:      d.WS,
		logger:  logger.With("component", "http"),
		mux:     mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/trips", s.handleCreateTrip).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id}/accept", s.handleAcceptTrip).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/status", s.handleAdvanceTrip).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/cancel", s.handleCancelTrip).Methods(http.MethodPost)
	api.HandleFunc("/drivers/{id}", s.handleUpsertDriver).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{id}/device", s.handleDriverDevice).Methods(http.MethodPut)
	api.HandleFunc("/drivers/{id}/ledger", s.handleGetLedger).Methods(http.MethodGet)
	api.HandleFunc("/drivers/{id}/ledger", s.handleAdjustLedger).Methods(http.MethodPost)
	api.HandleFunc("/riders/{id}/device", s.handleRiderDevice).Methods(http.MethodPut)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleCreateTrip(w http.ResponseWriter, r *http.Request) {
	var req trip.NewTrip
	if !decode(w, r, &req) {
		return
	}
	t, err := s.trips.Create(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	t, err := s.trips.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAcceptTrip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		DriverID string `json:"driver_id"`
	}
	if !decode(w, r, &body) {
		return
	}
	if strings.TrimSpace(body.DriverID) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("driver_id is required"))
		return
	}
	t, err := s.trips.AssignDriver(r.Context(), mux.Vars(r)["id"], body.DriverID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleAdvanceTrip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status models.TripStatus `json:"status"`
	}
	if !decode(w, r, &body) {
		return
	}
	if !body.Status.Valid() {
		writeJSON(w, http.StatusBadRequest, errorBody("unknown status "+strconv.Quote(string(body.Status))))
		return
	}
	t, err := s.trips.Advance(r.Context(), mux.Vars(r)["id"], body.Status)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTrip(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !decode(w, r, &body) {
		return
	}
	t, err := s.trips.Cancel(r.Context(), mux.Vars(r)["id"], body.Reason)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpsertDriver(w http.ResponseWriter, r *http.Request) {
	var d models.Driver
	if !decode(w, r, &d) {
		return
	}
	d.ID = mux.Vars(r)["id"]
	if models.NormalizeRegion(d.Region) == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("region is required"))
		return
	}
	if err := s.drivers.Upsert(r.Context(), d); err != nil {
		s.writeError(w, r, err)
		return
	}
	stored, err := s.drivers.Get(r.Context(), d.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

type deviceBody struct {
	Token    string `json:"token"`
	Language string `json:"language,omitempty"`
}

func (s *Server) handleDriverDevice(w http.ResponseWriter, r *http.Request) {
	var body deviceBody
	if !decode(w, r, &body) {
		return
	}
	id := mux.Vars(r)["id"]
	ctx := r.Context()
	if body.Language == "" {
		if err := s.drivers.SetToken(ctx, id, strings.TrimSpace(body.Token)); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	d, err := s.drivers.Get(ctx, id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	d.DeviceToken = strings.TrimSpace(body.Token)
	d.Language = body.Language
	if err := s.drivers.Upsert(ctx, d); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRiderDevice(w http.ResponseWriter, r *http.Request) {
	var body deviceBody
	if !decode(w, r, &body) {
		return
	}
	dev := dispatch.Device{Token: strings.TrimSpace(body.Token), Language: body.Language}
	if err := s.riders.Set(r.Context(), mux.Vars(r)["id"], dev); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetLedger(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	balance, err := s.ledger.Balance(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.ledger.Entries(r.Context(), id, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"driver_id": id, "balance": balance, "entries": entries})
}

func (s *Server) handleAdjustLedger(w http.ResponseWriter, r *http.Request) {
	actor := strings.TrimSpace(r.Header.Get("X-Actor"))
	if actor == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("X-Actor header is required"))
		return
	}
	var body struct {
		Delta  int64  `json:"delta"`
		Reason string `json:"reason"`
	}
	if !decode(w, r, &body) {
		return
	}
	e, err := s.ledger.Apply(r.Context(), mux.Vars(r)["id"], body.Delta, actor, body.Reason, "")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.ws.Add(id, conn)
	defer func() {
		s.ws.Remove(id, conn)
		conn.Close()
	}()
	// drain until the client goes away
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, trip.ErrConflict), errors.Is(err, trip.ErrDriverBusy), errors.Is(err, ledger.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, trip.ErrInvalidTransition):
		return http.StatusUnprocessableEntity
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, registry.ErrDriverNotFound):
		return http.StatusNotFound
	case errors.Is(err, trip.ErrInvalidTrip), errors.Is(err, ledger.ErrInvalidEntry):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "request_id", requestIDFromContext(r.Context()), "error", err)
		writeJSON(w, code, errorBody("internal error"))
		return
	}
	writeJSON(w, code, errorBody(err.Error()))
}

func errorBody(msg string) map[string]string { return map[string]string{"error": msg} }

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid json: "+err.Error()))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
