// Package web provides the HTTP API and status page for the irrigation daemon.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/sweeney/irrigation-controller/internal/controller"
	"github.com/sweeney/irrigation-controller/internal/logic"
	"github.com/sweeney/irrigation-controller/internal/metrics"
	"github.com/sweeney/irrigation-controller/internal/status"
	"github.com/sweeney/irrigation-controller/internal/store"
)

const (
	maxBodyBytes        = 64 << 10
	defaultHistoryLimit = 100
	maxHistoryLimit     = 10000
)

// Controller is the command side of the engine. Implemented by controller.Engine.
type Controller interface {
	SetMode(ctx context.Context, mode logic.Mode) error
	ControlValve(ctx context.Context, action string, seconds int) error
	ResetError(ctx context.Context) error
	Thresholds(ctx context.Context) (logic.ThresholdConfig, error)
	UpdateThresholds(ctx context.Context, p logic.ThresholdPatch) (logic.ThresholdConfig, error)
	Entries(ctx context.Context) ([]controller.EntryView, error)
	CreateEntry(ctx context.Context, p logic.EntryPatch) (controller.EntryView, error)
	UpdateEntry(ctx context.Context, id int64, p logic.EntryPatch) (controller.EntryView, error)
	ToggleEntry(ctx context.Context, id int64) (controller.EntryView, error)
	DeleteEntry(ctx context.Context, id int64) error
}

// HistorySource reads recorded sensor readings. Implemented by store.Store.
type HistorySource interface {
	RecentReadings(ctx context.Context, kind string, limit int, loc *time.Location) ([]store.Reading, error)
}

// Server serves the dashboard API and the status page over HTTP.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	ctrl       Controller
	history    HistorySource
	loc        *time.Location
}

// New creates a Server. history may be nil, in which case /status/history
// returns 404.
func New(addr string, tracker *status.Tracker, ctrl Controller, history HistorySource, loc *time.Location) *Server {
	if loc == nil {
		loc = time.Local
	}
	s := &Server{tracker: tracker, ctrl: ctrl, history: history, loc: loc}

	mux := http.NewServeMux()
	s.handle(mux, "GET /{$}", s.handleIndex)
	s.handle(mux, "GET /index.html", s.handleIndex)
	s.handle(mux, "GET /index.json", s.handleStatusJSON)
	s.handle(mux, "GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.handle(mux, "GET /status/metrics", s.handleMetrics)
	s.handle(mux, "GET /status/history", s.handleHistory)

	s.handle(mux, "POST /control/mode", s.handleMode)
	s.handle(mux, "POST /control/valve", s.handleValve)
	s.handle(mux, "POST /control/reset", s.handleReset)

	s.handle(mux, "GET /config/thresholds", s.handleGetThresholds)
	s.handle(mux, "POST /config/thresholds", s.handleUpdateThresholds)

	s.handle(mux, "GET /schedule/list", s.handleListSchedules)
	s.handle(mux, "POST /schedule/create", s.handleCreateSchedule)
	s.handle(mux, "PUT /schedule/{id}", s.handleUpdateSchedule)
	s.handle(mux, "DELETE /schedule/{id}", s.handleDeleteSchedule)
	s.handle(mux, "POST /schedule/{id}/toggle", s.handleToggleSchedule)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           cors(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) handle(mux *http.ServeMux, pattern string, h http.HandlerFunc) {
	observer := metrics.HTTPRequestLatencySeconds.WithLabelValues(pattern)
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		h(w, r)
		observer.Observe(time.Since(start).Seconds())
	})
}

// cors lets the dashboard call the API from its own origin.
func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	renderHTML(w, snap)
}

func (s *Server) handleStatusJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatStatusEvent(snap, "", ""))
}

// handleHealth fails when the control loop has stopped ticking.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	if tick := time.Duration(snap.Config.TickMs) * time.Millisecond; tick > 0 && !snap.LastTick.IsZero() {
		if lag := snap.Now.Sub(snap.LastTick); lag > 3*tick+5*time.Second {
			http.Error(w, "control loop stalled", http.StatusServiceUnavailable)
			return
		}
	}
	w.Write([]byte("ok"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.NotFound(w, r)
		return
	}
	kind := r.URL.Query().Get("type")
	if kind == "" {
		kind = store.KindSoil
	}
	if kind != store.KindSoil && kind != store.KindAir {
		writeError(w, http.StatusBadRequest, errors.New("type must be soil or air"))
		return
	}
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > maxHistoryLimit {
			writeError(w, http.StatusBadRequest, errors.New("limit must be between 1 and 10000"))
			return
		}
		limit = n
	}

	rs, err := s.history.RecentReadings(r.Context(), kind, limit, s.loc)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, historyJSON(kind, rs, s.loc))
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.ctrl.SetMode(r.Context(), logic.Mode(req.Mode)); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true, Mode: req.Mode})
}

func (s *Server) handleValve(w http.ResponseWriter, r *http.Request) {
	var req valveRequest
	if !decode(w, r, &req) {
		return
	}
	seconds := 0
	if req.Seconds != nil {
		seconds = *req.Seconds
	}
	if err := s.ctrl.ControlValve(r.Context(), req.Action, seconds); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.ResetError(r.Context()); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true})
}

func (s *Server) handleGetThresholds(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.ctrl.Thresholds(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, thresholdsJSON(cfg))
}

func (s *Server) handleUpdateThresholds(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := decodeThresholdPatch(body)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	cfg, err := s.ctrl.UpdateThresholds(r.Context(), p)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, thresholdsJSON(cfg))
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	views, err := s.ctrl.Entries(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]ScheduleJSON, len(views))
	for i, v := range views {
		out[i] = scheduleJSON(v)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := s.ctrl.CreateEntry(r.Context(), req.patch())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, scheduleJSON(v))
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req scheduleRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := s.ctrl.UpdateEntry(r.Context(), id, req.patch())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleJSON(v))
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.ctrl.DeleteEntry(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, okResponse{OK: true, ID: id})
}

func (s *Server) handleToggleSchedule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	v, err := s.ctrl.ToggleEntry(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, scheduleJSON(v))
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid schedule id"))
		return 0, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, logic.ErrInvalidConfig),
		errors.Is(err, logic.ErrInvalidScheduleEntry),
		errors.Is(err, controller.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, logic.ErrEntryNotFound):
		return http.StatusNotFound
	case errors.Is(err, controller.ErrModeConflict):
		return http.StatusConflict
	case errors.Is(err, controller.ErrEngineStopped):
		return http.StatusServiceUnavailable
	case errors.Is(err, controller.ErrActuatorTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, controller.ErrActuatorFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		log.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", code).Msg("request failed")
	} else {
		log.Debug().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Int("status", code).Msg("request rejected")
	}
	writeError(w, code, err)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("failed to write response")
	}
}
