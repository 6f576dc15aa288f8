// Package api exposes the operator surface: alert queries, lifecycle
// actions, the notification audit trail and DLQ inspection/replay.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"sentinel/core"
	"sentinel/escalate"
	"sentinel/eventlog"
	"sentinel/storage"
)

// dlqInspectGroup is the consumer group used only for depth reporting; it
// never fetches, so its lag equals the stream depth
const dlqInspectGroup = "dlq-inspector"

// maxEventBody bounds inbound event documents
const maxEventBody = 1 << 20

// Ingestor accepts raw event documents; the pipeline implements it
type Ingestor interface {
	Ingest(ctx context.Context, raw []byte, source string) (*core.SecurityEvent, error)
}

// Server is the HTTP API server
type Server struct {
	alerts    storage.AlertStore
	audit     storage.NotificationStore
	lifecycle *escalate.Service
	log       eventlog.Log
	ingest    Ingestor
	logger    *zap.SugaredLogger

	router *mux.Router
	srv    *http.Server
}

// NewServer creates the API server
func NewServer(addr string, alerts storage.AlertStore, audit storage.NotificationStore, lifecycle *escalate.Service, log eventlog.Log, ingest Ingestor, logger *zap.SugaredLogger) *Server {
	s := &Server{
		alerts:    alerts,
		audit:     audit,
		lifecycle: lifecycle,
		log:       log,
		ingest:    ingest,
		logger:    logger,
		router:    mux.NewRouter(),
	}
	s.routes()
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/events", s.handleIngest).Methods(http.MethodPost)
	api.HandleFunc("/alerts", s.handleListAlerts).Methods(http.MethodGet)
	api.HandleFunc("/alerts/hash/{hash}", s.handleAlertByHash).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}", s.handleGetAlert).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/notifications", s.handleAlertNotifications).Methods(http.MethodGet)
	api.HandleFunc("/alerts/{id}/acknowledge", s.handleAcknowledge).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}/resolve", s.handleResolve).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}/false-positive", s.handleFalsePositive).Methods(http.MethodPost)
	api.HandleFunc("/alerts/{id}/suppress", s.handleSuppress).Methods(http.MethodPost)

	api.HandleFunc("/dlq/{stream}", s.handleDLQDepth).Methods(http.MethodGet)
	api.HandleFunc("/dlq/{stream}/replay", s.handleDLQReplay).Methods(http.MethodPost)

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving; blocks until the listener fails or closes
func (s *Server) Start() error {
	s.logger.Infow("API server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// --- handlers ---

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.ingest == nil {
		s.writeError(w, http.StatusServiceUnavailable, "ingestion not available")
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxEventBody+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(raw) > maxEventBody {
		s.writeError(w, http.StatusRequestEntityTooLarge, "event document too large")
		return
	}

	source := r.Header.Get("X-Event-Source")
	if source == "" {
		source = "http"
	}

	event, err := s.ingest.Ingest(r.Context(), raw, source)
	if err != nil {
		switch {
		case errors.Is(err, core.ErrMalformedEvent):
			s.writeError(w, http.StatusBadRequest, err.Error())
		case core.IsTransient(err):
			s.writeError(w, http.StatusServiceUnavailable, "event log unavailable")
		default:
			s.logger.Errorw("Ingest failed", "source", source, "error", err)
			s.writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"event_id": event.EventID})
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant")
	if tenant == "" {
		s.writeError(w, http.StatusBadRequest, "tenant query parameter is required")
		return
	}

	status := core.AlertStatus(r.URL.Query().Get("status"))
	if status != "" && !status.IsValid() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid status %q", status))
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = parsed
	}

	alerts, err := s.alerts.ListAlerts(r.Context(), tenant, status, limit)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	if alerts == nil {
		alerts = []*core.AlertInstance{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"alerts": alerts, "count": len(alerts)})
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	alert, err := s.alerts.GetAlert(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAlertByHash(w http.ResponseWriter, r *http.Request) {
	alert, err := s.alerts.FindLiveByHash(r.Context(), mux.Vars(r)["hash"])
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleAlertNotifications(w http.ResponseWriter, r *http.Request) {
	alertID := mux.Vars(r)["id"]
	if _, err := s.alerts.GetAlert(r.Context(), alertID); err != nil {
		s.writeStorageError(w, err)
		return
	}

	msgs, err := s.audit.ListNotifications(r.Context(), alertID)
	if err != nil {
		s.writeStorageError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*core.NotificationMessage{}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"notifications": msgs, "count": len(msgs)})
}

// lifecycleRequest is the body of the lifecycle action endpoints
type lifecycleRequest struct {
	User  string    `json:"user"`
	Until time.Time `json:"until,omitempty"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, func(ctx context.Context, id string, req lifecycleRequest) (*core.AlertInstance, error) {
		return s.lifecycle.Acknowledge(ctx, id, req.User)
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, func(ctx context.Context, id string, req lifecycleRequest) (*core.AlertInstance, error) {
		return s.lifecycle.Resolve(ctx, id, req.User)
	})
}

func (s *Server) handleFalsePositive(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, func(ctx context.Context, id string, req lifecycleRequest) (*core.AlertInstance, error) {
		return s.lifecycle.FalsePositive(ctx, id, req.User)
	})
}

func (s *Server) handleSuppress(w http.ResponseWriter, r *http.Request) {
	s.lifecycleAction(w, r, func(ctx context.Context, id string, req lifecycleRequest) (*core.AlertInstance, error) {
		if req.Until.IsZero() {
			return nil, errors.New("until is required")
		}
		return s.lifecycle.Suppress(ctx, id, req.Until, req.User)
	})
}

func (s *Server) lifecycleAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string, lifecycleRequest) (*core.AlertInstance, error)) {
	var req lifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	alert, err := action(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "alert not found")
		case core.IsTransient(err):
			s.writeError(w, http.StatusServiceUnavailable, "storage unavailable")
		default:
			// invalid transition or bad arguments
			s.writeError(w, http.StatusConflict, err.Error())
		}
		return
	}
	s.writeJSON(w, http.StatusOK, alert)
}

func (s *Server) handleDLQDepth(w http.ResponseWriter, r *http.Request) {
	stream := mux.Vars(r)["stream"]
	if !eventlog.IsDLQ(stream) {
		s.writeError(w, http.StatusBadRequest, "not a dead-letter stream")
		return
	}

	partitions := s.log.Partitions(stream)
	if partitions == 0 {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"stream": stream, "depth": 0})
		return
	}

	var depth int64
	for p := 0; p < partitions; p++ {
		depth += s.log.Lag(stream, dlqInspectGroup, p)
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"stream": stream, "depth": depth})
}

func (s *Server) handleDLQReplay(w http.ResponseWriter, r *http.Request) {
	stream := mux.Vars(r)["stream"]
	if !eventlog.IsDLQ(stream) {
		s.writeError(w, http.StatusBadRequest, "not a dead-letter stream")
		return
	}

	max := 100
	if raw := r.URL.Query().Get("max"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 10000 {
			s.writeError(w, http.StatusBadRequest, "max must be between 1 and 10000")
			return
		}
		max = parsed
	}

	replayed, err := s.log.Replay(r.Context(), stream, max)
	if err != nil {
		if errors.Is(err, eventlog.ErrUnknownStream) {
			s.writeError(w, http.StatusNotFound, "unknown stream")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "replay failed")
		s.logger.Errorw("DLQ replay failed", "stream", stream, "error", err)
		return
	}

	s.logger.Infow("DLQ replayed", "stream", stream, "replayed", replayed)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"stream": stream, "replayed": replayed})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- helpers ---

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warnw("Failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) writeStorageError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "not found")
		return
	}
	s.logger.Errorw("Storage error", "error", err)
	s.writeError(w, http.StatusInternalServerError, "internal error")
}
