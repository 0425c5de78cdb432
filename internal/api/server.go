// Package api serves the operator HTTP interface of the connection manager.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"connmgr/pkg/interfaces"
	"connmgr/pkg/types"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// Server is a thin HTTP layer over the connection controller and the event
// store. It holds no connection state of its own.
type Server struct {
	controller interfaces.ConnectionController
	store      interfaces.EventStore
	history    interfaces.ClosedConnectionHistory
	idleGrace  time.Duration
	logger     *slog.Logger
	startedAt  time.Time
	router     *http.ServeMux
}

type Option func(*Server)

// WithEventStore enables the /api/events routes and the database health check
func WithEventStore(store interfaces.EventStore) Option {
	return func(s *Server) { s.store = store }
}

// WithHistory enables /api/history
func WithHistory(h interfaces.ClosedConnectionHistory) Option {
	return func(s *Server) { s.history = h }
}

// WithMetricsHandler mounts a metrics handler at path
func WithMetricsHandler(path string, h http.Handler) Option {
	return func(s *Server) { s.router.Handle("GET "+path, h) }
}

// WithIdleGrace sets the grace used by /api/shutdown when the request
// carries none
func WithIdleGrace(d time.Duration) Option {
	return func(s *Server) { s.idleGrace = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewServer(controller interfaces.ConnectionController, opts ...Option) *Server {
	s := &Server{
		controller: controller,
		logger:     slog.Default(),
		startedAt:  time.Now(),
		router:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	routes := map[string]http.HandlerFunc{
		"GET /health":                     s.healthCheck,
		"GET /api/connections":            s.listConnections,
		"DELETE /api/connections/{id}":    s.dropConnection,
		"POST /api/connections/drop-idle": s.dropIdleConnections,
		"GET /api/stats":                  s.stats,
		"POST /api/shutdown":              s.shutdown,
		"POST /api/drop-all":              s.dropAll,
		"GET /api/events":                 s.listEvents,
		"GET /api/events/counts":          s.eventCounts,
		"GET /api/history":                s.closedHistory,
	}
	for pattern, handler := range routes {
		s.router.Handle(pattern, s.corsMiddleware(s.jsonMiddleware(handler)))
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		s.corsMiddleware(http.NotFoundHandler()).ServeHTTP(w, r)
		return
	}
	s.router.ServeHTTP(w, r)
}

type ListConnectionsResponse struct {
	Connections []types.ConnectionInfo `json:"connections"`
	Count       int                    `json:"count"`
}

type DropIdleResponse struct {
	Requested int `json:"requested"`
	Dropped   int `json:"dropped"`
}

type ShutdownResponse struct {
	IdleGrace string `json:"idle_grace"`
	Message   string `json:"message"`
}

type EventsResponse struct {
	Events []*types.ConnectionEvent `json:"events"`
}

type HistoryResponse struct {
	Closed []types.ClosedConnection `json:"closed"`
}

type HealthResponse struct {
	Status      string              `json:"status"`
	Timestamp   time.Time           `json:"timestamp"`
	Database    string              `json:"database"`
	Connections *types.ManagerStats `json:"connections,omitempty"`
	System      map[string]any      `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// GET /api/connections
func (s *Server) listConnections(w http.ResponseWriter, r *http.Request) {
	infos, err := s.controller.Connections(r.Context())
	if err != nil {
		s.sendControllerError(w, "Failed to list connections", err)
		return
	}
	if infos == nil {
		infos = []types.ConnectionInfo{}
	}
	s.sendJSON(w, http.StatusOK, ListConnectionsResponse{Connections: infos, Count: len(infos)})
}

// DELETE /api/connections/{id}
func (s *Server) dropConnection(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		s.sendError(w, "Connection ID required", http.StatusBadRequest)
		return
	}
	if err := s.controller.DropConnection(r.Context(), id); err != nil {
		if errors.Is(err, interfaces.ErrConnectionNotFound) {
			s.sendError(w, "Connection not found", http.StatusNotFound)
			return
		}
		s.sendControllerError(w, "Failed to drop connection", err)
		return
	}
	s.logger.Info("connection dropped by operator", "connection", id)
	s.sendJSON(w, http.StatusOK, map[string]string{"message": "Connection dropped"})
}

// POST /api/connections/drop-idle?n=10
func (s *Server) dropIdleConnections(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.URL.Query().Get("n"))
	if err != nil || n <= 0 {
		s.sendError(w, "Query parameter n must be a positive integer", http.StatusBadRequest)
		return
	}
	dropped, err := s.controller.DropIdleConnections(r.Context(), n)
	if err != nil {
		s.sendControllerError(w, "Failed to drop idle connections", err)
		return
	}
	s.logger.Info("idle connections shed by operator", "requested", n, "dropped", dropped)
	s.sendJSON(w, http.StatusOK, DropIdleResponse{Requested: n, Dropped: dropped})
}

// GET /api/stats
func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.controller.Stats(r.Context())
	if err != nil {
		s.sendControllerError(w, "Failed to get stats", err)
		return
	}
	s.sendJSON(w, http.StatusOK, stats)
}

// POST /api/shutdown?grace=5s starts a graceful drain. A zero grace skips
// the pending-shutdown notice.
func (s *Server) shutdown(w http.ResponseWriter, r *http.Request) {
	grace := s.idleGrace
	if raw := r.URL.Query().Get("grace"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			s.sendError(w, "Invalid grace duration", http.StatusBadRequest)
			return
		}
		grace = d
	}
	if err := s.controller.InitiateGracefulShutdown(r.Context(), grace); err != nil {
		s.sendControllerError(w, "Failed to start graceful shutdown", err)
		return
	}
	s.logger.Info("graceful drain requested", "idle_grace", grace)
	s.sendJSON(w, http.StatusAccepted, ShutdownResponse{
		IdleGrace: grace.String(),
		Message:   "Graceful shutdown started",
	})
}

// POST /api/drop-all
func (s *Server) dropAll(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.DropAllConnections(r.Context()); err != nil {
		s.sendControllerError(w, "Failed to drop connections", err)
		return
	}
	s.logger.Warn("all connections dropped by operator")
	s.sendJSON(w, http.StatusOK, map[string]string{"message": "All connections dropped"})
}

// GET /api/events?limit=50 or GET /api/events?connection_id=...
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.sendError(w, "Event store disabled", http.StatusNotFound)
		return
	}

	query := r.URL.Query()
	var (
		events []*types.ConnectionEvent
		err    error
	)
	if id := query.Get("connection_id"); id != "" {
		events, err = s.store.ListEvents(r.Context(), id)
	} else {
		limit := defaultEventLimit
		if raw := query.Get("limit"); raw != "" {
			limit, err = strconv.Atoi(raw)
			if err != nil || limit <= 0 {
				s.sendError(w, "Query parameter limit must be a positive integer", http.StatusBadRequest)
				return
			}
			limit = min(limit, maxEventLimit)
		}
		events, err = s.store.RecentEvents(r.Context(), limit)
	}
	if err != nil {
		s.logger.Error("failed to read events", "error", err)
		s.sendError(w, "Failed to read events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []*types.ConnectionEvent{}
	}
	s.sendJSON(w, http.StatusOK, EventsResponse{Events: events})
}

// GET /api/events/counts
func (s *Server) eventCounts(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.sendError(w, "Event store disabled", http.StatusNotFound)
		return
	}
	counts, err := s.store.CountByKind(r.Context())
	if err != nil {
		s.logger.Error("failed to count events", "error", err)
		s.sendError(w, "Failed to count events", http.StatusInternalServerError)
		return
	}
	s.sendJSON(w, http.StatusOK, counts)
}

// GET /api/history
func (s *Server) closedHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		s.sendError(w, "History disabled", http.StatusNotFound)
		return
	}
	closed := s.history.Recent()
	if closed == nil {
		closed = []types.ClosedConnection{}
	}
	s.sendJSON(w, http.StatusOK, HistoryResponse{Closed: closed})
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "disabled"
	if s.store != nil {
		dbStatus = "healthy"
		if err := s.store.HealthCheck(ctx); err != nil {
			status = "unhealthy"
			dbStatus = fmt.Sprintf("error: %v", err)
		}
	}

	response := HealthResponse{
		Timestamp: time.Now(),
		Database:  dbStatus,
		System: map[string]any{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.startedAt).Round(time.Second).String(),
		},
	}
	if stats, err := s.controller.Stats(ctx); err != nil {
		status = "unhealthy"
	} else {
		response.Connections = &stats
	}
	response.Status = status

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.sendJSON(w, code, response)
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// sendControllerError maps loop failures to 503, since they mean the event
// loop is stopped or saturated
func (s *Server) sendControllerError(w http.ResponseWriter, message string, err error) {
	s.logger.Error(message, "error", err)
	s.sendError(w, message, http.StatusServiceUnavailable)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.sendJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
