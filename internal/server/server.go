// Package server implements the local HTTP surface of the bridge.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/zorak1103/ha-remote/internal/hub"
	"github.com/zorak1103/ha-remote/internal/logging"
	"github.com/zorak1103/ha-remote/internal/metrics"
	"github.com/zorak1103/ha-remote/internal/remote"
)

// DefaultPort is the default listen port.
const DefaultPort = 8124

// Connection is the view of a remote connection the server reports on.
type Connection interface {
	Instance() string
	State() remote.State
	MirroredEntities() []string
	RemoteUUID() string
}

// StateSource reads the local state store.
type StateSource interface {
	All() []hub.State
	Get(entityID string) (hub.State, bool)
}

// Config holds the server settings.
type Config struct {
	Port         int
	LocationName string
	UUID         string
}

// DiscoveryInfo is the response of the discovery view.
type DiscoveryInfo struct {
	UUID         string `json:"uuid"`
	LocationName string `json:"location_name"`
}

// ConnectionStatus is one entry of the connections view.
type ConnectionStatus struct {
	Instance         string `json:"instance"`
	State            string `json:"state"`
	MirroredEntities int    `json:"mirrored_entities"`
	UUID             string `json:"uuid,omitempty"`
}

// Server serves discovery, status, states, health and metrics.
type Server struct {
	cfg     Config
	conns   []Connection
	states  StateSource
	metrics *metrics.Registry
	logger  *logging.Logger

	mu         sync.Mutex
	httpServer *http.Server
	stopped    bool
}

// New creates a server. metrics may be nil, which disables /metrics.
func New(cfg Config, conns []Connection, states StateSource, reg *metrics.Registry, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.New(logging.LevelInfo)
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return &Server{
		cfg:     cfg,
		conns:   conns,
		states:  states,
		metrics: reg,
		logger:  logger,
	}
}

// Router returns the HTTP handler with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Route("/api", func(r chi.Router) {
		r.Get("/states", s.handleStates)
		r.Get("/states/{entityID}", s.handleState)
		r.Get("/remote_homeassistant/discovery", s.handleDiscovery)
		r.Get("/remote_homeassistant/connections", s.handleConnections)
	})
	return r
}

// Start listens on the configured port until Shutdown is called. It
// returns immediately if Shutdown already ran.
func (s *Server) Start() error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("HTTP server starting", "port", s.cfg.Port)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("HTTP server shutting down...")
	return srv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("Request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"request_id", middleware.GetReqID(r.Context()),
			"duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDiscovery(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, DiscoveryInfo{
		UUID:         s.cfg.UUID,
		LocationName: s.cfg.LocationName,
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	out := make([]ConnectionStatus, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, ConnectionStatus{
			Instance:         c.Instance(),
			State:            string(c.State()),
			MirroredEntities: len(c.MirroredEntities()),
			UUID:             c.RemoteUUID(),
		})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStates(w http.ResponseWriter, _ *http.Request) {
	states := s.states.All()
	if states == nil {
		states = []hub.State{}
	}
	s.writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	st, ok := s.states.Get(chi.URLParam(r, "entityID"))
	if ok {
		s.writeJSON(w, http.StatusOK, st)
		return
	}
	s.writeJSON(w, http.StatusNotFound, map[string]string{"message": "Entity not found."})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("Failed to marshal response", "error", err)
		http.Error(w, `{"message":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
