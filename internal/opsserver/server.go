// Package opsserver exposes the operational HTTP surface: liveness,
// coordination-store health, and runtime counters. It carries no tenant or
// token data and is meant to stay off the public network.
package opsserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"tokenkeeper/internal/cache"
	"tokenkeeper/internal/common/logging"
	"tokenkeeper/internal/coordinator"
	"tokenkeeper/internal/redis"
)

// Server is the ops HTTP server.
type Server struct {
	httpServer  *http.Server
	redis       *redis.Client
	cache       *cache.Cache
	coordinator *coordinator.Coordinator
	logger      logging.Logger
}

// New creates the ops server listening on the given port.
func New(port string, redisClient *redis.Client, tokenCache *cache.Cache, coord *coordinator.Coordinator) *Server {
	s := &Server{
		redis:       redisClient,
		cache:       tokenCache,
		coordinator: coord,
		logger:      logging.GetGlobalLogger(),
	}

	router := mux.NewRouter()
	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.HandleFunc("/stats", s.handleStats).Methods("GET")

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%s", port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// Start begins serving. Blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("Ops server listening", logging.String("address", s.httpServer.Addr))

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ops server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	coordination := "ok"

	if err := s.redis.Health(); err != nil {
		// Degraded, not dead: cached tokens still serve until expiry
		status = http.StatusServiceUnavailable
		coordination = err.Error()
	}

	writeJSON(w, status, map[string]interface{}{
		"status":       httpStatusWord(status),
		"coordination": coordination,
		"time":         time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cache":         s.cache.Stats(),
		"sweep":         s.coordinator.SweepStats(),
		"schedule_size": s.coordinator.ScheduleSize(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func httpStatusWord(status int) string {
	if status == http.StatusOK {
		return "healthy"
	}
	return "degraded"
}
