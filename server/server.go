package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/abdelmounim-dev/duelsync/websocket"
)

const healthTimeout = 2 * time.Second

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Server serves the websocket gateway and its health endpoint.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

// NewServer creates a server listening on addr. health may be nil.
func NewServer(addr string, wsHandler http.HandlerFunc, health HealthCheck, readTimeout, writeTimeout time.Duration, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", wsHandler)
	mux.HandleFunc("/healthz", healthHandler(health))

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		logger: logger.Named("server"),
	}
}

// Handler exposes the server's routes.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("listening", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown closes every client, stops accepting connections and waits for
// in-flight event handlers.
func (s *Server) Shutdown(ctx context.Context, manager *websocket.ClientManager) error {
	s.logger.Info("shutting down")
	manager.CloseAllConnections("Server shutting down")

	err := s.httpServer.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		manager.WaitForCompletion()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("gave up waiting for in-flight handlers")
	}
	return err
}

func healthHandler(health HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, code := "ok", http.StatusOK
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
			defer cancel()
			if err := health(ctx); err != nil {
				status, code = err.Error(), http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{"status": status})
	}
}
