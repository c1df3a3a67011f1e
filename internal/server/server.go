package server

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/gkobilansky/abgoat/internal/engine"
)

const shutdownTimeout = 10 * time.Second

type Server struct {
	engine    *engine.Engine
	logger    *zap.Logger
	port      int
	token     string
	tokenFile string
	router    *http.ServeMux
	startTime time.Time
}

// New builds the HTTP API over e. An empty token generates a random one.
func New(e *engine.Engine, port int, token, tokenFile string, logger *zap.Logger) *Server {
	if token == "" {
		token = generateToken()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	srv := &Server{
		engine:    e,
		logger:    logger,
		port:      port,
		token:     token,
		tokenFile: tokenFile,
		router:    http.NewServeMux(),
		startTime: time.Now(),
	}

	srv.setupRoutes()
	return srv
}

func (s *Server) setupRoutes() {
	// Public endpoints
	s.router.HandleFunc("GET /health", s.handleHealth)
	s.router.HandleFunc("POST /e", s.handleTrack)
	s.router.HandleFunc("OPTIONS /e", s.handleTrack)
	s.router.Handle("GET /metrics", promhttp.Handler())

	// Operator API (protected)
	s.router.Handle("GET /api/tests", s.authMiddleware(http.HandlerFunc(s.handleListTests)))
	s.router.Handle("POST /api/tests", s.authMiddleware(http.HandlerFunc(s.handleCreateTest)))
	s.router.Handle("GET /api/tests/{id}", s.authMiddleware(http.HandlerFunc(s.handleGetTest)))
	s.router.Handle("DELETE /api/tests/{id}", s.authMiddleware(http.HandlerFunc(s.handleDeleteTest)))
	s.router.Handle("GET /api/tests/{id}/verdict", s.authMiddleware(http.HandlerFunc(s.handleVerdict)))
	s.router.Handle("POST /api/tests/{id}/{action}", s.authMiddleware(http.HandlerFunc(s.handleAction)))
	s.router.Handle("PUT /api/tests/{id}/variants/{variantID}/allocation",
		s.authMiddleware(http.HandlerFunc(s.handleSetAllocation)))
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	// Write token to file for the token command
	if s.tokenFile != "" {
		if err := os.WriteFile(s.tokenFile, []byte(s.token), 0600); err != nil {
			s.logger.Warn("failed to write token file", zap.String("path", s.tokenFile), zap.Error(err))
		}
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	fmt.Println()
	fmt.Printf("abgoat running on http://localhost:%d\n", s.port)
	fmt.Printf("API token: %s\n", s.token)
	fmt.Println()
	fmt.Println("Press Ctrl+C to stop")

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down server: %w", err)
	}
	return nil
}

func (s *Server) Token() string {
	return s.token
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func generateToken() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(bytes)
}
