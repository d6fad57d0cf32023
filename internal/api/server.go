// Package api serves the daemon's JSON-RPC endpoint, health check and event
// stream over a Unix domain socket.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ferdinandyb/throttle/internal/events"
	"github.com/ferdinandyb/throttle/internal/protocol"
)

// ErrAlreadyRunning is returned when another daemon answers on the socket.
var ErrAlreadyRunning = errors.New("a server is already listening on the socket")

// Dispatcher is the part of the dispatch loop the RPC boundary needs.
type Dispatcher interface {
	Submit(msg *protocol.Message) error
	Query(ctx context.Context, action protocol.ActionType) (protocol.Reply, error)
	Workers() int
}

// Config holds API server configuration.
type Config struct {
	SocketPath   string
	Version      string
	QueryTimeout time.Duration
}

// Server is the HTTP server bound to the Unix socket.
type Server struct {
	config     Config
	dispatcher Dispatcher
	events     *events.Hub
	logger     *slog.Logger
	server     *http.Server
	startedAt  time.Time
	ready      chan struct{}
}

// New creates a new API server instance.
func New(config Config, dispatcher Dispatcher, hub *events.Hub, logger *slog.Logger) *Server {
	if config.QueryTimeout <= 0 {
		config.QueryTimeout = 10 * time.Second
	}
	if hub == nil {
		hub = events.NewHub(0)
	}
	return &Server{
		config:     config,
		dispatcher: dispatcher,
		events:     hub,
		logger:     logger,
		startedAt:  time.Now(),
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the socket is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Start listens on the socket and serves until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	ln, err := Listen(s.config.SocketPath)
	if err != nil {
		return err
	}
	defer os.Remove(s.config.SocketPath)

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: /events streams for as long as the client stays.
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "socket", s.config.SocketPath)
	close(s.ready)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			// Open event streams never go idle; cut them off.
			_ = s.server.Close()
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// Listen binds a Unix socket at path with mode 0600. A stale socket file left
// by a dead daemon is removed; a live one yields ErrAlreadyRunning.
func Listen(path string) (net.Listener, error) {
	if path == "" {
		return nil, errors.New("socket path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create socket directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		if conn, err := net.DialTimeout("unix", path, time.Second); err == nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrAlreadyRunning, path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket: %w", err)
		}
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return ln, nil
}

// Handler returns the router; exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// setupRoutes configures the HTTP router
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Post("/rpc", s.handleRPC)
	r.Get("/events", s.handleEvents)

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
