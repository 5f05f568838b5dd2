// Package api provides the read-only HTTP API over the lineage pipeline.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/stellar-lineage/internal/health"
	"github.com/stellar-lineage/internal/logging"
	"github.com/stellar-lineage/internal/models"
	"github.com/stellar-lineage/internal/observability"
	"github.com/stellar-lineage/internal/service"
	"github.com/stellar-lineage/internal/types"
)

// SearchServiceInterface defines the search operations the API needs
type SearchServiceInterface interface {
	Search(ctx context.Context, address string, network types.Network) (*service.SearchResult, error)
}

// LineageServiceInterface defines the lineage read operations the API needs
type LineageServiceInterface interface {
	GetLineage(ctx context.Context, account string, network types.Network) (*models.LineageEntry, error)
	GetTree(ctx context.Context, account string, network types.Network) (*service.TreeResult, error)
	GetStages(ctx context.Context, account string, network types.Network) ([]*models.StageExecutionRecord, error)
}

// HealthReporter lists the latest health of every stage
type HealthReporter interface {
	Report(ctx context.Context) ([]health.StageHealth, error)
}

// Server represents the HTTP API server.
type Server struct {
	router         *mux.Router
	httpServer     *http.Server
	searchService  SearchServiceInterface
	lineageService LineageServiceInterface
	healthReporter HealthReporter
	metrics        http.Handler
	sink           observability.ErrorSink
	config         *ServerConfig
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host              string
	Port              string
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
	RequestsPerMinute int // per client address
	Burst             int
}

// NewServer creates a new API server instance. metrics may be nil.
func NewServer(
	config *ServerConfig,
	searchService SearchServiceInterface,
	lineageService LineageServiceInterface,
	healthReporter HealthReporter,
	metrics http.Handler,
	sink observability.ErrorSink,
) *Server {
	if sink == nil {
		sink = observability.NewLogSink()
	}
	s := &Server{
		router:         mux.NewRouter(),
		searchService:  searchService,
		lineageService: lineageService,
		healthReporter: healthReporter,
		metrics:        metrics,
		sink:           sink,
		config:         config,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	rateLimiter := NewRateLimiter(s.config.RequestsPerMinute, s.config.Burst)

	// Set up middleware (order matters!)
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware(s.sink))
	s.router.Use(CORSMiddleware)
	s.router.Use(RateLimitMiddleware(rateLimiter))
	s.router.Use(CompressionMiddleware)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		s.router.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/search", s.handleSearch).Methods(http.MethodPost, http.MethodOptions)

	api.HandleFunc("/lineage/{network}/{address}", s.handleGetLineage).Methods(http.MethodGet)
	api.HandleFunc("/lineage/{network}/{address}/tree", s.handleGetTree).Methods(http.MethodGet)
	api.HandleFunc("/lineage/{network}/{address}/stages", s.handleGetStages).Methods(http.MethodGet)

	api.HandleFunc("/health/crons", s.handleCronHealth).Methods(http.MethodGet)
}

// Handler returns the root handler, used by tests and embedding servers
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth handles liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "stellar-lineage",
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	logging.WithField("addr", s.httpServer.Addr).Info("Starting API server")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	logging.Info("Shutting down API server")
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	return s.httpServer.Shutdown(ctx)
}
