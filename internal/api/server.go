// internal/api/server.go
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/jwtauth/v5"

	"github.com/cmatc13/oracled/internal/nonce"
	"github.com/cmatc13/oracled/internal/resolution"
	"github.com/cmatc13/oracled/internal/storage"
	"github.com/cmatc13/oracled/pkg/config"
	"github.com/cmatc13/oracled/pkg/errors"
	"github.com/cmatc13/oracled/pkg/health"
	"github.com/cmatc13/oracled/pkg/logging"
	"github.com/cmatc13/oracled/pkg/metrics"
)

// maxFeedLimit caps the feed page size.
const maxFeedLimit = 100

// Resolver is the coordinator surface the API drives.
type Resolver interface {
	RegisterMarket(ctx context.Context, marketID, eventDescription, resolutionCriteria string) (string, bool)
	SubmitResolution(ctx context.Context, marketID string, outcome resolution.Outcome, confidence float64, proofHash string) (string, error)
	IsReady() bool
}

// NonceReporter describes the signing address's nonce allocator.
type NonceReporter func(ctx context.Context) (nonce.Status, error)

// Options wires a Server.
type Options struct {
	Config   *config.Config
	Resolver Resolver
	Store    storage.Store
	// Nonces is nil when no signing identity is configured.
	Nonces  NonceReporter
	Health  *health.Registry
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Server represents the API server
type Server struct {
	config    *config.Config
	router    *chi.Mux
	resolver  Resolver
	store     storage.Store
	nonces    NonceReporter
	tokenAuth *jwtauth.JWTAuth
	server    *http.Server
	logger    *logging.Logger
	metrics   *metrics.Metrics
	health    *health.Registry
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	cfg := opts.Config
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(metrics.Config{Namespace: cfg.Metrics.Namespace, Subsystem: "api", ServiceName: "api"})
	}
	if opts.Health == nil {
		opts.Health = health.NewRegistry(opts.Logger)
	}
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
	}

	var tokenAuth *jwtauth.JWTAuth
	if cfg.Auth.JWTSecret != "" {
		tokenAuth = jwtauth.New("HS256", []byte(cfg.Auth.JWTSecret), nil)
	}

	r := chi.NewRouter()
	s := &Server{
		config:    cfg,
		router:    r,
		resolver:  opts.Resolver,
		store:     opts.Store,
		nonces:    opts.Nonces,
		tokenAuth: tokenAuth,
		logger:    opts.Logger.Named("api"),
		metrics:   opts.Metrics,
		health:    opts.Health,
		server: &http.Server{
			Addr:         ":" + cfg.API.Port,
			Handler:      r,
			ReadTimeout:  cfg.API.ReadTimeout,
			WriteTimeout: cfg.API.WriteTimeout,
		},
	}

	s.setupMiddleware()
	s.setupRoutes()

	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware for the server
func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(SecureHeaders)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(MetricsMiddleware(s.metrics, "api"))
	s.router.Use(RecovererWithMetrics(s.logger, s.metrics, "api"))

	if len(s.config.API.CORSAllowedOrigins) > 0 {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.config.API.CORSAllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-Id"},
			MaxAge:         300,
		}))
	}
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	security := NewSecurityMiddleware(s.config.Auth.APIKey, s.tokenAuth, s.logger, s.metrics)

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/ready", s.handleReady)
	s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	s.router.Route("/api/"+s.config.API.Version, func(r chi.Router) {
		r.Use(security.RateLimiter(s.config.API.RateLimit, time.Hour))
		r.Use(security.Authenticate)

		r.With(security.ValidateContentType("application/json")).Post("/markets", s.handleRegisterMarket)
		r.With(security.ValidateContentType("application/json")).Post("/resolutions", s.handleSubmitResolution)
		r.Get("/status/{marketId}", s.handleGetStatus)
		r.Get("/feed", s.handleGetFeed)
		r.Get("/nonce", s.handleGetNonce)
	})
}

// Start serves until Shutdown. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("Starting API server", "port", s.config.API.Port)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.E("failed to start server", errors.APIDomain, errors.OpStartServer, err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.E("failed to shut down server", errors.APIDomain, errors.OpShutdownServer, err)
	}
	s.logger.Info("API server shutdown complete")
	return nil
}

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := s.health.RunChecks(r.Context())

	status := health.StatusUp
	for _, check := range checks {
		if check.Status == health.StatusDown {
			status = health.StatusDown
			break
		} else if check.Status == health.StatusUnknown {
			status = health.StatusUnknown
		}
	}

	httpStatus := http.StatusOK
	if status == health.StatusDown {
		httpStatus = http.StatusServiceUnavailable
	}

	resp := Response{
		Success: status != health.StatusDown,
		Message: "Service health status: " + string(status),
		Data: map[string]interface{}{
			"status":    status,
			"timestamp": time.Now().Unix(),
			"version":   s.config.API.Version,
			"ready":     s.resolver != nil && s.resolver.IsReady(),
			"checks":    checks,
			"system": map[string]interface{}{
				"go_version":    runtime.Version(),
				"go_goroutines": runtime.NumGoroutine(),
			},
		},
	}

	s.renderJSON(w, resp, httpStatus)
}

// handleReady reports whether submissions can be accepted
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.resolver != nil && s.resolver.IsReady()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	s.renderJSON(w, Response{Success: ready, Data: map[string]bool{"ready": ready}}, status)
}

type registerMarketRequest struct {
	MarketID           string `json:"marketId"`
	EventDescription   string `json:"eventDescription"`
	ResolutionCriteria string `json:"resolutionCriteria"`
}

// handleRegisterMarket registers a market. Registration is best effort, so a
// failure is reported as a null hash rather than an error status.
func (s *Server) handleRegisterMarket(w http.ResponseWriter, r *http.Request) {
	var req registerMarketRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.MarketID == "" {
		s.renderError(w, r, errors.NewAPIError(errors.APIErrValidation, "marketId is required", nil))
		return
	}

	hash, ok := s.resolver.RegisterMarket(r.Context(), req.MarketID, req.EventDescription, req.ResolutionCriteria)
	var txHash *string
	if ok {
		txHash = &hash
	}
	s.renderJSON(w, Response{
		Success: true,
		Data: map[string]interface{}{
			"marketId":   req.MarketID,
			"txHash":     txHash,
			"registered": ok,
		},
	}, http.StatusOK)
}

type submitResolutionRequest struct {
	MarketID   string  `json:"marketId"`
	Outcome    string  `json:"outcome"`
	Confidence float64 `json:"confidence"`
	ProofHash  string  `json:"proofHash"`
}

// handleSubmitResolution submits a market outcome and waits for the receipt
func (s *Server) handleSubmitResolution(w http.ResponseWriter, r *http.Request) {
	var req submitResolutionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.MarketID == "" {
		s.renderError(w, r, errors.NewAPIError(errors.APIErrValidation, "marketId is required", nil))
		return
	}
	outcome, err := resolution.ParseOutcome(req.Outcome)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	hash, err := s.resolver.SubmitResolution(r.Context(), req.MarketID, outcome, req.Confidence, req.ProofHash)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	s.renderJSON(w, Response{
		Success: true,
		Data: map[string]interface{}{
			"marketId": req.MarketID,
			"txHash":   hash,
		},
	}, http.StatusOK)
}

// handleGetStatus returns the latest recorded resolution for a market
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Get(r.Context(), chi.URLParam(r, "marketId"))
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.renderJSON(w, Response{Success: true, Data: rec}, http.StatusOK)
}

// handleGetFeed returns the most recently updated resolutions
func (s *Server) handleGetFeed(w http.ResponseWriter, r *http.Request) {
	limit := storage.DefaultFeedLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		l, err := strconv.Atoi(raw)
		if err != nil || l <= 0 {
			s.renderError(w, r, errors.NewAPIError(errors.APIErrValidation, "limit must be a positive integer", err))
			return
		}
		limit = l
	}
	if limit > maxFeedLimit {
		limit = maxFeedLimit
	}

	records, err := s.store.Latest(r.Context(), limit)
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	if records == nil {
		records = []storage.Record{}
	}
	s.renderJSON(w, Response{
		Success: true,
		Data: map[string]interface{}{
			"resolutions": records,
			"limit":       limit,
		},
	}, http.StatusOK)
}

// handleGetNonce reports the allocator mode and, in shared mode, its drift
func (s *Server) handleGetNonce(w http.ResponseWriter, r *http.Request) {
	if s.nonces == nil {
		s.renderError(w, r, errors.NewChainError(errors.ChainErrNotConfigured, "no signing identity configured", nil))
		return
	}
	st, err := s.nonces(r.Context())
	if err != nil {
		s.renderError(w, r, err)
		return
	}
	s.renderJSON(w, Response{Success: true, Data: st}, http.StatusOK)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	if err := dec.Decode(v); err != nil {
		s.renderError(w, r, errors.NewAPIError(errors.APIErrBadRequest, "invalid request body", err))
		return false
	}
	return true
}

// renderJSON renders a JSON response
func (s *Server) renderJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Error encoding JSON response", "error", err)
	}
}

// renderError maps err to a status and renders it. Unclassified errors are
// logged and hidden behind a generic message.
func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatusFromError(err)
	code := errors.CodeOf(err)
	s.metrics.RecordError("api", errors.DomainOf(err), code)

	message := err.Error()
	var domainErr *errors.Error
	if errors.As(err, &domainErr) && domainErr.Message != "" {
		message = domainErr.Message
	}
	if status == http.StatusInternalServerError {
		s.logger.WithContext(r.Context()).WithError(err).Error("Request failed")
		message = http.StatusText(status)
	}

	s.renderJSON(w, Response{Success: false, Error: message, Code: code}, status)
}
