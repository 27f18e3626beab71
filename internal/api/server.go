// internal/api/server.go
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/go-chi/jwtauth/v5"

	"github.com/cmatc13/hydra/internal/submitter"
	"github.com/cmatc13/hydra/pkg/config"
	"github.com/cmatc13/hydra/pkg/errors"
	"github.com/cmatc13/hydra/pkg/health"
	"github.com/cmatc13/hydra/pkg/logging"
	"github.com/cmatc13/hydra/pkg/metrics"
)

const serviceName = "api"

// Submitter executes operations as one transaction. *submitter.Submitter
// implements it.
type Submitter interface {
	Submit(ctx context.Context, operations []solana.Instruction, feePayer solana.PublicKey, wallet submitter.Wallet, cfg submitter.Config) (submitter.Receipt, error)
}

// Server represents the API server
type Server struct {
	config           *config.Config
	router           *chi.Mux
	submitter        Submitter
	wallet           submitter.Wallet
	cosigners        CoSigners
	tokenAuth        *jwtauth.JWTAuth
	server           *http.Server
	logger           *logging.Logger
	metricsCollector *metrics.Metrics
	healthRegistry   *health.Registry
}

// NewServer creates a new API server. Every submission is paid and signed by
// wallet; requests may add co-signers held in cosigners. cosigners,
// metricsCollector and healthRegistry may be nil.
func NewServer(
	cfg *config.Config,
	sub Submitter,
	wallet submitter.Wallet,
	cosigners CoSigners,
	logger *logging.Logger,
	metricsCollector *metrics.Metrics,
	healthRegistry *health.Registry,
) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	if metricsCollector == nil {
		metricsCollector = metrics.New(metrics.DefaultConfig())
	}
	if healthRegistry == nil {
		healthRegistry = health.NewRegistry(logger)
	}

	r := chi.NewRouter()
	s := &Server{
		config:           cfg,
		router:           r,
		submitter:        sub,
		wallet:           wallet,
		cosigners:        cosigners,
		tokenAuth:        jwtauth.New("HS256", []byte(cfg.Auth.JWTSecret), nil),
		logger:           logger.WithField("component", serviceName),
		metricsCollector: metricsCollector,
		healthRegistry:   healthRegistry,
		server: &http.Server{
			Addr:              ":" + cfg.API.Port,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	s.setupMiddleware()
	s.setupRoutes()
	s.healthRegistry.Register(serviceName, health.ServiceChecker(serviceName, func(ctx context.Context) error {
		return nil
	}))

	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(SecureHeaders)
	s.router.Use(LoggingMiddleware(s.logger))
	s.router.Use(MetricsMiddleware(s.metricsCollector, serviceName))
	s.router.Use(RecovererWithMetrics(s.logger, s.metricsCollector, serviceName))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.config.API.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if s.config.API.RateLimit > 0 {
		s.router.Use(httprate.Limit(
			s.config.API.RateLimit,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				s.renderError(w, r, errors.APIErrorf(errors.APIErrRateLimitExceeded, "rate limit exceeded"))
			}),
		))
	}
}

func (s *Server) setupRoutes() {
	// Public routes
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/metrics", s.metricsCollector.Handler().ServeHTTP)

	// Submission routes sign with the service wallet and require a token.
	s.router.Route("/"+s.version(), func(r chi.Router) {
		r.Use(jwtauth.Verifier(s.tokenAuth))
		r.Use(s.authenticator)
		r.Use(RequireJSON(s.logger))

		r.Post("/transactions", s.handleSubmitTransaction)
		r.Post("/transfers", s.handleTransfer)
	})
}

// authenticator rejects requests whose token jwtauth.Verifier could not
// verify, using the Response envelope.
func (s *Server) authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, _, err := jwtauth.FromContext(r.Context())
		if err != nil || token == nil {
			if err == nil {
				err = errors.ErrUnauthorized
			}
			s.logger.WithContext(r.Context()).Debug("Rejected token", "error", err.Error())
			s.renderError(w, r, errors.NewAPIError(errors.APIErrUnauthorized, "unauthorized", errors.ErrUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) version() string {
	if s.config.API.Version == "" {
		return "v1"
	}
	return s.config.API.Version
}

// Start serves HTTP until Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("Starting API server", "port", s.config.API.Port, "fee_payer", s.wallet.PublicKey().String())

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.APIWrapWithCode(err, errors.OpStartServer, errors.APIErrServiceUnavailable, "failed to start server")
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down API server")
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.APIWrapWithCode(err, errors.OpShutdownServer, errors.APIErrInternalServer, "error during server shutdown")
	}
	s.logger.Info("API server shutdown complete")
	return nil
}

// IssueToken signs a bearer token for subject valid for expiry.
func IssueToken(secret, subject string, expiry time.Duration) (string, error) {
	claims := map[string]interface{}{"sub": subject}
	jwtauth.SetIssuedNow(claims)
	jwtauth.SetExpiryIn(claims, expiry)

	_, token, err := jwtauth.New("HS256", []byte(secret), nil).Encode(claims)
	if err != nil {
		return "", errors.NewAPIError(errors.APIErrInternalServer, "failed to generate token", err)
	}
	return token, nil
}

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// SubmissionResult is the Data of a submission response.
type SubmissionResult struct {
	Receipt  string `json:"receipt,omitempty"`
	FeePayer string `json:"fee_payer"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	checks := s.healthRegistry.RunChecks(r.Context())

	status := health.Aggregate(checks)

	httpStatus := http.StatusOK
	if status == health.StatusDown {
		httpStatus = http.StatusServiceUnavailable
	}

	s.renderJSON(w, Response{
		Success: status == health.StatusUp,
		Message: "Service health status: " + string(status),
		Data: map[string]interface{}{
			"status":    status,
			"timestamp": time.Now().Unix(),
			"version":   s.version(),
			"fee_payer": s.wallet.PublicKey().String(),
			"checks":    checks,
			"system": map[string]interface{}{
				"go_version":    runtime.Version(),
				"go_goroutines": runtime.NumGoroutine(),
			},
		},
	}, httpStatus)
}

func (s *Server) handleSubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.renderError(w, r, err)
		return
	}

	ops, err := req.Operations()
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	s.submit(w, r, ops, req.SubmitOptions)
}

func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.renderError(w, r, err)
		return
	}

	ops, err := req.Operations(s.wallet.PublicKey())
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	s.submit(w, r, ops, req.SubmitOptions)
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request, ops []solana.Instruction, opts SubmitOptions) {
	cfg, err := opts.Config(s.cosigners)
	if err != nil {
		s.renderError(w, r, err)
		return
	}

	feePayer := s.wallet.PublicKey()
	receipt, err := s.submitter.Submit(r.Context(), ops, feePayer, s.wallet, cfg)
	result := SubmissionResult{Receipt: receipt.String(), FeePayer: feePayer.String()}
	if err != nil {
		apiErr := errors.APIWrapWithCode(err, errors.OpSubmitTransaction, errors.APIErrSubmission, "transaction failed")
		s.logger.WithContext(r.Context()).WithError(apiErr).Warn("Submission failed", "receipt", result.Receipt)
		s.metricsCollector.RecordError(serviceName, "submission", errors.APIErrSubmission)
		s.renderJSON(w, Response{
			Success: false,
			Data:    result,
			Error:   "Transaction failed: " + errors.Cause(err).Error(),
		}, errors.HTTPStatusFromAPIError(apiErr))
		return
	}

	message := "Transaction confirmed"
	if receipt == "" {
		// Silent submissions report failure through notifications only.
		message = "Transaction processed"
	}
	s.renderJSON(w, Response{Success: true, Message: message, Data: result}, http.StatusOK)
}

func (s *Server) renderJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Error encoding JSON response", "error", err)
	}
}

func (s *Server) renderError(w http.ResponseWriter, r *http.Request, err error) {
	status := errors.HTTPStatusFromAPIError(err)
	s.metricsCollector.RecordError(serviceName, "http", strconv.Itoa(status))

	message := http.StatusText(status)
	var apiErr *errors.Error
	if errors.As(err, &apiErr) && apiErr.Domain == errors.APIDomain {
		message = apiErr.Message
	}
	if status >= http.StatusInternalServerError {
		s.logger.WithContext(r.Context()).WithError(err).Error("Request failed")
	}

	s.renderJSON(w, Response{Success: false, Error: message}, status)
}
