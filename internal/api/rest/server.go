package rest

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/davidleathers/auction-integrity-backend/internal/domain/errors"
	"github.com/davidleathers/auction-integrity-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/auction-integrity-backend/internal/metrics"
)

type Config struct {
	Port              int
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	ShutdownTimeout   time.Duration
	RequestTimeout    time.Duration
	RequestsPerSecond float64
	BurstSize         int
}

func DefaultConfig() Config {
	return Config{
		Port:              8080,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		RequestTimeout:    10 * time.Second,
		RequestsPerSecond: 100,
		BurstSize:         200,
	}
}

// HealthCheck is one readiness dependency, such as the database pool.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

type Dependencies struct {
	Bids     BidService
	Chain    ChainService
	Payments PaymentService
	Auth     *Authenticator
	Metrics  *metrics.Registry
	Logger   *zap.Logger
	Health   []HealthCheck
	Version  string
}

// Server exposes the bid, chain and payment operations over HTTP.
type Server struct {
	cfg      Config
	bids     BidService
	chain    ChainService
	payments PaymentService
	auth     *Authenticator
	metrics  *metrics.Registry
	logger   *zap.Logger
	health   []HealthCheck
	version  string
	validate *validator.Validate
	limiter  *clientLimiter
	handler  http.Handler
	http     *http.Server
}

func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	switch {
	case deps.Bids == nil:
		return nil, fmt.Errorf("rest: bid service is required")
	case deps.Chain == nil:
		return nil, fmt.Errorf("rest: chain service is required")
	case deps.Payments == nil:
		return nil, fmt.Errorf("rest: payment service is required")
	}
	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 || cfg.BurstSize <= 0 {
		cfg.RequestsPerSecond, cfg.BurstSize = def.RequestsPerSecond, def.BurstSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = def.ShutdownTimeout
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	auth := deps.Auth
	if auth == nil {
		auth = NewAuthenticator("", "")
	}

	s := &Server{
		cfg:      cfg,
		bids:     deps.Bids,
		chain:    deps.Chain,
		payments: deps.Payments,
		auth:     auth,
		metrics:  deps.Metrics,
		logger:   logger.Named("http"),
		health:   deps.Health,
		version:  deps.Version,
		validate: newValidator(),
		limiter:  newClientLimiter(cfg.RequestsPerSecond, cfg.BurstSize),
	}
	s.handler = chain(s.routes(),
		requestIDMiddleware(),
		s.recoveryMiddleware(),
		securityHeadersMiddleware(),
		s.loggingMiddleware(),
	)
	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       2 * time.Minute,
	}
	return s, nil
}

// Handler returns the fully wrapped router.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	admin := s.requirePermission(PermissionAdmin)
	settlement := s.requirePermission(PermissionLedgerWrite)
	limited := s.rateLimitMiddleware()

	mux.HandleFunc("GET /healthz", s.handleLiveness)
	mux.HandleFunc("GET /readyz", s.handleReadiness)
	mux.Handle("GET /metrics", s.metrics.Handler())

	s.route(mux, "POST /v1/auctions/{auctionID}/bids", s.handleSubmitBid, limited)
	s.route(mux, "POST /v1/challenges/{challengeID}/resolve", s.handleResolveChallenge, limited)
	s.route(mux, "POST /v1/transactions", s.handleRecordTransaction, limited, settlement)
	s.route(mux, "POST /v1/payments", s.handleRecordPayment, limited, settlement)

	s.route(mux, "POST /v1/admin/subjects/{subjectID}/bypass/{scope}", s.handleGrantBypass, admin)
	s.route(mux, "DELETE /v1/admin/subjects/{subjectID}/bypass/{scope}", s.handleRevokeBypass, admin)
	s.route(mux, "POST /v1/admin/subjects/{subjectID}/clearance", s.handleClearSuspension, admin)
	s.route(mux, "GET /v1/admin/subjects/{subjectID}/score", s.handleFraudScore, admin)
	s.route(mux, "GET /v1/admin/signals", s.handleListSignals, admin)
	s.route(mux, "POST /v1/admin/signals/{signalID}/review", s.handleReviewSignal, admin)
	s.route(mux, "POST /v1/admin/chain/verify", s.handleVerifyChain, admin)
	s.route(mux, "POST /v1/admin/chain/incident/ack", s.handleAcknowledgeIncident, admin)
	s.route(mux, "GET /v1/admin/chain/status", s.handleChainStatus, admin)

	return mux
}

// route registers h under pattern with a span, request metrics and a
// deadline. Route middlewares run inside the span.
func (s *Server) route(mux *http.ServeMux, pattern string, h handlerFunc, mws ...Middleware) {
	method, path, _ := strings.Cut(pattern, " ")
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, err := h(w, r)
		if err != nil {
			s.writeError(w, r, err, data)
			return
		}
		writeSuccess(w, r, http.StatusOK, data)
	})
	wrapped := chain(inner, mws...)

	mux.Handle(pattern, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := telemetry.StartHTTPSpan(r.Context(), method, path)
		defer span.End()
		ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		wrapped.ServeHTTP(rec, r.WithContext(ctx))

		if rec.status >= http.StatusInternalServerError {
			telemetry.RecordError(span, fmt.Errorf("http status %d", rec.status))
		}
		s.metrics.RecordHTTP(method, path, rec.status, time.Since(start))
	}))
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": s.version})
}

// handleReadiness fails when a dependency check fails. A halted chain is
// reported but does not fail readiness, since bidding keeps running.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(s.health))
	status := http.StatusOK
	for _, hc := range s.health {
		if err := hc.Check(ctx); err != nil {
			checks[hc.Name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[hc.Name] = "ok"
	}
	text := "ok"
	if status != http.StatusOK {
		text = "unavailable"
	}
	writeJSON(w, status, map[string]interface{}{
		"status":       text,
		"checks":       checks,
		"chain_halted": s.chain.Status().Halted,
		"version":      s.version,
	})
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting API server", zap.String("address", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.NewInternalError("server failed to start").WithCause(err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	if err := s.http.Shutdown(ctx); err != nil {
		s.logger.Error("failed to shutdown server", zap.Error(err))
		return err
	}
	return nil
}
