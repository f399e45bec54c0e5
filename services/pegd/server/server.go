package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cryptofiat/observability"
	"cryptofiat/services/pegd/issuance"
	"cryptofiat/services/pegd/storage"
)

// Config defines HTTP server parameters.
type Config struct {
	ListenAddress  string
	PolicyID       string
	NativeDecimals uint8
	TLS            TLSConfig
}

// TLSConfig describes TLS settings for the listener.
type TLSConfig struct {
	Disabled bool
	CertFile string
	KeyFile  string
	Config   *tls.Config
}

// Deps are the collaborators the server dispatches to.
type Deps struct {
	Service   *issuance.Service
	Storage   *storage.Storage
	AdminAuth *AdminAuthenticator
	Investors *InvestorAuthenticator
	Limiter   *InvestorLimiter
	Logger    *slog.Logger
	Now       func() time.Time
}

// Server hosts the pegd public, investor and admin APIs.
type Server struct {
	cfg       Config
	svc       *issuance.Service
	storage   *storage.Storage
	adminAuth *AdminAuthenticator
	investors *InvestorAuthenticator
	limiter   *InvestorLimiter
	logger    *slog.Logger
	now       func() time.Time

	policyMu sync.RWMutex
	policy   storage.Policy
}

// New constructs a server. Storage is required for the throttle policy and
// nonce bookkeeping.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Service == nil {
		return nil, fmt.Errorf("issuance service required")
	}
	if deps.Storage == nil {
		return nil, fmt.Errorf("storage required")
	}
	if deps.AdminAuth == nil {
		return nil, fmt.Errorf("admin authenticator required")
	}
	if deps.Investors == nil {
		return nil, fmt.Errorf("investor authenticator required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if strings.TrimSpace(cfg.PolicyID) == "" {
		cfg.PolicyID = "default"
	}
	srv := &Server{
		cfg:       cfg,
		svc:       deps.Service,
		storage:   deps.Storage,
		adminAuth: deps.AdminAuth,
		investors: deps.Investors,
		limiter:   deps.Limiter,
		logger:    deps.Logger,
		now:       deps.Now,
	}
	if policy, err := deps.Storage.GetPolicy(context.Background(), cfg.PolicyID); err == nil {
		srv.setPolicy(policy)
	}
	return srv, nil
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/rates", s.handleRates)
		r.Get("/rates/{currency}", s.handleRate)
		r.Get("/rates/{currency}/history", s.handleRateHistory)
		r.Get("/reserve", s.handleReserve)
		r.Get("/ledgers/{currency}/supply", s.handleSupply)
		r.Get("/ledgers/{currency}/holders/{address}", s.handleHolder)

		r.Group(func(r chi.Router) {
			r.Use(s.investors.Middleware)
			r.Use(s.rateLimit)
			r.Post("/orders/buy", s.handleBuy)
			r.Post("/orders/sell", s.handleSell)
			r.Get("/orders", s.handleOrders)
		})
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(s.adminAuth.Middleware)
		r.Put("/rates/{currency}", s.handleSetRate)
		r.Get("/policy", s.handleGetPolicy)
		r.Put("/policy", s.handlePutPolicy)
	})

	return otelhttp.NewHandler(r, "pegd.http")
}

// Run starts the HTTP server and blocks until context cancellation.
func (s *Server) Run(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("server not configured")
	}
	srv := &http.Server{
		Addr:              s.cfg.ListenAddress,
		Handler:           s.Handler(),
		TLSConfig:         s.cfg.TLS.Config,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("pegd: http server listening", "address", s.cfg.ListenAddress, "tls", !s.cfg.TLS.Disabled)
	var err error
	if s.cfg.TLS.Disabled {
		err = srv.ListenAndServe()
	} else {
		err = srv.ListenAndServeTLS(strings.TrimSpace(s.cfg.TLS.CertFile), strings.TrimSpace(s.cfg.TLS.KeyFile))
	}
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen and serve: %w", err)
	}
	return nil
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.HTTP().Observe(route, status, time.Since(start))
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		investor, ok := InvestorFromContext(r.Context())
		if ok && !s.limiter.Allow(investor.Hex()) {
			observability.HTTP().RecordThrottle(r.URL.Path, "rate_limit")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded", "")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	code := http.StatusOK
	if err := s.storage.Ping(r.Context()); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"status": status})
}

func (s *Server) currentPolicy() storage.Policy {
	s.policyMu.RLock()
	policy := s.policy
	s.policyMu.RUnlock()
	if policy.ID == "" {
		policy.ID = s.cfg.PolicyID
	}
	if policy.Window <= 0 {
		policy.Window = 24 * time.Hour
	}
	return policy
}

func (s *Server) setPolicy(policy storage.Policy) {
	s.policyMu.Lock()
	s.policy = policy
	s.policyMu.Unlock()
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, code string) {
	if status <= 0 {
		status = http.StatusInternalServerError
	}
	body := map[string]string{"error": message}
	if code != "" {
		body["code"] = code
	}
	writeJSON(w, status, body)
}
