// Package composer assembles the configured applications, the payments
// boundary and the admin endpoints into listeners and runs them.
package composer

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/frontgate/internal/backend"
	"github.com/wudi/frontgate/internal/config"
	"github.com/wudi/frontgate/internal/listener"
	"github.com/wudi/frontgate/internal/logging"
	"github.com/wudi/frontgate/internal/metrics"
	"github.com/wudi/frontgate/internal/middleware"
	"github.com/wudi/frontgate/internal/middleware/realip"
	"github.com/wudi/frontgate/internal/middleware/tenant"
	"github.com/wudi/frontgate/internal/payments"
	"github.com/wudi/frontgate/internal/payments/restprovider"
	"github.com/wudi/frontgate/internal/session"
	"github.com/wudi/frontgate/internal/tracing"
)

// Listener IDs for the non-application listeners.
const (
	PaymentsListenerID = "payments"
	AdminListenerID    = "admin"
)

// AppListenerID returns the listener ID of an application.
func AppListenerID(kind config.AppKind) string {
	return "app-" + string(kind)
}

// Option customizes a Server.
type Option func(*Server)

// WithProvider replaces the payments provider built from configuration.
func WithProvider(p payments.Provider) Option {
	return func(s *Server) { s.provider = p }
}

// WithTracer replaces the tracer built from configuration.
func WithTracer(t *tracing.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// Server owns every listener of the process.
type Server struct {
	config    *config.Config
	manager   *listener.Manager
	metrics   *metrics.Collector
	tracer    *tracing.Tracer
	realip    *realip.Resolver
	hosts     *tenant.Resolver
	backend   *backend.Client
	provider  payments.Provider
	apps      []*app
	startTime time.Time
}

// NewServer builds every listener from cfg. Nothing is bound until Start.
func NewServer(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		config:    cfg,
		manager:   listener.NewManager(),
		metrics:   metrics.NewCollector(),
		hosts:     tenant.NewResolver(cfg.Hosts),
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.realip, err = realip.New(cfg.Trust); err != nil {
		return nil, fmt.Errorf("trust chain: %w", err)
	}
	if s.tracer == nil {
		if s.tracer, err = tracing.New(cfg.Tracing); err != nil {
			return nil, fmt.Errorf("tracing: %w", err)
		}
	}

	if err := s.initApps(); err != nil {
		return nil, err
	}
	if err := s.initPayments(); err != nil {
		return nil, err
	}
	if cfg.Admin.Enabled {
		s.addListener(AdminListenerID, cfg.Admin.Port, s.adminHandler(), config.ServerConfig{})
	}

	return s, nil
}

func (s *Server) initApps() error {
	apps := s.config.EnabledApps()
	if len(apps) == 0 {
		return nil
	}

	client, err := backend.New(s.config.Backend)
	if err != nil {
		return fmt.Errorf("backend client: %w", err)
	}
	s.backend = client
	s.metrics.WatchBreaker(client.BreakerState)

	gw := session.New(client, s.realip, s.config.Session, s.metrics)
	for _, appCfg := range apps {
		a, err := newApp(appCfg, gw, s.config.Backend.MaxBodySize)
		if err != nil {
			return fmt.Errorf("app %s: %w", appCfg.Kind, err)
		}
		s.apps = append(s.apps, a)

		id := AppListenerID(appCfg.Kind)
		chain := s.baseChain(id, nil).Append(
			s.realip.Middleware,
			s.hosts.Middleware(appCfg.Kind),
			annotate,
			s.tracer.Middleware(id),
			s.metrics.Middleware(id),
		)
		s.addListener(id, appCfg.Port, chain.Then(a.handler()), appCfg.Server)

		logging.Info("Application mounted",
			zap.String("kind", string(appCfg.Kind)),
			zap.Int("port", appCfg.Port),
			zap.String("api_prefix", appCfg.APIPrefix),
			zap.Bool("session_guard", appCfg.SessionGuard.Enabled),
		)
	}
	return nil
}

func (s *Server) initPayments() error {
	cfg := s.config.Payments
	if !cfg.Enabled {
		return nil
	}

	if s.provider == nil {
		p, err := restprovider.New(cfg.Provider)
		if err != nil {
			return fmt.Errorf("payments provider: %w", err)
		}
		s.provider = p
	}

	d, err := payments.New(cfg, s.provider, s.metrics)
	if err != nil {
		return fmt.Errorf("payments: %w", err)
	}

	chain := s.baseChain(PaymentsListenerID, payments.WriteUnknownError).Append(
		s.realip.Middleware,
		annotate,
		s.tracer.Middleware(PaymentsListenerID),
		s.metrics.Middleware(PaymentsListenerID),
	)
	s.addListener(PaymentsListenerID, cfg.Port, chain.Then(d), cfg.Server)

	logging.Info("Payments boundary mounted",
		zap.Int("port", cfg.Port),
		zap.String("prefix", cfg.Prefix),
		zap.Strings("operations", d.Operations()),
	)
	return nil
}

// baseChain is recovery, request ID and access log, shared by every listener.
// respond overrides the panic response; nil keeps the INTERNAL error.
func (s *Server) baseChain(id string, respond func(http.ResponseWriter)) *middleware.Chain {
	recovery := middleware.DefaultRecoveryConfig
	if respond != nil {
		recovery.Respond = respond
	}
	return middleware.NewChain(
		middleware.RecoveryWithConfig(recovery),
		middleware.RequestID(),
		middleware.LoggingWithConfig(middleware.LoggingConfig{
			Fields: []zap.Field{zap.String("listener", id)},
		}),
	)
}

func (s *Server) addListener(id string, port int, h http.Handler, srv config.ServerConfig) {
	// IDs are unique by construction, Add only fails on duplicates.
	_ = s.manager.Add(listener.NewHTTPListener(listener.HTTPListenerConfig{
		ID:      id,
		Address: fmt.Sprintf(":%d", port),
		Handler: h,
		Server:  srv,
	}))
}

// Start binds every listener. Listeners that fail to bind are reported in
// the joined error; the others keep serving.
func (s *Server) Start(ctx context.Context) error {
	err := s.manager.StartAll(ctx)
	logging.Info("Listeners started",
		zap.Int("running", s.manager.Running()),
		zap.Int("configured", s.manager.Count()),
	)
	return err
}

// Addr returns the bound address of a listener.
func (s *Server) Addr(id string) (string, bool) {
	l, ok := s.manager.Get(id)
	if !ok {
		return "", false
	}
	return l.Addr(), true
}

// Run starts the server and blocks until SIGINT or SIGTERM, then shuts down
// within the configured timeout.
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.run(ctx)
}

// run serves until ctx is done. Listeners that failed to bind are logged
// and the bound ones keep serving; it returns early only when none bound.
func (s *Server) run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		if s.manager.Running() == 0 {
			if shutdownErr := s.Shutdown(s.config.Shutdown.Timeout); shutdownErr != nil {
				return stderrors.Join(err, shutdownErr)
			}
			return err
		}
		logging.Error("Some listeners failed to start", zap.Error(err))
	}

	<-ctx.Done()

	logging.Info("Shutting down gracefully...")
	return s.Shutdown(s.config.Shutdown.Timeout)
}

// Shutdown stops every listener and flushes pending spans.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if err := s.manager.StopAll(ctx); err != nil {
		logging.Error("Listener shutdown error", zap.Error(err))
		errs = append(errs, err)
	}
	if err := s.tracer.Close(ctx); err != nil {
		logging.Error("Tracer shutdown error", zap.Error(err))
		errs = append(errs, err)
	}

	logging.Info("Server shutdown complete")
	return stderrors.Join(errs...)
}

// Metrics returns the collector shared by every listener.
func (s *Server) Metrics() *metrics.Collector {
	return s.metrics
}

func (s *Server) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", s.metrics.Handler())
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return middleware.NewChain(middleware.Recovery()).Then(mux)
}

// handleHealth reports listener and backend circuit state. An open circuit
// or a listener that failed to bind marks the process degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	healthy := true
	checks := map[string]interface{}{}

	running, total := s.manager.Running(), s.manager.Count()
	checks["listeners"] = map[string]interface{}{
		"running":    running,
		"configured": total,
		"ids":        s.manager.List(),
	}
	if running < total {
		healthy = false
	}

	if s.backend != nil {
		state := s.backend.BreakerState()
		checks["backend_circuit"] = state
		if state == "open" {
			healthy = false
		}
	}

	trust := s.realip.Stats()
	checks["trust_chain"] = trust
	checks["hosts"] = s.hosts.Stats()

	apps := make(map[string]interface{}, len(s.apps))
	for _, a := range s.apps {
		apps[string(a.cfg.Kind)] = a.stats()
	}
	checks["apps"] = apps

	status, statusStr := http.StatusOK, "ok"
	if !healthy {
		status, statusStr = http.StatusServiceUnavailable, "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    statusStr,
		"timestamp": time.Now().Format(time.RFC3339),
		"uptime":    time.Since(s.startTime).String(),
		"checks":    checks,
	})
}
