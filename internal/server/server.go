// Package server wires together all control-plane subsystems and exposes
// the HTTP server. main() builds a Server, calls Run, done.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/marcus-qen/overseer/internal/alerts"
	"github.com/marcus-qen/overseer/internal/approval"
	"github.com/marcus-qen/overseer/internal/audit"
	"github.com/marcus-qen/overseer/internal/config"
	"github.com/marcus-qen/overseer/internal/events"
	"github.com/marcus-qen/overseer/internal/freeze"
	"github.com/marcus-qen/overseer/internal/lifecycle"
	"github.com/marcus-qen/overseer/internal/manager"
	"github.com/marcus-qen/overseer/internal/metrics"
	"github.com/marcus-qen/overseer/internal/notify"
	"github.com/marcus-qen/overseer/internal/risk"
	"github.com/marcus-qen/overseer/internal/surveillance"
	"github.com/marcus-qen/overseer/internal/telemetry"
	"github.com/marcus-qen/overseer/internal/tenant"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Server is the assembled control plane.
type Server struct {
	cfg    config.Config
	logger *zap.Logger
	logr   logr.Logger

	// Core subsystems
	overseer   *manager.Overseer
	lifecycle  *lifecycle.Manager
	agentStore *lifecycle.SQLStore
	auditStore *audit.Store
	freezes    *freeze.Registry
	approvals  *approval.Store
	sweeper    *approval.Sweeper
	alertStore *alerts.Store
	alertBus   *alerts.Bus
	engine     *surveillance.Engine
	eventBus   *events.Bus
	metrics    *metrics.Metrics
	keys       *KeyStore

	httpServer *http.Server
}

// New builds a fully-wired Server from config.
func New(cfg config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		logr:   zapr.NewLogger(logger),
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	s.eventBus = events.NewBus(256)
	s.metrics = metrics.New()

	var err error
	s.auditStore, err = audit.Open(cfg.Storage.Driver, cfg.AuditDSN())
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}
	s.freezes, err = freeze.Open(filepath.Join(cfg.Storage.DataDir, "freezes.db"), s.logr.WithName("freeze"))
	if err != nil {
		return nil, fmt.Errorf("open freeze registry: %w", err)
	}
	s.approvals, err = approval.Open(filepath.Join(cfg.Storage.DataDir, "approvals.db"))
	if err != nil {
		return nil, fmt.Errorf("open approval store: %w", err)
	}
	s.alertStore, err = alerts.OpenStore(filepath.Join(cfg.Storage.DataDir, "notifications.db"))
	if err != nil {
		return nil, fmt.Errorf("open notification store: %w", err)
	}
	s.agentStore, err = lifecycle.OpenStore(filepath.Join(cfg.Storage.DataDir, "agents.db"), s.logr.WithName("agents"))
	if err != nil {
		return nil, fmt.Errorf("open agent store: %w", err)
	}
	s.keys, err = NewKeyStore(filepath.Join(cfg.Storage.DataDir, "auth.db"))
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}

	router := s.buildChannelRouter()
	s.alertBus = alerts.NewBus(s.alertStore, router, s.eventBus, s.logr.WithName("alerts"))

	quotas := tenant.NewEnforcer(cfg.Lifecycle.MaxAgentsPerTenant, s.logr.WithName("quota"))
	s.lifecycle = lifecycle.NewManager(lifecycle.Deps{
		Registry:  s.agentStore,
		Quotas:    quotas,
		Audit:     s.auditStore,
		Freezer:   s.freezes,
		Approvals: s.approvals,
		Notifier:  s.alertBus,
		Events:    s.eventBus,
		Log:       s.logr.WithName("lifecycle"),
	}, lifecycle.Config{
		AutoSuspendOnViolation:   cfg.Lifecycle.AutoSuspendOnSecurityViolation,
		RequireApprovalForDelete: cfg.Lifecycle.RequireAdminApprovalForDelete,
		ApprovalTTL:              cfg.ApprovalTTL(),
		WarningBelow:             cfg.Score.WarningBelow,
		AutoSuspendBelow:         cfg.Score.AutoSuspendBelow,
		MandatoryFreezeBelow:     cfg.Score.MandatoryFreezeBelow,
		KnownCapabilities:        cfg.Lifecycle.KnownCapabilities,
	})

	s.overseer = manager.New(manager.Deps{
		Lifecycle: s.lifecycle,
		Audit:     s.auditStore,
		Freezes:   s.freezes,
		Approvals: s.approvals,
		Alerts:    s.alertBus,
		Events:    s.eventBus,
		Metrics:   s.metrics,
		Tracer:    telemetry.Tracer(),
		Log:       s.logr.WithName("overseer"),
	})

	var analyzer surveillance.Analyzer
	if cfg.Surveillance.EnableBehaviorAnalysis {
		analyzer = &surveillance.StatAnalyzer{}
	}
	s.engine = surveillance.New(s.lifecycle, s.auditStore, analyzer, s.eventBus, nil,
		surveillance.Config{
			Interval:         cfg.MonitoringInterval(),
			HeartbeatTimeout: cfg.HeartbeatTimeout(),
			MaxConcurrent:    cfg.Surveillance.MaxConcurrentAnalyses,
			Thresholds: surveillance.Thresholds{
				CPUPercent:     cfg.Thresholds.CPU,
				MemoryPercent:  cfg.Thresholds.Memory,
				ErrorRate:      cfg.Thresholds.ErrorRate,
				ResponseTimeMs: cfg.Thresholds.ResponseTime,
			},
			EnableBehaviorAnalysis: cfg.Surveillance.EnableBehaviorAnalysis,
			AnomalyThreshold:       cfg.Surveillance.AnomalyThreshold,
		}, s.logr.WithName("surveillance"))

	s.sweeper, err = approval.NewSweeper(s.approvals, "", s.logr.WithName("sweeper"))
	if err != nil {
		return nil, fmt.Errorf("build approval sweeper: %w", err)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Server.ListenAddr,
		Handler:      maxBodySizeMiddleware(cfg.Server.MaxBodyBytes, mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// buildChannelRouter assembles notification channels from config. Channels
// without endpoints configured are skipped.
func (s *Server) buildChannelRouter() *notify.Router {
	n := s.cfg.Notifications
	var routes []notify.Route

	minFor := func(channel string, fallback risk.Level) risk.Level {
		if v, ok := n.MinChannelSeverity[channel]; ok && risk.Level(v).Valid() {
			return risk.Level(v)
		}
		return fallback
	}

	if n.SlackWebhookURL != "" {
		routes = append(routes, notify.Route{
			Channel:     notify.NewSlackChannel(n.SlackWebhookURL, n.SlackChannel),
			MinSeverity: minFor("slack", risk.Medium),
		})
	}
	if n.SMTPHost != "" && len(n.EmailTo) > 0 {
		routes = append(routes, notify.Route{
			Channel:     notify.NewEmailChannel(n.SMTPHost, n.SMTPPort, n.SMTPFrom, n.EmailTo, n.SMTPUsername, n.SMTPPassword),
			MinSeverity: minFor("email", risk.High),
		})
	}
	if n.PagerRoutingKey != "" {
		routes = append(routes, notify.Route{
			Channel:     notify.NewPagerChannel(n.PagerEndpoint, n.PagerRoutingKey),
			MinSeverity: minFor("pager", risk.Critical),
		})
	}
	if n.WebhookURL != "" {
		routes = append(routes, notify.Route{
			Channel:     notify.NewWebhookChannel(n.WebhookURL, nil),
			MinSeverity: minFor("webhook", risk.Medium),
		})
	}
	if len(routes) == 0 {
		return nil
	}
	return notify.NewRouter(routes, notify.NewRateLimiter(n.MaxPerAgentPerHour), s.logr.WithName("notify"))
}

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.alertBus.Start(ctx)
	s.sweeper.Start()
	s.engine.Start(ctx)

	cycleEvents := s.eventBus.Subscribe("metrics.surveillance")
	go func() {
		for evt := range cycleEvents {
			if evt.Subject != events.SurveillanceComplete {
				continue
			}
			if rep, ok := evt.Detail.(surveillance.CycleReport); ok {
				s.metrics.SurveillanceCycle.Observe(rep.FinishedAt.Sub(rep.StartedAt).Seconds())
			}
		}
	}()

	s.logger.Info("starting control plane",
		zap.String("addr", s.cfg.Server.ListenAddr),
		zap.String("version", Version),
		zap.String("audit_driver", s.cfg.Storage.Driver),
		zap.Duration("surveillance_interval", s.cfg.MonitoringInterval()),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	s.engine.Stop()
	s.eventBus.Unsubscribe("metrics.surveillance")
	s.sweeper.Stop()
	s.alertBus.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// Close releases all resources.
func (s *Server) Close() {
	if s.agentStore != nil {
		s.agentStore.Close()
	}
	if s.auditStore != nil {
		s.auditStore.Close()
	}
	if s.freezes != nil {
		s.freezes.Close()
	}
	if s.approvals != nil {
		s.approvals.Close()
	}
	if s.alertStore != nil {
		s.alertStore.Close()
	}
	if s.keys != nil {
		s.keys.Close()
	}
}
