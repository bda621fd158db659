package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/platinummonkey/tiermeter/pkg/api"
	"github.com/platinummonkey/tiermeter/pkg/audit"
	"github.com/platinummonkey/tiermeter/pkg/classifier"
	"github.com/platinummonkey/tiermeter/pkg/config"
	"github.com/platinummonkey/tiermeter/pkg/ledger"
	"github.com/platinummonkey/tiermeter/pkg/metering"
	"github.com/platinummonkey/tiermeter/pkg/observability"
	"github.com/platinummonkey/tiermeter/pkg/quota"
	"github.com/platinummonkey/tiermeter/pkg/ratelimit"
	"github.com/platinummonkey/tiermeter/pkg/retry"
	"github.com/platinummonkey/tiermeter/pkg/routing"
	"github.com/platinummonkey/tiermeter/pkg/storage/backend"
	"github.com/platinummonkey/tiermeter/pkg/subscription"
)

// app holds the assembled services behind the HTTP server
type app struct {
	handler  http.Handler
	backend  *backend.Backend
	notifier ledger.Notifier
	audit    audit.Logger
	metering *metering.Service

	stopCleanup context.CancelFunc
}

// newApp opens storage and wires every service from cfg. A nil tp leaves
// the services on the global tracer provider.
func newApp(ctx context.Context, cfg *config.Config, log *logrus.Logger, registry *prometheus.Registry, tp *sdktrace.TracerProvider) (*app, error) {
	catalog, err := config.LoadCatalog(cfg.Metering.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}

	b, err := backend.Open(ctx, cfg.Storage, observability.Component(log, "storage"))
	if err != nil {
		return nil, err
	}

	a := &app{backend: b}
	if err := a.wire(cfg, catalog, log, registry, tp); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(cfg *config.Config, catalog *config.Catalog, log *logrus.Logger, registry *prometheus.Registry, tp *sdktrace.TracerProvider) error {
	b := a.backend

	var primaryAudit audit.Logger = audit.NewMemoryLogger()
	if b.DB != nil {
		dbAudit, err := audit.NewDBLogger(b.DB)
		if err != nil {
			return fmt.Errorf("failed to initialize audit log: %w", err)
		}
		primaryAudit = dbAudit
	}
	a.audit = audit.NewMultiLogger(primaryAudit, audit.NewLogrusLogger(observability.Component(log, "audit")))

	switch cfg.Metering.Notifier {
	case config.BackendRedis:
		client, err := b.ConnectRedis(cfg.Storage)
		if err != nil {
			return err
		}
		a.notifier = ledger.NewRedisNotifier(client, cfg.Storage.RedisKeyPrefix, observability.Component(log, "notifier"))
	default:
		a.notifier = ledger.NewLocalNotifier(observability.Component(log, "notifier"))
	}

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled && registry != nil {
		metrics = observability.NewMetrics(registry)
	}

	policy := retry.Policy{
		MaxAttempts: cfg.Metering.RetryMaxAttempts,
		BaseDelay:   cfg.Metering.RetryBaseDelay,
	}
	plans := catalog.Plans

	l := ledger.New(b.Accounts, plans,
		ledger.WithNotifier(a.notifier),
		ledger.WithAudit(a.audit),
		ledger.WithMetrics(metrics),
		ledger.WithRetryPolicy(policy),
		ledger.WithLogger(observability.Component(log, "ledger")),
	)
	q := quota.New(b.Quotas, b.Accounts, plans,
		quota.WithAudit(a.audit),
		quota.WithMetrics(metrics),
		quota.WithRetryPolicy(policy),
		quota.WithLogger(observability.Component(log, "quota")),
	)

	mgrOpts := []subscription.Option{
		subscription.WithAudit(a.audit),
		subscription.WithMetrics(metrics),
		subscription.WithRetryPolicy(policy),
		subscription.WithLogger(observability.Component(log, "subscription")),
	}
	meteringOpts := []metering.Option{
		metering.WithAudit(a.audit),
		metering.WithMetrics(metrics),
		metering.WithLogger(observability.Component(log, "metering")),
	}
	if tp != nil {
		mgrOpts = append(mgrOpts, subscription.WithTracerProvider(tp))
		meteringOpts = append(meteringOpts, metering.WithTracerProvider(tp))
	}
	mgr := subscription.NewManager(b.Accounts, b.Projections, plans, mgrOpts...)

	cls, err := classifier.New(catalog.ClassifierOptions...)
	if err != nil {
		return fmt.Errorf("failed to build classifier: %w", err)
	}
	var c metering.Classifier = cls
	if cfg.Metering.ClassifierCacheSize > 0 {
		c = classifier.NewCached(cls, cfg.Metering.ClassifierCacheSize, cfg.Metering.ClassifierCacheTTL)
	}
	a.metering = metering.NewService(c, routing.NewRouter(catalog.Tiers), l, q, meteringOpts...)

	server := api.NewServer(api.Dependencies{
		Router:        a.metering,
		Credits:       l,
		Usage:         q,
		Subscriptions: mgr,
		Audit:         a.audit,
	}, observability.Component(log, "api"))

	if cfg.RateLimit.Enabled {
		limiter, err := a.rateLimiter(cfg)
		if err != nil {
			return err
		}
		server.Router().Use(ratelimit.Middleware(limiter, ratelimit.AccountKey, metrics))
	}

	server.RegisterRoutes(probeRoutes{
		health:   observability.NewHealthChecker(cfg.Observability.OTelServiceVersion, b.Probes()...),
		registry: registry,
		metrics:  metrics,
	})
	a.handler = server
	return nil
}

func (a *app) rateLimiter(cfg *config.Config) (ratelimit.Limiter, error) {
	rl := ratelimit.Config{
		RequestsPerWindow: cfg.RateLimit.RequestsPerWindow,
		Window:            cfg.RateLimit.Window,
		Burst:             cfg.RateLimit.Burst,
	}
	if cfg.RateLimit.Backend == config.BackendRedis {
		client, err := a.backend.ConnectRedis(cfg.Storage)
		if err != nil {
			return nil, err
		}
		return ratelimit.NewRedisLimiter(client, rl, cfg.Storage.RedisKeyPrefix), nil
	}

	local := ratelimit.NewLocalLimiter(rl)
	ctx, cancel := context.WithCancel(context.Background())
	local.StartCleanup(ctx)
	a.stopCleanup = cancel
	return local, nil
}

// probeRoutes mounts health probes and the Prometheus endpoint
type probeRoutes struct {
	health   *observability.HealthChecker
	registry *prometheus.Registry
	metrics  *observability.Metrics
}

func (p probeRoutes) RegisterRoutes(router *mux.Router) {
	observability.RegisterHealthRoutes(router, p.health)
	if p.metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(p.metrics))
		observability.RegisterMetricsEndpoint(router, p.registry)
	}
}

// Close releases the notifier, the audit log and storage connections
func (a *app) Close() error {
	if a.stopCleanup != nil {
		a.stopCleanup()
	}
	if a.notifier != nil {
		a.notifier.Close()
	}
	if a.audit != nil {
		a.audit.Close()
	}
	return a.backend.Close()
}
