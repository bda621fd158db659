// Package observability provides structured logging, Prometheus metrics, health checks
// and OpenTelemetry tracing.
//
// # Structured Logging
//
// Create logger:
//
//	logger := observability.NewLogger("info", observability.FormatJSON, os.Stdout)
//	logger.WithField("component", "ledger").Info("Ledger ready")
//
// Context-aware logging:
//
//	ctx = observability.WithRequestID(ctx, reqID)
//	observability.LoggerFromContext(ctx).Warn("Quota exhausted")
//
// # Prometheus Metrics
//
// Initialize metrics:
//
//	registry := prometheus.NewRegistry()
//	metrics := observability.NewMetrics(registry)
//	metrics.ObserveRoute("standard", "medium", false, 12)
//
// Every Observe method is safe on a nil *Metrics so components can run without metrics.
//
// # Health Checks
//
//	checker := observability.NewHealthChecker(version, observability.DatabaseProbe("postgres", db))
//	observability.RegisterHealthRoutes(router, checker)
//
// # OpenTelemetry
//
//	tp, err := observability.InitTracing(ctx, observability.OTelConfig{
//		Enabled:     true,
//		Endpoint:    "otel-collector:4317",
//		ServiceName: "tiermeter",
//	}, log)
//	defer observability.ShutdownTracing(ctx, tp)
package observability
