package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tiermeter/pkg/config"
	"github.com/platinummonkey/tiermeter/pkg/observability"
)

var version = "dev"

func main() {
	port := flag.String("port", "", "Port to listen on (overrides TIERMETER_PORT)")
	catalogFile := flag.String("catalog", "", "Tier, plan and classifier catalog file (overrides TIERMETER_CATALOG_FILE)")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *catalogFile != "" {
		cfg.Metering.CatalogFile = *catalogFile
	}

	log := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("tiermeter exited with error")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx := context.Background()
	entry := observability.Component(log, "main")

	tp, err := observability.InitTracing(ctx, cfg.Observability.OTel(), entry)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a, err := newApp(ctx, cfg, log, registry, tp)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      otelhttp.NewHandler(a.handler, "tiermeter"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(entry, server, cfg.Server.ShutdownTimeout)
	shutdown.Register("app", func(context.Context) error {
		return a.Close()
	})
	if tp != nil {
		shutdown.Register("tracing", func(ctx context.Context) error {
			return observability.ShutdownTracing(ctx, tp)
		})
	}

	go func() {
		entry.WithFields(logrus.Fields{
			"addr":     server.Addr,
			"storage":  cfg.Storage.Type,
			"notifier": cfg.Metering.Notifier,
			"version":  version,
		}).Info("Starting tiermeter server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			entry.WithError(err).Fatal("HTTP server failed")
		}
	}()

	return shutdown.WaitForShutdown()
}
