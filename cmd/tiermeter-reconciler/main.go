package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/tiermeter/pkg/audit"
	"github.com/platinummonkey/tiermeter/pkg/config"
	"github.com/platinummonkey/tiermeter/pkg/observability"
	"github.com/platinummonkey/tiermeter/pkg/retry"
	"github.com/platinummonkey/tiermeter/pkg/storage/backend"
	"github.com/platinummonkey/tiermeter/pkg/subscription"
)

var (
	schedule = flag.String("schedule", "", "Cron schedule for the sweep (overrides TIERMETER_RECONCILE_SCHEDULE)")
	runOnce  = flag.Bool("once", false, "Run one sweep and exit")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *schedule != "" {
		cfg.Reconciler.Schedule = *schedule
	}

	log := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, os.Stdout)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("reconciler exited with error")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx := context.Background()
	entry := observability.Component(log, "reconciler")

	catalog, err := config.LoadCatalog(cfg.Metering.CatalogFile)
	if err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	b, err := backend.Open(ctx, cfg.Storage, observability.Component(log, "storage"))
	if err != nil {
		return err
	}
	defer b.Close()

	var auditLog audit.Logger = audit.NewLogrusLogger(observability.Component(log, "audit"))
	if b.DB != nil {
		dbAudit, err := audit.NewDBLogger(b.DB)
		if err != nil {
			return fmt.Errorf("failed to initialize audit log: %w", err)
		}
		auditLog = audit.NewMultiLogger(dbAudit, auditLog)
	}
	defer auditLog.Close()

	mgr := subscription.NewManager(b.Accounts, b.Projections, catalog.Plans,
		subscription.WithAudit(auditLog),
		subscription.WithRetryPolicy(retry.Policy{
			MaxAttempts: cfg.Metering.RetryMaxAttempts,
			BaseDelay:   cfg.Metering.RetryBaseDelay,
		}),
		subscription.WithLogger(observability.Component(log, "subscription")),
	)

	s := &sweeper{
		accounts:    b.Accounts,
		manager:     mgr,
		workers:     cfg.Reconciler.Workers,
		taskTimeout: cfg.Reconciler.TaskTimeout,
		log:         entry,
	}

	if *runOnce {
		_, err := s.Run(ctx)
		return err
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(entry)))
	_, err = c.AddFunc(cfg.Reconciler.Schedule, func() {
		if _, err := s.Run(ctx); err != nil {
			entry.WithError(err).Warn("Sweep completed with failures")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	c.Start()
	entry.WithFields(logrus.Fields{
		"schedule": cfg.Reconciler.Schedule,
		"workers":  cfg.Reconciler.Workers,
		"storage":  cfg.Storage.Type,
	}).Info("Reconciler started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	<-sigChan
	entry.Info("Shutting down gracefully...")

	stopCtx := c.Stop()
	<-stopCtx.Done()

	entry.Info("Reconciler stopped")
	return nil
}
