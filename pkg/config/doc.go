// Package config provides application configuration management from environment variables.
//
// # Overview
//
// This package loads and validates configuration from environment variables with
// sensible defaults for all settings. Tier, plan and classifier tables come from an
// optional YAML catalog file.
//
// # Configuration Structure
//
// Server settings:
//
//	TIERMETER_HOST="0.0.0.0"
//	TIERMETER_PORT="8080"
//	TIERMETER_READ_TIMEOUT="15s"
//	TIERMETER_SHUTDOWN_TIMEOUT="30s"
//
// Storage settings:
//
//	TIERMETER_STORAGE_TYPE="postgres"  # memory, postgres, hybrid
//	TIERMETER_POSTGRES_URL="postgres://localhost/tiermeter"
//	TIERMETER_POSTGRES_REPLICA_URLS="postgres://replica1/tiermeter,postgres://replica2/tiermeter"
//	TIERMETER_REDIS_URL="redis://localhost:6379"
//	TIERMETER_REDIS_KEY_PREFIX="tiermeter"
//
// Metering settings:
//
//	TIERMETER_CATALOG_FILE="/etc/tiermeter/catalog.yaml"
//	TIERMETER_CLASSIFIER_CACHE_SIZE="1024"
//	TIERMETER_NOTIFIER="redis"  # local, redis
//	TIERMETER_RETRY_MAX_ATTEMPTS="3"
//	TIERMETER_RETRY_BASE_DELAY="1s"
//
// Reconciler settings:
//
//	TIERMETER_RECONCILE_SCHEDULE="@every 15m"
//	TIERMETER_RECONCILE_WORKERS="4"
//
// Observability settings:
//
//	TIERMETER_LOG_LEVEL="info"  # debug, info, warn, error
//	TIERMETER_LOG_FORMAT="json" # json, text
//	TIERMETER_METRICS_ENABLED="true"
//	TIERMETER_OTEL_ENABLED="true"
//	TIERMETER_OTEL_ENDPOINT="otel-collector:4317"
//	TIERMETER_OTEL_SAMPLE_RATIO="0.1"
//
// # Usage Example
//
//	cfg, err := config.LoadConfig()
//	if err != nil {
//		log.Fatal(err)
//	}
//	catalog, err := config.LoadCatalog(cfg.Metering.CatalogFile)
//	if err != nil {
//		log.Fatal(err)
//	}
//	router := routing.NewRouter(catalog.Tiers)
package config
