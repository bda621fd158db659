package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// probeTimeout bounds a readiness check
const probeTimeout = 5 * time.Second

// DegradedError marks a dependency that works but is impaired
type DegradedError struct {
	Reason string
}

func (e *DegradedError) Error() string {
	return e.Reason
}

// Probe checks one dependency. A failing critical probe makes the service
// unhealthy; a failing non-critical probe only degrades it.
type Probe struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// PingProbe wraps a plain ping function
func PingProbe(name string, critical bool, ping func(ctx context.Context) error) Probe {
	return Probe{Name: name, Critical: critical, Check: ping}
}

// DatabaseProbe pings db, runs a trivial query and reports an exhausted
// connection pool as degraded.
func DatabaseProbe(name string, db *sql.DB) Probe {
	return Probe{
		Name:     name,
		Critical: true,
		Check: func(ctx context.Context) error {
			if err := db.PingContext(ctx); err != nil {
				return err
			}
			var one int
			if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
				return fmt.Errorf("query failed: %w", err)
			}
			stats := db.Stats()
			if stats.MaxOpenConnections > 0 && stats.OpenConnections >= stats.MaxOpenConnections {
				return &DegradedError{Reason: "connection pool exhausted"}
			}
			return nil
		},
	}
}

// RedisProbe pings a Redis client
func RedisProbe(name string, client *redis.Client, critical bool) Probe {
	return Probe{
		Name:     name,
		Critical: critical,
		Check: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	}
}

// HealthChecker serves liveness and readiness probes
type HealthChecker struct {
	probes  []Probe
	version string
	now     func() time.Time
}

// NewHealthChecker creates a checker over probes. Without probes the
// service is always ready.
func NewHealthChecker(version string, probes ...Probe) *HealthChecker {
	return &HealthChecker{
		probes:  probes,
		version: version,
		now:     time.Now,
	}
}

// HealthStatus represents the overall health status
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus represents the health of a single dependency
type DependencyStatus struct {
	Status    string        `json:"status"`
	Critical  bool          `json:"critical"`
	Message   string        `json:"message,omitempty"`
	Latency   time.Duration `json:"latency_ms,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Liveness always answers 200 while the process serves requests
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    StatusHealthy,
		"timestamp": h.now(),
	})
}

// Readiness answers 503 when any critical dependency is down
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	status := h.Check(ctx)

	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(status)
}

// Check runs every probe concurrently
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    h.now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(h.probes)),
	}

	results := make([]DependencyStatus, len(h.probes))
	var wg sync.WaitGroup
	for i, p := range h.probes {
		wg.Add(1)
		go func(i int, p Probe) {
			defer wg.Done()
			results[i] = h.run(ctx, p)
		}(i, p)
	}
	wg.Wait()

	for i, p := range h.probes {
		status.merge(p.Name, results[i])
	}
	return status
}

func (h *HealthChecker) run(ctx context.Context, p Probe) DependencyStatus {
	start := h.now()
	err := p.Check(ctx)
	dep := DependencyStatus{
		Status:    StatusHealthy,
		Critical:  p.Critical,
		Latency:   time.Since(start),
		Timestamp: start,
	}
	if err == nil {
		return dep
	}

	dep.Message = err.Error()
	var degraded *DegradedError
	if p.Critical && !errors.As(err, &degraded) {
		dep.Status = StatusUnhealthy
	} else {
		dep.Status = StatusDegraded
	}
	return dep
}

func (s *HealthStatus) merge(name string, dep DependencyStatus) {
	s.Dependencies[name] = dep
	switch dep.Status {
	case StatusUnhealthy:
		s.Status = StatusUnhealthy
	case StatusDegraded:
		if s.Status != StatusUnhealthy {
			s.Status = StatusDegraded
		}
	}
}

// RegisterHealthRoutes registers health check endpoints
func RegisterHealthRoutes(router *mux.Router, checker *HealthChecker) {
	router.HandleFunc("/health", checker.Readiness).Methods(http.MethodGet)
	router.HandleFunc("/health/live", checker.Liveness).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", checker.Readiness).Methods(http.MethodGet)
}
