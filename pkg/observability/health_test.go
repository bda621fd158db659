package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthChecker_Liveness(t *testing.T) {
	checker := NewHealthChecker("test", PingProbe("down", true, func(context.Context) error {
		return errors.New("down")
	}))

	req := httptest.NewRequest("GET", "/health/live", nil)
	rr := httptest.NewRecorder()
	checker.Liveness(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("Liveness check returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected Content-Type application/json, got %s", ct)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if response["status"] != StatusHealthy {
		t.Errorf("Expected status %s, got %v", StatusHealthy, response["status"])
	}
}

func TestHealthChecker_Check(t *testing.T) {
	t.Run("no probes", func(t *testing.T) {
		status := NewHealthChecker("v1").Check(context.Background())
		assert.Equal(t, StatusHealthy, status.Status)
		assert.Equal(t, "v1", status.Version)
		assert.Empty(t, status.Dependencies)
	})

	t.Run("healthy database", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))

		status := NewHealthChecker("", DatabaseProbe("postgres", db)).Check(context.Background())
		assert.Equal(t, StatusHealthy, status.Status, "%+v", status.Dependencies)
		assert.True(t, status.Dependencies["postgres"].Critical)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("database ping failure", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing().WillReturnError(errors.New("connection refused"))

		status := NewHealthChecker("", DatabaseProbe("postgres", db)).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, status.Status)
		assert.Equal(t, "connection refused", status.Dependencies["postgres"].Message)
	})

	t.Run("database query failure", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()

		mock.ExpectPing()
		mock.ExpectQuery("SELECT 1").WillReturnError(errors.New("read-only"))

		status := NewHealthChecker("", DatabaseProbe("postgres", db)).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, status.Status)
		assert.Contains(t, status.Dependencies["postgres"].Message, "query failed")
	})

	t.Run("healthy redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()

		status := NewHealthChecker("", RedisProbe("redis", client, true)).Check(context.Background())
		assert.Equal(t, StatusHealthy, status.Status)
	})

	t.Run("critical redis down is unhealthy", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
		defer client.Close()
		mr.Close()

		status := NewHealthChecker("", RedisProbe("redis", client, true)).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, status.Status)
	})

	t.Run("non-critical failure degrades", func(t *testing.T) {
		status := NewHealthChecker("",
			PingProbe("primary", true, func(context.Context) error { return nil }),
			PingProbe("notifier", false, func(context.Context) error { return errors.New("down") }),
		).Check(context.Background())
		assert.Equal(t, StatusDegraded, status.Status)
		assert.Equal(t, StatusHealthy, status.Dependencies["primary"].Status)
		assert.Equal(t, StatusDegraded, status.Dependencies["notifier"].Status)
	})

	t.Run("degraded error on a critical probe", func(t *testing.T) {
		status := NewHealthChecker("",
			PingProbe("postgres", true, func(context.Context) error { return &DegradedError{Reason: "connection pool exhausted"} }),
		).Check(context.Background())
		assert.Equal(t, StatusDegraded, status.Status)
		assert.Equal(t, "connection pool exhausted", status.Dependencies["postgres"].Message)
	})

	t.Run("unhealthy wins over degraded", func(t *testing.T) {
		status := NewHealthChecker("",
			PingProbe("a", false, func(context.Context) error { return errors.New("slow") }),
			PingProbe("b", true, func(context.Context) error { return errors.New("down") }),
		).Check(context.Background())
		assert.Equal(t, StatusUnhealthy, status.Status)
	})
}

func TestHealthChecker_Readiness(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	if err != nil {
		t.Fatalf("Failed to create mock db: %v", err)
	}
	defer db.Close()
	mock.ExpectPing().WillReturnError(errors.New("down"))

	rr := httptest.NewRecorder()
	NewHealthChecker("", DatabaseProbe("postgres", db)).Readiness(rr, httptest.NewRequest("GET", "/health/ready", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", rr.Code)
	}
}

func TestRegisterHealthRoutes(t *testing.T) {
	router := mux.NewRouter()
	RegisterHealthRoutes(router, NewHealthChecker(""))

	for _, path := range []string{"/health", "/health/live", "/health/ready"} {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, rr.Code)
		}
	}
}
