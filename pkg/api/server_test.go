package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tiermeter/pkg/accounts"
	"github.com/platinummonkey/tiermeter/pkg/audit"
	"github.com/platinummonkey/tiermeter/pkg/classifier"
	"github.com/platinummonkey/tiermeter/pkg/httputil"
	"github.com/platinummonkey/tiermeter/pkg/ledger"
	"github.com/platinummonkey/tiermeter/pkg/metering"
	"github.com/platinummonkey/tiermeter/pkg/quota"
	"github.com/platinummonkey/tiermeter/pkg/retry"
	"github.com/platinummonkey/tiermeter/pkg/routing"
	"github.com/platinummonkey/tiermeter/pkg/storage"
	"github.com/platinummonkey/tiermeter/pkg/storage/memory"
	"github.com/platinummonkey/tiermeter/pkg/subscription"
)

var fastRetry = retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond}

// brokenUsageProjection fails every usage record write
type brokenUsageProjection struct {
	*memory.Store
}

func (s *brokenUsageProjection) UpsertUsageRecord(context.Context, *accounts.UsageRecord) error {
	return storage.Unavailable("memory", "upsert usage record", errors.New("connection refused"))
}

type testServer struct {
	*Server
	store *memory.Store
	audit *audit.MemoryLogger
}

func newTestServer(t *testing.T, brokenUsage bool) *testServer {
	t.Helper()
	log, _ := logtest.NewNullLogger()
	entry := logrus.NewEntry(log)
	plans := accounts.DefaultPlans()

	store := memory.NewStore()
	auditLog := audit.NewMemoryLogger()

	var projections storage.ProjectionStore = store
	if brokenUsage {
		projections = &brokenUsageProjection{Store: store}
	}

	l := ledger.New(store, plans, ledger.WithLogger(entry), ledger.WithAudit(auditLog), ledger.WithRetryPolicy(fastRetry))
	q := quota.New(store, store, plans, quota.WithLogger(entry), quota.WithAudit(auditLog), quota.WithRetryPolicy(fastRetry))
	mgr := subscription.NewManager(store, projections, plans,
		subscription.WithLogger(entry),
		subscription.WithAudit(auditLog),
		subscription.WithRetryPolicy(fastRetry),
	)
	svc := metering.NewService(classifier.MustNew(), routing.NewRouter(nil), l, q,
		metering.WithLogger(entry),
		metering.WithAudit(auditLog),
	)

	server := NewServer(Dependencies{
		Router:        svc,
		Credits:       l,
		Usage:         q,
		Subscriptions: mgr,
		Audit:         auditLog,
	}, entry)
	return &testServer{Server: server, store: store, audit: auditLog}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestRoute_Greeting(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.do(t, "POST", "/route", RouteRequest{AccountID: "acct-1", Text: "Hi"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(httputil.RequestIDHeader))

	resp := decode[map[string]any](t, w)
	assert.Equal(t, "fast", resp["selectedTier"])
	assert.Equal(t, true, resp["affordable"])
	assert.NotEmpty(t, resp["reasoning"])
	assert.InDelta(t, 1.51, resp["estimatedCost"], 1e-9)

	cls := resp["classification"].(map[string]any)
	assert.Equal(t, "simple", cls["complexity"])

	q := resp["quota"].(map[string]any)
	assert.Equal(t, true, q["canUse"])
	assert.EqualValues(t, 50, q["limit"])
}

func TestRoute_Errors(t *testing.T) {
	ts := newTestServer(t, false)

	tests := []struct {
		name string
		body any
		code int
		msg  string
	}{
		{"missing text", RouteRequest{AccountID: "acct-1"}, http.StatusBadRequest, "text is required"},
		{"missing account", RouteRequest{Text: "hi"}, http.StatusBadRequest, "accountId is required"},
		{"unknown tier", RouteRequest{AccountID: "acct-1", Text: "hi", AccountTier: "gold"}, http.StatusBadRequest, "unknown account tier"},
		{"unknown override", RouteRequest{AccountID: "acct-1", Text: "hi", ManualOverrideTier: "turbo"}, http.StatusBadRequest, "turbo"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, "POST", "/route", tt.body)
			assert.Equal(t, tt.code, w.Code)
			assert.Contains(t, w.Body.String(), tt.msg)
		})
	}

	t.Run("malformed json", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/route", bytes.NewBufferString(`{"text":`))
		w := httptest.NewRecorder()
		ts.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "invalid JSON")
	})

	t.Run("wrong content type", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/route", bytes.NewBufferString(`text=hi`))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		w := httptest.NewRecorder()
		ts.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestRoute_Gated(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.do(t, "POST", "/route", RouteRequest{AccountID: "acct-1", Text: "hi", ManualOverrideTier: "advanced"})
	require.Equal(t, http.StatusForbidden, w.Code)

	resp := decode[httputil.ErrorResponse](t, w)
	assert.Equal(t, "advanced", resp.Details["requestedTier"])
	assert.Equal(t, "standard", resp.Details["suggestedTier"])
	assert.Equal(t, "free", resp.Details["accountTier"])

	events, err := ts.audit.Search(context.Background(), audit.SearchFilter{EventTypes: []audit.EventType{audit.EventTypeRoutingGated}})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestCredits_Lifecycle(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.do(t, "GET", "/credits?accountId=acct-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, "GET", "/credits", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// first route creates the account with the free grant
	require.Equal(t, http.StatusOK, ts.do(t, "POST", "/route", RouteRequest{AccountID: "acct-1", Text: "Hi"}).Code)

	w = ts.do(t, "GET", "/credits?accountId=acct-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"total": 100, "used": 0, "available": 100}`, w.Body.String())

	w = ts.do(t, "POST", "/credits/use", UseCreditsRequest{AccountID: "acct-1", Amount: 30, Feature: "analyses"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	used := decode[MutationResponse](t, w)
	assert.True(t, used.Success)
	assert.Equal(t, int64(70), used.AvailableAfter)
	assert.NotEmpty(t, used.MutationID)

	w = ts.do(t, "POST", "/credits/use", UseCreditsRequest{AccountID: "acct-1", Amount: 500})
	require.Equal(t, http.StatusPaymentRequired, w.Code)
	denied := decode[InsufficientCreditsResponse](t, w)
	assert.Equal(t, InsufficientCreditsResponse{Error: "insufficient credits", Total: 100, Used: 30, Available: 70}, denied)

	w = ts.do(t, "POST", "/credits/refund", RefundCreditsRequest{AccountID: "acct-1", Amount: 10, Reason: "backend timeout"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, int64(80), decode[MutationResponse](t, w).AvailableAfter)

	w = ts.do(t, "GET", "/credits/history?accountId=acct-1&limit=10", nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[HistoryResponse](t, w)
	require.Len(t, history.Mutations, 3)
	assert.Equal(t, accounts.MutationRefund, history.Mutations[0].Kind)
	assert.False(t, history.Mutations[1].Success)
	assert.Equal(t, accounts.FeatureAnalyses, history.Mutations[2].Feature)
}

func TestCredits_Validation(t *testing.T) {
	ts := newTestServer(t, false)

	tests := []struct {
		name string
		path string
		body any
		msg  string
	}{
		{"use without amount", "/credits/use", UseCreditsRequest{AccountID: "acct-1"}, "amount must be positive"},
		{"use negative amount", "/credits/use", UseCreditsRequest{AccountID: "acct-1", Amount: -5}, "amount must be positive"},
		{"use unknown feature", "/credits/use", UseCreditsRequest{AccountID: "acct-1", Amount: 5, Feature: "videos"}, "unknown feature"},
		{"refund without account", "/credits/refund", RefundCreditsRequest{Amount: 5}, "accountId is required"},
		{"refund zero", "/credits/refund", RefundCreditsRequest{AccountID: "acct-1"}, "amount must be positive"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ts.do(t, "POST", tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.msg)
		})
	}

	w := ts.do(t, "GET", "/credits/history?accountId=acct-1&limit=lots", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRoute_CompleteAndFail(t *testing.T) {
	ts := newTestServer(t, false)
	require.Equal(t, http.StatusOK, ts.do(t, "POST", "/route", RouteRequest{AccountID: "acct-1", Text: "Hi"}).Code)

	w := ts.do(t, "POST", "/route/complete", CompleteRequest{
		AccountID:   "acct-1",
		Tier:        "standard",
		InputUnits:  20,
		OutputUnits: 300,
		SessionID:   "sess-1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	completed := decode[map[string]any](t, w)
	assert.EqualValues(t, 10, completed["credits"])
	assert.EqualValues(t, 1, completed["quota"].(map[string]any)["current"])

	w = ts.do(t, "POST", "/route/fail", FailRequest{AccountID: "acct-1", SessionID: "sess-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(100), decode[MutationResponse](t, w).AvailableAfter)

	// nothing left to refund for the session
	w = ts.do(t, "POST", "/route/fail", FailRequest{AccountID: "acct-1", SessionID: "sess-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, "POST", "/route/complete", CompleteRequest{AccountID: "acct-1", Tier: "turbo", InputUnits: 1})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, "POST", "/route/complete", CompleteRequest{AccountID: "acct-1", Credits: 1000})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
}

func TestUsageSummary(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.do(t, "GET", "/usage/summary?accountId=ghost", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.Equal(t, http.StatusOK, ts.do(t, "POST", "/route", RouteRequest{AccountID: "acct-1", Text: "Hi"}).Code)

	w = ts.do(t, "GET", "/usage/summary?accountId=acct-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	summary := decode[quota.Summary](t, w)
	assert.Equal(t, accounts.TierFree, summary.Tier)
	assert.Equal(t, int64(50), summary.Limits[accounts.FeatureMessages])
	assert.Equal(t, int64(3), summary.RemainingByFeature[accounts.FeatureAnalyses])
	assert.True(t, summary.CanUseByFeature[accounts.FeatureUploads])
	assert.False(t, summary.ResetAt.IsZero())
}

func paidFact(accountID string) subscription.Fact {
	return subscription.Fact{
		AccountID:   accountID,
		Tier:        accounts.TierPaid,
		Status:      accounts.StatusActive,
		CustomerRef: "cus_1",
		PeriodStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
		AutoRenew:   true,
	}
}

func TestSubscription_Update(t *testing.T) {
	ts := newTestServer(t, false)

	w := ts.do(t, "POST", "/subscription/update", paidFact("acct-1"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[subscription.Result](t, w)
	assert.True(t, result.Success)
	assert.ElementsMatch(t, []string{
		subscription.ProjectionAccount,
		subscription.ProjectionSubscriptionRecord,
		subscription.ProjectionUsageRecord,
		subscription.ProjectionAuditLog,
	}, result.UpdatedProjections)

	w = ts.do(t, "GET", "/credits?accountId=acct-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"total": 2000, "used": 0, "available": 2000}`, w.Body.String())

	w = ts.do(t, "POST", "/subscription/reconcile", ReconcileRequest{AccountID: "acct-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, "POST", "/subscription/update", subscription.Fact{AccountID: "acct-1", Tier: accounts.TierPaid})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, "POST", "/subscription/reconcile", ReconcileRequest{AccountID: "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, "POST", "/subscription/reconcile", ReconcileRequest{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubscription_PartialUpdate(t *testing.T) {
	ts := newTestServer(t, true)

	w := ts.do(t, "POST", "/subscription/update", paidFact("acct-1"))
	require.Equal(t, http.StatusMultiStatus, w.Code, w.Body.String())

	result := decode[subscription.Result](t, w)
	assert.False(t, result.Success)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, subscription.ProjectionUsageRecord, result.Errors[0].Projection)
	assert.Contains(t, result.Errors[0].Error, "connection refused")

	raw := decode[map[string]any](t, w)
	require.IsType(t, []any{}, raw["errors"])
	assert.Equal(t, map[string]any{
		"projection": subscription.ProjectionUsageRecord,
		"error":      result.Errors[0].Error,
	}, raw["errors"].([]any)[0])
	assert.Contains(t, result.UpdatedProjections, subscription.ProjectionAccount)
	assert.Contains(t, result.UpdatedProjections, subscription.ProjectionAuditLog)
}

func TestStoreUnavailable(t *testing.T) {
	ts := newTestServer(t, false)
	require.Equal(t, http.StatusOK, ts.do(t, "POST", "/route", RouteRequest{AccountID: "acct-1", Text: "Hi"}).Code)
	require.NoError(t, ts.store.Close())

	w := ts.do(t, "GET", "/credits?accountId=acct-1", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "retry later")
	assert.Equal(t, "2", w.Header().Get("Retry-After"))

	w = ts.do(t, "POST", "/credits/use", UseCreditsRequest{AccountID: "acct-1", Amount: 1})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestAuditSearch(t *testing.T) {
	ts := newTestServer(t, false)
	require.Equal(t, http.StatusOK, ts.do(t, "POST", "/route", RouteRequest{AccountID: "acct-1", Text: "Hi"}).Code)
	require.Equal(t, http.StatusOK, ts.do(t, "POST", "/credits/use", UseCreditsRequest{AccountID: "acct-1", Amount: 5}).Code)

	w := ts.do(t, "GET", "/audit?accountId=acct-1&type=ledger.commit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	resp := decode[AuditResponse](t, w)
	require.Len(t, resp.Events, 1)
	assert.Equal(t, audit.EventTypeLedgerCommit, resp.Events[0].EventType)
	assert.Equal(t, "acct-1", resp.Events[0].AccountID)

	w = ts.do(t, "GET", "/audit?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

type pingRoutes struct{}

func (pingRoutes) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	}).Methods("GET")
}

func TestRegisterRoutes(t *testing.T) {
	ts := newTestServer(t, false)
	ts.RegisterRoutes(pingRoutes{})

	w := ts.do(t, "GET", "/ping", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
}
